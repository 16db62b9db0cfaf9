package resolver

import (
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/parser"
	"github.com/sqlflow-dev/sqlflow/variables"
)

func TestResolve_SubstitutesVariableWithDefault(t *testing.T) {
	prog, err := parser.Parse(`CREATE TABLE t AS SELECT * FROM "${src|orders}";`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	pipeline, err := New(scope, nil).Resolve(prog)
	assert.NoError(t, err)

	block := pipeline.Statements[0].(*ast.SqlBlock)
	assert.Equal(t, `SELECT * FROM 'orders'`, block.SQLBody)
}

func TestResolve_SetDirectiveBindsScope(t *testing.T) {
	prog, err := parser.Parse(`SET region = "us-east";
CREATE TABLE t AS SELECT "${region}";`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	pipeline, err := New(scope, nil).Resolve(prog)
	assert.NoError(t, err)

	assert.Equal(t, 1, len(pipeline.Statements))

	block := pipeline.Statements[0].(*ast.SqlBlock)
	assert.Equal(t, `SELECT 'us-east'`, block.SQLBody)
}

func TestResolve_UnboundVariableNoDefaultErrors(t *testing.T) {
	prog, err := parser.Parse(`CREATE TABLE t AS SELECT "${missing}";`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	_, err = New(scope, nil).Resolve(prog)
	assert.Error(t, err)
}

func TestResolve_IncludeExpandsChildStatements(t *testing.T) {
	prog, err := parser.Parse(`INCLUDE "shared.sf";
CREATE TABLE t AS SELECT 1;`)
	assert.NoError(t, err)

	loader := func(path string) (string, error) {
		if path == "shared.sf" {
			return `SET region = "us-east";`, nil
		}

		return "", fmt.Errorf("not found: %s", path)
	}

	scope := variables.NewScope(nil, nil)
	pipeline, err := New(scope, loader).Resolve(prog)
	assert.NoError(t, err)

	assert.Equal(t, 1, len(pipeline.Statements))

	value, _, ok := scope.Lookup("region")
	assert.True(t, ok)
	assert.Equal(t, "us-east", value)
}

func TestResolve_IncludeWithoutLoaderErrors(t *testing.T) {
	prog, err := parser.Parse(`INCLUDE "shared.sf";`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	_, err = New(scope, nil).Resolve(prog)
	assert.Error(t, err)
}

func TestResolve_ConditionalTakesFirstTruthyBranch(t *testing.T) {
	prog, err := parser.Parse(`SET env = "prod";
IF env == "prod" THEN
SET region = "us-east";
ELSE
SET region = "us-west";
END IF;`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	_, err = New(scope, nil).Resolve(prog)
	assert.NoError(t, err)

	value, _, ok := scope.Lookup("region")
	assert.True(t, ok)
	assert.Equal(t, "us-east", value)
}

func TestResolve_ConditionalFallsToElse(t *testing.T) {
	prog, err := parser.Parse(`SET env = "dev";
IF env == "prod" THEN
SET region = "us-east";
ELSE
SET region = "us-west";
END IF;`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	_, err = New(scope, nil).Resolve(prog)
	assert.NoError(t, err)

	value, _, ok := scope.Lookup("region")
	assert.True(t, ok)
	assert.Equal(t, "us-west", value)
}

func TestResolve_SourceDeclParamsSubstituted(t *testing.T) {
	prog, err := parser.Parse(`SET path = "orders.csv";
SOURCE orders TYPE CSV PARAMS { "path": "${path}" };`)
	assert.NoError(t, err)

	scope := variables.NewScope(nil, nil)
	pipeline, err := New(scope, nil).Resolve(prog)
	assert.NoError(t, err)

	decl := pipeline.Statements[0].(*ast.SourceDecl)
	v, ok := decl.Params.Get("path")
	assert.True(t, ok)
	assert.Equal(t, ast.String("orders.csv"), v)
}
