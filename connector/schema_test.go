package connector

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
)

func TestSchema_Apply_AliasFoldsToCanonical(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "base_url", Aliases: []string{"url", "endpoint"}, Required: true, Type: TypeString},
	}}

	params := ast.NewObject()
	params.Set("url", ast.String("https://example.com"))

	out, diags := schema.Apply(params)
	assert.Equal(t, 0, len(diags))
	assert.Equal(t, "https://example.com", out["base_url"])
}

func TestSchema_Apply_CanonicalWinsOverAlias(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "base_url", Aliases: []string{"url"}, Required: true, Type: TypeString},
	}}

	params := ast.NewObject()
	params.Set("url", ast.String("alias-value"))
	params.Set("base_url", ast.String("canonical-value"))

	out, diags := schema.Apply(params)
	assert.Equal(t, 0, len(diags))
	assert.Equal(t, "canonical-value", out["base_url"])
}

func TestSchema_Apply_MissingRequiredProducesDiagnostic(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "path", Required: true, Type: TypeString},
	}}

	_, diags := schema.Apply(ast.NewObject())
	assert.Equal(t, 1, len(diags))
	assert.Equal(t, sqlflow.KindParameter, diags[0].Kind)
}

func TestSchema_Apply_UnrecognizedKeyProducesDiagnostic(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "path", Type: TypeString},
	}}

	params := ast.NewObject()
	params.Set("typo_path", ast.String("x"))

	_, diags := schema.Apply(params)
	assert.Equal(t, 1, len(diags))
}

func TestSchema_Apply_OpenSchemaAllowsUnrecognizedKeys(t *testing.T) {
	schema := Schema{Open: true, Fields: []Field{
		{Name: "path", Type: TypeString},
	}}

	params := ast.NewObject()
	params.Set("extra", ast.String("x"))

	_, diags := schema.Apply(params)
	assert.Equal(t, 0, len(diags))
}

func TestSchema_Apply_DefaultAppliedWhenAbsent(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "delimiter", Type: TypeString, Default: ast.String(",")},
	}}

	out, diags := schema.Apply(ast.NewObject())
	assert.Equal(t, 0, len(diags))
	assert.Equal(t, ",", out["delimiter"])
}

func TestSchema_Apply_EnumViolationProducesDiagnostic(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "method", Type: TypeString, Enum: []string{"GET", "POST"}},
	}}

	params := ast.NewObject()
	params.Set("method", ast.String("DELETE"))

	_, diags := schema.Apply(params)
	assert.Equal(t, 1, len(diags))
}

func TestSchema_Apply_IntegerCoercionFromString(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "timeout_seconds", Type: TypeInteger},
	}}

	params := ast.NewObject()
	params.Set("timeout_seconds", ast.String("45"))

	out, diags := schema.Apply(params)
	assert.Equal(t, 0, len(diags))
	assert.Equal(t, int64(45), out["timeout_seconds"])
}

func TestSchema_Apply_TypeMismatchProducesDiagnostic(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "has_header", Type: TypeBoolean},
	}}

	params := ast.NewObject()
	params.Set("has_header", ast.String("yes"))

	_, diags := schema.Apply(params)
	assert.Equal(t, 1, len(diags))
}

func TestStandardFields_IncludesSyncMode(t *testing.T) {
	fields := StandardFields()

	var found bool

	for _, f := range fields {
		if f.Name == "sync_mode" {
			found = true
			assert.Equal(t, []string{"full_refresh", "incremental"}, f.Enum)
		}
	}

	assert.True(t, found)
}
