package connector

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow/ast"
)

type stubConnector struct{}

func (stubConnector) Capabilities() map[Capability]bool {
	return CapSet(CapRead)
}

func TestRegistry_RegisterLookupInstantiate(t *testing.T) {
	reg := NewRegistry()

	schema := Schema{Fields: []Field{{Name: "path", Required: true, Type: TypeString}}}
	reg.Register("STUB", schema, func(params map[string]any) (Connector, error) {
		return stubConnector{}, nil
	})

	factory, gotSchema, ok := reg.Lookup("STUB")
	assert.True(t, ok)
	assert.Equal(t, 1, len(gotSchema.Fields))
	assert.True(t, factory != nil)

	params := ast.NewObject()
	params.Set("path", ast.String("orders.csv"))

	conn, diags, err := reg.Instantiate("STUB", params)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(diags))
	assert.True(t, conn != nil)
}

func TestRegistry_InstantiateUnknownType(t *testing.T) {
	reg := NewRegistry()

	_, _, err := reg.Instantiate("MISSING", ast.NewObject())
	assert.Error(t, err)
}

func TestRegistry_InstantiateValidationFailureReturnsNoConnector(t *testing.T) {
	reg := NewRegistry()

	schema := Schema{Fields: []Field{{Name: "path", Required: true, Type: TypeString}}}
	reg.Register("STUB2", schema, func(params map[string]any) (Connector, error) {
		return stubConnector{}, nil
	})

	conn, diags, err := reg.Instantiate("STUB2", ast.NewObject())
	assert.NoError(t, err)
	assert.Equal(t, 1, len(diags))
	assert.True(t, conn == nil)
}

func TestRegistry_DoubleRegisterPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("DUP", Schema{}, func(params map[string]any) (Connector, error) {
		return stubConnector{}, nil
	})

	defer func() {
		r := recover()
		assert.True(t, r != nil)
	}()

	reg.Register("DUP", Schema{}, func(params map[string]any) (Connector, error) {
		return stubConnector{}, nil
	})
}

func TestRegistry_TypesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ZEBRA", Schema{}, func(params map[string]any) (Connector, error) { return stubConnector{}, nil })
	reg.Register("ALPHA", Schema{}, func(params map[string]any) (Connector, error) { return stubConnector{}, nil })

	assert.Equal(t, []string{"ALPHA", "ZEBRA"}, reg.Types())
}
