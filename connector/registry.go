package connector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
)

// Factory builds a configured Connector instance from folded, coerced,
// defaulted parameters (the output of a Schema.Apply call).
type Factory func(params map[string]any) (Connector, error)

// registration pairs a Factory with the Schema the framework validates its
// parameters against.
type registration struct {
	factory Factory
	schema  Schema
}

// Registry maps connector-type strings to factories. Registration is
// process-wide and open for extension; lookups take only a read lock, so
// concurrent lookups do not block each other (spec.md §5, §4.8).
type Registry struct {
	mu    sync.RWMutex
	types map[string]registration
}

// NewRegistry returns an empty Registry. Most callers use the package-level
// Default registry instead.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]registration)}
}

// Default is the process-wide registry that reference connectors register
// themselves into via init().
var Default = NewRegistry()

// Register associates a connector-type string with its factory and
// parameter schema. Re-registering the same type is a programmer error and
// panics, matching the idiom of database/sql.Register.
func (r *Registry) Register(connType string, schema Schema, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[connType]; exists {
		panic(fmt.Sprintf("connector: Register called twice for type %q", connType))
	}

	r.types[connType] = registration{factory: factory, schema: schema}
}

// Lookup returns the factory and schema for connType.
func (r *Registry) Lookup(connType string) (Factory, Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.types[connType]
	if !ok {
		return nil, Schema{}, false
	}

	return reg.factory, reg.schema, true
}

// Types returns every registered connector-type name, sorted, for use as
// suggestions in ConnectorError diagnostics (spec.md §4.4).
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Instantiate looks up connType, validates and coerces params against its
// schema, and builds the connector. It is the single entry point the
// executor (C6) uses for SourceDefinition and Export operations.
func (r *Registry) Instantiate(connType string, params *ast.Object) (Connector, []sqlflow.Diagnostic, error) {
	factory, schema, ok := r.Lookup(connType)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", sqlflow.ErrConnectorNotRegistered, connType)
	}

	coerced, diags := schema.Apply(params)
	if len(diags) > 0 {
		return nil, diags, nil
	}

	conn, err := factory(coerced)
	if err != nil {
		return nil, nil, err
	}

	return conn, nil, nil
}
