package connector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
)

// FieldType is a recognized parameter scalar type (spec.md §4.9).
type FieldType int

const (
	TypeString FieldType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeStringList
	TypeObject
)

// Field is one recognized parameter: canonical name, aliases, requiredness,
// type, default, and optional pattern/enum constraints.
type Field struct {
	Name     string
	Aliases  []string
	Required bool
	Type     FieldType
	Default  ast.Value
	Pattern  *regexp.Regexp
	Enum     []string
}

// Schema is a connector type's full parameter contract.
type Schema struct {
	Fields []Field
	// Open, when true, permits unrecognized keys instead of emitting a
	// ParameterError for them.
	Open bool
}

// StandardFields returns the industry-standard parameters recognized
// uniformly across connectors that support incremental reads (spec.md §6).
func StandardFields() []Field {
	return []Field{
		{Name: "sync_mode", Type: TypeString, Enum: []string{"full_refresh", "incremental"}, Default: ast.String("full_refresh")},
		{Name: "primary_key", Type: TypeString},
		{Name: "cursor_field", Type: TypeString},
	}
}

func (s Schema) fieldFor(key string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == key {
			return f, true
		}

		for _, alias := range f.Aliases {
			if alias == key {
				return f, true
			}
		}
	}

	return Field{}, false
}

// Apply runs the full parameter framework pass over raw PARAMS/OPTIONS:
// alias folding, ${ENV} substitution, type coercion, default population,
// and validation. It never returns a Go error for validation failures —
// those are reported as ParameterError diagnostics per spec.md §4.4; a
// non-nil diagnostic slice means the caller must not instantiate the
// connector.
func (s Schema) Apply(params *ast.Object) (map[string]any, []sqlflow.Diagnostic) {
	var diags []sqlflow.Diagnostic

	folded := make(map[string]ast.Value)
	foldedByCanonical := make(map[string]bool)

	if params != nil {
		for _, key := range params.Keys {
			v, _ := params.Get(key)

			field, known := s.fieldFor(key)
			canonical := key

			if known {
				canonical = field.Name
			} else if !s.Open {
				diags = append(diags, sqlflow.Diagnostic{
					Kind:        sqlflow.KindParameter,
					Message:     fmt.Sprintf("unrecognized parameter %q", key),
					Suggestions: s.fieldSuggestions(),
				})

				continue
			}

			// Canonical spelling wins when both alias and canonical form
			// are present (spec.md §4.8).
			if foldedByCanonical[canonical] && canonical != key {
				continue
			}

			folded[canonical] = v
			if canonical == key {
				foldedByCanonical[canonical] = true
			}
		}
	}

	out := make(map[string]any)

	for _, field := range s.Fields {
		raw, present := folded[field.Name]

		if !present {
			if field.Required {
				diags = append(diags, sqlflow.Diagnostic{
					Kind:        sqlflow.KindParameter,
					Message:     fmt.Sprintf("missing required parameter %q", field.Name),
					Suggestions: []string{fmt.Sprintf("add %q: <%s>", field.Name, fieldTypeName(field.Type))},
				})

				continue
			}

			if field.Default != nil {
				out[field.Name] = coerceLiteral(field.Default)
			}

			continue
		}

		coerced, err := coerceValue(field, raw)
		if err != nil {
			diags = append(diags, sqlflow.Diagnostic{
				Kind:    sqlflow.KindParameter,
				Message: fmt.Sprintf("parameter %q: %v", field.Name, err),
			})

			continue
		}

		if field.Pattern != nil {
			if s, ok := coerced.(string); ok && !field.Pattern.MatchString(s) {
				diags = append(diags, sqlflow.Diagnostic{
					Kind:    sqlflow.KindParameter,
					Message: fmt.Sprintf("parameter %q value %q does not match required pattern", field.Name, s),
				})

				continue
			}
		}

		if len(field.Enum) > 0 {
			if s, ok := coerced.(string); ok && !contains(field.Enum, s) {
				diags = append(diags, sqlflow.Diagnostic{
					Kind:        sqlflow.KindParameter,
					Message:     fmt.Sprintf("parameter %q value %q is not one of the allowed values", field.Name, s),
					Suggestions: []string{"allowed values: " + strings.Join(field.Enum, ", ")},
				})

				continue
			}
		}

		out[field.Name] = expandStringEnv(coerced)
	}

	return out, diags
}

func (s Schema) fieldSuggestions() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}

	return []string{"recognized parameters: " + strings.Join(names, ", ")}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

func fieldTypeName(t FieldType) string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeStringList:
		return "list of string"
	case TypeObject:
		return "object"
	default:
		return "unknown"
	}
}

func coerceLiteral(v ast.Value) any {
	switch val := v.(type) {
	case ast.String:
		return string(val)
	case ast.Number:
		return float64(val)
	case ast.Bool:
		return bool(val)
	case ast.Null:
		return nil
	default:
		return v
	}
}

// coerceValue converts a raw literal to the field's declared type,
// erroring on failure (spec.md §4.9, step 3). Numeric string parameters
// (e.g. "19.99") are parsed with shopspring/decimal; FLOAT fields are then
// returned as float64 and INTEGER fields as the integer part (int64).
func coerceValue(field Field, v ast.Value) (any, error) {
	switch field.Type {
	case TypeString:
		s, ok := v.(ast.String)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", v)
		}

		return string(s), nil
	case TypeInteger:
		switch n := v.(type) {
		case ast.Number:
			return int64(n), nil
		case ast.String:
			d, err := decimal.NewFromString(string(n))
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", n)
			}

			return d.IntPart(), nil
		default:
			return nil, fmt.Errorf("expected integer, got %s", v)
		}
	case TypeFloat:
		switch n := v.(type) {
		case ast.Number:
			return float64(n), nil
		case ast.String:
			d, err := decimal.NewFromString(string(n))
			if err != nil {
				return nil, fmt.Errorf("expected float, got %q", n)
			}

			f, _ := d.Float64()

			return f, nil
		default:
			return nil, fmt.Errorf("expected float, got %s", v)
		}
	case TypeBoolean:
		b, ok := v.(ast.Bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %s", v)
		}

		return bool(b), nil
	case TypeStringList:
		arr, ok := v.(ast.Array)
		if !ok {
			return nil, fmt.Errorf("expected list of string, got %s", v)
		}

		out := make([]string, len(arr))

		for i, item := range arr {
			s, ok := item.(ast.String)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %s", item)
			}

			out[i] = string(s)
		}

		return out, nil
	case TypeObject:
		obj, ok := v.(*ast.Object)
		if !ok {
			return nil, fmt.Errorf("expected object, got %s", v)
		}

		return obj, nil
	default:
		return nil, fmt.Errorf("unknown field type")
	}
}

// expandStringEnv applies OS-environment substitution to string-valued
// parameters, per spec.md §4.9 step 2.
func expandStringEnv(v any) any {
	if s, ok := v.(string); ok {
		return sqlflow.ExpandEnv(s)
	}

	return v
}
