package ast

import "fmt"

// Value is a PARAMS/OPTIONS literal: a scalar, an ordered object, or an
// array of values. The parser builds these directly from JSON-like literal
// syntax; the parameter schema framework (C9) coerces and aliases them
// later, so no type information is lost here.
type Value interface {
	fmt.Stringer
	isValue()
}

// String is a string literal. It may still contain unresolved `${...}`
// interpolation markers; the resolver substitutes those.
type String string

func (String) isValue()        {}
func (s String) String() string { return string(s) }

// Number is a numeric literal, stored as float64 regardless of whether the
// source spelling had a fractional part.
type Number float64

func (Number) isValue()        {}
func (n Number) String() string { return fmt.Sprintf("%v", float64(n)) }

// Bool is a TRUE/FALSE literal.
type Bool bool

func (Bool) isValue()        {}
func (b Bool) String() string { return fmt.Sprintf("%v", bool(b)) }

// Null is the NULL literal.
type Null struct{}

func (Null) isValue()        {}
func (Null) String() string { return "null" }

// Array is an ordered list of values.
type Array []Value

func (Array) isValue() {}
func (a Array) String() string {
	out := "["
	for i, v := range a {
		if i > 0 {
			out += ", "
		}

		out += v.String()
	}

	return out + "]"
}

// Object is an ordered string-keyed map, matching spec.md §3's "params as
// ordered map of string→scalar-or-nested". Insertion order is preserved in
// Keys so iteration and re-serialization are deterministic.
type Object struct {
	Keys   []string
	Values map[string]Value
}

func (*Object) isValue() {}

// NewObject returns an empty, ready-to-use Object.
func NewObject() *Object {
	return &Object{Values: make(map[string]Value)}
}

// Set inserts or overwrites a key, appending to Keys only on first insert.
func (o *Object) Set(key string, v Value) {
	if _, exists := o.Values[key]; !exists {
		o.Keys = append(o.Keys, key)
	}

	o.Values[key] = v
}

// Get returns the value for key and whether it was present.
func (o *Object) Get(key string) (Value, bool) {
	v, ok := o.Values[key]
	return v, ok
}

func (o *Object) String() string {
	out := "{"
	for i, k := range o.Keys {
		if i > 0 {
			out += ", "
		}

		out += k + ": " + o.Values[k].String()
	}

	return out + "}"
}
