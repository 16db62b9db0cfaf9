package sqlflow

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestSchema_ByNameIsCaseInsensitive(t *testing.T) {
	s := Schema{Columns: []ColumnInfo{{Name: "ID", LogicalType: "INTEGER"}}}

	col, ok := s.ByName("id")
	assert.True(t, ok)
	assert.Equal(t, "ID", col.Name)

	_, ok = s.ByName("missing")
	assert.False(t, ok)
}

func TestSchema_NamesPreservesOrder(t *testing.T) {
	s := Schema{Columns: []ColumnInfo{{Name: "b"}, {Name: "a"}}}
	assert.Equal(t, []string{"b", "a"}, s.Names())
}

func TestLogicalGroup_NormalizesKnownAliases(t *testing.T) {
	assert.Equal(t, "STRING", LogicalGroup("VARCHAR"))
	assert.Equal(t, "STRING", LogicalGroup("text"))
	assert.Equal(t, "INTEGER", LogicalGroup("BIGINT"))
	assert.Equal(t, "FLOAT", LogicalGroup("decimal"))
	assert.Equal(t, "BOOLEAN", LogicalGroup("bool"))
}

func TestLogicalGroup_UnknownTypeUppercasedVerbatim(t *testing.T) {
	assert.Equal(t, "JSONB", LogicalGroup("jsonb"))
}

func TestTypesCompatible_SameGroupAcrossSpellings(t *testing.T) {
	assert.True(t, TypesCompatible("VARCHAR", "text"))
	assert.True(t, TypesCompatible("int", "bigint"))
	assert.False(t, TypesCompatible("int", "varchar"))
}

func TestTypesCompatible_SameUnknownTypeIsCompatibleWithItself(t *testing.T) {
	assert.True(t, TypesCompatible("jsonb", "JSONB"))
}
