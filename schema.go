package sqlflow

import "strings"

// ColumnInfo is a unified column definition used by the engine adapter, the
// connectors' batch schemas, and the load-mode executor's
// schema-compatibility check.
type ColumnInfo struct {
	Name     string
	LogicalType string
	Nullable bool
}

// Schema is an ordered list of columns, matching spec.md §3's "Schema" data
// model entry: column order matters for positional engines but lookups here
// are by name.
type Schema struct {
	Columns []ColumnInfo
}

// ByName returns the column with the given name (case-insensitive), or
// (ColumnInfo{}, false) if absent.
func (s Schema) ByName(name string) (ColumnInfo, bool) {
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}

	return ColumnInfo{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}

	return names
}

// logicalTypeGroups implements spec.md §6's compatibility groups: physical
// type spellings that are interchangeable for the purposes of APPEND/UPSERT
// schema compatibility checks.
var logicalTypeGroups = map[string]string{
	"varchar": "STRING", "text": "STRING", "char": "STRING", "string": "STRING",
	"integer": "INTEGER", "int": "INTEGER", "bigint": "INTEGER", "smallint": "INTEGER",
	"float": "FLOAT", "double": "FLOAT", "decimal": "FLOAT", "numeric": "FLOAT",
	"boolean": "BOOLEAN", "bool": "BOOLEAN",
	"date":      "DATE",
	"time":      "TIME",
	"timestamp": "TIMESTAMP",
}

// LogicalGroup normalizes a physical type spelling to its compatibility
// group. Unknown types are returned upper-cased verbatim so that two columns
// with the same unrecognized type are still considered compatible with each
// other (but with nothing else).
func LogicalGroup(physicalType string) string {
	key := strings.ToLower(strings.TrimSpace(physicalType))
	if group, ok := logicalTypeGroups[key]; ok {
		return group
	}

	return strings.ToUpper(key)
}

// TypesCompatible reports whether two physical type spellings fall in the
// same logical-type compatibility group.
func TypesCompatible(a, b string) bool {
	return LogicalGroup(a) == LogicalGroup(b)
}
