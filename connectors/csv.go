// Package connectors holds the in-tree reference connector implementations
// (CSV and REST-shaped) that exercise the full capability, parameter
// schema, and resilience contract end to end (spec.md §6). Production
// connectors beyond these two are an external collaborator's concern.
package connectors

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/connector"
)

func init() {
	schema := connector.Schema{
		Fields: append([]connector.Field{
			{
				Name:     "path",
				Aliases:  []string{"file_path"},
				Required: true,
				Type:     connector.TypeString,
			},
			{
				Name:    "delimiter",
				Type:    connector.TypeString,
				Default: ast.String(","),
			},
			{
				Name:    "has_header",
				Type:    connector.TypeBoolean,
				Default: ast.Bool(true),
			},
		}, connector.StandardFields()...),
	}

	connector.Default.Register("CSV", schema, newCSVConnector)
}

// csvConnector reads and writes a single delimited file. Discover lists
// sibling files in the same directory with the same extension.
type csvConnector struct {
	path      string
	delimiter rune
	hasHeader bool
	cursorPos map[string]int
}

func newCSVConnector(params map[string]any) (connector.Connector, error) {
	path, _ := params["path"].(string)

	delim := ','
	if d, ok := params["delimiter"].(string); ok && d != "" {
		delim = rune(d[0])
	}

	hasHeader := true
	if v, ok := params["has_header"].(bool); ok {
		hasHeader = v
	}

	return &csvConnector{path: path, delimiter: delim, hasHeader: hasHeader, cursorPos: map[string]int{}}, nil
}

func (c *csvConnector) Capabilities() map[connector.Capability]bool {
	return connector.CapSet(
		connector.CapRead,
		connector.CapWrite,
		connector.CapIncrementalRead,
		connector.CapDiscover,
		connector.CapHealth,
		connector.CapTestConnection,
	)
}

func (c *csvConnector) Schema(ctx context.Context, object string) (sqlflow.Schema, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return sqlflow.Schema{}, fmt.Errorf("csv: open %s: %w", c.path, err)
	}

	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = c.delimiter

	header, err := r.Read()
	if err != nil {
		return sqlflow.Schema{}, fmt.Errorf("csv: read header: %w", err)
	}

	return schemaFromHeader(header, c.hasHeader), nil
}

func schemaFromHeader(header []string, hasHeader bool) sqlflow.Schema {
	cols := make([]sqlflow.ColumnInfo, len(header))

	for i, name := range header {
		colName := name
		if !hasHeader {
			colName = fmt.Sprintf("column_%d", i+1)
		}

		cols[i] = sqlflow.ColumnInfo{Name: colName, LogicalType: "STRING", Nullable: true}
	}

	return sqlflow.Schema{Columns: cols}
}

// ReadFull streams every row of the file in batches of up to 1000 rows.
// columns is ignored: every column of the file is returned.
func (c *csvConnector) ReadFull(ctx context.Context, object string, columns []string) (connector.BatchSeq, error) {
	return c.readFrom(ctx, 0, columns)
}

// ReadIncremental returns, as one batch, the rows whose cursorField column
// value is strictly greater than cursorValue, comparing as strings (the
// executor, not this connector, determines the new watermark). Every row is
// returned when cursorValue is nil or empty, or when cursorField is not a
// column of the file; there is no row-position cursor. columns is ignored.
func (c *csvConnector) ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, columns []string) (connector.BatchSeq, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %s: %w", c.path, err)
	}

	r := csv.NewReader(f)
	r.Comma = c.delimiter

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	schema := schemaFromHeader(header, c.hasHeader)

	cursorIdx := -1

	for i, col := range schema.Columns {
		if col.Name == cursorField {
			cursorIdx = i
			break
		}
	}

	threshold, _ := cursorValue.(string)

	return func(yield func(connector.Batch) bool) {
		defer f.Close()

		batch := connector.Batch{Schema: schema}

		for {
			if ctx.Err() != nil {
				return
			}

			record, err := r.Read()
			if err != nil {
				break
			}

			if cursorIdx >= 0 && threshold != "" && cursorIdx < len(record) && record[cursorIdx] <= threshold {
				continue
			}

			row := make([]any, len(record))
			for i, v := range record {
				row[i] = v
			}

			batch.Rows = append(batch.Rows, row)
		}

		if len(batch.Rows) > 0 {
			yield(batch)
		}
	}, nil
}

func (c *csvConnector) readFrom(ctx context.Context, skip int, columns []string) (connector.BatchSeq, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("csv: open %s: %w", c.path, err)
	}

	r := csv.NewReader(f)
	r.Comma = c.delimiter

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	schema := schemaFromHeader(header, c.hasHeader)

	return func(yield func(connector.Batch) bool) {
		defer f.Close()

		const batchSize = 1000

		batch := connector.Batch{Schema: schema}

		for {
			if ctx.Err() != nil {
				return
			}

			record, err := r.Read()
			if err != nil {
				break
			}

			row := make([]any, len(record))
			for i, v := range record {
				row[i] = v
			}

			batch.Rows = append(batch.Rows, row)

			if len(batch.Rows) >= batchSize {
				if !yield(batch) {
					return
				}

				batch = connector.Batch{Schema: schema}
			}
		}

		if len(batch.Rows) > 0 {
			yield(batch)
		}
	}, nil
}

// ExtractCursor returns the maximum value of cursorField observed in batch,
// a hint only — the executor always recomputes the committed watermark from
// the materialized table (spec.md §4.11).
func (c *csvConnector) ExtractCursor(batch connector.Batch, cursorField string) (any, error) {
	idx := -1

	for i, col := range batch.Schema.Columns {
		if col.Name == cursorField {
			idx = i
			break
		}
	}

	if idx < 0 {
		return nil, fmt.Errorf("csv: cursor field %s not in schema", cursorField)
	}

	var max string

	for _, row := range batch.Rows {
		if s, ok := row[idx].(string); ok && s > max {
			max = s
		}
	}

	return max, nil
}

// Write appends or replaces rows to the backing file. "replace" truncates
// and rewrites the header; "append" writes data rows only, creating the
// file with a header if it does not yet exist.
func (c *csvConnector) Write(ctx context.Context, batch connector.Batch, mode string, options map[string]any) error {
	flags := os.O_CREATE | os.O_WRONLY

	writeHeader := false

	if mode == "replace" {
		flags |= os.O_TRUNC
		writeHeader = true
	} else {
		flags |= os.O_APPEND

		if _, err := os.Stat(c.path); err != nil {
			writeHeader = true
		}
	}

	f, err := os.OpenFile(c.path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("csv: open %s for write: %w", c.path, err)
	}

	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = c.delimiter

	if writeHeader {
		if err := w.Write(batch.Schema.Names()); err != nil {
			return fmt.Errorf("csv: write header: %w", err)
		}
	}

	for _, row := range batch.Rows {
		if ctx.Err() != nil {
			return sqlflow.ErrCancelled
		}

		record := make([]string, len(row))
		for i, v := range row {
			record[i] = stringifyCell(v)
		}

		if err := w.Write(record); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	w.Flush()

	return w.Error()
}

func stringifyCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ListObjects lists sibling files sharing the configured file's extension,
// for connector types that represent a directory of datasets.
func (c *csvConnector) ListObjects(ctx context.Context) ([]string, error) {
	dir := filepath.Dir(c.path)
	ext := filepath.Ext(c.path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("csv: list_objects %s: %w", dir, err)
	}

	var names []string

	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			names = append(names, filepath.Join(dir, e.Name()))
		}
	}

	sort.Strings(names)

	return names, nil
}

func (c *csvConnector) CheckHealth(ctx context.Context) (connector.Health, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return connector.Health{Status: "unhealthy"}, nil
	}

	return connector.Health{
		Status:        "healthy",
		LastSuccessAt: info.ModTime(),
	}, nil
}

func (c *csvConnector) Test(ctx context.Context) (connector.TestResult, error) {
	if _, err := os.Stat(filepath.Dir(c.path)); err != nil {
		return connector.TestResult{OK: false, Message: err.Error()}, nil
	}

	return connector.TestResult{OK: true, Message: "directory is reachable"}, nil
}

