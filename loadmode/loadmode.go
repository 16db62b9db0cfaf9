// Package loadmode implements the load-mode executor (spec.md §4.12,
// component C12): REPLACE, APPEND, and UPSERT semantics with a schema
// compatibility check, applied once a source dataset has been registered in
// the engine under a staging name.
package loadmode

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/engine"
)

// Metrics is the outcome of an APPEND or UPSERT load.
type Metrics struct {
	RowsInserted  int64
	RowsUpdated   int64
	FinalRowCount int64
}

// Run applies mode's semantics, moving rows from the staged source dataset
// into target.
func Run(ctx context.Context, adapter *engine.Adapter, target, source string, mode ast.Mode, upsertKeys []string) (Metrics, error) {
	switch mode {
	case ast.ModeReplace:
		return replace(ctx, adapter, target, source)
	case ast.ModeAppend:
		return appendMode(ctx, adapter, target, source)
	case ast.ModeUpsert:
		return upsert(ctx, adapter, target, source, upsertKeys)
	default:
		return Metrics{}, fmt.Errorf("loadmode: unknown mode %v", mode)
	}
}

// replace drops the target if it exists and renames the staged source
// dataset in its place; no schema check, source schema wins (spec.md
// §4.12). MySQL spells the rename statement differently from Postgres/
// SQLite (RENAME TABLE vs ALTER TABLE ... RENAME TO).
func replace(ctx context.Context, adapter *engine.Adapter, target, source string) (Metrics, error) {
	if err := adapter.DropTable(ctx, target); err != nil {
		return Metrics{}, err
	}

	var renameSQL string
	if adapter.Dialect() == sqlflow.DialectMySQL {
		renameSQL = fmt.Sprintf("RENAME TABLE %s TO %s", adapter.Quote(source), adapter.Quote(target))
	} else {
		renameSQL = fmt.Sprintf("ALTER TABLE %s RENAME TO %s", adapter.Quote(source), adapter.Quote(target))
	}

	if err := adapter.Execute(ctx, renameSQL); err != nil {
		return Metrics{}, err
	}

	count, err := finalRowCount(ctx, adapter, target)
	if err != nil {
		return Metrics{}, err
	}

	return Metrics{FinalRowCount: count}, nil
}

func appendMode(ctx context.Context, adapter *engine.Adapter, target, source string) (Metrics, error) {
	if err := checkSchemaCompatibility(ctx, adapter, target, source); err != nil {
		return Metrics{}, err
	}

	targetSchema, err := adapter.TableSchema(ctx, target)
	if err != nil {
		return Metrics{}, err
	}

	sourceSchema, err := adapter.TableSchema(ctx, source)
	if err != nil {
		return Metrics{}, err
	}

	cols := commonColumns(targetSchema, sourceSchema)

	colList := quoteAll(adapter, cols)
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
		adapter.Quote(target), strings.Join(colList, ", "), strings.Join(colList, ", "), adapter.Quote(source))

	inserted, err := adapter.ExecuteAffected(ctx, insertSQL)
	if err != nil {
		return Metrics{}, err
	}

	if err := adapter.DropTable(ctx, source); err != nil {
		return Metrics{}, err
	}

	count, err := finalRowCount(ctx, adapter, target)
	if err != nil {
		return Metrics{}, err
	}

	return Metrics{RowsInserted: inserted, FinalRowCount: count}, nil
}

// upsert validates the key set, then runs the update-then-insert pair
// inside one transaction's worth of statements: an UPDATE of matching rows
// followed by an INSERT of unmatched source rows (spec.md §4.12).
func upsert(ctx context.Context, adapter *engine.Adapter, target, source string, upsertKeys []string) (Metrics, error) {
	if len(upsertKeys) == 0 {
		return Metrics{}, fmt.Errorf("%w: no keys declared", sqlflow.ErrUpsertKeyMissing)
	}

	if err := checkSchemaCompatibility(ctx, adapter, target, source); err != nil {
		return Metrics{}, err
	}

	targetSchema, err := adapter.TableSchema(ctx, target)
	if err != nil {
		return Metrics{}, err
	}

	sourceSchema, err := adapter.TableSchema(ctx, source)
	if err != nil {
		return Metrics{}, err
	}

	for _, key := range upsertKeys {
		tCol, tOK := targetSchema.ByName(key)
		sCol, sOK := sourceSchema.ByName(key)

		if !tOK || !sOK {
			return Metrics{}, fmt.Errorf("%w: %s", sqlflow.ErrUpsertKeyNotFound, key)
		}

		if !sqlflow.TypesCompatible(tCol.LogicalType, sCol.LogicalType) {
			return Metrics{}, fmt.Errorf("%w: key %s has incompatible types %s/%s",
				sqlflow.ErrUpsertKeyNotFound, key, tCol.LogicalType, sCol.LogicalType)
		}
	}

	cols := commonColumns(targetSchema, sourceSchema)
	nonKeyCols := subtract(cols, upsertKeys)

	matchClause := joinOn(adapter, upsertKeys)

	// The UPDATE and INSERT below must commit or roll back together: a
	// source row must never be both the subject of a committed UPDATE and
	// an uncommitted INSERT, or vice versa (spec.md §4.12, §7).
	tx, err := adapter.Begin(ctx)
	if err != nil {
		return Metrics{}, err
	}

	defer tx.Rollback()

	var updated int64

	if len(nonKeyCols) > 0 {
		setClauses := make([]string, len(nonKeyCols))
		for i, col := range nonKeyCols {
			setClauses[i] = fmt.Sprintf("%s = (SELECT %s FROM %s s WHERE %s)",
				adapter.Quote(col), adapter.Quote(col), adapter.Quote(source), matchClause)
		}

		updateSQL := fmt.Sprintf("UPDATE %s AS t SET %s WHERE EXISTS (SELECT 1 FROM %s s WHERE %s)",
			adapter.Quote(target), strings.Join(setClauses, ", "), adapter.Quote(source), matchClause)

		updated, err = tx.ExecuteAffected(ctx, updateSQL)
		if err != nil {
			return Metrics{}, err
		}
	}

	colList := quoteAll(adapter, cols)
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s t WHERE %s)",
		adapter.Quote(target), strings.Join(colList, ", "), strings.Join(colList, ", "), adapter.Quote(source), adapter.Quote(target), matchClause,
	)

	inserted, err := tx.ExecuteAffected(ctx, insertSQL)
	if err != nil {
		return Metrics{}, err
	}

	if err := tx.Commit(); err != nil {
		return Metrics{}, err
	}

	if err := adapter.DropTable(ctx, source); err != nil {
		return Metrics{}, err
	}

	count, err := finalRowCount(ctx, adapter, target)
	if err != nil {
		return Metrics{}, err
	}

	return Metrics{RowsInserted: inserted, RowsUpdated: updated, FinalRowCount: count}, nil
}

// joinOn builds "t.key1 = s.key1 AND t.key2 = s.key2 ..." against the
// implicit outer alias `t` used by callers that reference target rows.
func joinOn(adapter *engine.Adapter, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("t.%s = s.%s", adapter.Quote(k), adapter.Quote(k))
	}

	return strings.Join(parts, " AND ")
}

func subtract(all, exclude []string) []string {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[strings.ToLower(e)] = true
	}

	var out []string

	for _, c := range all {
		if !excluded[strings.ToLower(c)] {
			out = append(out, c)
		}
	}

	return out
}

func quoteAll(adapter *engine.Adapter, names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = adapter.Quote(n)
	}

	return out
}

// commonColumns returns target's column names restricted to those also
// present in source, preserving target's column order. Extra target columns
// are allowed and left null (spec.md §4.12).
func commonColumns(target, source sqlflow.Schema) []string {
	var out []string

	for _, col := range target.Columns {
		if _, ok := source.ByName(col.Name); ok {
			out = append(out, col.Name)
		}
	}

	return out
}

// checkSchemaCompatibility validates that every source column exists in the
// target with a compatible logical type (spec.md §4.12).
func checkSchemaCompatibility(ctx context.Context, adapter *engine.Adapter, target, source string) error {
	targetSchema, err := adapter.TableSchema(ctx, target)
	if err != nil {
		return err
	}

	sourceSchema, err := adapter.TableSchema(ctx, source)
	if err != nil {
		return err
	}

	for _, sCol := range sourceSchema.Columns {
		tCol, ok := targetSchema.ByName(sCol.Name)
		if !ok {
			return fmt.Errorf("%w: source column %s not present in target", sqlflow.ErrSchemaIncompatible, sCol.Name)
		}

		if !sqlflow.TypesCompatible(tCol.LogicalType, sCol.LogicalType) {
			return fmt.Errorf("%w: column %s has incompatible types %s/%s",
				sqlflow.ErrSchemaIncompatible, sCol.Name, tCol.LogicalType, sCol.LogicalType)
		}
	}

	return nil
}

func finalRowCount(ctx context.Context, adapter *engine.Adapter, table string) (int64, error) {
	value, err := adapter.Scalar(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", adapter.Quote(table)))
	if err != nil {
		return 0, err
	}

	switch n := value.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("loadmode: unexpected COUNT(*) result type %T", value)
	}
}
