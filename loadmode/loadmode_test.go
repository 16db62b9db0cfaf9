package loadmode

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/ast"
	"github.com/sqlflow-dev/sqlflow/connector"
	"github.com/sqlflow-dev/sqlflow/engine"
)

func openAdapter(t *testing.T) *engine.Adapter {
	t.Helper()

	adapter, err := engine.Open(sqlflow.EngineConfig{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = adapter.Close() })

	return adapter
}

func seqOf(schema sqlflow.Schema, rows ...[]any) connector.BatchSeq {
	return func(yield func(connector.Batch) bool) {
		yield(connector.Batch{Schema: schema, Rows: rows})
	}
}

func idNameSchema() sqlflow.Schema {
	return sqlflow.Schema{Columns: []sqlflow.ColumnInfo{
		{Name: "id", LogicalType: "INTEGER"},
		{Name: "name", LogicalType: "STRING"},
	}}
}

func TestRun_ReplaceCreatesTargetFromSource(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage", seqOf(idNameSchema(), []any{int64(1), "Alice"}, []any{int64(2), "Bob"})))

	metrics, err := Run(ctx, adapter, "t", "stage", ast.ModeReplace, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), metrics.FinalRowCount)
}

func TestRun_AppendAddsRowsToExistingTarget(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage1", seqOf(idNameSchema(), []any{int64(1), "Alice"})))
	_, err := Run(ctx, adapter, "t", "stage1", ast.ModeReplace, nil)
	assert.NoError(t, err)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage2", seqOf(idNameSchema(), []any{int64(3), "Carol"})))
	metrics, err := Run(ctx, adapter, "t", "stage2", ast.ModeAppend, nil)
	assert.NoError(t, err)

	assert.Equal(t, int64(1), metrics.RowsInserted)
	assert.Equal(t, int64(2), metrics.FinalRowCount)
}

func TestRun_AppendIncompatibleSchemaFails(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage1", seqOf(idNameSchema(), []any{int64(1), "Alice"})))
	_, err := Run(ctx, adapter, "t", "stage1", ast.ModeReplace, nil)
	assert.NoError(t, err)

	badSchema := sqlflow.Schema{Columns: []sqlflow.ColumnInfo{{Name: "unrelated", LogicalType: "STRING"}}}
	assert.NoError(t, adapter.RegisterDataset(ctx, "stage2", seqOf(badSchema, []any{"x"})))

	_, err = Run(ctx, adapter, "t", "stage2", ast.ModeAppend, nil)
	assert.Error(t, err)
}

func TestRun_UpsertInsertsAndUpdates(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage1", seqOf(idNameSchema(),
		[]any{int64(1), "Alice"}, []any{int64(2), "Bob"}, []any{int64(3), "Carol"})))
	_, err := Run(ctx, adapter, "t", "stage1", ast.ModeReplace, nil)
	assert.NoError(t, err)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage2", seqOf(idNameSchema(),
		[]any{int64(2), "Bobby"}, []any{int64(4), "Dan"})))

	metrics, err := Run(ctx, adapter, "t", "stage2", ast.ModeUpsert, []string{"id"})
	assert.NoError(t, err)

	assert.Equal(t, int64(1), metrics.RowsInserted)
	assert.Equal(t, int64(1), metrics.RowsUpdated)
	assert.Equal(t, int64(4), metrics.FinalRowCount)
}

func TestRun_UpsertWithoutKeysFails(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage", seqOf(idNameSchema(), []any{int64(1), "Alice"})))
	assert.NoError(t, adapter.RegisterDataset(ctx, "target", seqOf(idNameSchema(), []any{int64(1), "Alice"})))

	_, err := Run(ctx, adapter, "target", "stage", ast.ModeUpsert, nil)
	assert.Error(t, err)
}

func TestRun_UpsertRollsBackUpdateWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.Execute(ctx, `CREATE TABLE "t" ("id" INTEGER, "name" TEXT UNIQUE)`))
	assert.NoError(t, adapter.Execute(ctx, `INSERT INTO "t" VALUES (1, 'Alice')`))
	assert.NoError(t, adapter.Execute(ctx, `INSERT INTO "t" VALUES (2, 'Bob')`))

	// Row 1 matches the upsert key and would be UPDATEd; row 3 is new and
	// would be INSERTed, but its name collides with row 2's UNIQUE name, so
	// the INSERT fails. The preceding UPDATE must not be left committed.
	assert.NoError(t, adapter.RegisterDataset(ctx, "stage", seqOf(idNameSchema(),
		[]any{int64(1), "Alicia"}, []any{int64(3), "Bob"})))

	_, err := Run(ctx, adapter, "t", "stage", ast.ModeUpsert, []string{"id"})
	assert.Error(t, err)

	name, err := adapter.Scalar(ctx, `SELECT "name" FROM "t" WHERE "id" = 1`)
	assert.NoError(t, err)
	assert.Equal(t, "Alice", name)
}

func TestRun_UpsertKeyNotInSchemaFails(t *testing.T) {
	ctx := context.Background()
	adapter := openAdapter(t)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage1", seqOf(idNameSchema(), []any{int64(1), "Alice"})))
	_, err := Run(ctx, adapter, "t", "stage1", ast.ModeReplace, nil)
	assert.NoError(t, err)

	assert.NoError(t, adapter.RegisterDataset(ctx, "stage2", seqOf(idNameSchema(), []any{int64(2), "Bob"})))

	_, err = Run(ctx, adapter, "t", "stage2", ast.ModeUpsert, []string{"nonexistent"})
	assert.Error(t, err)
}
