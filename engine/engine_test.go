package engine

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/connector"
)

func open(t *testing.T) *Adapter {
	t.Helper()

	a, err := Open(sqlflow.EngineConfig{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func batchSeq(schema sqlflow.Schema, rows ...[]any) connector.BatchSeq {
	return func(yield func(connector.Batch) bool) {
		yield(connector.Batch{Schema: schema, Rows: rows})
	}
}

func TestOpen_DefaultsToInMemorySQLite(t *testing.T) {
	a := open(t)
	assert.Equal(t, sqlflow.DialectSQLite, a.Dialect())
}

func TestExecute_RunsStatement(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	assert.NoError(t, a.Execute(ctx, "CREATE TABLE t (id INTEGER)"))
	assert.NoError(t, a.Execute(ctx, "INSERT INTO t (id) VALUES (1)"))
}

func TestRegisterDataset_CreatesQueryableTable(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	schema := sqlflow.Schema{Columns: []sqlflow.ColumnInfo{
		{Name: "id", LogicalType: "INTEGER"},
		{Name: "name", LogicalType: "STRING"},
	}}

	assert.NoError(t, a.RegisterDataset(ctx, "t", batchSeq(schema, []any{int64(1), "Alice"}, []any{int64(2), "Bob"})))

	count, err := a.Scalar(ctx, "SELECT COUNT(*) FROM t")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRegisterDataset_EmptySourceStillCreatesTable(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	empty := func(yield func(connector.Batch) bool) {}

	assert.NoError(t, a.RegisterDataset(ctx, "t", empty))

	schema, err := a.TableSchema(ctx, "t")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(schema.Columns))
}

func TestQuery_StreamsRows(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	schema := sqlflow.Schema{Columns: []sqlflow.ColumnInfo{{Name: "id", LogicalType: "INTEGER"}}}
	assert.NoError(t, a.RegisterDataset(ctx, "t", batchSeq(schema, []any{int64(1)}, []any{int64(2)}, []any{int64(3)})))

	batches, err := a.Query(ctx, "SELECT id FROM t ORDER BY id")
	assert.NoError(t, err)

	var total int
	for batch := range batches {
		total += len(batch.Rows)
	}

	assert.Equal(t, 3, total)
}

func TestTableSchema_ReturnsColumnNames(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	schema := sqlflow.Schema{Columns: []sqlflow.ColumnInfo{
		{Name: "id", LogicalType: "INTEGER"},
		{Name: "amount", LogicalType: "FLOAT"},
	}}
	assert.NoError(t, a.RegisterDataset(ctx, "t", batchSeq(schema, []any{int64(1), 9.5})))

	got, err := a.TableSchema(ctx, "t")
	assert.NoError(t, err)
	assert.Equal(t, []string{"id", "amount"}, got.Names())
}

func TestDropTable_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	assert.NoError(t, a.DropTable(ctx, "nonexistent"))
	assert.NoError(t, a.Execute(ctx, "CREATE TABLE t (id INTEGER)"))
	assert.NoError(t, a.DropTable(ctx, "t"))
	assert.NoError(t, a.DropTable(ctx, "t"))
}

func TestTx_CommitPersistsBothStatements(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	assert.NoError(t, a.Execute(ctx, "CREATE TABLE t (id INTEGER)"))

	tx, err := a.Begin(ctx)
	assert.NoError(t, err)

	_, err = tx.ExecuteAffected(ctx, "INSERT INTO t (id) VALUES (1)")
	assert.NoError(t, err)

	_, err = tx.ExecuteAffected(ctx, "INSERT INTO t (id) VALUES (2)")
	assert.NoError(t, err)

	assert.NoError(t, tx.Commit())

	count, err := a.Scalar(ctx, "SELECT COUNT(*) FROM t")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestTx_FailedStatementLeavesEarlierWorkUncommittedUntilRollback(t *testing.T) {
	ctx := context.Background()
	a := open(t)

	assert.NoError(t, a.Execute(ctx, "CREATE TABLE t (id INTEGER UNIQUE)"))
	assert.NoError(t, a.Execute(ctx, "INSERT INTO t (id) VALUES (1)"))

	tx, err := a.Begin(ctx)
	assert.NoError(t, err)

	_, err = tx.ExecuteAffected(ctx, "INSERT INTO t (id) VALUES (2)")
	assert.NoError(t, err)

	_, err = tx.ExecuteAffected(ctx, "INSERT INTO t (id) VALUES (1)") // violates UNIQUE
	assert.Error(t, err)

	assert.NoError(t, tx.Rollback())

	count, err := a.Scalar(ctx, "SELECT COUNT(*) FROM t")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
