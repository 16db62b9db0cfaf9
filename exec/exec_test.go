package exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/connector"
	"github.com/sqlflow-dev/sqlflow/engine"
	"github.com/sqlflow-dev/sqlflow/parser"
	"github.com/sqlflow-dev/sqlflow/plan"
	"github.com/sqlflow-dev/sqlflow/resolver"
	"github.com/sqlflow-dev/sqlflow/variables"
	"github.com/sqlflow-dev/sqlflow/watermark"

	_ "github.com/sqlflow-dev/sqlflow/connectors"
)

func compilePipeline(t *testing.T, src string) *plan.Plan {
	t.Helper()

	prog, err := parser.Parse(src)
	assert.NoError(t, err)

	pipeline, err := resolver.New(variables.NewScope(nil, nil), nil).Resolve(prog)
	assert.NoError(t, err)

	p, err := plan.Build(pipeline)
	assert.NoError(t, err)

	return p
}

func newRunner(t *testing.T) (*Runner, *engine.Adapter) {
	t.Helper()

	eng, err := engine.Open(sqlflow.EngineConfig{})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	store, err := watermark.Open("")
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return NewRunner(eng, connector.Default, store, "test-pipeline"), eng
}

func scalarRows(t *testing.T, eng *engine.Adapter, sqlText string) int64 {
	t.Helper()

	v, err := eng.Scalar(context.Background(), sqlText)
	assert.NoError(t, err)

	n, ok := v.(int64)
	assert.True(t, ok)

	return n
}

func TestExecute_BasicReplaceLoad(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "a.csv")
	assert.NoError(t, os.WriteFile(csvPath, []byte("id,name\n1,Alice\n2,Bob\n"), 0o644))

	src := `SOURCE s TYPE CSV PARAMS { "path": "` + csvPath + `" };
LOAD t FROM s;`

	p := compilePipeline(t, src)
	runner, eng := newRunner(t)

	assert.NoError(t, runner.Execute(context.Background(), p))
	assert.Equal(t, int64(2), scalarRows(t, eng, `SELECT COUNT(*) FROM "t"`))
}

func TestExecute_AppendAddsRows(t *testing.T) {
	dir := t.TempDir()
	firstPath := filepath.Join(dir, "a.csv")
	secondPath := filepath.Join(dir, "b.csv")
	assert.NoError(t, os.WriteFile(firstPath, []byte("id,name\n1,Alice\n2,Bob\n"), 0o644))
	assert.NoError(t, os.WriteFile(secondPath, []byte("id,name\n3,Carol\n"), 0o644))

	runner, eng := newRunner(t)

	p1 := compilePipeline(t, `SOURCE s TYPE CSV PARAMS { "path": "`+firstPath+`" };
LOAD t FROM s;`)
	assert.NoError(t, runner.Execute(context.Background(), p1))

	p2 := compilePipeline(t, `SOURCE s2 TYPE CSV PARAMS { "path": "`+secondPath+`" };
LOAD t FROM s2 MODE APPEND;`)
	assert.NoError(t, runner.Execute(context.Background(), p2))

	assert.Equal(t, int64(3), scalarRows(t, eng, `SELECT COUNT(*) FROM "t"`))
}

func TestExecute_TransformBuildsDerivedTable(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "a.csv")
	assert.NoError(t, os.WriteFile(csvPath, []byte("id,name\n1,Alice\n2,Bob\n"), 0o644))

	src := `SOURCE s TYPE CSV PARAMS { "path": "` + csvPath + `" };
LOAD t FROM s;
CREATE TABLE summary AS SELECT COUNT(*) AS total FROM t;`

	p := compilePipeline(t, src)
	runner, eng := newRunner(t)

	assert.NoError(t, runner.Execute(context.Background(), p))

	v, err := eng.Scalar(context.Background(), `SELECT total FROM "summary"`)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestExecute_ExportWritesToDestinationConnector(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "a.csv")
	outPath := filepath.Join(dir, "out.csv")
	assert.NoError(t, os.WriteFile(csvPath, []byte("id,name\n1,Alice\n2,Bob\n"), 0o644))

	src := `SOURCE s TYPE CSV PARAMS { "path": "` + csvPath + `" };
LOAD t FROM s;
EXPORT SELECT * FROM t TO "` + outPath + `" TYPE CSV OPTIONS { "path": "` + outPath + `" };`

	p := compilePipeline(t, src)
	runner, _ := newRunner(t)

	assert.NoError(t, runner.Execute(context.Background(), p))

	data, err := os.ReadFile(outPath)
	assert.NoError(t, err)
	assert.True(t, len(data) > 0)
}

func TestExecute_IncrementalLoadAdvancesWatermarkAndSkipsOldRows(t *testing.T) {
	dir := t.TempDir()
	initialPath := filepath.Join(dir, "initial.csv")
	additionalPath := filepath.Join(dir, "additional.csv")

	assert.NoError(t, os.WriteFile(initialPath, []byte(
		"id,updated_at\n1,2024-01-15T12:00:00Z\n2,2024-01-15T12:10:00Z\n3,2024-01-15T12:15:00Z\n"), 0o644))
	assert.NoError(t, os.WriteFile(additionalPath, []byte(
		"id,updated_at\n4,2024-01-16T10:00:00Z\n5,2024-01-16T11:00:00Z\n"), 0o644))

	eng, err := engine.Open(sqlflow.EngineConfig{})
	assert.NoError(t, err)
	defer eng.Close()

	storePath := filepath.Join(dir, "watermarks.db")
	store, err := watermark.Open(storePath)
	assert.NoError(t, err)
	defer store.Close()

	runner := NewRunner(eng, connector.Default, store, "incr-pipeline")

	p1 := compilePipeline(t, `SOURCE s TYPE CSV PARAMS { "path": "`+initialPath+`", "sync_mode": "incremental", "cursor_field": "updated_at" };
LOAD t FROM s;`)
	assert.NoError(t, runner.Execute(context.Background(), p1))
	assert.Equal(t, int64(3), scalarRows(t, eng, `SELECT COUNT(*) FROM "t"`))

	value, found, err := store.Get("incr-pipeline", "s", "updated_at")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2024-01-15T12:15:00Z", value)

	runner2 := NewRunner(eng, connector.Default, store, "incr-pipeline")

	p2 := compilePipeline(t, `SOURCE s2 TYPE CSV PARAMS { "path": "`+additionalPath+`", "sync_mode": "incremental", "cursor_field": "updated_at" };
LOAD t FROM s2 MODE APPEND;`)
	assert.NoError(t, runner2.Execute(context.Background(), p2))

	assert.Equal(t, int64(5), scalarRows(t, eng, `SELECT COUNT(*) FROM "t"`))

	value2, found, err := store.Get("incr-pipeline", "s2", "updated_at")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "2024-01-16T11:00:00Z", value2)
}
