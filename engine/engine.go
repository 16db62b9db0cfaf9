// Package engine implements the SQL engine adapter (spec.md §4.7, component
// C7): the only part of the core that speaks the embedded engine's native
// API. Grounded on the teacher's query executor, narrowed to the
// operations the rest of the core needs.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/connector"
)

// Adapter is the narrow contract the rest of the core is allowed to use: no
// other component imports database/sql. Callers that render dialect-specific
// SQL of their own (the load-mode executor) read the dialect from Dialect.
type Adapter struct {
	db      *sql.DB
	dialect sqlflow.Dialect
}

// Open starts the SQL engine per cfg.Dialect (sqlite by default) and
// cfg.Mode: "memory" for an ephemeral per-run sqlite database, "persistent"
// for a file/DSN at cfg.Path. Driver selection mirrors the teacher's
// dialect-driven driver lookup: sqlite3 for local/in-memory runs, pgx or
// mysql when the profile points at a real warehouse (spec.md §4.7, §9).
func Open(cfg sqlflow.EngineConfig) (*Adapter, error) {
	dialect := sqlflow.Dialect(cfg.Dialect)
	if dialect == "" {
		dialect = sqlflow.DialectSQLite
	}

	driverName := dialect.DriverName()

	dsn := cfg.Path
	if dialect == sqlflow.DialectSQLite {
		dsn = ":memory:"

		if cfg.Mode == "persistent" {
			if cfg.Path == "" {
				return nil, fmt.Errorf("%w: persistent engine requires a path", sqlflow.ErrConfigValidation)
			}

			dsn = cfg.Path
		}
	} else if dsn == "" {
		return nil, fmt.Errorf("%w: %s engine requires a connection string in engine.path", sqlflow.ErrConfigValidation, dialect)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("engine: open: %w", err)
	}

	if dialect == sqlflow.DialectSQLite {
		db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: ping: %w", err)
	}

	return &Adapter{db: db, dialect: dialect}, nil
}

// Close releases the underlying connection.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Dialect reports the SQL dialect this adapter was opened against, for
// callers (e.g. the load-mode executor) that must render dialect-sensitive
// SQL of their own.
func (a *Adapter) Dialect() sqlflow.Dialect {
	return a.dialect
}

// Quote escapes identifier per this adapter's dialect quoting rules.
func (a *Adapter) Quote(identifier string) string {
	return a.quote(identifier)
}

// Execute runs a statement with no result set, e.g. a Transform's captured
// CREATE TABLE AS body or a Load-mode UPDATE/INSERT.
func (a *Adapter) Execute(ctx context.Context, sqlText string) error {
	_, err := a.db.ExecContext(ctx, sqlText)
	if err != nil {
		return fmt.Errorf("%w: %v", sqlflow.ErrExecution, err)
	}

	return nil
}

// ExecuteAffected runs a statement and reports the number of rows it
// affected, for the load-mode executor's (C12) insert/update metrics.
func (a *Adapter) ExecuteAffected(ctx context.Context, sqlText string) (int64, error) {
	result, err := a.db.ExecContext(ctx, sqlText)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", sqlflow.ErrExecution, err)
	}

	return result.RowsAffected()
}

// Tx is a transaction boundary for multi-statement operations that must
// commit or roll back together, e.g. the load-mode executor's UPSERT
// UPDATE-then-INSERT pair (spec.md §4.12, §7).
type Tx struct {
	tx *sql.Tx
}

// Begin opens a transaction. Callers must Commit or Rollback on every exit
// path; Rollback after a successful Commit is a documented no-op.
func (a *Adapter) Begin(ctx context.Context) (*Tx, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	return &Tx{tx: tx}, nil
}

// ExecuteAffected runs a statement within the transaction and reports the
// number of rows it affected.
func (t *Tx) ExecuteAffected(ctx context.Context, sqlText string) (int64, error) {
	result, err := t.tx.ExecContext(ctx, sqlText)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", sqlflow.ErrExecution, err)
	}

	return result.RowsAffected()
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Safe to call after Commit; the
// underlying driver reports sql.ErrTxDone, which callers ignore via defer.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Scalar runs a single-row, single-column query and returns its value, e.g.
// a MAX(cursor_field) watermark probe or a COUNT(*) row tally.
func (a *Adapter) Scalar(ctx context.Context, sqlText string) (any, error) {
	row := a.db.QueryRowContext(ctx, sqlText)

	var value any
	if err := row.Scan(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", sqlflow.ErrExecution, err)
	}

	return value, nil
}

// RegisterDataset materializes a lazy batch sequence as a queryable table
// named name, inferring column types from the first batch's schema. Load
// operations call this before handing off to the load-mode executor (C12).
func (a *Adapter) RegisterDataset(ctx context.Context, name string, batches connector.BatchSeq) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("engine: begin register_dataset: %w", err)
	}

	defer tx.Rollback()

	first := true

	var stmt *sql.Stmt

	for batch := range batches {
		if first {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", a.quote(name))); err != nil {
				return fmt.Errorf("engine: drop before register: %w", err)
			}

			if _, err := tx.ExecContext(ctx, a.createTableSQL(name, batch.Schema)); err != nil {
				return fmt.Errorf("engine: create table %s: %w", name, err)
			}

			insertSQL := a.insertSQL(name, batch.Schema)

			stmt, err = tx.PrepareContext(ctx, insertSQL)
			if err != nil {
				return fmt.Errorf("engine: prepare insert into %s: %w", name, err)
			}

			defer stmt.Close()

			first = false
		}

		for _, row := range batch.Rows {
			if ctx.Err() != nil {
				return sqlflow.ErrCancelled
			}

			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("engine: insert into %s: %w", name, err)
			}
		}
	}

	if first {
		// An empty source still creates an (empty) table so downstream
		// references resolve.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", a.quote(name))); err != nil {
			return fmt.Errorf("engine: drop before register: %w", err)
		}

		if _, err := tx.ExecContext(ctx, a.createTableSQL(name, sqlflow.Schema{})); err != nil {
			return fmt.Errorf("engine: create empty table %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// Query streams the result of sqlText as a lazy batch sequence.
func (a *Adapter) Query(ctx context.Context, sqlText string) (connector.BatchSeq, error) {
	rows, err := a.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sqlflow.ErrExecution, err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, err
	}

	schema := schemaFromColumnTypes(cols, types)

	const batchSize = 1000

	return func(yield func(connector.Batch) bool) {
		defer rows.Close()

		batch := connector.Batch{Schema: schema}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range values {
			ptrs[i] = &values[i]
		}

		for rows.Next() {
			if ctx.Err() != nil {
				return
			}

			if err := rows.Scan(ptrs...); err != nil {
				return
			}

			row := make([]any, len(values))
			copy(row, values)
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

// TableSchema returns the column schema of a registered table.
func (a *Adapter) TableSchema(ctx context.Context, name string) (sqlflow.Schema, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", a.quote(name)))
	if err != nil {
		return sqlflow.Schema{}, fmt.Errorf("engine: table_schema %s: %w", name, err)
	}

	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return sqlflow.Schema{}, err
	}

	types, err := rows.ColumnTypes()
	if err != nil {
		return sqlflow.Schema{}, err
	}

	return schemaFromColumnTypes(cols, types), nil
}

// DropTable drops a table if it exists.
func (a *Adapter) DropTable(ctx context.Context, name string) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", a.quote(name)))
	return err
}

// quote escapes an identifier per dialect: MySQL uses backticks, Postgres
// and SQLite use double quotes.
func (a *Adapter) quote(identifier string) string {
	if a.dialect == sqlflow.DialectMySQL {
		return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
	}

	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// placeholder renders the Nth (1-based) bind placeholder per dialect:
// Postgres uses $N, MySQL and SQLite use a bare ?.
func (a *Adapter) placeholder(n int) string {
	if a.dialect == sqlflow.DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}

	return "?"
}

func (a *Adapter) createTableSQL(name string, schema sqlflow.Schema) string {
	if len(schema.Columns) == 0 {
		return fmt.Sprintf("CREATE TABLE %s (_placeholder INTEGER)", a.quote(name))
	}

	cols := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		cols[i] = fmt.Sprintf("%s %s", a.quote(c.Name), a.columnType(c.LogicalType))
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)", a.quote(name), strings.Join(cols, ", "))
}

func (a *Adapter) insertSQL(name string, schema sqlflow.Schema) string {
	cols := make([]string, len(schema.Columns))
	placeholders := make([]string, len(schema.Columns))

	for i, c := range schema.Columns {
		cols[i] = a.quote(c.Name)
		placeholders[i] = a.placeholder(i + 1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", a.quote(name), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
}

func (a *Adapter) columnType(logicalType string) string {
	group := sqlflow.LogicalGroup(logicalType)

	if a.dialect == sqlflow.DialectPostgres {
		switch group {
		case "INTEGER":
			return "BIGINT"
		case "FLOAT":
			return "DOUBLE PRECISION"
		case "BOOLEAN":
			return "BOOLEAN"
		case "TIMESTAMP":
			return "TIMESTAMP"
		default:
			return "TEXT"
		}
	}

	if a.dialect == sqlflow.DialectMySQL {
		switch group {
		case "INTEGER":
			return "BIGINT"
		case "FLOAT":
			return "DOUBLE"
		case "BOOLEAN":
			return "TINYINT(1)"
		case "TIMESTAMP":
			return "DATETIME"
		default:
			return "TEXT"
		}
	}

	switch group {
	case "INTEGER":
		return "INTEGER"
	case "FLOAT":
		return "REAL"
	case "BOOLEAN":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func schemaFromColumnTypes(cols []string, types []*sql.ColumnType) sqlflow.Schema {
	schema := sqlflow.Schema{Columns: make([]sqlflow.ColumnInfo, len(cols))}

	for i, name := range cols {
		nullable, _ := types[i].Nullable()
		schema.Columns[i] = sqlflow.ColumnInfo{
			Name:        name,
			LogicalType: sqlflow.LogicalGroup(types[i].DatabaseTypeName()),
			Nullable:    nullable,
		}
	}

	return schema
}
