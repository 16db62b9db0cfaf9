// Package exec implements the executor (spec.md §4.6, component C6): the
// single-threaded orchestrator that runs a plan's operations in topological
// order against the engine adapter and connectors.
package exec

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sqlflow-dev/sqlflow"
	"github.com/sqlflow-dev/sqlflow/connector"
	"github.com/sqlflow-dev/sqlflow/engine"
	"github.com/sqlflow-dev/sqlflow/loadmode"
	"github.com/sqlflow-dev/sqlflow/plan"
	"github.com/sqlflow-dev/sqlflow/resilience"
	"github.com/sqlflow-dev/sqlflow/watermark"
)

// sourceState tracks one SourceDefinition operation's live connector and
// incremental-read bookkeeping for the remainder of the run.
type sourceState struct {
	conn        connector.Connector
	envelope    *resilience.Envelope
	connType    string
	syncMode    string
	cursorField string
	cursorValue string
	hasCursor   bool
}

// Runner executes one Plan's operations, scoped to one pipeline run.
type Runner struct {
	Engine     *engine.Adapter
	Registry   *connector.Registry
	Watermarks *watermark.Store
	PipelineID string
	// Presets overrides the default resilience policy per connector type.
	Presets map[string]sqlflow.ResiliencePreset

	sources map[string]*sourceState
}

// NewRunner builds a Runner for one pipeline run.
func NewRunner(eng *engine.Adapter, registry *connector.Registry, watermarks *watermark.Store, pipelineID string) *Runner {
	return &Runner{
		Engine:     eng,
		Registry:   registry,
		Watermarks: watermarks,
		PipelineID: pipelineID,
		sources:    make(map[string]*sourceState),
	}
}

// Execute runs every operation of p in order, stopping at the first
// cancellation boundary or fatal error. Already-committed operations are
// never rolled back (spec.md §4.6, §5).
func (r *Runner) Execute(ctx context.Context, p *plan.Plan) error {
	defer r.releaseSources()

	for _, op := range p.Operations {
		if ctx.Err() != nil {
			return sqlflow.ErrCancelled
		}

		var err error

		switch op.Kind {
		case plan.SourceDefinition:
			err = r.runSourceDefinition(ctx, op)
		case plan.Load:
			err = r.runLoad(ctx, op)
		case plan.Transform:
			err = r.runTransform(ctx, op)
		case plan.Export:
			err = r.runExport(ctx, op)
		}

		if err != nil {
			return fmt.Errorf("operation %s: %w", op.ID, err)
		}
	}

	return nil
}

func (r *Runner) policyFor(connType string) resilience.Policy {
	base := resilience.PolicyFor(connType)

	if preset, ok := r.Presets[strings.ToUpper(connType)]; ok {
		return resilience.WithPreset(base, preset)
	}

	if preset, ok := r.Presets["database"]; ok && isDatabaseType(connType) {
		return resilience.WithPreset(base, preset)
	}

	if preset, ok := r.Presets["rest"]; ok && !isDatabaseType(connType) {
		return resilience.WithPreset(base, preset)
	}

	return base
}

func isDatabaseType(connType string) bool {
	switch strings.ToUpper(connType) {
	case "POSTGRES", "MYSQL", "SQLITE":
		return true
	default:
		return false
	}
}

func (r *Runner) runSourceDefinition(ctx context.Context, op plan.Operation) error {
	conn, diags, err := r.Registry.Instantiate(op.ConnectorType, op.Params)
	if err != nil {
		return err
	}

	if len(diags) > 0 {
		return fmt.Errorf("%w: %s", sqlflow.ErrParameterInvalid, diags[0].Message)
	}

	state := &sourceState{
		conn:     conn,
		envelope: resilience.New(op.SourceName, r.policyFor(op.ConnectorType)),
		connType: op.ConnectorType,
	}

	if op.Params != nil {
		if v, ok := op.Params.Get("sync_mode"); ok {
			state.syncMode = v.String()
		}

		if v, ok := op.Params.Get("cursor_field"); ok {
			state.cursorField = v.String()
		}
	}

	if state.syncMode == "incremental" && state.cursorField != "" {
		value, found, err := r.Watermarks.Get(r.PipelineID, op.SourceName, state.cursorField)
		if err != nil {
			return fmt.Errorf("%w: %v", sqlflow.ErrWatermarkNotFound, err)
		}

		if found {
			state.cursorValue = value
			state.hasCursor = true
		}
	}

	r.sources[op.SourceName] = state

	return nil
}

func (r *Runner) runLoad(ctx context.Context, op plan.Operation) error {
	state, ok := r.sources[op.SourceName]
	if !ok {
		return fmt.Errorf("%w: %s", sqlflow.ErrUnresolvedSource, op.SourceName)
	}

	stageName := "__stage_" + op.Table

	var batches connector.BatchSeq

	var fetchErr error

	err := state.envelope.Do(ctx, func(ctx context.Context) error {
		reader, ok := state.conn.(connector.Reader)
		if !ok {
			return fmt.Errorf("%w: read", sqlflow.ErrCapabilityUnsupported)
		}

		if state.syncMode == "incremental" {
			incremental, ok := state.conn.(connector.IncrementalReader)
			if !ok {
				fetched, err := reader.ReadFull(ctx, op.Table, nil)
				batches, fetchErr = fetched, err

				return err
			}

			var cursorValue any
			if state.hasCursor {
				cursorValue = state.cursorValue
			}

			fetched, err := incremental.ReadIncremental(ctx, op.Table, state.cursorField, cursorValue, nil)
			batches, fetchErr = fetched, err

			return err
		}

		fetched, err := reader.ReadFull(ctx, op.Table, nil)
		batches, fetchErr = fetched, err

		return err
	})
	if err != nil {
		return err
	}

	if fetchErr != nil {
		return fetchErr
	}

	if err := r.Engine.RegisterDataset(ctx, stageName, batches); err != nil {
		return err
	}

	if _, err := loadmode.Run(ctx, r.Engine, op.Table, stageName, op.Mode, op.UpsertKeys); err != nil {
		return err
	}

	if state.syncMode == "incremental" && state.cursorField != "" {
		return r.advanceWatermark(ctx, op.SourceName, op.Table, state.cursorField)
	}

	return nil
}

// advanceWatermark computes the new cursor value from the materialized
// table (never trusting the connector's own notion of maximum) and commits
// it atomically (spec.md §4.6, §4.11).
func (r *Runner) advanceWatermark(ctx context.Context, sourceName, table, cursorField string) error {
	value, err := r.Engine.Scalar(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", r.Engine.Quote(cursorField), r.Engine.Quote(table)))
	if err != nil {
		return err
	}

	if value == nil {
		return nil
	}

	return r.Watermarks.Set(r.PipelineID, sourceName, cursorField, stringify(value), time.Now())
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (r *Runner) runTransform(ctx context.Context, op plan.Operation) error {
	stageName := "__stage_" + op.Table

	if err := r.Engine.DropTable(ctx, stageName); err != nil {
		return err
	}

	if err := r.Engine.Execute(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", r.Engine.Quote(stageName), op.SQL)); err != nil {
		return err
	}

	_, err := loadmode.Run(ctx, r.Engine, op.Table, stageName, op.Mode, op.UpsertKeys)

	return err
}

func (r *Runner) runExport(ctx context.Context, op plan.Operation) error {
	conn, diags, err := r.Registry.Instantiate(op.ConnectorType, op.Options)
	if err != nil {
		return err
	}

	if len(diags) > 0 {
		return fmt.Errorf("%w: %s", sqlflow.ErrParameterInvalid, diags[0].Message)
	}

	writer, ok := conn.(connector.Writer)
	if !ok {
		return fmt.Errorf("%w: write", sqlflow.ErrCapabilityUnsupported)
	}

	defer closeIfCloser(conn)

	envelope := resilience.New(op.DestinationURI, r.policyFor(op.ConnectorType))

	mode := "append"
	if op.Options != nil {
		if v, ok := op.Options.Get("mode"); ok {
			mode = v.String()
		}
	}

	batches, err := r.Engine.Query(ctx, op.SQL)
	if err != nil {
		return err
	}

	for batch := range batches {
		if ctx.Err() != nil {
			return sqlflow.ErrCancelled
		}

		b := batch

		err := envelope.Do(ctx, func(ctx context.Context) error {
			return writer.Write(ctx, b, mode, nil)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func closeIfCloser(conn connector.Connector) {
	if closer, ok := conn.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func (r *Runner) releaseSources() {
	for _, state := range r.sources {
		closeIfCloser(state.conn)
	}
}
