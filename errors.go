// Package sqlflow provides the shared data model, error taxonomy, dialect and
// schema definitions used by the pipeline compilation and execution subsystem.
package sqlflow

import "errors"

// Sentinel errors used throughout the sqlflow package and its subpackages.
var (
	// Lexer errors (C1)
	ErrUnexpectedCharacter = errors.New("unexpected character")
	ErrUnterminatedString  = errors.New("unterminated string literal")

	// Parser errors (C2)
	ErrUnexpectedToken  = errors.New("unexpected token")
	ErrExpectedKind     = errors.New("expected token kind not found")
	ErrUnterminatedBody = errors.New("sql body has no terminating clause")

	// Resolver errors (C3)
	ErrIncludeCycle       = errors.New("include cycle detected")
	ErrIncludeNotFound    = errors.New("include target not found")
	ErrVariableNotBound   = errors.New("variable has no value and no default")
	ErrEmptyDefault       = errors.New("empty string default is not allowed")
	ErrConditionNotParsed = errors.New("conditional expression failed to parse")

	// Validator errors (C4)
	ErrUnknownConnector = errors.New("unknown connector type")
	ErrParameterInvalid = errors.New("parameter validation failed")
	ErrUnresolvedSource = errors.New("load references undeclared source")
	ErrUnresolvedTable  = errors.New("statement references table produced by no prior operation")
	ErrDuplicateTable   = errors.New("two operations produce the same target table")
	ErrUpsertKeyMissing = errors.New("upsert mode requires at least one key")

	// Planner errors (C5)
	ErrPlanCycle = errors.New("dependency cycle in pipeline")

	// Load-mode errors (C12)
	ErrSchemaIncompatible = errors.New("source schema is not compatible with target")
	ErrUpsertKeyNotFound  = errors.New("upsert key not present in source or target")

	// Watermark errors (C11)
	ErrWatermarkNotMonotonic = errors.New("watermark update is not monotonic")
	ErrWatermarkNotFound     = errors.New("no watermark recorded")

	// Resilience errors (C10). The last four below (ErrNetworkTransient
	// through ErrDatabaseTransient) are the retryable kinds the
	// retry layer matches against (spec.md §4.10 layer 3: "network, timeout,
	// connection reset, specific database error classes"); connectors wrap
	// the underlying transport/driver error with whichever of these applies.
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrRateLimited       = errors.New("rate limit exceeded and strategy is fail-fast")
	ErrNetworkTransient  = errors.New("transient network error")
	ErrTimeout           = errors.New("operation timed out")
	ErrConnectionReset   = errors.New("connection reset by peer")
	ErrDatabaseTransient = errors.New("transient database error")

	// Connector errors (C8/C9)
	ErrCapabilityUnsupported  = errors.New("connector does not support the requested capability")
	ErrConnectorNotRegistered = errors.New("connector type not registered")

	// Executor errors (C6)
	ErrCancelled = errors.New("run was cancelled")
	ErrExecution = errors.New("statement execution failed")

	// Config errors
	ErrConfigValidation = errors.New("configuration validation failed")
)

// ErrorKind enumerates the typed error taxonomy from spec.md §4.13.
type ErrorKind string

const (
	KindLex                 ErrorKind = "LexError"
	KindParse               ErrorKind = "ParseError"
	KindInclude             ErrorKind = "IncludeError"
	KindVariable            ErrorKind = "VariableError"
	KindConnector           ErrorKind = "ConnectorError"
	KindParameter           ErrorKind = "ParameterError"
	KindReference           ErrorKind = "ReferenceError"
	KindDuplicateTable      ErrorKind = "DuplicateTableError"
	KindUpsertKey           ErrorKind = "UpsertKeyError"
	KindPlan                ErrorKind = "PlanError"
	KindSchemaCompatibility ErrorKind = "SchemaCompatibilityError"
	KindExecution           ErrorKind = "ExecutionError"
	KindConnectorRuntime    ErrorKind = "ConnectorRuntimeError"
	KindWatermark           ErrorKind = "WatermarkError"
	KindCostLimitExceeded   ErrorKind = "CostLimitExceeded"
	KindCircuitOpen         ErrorKind = "CircuitOpenError"
	KindRetryExhausted      ErrorKind = "RetryExhaustedError"
	KindCancelled           ErrorKind = "Cancelled"

	// KindLegacySpelling is not part of spec.md §4.13's taxonomy: it is a
	// non-blocking informational notice (SPEC_FULL.md §5, DESIGN.md open
	// question #2) surfaced alongside the grouped report, never counted
	// toward Report.Empty.
	KindLegacySpelling ErrorKind = "LegacySpellingNotice"
)

// Diagnostic is a single grouped, user-facing error entry: kind, source line,
// message and actionable suggestions. The validator never raises these
// one-at-a-time — they are accumulated and reported together (spec.md §7).
type Diagnostic struct {
	Kind        ErrorKind
	Line        int
	Message     string
	Suggestions []string

	// Runtime diagnostics additionally carry the operation and connector that
	// produced them.
	OperationID string
	Connector   string
}

func (d *Diagnostic) Error() string {
	return string(d.Kind) + ": " + d.Message
}
