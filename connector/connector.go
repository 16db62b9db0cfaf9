// Package connector implements the connector contract, capability
// negotiation, and registry (spec.md §4.8, component C8).
package connector

import (
	"context"
	"iter"
	"time"

	"github.com/sqlflow-dev/sqlflow"
)

// Batch is a unit of tabular data exchanged between a connector and the
// engine adapter: a schema plus row values.
type Batch struct {
	Schema sqlflow.Schema
	Rows   [][]any
}

// BatchSeq is a lazy, pull-based, finite sequence of Batches.
type BatchSeq iter.Seq[Batch]

// Capability enumerates the operations a connector may support. A connector
// declares a subset at configure time; callers probe before invoking rather
// than relying on type hierarchies (spec.md §4.8, §9).
type Capability int

const (
	CapRead Capability = iota
	CapWrite
	CapIncrementalRead
	CapDiscover
	CapHealth
	CapTestConnection
)

// Connector is the minimal shape every connector instance satisfies:
// reporting which capabilities it supports. Concrete capabilities are
// exposed via the Reader/Writer/... sub-interfaces below; callers type-
// assert after checking Capabilities().
type Connector interface {
	Capabilities() map[Capability]bool
}

// Supports is a convenience wrapper over Capabilities().
func Supports(c Connector, cap Capability) bool {
	return c.Capabilities()[cap]
}

// Reader is satisfied by connectors declaring CapRead.
type Reader interface {
	Connector
	Schema(ctx context.Context, object string) (sqlflow.Schema, error)
	ReadFull(ctx context.Context, object string, columns []string) (BatchSeq, error)
}

// IncrementalReader is satisfied by connectors declaring CapIncrementalRead.
// ReadIncremental MUST return only records whose cursor_field is strictly
// greater than cursorValue (or all records if cursorValue is nil) — the
// executor never trusts ExtractCursor as ground truth for the new
// watermark, only as a hint (spec.md §4.11).
type IncrementalReader interface {
	Connector
	ReadIncremental(ctx context.Context, object, cursorField string, cursorValue any, columns []string) (BatchSeq, error)
	ExtractCursor(batch Batch, cursorField string) (any, error)
}

// Writer is satisfied by connectors declaring CapWrite.
type Writer interface {
	Connector
	Write(ctx context.Context, batch Batch, mode string, options map[string]any) error
}

// Discoverer is satisfied by connectors declaring CapDiscover.
type Discoverer interface {
	Connector
	ListObjects(ctx context.Context) ([]string, error)
}

// Health is the health-capability snapshot.
type Health struct {
	Status           string
	LastSuccessAt    time.Time
	RollingErrorRate float64
	LatencySamples   []time.Duration
}

// HealthChecker is satisfied by connectors declaring CapHealth.
type HealthChecker interface {
	Connector
	CheckHealth(ctx context.Context) (Health, error)
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	OK      bool
	Message string
}

// ConnectionTester is satisfied by connectors declaring CapTestConnection.
type ConnectionTester interface {
	Connector
	Test(ctx context.Context) (TestResult, error)
}

// BidirectionalConnector declares both read and write, per spec.md §4.8.
type BidirectionalConnector interface {
	Reader
	Writer
}

// CapSet is a small helper for constructing a Capabilities() map literal-free.
func CapSet(caps ...Capability) map[Capability]bool {
	m := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		m[c] = true
	}

	return m
}
