package pipeline

import (
	"context"

	"github.com/routecodex/routecodex/internal/snapshot"
)

// Hooks is the narrow surface stages and the runner use for observability.
// It deliberately exposes no pipeline back-reference: implementations may
// only log, snapshot and count.
type Hooks interface {
	// Log emits a structured log line at the given level
	// ("debug", "info", "warn", "error").
	Log(ctx context.Context, level, msg string, args ...any)

	// Snapshot records a capture at a stage boundary. Implementations must
	// never block the caller.
	Snapshot(ctx context.Context, rec snapshot.Record)

	// Metric reports a named observation with label pairs.
	Metric(ctx context.Context, name string, value float64, labels map[string]string)
}

// NopHooks discards everything. Useful in tests.
type NopHooks struct{}

// Log discards the log line.
func (NopHooks) Log(context.Context, string, string, ...any) {}

// Snapshot discards the record.
func (NopHooks) Snapshot(context.Context, snapshot.Record) {}

// Metric discards the observation.
func (NopHooks) Metric(context.Context, string, float64, map[string]string) {}
