package pgsession

import "context"

// Metrics is the interface the engine records statement statistics through.
// The metrics package provides a prometheus-backed implementation.
type Metrics interface {
	RecordHistogram(ctx context.Context, name string, value float64, labels ...string)
}
