package context

import (
	"shelfscan/pkg/config"
	"shelfscan/pkg/metrics"
)

// OperationContext holds request-scoped data for a single scan operation.
type OperationContext struct {
	Config   *config.Config    // The scanner configuration
	Recorder *metrics.Recorder // The metrics recorder for the current scan session.
}

// NewContext creates a new OperationContext.
func NewContext(config *config.Config, rec *metrics.Recorder) *OperationContext {
	return &OperationContext{
		Config:   config,
		Recorder: rec,
	}
}

// Record times f under name when a recorder is attached, and simply runs it otherwise.
func (c *OperationContext) Record(name string, mType metrics.MeasurementType, f func() error) error {
	if c == nil || c.Recorder == nil {
		return f()
	}
	return c.Recorder.Record(name, mType, f)
}
