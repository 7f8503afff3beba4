package decoder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"shelfscan/pkg/camera"
	"shelfscan/pkg/config"
	opctx "shelfscan/pkg/context"
	"shelfscan/pkg/log"
)

// Cascade starts the first engine, in preference order, that is available
// and initializes. At most one engine is running at any time.
type Cascade struct {
	engines []Engine
	formats []Format

	mu     sync.Mutex
	active Engine
}

// NewCascade creates a cascade over engines, tried in the given order.
func NewCascade(formats []Format, engines ...Engine) *Cascade {
	return &Cascade{engines: engines, formats: formats}
}

// NewFromConfig builds the engines named in cfg's preference order.
func NewFromConfig(op *opctx.OperationContext, detector Detector) (*Cascade, error) {
	cfg := op.Config
	policy := PolicyFromConfig(cfg)
	engines := make([]Engine, 0, 3)
	for _, name := range cfg.EngineOrder() {
		switch EngineID(name) {
		case Native:
			engines = append(engines, NewNativeEngine(detector, policy))
		case ZXing:
			engines = append(engines, NewZXingEngine(policy))
		case Pipeline:
			engines = append(engines, NewPipelineEngine(op, policy))
		default:
			return nil, fmt.Errorf("unknown decoder engine %q", name)
		}
	}
	return NewCascade(policy.Formats, engines...), nil
}

// DefaultDetector returns the platform detector for cfg.
func DefaultDetector(_ *config.Config) Detector {
	return NewZBarDetector()
}

// Engines returns the engines in preference order.
func (c *Cascade) Engines() []Engine { return c.engines }

// Start walks the engines in order. Unavailable engines are skipped without
// being started; an engine whose initialization fails is stopped and the next
// one is tried. When every engine failed, the returned error wraps
// ErrAllEnginesFailed and each *EngineInitError.
func (c *Cascade) Start(ctx context.Context, sink camera.Sink, onDetect func(Detection), onFatal func(error)) (EngineID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return c.active.ID(), ErrAlreadyRunning
	}

	var failures []error
	for _, e := range c.engines {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !e.Available() {
			log.Debug("decoder: %s unavailable, skipping", e.ID())
			failures = append(failures, &EngineInitError{Engine: e.ID(), Err: ErrEngineUnavailable})
			continue
		}
		if err := c.startEngine(ctx, e, sink, onDetect, onFatal); err != nil {
			log.Warn("decoder: %s failed to start: %v", e.ID(), err)
			_ = e.Stop()
			failures = append(failures, &EngineInitError{Engine: e.ID(), Err: err})
			continue
		}
		c.active = e
		log.Info("decoder: %s started", e.ID())
		return e.ID(), nil
	}
	return "", fmt.Errorf("%w: %w", ErrAllEnginesFailed, errors.Join(failures...))
}

func (c *Cascade) startEngine(ctx context.Context, e Engine, sink camera.Sink, onDetect func(Detection), onFatal func(error)) (err error) {
	// An engine that panics during start counts as a failed initialization.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if in, ok := e.(Initializer); ok {
		if err := in.Init(ctx, sink, c.formats); err != nil {
			return err
		}
	}
	return e.Start(ctx, sink, onDetect, onFatal)
}

// Active returns the running engine's id, or "" when none runs.
func (c *Cascade) Active() EngineID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.ID()
}

// Stop stops the running engine. It is idempotent.
func (c *Cascade) Stop() error {
	c.mu.Lock()
	e := c.active
	c.active = nil
	c.mu.Unlock()

	if e == nil {
		return nil
	}
	if err := e.Stop(); err != nil {
		return fmt.Errorf("stopping %s: %w", e.ID(), err)
	}
	log.Debug("decoder: %s stopped", e.ID())
	return nil
}
