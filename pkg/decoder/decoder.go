// Package decoder extracts barcode values from a live camera stream.
//
// Three interchangeable engines share one contract: Start begins a detection
// loop against a camera.Sink and reports the first accepted detection, Stop
// cancels it. A Cascade starts the first engine that is available and
// initializes successfully.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shelfscan/pkg/camera"
	"shelfscan/pkg/config"
	"shelfscan/pkg/log"
)

// EngineID identifies a decoding engine.
type EngineID string

const (
	Native   EngineID = "native"
	ZXing    EngineID = "zxing"
	Pipeline EngineID = "pipeline"
	Manual   EngineID = "manual" // operator typed the value, no engine involved
)

var (
	ErrEngineUnavailable = errors.New("engine unavailable")
	ErrAllEnginesFailed  = errors.New("all decoder engines failed")
	ErrAlreadyRunning    = errors.New("engine already running")
	ErrNotInitialized    = errors.New("engine not initialized")
	ErrStreamEnded       = errors.New("camera stream ended")
	ErrRejected          = errors.New("detection rejected")
)

// EngineInitError reports that one engine failed to start.
type EngineInitError struct {
	Engine EngineID
	Err    error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("engine %s failed to initialize: %v", e.Engine, e.Err)
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// Detection is a barcode read from a frame.
type Detection struct {
	Value         string
	Format        Format
	Confidence    float64
	HasConfidence bool // only some engines score their reads
	Engine        EngineID
	At            time.Time
}

// Policy decides which detections are usable.
type Policy struct {
	MinLength     int
	MinConfidence float64
	PollInterval  time.Duration
	RejectQR      bool
	Formats       []Format
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MinLength:     8,
		MinConfidence: 0.8,
		PollInterval:  100 * time.Millisecond,
		RejectQR:      true,
		Formats:       append([]Format(nil), DefaultFormats...),
	}
}

// PolicyFromConfig returns the detection policy configured in cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	p := DefaultPolicy()
	p.MinLength = cfg.MinLength
	p.MinConfidence = cfg.MinConfidence
	p.PollInterval = cfg.PollInterval
	return p
}

// Accept returns nil when d may be forwarded, or an error wrapping ErrRejected.
func (p Policy) Accept(d Detection) error {
	value := strings.TrimSpace(d.Value)
	switch {
	case value == "":
		return fmt.Errorf("%w: empty value", ErrRejected)
	case p.RejectQR && d.Format == QRCode:
		return fmt.Errorf("%w: QR code %q", ErrRejected, value)
	case len(value) < p.MinLength:
		return fmt.Errorf("%w: %q shorter than %d", ErrRejected, value, p.MinLength)
	case d.HasConfidence && d.Confidence < p.MinConfidence:
		return fmt.Errorf("%w: confidence %.2f below %.2f", ErrRejected, d.Confidence, p.MinConfidence)
	}
	return nil
}

// Engine is one barcode decoding strategy.
type Engine interface {
	ID() EngineID
	// Available reports whether the engine can run on this system at all.
	Available() bool
	// Start begins detecting against sink. onDetect fires at most once per
	// Start; onFatal reports a failure that ends detection. Neither callback
	// may call Stop synchronously.
	Start(ctx context.Context, sink camera.Sink, onDetect func(Detection), onFatal func(error)) error
	// Stop is idempotent and safe on a never-started engine.
	Stop() error
}

// Initializer is implemented by engines that must be bound to the live sink
// before Start.
type Initializer interface {
	Init(ctx context.Context, sink camera.Sink, formats []Format) error
}

// latch forwards the first accepted detection and drops everything after it.
type latch struct {
	engine   EngineID
	policy   Policy
	onDetect func(Detection)
	fired    atomic.Bool
}

func newLatch(engine EngineID, policy Policy, onDetect func(Detection)) *latch {
	return &latch{engine: engine, policy: policy, onDetect: onDetect}
}

// offer reports whether d was forwarded.
func (l *latch) offer(d Detection) bool {
	d.Engine = l.engine
	if d.At.IsZero() {
		d.At = time.Now()
	}
	if err := l.policy.Accept(d); err != nil {
		log.Trace("decoder: %s: %v", l.engine, err)
		return false
	}
	if !l.fired.CompareAndSwap(false, true) {
		log.Trace("decoder: %s: dropping %q, already latched", l.engine, d.Value)
		return false
	}
	l.onDetect(d)
	return true
}

// close prevents any further detection from being forwarded.
func (l *latch) close() { l.fired.Store(true) }

func (l *latch) done() bool { return l.fired.Load() }

// runner owns the goroutine of a started engine.
type runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	latch  *latch
}

// start runs loop in a new goroutine bound to a child of ctx.
func (r *runner) start(ctx context.Context, l *latch, loop func(ctx context.Context, l *latch)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done, r.latch = cancel, done, l
	go func() {
		defer close(done)
		loop(loopCtx, l)
	}()
	return nil
}

// stop cancels the loop and waits for it to exit. Safe to call repeatedly.
func (r *runner) stop() {
	r.mu.Lock()
	cancel, done, l := r.cancel, r.done, r.latch
	r.cancel, r.done, r.latch = nil, nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	l.close()
	cancel()
	<-done
}

func (r *runner) running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}
