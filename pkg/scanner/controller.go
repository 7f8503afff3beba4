package scanner

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/config"
	"shelfscan/pkg/decoder"
	"shelfscan/pkg/history"
	"shelfscan/pkg/log"
	"shelfscan/pkg/metrics"
)

// Controller owns the camera and the decoders and runs at most one scan
// session at a time.
type Controller struct {
	cfg      *config.Config
	camera   camera.Source
	decoders Decoders
	sink     ResultSink
	history  *history.History
	hooks    Hooks
	counters *metrics.ScanCounters
	analyzer *metrics.Analyzer
	now      func() time.Time

	// opMu serializes entry points, resolution and teardown.
	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	session     *session
	engine      decoder.EngineID
	stats       Stats
	last        *Outcome
	lastBarcode string
	lastAt      time.Time
}

// Option configures a Controller.
type Option func(*Controller)

func WithHooks(h Hooks) Option { return func(c *Controller) { c.hooks = h } }

// WithCounters exports session outcomes to Prometheus.
func WithCounters(sc *metrics.ScanCounters) Option { return func(c *Controller) { c.counters = sc } }

// WithAnalyzer collects every finished session's measurements.
func WithAnalyzer(a *metrics.Analyzer) Option { return func(c *Controller) { c.analyzer = a } }

func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New creates an idle controller. hist may be nil to disable history.
func New(cfg *config.Config, cam camera.Source, dec Decoders, sink ResultSink, hist *history.History, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		camera:   cam,
		decoders: dec,
		sink:     sink,
		history:  hist,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type session struct {
	id       string
	ctx      context.Context
	cancel   context.CancelFunc
	rec      *metrics.Recorder
	started  time.Time
	latched  atomic.Bool
	detected chan decoder.Detection
	fatal    chan error
	done     chan struct{}
	outcome  Outcome
}

func (c *Controller) newSession() *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:       uuid.NewString(),
		ctx:      ctx,
		cancel:   cancel,
		rec:      metrics.NewRecorder(),
		started:  c.now(),
		detected: make(chan decoder.Detection, 1),
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// onDetect and onFatal run on engine goroutines and never block.
func (s *session) onDetect(d decoder.Detection) {
	if !s.latched.CompareAndSwap(false, true) {
		return
	}
	s.detected <- d
}

func (s *session) onFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the outcome counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Engine returns the engine detecting in the current session, or "".
func (c *Controller) Engine() decoder.EngineID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Recent returns the recent scans, most recent first.
func (c *Controller) Recent() []history.Record {
	if c.history == nil {
		return nil
	}
	return c.history.Records()
}

// StartScan begins a session and returns once the controller is Detecting.
// A running session is stopped first. Failures are reported through
// OnFatalError and returned as a *FailureError after teardown.
func (c *Controller) StartScan(ctx context.Context) error {
	if sess := c.current(); sess != nil {
		sess.cancel()
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if sess := c.current(); sess != nil {
		log.Info("scanner: restarting, stopping session %s", sess.id)
		c.cancelSession(sess)
	}

	sess := c.newSession()
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	// The caller may give up while the camera is acquired; once detecting,
	// the session lives on its own.
	stop := context.AfterFunc(ctx, sess.cancel)
	defer stop()

	err := sess.rec.Record(metrics.ScanStart, metrics.MLogic, func() error {
		c.setState(Acquiring)
		var sink camera.Sink
		if err := sess.rec.Record(metrics.CameraAcquire, metrics.MCamera, func() error {
			var err error
			sink, err = c.camera.Acquire(sess.ctx, camera.ConstraintsFromConfig(c.cfg))
			return err
		}); err != nil {
			return err
		}
		return sess.rec.Record(metrics.EngineStart, metrics.MDecode, func() error {
			engine, err := c.decoders.Start(sess.ctx, sink, sess.onDetect, sess.onFatal)
			if err != nil {
				return err
			}
			c.mu.Lock()
			c.engine = engine
			c.mu.Unlock()
			return nil
		})
	})

	if err != nil {
		// Only a startup step that gave up because of the cancel is a
		// cancellation; any other error still fails the session.
		if sess.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			c.cancelSession(sess)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrCancelled
		}
		return c.fail(sess, err)
	}

	c.setState(Detecting)
	log.Info("scanner: session %s detecting with %s", sess.id, c.Engine())
	go c.watch(sess)
	return nil
}

// StopScan cancels the running session and tears it down. It is safe in any
// state and a no-op when idle.
func (c *Controller) StopScan(_ context.Context) error {
	if sess := c.current(); sess != nil {
		sess.cancel()
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	sess := c.current()
	if sess == nil {
		return nil
	}
	log.Info("scanner: stopping session %s", sess.id)
	c.cancelSession(sess)
	return nil
}

// EnterManually resolves an operator-typed barcode without the camera.
// A running session is stopped first.
func (c *Controller) EnterManually(ctx context.Context, barcode string) (Outcome, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return Outcome{}, ErrEmptyBarcode
	}
	if sess := c.current(); sess != nil {
		sess.cancel()
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if sess := c.current(); sess != nil {
		c.cancelSession(sess)
	}

	sess := c.newSession()
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	result := ScanResult{
		Barcode:    barcode,
		Engine:     decoder.Manual,
		Confidence: 1,
		DetectedAt: c.now(),
	}
	out := c.resolve(ctx, sess, result, false)
	return out, out.Err
}

// Wait blocks until the current session ends and returns its outcome. When
// idle it returns the last outcome, or ErrNoSession.
func (c *Controller) Wait(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	sess := c.session
	last := c.last
	c.mu.Unlock()

	if sess == nil {
		if last == nil {
			return Outcome{}, ErrNoSession
		}
		return *last, nil
	}
	select {
	case <-sess.done:
		return sess.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Controller) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) isCurrent(sess *session) bool {
	return c.current() == sess
}

// watch waits for the session's first detection or a fatal engine error.
func (c *Controller) watch(sess *session) {
	select {
	case d := <-sess.detected:
		c.opMu.Lock()
		defer c.opMu.Unlock()
		if !c.isCurrent(sess) || sess.ctx.Err() != nil {
			return
		}
		result := ScanResult{
			Barcode:    strings.TrimSpace(d.Value),
			Engine:     d.Engine,
			Format:     d.Format,
			Confidence: d.Confidence,
			DetectedAt: d.At,
		}
		if result.DetectedAt.IsZero() {
			result.DetectedAt = c.now()
		}
		c.resolve(context.WithoutCancel(sess.ctx), sess, result, true)
	case err := <-sess.fatal:
		c.opMu.Lock()
		defer c.opMu.Unlock()
		if !c.isCurrent(sess) || sess.ctx.Err() != nil {
			return
		}
		_ = c.fail(sess, err)
	case <-sess.ctx.Done():
	}
}

// resolve hands result to the sink and ends the session. Requires opMu.
func (c *Controller) resolve(ctx context.Context, sess *session, result ScanResult, fromCamera bool) Outcome {
	c.setState(Resolved)
	out := Outcome{SessionID: sess.id, State: Resolved, Result: result}

	_ = sess.rec.Record(metrics.ScanFinish, metrics.MLogic, func() error {
		if fromCamera && c.isDuplicate(result.Barcode) {
			log.Debug("scanner: ignoring duplicate %s", result.Barcode)
			out.Duplicate = true
		} else {
			c.call(func() {
				if c.hooks.OnDetect != nil {
					c.hooks.OnDetect(result)
				}
			})
			err := sess.rec.Record(metrics.Resolve, metrics.MStore, func() error {
				res, err := c.sink.Resolve(ctx, result)
				out.Resolution = res
				return err
			})
			if err != nil {
				out.Err = err
				log.Warn("scanner: could not resolve %s: %v", result.Barcode, err)
				c.call(func() {
					if c.hooks.OnError != nil {
						c.hooks.OnError(err)
					}
				})
				c.count(false, "sink", "")
			} else {
				c.record(result, out.Resolution)
				c.count(true, "", result.Engine)
			}
		}
		return sess.rec.Record(metrics.Teardown, metrics.MLogic, func() error {
			return c.teardown(sess)
		})
	})

	c.finish(sess, out)
	return out
}

// fail tears the session down and reports err. Requires opMu.
func (c *Controller) fail(sess *session, err error) error {
	c.setState(Failed)
	ferr := &FailureError{Reason: err, ManualEntryAvailable: true}
	log.Error("scanner: session %s failed: %v", sess.id, err)

	_ = sess.rec.Record(metrics.ScanFinish, metrics.MLogic, func() error {
		return sess.rec.Record(metrics.Teardown, metrics.MLogic, func() error {
			return c.teardown(sess)
		})
	})
	c.count(false, failureReason(err), "")
	c.call(func() {
		if c.hooks.OnFatalError != nil {
			c.hooks.OnFatalError(ferr)
		}
	})
	c.finish(sess, Outcome{SessionID: sess.id, State: Failed, Err: ferr})
	return ferr
}

// cancelSession tears down a stopped session. Requires opMu.
func (c *Controller) cancelSession(sess *session) {
	sess.cancel()
	_ = sess.rec.Record(metrics.ScanFinish, metrics.MLogic, func() error {
		return sess.rec.Record(metrics.Teardown, metrics.MLogic, func() error {
			return c.teardown(sess)
		})
	})
	c.finish(sess, Outcome{SessionID: sess.id, State: Idle, Err: ErrCancelled})
}

// teardown stops the decoders and releases the camera. Both are idempotent.
func (c *Controller) teardown(sess *session) error {
	sess.cancel()
	var errs []error
	if err := c.decoders.Stop(); err != nil {
		errs = append(errs, err)
	}
	// Release waits for the settle delay even though the session is over.
	if err := c.camera.Release(context.Background()); err != nil {
		errs = append(errs, err)
	}
	c.mu.Lock()
	c.engine = ""
	c.mu.Unlock()
	if err := errors.Join(errs...); err != nil {
		log.Warn("scanner: teardown of %s: %v", sess.id, err)
		return err
	}
	return nil
}

// finish ends sess and reports Idle. Requires opMu.
func (c *Controller) finish(sess *session, out Outcome) {
	out.Duration = c.now().Sub(sess.started)
	sess.outcome = out

	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.last = &out
	c.mu.Unlock()

	c.setState(Idle)
	close(sess.done)

	if c.counters != nil && out.State != Idle {
		c.counters.Sessions.Observe(out.Duration.Seconds())
	}
	if c.analyzer != nil {
		c.analyzer.Add(sess.rec)
	}
	if c.cfg != nil && c.cfg.PrintMetrics {
		sess.rec.PrintTree(os.Stdout, -1, -1)
	}
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	log.Debug("scanner: %s -> %s", from, to)
	c.call(func() {
		if c.hooks.OnStateChange != nil {
			c.hooks.OnStateChange(from, to)
		}
	})
}

// isDuplicate reports whether barcode was resolved within the duplicate window.
func (c *Controller) isDuplicate(barcode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil || c.cfg.DuplicateWindow <= 0 || barcode != c.lastBarcode {
		return false
	}
	return c.now().Sub(c.lastAt) < c.cfg.DuplicateWindow
}

// record stores a successful resolution in the history.
func (c *Controller) record(result ScanResult, res Resolution) {
	now := c.now()
	c.mu.Lock()
	c.lastBarcode, c.lastAt = result.Barcode, now
	c.mu.Unlock()

	if c.history == nil {
		return
	}
	name := res.ProductName
	if name == "" {
		name = result.Barcode
	}
	err := c.history.Add(history.Record{
		Barcode:     result.Barcode,
		ProductName: name,
		Action:      res.Action,
		Quantity:    res.Quantity,
		ScannedAt:   now,
	})
	if err != nil {
		log.Warn("scanner: could not save recent scan: %v", err)
	}
}

func (c *Controller) count(success bool, reason string, engine decoder.EngineID) {
	c.mu.Lock()
	c.stats.Attempts++
	if success {
		c.stats.Successes++
	} else {
		c.stats.Failures++
	}
	c.mu.Unlock()

	if c.counters == nil {
		return
	}
	c.counters.Attempts.Inc()
	if success {
		c.counters.Successes.WithLabelValues(string(engine)).Inc()
	} else {
		c.counters.Failures.WithLabelValues(reason).Inc()
	}
}

// call runs a hook, logging instead of propagating a panic.
func (c *Controller) call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("scanner: hook panicked: %v", r)
		}
	}()
	f()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, camera.ErrCameraUnavailable), errors.Is(err, camera.ErrDeviceBusy):
		return "camera"
	case errors.Is(err, decoder.ErrAllEnginesFailed):
		return "engines"
	case errors.Is(err, decoder.ErrStreamEnded):
		return "stream"
	default:
		return "other"
	}
}
