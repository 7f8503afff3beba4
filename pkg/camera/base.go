package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"shelfscan/pkg/log"
)

// stopTimeout bounds how long a release waits for a driver goroutine.
const stopTimeout = 3 * time.Second

// driver is the device-specific part of a Source.
type driver interface {
	// device identifies the physical device for the process-wide claim.
	device() string
	// open negotiates the stream and returns the effective settings.
	open(ctx context.Context, c Constraints) (Settings, error)
	// run produces frames through push until ctx is cancelled. Returning
	// before that ends the stream and closes the Sink.
	run(ctx context.Context, s Settings, push func(image.Image)) error
	// close releases driver handles. It is called once per successful open.
	close() error
}

// claims tracks which devices are held by an active stream in this process.
var claims = struct {
	sync.Mutex
	devices map[string]bool
}{devices: make(map[string]bool)}

func claim(device string) error {
	claims.Lock()
	defer claims.Unlock()
	if claims.devices[device] {
		return fmt.Errorf("%s: %w", device, ErrDeviceBusy)
	}
	claims.devices[device] = true
	return nil
}

func unclaim(device string) {
	claims.Lock()
	defer claims.Unlock()
	delete(claims.devices, device)
}

// Stats are lifetime counters of a Source.
type Stats struct {
	Acquisitions   uint64
	Releases       uint64
	FramesCaptured uint64
	FramesDropped  uint64
}

// base implements the Source lifecycle shared by every camera.
type base struct {
	name    string
	drv     driver
	timeout time.Duration
	settle  time.Duration

	mu     sync.Mutex // held for the whole acquire and release, settle delay included
	stream *stream
	active atomic.Bool

	acquisitions atomic.Uint64
	releases     atomic.Uint64
	captured     atomic.Uint64
	dropped      atomic.Uint64
}

func newBase(name string, drv driver, timeout, settle time.Duration) *base {
	return &base{name: name, drv: drv, timeout: timeout, settle: settle}
}

func (b *base) Name() string { return b.name }

func (b *base) Active() bool { return b.active.Load() }

// Stats returns the lifetime counters.
func (b *base) Stats() Stats {
	return Stats{
		Acquisitions:   b.acquisitions.Load(),
		Releases:       b.releases.Load(),
		FramesCaptured: b.captured.Load(),
		FramesDropped:  b.dropped.Load(),
	}
}

func (b *base) Acquire(ctx context.Context, c Constraints) (Sink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stream != nil {
		return nil, fmt.Errorf("%s: %w", b.name, ErrDeviceBusy)
	}
	if err := claim(b.drv.device()); err != nil {
		return nil, err
	}

	settings, err := b.drv.open(ctx, c)
	if err != nil {
		unclaim(b.drv.device())
		return nil, fmt.Errorf("%w: %s: %w", ErrCameraUnavailable, b.name, err)
	}
	log.Debug("camera: %s negotiated %s", b.name, settings)

	runCtx, cancel := context.WithCancel(context.Background())
	s := newStream(settings, cancel, &b.captured, &b.dropped)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := b.drv.run(runCtx, settings, s.push)
		if runCtx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("stream stopped")
		}
		s.fail(err)
		s.end(b.name, err)
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
	case err := <-s.failed:
		b.teardown(context.Background(), s)
		return nil, fmt.Errorf("%w: %s: %w", ErrCameraUnavailable, b.name, err)
	case <-timer.C:
		b.teardown(context.Background(), s)
		return nil, fmt.Errorf("%w: %s not ready within %s", ErrCameraUnavailable, b.name, b.timeout)
	case <-ctx.Done():
		b.teardown(context.Background(), s)
		return nil, fmt.Errorf("%s: acquire cancelled: %w", b.name, ctx.Err())
	}

	b.stream = s
	b.active.Store(true)
	b.acquisitions.Add(1)
	log.Info("camera: %s acquired (%s)", b.name, settings)
	return s, nil
}

func (b *base) Release(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream
	if s == nil {
		return nil
	}
	b.stream = nil
	b.active.Store(false)
	b.releases.Add(1)

	err := b.teardown(ctx, s)
	log.Info("camera: %s released (frames=%d dropped=%d)", b.name, b.captured.Load(), b.dropped.Load())
	return err
}

// teardown stops the driver, closes the stream and waits the settle delay
// before giving up the device claim.
func (b *base) teardown(ctx context.Context, s *stream) error {
	defer unclaim(b.drv.device())

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		log.Warn("camera: %s stop timeout exceeded, driver may still be running", b.name)
	}

	err := b.drv.close()
	s.close()

	if b.settle > 0 {
		t := time.NewTimer(b.settle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	if err != nil {
		return fmt.Errorf("%s: release: %w", b.name, err)
	}
	return nil
}

// push forwards an externally produced frame into the active stream.
func (b *base) push(img image.Image) error {
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s == nil {
		return ErrReleased
	}
	s.push(img)
	return nil
}

// stream is the Sink of one acquisition.
type stream struct {
	settings Settings
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	latest    atomic.Pointer[Frame]
	frames    chan Frame
	seq       atomic.Uint64
	ready     chan struct{}
	readyOnce sync.Once
	failed    chan error
	done      chan struct{}
	closed    atomic.Bool

	captured *atomic.Uint64
	dropped  *atomic.Uint64
}

func newStream(settings Settings, cancel context.CancelFunc, captured, dropped *atomic.Uint64) *stream {
	return &stream{
		settings: settings,
		cancel:   cancel,
		frames:   make(chan Frame, 1),
		ready:    make(chan struct{}),
		failed:   make(chan error, 1),
		done:     make(chan struct{}),
		captured: captured,
		dropped:  dropped,
	}
}

func (s *stream) push(img image.Image) {
	if s.closed.Load() || img == nil {
		return
	}
	f := Frame{Image: img, Seq: s.seq.Add(1), At: time.Now()}
	s.latest.Store(&f)
	s.captured.Add(1)
	s.readyOnce.Do(func() { close(s.ready) })

	// Keep only the newest frame for subscribers.
	select {
	case s.frames <- f:
		return
	default:
	}
	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
}

func (s *stream) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// end closes a stream whose driver stopped on its own after it became ready.
// The device stays claimed until the owner releases it.
func (s *stream) end(name string, err error) {
	select {
	case <-s.ready:
	default:
		return
	}
	log.Warn("camera: %s stream ended: %v", name, err)
	s.close()
}

func (s *stream) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *stream) Snapshot() (Frame, error) {
	if s.closed.Load() {
		return Frame{}, ErrReleased
	}
	f := s.latest.Load()
	if f == nil {
		return Frame{}, ErrNoFrame
	}
	return *f, nil
}

func (s *stream) Frames() <-chan Frame { return s.frames }

func (s *stream) Settings() Settings { return s.settings }

func (s *stream) Done() <-chan struct{} { return s.done }

// negotiate picks the ideal settings when the device supports them and the
// minimum otherwise.
func negotiate(c Constraints, supports func(Settings) bool) (Settings, error) {
	for _, s := range []Settings{c.Ideal(), c.Minimum()} {
		if supports(s) {
			return s, nil
		}
	}
	return Settings{}, fmt.Errorf("no mode satisfies %s", c.Minimum())
}

// sleep waits d or until ctx is done, reporting whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
