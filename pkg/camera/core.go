package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/google/uuid"
	"shelfscan/pkg/config"
)

// Core is an in-memory camera. Frames are fed programmatically, which makes it
// the camera of choice for tests and demos without a device.
type Core struct {
	*base
	drv *coreDriver
}

// NewCore creates an in-memory camera using the timings of cfg.
func NewCore(cfg *config.Config) *Core {
	drv := &coreDriver{
		id:        "core:" + uuid.NewString(),
		maxWidth:  1 << 16,
		maxHeight: 1 << 16,
		unplug:    make(chan error, 1),
	}
	return &Core{
		base: newBase(string(config.CamCore), drv, cfg.CameraTimeout, cfg.SettleDelay),
		drv:  drv,
	}
}

// Deny makes every following acquisition fail as if permission was refused.
// A nil err grants access again.
func (c *Core) Deny(err error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.deny = err
}

// SetReadyDelay delays the first frame of each acquisition. A negative delay
// means the stream never becomes ready.
func (c *Core) SetReadyDelay(d time.Duration) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.readyDelay = d
}

// SetMaxResolution limits the modes the fake device supports.
func (c *Core) SetMaxResolution(width, height int) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.maxWidth, c.drv.maxHeight = width, height
}

// SetFrames replaces the frames replayed in a loop at the negotiated rate.
// Without frames, a single blank frame marks the stream ready.
func (c *Core) SetFrames(images ...image.Image) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	c.drv.images = images
}

// Unplug ends the active stream with err as if the device disappeared. The
// Sink closes but the camera stays acquired until Release.
func (c *Core) Unplug(err error) error {
	if !c.Active() {
		return ErrReleased
	}
	select {
	case c.drv.unplug <- err:
	default:
	}
	return nil
}

// Feed pushes one frame into the active stream.
func (c *Core) Feed(img image.Image) error {
	return c.base.push(img)
}

type coreDriver struct {
	id string

	mu         sync.Mutex
	deny       error
	readyDelay time.Duration
	maxWidth   int
	maxHeight  int
	images     []image.Image
	unplug     chan error
}

func (d *coreDriver) device() string { return d.id }

func (d *coreDriver) open(_ context.Context, c Constraints) (Settings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny != nil {
		return Settings{}, d.deny
	}
	return negotiate(c, func(s Settings) bool {
		return s.Width <= d.maxWidth && s.Height <= d.maxHeight
	})
}

func (d *coreDriver) run(ctx context.Context, s Settings, push func(image.Image)) error {
	d.mu.Lock()
	delay := d.readyDelay
	images := append([]image.Image(nil), d.images...)
	d.mu.Unlock()

	if delay < 0 {
		<-ctx.Done()
		return nil
	}
	if !sleep(ctx, delay) {
		return nil
	}

	if len(images) == 0 {
		push(blankFrame())
		select {
		case <-ctx.Done():
			return nil
		case err := <-d.unplug:
			return err
		}
	}

	ticker := time.NewTicker(s.Interval())
	defer ticker.Stop()
	for i := 0; ; i++ {
		push(images[i%len(images)])
		select {
		case <-ctx.Done():
			return nil
		case err := <-d.unplug:
			return err
		case <-ticker.C:
		}
	}
}

func (d *coreDriver) close() error { return nil }

func blankFrame() image.Image {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = color.Gray{Y: 0xff}.Y
	}
	return img
}
