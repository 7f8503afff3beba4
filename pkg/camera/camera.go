// Package camera acquires and releases live frame streams from a camera device.
//
// A Source hands out at most one Sink at a time. Sources backed by the same
// physical device share a process-wide claim, so a second acquisition fails
// with ErrDeviceBusy until the first one has been released.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"shelfscan/pkg/config"
)

var (
	// ErrCameraUnavailable reports permission denial, a missing device, a missing
	// platform API, or a stream that never became ready.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrDeviceBusy reports that the device is already claimed in this process.
	ErrDeviceBusy = errors.New("camera device already in use")

	// ErrNoFrame is returned by Snapshot before the first frame arrived.
	ErrNoFrame = errors.New("no frame available")

	// ErrReleased is returned by sink operations after the source was released.
	ErrReleased = errors.New("camera stream released")
)

// Frame is one captured video frame.
type Frame struct {
	Image image.Image
	Seq   uint64
	At    time.Time
}

// Constraints describe the stream requested from the camera. Ideal values are
// tried first and the minimums are the lowest the scanner accepts.
type Constraints struct {
	FacingMode  string
	IdealWidth  int
	IdealHeight int
	IdealFPS    int
	MinWidth    int
	MinHeight   int
	MinFPS      int
}

// ConstraintsFromConfig returns the constraints configured for the scanner.
func ConstraintsFromConfig(cfg *config.Config) Constraints {
	return Constraints{
		FacingMode:  cfg.FacingMode,
		IdealWidth:  cfg.IdealWidth,
		IdealHeight: cfg.IdealHeight,
		IdealFPS:    cfg.IdealFPS,
		MinWidth:    cfg.MinWidth,
		MinHeight:   cfg.MinHeight,
		MinFPS:      cfg.MinFPS,
	}
}

// Ideal returns the preferred settings.
func (c Constraints) Ideal() Settings {
	return Settings{FacingMode: c.FacingMode, Width: c.IdealWidth, Height: c.IdealHeight, FPS: c.IdealFPS}
}

// Minimum returns the fallback settings.
func (c Constraints) Minimum() Settings {
	return Settings{FacingMode: c.FacingMode, Width: c.MinWidth, Height: c.MinHeight, FPS: c.MinFPS}
}

// Settings are the effective stream parameters after negotiation.
type Settings struct {
	FacingMode string
	Width      int
	Height     int
	FPS        int
}

// Interval returns the time between two frames at the negotiated rate.
func (s Settings) Interval() time.Duration {
	if s.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(s.FPS)
}

func (s Settings) String() string {
	return fmt.Sprintf("%dx%d@%d(%s)", s.Width, s.Height, s.FPS, s.FacingMode)
}

// Sink is a live, playing frame stream bound to an acquired camera.
type Sink interface {
	// Snapshot returns the most recent frame. Polling engines use it.
	Snapshot() (Frame, error)
	// Frames delivers frames as they arrive. Slow readers miss frames rather
	// than stalling the camera. The channel is never closed; use Done.
	Frames() <-chan Frame
	// Settings returns the effective stream parameters.
	Settings() Settings
	// Done is closed once the stream has been released.
	Done() <-chan struct{}
}

// Source acquires and releases a camera stream.
type Source interface {
	Name() string
	// Acquire blocks until the stream is ready or fails with ErrCameraUnavailable.
	Acquire(ctx context.Context, c Constraints) (Sink, error)
	// Release stops the stream and waits for the device to settle. It is
	// idempotent and a no-op when nothing is active.
	Release(ctx context.Context) error
	Active() bool
}

// New selects and creates the camera source configured in cfg.
func New(cfg *config.Config) (Source, error) {
	switch cfg.CameraType {
	case config.CamCore:
		return NewCore(cfg), nil
	case config.CamDisk:
		return NewDisk(cfg), nil
	case config.CamPeripheral:
		return NewPeripheral(cfg), nil
	case config.CamGStreamer:
		return NewGStreamer(cfg), nil
	default:
		return nil, fmt.Errorf("unknown camera type specified: %s", cfg.CameraType)
	}
}
