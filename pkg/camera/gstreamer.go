package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"shelfscan/pkg/config"
	"shelfscan/pkg/log"
)

// negotiationWindow is how long a freshly started pipeline may report a
// caps or device error before the mode is considered accepted.
const negotiationWindow = time.Second

// GStreamer captures live frames from a V4L2 device.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGBA) → appsink
type GStreamer struct {
	*base
}

// NewGStreamer creates a live camera on cfg.Device.
func NewGStreamer(cfg *config.Config) *GStreamer {
	drv := &gstDriver{devicePath: cfg.Device}
	return &GStreamer{base: newBase(string(config.CamGStreamer), drv, cfg.CameraTimeout, cfg.SettleDelay)}
}

type gstDriver struct {
	devicePath string

	pipeline *gst.Pipeline
	samples  chan image.Image
	bytes    atomic.Uint64
}

func (d *gstDriver) device() string { return d.devicePath }

func (d *gstDriver) open(ctx context.Context, c Constraints) (Settings, error) {
	// Initialize GStreamer (safe to call multiple times)
	gst.Init(nil)
	if _, err := gst.NewElement("v4l2src"); err != nil {
		return Settings{}, fmt.Errorf("GStreamer v4l2src not available: %w", err)
	}

	var lastErr error
	for _, s := range []Settings{c.Ideal(), c.Minimum()} {
		if err := ctx.Err(); err != nil {
			return Settings{}, err
		}
		if lastErr = d.start(s); lastErr == nil {
			return s, nil
		}
		log.Debug("camera: gstreamer mode %s rejected: %v", s, lastErr)
	}
	return Settings{}, lastErr
}

// start builds and plays a pipeline for s, tearing it down again on failure.
func (d *gstDriver) start(s Settings) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", d.devicePath)

	var elems []*gst.Element
	for _, name := range []string{"videoconvert", "videoscale", "videorate", "capsfilter"} {
		e, err := gst.NewElement(name)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", name, err)
		}
		elems = append(elems, e)
	}
	elems[2].SetProperty("drop-only", true)
	capsStr := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1", s.Width, s.Height, s.FPS)
	elems[3].SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // No sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames

	all := append([]*gst.Element{src}, elems...)
	all = append(all, appsink.Element)
	if err := pipeline.AddMany(all...); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(all...); err != nil {
		return fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	samples := make(chan image.Image, 1)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return d.onNewSample(sink, s, samples)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(negotiationWindow)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		if msg.Type() == gst.MessageError {
			_ = pipeline.SetState(gst.StateNull)
			return fmt.Errorf("pipeline error: %s", msg.ParseError().Error())
		}
	}

	d.pipeline = pipeline
	d.samples = samples
	return nil
}

// onNewSample copies an RGBA sample out of GStreamer, which reuses its buffers.
func (d *gstDriver) onNewSample(sink *app.Sink, s Settings, out chan image.Image) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) != s.Width*s.Height*4 {
		buffer.Unmap()
		log.Trace("camera: unexpected sample size %d for %s", len(data), s)
		return gst.FlowOK
	}
	img := image.NewRGBA(image.Rect(0, 0, s.Width, s.Height))
	copy(img.Pix, data)
	buffer.Unmap()
	d.bytes.Add(uint64(len(data)))

	// Non-blocking: the run loop keeps only what it can consume.
	select {
	case out <- img:
	default:
	}
	return gst.FlowOK
}

func (d *gstDriver) run(ctx context.Context, _ Settings, push func(image.Image)) error {
	bus := d.pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return nil
		case img := <-d.samples:
			push(img)
			continue
		default:
		}

		// Poll for messages with short timeout for responsive shutdown
		msg := bus.TimedPop(20 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return errors.New("end of stream")
		case gst.MessageError:
			return fmt.Errorf("pipeline error: %s", msg.ParseError().Error())
		}
	}
}

func (d *gstDriver) close() error {
	if d.pipeline == nil {
		return nil
	}
	err := d.pipeline.SetState(gst.StateNull)
	log.Debug("camera: gstreamer pipeline destroyed after %d bytes", d.bytes.Load())
	d.pipeline = nil
	d.samples = nil
	if err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
