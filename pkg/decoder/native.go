package decoder

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strings"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/xerrors"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/log"
)

// Detector is a platform barcode detector.
type Detector interface {
	// Supported reports whether the detector exists on this system.
	Supported() bool
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// NativeEngine polls the latest frame and hands it to the platform detector.
type NativeEngine struct {
	detector Detector
	policy   Policy
	runner   runner

	// raster is the off-screen buffer frames are drawn into. Only the loop
	// goroutine touches it.
	raster *image.RGBA
}

// NewNativeEngine creates the native engine. A nil detector is never available.
func NewNativeEngine(detector Detector, policy Policy) *NativeEngine {
	return &NativeEngine{detector: detector, policy: policy}
}

func (e *NativeEngine) ID() EngineID { return Native }

func (e *NativeEngine) Available() bool {
	return e.detector != nil && e.detector.Supported()
}

func (e *NativeEngine) Start(ctx context.Context, sink camera.Sink, onDetect func(Detection), onFatal func(error)) error {
	if !e.Available() {
		return ErrEngineUnavailable
	}
	if sink == nil {
		return xerrors.New("native: no camera sink")
	}
	l := newLatch(Native, e.policy, onDetect)
	return e.runner.start(ctx, l, func(ctx context.Context, l *latch) {
		e.poll(ctx, sink, l, onFatal)
	})
}

// poll re-schedules itself every PollInterval until a detection latched or
// the context is cancelled.
func (e *NativeEngine) poll(ctx context.Context, sink camera.Sink, l *latch, onFatal func(error)) {
	var lastSeq uint64
	for !l.done() {
		select {
		case <-ctx.Done():
			return
		case <-sink.Done():
			if !l.done() {
				onFatal(ErrStreamEnded)
			}
			return
		default:
		}

		if f, err := sink.Snapshot(); err == nil && f.Seq != lastSeq {
			lastSeq = f.Seq
			e.detect(ctx, f.Image, l)
		}

		if !sleepCtx(ctx, e.policy.PollInterval) {
			return
		}
	}
}

func (e *NativeEngine) detect(ctx context.Context, img image.Image, l *latch) {
	b := img.Bounds()
	if e.raster == nil || e.raster.Rect.Dx() != b.Dx() || e.raster.Rect.Dy() != b.Dy() {
		e.raster = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	xdraw.Draw(e.raster, e.raster.Rect, img, b.Min, xdraw.Src)

	detections, err := e.detector.Detect(ctx, e.raster)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug("decoder: native detect failed: %v", err)
		}
		return
	}
	for _, d := range detections {
		if l.offer(d) {
			return
		}
	}
}

func (e *NativeEngine) Stop() error {
	e.runner.stop()
	return nil
}

// ZBarDetector runs the zbarimg command line tool on each frame.
type ZBarDetector struct {
	bin string

	once      sync.Once
	supported bool
}

// NewZBarDetector creates a detector for the zbarimg binary on PATH.
func NewZBarDetector() *ZBarDetector {
	return &ZBarDetector{bin: "zbarimg"}
}

func (z *ZBarDetector) Supported() bool {
	z.once.Do(func() {
		_, err := exec.LookPath(z.bin)
		z.supported = err == nil
	})
	return z.supported
}

// zbarExitNoSymbols is zbarimg's exit status when an image holds no barcode.
const zbarExitNoSymbols = 4

type zbarResult struct {
	Symbols []struct {
		Type    string `xml:"type,attr"`
		Quality int    `xml:"quality,attr"`
		Data    string `xml:"data"`
	} `xml:"source>index>symbol"`
}

func (z *ZBarDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	f, err := os.CreateTemp("", "shelfscan-frame-*.png")
	if err != nil {
		return nil, xerrors.Errorf("zbar: temp frame: %w", err)
	}
	defer os.Remove(f.Name())
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return nil, xerrors.Errorf("zbar: encode frame: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, xerrors.Errorf("zbar: write frame: %w", err)
	}

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, z.bin, "--xml", "-q", f.Name())
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == zbarExitNoSymbols {
			return nil, nil
		}
		return nil, xerrors.Errorf("zbar: %s: %w", z.bin, err)
	}
	return parseZBarXML(stdout.Bytes())
}

func parseZBarXML(data []byte) ([]Detection, error) {
	var res zbarResult
	if err := xml.Unmarshal(data, &res); err != nil {
		return nil, xerrors.Errorf("zbar: parse output: %w", err)
	}
	detections := make([]Detection, 0, len(res.Symbols))
	for _, s := range res.Symbols {
		format, ok := zbarTypes[s.Type]
		if !ok {
			format = Unknown
		}
		detections = append(detections, Detection{
			Value:  strings.TrimSpace(s.Data),
			Format: format,
		})
	}
	return detections, nil
}
