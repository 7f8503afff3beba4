package decoder

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/makiuchi-d/gozxing"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/xerrors"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/concurrency"
	opctx "shelfscan/pkg/context"
	"shelfscan/pkg/log"
)

// halfSampleAbove is the frame width above which frames are decoded at half size.
const halfSampleAbove = 800

// PipelineEngine is the image pipeline of last resort: grayscale, optional
// half-sampling, global histogram binarization, then one dedicated 1D reader
// per configured format, run on the worker pool.
type PipelineEngine struct {
	op     *opctx.OperationContext
	policy Policy
	runner runner

	mu      sync.Mutex
	sink    camera.Sink
	formats []Format
}

// NewPipelineEngine creates the pipeline engine. op supplies the worker count.
func NewPipelineEngine(op *opctx.OperationContext, policy Policy) *PipelineEngine {
	return &PipelineEngine{op: op, policy: policy}
}

func (e *PipelineEngine) ID() EngineID { return Pipeline }

func (e *PipelineEngine) Available() bool { return true }

// Init binds the engine to a live sink. It validates the formats and waits
// for the sink to deliver a first frame.
func (e *PipelineEngine) Init(ctx context.Context, sink camera.Sink, formats []Format) error {
	if sink == nil {
		return xerrors.New("pipeline: no camera sink")
	}
	if len(formats) == 0 {
		return xerrors.New("pipeline: no formats configured")
	}
	for _, f := range formats {
		if _, err := oneDReader(f); err != nil {
			return xerrors.Errorf("pipeline: %w", err)
		}
	}

	for {
		_, err := sink.Snapshot()
		if err == nil {
			break
		}
		if !errors.Is(err, camera.ErrNoFrame) {
			return xerrors.Errorf("pipeline: sink not live: %w", err)
		}
		if !sleepCtx(ctx, 10*time.Millisecond) {
			return xerrors.Errorf("pipeline: waiting for first frame: %w", ctx.Err())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
	e.formats = append([]Format(nil), formats...)
	return nil
}

func (e *PipelineEngine) Start(ctx context.Context, sink camera.Sink, onDetect func(Detection), onFatal func(error)) error {
	e.mu.Lock()
	bound, formats := e.sink, e.formats
	e.mu.Unlock()
	if bound == nil {
		return ErrNotInitialized
	}
	if sink != nil && sink != bound {
		return xerrors.New("pipeline: started against a different sink than initialized")
	}

	l := newLatch(Pipeline, e.policy, onDetect)
	return e.runner.start(ctx, l, func(ctx context.Context, l *latch) {
		for !l.done() {
			select {
			case <-ctx.Done():
				return
			case <-bound.Done():
				if !l.done() {
					onFatal(ErrStreamEnded)
				}
				return
			case f := <-bound.Frames():
				if d, ok := e.process(f.Image, formats); ok {
					l.offer(d)
				}
			}
		}
	})
}

// Stop cancels detection and unbinds the sink, so the next Start needs a new Init.
func (e *PipelineEngine) Stop() error {
	e.runner.stop()
	e.mu.Lock()
	e.sink, e.formats = nil, nil
	e.mu.Unlock()
	return nil
}

func (e *PipelineEngine) process(img image.Image, formats []Format) (Detection, bool) {
	gray := toGray(img)
	if gray.Rect.Dx() > halfSampleAbove {
		gray = halfSample(gray)
	}

	source := gozxing.NewLuminanceSourceFromImage(gray)

	// Binarizers and readers keep per-decode buffers, so every worker builds its own.
	results, err := concurrency.Map(e.op, formats, func(f Format) (*gozxing.Result, error) {
		r, err := oneDReader(f)
		if err != nil {
			return nil, err
		}
		bmp, err := gozxing.NewBinaryBitmap(gozxing.NewGlobalHistgramBinarizer(source))
		if err != nil {
			return nil, err
		}
		res, err := r.Decode(bmp, nil)
		if err != nil {
			return nil, nil // nothing of this format in the frame
		}
		return res, nil
	})
	if err != nil {
		log.Debug("decoder: pipeline: %v", err)
		return Detection{}, false
	}
	for _, res := range results {
		if res != nil {
			return Detection{Value: res.GetText(), Format: fromZXing(res.GetBarcodeFormat()), At: time.Now()}, true
		}
	}
	return Detection{}, false
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(gray, gray.Rect, img, b.Min, xdraw.Src)
	return gray
}

func halfSample(src *image.Gray) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, src.Rect.Dx()/2, src.Rect.Dy()/2))
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, xdraw.Src, nil)
	return dst
}
