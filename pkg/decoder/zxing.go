package decoder

import (
	"context"
	"image"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"golang.org/x/xerrors"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/log"
)

// ZXingEngine subscribes to the frame stream and runs a gozxing reader for
// every configured format on each frame it receives. It reads QR codes like any general
// purpose reader, and the policy throws them away.
type ZXingEngine struct {
	policy Policy
	runner runner
}

// NewZXingEngine creates the gozxing-backed engine.
func NewZXingEngine(policy Policy) *ZXingEngine {
	return &ZXingEngine{policy: policy}
}

func (e *ZXingEngine) ID() EngineID { return ZXing }

func (e *ZXingEngine) Available() bool { return true }

func (e *ZXingEngine) Start(ctx context.Context, sink camera.Sink, onDetect func(Detection), onFatal func(error)) error {
	if sink == nil {
		return xerrors.New("zxing: no camera sink")
	}
	select {
	case <-sink.Done():
		return xerrors.Errorf("zxing: %w", ErrStreamEnded)
	default:
	}

	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	readers := append(oneDReaders(e.policy.Formats), qrcode.NewQRCodeReader())

	l := newLatch(ZXing, e.policy, onDetect)
	return e.runner.start(ctx, l, func(ctx context.Context, l *latch) {
		for !l.done() {
			select {
			case <-ctx.Done():
				return
			case <-sink.Done():
				if !l.done() {
					onFatal(ErrStreamEnded)
				}
				return
			case f := <-sink.Frames():
				if d, ok := decodeFrame(f.Image, readers, hints); ok {
					l.offer(d)
				}
			}
		}
	})
}

func (e *ZXingEngine) Stop() error {
	e.runner.stop()
	return nil
}

// decodeFrame tries each reader in turn and returns the first read.
func decodeFrame(img image.Image, readers []gozxing.Reader, hints map[gozxing.DecodeHintType]interface{}) (Detection, bool) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		log.Trace("decoder: gozxing.NewBinaryBitmapFromImage failed: %v", err)
		return Detection{}, false
	}
	for _, r := range readers {
		res, err := r.Decode(bmp, hints)
		r.Reset()
		if err != nil {
			continue
		}
		return Detection{
			Value:  res.GetText(),
			Format: fromZXing(res.GetBarcodeFormat()),
			At:     time.Now(),
		}, true
	}
	return Detection{}, false
}

// sleepCtx waits d or until ctx is done, reporting whether the full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
