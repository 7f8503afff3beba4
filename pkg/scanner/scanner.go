// Package scanner runs scan sessions: it acquires the camera, starts the
// decoder cascade against it, hands the first accepted barcode to a result
// sink and tears everything down again.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shelfscan/pkg/camera"
	"shelfscan/pkg/decoder"
	"shelfscan/pkg/history"
)

// State is the controller's position in a scan session.
type State int

const (
	Idle State = iota
	Acquiring
	Detecting
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Detecting:
		return "detecting"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrEmptyBarcode = errors.New("barcode is empty")
	ErrCancelled    = errors.New("scan cancelled")
	ErrNoSession    = errors.New("no scan session")
)

// FailureError is reported through OnFatalError when a session fails.
type FailureError struct {
	Reason               error
	ManualEntryAvailable bool
}

func (e *FailureError) Error() string {
	if e.ManualEntryAvailable {
		return fmt.Sprintf("scan failed: %v (enter the barcode manually)", e.Reason)
	}
	return fmt.Sprintf("scan failed: %v", e.Reason)
}

func (e *FailureError) Unwrap() error { return e.Reason }

// ScanResult is a barcode accepted by a session.
type ScanResult struct {
	Barcode    string
	Engine     decoder.EngineID
	Format     decoder.Format
	Confidence float64
	DetectedAt time.Time
}

// Resolution is what the result sink did with a barcode.
type Resolution struct {
	ProductID   string
	ProductName string
	Action      history.Action
	Quantity    *int
}

// ResultSink turns a scanned barcode into a product action.
type ResultSink interface {
	Resolve(ctx context.Context, r ScanResult) (Resolution, error)
}

// Decoders is the detection side of a session. *decoder.Cascade implements it.
type Decoders interface {
	Start(ctx context.Context, sink camera.Sink, onDetect func(decoder.Detection), onFatal func(error)) (decoder.EngineID, error)
	Stop() error
}

// Stats counts terminal session outcomes over the process lifetime.
// Cancelled sessions and ignored duplicates are not counted.
type Stats struct {
	Attempts  int
	Successes int
	Failures  int
}

// Outcome is how a session ended.
type Outcome struct {
	SessionID  string
	State      State // Resolved, Failed, or Idle when cancelled
	Result     ScanResult
	Resolution Resolution
	Duplicate  bool
	Err        error
	Duration   time.Duration
}

// Hooks are called synchronously while the controller holds its operation
// lock, so they must not call back into the Controller's entry points.
type Hooks struct {
	OnDetect      func(ScanResult)
	OnFatalError  func(error)
	OnStateChange func(from, to State)
	OnError       func(error)
}
