package metrics

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderBuildsTree(t *testing.T) {
	rec := NewRecorder()
	err := rec.Record(ScanStart, MLogic, func() error {
		if err := rec.Record(CameraAcquire, MCamera, func() error {
			time.Sleep(2 * time.Millisecond)
			return nil
		}); err != nil {
			return err
		}
		return rec.Record(EngineStart, MDecode, func() error { return nil })
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	roots := rec.RootMeasurements()
	if len(roots) != 1 {
		t.Fatalf("expected 1 root, got %d", len(roots))
	}
	root := roots[0]
	if root.ConceptualName != ScanStart || len(root.Children) != 2 {
		t.Fatalf("unexpected root %s with %d children", root.ConceptualName, len(root.Children))
	}
	if root.Children[0].Depth != 1 {
		t.Errorf("child depth = %d, want 1", root.Children[0].Depth)
	}
	if root.Inclusive.WallClock < root.Children[0].Inclusive.WallClock {
		t.Errorf("parent wall clock %s shorter than child %s", root.Inclusive.WallClock, root.Children[0].Inclusive.WallClock)
	}
	if _, ok := rec.Get(CameraAcquire); !ok {
		t.Errorf("expected %s to be retrievable", CameraAcquire)
	}

	var buf bytes.Buffer
	rec.PrintTree(&buf, -1, -1)
	if !strings.Contains(buf.String(), "CameraAcquire (Camera)") {
		t.Errorf("tree output missing camera node:\n%s", buf.String())
	}
}

func TestRecorderUniqueNames(t *testing.T) {
	rec := NewRecorder()
	for i := 0; i < 3; i++ {
		if err := rec.Record(Resolve, MStore, func() error { return nil }); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	for _, name := range []string{"Resolve_1", "Resolve_2"} {
		if _, ok := rec.Get(name); !ok {
			t.Errorf("expected measurement %s", name)
		}
	}
}

func TestRecorderReturnsOperationError(t *testing.T) {
	rec := NewRecorder()
	want := errors.New("boom")
	if err := rec.Record(Teardown, MLogic, func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if len(rec.RootMeasurements()) != 1 {
		t.Errorf("failed operations are still measured")
	}
}

func TestAnalyzerSummaries(t *testing.T) {
	a := NewAnalyzer()
	for i := 0; i < 4; i++ {
		rec := NewRecorder()
		_ = rec.Record(ScanStart, MLogic, func() error {
			return rec.Record(CameraAcquire, MCamera, func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		})
		a.Add(rec)
	}
	if a.Len() != 4 {
		t.Fatalf("Len = %d, want 4", a.Len())
	}

	res := a.Analyze()
	comp, ok := res.Components[ScanStart]
	if !ok {
		t.Fatalf("missing %s component", ScanStart)
	}
	for _, key := range []string{"WallClock", "Logic", "Camera"} {
		s, ok := comp.Summaries[key]
		if !ok {
			t.Errorf("missing summary %s", key)
			continue
		}
		if s.WallClock.Count != 4 {
			t.Errorf("%s count = %d, want 4", key, s.WallClock.Count)
		}
	}
	if cam := comp.Summaries["Camera"].WallClock; cam.Min < time.Millisecond {
		t.Errorf("camera min %s below the sleep duration", cam.Min)
	}
}

func TestScanCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewScanCounters(reg)
	c.Attempts.Inc()
	c.Successes.WithLabelValues("zxing").Inc()

	if got := testutil.ToFloat64(c.Attempts); got != 1 {
		t.Errorf("attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Successes.WithLabelValues("zxing")); got != 1 {
		t.Errorf("successes = %v, want 1", got)
	}
	if n, err := testutil.GatherAndCount(reg, "shelfscan_scan_attempts_total"); err != nil || n != 1 {
		t.Errorf("GatherAndCount = %d, %v", n, err)
	}
}
