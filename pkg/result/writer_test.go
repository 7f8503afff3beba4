package result

import (
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"

	"shelfscan/pkg/config"
	"shelfscan/pkg/metrics"
)

func TestWriteAllResults(t *testing.T) {
	a := metrics.NewAnalyzer()
	for i := 0; i < 3; i++ {
		rec := metrics.NewRecorder()
		_ = rec.Record(metrics.ScanStart, metrics.MLogic, func() error {
			return rec.Record(metrics.CameraAcquire, metrics.MCamera, func() error {
				time.Sleep(time.Millisecond)
				return nil
			})
		})
		a.Add(rec)
	}

	w := NewWriter(t.TempDir(), config.SystemLinux, "Core")
	w.now = func() time.Time { return time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC) }

	rawPath, statsPath, err := w.WriteAllResults(a.Analyze())
	if err != nil {
		t.Fatalf("WriteAllResults: %v", err)
	}
	if !strings.HasSuffix(rawPath, "RAW_SLinux_CCore_N3_T2025-01-02-15-04-05.csv") {
		t.Errorf("unexpected raw path %s", rawPath)
	}

	raw := readCSV(t, rawPath)
	// header + 3 sessions x 2 measurements
	if len(raw) != 7 {
		t.Errorf("raw rows = %d, want 7", len(raw))
	}
	if raw[2][1] != metrics.CameraAcquire || raw[2][2] != "Camera" {
		t.Errorf("unexpected raw row %v", raw[2])
	}

	stats := readCSV(t, statsPath)
	var found bool
	for _, row := range stats[1:] {
		if row[0] == metrics.ScanStart && row[1] == "WallClock" && row[2] == "WallClock" {
			found = true
			if row[3] != "3" {
				t.Errorf("count = %s, want 3", row[3])
			}
		}
	}
	if !found {
		t.Errorf("missing ScanStart wall clock row in %v", stats)
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}
