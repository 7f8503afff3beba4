package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"shelfscan/pkg/camera"
	"shelfscan/pkg/config"
	"shelfscan/pkg/decoder"
	"shelfscan/pkg/history"
	"shelfscan/pkg/inventory"
	"shelfscan/pkg/metrics"
	"shelfscan/pkg/scanner"
	"shelfscan/pkg/store"
)

type fakeScanner struct {
	state    scanner.State
	startErr error
	outcome  scanner.Outcome
	manErr   error
	recent   []history.Record
	stops    int
}

func (f *fakeScanner) StartScan(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.state = scanner.Detecting
	return nil
}

func (f *fakeScanner) StopScan(context.Context) error {
	f.stops++
	f.state = scanner.Idle
	return nil
}

func (f *fakeScanner) EnterManually(_ context.Context, barcode string) (scanner.Outcome, error) {
	if strings.TrimSpace(barcode) == "" {
		return scanner.Outcome{}, scanner.ErrEmptyBarcode
	}
	return f.outcome, f.manErr
}

func (f *fakeScanner) State() scanner.State { return f.state }
func (f *fakeScanner) Engine() decoder.EngineID { return decoder.ZXing }
func (f *fakeScanner) Stats() scanner.Stats { return scanner.Stats{Attempts: 3, Successes: 2, Failures: 1} }
func (f *fakeScanner) Recent() []history.Record { return f.recent }

func newServer(t *testing.T, s Scanner) (*httptest.Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	cfg := config.Default()
	cfg.BusinessID = "shop"
	res := inventory.NewResolver(cfg, st, nil, nil)
	srv := httptest.NewServer(NewHandler(s, res, prometheus.NewRegistry()).SetupRoutes())
	t.Cleanup(srv.Close)
	return srv, st
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestScanRoutes(t *testing.T) {
	fs := &fakeScanner{}
	srv, _ := newServer(t, fs)

	code, body := do(t, "POST", srv.URL+"/scan/start", "")
	if code != http.StatusOK {
		t.Fatalf("start = %d %s", code, body)
	}
	var st stateResponse
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("decoding state: %v", err)
	}
	if st.State != "detecting" || st.Engine != decoder.ZXing || st.Stats.Attempts != 3 {
		t.Errorf("unexpected state %+v", st)
	}

	if code, _ := do(t, "POST", srv.URL+"/scan/stop", ""); code != http.StatusOK || fs.stops != 1 {
		t.Errorf("stop = %d, stops %d", code, fs.stops)
	}
	if code, body := do(t, "GET", srv.URL+"/scan/state", ""); code != http.StatusOK || !strings.Contains(body, `"state":"idle"`) {
		t.Errorf("state = %d %s", code, body)
	}
	if code, _ := do(t, "GET", srv.URL+"/scan/start", ""); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /scan/start = %d", code)
	}
}

func TestStartFailureOffersManualEntry(t *testing.T) {
	fs := &fakeScanner{startErr: &scanner.FailureError{
		Reason:               fmt.Errorf("%w: core: permission denied", camera.ErrCameraUnavailable),
		ManualEntryAvailable: true,
	}}
	srv, _ := newServer(t, fs)

	code, body := do(t, "POST", srv.URL+"/scan/start", "")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("start = %d, want 503", code)
	}
	var resp errorResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decoding error: %v", err)
	}
	if !resp.ManualEntryAvailable || resp.Error == "" {
		t.Errorf("unexpected error response %+v", resp)
	}
}

func TestManualEntry(t *testing.T) {
	qty := 1
	fs := &fakeScanner{outcome: scanner.Outcome{
		SessionID:  "s1",
		State:      scanner.Resolved,
		Result:     scanner.ScanResult{Barcode: "SHELF-00042", Engine: decoder.Manual},
		Resolution: scanner.Resolution{ProductID: "p1", ProductName: "Palm Sugar", Action: history.ActionStockIn, Quantity: &qty},
		Duration:   1500 * time.Millisecond,
	}}
	srv, _ := newServer(t, fs)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"resolved", `{"barcode":"SHELF-00042"}`, http.StatusOK},
		{"blank", `{"barcode":"  "}`, http.StatusBadRequest},
		{"malformed", `{"barcode":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := do(t, "POST", srv.URL+"/scan/manual", tc.body)
			if code != tc.code {
				t.Fatalf("status = %d, want %d (%s)", code, tc.code, body)
			}
			if code != http.StatusOK {
				return
			}
			var out outcomeResponse
			if err := json.Unmarshal([]byte(body), &out); err != nil {
				t.Fatalf("decoding outcome: %v", err)
			}
			if out.ProductName != "Palm Sugar" || out.Action != history.ActionStockIn || out.Quantity == nil || *out.Quantity != 1 || out.DurationMS != 1500 {
				t.Errorf("unexpected outcome %+v", out)
			}
		})
	}

	fs.manErr = fmt.Errorf("%w: db down", inventory.ErrLookupFailed)
	if code, _ := do(t, "POST", srv.URL+"/scan/manual", `{"barcode":"SHELF-00042"}`); code != http.StatusBadGateway {
		t.Errorf("lookup failure = %d, want 502", code)
	}
}

func TestRecentScans(t *testing.T) {
	fs := &fakeScanner{}
	srv, _ := newServer(t, fs)
	if code, body := do(t, "GET", srv.URL+"/scans/recent", ""); code != http.StatusOK || strings.TrimSpace(body) != "[]" {
		t.Errorf("empty history = %d %s", code, body)
	}

	fs.recent = []history.Record{{Barcode: "8851019301235", ProductName: "Jasmine Rice 5kg", Action: history.ActionFound}}
	_, body := do(t, "GET", srv.URL+"/scans/recent", "")
	var got []history.Record
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(got) != 1 || got[0].Barcode != "8851019301235" {
		t.Errorf("history = %+v", got)
	}
}

func TestTransactionRoutes(t *testing.T) {
	srv, st := newServer(t, &fakeScanner{})
	p, _, err := st.CreateProduct(context.Background(), store.Product{BusinessID: "shop", Name: "Fish Sauce", Barcode: "8851019301235"}, 0)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	cases := []struct {
		name string
		body string
		code int
	}{
		{"stock in", fmt.Sprintf(`{"productId":%q,"type":"stock_in","quantity":4}`, p.ID), http.StatusCreated},
		{"stock out", fmt.Sprintf(`{"productId":%q,"type":"stock_out","quantity":1}`, p.ID), http.StatusCreated},
		{"insufficient", fmt.Sprintf(`{"productId":%q,"type":"stock_out","quantity":10}`, p.ID), http.StatusConflict},
		{"bad type", fmt.Sprintf(`{"productId":%q,"type":"refund","quantity":1}`, p.ID), http.StatusBadRequest},
		{"zero", fmt.Sprintf(`{"productId":%q,"type":"stock_in","quantity":0}`, p.ID), http.StatusBadRequest},
		{"unknown product", `{"productId":"nope","type":"stock_in","quantity":1}`, http.StatusNotFound},
		{"missing product", `{"type":"stock_in","quantity":1}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if code, body := do(t, "POST", srv.URL+"/transactions", tc.body); code != tc.code {
			t.Errorf("%s: status = %d, want %d (%s)", tc.name, code, tc.code, body)
		}
	}

	if code, _ := do(t, "POST", srv.URL+"/transactions/undo", ""); code != http.StatusOK {
		t.Errorf("undo = %d", code)
	}
	if code, _ := do(t, "POST", srv.URL+"/transactions/undo", ""); code != http.StatusNotFound {
		t.Errorf("second undo = %d, want 404", code)
	}
	inv, _ := st.GetInventory(context.Background(), "shop", p.ID)
	if inv.CurrentStock != 4 {
		t.Errorf("stock after undo = %d, want 4", inv.CurrentStock)
	}
}

func TestQuickModeRoute(t *testing.T) {
	srv, _ := newServer(t, &fakeScanner{})
	if code, body := do(t, "PUT", srv.URL+"/scan/quick", `{"enabled":true,"action":"stock_out"}`); code != http.StatusOK || !strings.Contains(body, `"stock_out"`) {
		t.Errorf("enable = %d %s", code, body)
	}
	if code, _ := do(t, "PUT", srv.URL+"/scan/quick", `{"enabled":true,"action":"adjustment"}`); code != http.StatusBadRequest {
		t.Errorf("adjustment = %d, want 400", code)
	}
	if _, body := do(t, "GET", srv.URL+"/scan/quick", ""); !strings.Contains(body, `"enabled":true`) {
		t.Errorf("quick mode = %s", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	counters := metrics.NewScanCounters(reg)
	counters.Attempts.Inc()
	counters.Failures.WithLabelValues("camera").Inc()

	srv := httptest.NewServer(NewHandler(&fakeScanner{}, nil, reg).SetupRoutes())
	defer srv.Close()

	code, body := do(t, "GET", srv.URL+"/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	for _, want := range []string{"shelfscan_scan_attempts_total 1", `shelfscan_scan_failures_total{reason="camera"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

func TestWriteErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{scanner.ErrCancelled, http.StatusConflict},
		{fmt.Errorf("record stock_in of p1: %w", store.ErrStockChanged), http.StatusConflict},
		{inventory.ErrNothingToUndo, http.StatusNotFound},
		{fmt.Errorf("%w: x", inventory.ErrCreateFailed), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		if rec.Code != tc.code {
			t.Errorf("%v: status = %d, want %d", tc.err, rec.Code, tc.code)
		}
	}
}
