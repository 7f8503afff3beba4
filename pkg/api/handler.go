// Package api exposes the scanner and its result handling over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"shelfscan/pkg/decoder"
	"shelfscan/pkg/history"
	"shelfscan/pkg/inventory"
	"shelfscan/pkg/log"
	"shelfscan/pkg/scanner"
	"shelfscan/pkg/store"
)

// Scanner is the part of the scan controller the API drives.
type Scanner interface {
	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error
	EnterManually(ctx context.Context, barcode string) (scanner.Outcome, error)
	State() scanner.State
	Engine() decoder.EngineID
	Stats() scanner.Stats
	Recent() []history.Record
}

// Ledger records and reverts stock movements.
type Ledger interface {
	RecordTransaction(ctx context.Context, productID string, typ store.TransactionType, quantity int, reason string) (store.Transaction, error)
	Undo(ctx context.Context) (store.Transaction, error)
	SetQuickMode(enabled bool, action store.TransactionType) error
	QuickMode() (bool, store.TransactionType)
}

type Handler struct {
	scanner  Scanner
	ledger   Ledger
	gatherer prometheus.Gatherer
}

// NewHandler creates the API handler. A nil gatherer serves the default
// Prometheus registry.
func NewHandler(s Scanner, l Ledger, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{scanner: s, ledger: l, gatherer: gatherer}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", h.Healthz).Methods("GET")

	router.HandleFunc("/scan/start", h.StartScan).Methods("POST")
	router.HandleFunc("/scan/stop", h.StopScan).Methods("POST")
	router.HandleFunc("/scan/manual", h.EnterManually).Methods("POST")
	router.HandleFunc("/scan/state", h.State).Methods("GET")
	router.HandleFunc("/scan/quick", h.QuickMode).Methods("GET", "PUT")
	router.HandleFunc("/scans/recent", h.Recent).Methods("GET")

	router.HandleFunc("/transactions", h.RecordTransaction).Methods("POST")
	router.HandleFunc("/transactions/undo", h.Undo).Methods("POST")

	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return router
}

type stateResponse struct {
	State  string           `json:"state"`
	Engine decoder.EngineID `json:"engine,omitempty"`
	Stats  statsResponse    `json:"stats"`
}

type statsResponse struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

type outcomeResponse struct {
	SessionID   string           `json:"sessionId"`
	State       string           `json:"state"`
	Barcode     string           `json:"barcode"`
	Engine      decoder.EngineID `json:"engine"`
	Format      decoder.Format   `json:"format,omitempty"`
	ProductID   string           `json:"productId,omitempty"`
	ProductName string           `json:"productName,omitempty"`
	Action      history.Action   `json:"action,omitempty"`
	Quantity    *int             `json:"quantity,omitempty"`
	Duplicate   bool             `json:"duplicate,omitempty"`
	DurationMS  int64            `json:"durationMs"`
}

type errorResponse struct {
	Error                string `json:"error"`
	ManualEntryAvailable bool   `json:"manualEntryAvailable,omitempty"`
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("healthy"))
}

func (h *Handler) StartScan(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.StartScan(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.State(w, r)
}

func (h *Handler) StopScan(w http.ResponseWriter, r *http.Request) {
	if err := h.scanner.StopScan(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.State(w, r)
}

type manualRequest struct {
	Barcode string `json:"barcode"`
}

func (h *Handler) EnterManually(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	out, err := h.scanner.EnterManually(r.Context(), req.Barcode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{
		SessionID:   out.SessionID,
		State:       out.State.String(),
		Barcode:     out.Result.Barcode,
		Engine:      out.Result.Engine,
		Format:      out.Result.Format,
		ProductID:   out.Resolution.ProductID,
		ProductName: out.Resolution.ProductName,
		Action:      out.Resolution.Action,
		Quantity:    out.Resolution.Quantity,
		Duplicate:   out.Duplicate,
		DurationMS:  out.Duration.Milliseconds(),
	})
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	st := h.scanner.Stats()
	writeJSON(w, http.StatusOK, stateResponse{
		State:  h.scanner.State().String(),
		Engine: h.scanner.Engine(),
		Stats:  statsResponse{Attempts: st.Attempts, Successes: st.Successes, Failures: st.Failures},
	})
}

func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	records := h.scanner.Recent()
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type quickRequest struct {
	Enabled bool                  `json:"enabled"`
	Action  store.TransactionType `json:"action"`
}

func (h *Handler) QuickMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		var req quickRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Action == "" {
			req.Action = store.StockIn
		}
		if err := h.ledger.SetQuickMode(req.Enabled, req.Action); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	enabled, action := h.ledger.QuickMode()
	writeJSON(w, http.StatusOK, quickRequest{Enabled: enabled, Action: action})
}

type transactionRequest struct {
	ProductID string `json:"productId"`
	Type      string `json:"type"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	typ, err := store.ParseTransactionType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProductID == "" {
		http.Error(w, "missing product id", http.StatusBadRequest)
		return
	}
	tx, err := h.ledger.RecordTransaction(r.Context(), req.ProductID, typ, req.Quantity, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	tx, err := h.ledger.Undo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("api: encoding response: %v", err)
	}
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	var failure *scanner.FailureError
	switch {
	case errors.As(err, &failure):
		status = http.StatusServiceUnavailable
		resp.ManualEntryAvailable = failure.ManualEntryAvailable
	case errors.Is(err, scanner.ErrEmptyBarcode),
		errors.Is(err, inventory.ErrInvalidQuantity):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, inventory.ErrNothingToUndo):
		status = http.StatusNotFound
	case errors.Is(err, inventory.ErrInsufficientStock),
		errors.Is(err, store.ErrStockChanged),
		errors.Is(err, scanner.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, inventory.ErrLookupFailed),
		errors.Is(err, inventory.ErrCreateFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	if status >= http.StatusInternalServerError {
		log.Error("api: %v", err)
	}
	writeJSON(w, status, resp)
}
