// Package history keeps the capped list of recent scans in local state.
package history

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shelfscan/pkg/config"
	"shelfscan/pkg/log"
)

// Action is what the scanner did with a resolved barcode.
type Action string

const (
	ActionFound    Action = "found"
	ActionCreated  Action = "created"
	ActionSkipped  Action = "skipped"
	ActionStockIn  Action = "stock_in"
	ActionStockOut Action = "stock_out"
)

// Record is one recent scan.
type Record struct {
	Barcode     string    `json:"barcode"`
	ProductName string    `json:"productName"`
	Action      Action    `json:"action"`
	Quantity    *int      `json:"quantity,omitempty"`
	ScannedAt   time.Time `json:"scannedAt"`
}

// History is a most-recent-first list of at most Capacity records, persisted
// as a whole under one key on every change.
type History struct {
	kv       KeyValue
	key      string
	capacity int

	mu      sync.Mutex
	records []Record
}

// New creates a history over kv. Call Load to read the persisted list.
func New(kv KeyValue, key string, capacity int) *History {
	return &History{kv: kv, key: key, capacity: capacity}
}

// NewFromConfig creates the recent-scan history configured in cfg.
func NewFromConfig(cfg *config.Config) (*History, error) {
	kv, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	h := New(kv, config.HistoryKey, config.HistoryCapacity)
	if _, err := h.Load(); err != nil {
		return nil, err
	}
	return h, nil
}

// Load reads the persisted list. A corrupt entry is logged and treated as empty.
func (h *History) Load() ([]Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, ok, err := h.kv.Get(h.key)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", h.key, err)
	}
	h.records = nil
	if ok {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			log.Warn("history: ignoring corrupt %s: %v", h.key, err)
		} else {
			h.records = h.trim(records)
		}
	}
	return h.copy(), nil
}

// Add puts r at the front and evicts the oldest records beyond capacity.
func (h *History) Add(r Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := make([]Record, 0, len(h.records)+1)
	next = append(next, r)
	next = h.trim(append(next, h.records...))

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", h.key, err)
	}
	if err := h.kv.Set(h.key, data); err != nil {
		return fmt.Errorf("could not save %s: %w", h.key, err)
	}
	h.records = next
	return nil
}

// Records returns a copy of the list, most recent first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copy()
}

// Clear removes every record.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.kv.Set(h.key, []byte("[]")); err != nil {
		return fmt.Errorf("could not clear %s: %w", h.key, err)
	}
	h.records = nil
	return nil
}

func (h *History) trim(records []Record) []Record {
	if h.capacity > 0 && len(records) > h.capacity {
		return records[:h.capacity]
	}
	return records
}

func (h *History) copy() []Record {
	return append([]Record(nil), h.records...)
}
