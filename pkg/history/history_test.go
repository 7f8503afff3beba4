package history

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shelfscan/pkg/config"
)

func TestHistoryCapsAndOrders(t *testing.T) {
	kv := NewCoreStore()
	h := New(kv, config.HistoryKey, config.HistoryCapacity)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		r := Record{
			Barcode:     fmt.Sprintf("88510193%05d", i),
			ProductName: fmt.Sprintf("Product %d", i),
			Action:      ActionFound,
			ScannedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := h.Add(r); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	got := h.Records()
	if len(got) != config.HistoryCapacity {
		t.Fatalf("len = %d, want %d", len(got), config.HistoryCapacity)
	}
	if got[0].Barcode != "8851019300011" {
		t.Errorf("most recent = %s, want 8851019300011", got[0].Barcode)
	}
	if got[len(got)-1].Barcode != "8851019300002" {
		t.Errorf("oldest kept = %s, want 8851019300002", got[len(got)-1].Barcode)
	}

	// A fresh history over the same store sees the same list.
	reloaded, err := New(kv, config.HistoryKey, config.HistoryCapacity).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded) != len(got) {
		t.Fatalf("reloaded %d records, want %d", len(reloaded), len(got))
	}
	for i := range got {
		if reloaded[i].Barcode != got[i].Barcode || !reloaded[i].ScannedAt.Equal(got[i].ScannedAt) {
			t.Errorf("record %d: got %+v, want %+v", i, reloaded[i], got[i])
		}
	}
}

func TestHistoryQuantityRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	h := New(kv, config.HistoryKey, 10)
	qty := 3
	if err := h.Add(Record{Barcode: "8851019301235", ProductName: "Jasmine Rice", Action: ActionStockIn, Quantity: &qty, ScannedAt: time.Now()}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Add(Record{Barcode: "SHELF-00042", ProductName: "Shelf", Action: ActionSkipped, ScannedAt: time.Now()}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, config.HistoryKey+".json")); err != nil {
		t.Fatalf("state file missing: %v", err)
	}

	got, err := New(kv, config.HistoryKey, 10).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Quantity != nil {
		t.Errorf("skipped record has quantity %d", *got[0].Quantity)
	}
	if got[1].Quantity == nil || *got[1].Quantity != 3 {
		t.Errorf("stock_in quantity lost: %+v", got[1])
	}
}

func TestHistoryLoadCases(t *testing.T) {
	cases := []struct {
		name  string
		value string
		set   bool
		want  int
	}{
		{"missing", "", false, 0},
		{"empty list", "[]", true, 0},
		{"corrupt", "{not json", true, 0},
		{"over capacity", `[{"barcode":"a"},{"barcode":"b"},{"barcode":"c"}]`, true, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kv := NewCoreStore()
			if tc.set {
				_ = kv.Set("k", []byte(tc.value))
			}
			got, err := New(kv, "k", 2).Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if len(got) != tc.want {
				t.Errorf("len = %d, want %d", len(got), tc.want)
			}
		})
	}
}

func TestHistoryClear(t *testing.T) {
	h := New(NewCoreStore(), "k", 10)
	_ = h.Add(Record{Barcode: "8851019301235"})
	if err := h.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n := len(h.Records()); n != 0 {
		t.Errorf("len = %d after clear", n)
	}
	got, _ := h.Load()
	if len(got) != 0 {
		t.Errorf("reloaded %d records after clear", len(got))
	}
}

func TestDiskStoreRejectsBadKeys(t *testing.T) {
	kv, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	for _, key := range []string{"", "../x", "a/b"} {
		if err := kv.Set(key, []byte("1")); err == nil {
			t.Errorf("Set(%q) succeeded", key)
		}
	}
}

func TestNewStoreSelection(t *testing.T) {
	cfg := config.Default()
	cfg.CameraType = config.CamCore
	kv, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := kv.(*CoreStore); !ok {
		t.Errorf("Core camera got %T", kv)
	}

	cfg.CameraType = config.CamDisk
	cfg.StatePath = t.TempDir()
	kv, err = NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, ok := kv.(*DiskStore); !ok {
		t.Errorf("Disk camera got %T", kv)
	}
}
