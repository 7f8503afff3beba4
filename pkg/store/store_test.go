package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"shelfscan/pkg/config"
	opctx "shelfscan/pkg/context"
)

// exercise runs the behaviour every Store must share.
func exercise(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.FindProductByBarcode(ctx, "shop", "8851019301235"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup of missing product = %v, want ErrNotFound", err)
	}

	p, inv, err := s.CreateProduct(ctx, Product{BusinessID: "shop", Name: "Jasmine Rice 5kg", Barcode: "8851019301235", Unit: "bag", IsActive: true}, 2)
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	if p.ID == "" || inv.ProductID != p.ID || inv.CurrentStock != 0 || inv.MinStockLevel != 2 {
		t.Fatalf("unexpected product %+v / inventory %+v", p, inv)
	}

	got, err := s.FindProductByBarcode(ctx, "shop", "8851019301235")
	if err != nil || got.ID != p.ID || got.Name != "Jasmine Rice 5kg" {
		t.Fatalf("FindProductByBarcode = %+v, %v", got, err)
	}
	if _, err := s.FindProductByBarcode(ctx, "other-shop", "8851019301235"); !errors.Is(err, ErrNotFound) {
		t.Errorf("product leaked across businesses: %v", err)
	}

	first, inv, err := s.RecordMovement(ctx, Transaction{BusinessID: "shop", ProductID: p.ID, UserID: "u1", Type: StockIn, Quantity: 5, PreviousStock: 0, NewStock: 5})
	if err != nil || first.ID == "" || inv.CurrentStock != 5 {
		t.Fatalf("RecordMovement = %+v, %+v, %v", first, inv, err)
	}
	second, _, err := s.RecordMovement(ctx, Transaction{BusinessID: "shop", ProductID: p.ID, UserID: "u1", Type: StockOut, Quantity: 1, PreviousStock: 5, NewStock: 4})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	inv, err = s.GetInventory(ctx, "shop", p.ID)
	if err != nil || inv.CurrentStock != 4 {
		t.Fatalf("GetInventory = %+v, %v", inv, err)
	}

	txs, err := s.ListTransactions(ctx, "shop", 1)
	if err != nil || len(txs) != 1 || txs[0].ID != second.ID {
		t.Fatalf("ListTransactions(1) = %+v, %v", txs, err)
	}

	if err := s.DeleteTransaction(ctx, "shop", second.ID); err != nil {
		t.Fatalf("DeleteTransaction: %v", err)
	}
	if err := s.DeleteTransaction(ctx, "shop", second.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
	txs, _ = s.ListTransactions(ctx, "shop", 0)
	if len(txs) != 1 || txs[0].ID != first.ID {
		t.Errorf("after delete = %+v", txs)
	}
	if _, err := s.UpdateStock(ctx, "shop", p.ID, 5); err != nil {
		t.Fatalf("UpdateStock: %v", err)
	}

	moved, inv, err := s.RecordMovement(ctx, Transaction{BusinessID: "shop", ProductID: p.ID, UserID: "u1", Type: StockOut, Quantity: 2, PreviousStock: 5, NewStock: 3})
	if err != nil {
		t.Fatalf("RecordMovement: %v", err)
	}
	if moved.ID == "" || inv.CurrentStock != 3 {
		t.Errorf("RecordMovement = %+v, %+v", moved, inv)
	}

	cases := []struct {
		name string
		tx   Transaction
		want error
	}{
		{"stale stock", Transaction{BusinessID: "shop", ProductID: p.ID, Type: StockIn, Quantity: 1, PreviousStock: 5, NewStock: 6}, ErrStockChanged},
		{"unknown product", Transaction{BusinessID: "shop", ProductID: "missing", Type: StockIn, Quantity: 1, NewStock: 1}, ErrNotFound},
	}
	for _, tc := range cases {
		if _, _, err := s.RecordMovement(ctx, tc.tx); !errors.Is(err, tc.want) {
			t.Errorf("%s: RecordMovement = %v, want %v", tc.name, err, tc.want)
		}
	}
	inv, _ = s.GetInventory(ctx, "shop", p.ID)
	txs, _ = s.ListTransactions(ctx, "shop", 0)
	if inv.CurrentStock != 3 || len(txs) != 2 || txs[0].ID != moved.ID {
		t.Errorf("rejected movements left stock %d and %d transactions", inv.CurrentStock, len(txs))
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SHELFSCAN_TEST_DSN")
	if dsn == "" {
		t.Skip("SHELFSCAN_TEST_DSN not set")
	}
	s, err := NewPostgres(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer s.Close()
	_, _ = s.pool.Exec(context.Background(), "TRUNCATE transactions, inventory, products")
	exercise(t, s)
}

func TestMemoryRejectsDuplicateBarcode(t *testing.T) {
	m := NewMemory()
	p := Product{BusinessID: "shop", Name: "A", Barcode: "SHELF-00042"}
	if _, _, err := m.CreateProduct(context.Background(), p, 0); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	if _, _, err := m.CreateProduct(context.Background(), p, 0); err == nil {
		t.Errorf("duplicate barcode accepted")
	}
}

func TestMemoryAudit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p, _, _ := m.CreateProduct(ctx, Product{BusinessID: "shop", Name: "A", Barcode: "SHELF-00042"}, 0)
	op := opctx.NewContext(&config.Config{Cores: 2}, nil)

	for _, tx := range []Transaction{
		{BusinessID: "shop", ProductID: p.ID, Type: StockIn, Quantity: 3, PreviousStock: 0, NewStock: 3},
		{BusinessID: "shop", ProductID: p.ID, Type: StockOut, Quantity: 1, PreviousStock: 3, NewStock: 2},
		{BusinessID: "shop", ProductID: p.ID, Type: Adjustment, Quantity: 10, PreviousStock: 2, NewStock: 10},
	} {
		if _, _, err := m.RecordMovement(ctx, tx); err != nil {
			t.Fatalf("RecordMovement: %v", err)
		}
	}
	if err := m.Audit(op); err != nil {
		t.Fatalf("Audit of a consistent ledger: %v", err)
	}

	bad, _, _ := m.RecordMovement(ctx, Transaction{BusinessID: "shop", ProductID: p.ID, Type: StockIn, Quantity: 1, PreviousStock: 10, NewStock: 12})
	if err := m.Audit(op); err == nil {
		t.Errorf("Audit accepted an inconsistent transaction")
	}
	// Voided entries are not audited.
	_ = m.DeleteTransaction(ctx, "shop", bad.ID)
	if err := m.Audit(op); err != nil {
		t.Errorf("Audit after void: %v", err)
	}
}

func TestTransactionTypes(t *testing.T) {
	cases := []struct {
		in        string
		prev, qty int
		want      int
		wantErr   bool
	}{
		{"stock_in", 2, 3, 5, false},
		{"stock_out", 5, 2, 3, false},
		{"adjustment", 5, 9, 9, false},
		{"refund", 0, 0, 0, true},
	}
	for _, tc := range cases {
		typ, err := ParseTransactionType(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseTransactionType(%q) err = %v", tc.in, err)
			continue
		}
		if err == nil {
			if got := typ.Apply(tc.prev, tc.qty); got != tc.want {
				t.Errorf("%s.Apply(%d, %d) = %d, want %d", typ, tc.prev, tc.qty, got, tc.want)
			}
		}
	}
}
