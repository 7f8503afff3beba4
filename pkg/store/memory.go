package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"shelfscan/pkg/concurrency"
	opctx "shelfscan/pkg/context"
	"shelfscan/pkg/log"
)

// Memory is an in-process store. Transactions form an append-only ledger:
// deleting one voids it instead of removing it.
type Memory struct {
	mu        sync.RWMutex
	products  map[string]*Product   // by ID
	barcodes  map[string]string     // business+barcode -> product ID
	inventory map[string]*Inventory // by product ID
	ledger    []*entry
	now       func() time.Time
}

type entry struct {
	tx     Transaction
	voided bool
}

func NewMemory() *Memory {
	return &Memory{
		products:  make(map[string]*Product),
		barcodes:  make(map[string]string),
		inventory: make(map[string]*Inventory),
		now:       time.Now,
	}
}

func barcodeKey(businessID, barcode string) string {
	return businessID + "\x00" + strings.TrimSpace(barcode)
}

func (m *Memory) FindProductByBarcode(_ context.Context, businessID, barcode string) (Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.barcodes[barcodeKey(businessID, barcode)]
	if !ok {
		return Product{}, fmt.Errorf("product with barcode %s: %w", barcode, ErrNotFound)
	}
	return *m.products[id], nil
}

func (m *Memory) CreateProduct(_ context.Context, p Product, minStockLevel int) (Product, Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := barcodeKey(p.BusinessID, p.Barcode)
	if _, ok := m.barcodes[key]; ok {
		return Product{}, Inventory{}, fmt.Errorf("product with barcode %s already exists", p.Barcode)
	}
	now := m.now()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	inv := Inventory{
		ID:            uuid.NewString(),
		BusinessID:    p.BusinessID,
		ProductID:     p.ID,
		MinStockLevel: minStockLevel,
		UpdatedAt:     now,
	}
	m.products[p.ID] = &p
	m.barcodes[key] = p.ID
	m.inventory[p.ID] = &inv
	return p, inv, nil
}

func (m *Memory) GetInventory(_ context.Context, businessID, productID string) (Inventory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.inventory[productID]
	if !ok || inv.BusinessID != businessID {
		return Inventory{}, fmt.Errorf("inventory for product %s: %w", productID, ErrNotFound)
	}
	return *inv, nil
}

func (m *Memory) UpdateStock(_ context.Context, businessID, productID string, stock int) (Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[productID]
	if !ok || inv.BusinessID != businessID {
		return Inventory{}, fmt.Errorf("inventory for product %s: %w", productID, ErrNotFound)
	}
	inv.CurrentStock = stock
	inv.UpdatedAt = m.now()
	return *inv, nil
}

func (m *Memory) RecordMovement(_ context.Context, tx Transaction) (Transaction, Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[tx.ProductID]
	if !ok || inv.BusinessID != tx.BusinessID {
		return Transaction{}, Inventory{}, fmt.Errorf("inventory for product %s: %w", tx.ProductID, ErrNotFound)
	}
	if inv.CurrentStock != tx.PreviousStock {
		return Transaction{}, Inventory{}, fmt.Errorf("product %s has %d, expected %d: %w", tx.ProductID, inv.CurrentStock, tx.PreviousStock, ErrStockChanged)
	}
	now := m.now()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	m.ledger = append(m.ledger, &entry{tx: tx})
	inv.CurrentStock = tx.NewStock
	inv.UpdatedAt = now
	return tx, *inv, nil
}

func (m *Memory) DeleteTransaction(_ context.Context, businessID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.ledger {
		if e.tx.ID == id && e.tx.BusinessID == businessID && !e.voided {
			e.voided = true
			return nil
		}
	}
	return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
}

func (m *Memory) ListTransactions(_ context.Context, businessID string, limit int) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for i := len(m.ledger) - 1; i >= 0; i-- {
		e := m.ledger[i]
		if e.voided || e.tx.BusinessID != businessID {
			continue
		}
		out = append(out, e.tx)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Close() {}

// Audit checks every live transaction in the ledger: the new stock must follow
// from the previous stock, and the product must exist.
func (m *Memory) Audit(ctx *opctx.OperationContext) error {
	m.mu.RLock()
	var live []Transaction
	for _, e := range m.ledger {
		if !e.voided {
			live = append(live, e.tx)
		}
	}
	products := make(map[string]struct{}, len(m.products))
	for id := range m.products {
		products[id] = struct{}{}
	}
	m.mu.RUnlock()

	log.Debug("store: auditing %d transactions", len(live))
	return concurrency.ForEach(ctx, live, func(_ int, tx Transaction) error {
		if _, ok := products[tx.ProductID]; !ok {
			return fmt.Errorf("transaction %s references unknown product %s", tx.ID, tx.ProductID)
		}
		if want := tx.Type.Apply(tx.PreviousStock, tx.Quantity); want != tx.NewStock {
			return fmt.Errorf("transaction %s: %s of %d from %d gives %d, recorded %d",
				tx.ID, tx.Type, tx.Quantity, tx.PreviousStock, want, tx.NewStock)
		}
		return nil
	})
}
