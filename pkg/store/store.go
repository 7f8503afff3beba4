// Package store holds the products, stock levels and stock transactions the
// scanner resolves barcodes against.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shelfscan/pkg/config"
)

var ErrNotFound = errors.New("not found")

// ErrStockChanged is returned by RecordMovement when the stock level is no
// longer the movement's PreviousStock.
var ErrStockChanged = errors.New("stock changed concurrently")

// TransactionType is the kind of stock movement.
type TransactionType string

const (
	StockIn    TransactionType = "stock_in"
	StockOut   TransactionType = "stock_out"
	Adjustment TransactionType = "adjustment"
)

// ParseTransactionType validates a transaction type name.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case StockIn, StockOut, Adjustment:
		return t, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// Apply returns the stock after a movement of quantity from prev.
// Adjustments set the stock to quantity.
func (t TransactionType) Apply(prev, quantity int) int {
	switch t {
	case StockIn:
		return prev + quantity
	case StockOut:
		return prev - quantity
	default:
		return quantity
	}
}

type Product struct {
	ID           string    `json:"id"`
	BusinessID   string    `json:"businessId"`
	Name         string    `json:"name"`
	Barcode      string    `json:"barcode"`
	Unit         string    `json:"unit"`
	CostPrice    float64   `json:"costPrice"`
	SellingPrice float64   `json:"sellingPrice"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Inventory struct {
	ID            string    `json:"id"`
	BusinessID    string    `json:"businessId"`
	ProductID     string    `json:"productId"`
	CurrentStock  int       `json:"currentStock"`
	MinStockLevel int       `json:"minStockLevel"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Transaction struct {
	ID            string          `json:"id"`
	BusinessID    string          `json:"businessId"`
	ProductID     string          `json:"productId"`
	UserID        string          `json:"userId"`
	Type          TransactionType `json:"type"`
	Quantity      int             `json:"quantity"`
	PreviousStock int             `json:"previousStock"`
	NewStock      int             `json:"newStock"`
	Reason        string          `json:"reason"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Store is the product data the result sink works with. Products are scoped by
// business; barcodes are unique within a business.
type Store interface {
	FindProductByBarcode(ctx context.Context, businessID, barcode string) (Product, error)
	// CreateProduct inserts p together with its inventory row at zero stock.
	CreateProduct(ctx context.Context, p Product, minStockLevel int) (Product, Inventory, error)
	GetInventory(ctx context.Context, businessID, productID string) (Inventory, error)
	UpdateStock(ctx context.Context, businessID, productID string, stock int) (Inventory, error)
	// RecordMovement inserts tx and sets the product's stock from
	// tx.PreviousStock to tx.NewStock as one unit. Nothing is written when
	// either step fails.
	RecordMovement(ctx context.Context, tx Transaction) (Transaction, Inventory, error)
	DeleteTransaction(ctx context.Context, businessID, id string) error
	// ListTransactions returns the newest transactions first. A limit <= 0
	// returns all of them.
	ListTransactions(ctx context.Context, businessID string, limit int) ([]Transaction, error)
	Close()
}

// New opens Postgres when cfg has a DSN and an in-memory store otherwise.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.StoreDSN == "" {
		return NewMemory(), nil
	}
	return NewPostgres(ctx, cfg.StoreDSN)
}
