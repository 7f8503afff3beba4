package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres persists products, inventory and transactions in Postgres.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS products (
  id TEXT PRIMARY KEY,
  business_id TEXT NOT NULL,
  name TEXT NOT NULL,
  barcode TEXT NOT NULL,
  unit TEXT NOT NULL DEFAULT 'pcs',
  cost_price DOUBLE PRECISION NOT NULL DEFAULT 0,
  selling_price DOUBLE PRECISION NOT NULL DEFAULT 0,
  is_active BOOLEAN NOT NULL DEFAULT true,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (business_id, barcode)
);
CREATE TABLE IF NOT EXISTS inventory (
  id TEXT PRIMARY KEY,
  business_id TEXT NOT NULL,
  product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
  current_stock INTEGER NOT NULL DEFAULT 0,
  min_stock_level INTEGER NOT NULL DEFAULT 0,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (business_id, product_id)
);
CREATE TABLE IF NOT EXISTS transactions (
  id TEXT PRIMARY KEY,
  business_id TEXT NOT NULL,
  product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
  user_id TEXT NOT NULL,
  type TEXT NOT NULL CHECK (type IN ('stock_in', 'stock_out', 'adjustment')),
  quantity INTEGER NOT NULL,
  previous_stock INTEGER NOT NULL,
  new_stock INTEGER NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transactions_business_created_idx ON transactions (business_id, created_at DESC);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Postgres) FindProductByBarcode(ctx context.Context, businessID, barcode string) (Product, error) {
	var p Product
	err := s.pool.QueryRow(ctx,
		`SELECT id, business_id, name, barcode, unit, cost_price, selling_price, is_active, created_at
		 FROM products WHERE business_id=$1 AND barcode=$2`,
		businessID, barcode,
	).Scan(&p.ID, &p.BusinessID, &p.Name, &p.Barcode, &p.Unit, &p.CostPrice, &p.SellingPrice, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return Product{}, notFound(err, "product with barcode "+barcode)
	}
	return p, nil
}

func (s *Postgres) CreateProduct(ctx context.Context, p Product, minStockLevel int) (Product, Inventory, error) {
	now := time.Now().UTC()
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Product{}, Inventory{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO products (id, business_id, name, barcode, unit, cost_price, selling_price, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.BusinessID, p.Name, p.Barcode, p.Unit, p.CostPrice, p.SellingPrice, p.IsActive, p.CreatedAt,
	); err != nil {
		return Product{}, Inventory{}, fmt.Errorf("insert product: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO inventory (id, business_id, product_id, current_stock, min_stock_level, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)`,
		inv.ID, inv.BusinessID, inv.ProductID, inv.MinStockLevel, inv.UpdatedAt,
	); err != nil {
		return Product{}, Inventory{}, fmt.Errorf("insert inventory: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Product{}, Inventory{}, fmt.Errorf("commit: %w", err)
	}
	return p, inv, nil
}

func (s *Postgres) GetInventory(ctx context.Context, businessID, productID string) (Inventory, error) {
	var inv Inventory
	err := s.pool.QueryRow(ctx,
		`SELECT id, business_id, product_id, current_stock, min_stock_level, updated_at
		 FROM inventory WHERE business_id=$1 AND product_id=$2`,
		businessID, productID,
	).Scan(&inv.ID, &inv.BusinessID, &inv.ProductID, &inv.CurrentStock, &inv.MinStockLevel, &inv.UpdatedAt)
	if err != nil {
		return Inventory{}, notFound(err, "inventory for product "+productID)
	}
	return inv, nil
}

func (s *Postgres) UpdateStock(ctx context.Context, businessID, productID string, stock int) (Inventory, error) {
	var inv Inventory
	err := s.pool.QueryRow(ctx,
		`UPDATE inventory SET current_stock=$3, updated_at=now()
		 WHERE business_id=$1 AND product_id=$2
		 RETURNING id, business_id, product_id, current_stock, min_stock_level, updated_at`,
		businessID, productID, stock,
	).Scan(&inv.ID, &inv.BusinessID, &inv.ProductID, &inv.CurrentStock, &inv.MinStockLevel, &inv.UpdatedAt)
	if err != nil {
		return Inventory{}, notFound(err, "inventory for product "+productID)
	}
	return inv, nil
}

func (s *Postgres) RecordMovement(ctx context.Context, t Transaction) (Transaction, Inventory, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, Inventory{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var inv Inventory
	err = tx.QueryRow(ctx,
		`UPDATE inventory SET current_stock=$4, updated_at=now()
		 WHERE business_id=$1 AND product_id=$2 AND current_stock=$3
		 RETURNING id, business_id, product_id, current_stock, min_stock_level, updated_at`,
		t.BusinessID, t.ProductID, t.PreviousStock, t.NewStock,
	).Scan(&inv.ID, &inv.BusinessID, &inv.ProductID, &inv.CurrentStock, &inv.MinStockLevel, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the product is gone or another writer moved the stock.
		if _, gerr := s.GetInventory(ctx, t.BusinessID, t.ProductID); gerr != nil {
			return Transaction{}, Inventory{}, gerr
		}
		return Transaction{}, Inventory{}, fmt.Errorf("product %s: %w", t.ProductID, ErrStockChanged)
	}
	if err != nil {
		return Transaction{}, Inventory{}, fmt.Errorf("update stock: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO transactions (id, business_id, product_id, user_id, type, quantity, previous_stock, new_stock, reason, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.BusinessID, t.ProductID, t.UserID, string(t.Type), t.Quantity, t.PreviousStock, t.NewStock, t.Reason, t.Notes, t.CreatedAt,
	); err != nil {
		return Transaction{}, Inventory{}, fmt.Errorf("insert transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, Inventory{}, fmt.Errorf("commit: %w", err)
	}
	return t, inv, nil
}

func (s *Postgres) DeleteTransaction(ctx context.Context, businessID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE business_id=$1 AND id=$2`, businessID, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListTransactions(ctx context.Context, businessID string, limit int) ([]Transaction, error) {
	// LIMIT NULL returns every row.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, business_id, product_id, user_id, type, quantity, previous_stock, new_stock, reason, notes, created_at
		 FROM transactions WHERE business_id=$1 ORDER BY created_at DESC LIMIT $2`,
		businessID, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var typ string
		if err := rows.Scan(&t.ID, &t.BusinessID, &t.ProductID, &t.UserID, &typ, &t.Quantity, &t.PreviousStock, &t.NewStock, &t.Reason, &t.Notes, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = TransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) Close() {
	s.pool.Close()
}
