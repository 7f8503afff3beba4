// Package inventory resolves scanned barcodes against the product store and
// records the stock movements that follow from a scan.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"shelfscan/pkg/config"
	"shelfscan/pkg/history"
	"shelfscan/pkg/label"
	"shelfscan/pkg/log"
	"shelfscan/pkg/scanner"
	"shelfscan/pkg/store"
)

var (
	ErrLookupFailed      = errors.New("product lookup failed")
	ErrCreateFailed      = errors.New("product creation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrNothingToUndo     = errors.New("no transaction to undo")
)

// Namer is asked for a product name when a scanned barcode is unknown.
// Returning ok=false declines to create the product.
type Namer interface {
	Name(ctx context.Context, barcode string) (name string, ok bool, err error)
}

// NamerFunc adapts a function to a Namer.
type NamerFunc func(ctx context.Context, barcode string) (string, bool, error)

func (f NamerFunc) Name(ctx context.Context, barcode string) (string, bool, error) {
	return f(ctx, barcode)
}

// Resolver is the scanner's result sink. It is safe for concurrent use:
// stock movements and undo go through it one at a time, and the store rejects
// a movement whose stock another process changed in between.
type Resolver struct {
	store    store.Store
	namer    Namer
	users    UserResolver
	business string
	external string
	labelDir string

	moveMu sync.Mutex // serializes read-modify-write of stock levels

	mu          sync.Mutex
	quick       bool
	quickAction store.TransactionType
	last        *store.Transaction
}

var _ scanner.ResultSink = (*Resolver)(nil)

// NewResolver creates a resolver for the business and operator in cfg.
// namer may be nil, in which case unknown barcodes are skipped.
func NewResolver(cfg *config.Config, st store.Store, namer Namer, users UserResolver) *Resolver {
	if users == nil {
		users = StaticUsers{}
	}
	r := &Resolver{
		store:       st,
		namer:       namer,
		users:       users,
		business:    cfg.BusinessID,
		external:    cfg.UserID,
		quick:       cfg.QuickMode,
		quickAction: store.StockIn,
	}
	if t, err := store.ParseTransactionType(cfg.QuickAction); err == nil && t != store.Adjustment {
		r.quickAction = t
	}
	if cfg.PrintLabels {
		r.labelDir = cfg.PicturePath
	}
	return r
}

// SetQuickMode switches quick mode. action must be stock_in or stock_out.
func (r *Resolver) SetQuickMode(enabled bool, action store.TransactionType) error {
	if action != store.StockIn && action != store.StockOut {
		return fmt.Errorf("quick mode does not support %q", action)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quick = enabled
	r.quickAction = action
	return nil
}

// QuickMode returns whether quick mode is on and its transaction type.
func (r *Resolver) QuickMode() (bool, store.TransactionType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quick, r.quickAction
}

// Resolve looks the barcode up and acts on it.
func (r *Resolver) Resolve(ctx context.Context, res scanner.ScanResult) (scanner.Resolution, error) {
	p, err := r.store.FindProductByBarcode(ctx, r.business, res.Barcode)
	switch {
	case err == nil:
		return r.found(ctx, p)
	case !errors.Is(err, store.ErrNotFound):
		return scanner.Resolution{}, fmt.Errorf("%w: %s: %w", ErrLookupFailed, res.Barcode, err)
	}

	if r.namer == nil {
		return scanner.Resolution{Action: history.ActionSkipped}, nil
	}
	name, ok, err := r.namer.Name(ctx, res.Barcode)
	if err != nil {
		return scanner.Resolution{}, fmt.Errorf("%w: naming %s: %w", ErrCreateFailed, res.Barcode, err)
	}
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		log.Debug("inventory: no product created for %s", res.Barcode)
		return scanner.Resolution{Action: history.ActionSkipped}, nil
	}

	p, _, err = r.store.CreateProduct(ctx, store.Product{
		BusinessID: r.business,
		Name:       name,
		Barcode:    res.Barcode,
		Unit:       "pcs",
		IsActive:   true,
	}, 0)
	if err != nil {
		return scanner.Resolution{}, fmt.Errorf("%w: %s: %w", ErrCreateFailed, res.Barcode, err)
	}
	log.Info("inventory: created product %s (%s)", p.Name, p.Barcode)

	if r.labelDir != "" {
		if path, err := label.WriteFile(r.labelDir, label.Label{Name: p.Name, Barcode: p.Barcode}); err != nil {
			log.Error("inventory: label for %s: %v", p.Barcode, err)
		} else {
			log.Debug("inventory: wrote label %s", path)
		}
	}
	return scanner.Resolution{ProductID: p.ID, ProductName: p.Name, Action: history.ActionCreated}, nil
}

func (r *Resolver) found(ctx context.Context, p store.Product) (scanner.Resolution, error) {
	quick, action := r.QuickMode()
	if !quick {
		return scanner.Resolution{ProductID: p.ID, ProductName: p.Name, Action: history.ActionFound}, nil
	}
	tx, err := r.record(ctx, p.ID, action, 1, "Quick "+string(action), "Quick scan "+string(action))
	if err != nil {
		return scanner.Resolution{}, err
	}
	q := tx.Quantity
	return scanner.Resolution{ProductID: p.ID, ProductName: p.Name, Action: history.Action(action), Quantity: &q}, nil
}

// RecordTransaction applies a stock movement to a product and logs it.
// An empty reason defaults to "<type> via scanner".
func (r *Resolver) RecordTransaction(ctx context.Context, productID string, typ store.TransactionType, quantity int, reason string) (store.Transaction, error) {
	if reason == "" {
		reason = string(typ) + " via scanner"
	}
	return r.record(ctx, productID, typ, quantity, reason, "")
}

func (r *Resolver) record(ctx context.Context, productID string, typ store.TransactionType, quantity int, reason, notes string) (store.Transaction, error) {
	if _, err := store.ParseTransactionType(string(typ)); err != nil {
		return store.Transaction{}, err
	}
	if quantity < 0 || (quantity == 0 && typ != store.Adjustment) {
		return store.Transaction{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	user, err := r.users.UserID(ctx, r.external)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("resolve user %s: %w", r.external, err)
	}

	r.moveMu.Lock()
	defer r.moveMu.Unlock()

	inv, err := r.store.GetInventory(ctx, r.business, productID)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("read stock of %s: %w", productID, err)
	}
	next := typ.Apply(inv.CurrentStock, quantity)
	if next < 0 {
		return store.Transaction{}, fmt.Errorf("%w: %d in stock, %d requested", ErrInsufficientStock, inv.CurrentStock, quantity)
	}

	tx, _, err := r.store.RecordMovement(ctx, store.Transaction{
		BusinessID:    r.business,
		ProductID:     productID,
		UserID:        user,
		Type:          typ,
		Quantity:      quantity,
		PreviousStock: inv.CurrentStock,
		NewStock:      next,
		Reason:        reason,
		Notes:         notes,
	})
	if err != nil {
		return store.Transaction{}, fmt.Errorf("record %s of %s: %w", typ, productID, err)
	}
	log.Debug("inventory: %s %d of %s, stock %d -> %d", typ, quantity, productID, inv.CurrentStock, next)

	r.mu.Lock()
	r.last = &tx
	r.mu.Unlock()
	return tx, nil
}

// Undo removes the last transaction recorded by this resolver and reverts its
// effect on the stock level, never going below zero.
func (r *Resolver) Undo(ctx context.Context) (store.Transaction, error) {
	r.moveMu.Lock()
	defer r.moveMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return store.Transaction{}, ErrNothingToUndo
	}
	tx := *r.last

	inv, err := r.store.GetInventory(ctx, r.business, tx.ProductID)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("read stock of %s: %w", tx.ProductID, err)
	}
	if err := r.store.DeleteTransaction(ctx, r.business, tx.ID); err != nil {
		return store.Transaction{}, fmt.Errorf("delete transaction %s: %w", tx.ID, err)
	}

	var restored int
	switch tx.Type {
	case store.StockIn:
		restored = inv.CurrentStock - tx.Quantity
	case store.StockOut:
		restored = inv.CurrentStock + tx.Quantity
	default:
		restored = tx.PreviousStock
	}
	restored = max(restored, 0)
	if _, err := r.store.UpdateStock(ctx, r.business, tx.ProductID, restored); err != nil {
		return store.Transaction{}, fmt.Errorf("update stock of %s: %w", tx.ProductID, err)
	}
	log.Info("inventory: undid %s %d of %s, stock %d -> %d", tx.Type, tx.Quantity, tx.ProductID, inv.CurrentStock, restored)

	r.last = nil
	return tx, nil
}
