package store

import (
	"context"
	"errors"

	"sunminimart/backend/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrConflict reports that a batch row changed underneath a sale
	// transaction (version mismatch, lock timeout, deadlock, serialization).
	ErrConflict = errors.New("concurrent modification")
	ErrTxDone   = errors.New("transaction already finalized")
)

// Repository is the durable storage for products, batches and the ledger.
// All batch listings are ordered FIFO: ascending batch id.
type Repository interface {
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	AddBatch(ctx context.Context, batch domain.StockBatch) (*domain.StockBatch, error)
	GetProduct(ctx context.Context, barcode string) (*domain.Product, error)
	DeleteProduct(ctx context.Context, barcode string) error
	ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error)
	TxBeginner
	Ping(ctx context.Context) error
	Close() error
}

type TxBeginner interface {
	BeginSale(ctx context.Context) (SaleTx, error)
}

// SaleTx is one sale's exclusive transaction. Reads observe the writes made
// earlier in the same transaction. ListBatches returns only batches with
// remaining stock and, on SQL backends, holds row locks on them until the
// transaction ends.
type SaleTx interface {
	GetProduct(ctx context.Context, barcode string) (*domain.Product, error)
	ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error)
	UpdateBatchQuantity(ctx context.Context, batchID int64, expectedVersion int64, quantity int) error
	AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
