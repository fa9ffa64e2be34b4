package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/store"
)

// Store keeps everything in process memory. Sale transactions stage their
// writes and apply them at commit; batch versions are checked both when a
// write is staged and again, atomically, at commit.
type Store struct {
	mu           sync.RWMutex
	products     map[string]domain.Product
	batches      map[int64]domain.StockBatch
	ledger       []domain.LedgerEntry
	nextBatchID  int64
	nextLedgerID int64
}

func New() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		batches:  make(map[int64]domain.StockBatch),
	}
}

// NewSeeded returns a store with a few demo products for dev mode.
func NewSeeded() *Store {
	s := New()
	seed := []struct {
		barcode string
		name    string
		price   string
		cost    string
		qty     int
	}{
		{"8850999220017", "Mama Instant Noodles", "7.00", "5.10", 120},
		{"8851959132012", "Singha Drinking Water 600ml", "10.00", "6.50", 80},
		{"8850127061213", "Lactasoy Soy Milk 300ml", "12.00", "8.75", 48},
		{"8851123212021", "Lays Classic 50g", "20.00", "14.00", 36},
	}
	now := time.Now().UTC()
	for _, p := range seed {
		s.products[p.barcode] = domain.Product{Barcode: p.barcode, Name: p.name, Price: decimal.RequireFromString(p.price)}
		s.nextBatchID++
		s.batches[s.nextBatchID] = domain.StockBatch{
			ID:         s.nextBatchID,
			Barcode:    p.barcode,
			Cost:       decimal.RequireFromString(p.cost),
			Quantity:   p.qty,
			Version:    1,
			ReceivedAt: now,
		}
	}
	return s
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.Barcode]; exists {
		return nil, store.ErrDuplicate
	}
	s.products[product.Barcode] = product
	created := product
	return &created, nil
}

func (s *Store) AddBatch(_ context.Context, batch domain.StockBatch) (*domain.StockBatch, error) {
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[batch.Barcode]; !exists {
		return nil, store.ErrNotFound
	}
	s.nextBatchID++
	batch.ID = s.nextBatchID
	batch.Version = 1
	s.batches[batch.ID] = cloneBatch(batch)
	created := cloneBatch(batch)
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[barcode]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, barcode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.products, barcode)
	for id, batch := range s.batches {
		if batch.Barcode == barcode {
			delete(s.batches, id)
		}
	}
	return nil
}

func (s *Store) ListBatches(_ context.Context, barcode string) ([]domain.StockBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.batchesFor(barcode, false, nil), nil
}

// LedgerEntries returns a copy of the committed ledger, optionally filtered
// by barcode.
func (s *Store) LedgerEntries(barcode string) []domain.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0, len(s.ledger))
	for _, entry := range s.ledger {
		if barcode != "" && entry.Barcode != barcode {
			continue
		}
		result = append(result, entry)
	}
	return result
}

func (s *Store) BeginSale(ctx context.Context) (store.SaleTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &saleTx{store: s, staged: make(map[int64]stagedWrite)}, nil
}

// batchesFor must be called with s.mu held.
func (s *Store) batchesFor(barcode string, onlyAvailable bool, staged map[int64]stagedWrite) []domain.StockBatch {
	result := make([]domain.StockBatch, 0, 4)
	for _, batch := range s.batches {
		if batch.Barcode != barcode {
			continue
		}
		if write, ok := staged[batch.ID]; ok {
			batch.Quantity = write.quantity
			batch.Version = write.expectedVersion + 1
		}
		if onlyAvailable && batch.Quantity < 1 {
			continue
		}
		result = append(result, cloneBatch(batch))
	}
	slices.SortFunc(result, func(a, b domain.StockBatch) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

type stagedWrite struct {
	// committedVersion is the version the batch must still have at commit.
	committedVersion int64
	expectedVersion  int64
	quantity         int
}

type saleTx struct {
	store  *Store
	mu     sync.Mutex
	staged map[int64]stagedWrite
	ledger []domain.LedgerEntry
	done   bool
}

func (t *saleTx) GetProduct(ctx context.Context, barcode string) (*domain.Product, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return t.store.GetProduct(ctx, barcode)
}

func (t *saleTx) ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return t.store.batchesFor(barcode, true, t.staged), nil
}

func (t *saleTx) UpdateBatchQuantity(ctx context.Context, batchID int64, expectedVersion int64, quantity int) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if quantity < 0 {
		return domain.NewValidationError("quantity", "batch quantity cannot go negative")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.store.mu.RLock()
	committed, exists := t.store.batches[batchID]
	t.store.mu.RUnlock()
	if !exists {
		return store.ErrNotFound
	}

	if prior, ok := t.staged[batchID]; ok {
		if prior.expectedVersion+1 != expectedVersion {
			return store.ErrConflict
		}
		t.staged[batchID] = stagedWrite{committedVersion: prior.committedVersion, expectedVersion: expectedVersion, quantity: quantity}
		return nil
	}

	if committed.Version != expectedVersion {
		return store.ErrConflict
	}
	t.staged[batchID] = stagedWrite{committedVersion: committed.Version, expectedVersion: expectedVersion, quantity: quantity}
	return nil
}

func (t *saleTx) AppendLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) ([]domain.LedgerEntry, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.LedgerEntry, len(entries))
	copy(out, entries)

	// ids are reserved like a sequence: a rolled back sale leaves a gap.
	t.store.mu.Lock()
	for i := range out {
		t.store.nextLedgerID++
		out[i].ID = t.store.nextLedgerID
	}
	t.store.mu.Unlock()

	t.ledger = append(t.ledger, out...)
	return out, nil
}

func (t *saleTx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return store.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		t.done = true
		return err
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, write := range t.staged {
		batch, exists := s.batches[id]
		if !exists || batch.Version != write.committedVersion {
			return store.ErrConflict
		}
	}
	for id, write := range t.staged {
		batch := s.batches[id]
		batch.Quantity = write.quantity
		batch.Version = write.expectedVersion + 1
		s.batches[id] = batch
	}
	s.ledger = append(s.ledger, t.ledger...)
	return nil
}

func (t *saleTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.staged = nil
	t.ledger = nil
	return nil
}

func (t *saleTx) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	return nil
}

func cloneBatch(src domain.StockBatch) domain.StockBatch {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	dup.Barcode = strings.Clone(src.Barcode)
	return dup
}
