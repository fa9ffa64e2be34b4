package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/store"
)

func seedProduct(t *testing.T, s *Store, barcode string, quantities ...int) []domain.StockBatch {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateProduct(ctx, domain.Product{Barcode: barcode, Name: "Item " + barcode, Price: decimal.RequireFromString("10.70")})
	require.NoError(t, err)

	out := make([]domain.StockBatch, 0, len(quantities))
	for _, qty := range quantities {
		batch, err := s.AddBatch(ctx, domain.StockBatch{Barcode: barcode, Cost: decimal.RequireFromString("5"), Quantity: qty})
		require.NoError(t, err)
		out = append(out, *batch)
	}
	return out
}

func TestCreateProductRejectsDuplicate(t *testing.T) {
	s := New()
	seedProduct(t, s, "A1")

	_, err := s.CreateProduct(context.Background(), domain.Product{Barcode: "A1", Name: "again"})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestAddBatchRequiresProduct(t *testing.T) {
	_, err := New().AddBatch(context.Background(), domain.StockBatch{Barcode: "missing", Quantity: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListBatchesIsFIFOAndReadOnly(t *testing.T) {
	s := New()
	created := seedProduct(t, s, "A1", 3, 0, 5)
	ctx := context.Background()

	first, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i := 1; i < len(first); i++ {
		assert.Less(t, first[i-1].ID, first[i].ID)
	}
	assert.Equal(t, created[0].ID, first[0].ID)

	first[0].Quantity = 999
	second, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 3, second[0].Quantity)

	_, err = s.GetProduct(ctx, "A1")
	require.NoError(t, err)
	third, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestSaleTxCommitAppliesWritesAndLedger(t *testing.T) {
	s := New()
	batches := seedProduct(t, s, "A1", 4, 6)
	ctx := context.Background()

	tx, err := s.BeginSale(ctx)
	require.NoError(t, err)

	visible, err := tx.ListBatches(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, visible, 2)

	require.NoError(t, tx.UpdateBatchQuantity(ctx, batches[0].ID, batches[0].Version, 0))
	_, err = tx.AppendLedgerEntries(ctx, []domain.LedgerEntry{{SaleID: "s1", BatchID: batches[0].ID, Barcode: "A1", Quantity: 4}})
	require.NoError(t, err)

	afterWrite, err := tx.ListBatches(ctx, "A1")
	require.NoError(t, err)
	require.Len(t, afterWrite, 1, "the drained batch is hidden inside the tx")
	assert.Equal(t, batches[1].ID, afterWrite[0].ID)

	outside, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 4, outside[0].Quantity, "uncommitted writes stay invisible")
	assert.Empty(t, s.LedgerEntries(""))

	require.NoError(t, tx.Commit(ctx))

	committed, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 0, committed[0].Quantity)
	assert.Equal(t, batches[0].Version+1, committed[0].Version)
	ledger := s.LedgerEntries("A1")
	require.Len(t, ledger, 1)
	assert.Positive(t, ledger[0].ID)

	assert.ErrorIs(t, tx.Rollback(ctx), store.ErrTxDone)
}

func TestSaleTxRollbackDiscardsWrites(t *testing.T) {
	s := New()
	batches := seedProduct(t, s, "A1", 4)
	ctx := context.Background()

	tx, err := s.BeginSale(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateBatchQuantity(ctx, batches[0].ID, batches[0].Version, 1))
	require.NoError(t, tx.Rollback(ctx))

	after, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, batches, after)
	assert.ErrorIs(t, tx.Commit(ctx), store.ErrTxDone)
}

func TestSaleTxConflictingCommit(t *testing.T) {
	s := New()
	batches := seedProduct(t, s, "A1", 4)
	ctx := context.Background()

	first, err := s.BeginSale(ctx)
	require.NoError(t, err)
	second, err := s.BeginSale(ctx)
	require.NoError(t, err)

	require.NoError(t, first.UpdateBatchQuantity(ctx, batches[0].ID, batches[0].Version, 0))
	require.NoError(t, second.UpdateBatchQuantity(ctx, batches[0].ID, batches[0].Version, 0))

	require.NoError(t, first.Commit(ctx))
	assert.ErrorIs(t, second.Commit(ctx), store.ErrConflict)

	stale, err := s.BeginSale(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, stale.UpdateBatchQuantity(ctx, batches[0].ID, batches[0].Version, 0), store.ErrConflict)
	require.NoError(t, stale.Rollback(ctx))
}

func TestSaleTxRepeatedWritesChainVersions(t *testing.T) {
	s := New()
	batches := seedProduct(t, s, "A1", 10)
	ctx := context.Background()
	id, v := batches[0].ID, batches[0].Version

	tx, err := s.BeginSale(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateBatchQuantity(ctx, id, v, 7))
	assert.ErrorIs(t, tx.UpdateBatchQuantity(ctx, id, v, 5), store.ErrConflict)

	visible, err := tx.ListBatches(ctx, "A1")
	require.NoError(t, err)
	require.NoError(t, tx.UpdateBatchQuantity(ctx, id, visible[0].Version, 5))
	require.NoError(t, tx.Commit(ctx))

	after, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, 5, after[0].Quantity)
	assert.Equal(t, v+2, after[0].Version)
}

func TestDeleteProductCascadesAndIsIdempotent(t *testing.T) {
	s := New()
	seedProduct(t, s, "A1", 2, 3)
	ctx := context.Background()

	require.NoError(t, s.DeleteProduct(ctx, "A1"))
	require.NoError(t, s.DeleteProduct(ctx, "A1"))

	_, err := s.GetProduct(ctx, "A1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	batches, err := s.ListBatches(ctx, "A1")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestNewSeededHasStock(t *testing.T) {
	s := NewSeeded()
	batches, err := s.ListBatches(context.Background(), "8850999220017")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Positive(t, batches[0].Quantity)
}
