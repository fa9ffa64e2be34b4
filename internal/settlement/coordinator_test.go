package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/ledger"
	"sunminimart/backend/internal/store"
	"sunminimart/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{store: memory.New()}
}

func (f *fixture) product(t *testing.T, barcode string, price string, batches ...domain.StockBatch) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.CreateProduct(ctx, domain.Product{Barcode: barcode, Name: "Item " + barcode, Price: dec(price)})
	require.NoError(t, err)
	for _, b := range batches {
		b.Barcode = barcode
		_, err := f.store.AddBatch(ctx, b)
		require.NoError(t, err)
	}
}

func (f *fixture) quantities(t *testing.T, barcode string) []int {
	t.Helper()
	batches, err := f.store.ListBatches(context.Background(), barcode)
	require.NoError(t, err)
	out := make([]int, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.Quantity)
	}
	return out
}

func stock(qty int, cost string) domain.StockBatch {
	return domain.StockBatch{Quantity: qty, Cost: dec(cost)}
}

func newCoordinator(t *testing.T, beginner store.TxBeginner, opts ...Option) *Coordinator {
	t.Helper()
	poster, err := ledger.NewPoster(ledger.DefaultVATRate)
	require.NoError(t, err)
	return New(beginner, poster, zaptest.NewLogger(t), opts...)
}

// faultyBeginner wraps every transaction of inner in a faultyTx configured by
// setup.
type faultyBeginner struct {
	inner store.TxBeginner
	setup func(*faultyTx)

	mu  sync.Mutex
	txs []*faultyTx
}

func (b *faultyBeginner) BeginSale(ctx context.Context) (store.SaleTx, error) {
	tx, err := b.inner.BeginSale(ctx)
	if err != nil {
		return nil, err
	}
	ft := &faultyTx{SaleTx: tx}
	if b.setup != nil {
		b.setup(ft)
	}
	b.mu.Lock()
	b.txs = append(b.txs, ft)
	b.mu.Unlock()
	return ft, nil
}

func (b *faultyBeginner) only(t *testing.T) *faultyTx {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.txs, 1)
	return b.txs[0]
}

type faultyTx struct {
	store.SaleTx

	failUpdateAt int
	updateErr    error
	panicOnWrite bool
	blockOnList  bool
	commitErr    error
	rollbackErr  error

	updates   int
	commits   int
	rollbacks int
}

func (f *faultyTx) ListBatches(ctx context.Context, barcode string) ([]domain.StockBatch, error) {
	if f.blockOnList {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.SaleTx.ListBatches(ctx, barcode)
}

func (f *faultyTx) UpdateBatchQuantity(ctx context.Context, batchID int64, expectedVersion int64, quantity int) error {
	f.updates++
	if f.panicOnWrite {
		panic("write path exploded")
	}
	if f.failUpdateAt > 0 && f.updates == f.failUpdateAt {
		return f.updateErr
	}
	return f.SaleTx.UpdateBatchQuantity(ctx, batchID, expectedVersion, quantity)
}

func (f *faultyTx) Commit(ctx context.Context) error {
	f.commits++
	if f.commitErr != nil {
		_ = f.SaleTx.Rollback(ctx)
		return f.commitErr
	}
	return f.SaleTx.Commit(ctx)
}

func (f *faultyTx) Rollback(ctx context.Context) error {
	f.rollbacks++
	if f.rollbackErr != nil {
		return f.rollbackErr
	}
	return f.SaleTx.Rollback(ctx)
}

func TestSettleMultiLineSale(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "107", stock(2, "50"), stock(5, "60"))
	f.product(t, "B2", "21.40", stock(10, "12"))

	c := newCoordinator(t, f.store, WithIDGenerator(func() string { return "sale-fixed" }))
	receipt, err := c.Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{
		{Barcode: "A1", Quantity: 3},
		{Barcode: " B2 ", Quantity: 2},
	}})
	require.NoError(t, err)

	assert.Equal(t, "sale-fixed", receipt.SaleID)
	require.Len(t, receipt.Entries, 3)
	assert.True(t, receipt.Entries[0].Profit.Equal(dec("50")))
	assert.Equal(t, 2, receipt.Entries[0].Quantity)
	assert.True(t, receipt.Entries[1].Profit.Equal(dec("40")))
	assert.Equal(t, 1, receipt.Entries[1].Quantity)
	assert.True(t, receipt.Entries[2].VAT.Equal(dec("1.40")))
	assert.True(t, receipt.Entries[2].Profit.Equal(dec("8")))
	for _, e := range receipt.Entries {
		assert.Positive(t, e.ID)
	}

	require.Len(t, receipt.Lines, 2)
	assert.True(t, receipt.Lines[0].Profit.Equal(dec("140")))
	assert.True(t, receipt.Lines[0].VAT.Equal(dec("21")))
	assert.True(t, receipt.Lines[1].Revenue.Equal(dec("42.80")))

	assert.Equal(t, []int{0, 4}, f.quantities(t, "A1"))
	assert.Equal(t, []int{8}, f.quantities(t, "B2"))
	assert.Len(t, f.store.LedgerEntries(""), 3)
}

func TestSettleLedgerMatchesDepletion(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(1, "1"), stock(1, "2"), stock(1, "3"), stock(9, "4"))

	receipt, err := newCoordinator(t, f.store).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 6}}})
	require.NoError(t, err)

	total := 0
	for _, e := range receipt.Entries {
		total += e.Quantity
	}
	assert.Equal(t, 6, total)
	assert.Len(t, receipt.Entries, 4, "one entry per batch touched")
	assert.Equal(t, []int{0, 0, 0, 6}, f.quantities(t, "A1"))
}

func TestSettleSameProductOnTwoLines(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(4, "5"), stock(4, "6"))

	receipt, err := newCoordinator(t, f.store).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{
		{Barcode: "A1", Quantity: 3},
		{Barcode: "A1", Quantity: 3},
	}})
	require.NoError(t, err)

	require.Len(t, receipt.Entries, 3)
	assert.Equal(t, []int{0, 2}, f.quantities(t, "A1"))
}

func TestSettleOversellChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(3, "5"), stock(2, "5"))

	_, err := newCoordinator(t, f.store).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 6}}})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var saleErr *domain.SaleFailedError
	require.ErrorAs(t, err, &saleErr)
	require.Len(t, saleErr.Failures, 1)
	assert.Equal(t, "A1", saleErr.Failures[0].Barcode)

	assert.Equal(t, []int{3, 2}, f.quantities(t, "A1"))
	assert.Empty(t, f.store.LedgerEntries(""))
}

func TestSettleReportsEveryFailingLine(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(3, "5"))
	f.product(t, "B2", "10", stock(3, "5"))

	_, err := newCoordinator(t, f.store).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{
		{Barcode: "B2", Quantity: 1},
		{Barcode: "ZZ9", Quantity: 1},
		{Barcode: "A1", Quantity: 4},
	}})

	var saleErr *domain.SaleFailedError
	require.ErrorAs(t, err, &saleErr)
	require.Len(t, saleErr.Failures, 2)
	assert.Equal(t, 1, saleErr.Failures[0].Index)
	assert.ErrorIs(t, saleErr.Failures[0].Err, domain.ErrProductNotFound)
	assert.Equal(t, 2, saleErr.Failures[1].Index)
	assert.ErrorIs(t, saleErr.Failures[1].Err, domain.ErrInsufficientStock)
	assert.NotErrorIs(t, err, domain.ErrTransaction)

	assert.Equal(t, []int{3}, f.quantities(t, "B2"), "the good line must be rolled back too")
}

func TestSettleValidatesBeforeOpeningTransaction(t *testing.T) {
	f := newFixture(t)
	beginner := &faultyBeginner{inner: f.store}
	c := newCoordinator(t, beginner)

	_, err := c.Settle(context.Background(), domain.SaleRequest{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = c.Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{
		{Barcode: "", Quantity: 1},
		{Barcode: "A1", Quantity: 0},
		{Barcode: "bad barcode!", Quantity: 2},
	}})
	var saleErr *domain.SaleFailedError
	require.ErrorAs(t, err, &saleErr)
	assert.Len(t, saleErr.Failures, 3)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, beginner.txs)
}

func TestSettleRollsBackWhenSecondWriteFails(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))
	f.product(t, "B2", "10", stock(5, "5"))

	beginner := &faultyBeginner{inner: f.store, setup: func(tx *faultyTx) {
		tx.failUpdateAt = 2
		tx.updateErr = errors.New("disk full")
	}}

	_, err := newCoordinator(t, beginner).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{
		{Barcode: "A1", Quantity: 2},
		{Barcode: "B2", Quantity: 2},
	}})
	require.ErrorIs(t, err, domain.ErrPersistence)

	var saleErr *domain.SaleFailedError
	require.ErrorAs(t, err, &saleErr)
	require.Len(t, saleErr.Failures, 1)
	assert.Equal(t, "B2", saleErr.Failures[0].Barcode)

	tx := beginner.only(t)
	assert.Equal(t, 0, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)
	assert.Equal(t, []int{5}, f.quantities(t, "A1"))
	assert.Equal(t, []int{5}, f.quantities(t, "B2"))
	assert.Empty(t, f.store.LedgerEntries(""))
}

func TestConcurrentSalesOfOneBatchCommitOnce(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))
	c := newCoordinator(t, f.store)

	var successes atomic.Int32
	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			_, err := c.Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 5}}})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrInsufficientStock):
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, []int{0}, f.quantities(t, "A1"))
	assert.Len(t, f.store.LedgerEntries("A1"), 1)
}

func TestSettleTimeoutRollsBack(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))
	beginner := &faultyBeginner{inner: f.store, setup: func(tx *faultyTx) { tx.blockOnList = true }}

	start := time.Now()
	_, err := newCoordinator(t, beginner, WithTimeout(30*time.Millisecond)).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	tx := beginner.only(t)
	assert.Equal(t, 1, tx.rollbacks)
	assert.Equal(t, []int{5}, f.quantities(t, "A1"))
}

func TestSettleCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newCoordinator(t, f.store).Settle(ctx, domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 1}}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{5}, f.quantities(t, "A1"))
}

func TestSettleCommitConflictIsBusinessFailure(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))
	beginner := &faultyBeginner{inner: f.store, setup: func(tx *faultyTx) { tx.commitErr = store.ErrConflict }}

	_, err := newCoordinator(t, beginner).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 1}}})
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, domain.ErrTransaction)

	var saleErr *domain.SaleFailedError
	require.ErrorAs(t, err, &saleErr)
	views := saleErr.Views([]domain.SaleLineItem{{Barcode: "A1", Quantity: 1}})
	require.Len(t, views, 1)
	assert.Equal(t, "A1", views[0].Barcode)
}

func TestSettleCommitFailureIsTransactionError(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))
	beginner := &faultyBeginner{inner: f.store, setup: func(tx *faultyTx) { tx.commitErr = errors.New("connection reset") }}

	_, err := newCoordinator(t, beginner).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 1}}})

	var txErr *domain.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "commit", txErr.Op)
	assert.True(t, txErr.RequiresOperator())

	tx := beginner.only(t)
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 0, tx.rollbacks, "a finished transaction is not rolled back again")
}

func TestSettleRollbackFailureWrapsCause(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(1, "5"))
	beginner := &faultyBeginner{inner: f.store, setup: func(tx *faultyTx) { tx.rollbackErr = errors.New("broken pipe") }}

	_, err := newCoordinator(t, beginner).Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 2}}})

	var txErr *domain.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "rollback", txErr.Op)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.ErrorIs(t, err, domain.ErrTransaction)
}

func TestSettleBeginFailure(t *testing.T) {
	c := newCoordinator(t, beginnerFunc(func(context.Context) (store.SaleTx, error) {
		return nil, errors.New("pool exhausted")
	}))

	_, err := c.Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 1}}})
	var txErr *domain.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "begin", txErr.Op)
	assert.False(t, txErr.RequiresOperator())
}

func TestSettlePanicRollsBackAndRepanics(t *testing.T) {
	f := newFixture(t)
	f.product(t, "A1", "10", stock(5, "5"))
	beginner := &faultyBeginner{inner: f.store, setup: func(tx *faultyTx) { tx.panicOnWrite = true }}
	c := newCoordinator(t, beginner)

	assert.PanicsWithValue(t, "write path exploded", func() {
		_, _ = c.Settle(context.Background(), domain.SaleRequest{Items: []domain.SaleLineItem{{Barcode: "A1", Quantity: 1}}})
	})

	assert.Equal(t, 1, beginner.only(t).rollbacks)
	assert.Equal(t, []int{5}, f.quantities(t, "A1"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "rolled_back", StateRolledBack.String())
	assert.Equal(t, "committing", StateCommitting.String())
	assert.Equal(t, "unknown", State(42).String())
}

type beginnerFunc func(context.Context) (store.SaleTx, error)

func (f beginnerFunc) BeginSale(ctx context.Context) (store.SaleTx, error) {
	return f(ctx)
}
