// Package settlement settles a sale request against stock in a single
// all-or-nothing transaction: it allocates every line item across batches,
// writes the depleted batch quantities and posts the ledger entries.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"sunminimart/backend/internal/allocation"
	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/ledger"
	"sunminimart/backend/internal/store"
	"sunminimart/backend/internal/xid"
)

// DefaultTimeout bounds a sale when WithTimeout is not given.
const DefaultTimeout = 10 * time.Second

// Coordinator settles sales against the batches of a store.TxBeginner.
type Coordinator struct {
	beginner store.TxBeginner
	poster   *ledger.Poster
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

type Option func(*Coordinator)

// WithTimeout bounds a whole sale, from begin to commit.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) {
		c.newID = newID
	}
}

// New returns a Coordinator posting ledger entries through poster.
func New(beginner store.TxBeginner, poster *ledger.Poster, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		beginner: beginner,
		poster:   poster,
		logger:   logger.Named("settlement"),
		timeout:  DefaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return xid.New("sale") },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settle commits every line item of req or none of them.
//
// A rejected sale returns *domain.SaleFailedError listing each failing line.
// A failure of the transaction machinery itself returns
// *domain.TransactionError instead.
func (c *Coordinator) Settle(ctx context.Context, req domain.SaleRequest) (*domain.SaleReceipt, error) {
	items, err := validate(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	saleID := c.newID()
	logger := c.logger.With(zap.String("sale_id", saleID), zap.Int("items", len(items)))

	scope, err := begin(ctx, c.beginner, logger)
	if err != nil {
		if cause := contextFailure(ctx); cause != nil {
			return nil, &domain.SaleFailedError{Cause: cause}
		}
		logger.Error("sale transaction could not begin", zap.Error(err))
		return nil, &domain.TransactionError{Op: "begin", Err: err}
	}

	receipt, err := c.settle(ctx, scope, saleID, items, logger)
	if err != nil {
		logFailure(logger, err)
	}
	return receipt, err
}

func (c *Coordinator) settle(ctx context.Context, scope *txScope, saleID string, items []domain.SaleLineItem, logger *zap.Logger) (receipt *domain.SaleReceipt, err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = scope.release(ctx, fmt.Errorf("panic: %v", p))
			panic(p)
		}
		if err != nil {
			err = scope.release(ctx, err)
		}
	}()

	if err := c.lockProducts(ctx, scope.tx, items); err != nil {
		return nil, &domain.SaleFailedError{Cause: err}
	}

	at := c.now()
	lines := make([]domain.SaleLineSummary, 0, len(items))
	entries := make([]domain.LedgerEntry, 0, len(items))
	var failures []domain.LineFailure

	for i, item := range items {
		posted, err := c.settleLine(ctx, scope.tx, saleID, item, at)
		if err != nil {
			failures = append(failures, domain.LineFailure{Index: i, Barcode: item.Barcode, Err: err})
			if isBusinessFailure(err) {
				continue
			}
			return nil, &domain.SaleFailedError{Failures: failures}
		}
		lines = append(lines, ledger.Summarize(item.Barcode, posted))
		entries = append(entries, posted...)
	}
	if len(failures) > 0 {
		return nil, &domain.SaleFailedError{Failures: failures}
	}

	if err := scope.commit(ctx); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return nil, &domain.SaleFailedError{Cause: fmt.Errorf("%w: %w", domain.ErrConcurrencyConflict, err)}
		case contextFailure(ctx) != nil:
			return nil, &domain.SaleFailedError{Cause: contextFailure(ctx)}
		}
		return nil, &domain.TransactionError{Op: "commit", Err: err}
	}

	logger.Info("sale committed", zap.Int("ledger_entries", len(entries)))
	return &domain.SaleReceipt{SaleID: saleID, Lines: lines, Entries: entries, CreatedAt: at}, nil
}

// lockProducts takes the batch row locks of every product in the request in
// barcode order, so two sales over the same products never wait on each
// other in opposite orders.
func (c *Coordinator) lockProducts(ctx context.Context, tx store.SaleTx, items []domain.SaleLineItem) error {
	barcodes := make([]string, 0, len(items))
	for _, item := range items {
		barcodes = append(barcodes, item.Barcode)
	}
	slices.Sort(barcodes)
	barcodes = slices.Compact(barcodes)

	for _, barcode := range barcodes {
		if _, err := tx.ListBatches(ctx, barcode); err != nil {
			return infraFailure(ctx, "lock batches of "+barcode, err)
		}
	}
	return nil
}

func (c *Coordinator) settleLine(ctx context.Context, tx store.SaleTx, saleID string, item domain.SaleLineItem, at time.Time) ([]domain.LedgerEntry, error) {
	product, err := tx.GetProduct(ctx, item.Barcode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, item.Barcode)
		}
		return nil, infraFailure(ctx, "load product", err)
	}

	batches, err := tx.ListBatches(ctx, item.Barcode)
	if err != nil {
		return nil, infraFailure(ctx, "list batches", err)
	}

	plan, err := allocation.Allocate(item.Barcode, item.Quantity, batches)
	if err != nil {
		return nil, err
	}

	for _, step := range plan.Steps {
		if err := tx.UpdateBatchQuantity(ctx, step.BatchID, step.BatchVersion, step.RemainingAfter); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = fmt.Errorf("%w: batch %d vanished", store.ErrConflict, step.BatchID)
			}
			return nil, infraFailure(ctx, fmt.Sprintf("update batch %d", step.BatchID), err)
		}
	}

	posted, err := tx.AppendLedgerEntries(ctx, c.poster.Post(saleID, *product, plan, at))
	if err != nil {
		return nil, infraFailure(ctx, "append ledger entries", err)
	}
	return posted, nil
}

func validate(req domain.SaleRequest) ([]domain.SaleLineItem, error) {
	if len(req.Items) == 0 {
		return nil, &domain.SaleFailedError{Cause: domain.NewValidationError("items", "at least one line item is required")}
	}

	items := make([]domain.SaleLineItem, 0, len(req.Items))
	var failures []domain.LineFailure
	for i, item := range req.Items {
		barcode, err := domain.NormalizeBarcode(item.Barcode)
		if err != nil {
			failures = append(failures, domain.LineFailure{Index: i, Barcode: item.Barcode, Err: err})
			continue
		}
		if item.Quantity < 1 {
			failures = append(failures, domain.LineFailure{
				Index:   i,
				Barcode: barcode,
				Err:     domain.NewValidationError("quantity", fmt.Sprintf("must be positive, got %d", item.Quantity)),
			})
			continue
		}
		items = append(items, domain.SaleLineItem{Barcode: barcode, Quantity: item.Quantity})
	}
	if len(failures) > 0 {
		return nil, &domain.SaleFailedError{Failures: failures}
	}
	return items, nil
}

// isBusinessFailure reports whether processing may continue with the next
// line item so that the caller sees every failing line.
func isBusinessFailure(err error) bool {
	return errors.Is(err, domain.ErrProductNotFound) ||
		errors.Is(err, domain.ErrInsufficientStock) ||
		errors.Is(err, domain.ErrValidation)
}

func infraFailure(ctx context.Context, op string, err error) error {
	if cause := contextFailure(ctx); cause != nil {
		return cause
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s: %w", domain.ErrConcurrencyConflict, op, err)
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

func contextFailure(ctx context.Context) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	case err != nil:
		return err
	}
	return nil
}

func logFailure(logger *zap.Logger, err error) {
	var txErr *domain.TransactionError
	switch {
	case errors.As(err, &txErr):
		logger.Error("sale transaction failed", zap.String("op", txErr.Op), zap.Bool("requires_operator", txErr.RequiresOperator()), zap.Error(err))
	case errors.Is(err, domain.ErrPersistence), errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrTimeout):
		logger.Warn("sale aborted", zap.Error(err))
	default:
		logger.Info("sale rejected", zap.Error(err))
	}
}
