package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"sunminimart/backend/internal/cache"
	"sunminimart/backend/internal/domain"
	"sunminimart/backend/internal/ledger"
	"sunminimart/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Settler settles a sale atomically. *settlement.Coordinator implements it.
type Settler interface {
	Settle(ctx context.Context, req domain.SaleRequest) (*domain.SaleReceipt, error)
}

const (
	maxNameLength           = 255
	maxIdempotencyKeyLength = 128
	// maxQuantity is the largest value the INTEGER quantity columns hold.
	maxQuantity = math.MaxInt32
)

// maxMoney is the largest value of a NUMERIC(12,2) money column.
var maxMoney = decimal.RequireFromString("9999999999.99")

type Service struct {
	repo            store.Repository
	settler         Settler
	logger          *zap.Logger
	products        cache.ProductCache
	productCacheTTL time.Duration
	idempotency     cache.IdempotencyGuard
	idempotencyTTL  time.Duration
	now             func() time.Time
}

type Option func(*Service)

func WithProductCache(c cache.ProductCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.products = c
		s.productCacheTTL = ttl
	}
}

func WithIdempotencyGuard(g cache.IdempotencyGuard, ttl time.Duration) Option {
	return func(s *Service) {
		s.idempotency = g
		s.idempotencyTTL = ttl
	}
}

func New(repo store.Repository, settler Settler, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:            repo,
		settler:         settler,
		logger:          logger.Named("service"),
		products:        cache.NoopProductCache{},
		productCacheTTL: 5 * time.Minute,
		idempotency:     cache.NoopIdempotencyGuard{},
		idempotencyTTL:  24 * time.Hour,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// AddProduct creates a product and, when a quantity is given, its first stock
// batch. If the batch cannot be stored the product is removed again.
func (s *Service) AddProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.ProductCreateResponse, error) {
	barcode, err := domain.NormalizeBarcode(req.Barcode)
	if err != nil {
		return domain.ProductCreateResponse{}, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.ProductCreateResponse{}, domain.NewValidationError("name", "is required")
	}
	if len(name) > maxNameLength {
		return domain.ProductCreateResponse{}, domain.NewValidationError("name", fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	if err := validateMoney("price", req.Price, true); err != nil {
		return domain.ProductCreateResponse{}, err
	}
	if req.Quantity < 0 {
		return domain.ProductCreateResponse{}, domain.NewValidationError("quantity", "cannot be negative")
	}
	if req.Quantity > maxQuantity {
		return domain.ProductCreateResponse{}, domain.NewValidationError("quantity", fmt.Sprintf("must be at most %d", maxQuantity))
	}
	var expiry *time.Time
	if req.Quantity > 0 {
		if err := validateMoney("cost", req.Cost, false); err != nil {
			return domain.ProductCreateResponse{}, err
		}
		if expiry, err = parseExpiry(req.ExpiryDate); err != nil {
			return domain.ProductCreateResponse{}, err
		}
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{Barcode: barcode, Name: name, Price: req.Price.Round(ledger.MoneyScale)})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.ProductCreateResponse{}, fmt.Errorf("%w: %s", domain.ErrProductExists, barcode)
		}
		return domain.ProductCreateResponse{}, persistence("create product", err)
	}

	resp := domain.ProductCreateResponse{Product: *created}
	if req.Quantity > 0 {
		batch, err := s.repo.AddBatch(ctx, domain.StockBatch{
			Barcode:    barcode,
			Cost:       req.Cost.Round(ledger.MoneyScale),
			Quantity:   req.Quantity,
			ExpiryDate: expiry,
			ReceivedAt: s.now(),
		})
		if err != nil {
			if delErr := s.repo.DeleteProduct(context.WithoutCancel(ctx), barcode); delErr != nil {
				s.logger.Error("failed to remove product after batch insert failed", zap.String("barcode", barcode), zap.Error(delErr))
			}
			return domain.ProductCreateResponse{}, persistence("add first batch", err)
		}
		resp.Batch = batch
	}

	s.logAudit(ctx, "product_create", barcode, zap.String("name", name), zap.Stringer("price", created.Price), zap.Int("quantity", req.Quantity))
	return resp, nil
}

// Restock appends a new batch to an existing product.
func (s *Service) Restock(ctx context.Context, rawBarcode string, req domain.RestockRequest) (*domain.StockBatch, error) {
	barcode, err := domain.NormalizeBarcode(rawBarcode)
	if err != nil {
		return nil, err
	}
	if req.Quantity < 1 {
		return nil, domain.NewValidationError("quantity", "must be positive")
	}
	if req.Quantity > maxQuantity {
		return nil, domain.NewValidationError("quantity", fmt.Sprintf("must be at most %d", maxQuantity))
	}
	if err := validateMoney("cost", req.Cost, false); err != nil {
		return nil, err
	}
	expiry, err := parseExpiry(req.ExpiryDate)
	if err != nil {
		return nil, err
	}

	batch, err := s.repo.AddBatch(ctx, domain.StockBatch{
		Barcode:    barcode,
		Cost:       req.Cost.Round(ledger.MoneyScale),
		Quantity:   req.Quantity,
		ExpiryDate: expiry,
		ReceivedAt: s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, barcode)
		}
		return nil, persistence("add batch", err)
	}

	s.logAudit(ctx, "product_restock", barcode, zap.Int64("batch_id", batch.ID), zap.Int("quantity", batch.Quantity))
	return batch, nil
}

// GetProduct looks a product up by barcode, reading through the cache.
func (s *Service) GetProduct(ctx context.Context, rawBarcode string) (domain.Product, error) {
	barcode, err := domain.NormalizeBarcode(rawBarcode)
	if err != nil {
		return domain.Product{}, err
	}

	cached, found, err := s.products.GetProduct(ctx, barcode)
	if err != nil {
		s.logger.Warn("product cache read failed", zap.String("barcode", barcode), zap.Error(err))
	}
	if found {
		return *cached, nil
	}

	product, err := s.repo.GetProduct(ctx, barcode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, barcode)
		}
		return domain.Product{}, persistence("get product", err)
	}

	if err := s.products.SetProduct(ctx, *product, s.productCacheTTL); err != nil {
		s.logger.Warn("product cache write failed", zap.String("barcode", barcode), zap.Error(err))
	}
	return *product, nil
}

// DeleteProduct removes a product and its batches. Deleting an unknown
// product is not an error.
func (s *Service) DeleteProduct(ctx context.Context, rawBarcode string) error {
	barcode, err := domain.NormalizeBarcode(rawBarcode)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, barcode); err != nil {
		return persistence("delete product", err)
	}
	if err := s.products.DeleteProduct(ctx, barcode); err != nil {
		s.logger.Warn("product cache invalidation failed", zap.String("barcode", barcode), zap.Error(err))
	}

	s.logAudit(ctx, "product_delete", barcode)
	return nil
}

func (s *Service) ListBatches(ctx context.Context, rawBarcode string) (domain.BatchListResponse, error) {
	barcode, err := domain.NormalizeBarcode(rawBarcode)
	if err != nil {
		return domain.BatchListResponse{}, err
	}
	if _, err := s.repo.GetProduct(ctx, barcode); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.BatchListResponse{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, barcode)
		}
		return domain.BatchListResponse{}, persistence("get product", err)
	}

	batches, err := s.repo.ListBatches(ctx, barcode)
	if err != nil {
		return domain.BatchListResponse{}, persistence("list batches", err)
	}
	return domain.BatchListResponse{Barcode: barcode, Batches: batches}, nil
}

// Sell settles a sale. With an idempotency key, a retry of a completed sale
// returns the original receipt and a concurrent retry is rejected.
func (s *Service) Sell(ctx context.Context, idempotencyKey string, req domain.SaleRequest) (*domain.SaleReceipt, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return s.sell(ctx, req)
	}
	if len(key) > maxIdempotencyKeyLength {
		return nil, domain.NewValidationError("idempotency_key", fmt.Sprintf("must be at most %d characters", maxIdempotencyKeyLength))
	}

	reserved, err := s.idempotency.Reserve(ctx, key, s.idempotencyTTL)
	if err != nil {
		return nil, persistence("reserve idempotency key", err)
	}
	if !reserved {
		receipt, found, err := s.idempotency.Lookup(ctx, key)
		if err != nil {
			return nil, persistence("look up idempotency key", err)
		}
		if found {
			s.logger.Info("replaying sale for idempotency key", zap.String("sale_id", receipt.SaleID))
			return receipt, nil
		}
		return nil, domain.ErrDuplicateRequest
	}

	receipt, err := s.sell(ctx, req)
	if err != nil {
		if relErr := s.idempotency.Release(context.WithoutCancel(ctx), key); relErr != nil {
			s.logger.Warn("failed to release idempotency key", zap.Error(relErr))
		}
		return nil, err
	}
	if err := s.idempotency.Complete(context.WithoutCancel(ctx), key, *receipt, s.idempotencyTTL); err != nil {
		s.logger.Warn("failed to store sale receipt for idempotency key", zap.String("sale_id", receipt.SaleID), zap.Error(err))
	}
	return receipt, nil
}

func (s *Service) sell(ctx context.Context, req domain.SaleRequest) (*domain.SaleReceipt, error) {
	receipt, err := s.settler.Settle(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "sale", receipt.SaleID, zap.Int("lines", len(receipt.Lines)), zap.Int("ledger_entries", len(receipt.Entries)))
	return receipt, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityID string, fields ...zap.Field) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	fields = append(fields,
		zap.String("action", action),
		zap.String("entity_id", entityID),
		zap.String("actor", actor.Username),
		zap.String("actor_role", actor.Role),
	)
	s.logger.Info("audit", fields...)
}

func validateMoney(field string, amount decimal.Decimal, positive bool) error {
	if amount.IsNegative() {
		return domain.NewValidationError(field, "cannot be negative")
	}
	if positive && amount.IsZero() {
		return domain.NewValidationError(field, "must be positive")
	}
	if amount.GreaterThan(maxMoney) {
		return domain.NewValidationError(field, fmt.Sprintf("must be at most %s", maxMoney.StringFixed(ledger.MoneyScale)))
	}
	if !amount.Equal(amount.Round(ledger.MoneyScale)) {
		return domain.NewValidationError(field, fmt.Sprintf("must have at most %d decimal places", ledger.MoneyScale))
	}
	return nil
}

func parseExpiry(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	expiry, err := time.Parse(domain.ExpiryLayout, raw)
	if err != nil {
		return nil, domain.NewValidationError("expiry_date", "must be YYYY-MM-DD")
	}
	return &expiry, nil
}

func persistence(op string, err error) error {
	var pe *domain.PersistenceError
	if errors.As(err, &pe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
