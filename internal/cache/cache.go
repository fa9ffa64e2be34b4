package cache

import (
	"context"
	"time"

	"sunminimart/backend/internal/domain"
)

type ProductCache interface {
	GetProduct(ctx context.Context, barcode string) (*domain.Product, bool, error)
	SetProduct(ctx context.Context, product domain.Product, ttl time.Duration) error
	DeleteProduct(ctx context.Context, barcode string) error
}

// IdempotencyGuard remembers sale idempotency keys. Reserve claims a key for
// one in-flight sale; Complete stores the receipt so a retry can replay it.
type IdempotencyGuard interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Complete(ctx context.Context, key string, receipt domain.SaleReceipt, ttl time.Duration) error
	Lookup(ctx context.Context, key string) (*domain.SaleReceipt, bool, error)
	Release(ctx context.Context, key string) error
}

type NoopProductCache struct{}

func (NoopProductCache) GetProduct(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) SetProduct(_ context.Context, _ domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) DeleteProduct(_ context.Context, _ string) error {
	return nil
}

// NoopIdempotencyGuard accepts every key, so retries are settled again.
type NoopIdempotencyGuard struct{}

func (NoopIdempotencyGuard) Reserve(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return true, nil
}

func (NoopIdempotencyGuard) Complete(_ context.Context, _ string, _ domain.SaleReceipt, _ time.Duration) error {
	return nil
}

func (NoopIdempotencyGuard) Lookup(_ context.Context, _ string) (*domain.SaleReceipt, bool, error) {
	return nil, false, nil
}

func (NoopIdempotencyGuard) Release(_ context.Context, _ string) error {
	return nil
}
