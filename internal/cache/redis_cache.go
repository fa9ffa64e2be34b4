package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"sunminimart/backend/internal/domain"
)

const (
	productKeyPrefix     = "sunminimart:product:"
	idempotencyKeyPrefix = "sunminimart:sale-idem:"
	pendingMarker        = "pending"
)

// RedisCache backs both the product cache and the idempotency guard with one
// client.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) GetProduct(ctx context.Context, barcode string) (*domain.Product, bool, error) {
	val, err := c.client.Get(ctx, productKeyPrefix+barcode).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product domain.Product
	if err := json.Unmarshal([]byte(val), &product); err != nil {
		return nil, false, err
	}
	return &product, true, nil
}

func (c *RedisCache) SetProduct(ctx context.Context, product domain.Product, ttl time.Duration) error {
	payload, err := json.Marshal(product)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, productKeyPrefix+product.Barcode, payload, ttl).Err()
}

func (c *RedisCache) DeleteProduct(ctx context.Context, barcode string) error {
	return c.client.Del(ctx, productKeyPrefix+barcode).Err()
}

func (c *RedisCache) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, idempotencyKeyPrefix+key, pendingMarker, ttl).Result()
}

func (c *RedisCache) Complete(ctx context.Context, key string, receipt domain.SaleReceipt, ttl time.Duration) error {
	payload, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, idempotencyKeyPrefix+key, payload, ttl).Err()
}

func (c *RedisCache) Lookup(ctx context.Context, key string) (*domain.SaleReceipt, bool, error) {
	val, err := c.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) || val == pendingMarker {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var receipt domain.SaleReceipt
	if err := json.Unmarshal([]byte(val), &receipt); err != nil {
		return nil, false, err
	}
	return &receipt, true, nil
}

func (c *RedisCache) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
