package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"payment-service/internal/config"
	"payment-service/internal/model"
)

// OrderProjection is the cached read model of an order. Best effort and
// TTL-bounded; the orders table stays the system of record. Projections
// are written for PENDING orders only and invalidated on every status
// transition, so the settled-side fields (trade id, paid-at) never appear
// here.
type OrderProjection struct {
	OrderNo        string              `json:"orderNo"`
	UserID         string              `json:"userId"`
	PlanID         string              `json:"planId"`
	OriginalAmount string              `json:"originalAmount"`
	DiscountAmount string              `json:"discountAmount"`
	FinalAmount    string              `json:"finalAmount"`
	Method         model.PaymentMethod `json:"paymentMethod"`
	Status         model.OrderStatus   `json:"status"`
	QRCode         string              `json:"qrCode"`
	CreatedAt      time.Time           `json:"createdAt"`
	ExpiresAt      time.Time           `json:"expiresAt"`
}

// ProjectionOf flattens an order into its cacheable read model.
func ProjectionOf(o *model.Order) *OrderProjection {
	return &OrderProjection{
		OrderNo:        o.OrderNo,
		UserID:         o.UserID,
		PlanID:         o.PlanID,
		OriginalAmount: o.OriginalAmount.StringFixed(2),
		DiscountAmount: o.DiscountAmount.StringFixed(2),
		FinalAmount:    o.FinalAmount.StringFixed(2),
		Method:         o.Method,
		Status:         o.Status,
		QRCode:         o.QRCode,
		CreatedAt:      o.CreatedAt,
		ExpiresAt:      o.ExpiresAt,
	}
}

// Order rebuilds the order from the projection. Errors only on corrupted
// amounts, in which case callers fall back to the store.
func (p *OrderProjection) Order() (*model.Order, error) {
	original, err := decimal.NewFromString(p.OriginalAmount)
	if err != nil {
		return nil, err
	}
	discount, err := decimal.NewFromString(p.DiscountAmount)
	if err != nil {
		return nil, err
	}
	final, err := decimal.NewFromString(p.FinalAmount)
	if err != nil {
		return nil, err
	}

	return &model.Order{
		OrderNo:        p.OrderNo,
		UserID:         p.UserID,
		PlanID:         p.PlanID,
		OriginalAmount: original,
		DiscountAmount: discount,
		FinalAmount:    final,
		Method:         p.Method,
		Status:         p.Status,
		QRCode:         p.QRCode,
		CreatedAt:      p.CreatedAt,
		ExpiresAt:      p.ExpiresAt,
	}, nil
}

type OrderCache struct {
	client *redis.Client
}

func NewClient(cfg config.Redis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewOrderCache(client *redis.Client) *OrderCache {
	return &OrderCache{client: client}
}

func key(orderNo string) string {
	return "order:" + orderNo
}

func (c *OrderCache) SetProjection(ctx context.Context, p *OrderProjection, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key(p.OrderNo), data, ttl).Err()
}

// GetProjection returns (nil, nil) on a cache miss.
func (c *OrderCache) GetProjection(ctx context.Context, orderNo string) (*OrderProjection, error) {
	data, err := c.client.Get(ctx, key(orderNo)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p OrderProjection
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Invalidate drops the projection after a status transition.
func (c *OrderCache) Invalidate(ctx context.Context, orderNo string) error {
	return c.client.Del(ctx, key(orderNo)).Err()
}
