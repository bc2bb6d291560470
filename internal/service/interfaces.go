package service

import (
	"context"
	"time"

	"storefront-orders/internal/models"
)

// OrderStore persists orders. *store.Store implements it.
type OrderStore interface {
	CommitOrder(ctx context.Context, order *models.Order, couponID int64) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	ListOrdersByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error)
	CountPriorOrders(ctx context.Context, userID int64) (int, error)
	UpdateOrder(ctx context.Context, order *models.Order, restock bool) error
}

// CatalogStore reads product variants.
type CatalogStore interface {
	GetVariant(ctx context.Context, productID int64, size string) (*models.ProductVariant, error)
}

// CouponStore reads coupon definitions and per-user usage.
type CouponStore interface {
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	CountCouponUsage(ctx context.Context, couponID, userID int64) (int, error)
}

// PaymentStore records gateway calls.
type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status, providerTxID string) error
}

// ProcessedEventStore deduplicates consumed events.
type ProcessedEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EventPublisher dispatches domain events. *broker.EventPublisher implements it.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}

// IdempotencyGuard serializes retried checkouts that share an idempotency key
// and remembers which order a key produced. *redisclient.Client implements it.
type IdempotencyGuard interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
	RememberOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) error
	LookupOrder(ctx context.Context, key string) (int64, bool, error)
}
