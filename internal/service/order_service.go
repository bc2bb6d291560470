package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/clock"
	"storefront-orders/internal/models"
	"storefront-orders/internal/orderstate"
	"storefront-orders/internal/util"
	"storefront-orders/internal/validate"

	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	checkoutLockTTL = 15 * time.Second
)

// Options are the business knobs of the order service.
type Options struct {
	RetryAttempts    int
	OperationTimeout time.Duration
	IdempotencyTTL   time.Duration
	ReturnWindow     time.Duration
}

// Deps are the collaborators of the order service. Guard and Clock are optional.
type Deps struct {
	Orders  OrderStore
	Catalog CatalogStore
	Coupons CouponStore
	Events  EventPublisher
	Guard   IdempotencyGuard
	Clock   clock.Clock
}

// OrderService handles order business logic
type OrderService struct {
	orders    OrderStore
	inventory *InventoryClient
	coupons   *CouponService
	machine   *orderstate.Machine
	events    EventPublisher
	guard     IdempotencyGuard
	clock     clock.Clock
	opts      Options
	logger    *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(deps Deps, opts Options) *OrderService {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Second
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewRealClock()
	}
	return &OrderService{
		orders:    deps.Orders,
		inventory: NewInventoryClient(deps.Catalog),
		coupons:   NewCouponService(deps.Coupons, deps.Orders),
		machine:   orderstate.New(opts.ReturnWindow),
		events:    deps.Events,
		guard:     deps.Guard,
		clock:     deps.Clock,
		opts:      opts,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID          int64                  `json:"-"`
	Items           []ItemRequest          `json:"items" binding:"required,min=1,max=50,dive"`
	ShippingAddress models.ShippingAddress `json:"shipping_address"`
	PaymentMethod   string                 `json:"payment_method" binding:"required,oneof=card upi wallet cod"`
	CouponCode      string                 `json:"coupon_code,omitempty" binding:"omitempty,max=32"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty" binding:"omitempty,max=128"`
}

// CreateOrder prices the cart, applies the coupon and commits the order with
// its stock and coupon usage in one transaction. A retried submission with the
// same idempotency key returns the order created by the first one.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (order *models.Order, err error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer func() { util.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if err := validate.Struct(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues(string(apperr.KindValidation)).Inc()
		return nil, err
	}
	items := MergeItems(req.Items)

	var key string
	if req.IdempotencyKey != "" {
		key = fmt.Sprintf("%d:%s", req.UserID, req.IdempotencyKey)
		if existing, err := s.replay(ctx, key); err != nil || existing != nil {
			return existing, err
		}
		release, err := s.lockCheckout(ctx, key)
		if err != nil {
			return nil, err
		}
		defer release()
		if existing, err := s.replay(ctx, key); err != nil || existing != nil {
			return existing, err
		}
	}

	err = s.retry(ctx, "create_order", func() error {
		built, couponID, err := s.buildOrder(ctx, req, items, key)
		if err != nil {
			return err
		}
		start := time.Now()
		err = s.orders.CommitOrder(ctx, built, couponID)
		util.OrderCommitLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		order = built
		return nil
	})
	if err != nil {
		if key != "" && apperr.Is(err, apperr.KindConflict) {
			if existing, replayErr := s.replay(ctx, key); replayErr == nil && existing != nil {
				return existing, nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.Total.String()))

	if key != "" && s.guard != nil {
		if err := s.guard.RememberOrder(ctx, key, order.ID, s.opts.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to cache idempotency key", zap.String("key", key), zap.Error(err))
		}
	}

	s.dispatch(ctx, orderstate.NewEvent(order, models.EventTypeOrderCreated, s.clock.Now()))
	return order, nil
}

func (s *OrderService) buildOrder(ctx context.Context, req *CreateOrderRequest, items []ItemRequest, key string) (*models.Order, int64, error) {
	snapshot, err := s.inventory.SnapshotItems(ctx, items)
	if err != nil {
		return nil, 0, err
	}

	now := s.clock.Now()
	order := &models.Order{
		OrderNumber:     generateOrderNumber(now),
		UserID:          req.UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		PaymentStatus:   models.PaymentStatusPending,
		Status:          models.OrderStatusPending,
		Discount:        models.ZeroMoney(),
		IdempotencyKey:  key,
		Items:           snapshot,
	}
	order.Subtotal = order.ItemsSubtotal()

	var couponID int64
	if strings.TrimSpace(req.CouponCode) != "" {
		c, result, err := s.coupons.Apply(ctx, req.CouponCode, req.UserID, snapshot, order.Subtotal, now)
		if err != nil {
			return nil, 0, err
		}
		couponID = c.ID
		order.CouponCode = c.Code
		order.Discount = result.Discount
	}

	order.Total = order.Subtotal.Sub(order.Discount)
	if order.Total.IsNegative() {
		order.Total = models.ZeroMoney()
	}
	return order, couponID, nil
}

// replay returns the order a key already produced, or nil.
func (s *OrderService) replay(ctx context.Context, key string) (*models.Order, error) {
	if s.guard != nil {
		orderID, found, err := s.guard.LookupOrder(ctx, key)
		if err != nil {
			s.logger.Warn("Idempotency cache lookup failed, using database", zap.Error(err))
		} else if found {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", key),
				zap.Int64("order_id", orderID))
			return s.orders.GetOrderByID(ctx, orderID)
		}
	}

	existing, err := s.orders.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to check idempotency")
	}
	if existing != nil {
		s.logger.Info("Duplicate order request detected",
			zap.String("idempotency_key", key),
			zap.Int64("order_id", existing.ID))
	}
	return existing, nil
}

// lockCheckout keeps two in-flight submissions of one key apart. Without the
// cache the unique index on the key still rejects the second commit.
func (s *OrderService) lockCheckout(ctx context.Context, key string) (func(), error) {
	noop := func() {}
	if s.guard == nil {
		return noop, nil
	}
	token, ok, err := s.guard.AcquireLock(ctx, key, checkoutLockTTL)
	if err != nil {
		s.logger.Warn("Checkout lock unavailable", zap.String("key", key), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, apperr.Conflict("a checkout with this idempotency key is already in progress")
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := s.guard.ReleaseLock(releaseCtx, key, token); err != nil {
			s.logger.Warn("Failed to release checkout lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// retry re-runs fn while it fails with a concurrent modification, with a short
// growing pause, and gives up after the configured number of attempts.
func (s *OrderService) retry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !apperr.Is(err, apperr.KindConcurrentModification) {
			return err
		}
		if attempt >= s.opts.RetryAttempts {
			s.logger.Warn("Giving up after concurrent modifications",
				zap.String("operation", op),
				zap.Int("attempts", attempt))
			return apperr.ConcurrentModification("order", attempt)
		}
		util.StockConflictRetries.WithLabelValues(op).Inc()

		backoff := time.Duration(attempt*attempt) * 10 * time.Millisecond
		select {
		case <-ctx.Done():
			return apperr.Internal(ctx.Err(), op+" timed out")
		case <-time.After(backoff):
		}
	}
}

// mutate loads the order, applies a state machine transition and writes it
// back under the version check, retrying on lost races. ownerID zero skips
// the ownership check (admin and saga paths).
func (s *OrderService) mutate(ctx context.Context, op string, orderID, ownerID int64, apply func(*models.Order, time.Time) (orderstate.Effect, error)) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	var (
		order  *models.Order
		effect orderstate.Effect
	)
	err := s.retry(ctx, op, func() error {
		o, err := s.orders.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if ownerID > 0 && o.UserID != ownerID {
			return apperr.NotFound("order", orderID)
		}
		eff, err := apply(o, s.clock.Now())
		if err != nil {
			return err
		}
		if eff.Event != nil {
			if err := s.orders.UpdateOrder(ctx, o, eff.RestoreStock); err != nil {
				return err
			}
		}
		order, effect = o, eff
		return nil
	})
	if err != nil {
		return nil, err
	}

	if effect.Event != nil {
		s.logger.Info("Order transition",
			zap.String("operation", op),
			zap.Int64("order_id", order.ID),
			zap.String("event_type", effect.Event.EventType),
			zap.String("status", string(order.Status)))
		s.dispatch(ctx, effect.Event)
	}
	return order, nil
}

// dispatch publishes without letting a broker failure affect the caller.
func (s *OrderService) dispatch(ctx context.Context, event *models.OrderEvent) {
	util.OrderTransitionsTotal.WithLabelValues(event.EventType).Inc()
	if s.events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.OperationTimeout)
	defer cancel()
	if err := s.events.PublishOrderEvent(pubCtx, event); err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("event_type", event.EventType),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
}

// GetOrder returns an order owned by userID
func (s *OrderService) GetOrder(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, apperr.NotFound("order", orderID)
	}
	return order, nil
}

// GetOrderAdmin returns any order
func (s *OrderService) GetOrderAdmin(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrderAdmin")
	defer span.End()
	return s.orders.GetOrderByID(ctx, orderID)
}

// OrderPage is one page of a customer's order history.
type OrderPage struct {
	Orders   []models.Order `json:"orders"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int            `json:"total"`
}

// ListOrdersForUser returns the user's orders, newest first
func (s *OrderService) ListOrdersForUser(ctx context.Context, userID int64, page, pageSize int) (*OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrdersForUser")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	orders, total, err := s.orders.ListOrdersByUser(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}
	return &OrderPage{Orders: orders, Page: page, PageSize: pageSize, Total: total}, nil
}

// ValidateCouponRequest asks what a coupon would do to a cart.
type ValidateCouponRequest struct {
	Code   string        `json:"code" binding:"required,max=32"`
	UserID int64         `json:"-"`
	Items  []ItemRequest `json:"items" binding:"required,min=1,max=50,dive"`
}

// CouponQuote is the outcome of a successful coupon validation.
type CouponQuote struct {
	Code     string       `json:"code"`
	Valid    bool         `json:"valid"`
	Subtotal models.Money `json:"subtotal"`
	Base     models.Money `json:"discountable_base"`
	Discount models.Money `json:"discount"`
	Total    models.Money `json:"total"`
}

// ValidateCoupon prices the cart at current prices and evaluates the coupon
// against it without consuming a use.
func (s *OrderService) ValidateCoupon(ctx context.Context, req *ValidateCouponRequest) (*CouponQuote, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ValidateCoupon")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	priced, err := s.inventory.PriceItems(ctx, MergeItems(req.Items))
	if err != nil {
		return nil, err
	}
	subtotal := models.ZeroMoney()
	for _, item := range priced {
		subtotal = subtotal.Add(item.LineTotal())
	}

	c, result, err := s.coupons.Apply(ctx, req.Code, req.UserID, priced, subtotal, s.clock.Now())
	if err != nil {
		return nil, err
	}
	return &CouponQuote{
		Code:     c.Code,
		Valid:    true,
		Subtotal: subtotal,
		Base:     result.Base,
		Discount: result.Discount,
		Total:    subtotal.Sub(result.Discount),
	}, nil
}

// RequestCancel opens a customer cancel request
func (s *OrderService) RequestCancel(ctx context.Context, orderID, userID int64, reason, description string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RequestCancel")
	defer span.End()
	return s.mutate(ctx, "request_cancel", orderID, userID, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.RequestCancel(o, reason, description, now)
	})
}

// RequestReturn opens a customer return request
func (s *OrderService) RequestReturn(ctx context.Context, orderID, userID int64, reason, description string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RequestReturn")
	defer span.End()
	return s.mutate(ctx, "request_return", orderID, userID, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.RequestReturn(o, reason, description, now)
	})
}

// ProcessCancelRequest applies an admin decision; approval restores stock in
// the same write that cancels the order.
func (s *OrderService) ProcessCancelRequest(ctx context.Context, orderID int64, d orderstate.Decision) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ProcessCancelRequest")
	defer span.End()
	return s.mutate(ctx, "process_cancel", orderID, 0, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.ProcessCancel(o, d, now)
	})
}

// ProcessReturnRequest applies an admin decision on a return
func (s *OrderService) ProcessReturnRequest(ctx context.Context, orderID int64, d orderstate.ReturnDecision) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ProcessReturnRequest")
	defer span.End()
	return s.mutate(ctx, "process_return", orderID, 0, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.ProcessReturn(o, d, now)
	})
}

// SetStatus moves an order one step along the fulfilment path
func (s *OrderService) SetStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SetStatus")
	defer span.End()
	return s.mutate(ctx, "set_status", orderID, 0, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.SetStatus(o, status, now)
	})
}

// RecordPaymentResult applies the outcome of the initial charge
func (s *OrderService) RecordPaymentResult(ctx context.Context, orderID int64, paid bool, txID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RecordPaymentResult")
	defer span.End()
	s.logger.Info("Recording payment result",
		zap.Int64("order_id", orderID),
		zap.Bool("paid", paid),
		zap.String("tx_id", txID))
	return s.mutate(ctx, "record_payment", orderID, 0, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.ApplyPayment(o, paid, now)
	})
}

// RecordRefund completes the pending refund of an order
func (s *OrderService) RecordRefund(ctx context.Context, orderID int64, txID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.RecordRefund")
	defer span.End()
	s.logger.Info("Recording refund", zap.Int64("order_id", orderID), zap.String("tx_id", txID))
	return s.mutate(ctx, "record_refund", orderID, 0, func(o *models.Order, now time.Time) (orderstate.Effect, error) {
		return s.machine.MarkRefunded(o, now)
	})
}

// generateOrderNumber is ORD, the UTC timestamp to the second and six random digits.
func generateOrderNumber(now time.Time) string {
	var b strings.Builder
	b.WriteString("ORD")
	b.WriteString(now.UTC().Format("20060102150405"))
	for i := 0; i < 6; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			b.WriteByte('0')
			continue
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String()
}
