package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway moves money. approved=false is a decline; err is a transport failure
// worth retrying.
type Gateway interface {
	Charge(ctx context.Context, orderID int64, amount models.Money, method string) (txID string, approved bool, err error)
	Refund(ctx context.Context, orderID int64, amount models.Money, method string) (txID string, approved bool, err error)
}

// MockGateway approves a configurable share of calls after a short delay.
type MockGateway struct {
	successRate float64
	maxDelay    time.Duration
	mu          sync.Mutex
	rnd         *rand.Rand
}

// NewMockGateway creates a gateway stub; successRate is in [0, 1].
func NewMockGateway(successRate float64, maxDelay time.Duration) *MockGateway {
	return &MockGateway{
		successRate: successRate,
		maxDelay:    maxDelay,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (g *MockGateway) roll() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var delay time.Duration
	if g.maxDelay > 0 {
		delay = time.Duration(g.rnd.Int63n(int64(g.maxDelay)))
	}
	return delay, g.rnd.Float64() < g.successRate
}

func (g *MockGateway) call(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	delay, ok := g.roll()
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-time.After(delay):
	}
	if !ok {
		return "", false, nil
	}
	return fmt.Sprintf("TXN-%s", uuid.New().String()[:8]), true, nil
}

func (g *MockGateway) Charge(ctx context.Context, _ int64, _ models.Money, _ string) (string, bool, error) {
	return g.call(ctx)
}

func (g *MockGateway) Refund(ctx context.Context, _ int64, _ models.Money, _ string) (string, bool, error) {
	return g.call(ctx)
}

// PaymentService charges new orders and pays out refunds, recording every
// gateway call and publishing its outcome.
type PaymentService struct {
	payments  PaymentStore
	processed ProcessedEventStore
	gateway   Gateway
	events    EventPublisher
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(payments PaymentStore, processed ProcessedEventStore, gateway Gateway, events EventPublisher) *PaymentService {
	return &PaymentService{
		payments:  payments,
		processed: processed,
		gateway:   gateway,
		events:    events,
		logger:    util.GetLogger(),
	}
}

// HandleOrderCreated charges the order. Cash on delivery is settled offline.
func (ps *PaymentService) HandleOrderCreated(ctx context.Context, event *models.OrderEvent) error {
	if event.PaymentMethod == models.PaymentMethodCOD {
		return nil
	}
	return ps.once(ctx, event, func() error {
		return ps.process(ctx, event, models.PaymentKindCharge)
	})
}

// HandleRefundDue pays back a cancelled or returned order with a pending refund.
func (ps *PaymentService) HandleRefundDue(ctx context.Context, event *models.OrderEvent) error {
	if !event.NeedsRefund() {
		return nil
	}
	return ps.once(ctx, event, func() error {
		return ps.process(ctx, event, models.PaymentKindRefund)
	})
}

// once runs fn unless the event was handled before. The marker key is scoped
// to this consumer so other consumers of the same event are unaffected.
func (ps *PaymentService) once(ctx context.Context, event *models.OrderEvent, fn func() error) error {
	marker := "payment:" + event.EventID
	processed, err := ps.processed.IsEventProcessed(ctx, marker)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ps.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	if err := ps.processed.MarkEventProcessed(ctx, marker, event.EventType); err != nil {
		ps.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func (ps *PaymentService) process(ctx context.Context, event *models.OrderEvent, kind string) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.process")
	defer span.End()

	util.PaymentAttemptsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	amount := event.Total
	if kind == models.PaymentKindRefund {
		amount = event.Refund.Amount
	}

	ps.logger.Info("Processing payment",
		zap.String("kind", kind),
		zap.Int64("order_id", event.OrderID),
		zap.String("amount", amount.String()))

	payment := &models.Payment{
		OrderID: event.OrderID,
		Kind:    kind,
		Status:  models.PaymentRecordPending,
		Amount:  amount,
	}
	if err := ps.payments.CreatePayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}

	var (
		txID     string
		approved bool
		err      error
	)
	if kind == models.PaymentKindRefund {
		txID, approved, err = ps.gateway.Refund(ctx, event.OrderID, amount, event.Refund.Method)
	} else {
		txID, approved, err = ps.gateway.Charge(ctx, event.OrderID, amount, event.PaymentMethod)
	}
	if err != nil {
		if updateErr := ps.payments.UpdatePaymentStatus(ctx, payment.ID, models.PaymentRecordFailed, ""); updateErr != nil {
			ps.logger.Error("Failed to mark payment failed",
				zap.Int64("payment_id", payment.ID),
				zap.Error(updateErr))
		}
		return fmt.Errorf("gateway %s failed: %w", kind, err)
	}

	status := models.PaymentRecordFailed
	if approved {
		status = models.PaymentRecordSuccess
	}
	if err := ps.payments.UpdatePaymentStatus(ctx, payment.ID, status, txID); err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	outcome := &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: paymentEventType(kind, approved),
			Timestamp: time.Now(),
		},
		OrderID:   event.OrderID,
		PaymentID: payment.ID,
		Amount:    amount,
		TxID:      txID,
	}
	if approved {
		util.PaymentSuccessTotal.WithLabelValues(kind).Inc()
		ps.logger.Info("Payment succeeded",
			zap.String("kind", kind),
			zap.Int64("order_id", event.OrderID),
			zap.String("tx_id", txID))
	} else {
		util.PaymentFailedTotal.WithLabelValues(kind).Inc()
		outcome.Reason = "mock_payment_declined"
		ps.logger.Warn("Payment declined",
			zap.String("kind", kind),
			zap.Int64("order_id", event.OrderID))
	}

	if err := ps.events.PublishPaymentEvent(ctx, outcome); err != nil {
		return fmt.Errorf("failed to publish %s: %w", outcome.EventType, err)
	}
	return nil
}

func paymentEventType(kind string, approved bool) string {
	switch {
	case kind == models.PaymentKindRefund && approved:
		return models.EventTypePaymentRefunded
	case kind == models.PaymentKindRefund:
		return models.EventTypePaymentRefundDeclined
	case approved:
		return models.EventTypePaymentSucceeded
	default:
		return models.EventTypePaymentFailed
	}
}
