package worker

import (
	"context"

	"storefront-orders/internal/broker"
	"storefront-orders/internal/models"
	"storefront-orders/internal/service"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// Source delivers messages to a handler until its context ends.
// *broker.Consumer implements it.
type Source interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// base runs one event handler over one source.
type base struct {
	name         string
	source       Source
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

func newBase(name string, source Source) base {
	return base{
		name:         name,
		source:       source,
		eventHandler: broker.NewEventHandler(),
		logger:       util.GetLogger().With(zap.String("worker", name)),
	}
}

// Start consumes until ctx is cancelled
func (b *base) Start(ctx context.Context) error {
	b.logger.Info("Starting worker")
	return b.source.StartConsuming(ctx, b.eventHandler.HandleMessage)
}

// Stop closes the underlying consumer
func (b *base) Stop() error {
	b.logger.Info("Stopping worker")
	return b.source.Close()
}

// Handle dispatches one raw event; used by tests and replays.
func (b *base) Handle(ctx context.Context, payload []byte) error {
	return b.eventHandler.Dispatch(ctx, payload)
}

// OrderWorker feeds payment outcomes back into orders
type OrderWorker struct {
	base
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(source Source, saga *service.SagaOrchestrator) *OrderWorker {
	w := &OrderWorker{base: newBase("order", source)}
	w.eventHandler.OnPaymentEvent(saga.HandlePaymentEvent,
		models.EventTypePaymentSucceeded,
		models.EventTypePaymentFailed,
		models.EventTypePaymentRefunded,
		models.EventTypePaymentRefundDeclined,
	)
	return w
}

// PaymentWorker charges new orders and refunds cancelled or returned ones
type PaymentWorker struct {
	base
}

// NewPaymentWorker creates a new payment worker
func NewPaymentWorker(source Source, payments *service.PaymentService) *PaymentWorker {
	w := &PaymentWorker{base: newBase("payment", source)}
	w.eventHandler.OnOrderEvent(payments.HandleOrderCreated, models.EventTypeOrderCreated)
	w.eventHandler.OnOrderEvent(payments.HandleRefundDue,
		models.EventTypeOrderCancelled,
		models.EventTypeOrderReturned,
		models.EventTypeOrderRefundRequired,
	)
	return w
}

// NotificationWorker tells customers about their orders. Delivery failures
// are logged and counted but never block the stream.
type NotificationWorker struct {
	base
	notifier service.Notifier
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(source Source, notifier service.Notifier) *NotificationWorker {
	w := &NotificationWorker{base: newBase("notification", source), notifier: notifier}
	w.eventHandler.OnOrderEvent(w.notify, models.CustomerFacingEvents...)
	return w
}

func (w *NotificationWorker) notify(ctx context.Context, event *models.OrderEvent) error {
	if err := w.notifier.Notify(ctx, event); err != nil {
		util.NotificationsTotal.WithLabelValues(event.EventType, "failed").Inc()
		w.logger.Error("Failed to send notification",
			zap.String("event_type", event.EventType),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
		return nil
	}
	util.NotificationsTotal.WithLabelValues(event.EventType, "sent").Inc()
	return nil
}
