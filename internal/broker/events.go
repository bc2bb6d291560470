package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderEvent publishes an order lifecycle event keyed by order, so all
// events of one order land on the same partition in order.
func (ep *EventPublisher) PublishOrderEvent(ctx context.Context, event *models.OrderEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentEvent publishes a payment outcome
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

type (
	OrderEventFunc   func(context.Context, *models.OrderEvent) error
	PaymentEventFunc func(context.Context, *models.PaymentEvent) error
)

// EventHandler routes incoming events by type
type EventHandler struct {
	orderHandlers   map[string]OrderEventFunc
	paymentHandlers map[string]PaymentEventFunc
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		orderHandlers:   make(map[string]OrderEventFunc),
		paymentHandlers: make(map[string]PaymentEventFunc),
		logger:          util.GetLogger(),
	}
}

// OnOrderEvent registers a handler for the given order event types
func (eh *EventHandler) OnOrderEvent(handler OrderEventFunc, eventTypes ...string) {
	for _, t := range eventTypes {
		eh.orderHandlers[t] = handler
	}
}

// OnPaymentEvent registers a handler for the given payment event types
func (eh *EventHandler) OnPaymentEvent(handler PaymentEventFunc, eventTypes ...string) {
	for _, t := range eventTypes {
		eh.paymentHandlers[t] = handler
	}
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	return eh.Dispatch(ctx, msg.Value)
}

// Dispatch decodes a raw event and calls the handler registered for its type.
// Events nobody registered for are skipped.
func (eh *EventHandler) Dispatch(ctx context.Context, payload []byte) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(payload, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	if handler, ok := eh.orderHandlers[baseEvent.EventType]; ok {
		var event models.OrderEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
		}
		eh.logger.Debug("Handling order event",
			zap.String("event_type", baseEvent.EventType),
			zap.String("event_id", baseEvent.EventID),
			zap.Int64("order_id", event.OrderID))
		return handler(ctx, &event)
	}

	if handler, ok := eh.paymentHandlers[baseEvent.EventType]; ok {
		var event models.PaymentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
		}
		eh.logger.Debug("Handling payment event",
			zap.String("event_type", baseEvent.EventType),
			zap.String("event_id", baseEvent.EventID),
			zap.Int64("order_id", event.OrderID))
		return handler(ctx, &event)
	}

	return nil
}
