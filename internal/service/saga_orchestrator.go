package service

import (
	"context"
	"fmt"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// PaymentRecorder is the part of the order service the saga drives.
type PaymentRecorder interface {
	RecordPaymentResult(ctx context.Context, orderID int64, paid bool, txID string) (*models.Order, error)
	RecordRefund(ctx context.Context, orderID int64, txID string) (*models.Order, error)
}

// SagaOrchestrator feeds payment outcomes back into the order lifecycle
type SagaOrchestrator struct {
	orders    PaymentRecorder
	processed ProcessedEventStore
	logger    *zap.Logger
}

// NewSagaOrchestrator creates a new saga orchestrator
func NewSagaOrchestrator(orders PaymentRecorder, processed ProcessedEventStore) *SagaOrchestrator {
	return &SagaOrchestrator{
		orders:    orders,
		processed: processed,
		logger:    util.GetLogger(),
	}
}

// HandlePaymentEvent applies one payment outcome exactly once.
func (so *SagaOrchestrator) HandlePaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	ctx, span := util.StartSpan(ctx, "SagaOrchestrator.HandlePaymentEvent")
	defer span.End()

	processed, err := so.processed.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		so.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	switch event.EventType {
	case models.EventTypePaymentSucceeded:
		_, err = so.orders.RecordPaymentResult(ctx, event.OrderID, true, event.TxID)
	case models.EventTypePaymentFailed:
		so.logger.Warn("Payment failed, order stays pending",
			zap.Int64("order_id", event.OrderID),
			zap.String("reason", event.Reason))
		_, err = so.orders.RecordPaymentResult(ctx, event.OrderID, false, "")
	case models.EventTypePaymentRefunded:
		_, err = so.orders.RecordRefund(ctx, event.OrderID, event.TxID)
	case models.EventTypePaymentRefundDeclined:
		so.logger.Error("Refund declined by gateway, needs manual follow-up",
			zap.Int64("order_id", event.OrderID),
			zap.String("reason", event.Reason))
	default:
		return nil
	}

	if err != nil {
		// a state the event no longer applies to will not change on redelivery
		if apperr.Is(err, apperr.KindInvalidState) || apperr.Is(err, apperr.KindInvalidTransition) || apperr.Is(err, apperr.KindNotFound) {
			so.logger.Warn("Payment event no longer applies",
				zap.String("event_id", event.EventID),
				zap.Int64("order_id", event.OrderID),
				zap.Error(err))
		} else {
			return fmt.Errorf("failed to apply %s: %w", event.EventType, err)
		}
	}

	if err := so.processed.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		so.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}
