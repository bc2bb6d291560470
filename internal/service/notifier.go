package service

import (
	"context"

	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// Notifier tells the customer about an order event.
type Notifier interface {
	Notify(ctx context.Context, event *models.OrderEvent) error
}

// LogNotifier writes notifications to the log; email delivery lives elsewhere.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: util.GetLogger().Named("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, event *models.OrderEvent) error {
	fields := []zap.Field{
		zap.String("event_type", event.EventType),
		zap.Int64("order_id", event.OrderID),
		zap.String("order_number", event.OrderNumber),
		zap.Int64("user_id", event.UserID),
		zap.String("status", string(event.CurrentStatus)),
	}
	if event.Refund != nil {
		fields = append(fields, zap.String("refund_amount", event.Refund.Amount.String()))
	}
	n.logger.Info("Customer notification", fields...)
	return nil
}
