package models

import "time"

// Order event types
const (
	EventTypeOrderCreated          = "order.created"
	EventTypeOrderConfirmed        = "order.confirmed"
	EventTypeOrderProcessing       = "order.processing"
	EventTypeOrderShipped          = "order.shipped"
	EventTypeOrderDelivered        = "order.delivered"
	EventTypeOrderCancelRequested  = "order.cancel_requested"
	EventTypeOrderReturnRequested  = "order.return_requested"
	EventTypeOrderCancelled        = "order.cancelled"
	EventTypeOrderReturned         = "order.returned"
	EventTypeOrderRequestRejected  = "order.request_rejected"
	EventTypeOrderRefundRequired   = "order.refund_required"
	EventTypeOrderRefunded         = "order.refunded"
	EventTypeOrderPaymentFailed    = "order.payment_failed"
	EventTypeOrderPaymentReceived  = "order.payment_received"
	EventTypePaymentSucceeded      = "payment.succeeded"
	EventTypePaymentFailed         = "payment.failed"
	EventTypePaymentRefunded       = "payment.refunded"
	EventTypePaymentRefundDeclined = "payment.refund_declined"
)

// CustomerFacingEvents are the order events that produce a customer notification.
var CustomerFacingEvents = []string{
	EventTypeOrderCreated,
	EventTypeOrderConfirmed,
	EventTypeOrderShipped,
	EventTypeOrderDelivered,
	EventTypeOrderCancelled,
	EventTypeOrderReturned,
	EventTypeOrderRequestRejected,
	EventTypeOrderRefunded,
	EventTypeOrderPaymentFailed,
}

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderEvent is emitted whenever the order lifecycle moves.
type OrderEvent struct {
	BaseEvent
	OrderID        int64          `json:"order_id"`
	OrderNumber    string         `json:"order_number"`
	UserID         int64          `json:"user_id"`
	PreviousStatus OrderStatus    `json:"previous_status,omitempty"`
	CurrentStatus  OrderStatus    `json:"current_status"`
	PaymentMethod  string         `json:"payment_method"`
	PaymentStatus  PaymentStatus  `json:"payment_status"`
	Total          Money          `json:"total"`
	RequestType    RequestType    `json:"request_type,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Refund         *RefundDetails `json:"refund,omitempty"`
}

// NeedsRefund reports whether the event asks the payment side to move money back.
func (e *OrderEvent) NeedsRefund() bool {
	return e.Refund != nil && e.Refund.Status == RefundStatusPending
}

// PaymentEvent is published by the payment worker.
type PaymentEvent struct {
	BaseEvent
	OrderID   int64  `json:"order_id"`
	PaymentID int64  `json:"payment_id"`
	Amount    Money  `json:"amount"`
	TxID      string `json:"tx_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
