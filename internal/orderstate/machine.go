// Package orderstate holds the order transition table and the cancel/return
// request workflow. Operations mutate the order in memory and hand back the
// event to publish; persisting and dispatching is the caller's job.
package orderstate

import (
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/models"

	"github.com/google/uuid"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:    {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed:  {models.OrderStatusProcessing, models.OrderStatusCancelled},
	models.OrderStatusProcessing: {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:    {models.OrderStatusDelivered},
	models.OrderStatusDelivered:  {models.OrderStatusReturned},
	models.OrderStatusCancelled:  {models.OrderStatusRefunded},
	models.OrderStatusReturned:   {models.OrderStatusRefunded},
}

// happyPath maps a status to the only status an admin may move it to directly.
var happyPath = map[models.OrderStatus]models.OrderStatus{
	models.OrderStatusPending:    models.OrderStatusConfirmed,
	models.OrderStatusConfirmed:  models.OrderStatusProcessing,
	models.OrderStatusProcessing: models.OrderStatusShipped,
	models.OrderStatusShipped:    models.OrderStatusDelivered,
}

var statusEvents = map[models.OrderStatus]string{
	models.OrderStatusConfirmed:  models.EventTypeOrderConfirmed,
	models.OrderStatusProcessing: models.EventTypeOrderProcessing,
	models.OrderStatusShipped:    models.EventTypeOrderShipped,
	models.OrderStatusDelivered:  models.EventTypeOrderDelivered,
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether an order in status s may still be cancelled.
func Cancellable(s models.OrderStatus) bool {
	return CanTransition(s, models.OrderStatusCancelled)
}

// IsTerminal reports whether no admin status update can leave s.
func IsTerminal(s models.OrderStatus) bool {
	switch s {
	case models.OrderStatusCancelled, models.OrderStatusReturned, models.OrderStatusRefunded:
		return true
	}
	return false
}

// Effect is the outcome of a transition.
type Effect struct {
	// Event is nil when nothing observable changed.
	Event *models.OrderEvent
	// RestoreStock asks the caller to put every line item back into inventory
	// in the same write that persists the order.
	RestoreStock bool
}

// Decision is an admin verdict on a pending request.
type Decision struct {
	Approved bool
	AdminID  int64
	Notes    string
}

// ReturnDecision adds the refund terms of an approved return.
type ReturnDecision struct {
	Decision
	// RefundAmount zero means refund the full order total.
	RefundAmount   models.Money
	RefundMethod   string
	TrackingNumber string
}

// Machine applies transitions under a return policy.
type Machine struct {
	returnWindow time.Duration
}

func New(returnWindow time.Duration) *Machine {
	return &Machine{returnWindow: returnWindow}
}

// ReturnWindow is the time after delivery during which a return may be requested.
func (m *Machine) ReturnWindow() time.Duration {
	return m.returnWindow
}

// RequestCancel opens a cancel request on an order that has not shipped yet.
func (m *Machine) RequestCancel(o *models.Order, reason, description string, now time.Time) (Effect, error) {
	if o.HasPendingRequest() {
		return Effect{}, apperr.InvalidState("order %s already has a pending %s request", o.OrderNumber, o.Request.Type)
	}
	if !Cancellable(o.Status) {
		return Effect{}, apperr.InvalidState("order %s cannot be cancelled in status %s", o.OrderNumber, o.Status)
	}
	req, problems := models.NewCancelRequest(reason, description, now)
	if len(problems) > 0 {
		return Effect{}, apperr.Validation(problems)
	}

	o.Request = req
	o.UpdatedAt = now
	return Effect{Event: newEvent(o, o.Status, models.EventTypeOrderCancelRequested, now)}, nil
}

// RequestReturn opens a return request on a delivered order inside the return window.
func (m *Machine) RequestReturn(o *models.Order, reason, description string, now time.Time) (Effect, error) {
	if o.HasPendingRequest() {
		return Effect{}, apperr.InvalidState("order %s already has a pending %s request", o.OrderNumber, o.Request.Type)
	}
	if o.Status != models.OrderStatusDelivered {
		return Effect{}, apperr.InvalidState("order %s can only be returned after delivery (status %s)", o.OrderNumber, o.Status)
	}
	if o.DeliveredAt == nil {
		return Effect{}, apperr.InvalidState("order %s has no delivery time recorded", o.OrderNumber)
	}
	deadline := o.DeliveredAt.Add(m.returnWindow)
	if now.After(deadline) {
		return Effect{}, apperr.WindowExpired(deadline)
	}
	req, problems := models.NewReturnRequest(reason, description, now)
	if len(problems) > 0 {
		return Effect{}, apperr.Validation(problems)
	}

	o.Request = req
	o.UpdatedAt = now
	return Effect{Event: newEvent(o, o.Status, models.EventTypeOrderReturnRequested, now)}, nil
}

// ProcessCancel applies an admin decision to a pending cancel request.
// Approval cancels the order, restores its stock and schedules a refund when
// the order was already paid.
func (m *Machine) ProcessCancel(o *models.Order, d Decision, now time.Time) (Effect, error) {
	if err := requirePending(o, models.RequestTypeCancel); err != nil {
		return Effect{}, err
	}
	if !d.Approved {
		return reject(o, d, now), nil
	}
	if !Cancellable(o.Status) {
		return Effect{}, apperr.InvalidState("order %s moved to %s and can no longer be cancelled", o.OrderNumber, o.Status)
	}

	prev := o.Status
	decide(o.Request, models.RequestStatusApproved, d, now)
	if o.PaymentStatus == models.PaymentStatusPaid {
		o.Request.Refund = &models.RefundDetails{
			Amount: o.Total,
			Method: models.RefundMethodOriginal,
			Status: models.RefundStatusPending,
		}
	}
	setStatus(o, models.OrderStatusCancelled, now)

	return Effect{
		Event:        newEvent(o, prev, models.EventTypeOrderCancelled, now),
		RestoreStock: true,
	}, nil
}

// ProcessReturn applies an admin decision to a pending return request. A refund
// is scheduled only when the payment was collected. Returned goods are not
// restocked automatically; they go through inspection first.
func (m *Machine) ProcessReturn(o *models.Order, d ReturnDecision, now time.Time) (Effect, error) {
	if err := requirePending(o, models.RequestTypeReturn); err != nil {
		return Effect{}, err
	}
	if !d.Approved {
		return reject(o, d.Decision, now), nil
	}
	if !CanTransition(o.Status, models.OrderStatusReturned) {
		return Effect{}, apperr.InvalidState("order %s cannot be returned in status %s", o.OrderNumber, o.Status)
	}

	collected := o.PaymentStatus == models.PaymentStatusPaid
	amount := d.RefundAmount
	if amount.IsZero() && collected {
		amount = o.Total
	}
	problems := map[string]string{}
	switch {
	case amount.IsNegative():
		problems["refund_amount"] = "must not be negative"
	case !collected && amount.IsPositive():
		problems["refund_amount"] = "order " + o.OrderNumber + " has no collected payment to refund"
	case amount.GreaterThan(o.Total.Decimal):
		problems["refund_amount"] = "must not exceed the order total " + o.Total.String()
	}
	method := d.RefundMethod
	if method == "" {
		method = models.RefundMethodOriginal
	}
	if !models.IsRefundMethod(method) {
		problems["refund_method"] = "unsupported refund method"
	}
	if len(problems) > 0 {
		return Effect{}, apperr.Validation(problems)
	}

	prev := o.Status
	decide(o.Request, models.RequestStatusApproved, d.Decision, now)
	o.Request.ReturnTrackingNumber = d.TrackingNumber
	if amount.IsPositive() {
		o.Request.Refund = &models.RefundDetails{
			Amount: amount,
			Method: method,
			Status: models.RefundStatusPending,
		}
	}
	setStatus(o, models.OrderStatusReturned, now)

	return Effect{Event: newEvent(o, prev, models.EventTypeOrderReturned, now)}, nil
}

// SetStatus moves the order one step forward along the fulfilment path.
func (m *Machine) SetStatus(o *models.Order, target models.OrderStatus, now time.Time) (Effect, error) {
	next, ok := happyPath[o.Status]
	if !ok || next != target || !CanTransition(o.Status, target) {
		return Effect{}, apperr.InvalidTransition(string(o.Status), string(target))
	}
	prev := o.Status
	setStatus(o, target, now)
	// cash on delivery is collected by the courier
	if target == models.OrderStatusDelivered && o.PaymentMethod == models.PaymentMethodCOD &&
		o.PaymentStatus == models.PaymentStatusPending {
		o.PaymentStatus = models.PaymentStatusPaid
	}
	return Effect{Event: newEvent(o, prev, statusEvents[target], now)}, nil
}

// MarkRefunded completes the pending refund of a cancelled or returned order.
func (m *Machine) MarkRefunded(o *models.Order, now time.Time) (Effect, error) {
	if !CanTransition(o.Status, models.OrderStatusRefunded) {
		return Effect{}, apperr.InvalidTransition(string(o.Status), string(models.OrderStatusRefunded))
	}
	if o.Request == nil || o.Request.Refund == nil || o.Request.Refund.Status != models.RefundStatusPending {
		return Effect{}, apperr.InvalidState("order %s has no pending refund", o.OrderNumber)
	}

	prev := o.Status
	o.Request.Refund.Status = models.RefundStatusCompleted
	o.Request.Refund.CompletedAt = &now
	o.PaymentStatus = models.PaymentStatusRefunded
	setStatus(o, models.OrderStatusRefunded, now)

	return Effect{Event: newEvent(o, prev, models.EventTypeOrderRefunded, now)}, nil
}

// ApplyPayment records the gateway outcome of the initial charge. Every change
// to the order comes back with an event so the caller persists it. A charge
// that lands after the order was cancelled or returned without a refund is
// turned into a pending refund.
func (m *Machine) ApplyPayment(o *models.Order, paid bool, now time.Time) (Effect, error) {
	if o.PaymentStatus == models.PaymentStatusPaid || o.PaymentStatus == models.PaymentStatusRefunded {
		return Effect{}, nil
	}

	if !paid {
		if IsTerminal(o.Status) || o.PaymentStatus == models.PaymentStatusFailed {
			return Effect{}, nil
		}
		o.PaymentStatus = models.PaymentStatusFailed
		o.UpdatedAt = now
		return Effect{Event: newEvent(o, o.Status, models.EventTypeOrderPaymentFailed, now)}, nil
	}

	o.PaymentStatus = models.PaymentStatusPaid
	o.UpdatedAt = now

	switch o.Status {
	case models.OrderStatusPending:
		setStatus(o, models.OrderStatusConfirmed, now)
		return Effect{Event: newEvent(o, models.OrderStatusPending, models.EventTypeOrderConfirmed, now)}, nil
	case models.OrderStatusCancelled, models.OrderStatusReturned:
		if o.Request == nil {
			o.Request = &models.CancelReturnRequest{Type: models.RequestTypeCancel, Status: models.RequestStatusApproved, RequestedAt: now}
		}
		if o.Request.Refund == nil {
			o.Request.Refund = &models.RefundDetails{
				Amount: o.Total,
				Method: models.RefundMethodOriginal,
				Status: models.RefundStatusPending,
			}
			return Effect{Event: newEvent(o, o.Status, models.EventTypeOrderRefundRequired, now)}, nil
		}
	}
	return Effect{Event: newEvent(o, o.Status, models.EventTypeOrderPaymentReceived, now)}, nil
}

func requirePending(o *models.Order, kind models.RequestType) error {
	if o.Request == nil || o.Request.Status != models.RequestStatusPending || o.Request.Type != kind {
		return apperr.InvalidState("order %s has no pending %s request", o.OrderNumber, kind)
	}
	return nil
}

func reject(o *models.Order, d Decision, now time.Time) Effect {
	decide(o.Request, models.RequestStatusRejected, d, now)
	o.UpdatedAt = now
	return Effect{Event: newEvent(o, o.Status, models.EventTypeOrderRequestRejected, now)}
}

func decide(req *models.CancelReturnRequest, status models.RequestStatus, d Decision, now time.Time) {
	req.Status = status
	req.ProcessedAt = &now
	req.ProcessedBy = d.AdminID
	req.AdminNotes = d.Notes
}

func setStatus(o *models.Order, status models.OrderStatus, now time.Time) {
	o.Status = status
	o.UpdatedAt = now
	ts := now
	switch status {
	case models.OrderStatusConfirmed:
		o.ConfirmedAt = &ts
	case models.OrderStatusShipped:
		o.ShippedAt = &ts
	case models.OrderStatusDelivered:
		o.DeliveredAt = &ts
	case models.OrderStatusCancelled:
		o.CancelledAt = &ts
	case models.OrderStatusReturned:
		o.ReturnedAt = &ts
	case models.OrderStatusRefunded:
		o.RefundedAt = &ts
	}
}

// NewEvent builds an order event snapshot outside a transition (order.created).
func NewEvent(o *models.Order, eventType string, now time.Time) *models.OrderEvent {
	return newEvent(o, "", eventType, now)
}

func newEvent(o *models.Order, prev models.OrderStatus, eventType string, now time.Time) *models.OrderEvent {
	event := &models.OrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: now,
		},
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		UserID:         o.UserID,
		PreviousStatus: prev,
		CurrentStatus:  o.Status,
		PaymentMethod:  o.PaymentMethod,
		PaymentStatus:  o.PaymentStatus,
		Total:          o.Total,
	}
	if o.Request != nil {
		event.RequestType = o.Request.Type
		event.Reason = o.Request.Reason
		if o.Request.Refund != nil {
			refund := *o.Request.Refund
			event.Refund = &refund
		}
	}
	return event
}
