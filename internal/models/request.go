package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

// RequestType distinguishes the two variants of CancelReturnRequest.
type RequestType string

const (
	RequestTypeCancel RequestType = "cancel"
	RequestTypeReturn RequestType = "return"
)

// RequestStatus is the admin decision state of a request.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

// Refund statuses
const (
	RefundStatusPending   = "pending"
	RefundStatusCompleted = "completed"
)

// Refund methods
const (
	RefundMethodOriginal     = "original_payment"
	RefundMethodStoreCredit  = "store_credit"
	RefundMethodBankTransfer = "bank_transfer"
)

// ReasonOther requires a free-text description.
const ReasonOther = "other"

// MaxRequestDescription bounds the customer supplied description.
const MaxRequestDescription = 500

var cancelReasons = map[string]bool{
	"changed_mind":       true,
	"ordered_by_mistake": true,
	"found_better_price": true,
	"delivery_too_slow":  true,
	ReasonOther:          true,
}

var returnReasons = map[string]bool{
	"damaged":          true,
	"defective":        true,
	"wrong_item":       true,
	"size_issue":       true,
	"not_as_described": true,
	ReasonOther:        true,
}

var refundMethods = map[string]bool{
	RefundMethodOriginal:     true,
	RefundMethodStoreCredit:  true,
	RefundMethodBankTransfer: true,
}

// IsRefundMethod reports whether m is a supported refund method.
func IsRefundMethod(m string) bool {
	return refundMethods[m]
}

// RefundDetails records money owed back to the customer.
type RefundDetails struct {
	Amount      Money      `json:"amount"`
	Method      string     `json:"method"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CancelReturnRequest is embedded in an order. Construct it with NewCancelRequest or
// NewReturnRequest; ReturnTrackingNumber is only valid on the return variant.
type CancelReturnRequest struct {
	Type                 RequestType    `json:"type"`
	Reason               string         `json:"reason"`
	Description          string         `json:"description,omitempty"`
	RequestedAt          time.Time      `json:"requested_at"`
	Status               RequestStatus  `json:"status"`
	ProcessedAt          *time.Time     `json:"processed_at,omitempty"`
	ProcessedBy          int64          `json:"processed_by,omitempty"`
	AdminNotes           string         `json:"admin_notes,omitempty"`
	Refund               *RefundDetails `json:"refund,omitempty"`
	ReturnTrackingNumber string         `json:"return_tracking_number,omitempty"`
}

// NewCancelRequest builds a pending cancel request.
func NewCancelRequest(reason, description string, now time.Time) (*CancelReturnRequest, map[string]string) {
	return newRequest(RequestTypeCancel, reason, description, now)
}

// NewReturnRequest builds a pending return request.
func NewReturnRequest(reason, description string, now time.Time) (*CancelReturnRequest, map[string]string) {
	return newRequest(RequestTypeReturn, reason, description, now)
}

func newRequest(kind RequestType, reason, description string, now time.Time) (*CancelReturnRequest, map[string]string) {
	req := &CancelReturnRequest{
		Type:        kind,
		Reason:      strings.ToLower(strings.TrimSpace(reason)),
		Description: strings.TrimSpace(description),
		RequestedAt: now,
		Status:      RequestStatusPending,
	}
	if problems := req.Validate(); len(problems) > 0 {
		return nil, problems
	}
	return req, nil
}

// Validate checks the field set allowed for the request's variant.
func (r *CancelReturnRequest) Validate() map[string]string {
	problems := map[string]string{}
	var reasons map[string]bool
	switch r.Type {
	case RequestTypeCancel:
		reasons = cancelReasons
		if r.ReturnTrackingNumber != "" {
			problems["return_tracking_number"] = "not allowed on a cancel request"
		}
	case RequestTypeReturn:
		reasons = returnReasons
	default:
		problems["type"] = "must be cancel or return"
		return problems
	}
	if !reasons[r.Reason] {
		problems["reason"] = "unsupported " + string(r.Type) + " reason"
	}
	if r.Reason == ReasonOther && r.Description == "" {
		problems["description"] = "required when reason is other"
	}
	if len(r.Description) > MaxRequestDescription {
		problems["description"] = "must be at most 500 characters"
	}
	if r.Refund != nil && !IsRefundMethod(r.Refund.Method) {
		problems["refund_method"] = "unsupported refund method"
	}
	return problems
}

// Value stores the request as JSONB.
func (r CancelReturnRequest) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan reads the JSONB request.
func (r *CancelReturnRequest) Scan(value interface{}) error {
	return scanJSON(value, r)
}
