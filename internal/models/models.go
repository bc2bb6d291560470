package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

// Order statuses
const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// PaymentStatus tracks money movement for an order.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Payment methods
const (
	PaymentMethodCard   = "card"
	PaymentMethodUPI    = "upi"
	PaymentMethodWallet = "wallet"
	PaymentMethodCOD    = "cod"
)

// IsPaymentMethod reports whether m is a supported payment method.
func IsPaymentMethod(m string) bool {
	switch m {
	case PaymentMethodCard, PaymentMethodUPI, PaymentMethodWallet, PaymentMethodCOD:
		return true
	}
	return false
}

// Coupon types
const (
	CouponTypePercentage = "percentage"
	CouponTypeFixed      = "fixed"
)

// ProductVariant is a sellable size of a product with its own price and stock.
type ProductVariant struct {
	ProductID   int64     `db:"product_id" json:"product_id"`
	ProductName string    `db:"product_name" json:"product_name"`
	Category    string    `db:"category" json:"category"`
	Size        string    `db:"size" json:"size"`
	Price       Money     `db:"price" json:"price"`
	Stock       int       `db:"stock" json:"stock"`
	Version     int64     `db:"version" json:"-"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Coupon is a discount definition.
type Coupon struct {
	ID                   int64          `db:"id" json:"id"`
	Code                 string         `db:"code" json:"code"`
	Description          string         `db:"description" json:"description"`
	Discount             Money          `db:"discount" json:"discount"`
	Type                 string         `db:"type" json:"type"`
	ApplicableCategories pq.StringArray `db:"applicable_categories" json:"applicable_categories"`
	MinOrderAmount       Money          `db:"min_order_amount" json:"min_order_amount"`
	MaxDiscount          Money          `db:"max_discount" json:"max_discount"`
	ValidFrom            time.Time      `db:"valid_from" json:"valid_from"`
	ValidUntil           time.Time      `db:"valid_until" json:"valid_until"`
	UsageLimit           int            `db:"usage_limit" json:"usage_limit"`
	UsedCount            int            `db:"used_count" json:"used_count"`
	PerUserLimit         int            `db:"per_user_limit" json:"per_user_limit"`
	IsActive             bool           `db:"is_active" json:"is_active"`
	IsFirstTimeOnly      bool           `db:"is_first_time_only" json:"is_first_time_only"`
	Version              int64          `db:"version" json:"-"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
}

// CouponUsage records one committed order that consumed a coupon.
type CouponUsage struct {
	ID        int64     `db:"id" json:"id"`
	CouponID  int64     `db:"coupon_id" json:"coupon_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	Discount  Money     `db:"discount" json:"discount"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ShippingAddress is snapshotted onto the order at checkout.
type ShippingAddress struct {
	FullName   string `json:"full_name" binding:"required,max=100"`
	Phone      string `json:"phone" binding:"omitempty,max=20"`
	Line1      string `json:"line1" binding:"required,max=200"`
	Line2      string `json:"line2,omitempty" binding:"omitempty,max=200"`
	City       string `json:"city" binding:"required,max=100"`
	State      string `json:"state" binding:"omitempty,max=100"`
	PostalCode string `json:"postal_code" binding:"required,max=20"`
	Country    string `json:"country" binding:"required,max=56"`
}

// Value stores the address as JSONB.
func (a ShippingAddress) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan reads the JSONB address.
func (a *ShippingAddress) Scan(value interface{}) error {
	return scanJSON(value, a)
}

// Order represents a customer order
type Order struct {
	ID              int64                `db:"id" json:"id"`
	OrderNumber     string               `db:"order_number" json:"order_number"`
	UserID          int64                `db:"user_id" json:"user_id"`
	ShippingAddress ShippingAddress      `db:"shipping_address" json:"shipping_address"`
	PaymentMethod   string               `db:"payment_method" json:"payment_method"`
	PaymentStatus   PaymentStatus        `db:"payment_status" json:"payment_status"`
	Status          OrderStatus          `db:"order_status" json:"order_status"`
	CouponCode      string               `db:"coupon_code" json:"coupon_code,omitempty"`
	Subtotal        Money                `db:"subtotal" json:"subtotal"`
	Discount        Money                `db:"discount" json:"discount"`
	Total           Money                `db:"total" json:"total"`
	Request         *CancelReturnRequest `db:"request" json:"request,omitempty"`
	IdempotencyKey  string               `db:"idempotency_key" json:"-"`
	Version         int64                `db:"version" json:"-"`
	CreatedAt       time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time            `db:"updated_at" json:"updated_at"`
	ConfirmedAt     *time.Time           `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ShippedAt       *time.Time           `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time           `db:"delivered_at" json:"delivered_at,omitempty"`
	CancelledAt     *time.Time           `db:"cancelled_at" json:"cancelled_at,omitempty"`
	ReturnedAt      *time.Time           `db:"returned_at" json:"returned_at,omitempty"`
	RefundedAt      *time.Time           `db:"refunded_at" json:"refunded_at,omitempty"`
	Items           []OrderItem          `db:"-" json:"items"`
}

// OrderItem is a line of an order with its price frozen at checkout.
type OrderItem struct {
	ID          int64  `db:"id" json:"id"`
	OrderID     int64  `db:"order_id" json:"order_id"`
	ProductID   int64  `db:"product_id" json:"product_id"`
	ProductName string `db:"product_name" json:"product_name"`
	Category    string `db:"category" json:"category"`
	Size        string `db:"size" json:"size"`
	UnitPrice   Money  `db:"unit_price" json:"unit_price"`
	Quantity    int    `db:"quantity" json:"quantity"`
}

// LineTotal is unit price times quantity.
func (i OrderItem) LineTotal() Money {
	return i.UnitPrice.Times(i.Quantity)
}

// ItemsSubtotal sums the line totals of the order.
func (o *Order) ItemsSubtotal() Money {
	sum := ZeroMoney()
	for _, item := range o.Items {
		sum = sum.Add(item.LineTotal())
	}
	return sum
}

// HasPendingRequest reports whether a cancel or return request awaits an admin decision.
func (o *Order) HasPendingRequest() bool {
	return o.Request != nil && o.Request.Status == RequestStatusPending
}

// Payment kinds
const (
	PaymentKindCharge = "charge"
	PaymentKindRefund = "refund"
)

// Payment record statuses
const (
	PaymentRecordPending = "pending"
	PaymentRecordSuccess = "success"
	PaymentRecordFailed  = "failed"
)

// Payment represents a payment transaction
type Payment struct {
	ID           int64     `db:"id" json:"id"`
	OrderID      int64     `db:"order_id" json:"order_id"`
	Kind         string    `db:"kind" json:"kind"`
	Status       string    `db:"status" json:"status"`
	ProviderTxID string    `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	Amount       Money     `db:"amount" json:"amount"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}
