// Package coupon validates coupons against a cart and computes the discount.
// Evaluation has no side effects; usage counters are consumed when the order commits.
package coupon

import (
	"regexp"
	"strings"
	"time"

	"storefront-orders/internal/models"

	"github.com/shopspring/decimal"
)

// Rejection reasons, in evaluation order.
const (
	ReasonNotFound              = "coupon_not_found"
	ReasonInactive              = "coupon_inactive"
	ReasonNotStarted            = "coupon_not_started"
	ReasonExpired               = "coupon_expired"
	ReasonFirstOrderOnly        = "first_order_only"
	ReasonMinOrderAmountNotMet  = "min_order_amount_not_met"
	ReasonCategoryNotApplicable = "category_not_applicable"
	ReasonUsageLimitExceeded    = "usage_limit_exceeded"
	ReasonPerUserLimitExceeded  = "per_user_limit_exceeded"
	ReasonInvalidDefinition     = "coupon_invalid"
)

var reasonMessages = map[string]string{
	ReasonNotFound:              "coupon does not exist",
	ReasonInactive:              "coupon is not active",
	ReasonNotStarted:            "coupon is not valid yet",
	ReasonExpired:               "coupon has expired",
	ReasonFirstOrderOnly:        "coupon is only valid on a first order",
	ReasonMinOrderAmountNotMet:  "order amount is below the coupon minimum",
	ReasonCategoryNotApplicable: "no item in the cart is eligible for this coupon",
	ReasonUsageLimitExceeded:    "coupon usage limit exceeded",
	ReasonPerUserLimitExceeded:  "coupon already used the maximum number of times",
	ReasonInvalidDefinition:     "coupon definition is invalid",
}

// Message returns the human readable text for a rejection reason.
func Message(reason string) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return "coupon rejected"
}

// Item is the slice of a cart line the evaluator needs.
type Item struct {
	ProductID int64
	Category  string
	LineTotal models.Money
}

// History is what is known about the customer. A nil History means the caller
// supplied none (guest checkout).
type History struct {
	PriorOrders int
	CouponUses  int
}

// Input is the cart snapshot a coupon is evaluated against.
type Input struct {
	Items       []Item
	OrderAmount models.Money
	UserID      int64
	History     *History
	Now         time.Time
}

// Result is either valid with a discount, or invalid with a reason.
type Result struct {
	Valid    bool
	Discount models.Money
	// Base is the discountable base the discount was computed against.
	Base   models.Money
	Reason string
}

func reject(reason string) Result {
	return Result{Valid: false, Reason: reason, Discount: models.ZeroMoney(), Base: models.ZeroMoney()}
}

// Evaluate runs the checks in order; the first failure wins.
func Evaluate(c *models.Coupon, in Input) Result {
	if c == nil {
		return reject(ReasonNotFound)
	}
	if !c.IsActive {
		return reject(ReasonInactive)
	}
	if in.Now.Before(c.ValidFrom) {
		return reject(ReasonNotStarted)
	}
	if in.Now.After(c.ValidUntil) {
		return reject(ReasonExpired)
	}
	if c.IsFirstTimeOnly && in.History != nil && in.History.PriorOrders > 0 {
		return reject(ReasonFirstOrderOnly)
	}
	if in.OrderAmount.LessThan(c.MinOrderAmount.Decimal) {
		return reject(ReasonMinOrderAmountNotMet)
	}

	base := in.OrderAmount
	if len(c.ApplicableCategories) > 0 {
		var matched bool
		base, matched = categoryBase(c.ApplicableCategories, in.Items)
		if !matched {
			return reject(ReasonCategoryNotApplicable)
		}
	}

	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return reject(ReasonUsageLimitExceeded)
	}
	if c.PerUserLimit > 0 && in.History != nil && in.History.CouponUses >= c.PerUserLimit {
		return reject(ReasonPerUserLimitExceeded)
	}

	discount, ok := computeDiscount(c, base)
	if !ok {
		return reject(ReasonInvalidDefinition)
	}
	return Result{Valid: true, Discount: discount, Base: base}
}

func categoryBase(categories []string, items []Item) (models.Money, bool) {
	allowed := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		allowed[normalizeCategory(c)] = struct{}{}
	}
	base := models.ZeroMoney()
	matched := false
	for _, item := range items {
		if _, ok := allowed[normalizeCategory(item.Category)]; ok {
			matched = true
			base = base.Add(item.LineTotal)
		}
	}
	return base, matched
}

func computeDiscount(c *models.Coupon, base models.Money) (models.Money, bool) {
	if !c.Discount.IsPositive() {
		return models.Money{}, false
	}
	var amount decimal.Decimal
	switch c.Type {
	case models.CouponTypePercentage:
		if c.Discount.GreaterThan(decimal.NewFromInt(100)) {
			return models.Money{}, false
		}
		amount = base.Mul(c.Discount.Decimal).Div(decimal.NewFromInt(100))
		if c.MaxDiscount.IsPositive() && amount.GreaterThan(c.MaxDiscount.Decimal) {
			amount = c.MaxDiscount.Decimal
		}
	case models.CouponTypeFixed:
		amount = decimal.Min(c.Discount.Decimal, base.Decimal)
	default:
		return models.Money{}, false
	}
	if amount.GreaterThan(base.Decimal) {
		amount = base.Decimal
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return models.NewMoney(amount), true
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// NormalizeCode upper-cases and trims a coupon code as entered by a customer.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var codePattern = regexp.MustCompile(`^[A-Z0-9]{3,32}$`)

// ValidateDefinition checks the invariants of a stored coupon.
func ValidateDefinition(c *models.Coupon) map[string]string {
	problems := map[string]string{}
	if !codePattern.MatchString(c.Code) {
		problems["code"] = "must be 3-32 uppercase letters or digits"
	}
	if !c.Discount.IsPositive() {
		problems["discount"] = "must be greater than zero"
	}
	switch c.Type {
	case models.CouponTypePercentage:
		if c.Discount.GreaterThan(decimal.NewFromInt(100)) {
			problems["discount"] = "percentage must not exceed 100"
		}
	case models.CouponTypeFixed:
	default:
		problems["type"] = "must be percentage or fixed"
	}
	if c.ValidUntil.Before(c.ValidFrom) {
		problems["valid_until"] = "must not be before valid_from"
	}
	if c.MinOrderAmount.IsNegative() || c.MaxDiscount.IsNegative() {
		problems["amounts"] = "must not be negative"
	}
	return problems
}
