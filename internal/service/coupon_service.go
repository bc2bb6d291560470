package service

import (
	"context"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/coupon"
	"storefront-orders/internal/models"
	"storefront-orders/internal/util"

	"go.uber.org/zap"
)

// OrderHistory answers the first-order question for coupon eligibility.
type OrderHistory interface {
	CountPriorOrders(ctx context.Context, userID int64) (int, error)
}

// CouponService loads a coupon and the customer's history, then runs the evaluator.
// It never consumes a use; that happens when the order commits.
type CouponService struct {
	coupons CouponStore
	history OrderHistory
	logger  *zap.Logger
}

// NewCouponService creates a new coupon service
func NewCouponService(coupons CouponStore, history OrderHistory) *CouponService {
	return &CouponService{
		coupons: coupons,
		history: history,
		logger:  util.GetLogger(),
	}
}

// Apply evaluates code against the priced items. userID zero is a guest: no
// history is supplied and the per-user checks are skipped. A rejection is
// returned as a coupon_rejected error carrying the evaluator's reason.
func (cs *CouponService) Apply(ctx context.Context, code string, userID int64, items []models.OrderItem, subtotal models.Money, now time.Time) (*models.Coupon, coupon.Result, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Apply")
	defer span.End()

	code = coupon.NormalizeCode(code)
	c, err := cs.coupons.GetCouponByCode(ctx, code)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, coupon.Result{}, apperr.Wrap(err, "failed to load coupon")
	}
	if err != nil {
		c = nil
	}

	in := coupon.Input{
		Items:       make([]coupon.Item, len(items)),
		OrderAmount: subtotal,
		UserID:      userID,
		Now:         now,
	}
	for i, item := range items {
		in.Items[i] = coupon.Item{ProductID: item.ProductID, Category: item.Category, LineTotal: item.LineTotal()}
	}

	if c != nil && userID > 0 {
		prior, err := cs.history.CountPriorOrders(ctx, userID)
		if err != nil {
			return nil, coupon.Result{}, apperr.Wrap(err, "failed to count prior orders")
		}
		uses, err := cs.coupons.CountCouponUsage(ctx, c.ID, userID)
		if err != nil {
			return nil, coupon.Result{}, apperr.Wrap(err, "failed to count coupon usage")
		}
		in.History = &coupon.History{PriorOrders: prior, CouponUses: uses}
	}

	result := coupon.Evaluate(c, in)
	if !result.Valid {
		util.CouponValidationsTotal.WithLabelValues(result.Reason).Inc()
		cs.logger.Info("Coupon rejected",
			zap.String("code", code),
			zap.Int64("user_id", userID),
			zap.String("reason", result.Reason))
		return c, result, apperr.CouponRejected(code, result.Reason, coupon.Message(result.Reason))
	}

	util.CouponValidationsTotal.WithLabelValues("valid").Inc()
	return c, result, nil
}
