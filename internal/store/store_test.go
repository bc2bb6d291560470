package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/coupon"
	"storefront-orders/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_DATABASE_URL; the tests are skipped without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - set TEST_DATABASE_URL")
	}
	s, err := NewStore(url)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedVariant(t *testing.T, s *Store, stock int) *models.ProductVariant {
	t.Helper()
	v := &models.ProductVariant{
		ProductID:   time.Now().UnixNano(),
		ProductName: "Oversized Tee",
		Category:    "shirts",
		Size:        "M",
		Price:       models.MustMoney("499"),
		Stock:       stock,
	}
	require.NoError(t, s.UpsertVariant(context.Background(), v))
	return v
}

func testOrder(v *models.ProductVariant, qty int) *models.Order {
	item := models.OrderItem{
		ProductID:   v.ProductID,
		ProductName: v.ProductName,
		Category:    v.Category,
		Size:        v.Size,
		UnitPrice:   v.Price,
		Quantity:    qty,
	}
	subtotal := item.LineTotal()
	return &models.Order{
		OrderNumber:     "ORD-" + uuid.New().String(),
		UserID:          123,
		ShippingAddress: models.ShippingAddress{FullName: "A Buyer", Line1: "1 Main St", City: "Pune", Country: "IN"},
		PaymentMethod:   models.PaymentMethodCard,
		PaymentStatus:   models.PaymentStatusPending,
		Status:          models.OrderStatusPending,
		Subtotal:        subtotal,
		Discount:        models.ZeroMoney(),
		Total:           subtotal,
		Items:           []models.OrderItem{item},
	}
}

func TestCommitOrderDecrementsStock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 5)

	order := testOrder(v, 2)
	require.NoError(t, s.CommitOrder(ctx, order, 0))
	assert.NotZero(t, order.ID)
	assert.NotZero(t, order.Items[0].ID)

	after, err := s.GetVariant(ctx, v.ProductID, v.Size)
	require.NoError(t, err)
	assert.Equal(t, 3, after.Stock)

	loaded, err := s.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "998.00", loaded.Total.String())
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, v.Size, loaded.Items[0].Size)
}

func TestCommitOrderInsufficientStockWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 1)

	err := s.CommitOrder(ctx, testOrder(v, 2), 0)
	require.True(t, apperr.Is(err, apperr.KindInsufficientStock))
	shortages := apperr.As(err).Details.([]apperr.StockShortage)
	assert.Equal(t, 1, shortages[0].Available)

	after, err := s.GetVariant(ctx, v.ProductID, v.Size)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Stock)
}

func TestConcurrentLastUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CommitOrder(ctx, testOrder(v, 1), 0)
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindInsufficientStock):
			short++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
}

func TestCommitOrderCouponUsageLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 10)

	c := &models.Coupon{
		Code:       fmt.Sprintf("ONCE%d", time.Now().UnixNano()%1000000),
		Discount:   models.MustMoney("10"),
		Type:       models.CouponTypePercentage,
		ValidFrom:  time.Now().Add(-time.Hour),
		ValidUntil: time.Now().Add(time.Hour),
		UsageLimit: 1,
		IsActive:   true,
	}
	require.NoError(t, s.CreateCoupon(ctx, c))

	first := testOrder(v, 1)
	first.CouponCode = c.Code
	require.NoError(t, s.CommitOrder(ctx, first, c.ID))

	second := testOrder(v, 1)
	second.CouponCode = c.Code
	err := s.CommitOrder(ctx, second, c.ID)
	assert.Equal(t, coupon.ReasonUsageLimitExceeded, apperr.CouponReason(err))

	after, err := s.GetVariant(ctx, v.ProductID, v.Size)
	require.NoError(t, err)
	assert.Equal(t, 9, after.Stock, "rejected coupon rolls back the stock decrement")
}

func TestCreateCouponRejectsInvalidDefinition(t *testing.T) {
	s := &Store{}
	c := &models.Coupon{
		Code:       "summer-sale!",
		Discount:   models.MustMoney("120"),
		Type:       models.CouponTypePercentage,
		ValidFrom:  time.Now(),
		ValidUntil: time.Now().Add(-time.Hour),
	}

	err := s.CreateCoupon(context.Background(), c)

	require.True(t, apperr.Is(err, apperr.KindValidation))
	fields := apperr.As(err).Fields
	assert.Contains(t, fields, "code")
	assert.Contains(t, fields, "discount")
	assert.Contains(t, fields, "valid_until")
}

func TestConcurrentFirstOrdersTakeFirstOrderCouponOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 10)

	c := &models.Coupon{
		Code:            fmt.Sprintf("first%d", time.Now().UnixNano()%1000000),
		Discount:        models.MustMoney("10"),
		Type:            models.CouponTypePercentage,
		ValidFrom:       time.Now().Add(-time.Hour),
		ValidUntil:      time.Now().Add(time.Hour),
		IsActive:        true,
		IsFirstTimeOnly: true,
	}
	require.NoError(t, s.CreateCoupon(ctx, c))
	assert.Equal(t, strings.ToUpper(c.Code), c.Code)

	userID := time.Now().UnixNano()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order := testOrder(v, 1)
			order.UserID = userID
			order.CouponCode = c.Code
			errs[i] = s.CommitOrder(ctx, order, c.ID)
		}(i)
	}
	wg.Wait()

	var committed int
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		assert.Equal(t, coupon.ReasonFirstOrderOnly, apperr.CouponReason(err))
	}
	assert.Equal(t, 1, committed)
}

func TestIdempotencyKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 10)
	key := uuid.New().String()

	first := testOrder(v, 1)
	first.IdempotencyKey = key
	require.NoError(t, s.CommitOrder(ctx, first, 0))

	second := testOrder(v, 1)
	second.IdempotencyKey = key
	err := s.CommitOrder(ctx, second, 0)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	found, err := s.GetOrderByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestUpdateOrderVersionCheckAndRestock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	v := seedVariant(t, s, 4)

	order := testOrder(v, 3)
	require.NoError(t, s.CommitOrder(ctx, order, 0))

	stale, err := s.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)

	order.Status = models.OrderStatusCancelled
	now := time.Now()
	order.CancelledAt = &now
	require.NoError(t, s.UpdateOrder(ctx, order, true))

	after, err := s.GetVariant(ctx, v.ProductID, v.Size)
	require.NoError(t, err)
	assert.Equal(t, 4, after.Stock)

	stale.Status = models.OrderStatusConfirmed
	err = s.UpdateOrder(ctx, stale, false)
	assert.True(t, apperr.Is(err, apperr.KindConcurrentModification))
}
