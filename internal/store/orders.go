package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/coupon"
	"storefront-orders/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, order_number, user_id, shipping_address, payment_method, payment_status,
	order_status, coupon_code, subtotal, discount, total, request,
	COALESCE(idempotency_key, '') AS idempotency_key, version, created_at, updated_at,
	confirmed_at, shipped_at, delivered_at, cancelled_at, returned_at, refunded_at`

// CommitOrder persists a priced order in one transaction: every line's stock is
// decremented conditionally, the coupon usage counter is consumed, and the
// order with its items is inserted. Nothing is written unless all of it succeeds.
// couponID is zero when no coupon applies.
func (s *Store) CommitOrder(ctx context.Context, order *models.Order, couponID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := decrementStock(ctx, tx, order.Items); err != nil {
		return err
	}

	if couponID > 0 {
		if err := consumeCoupon(ctx, tx, couponID, order.UserID, order.CouponCode); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO orders (order_number, user_id, shipping_address, payment_method, payment_status,
			order_status, coupon_code, subtotal, discount, total, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
		RETURNING id, version, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.OrderNumber, order.UserID, order.ShippingAddress, order.PaymentMethod, order.PaymentStatus,
		order.Status, order.CouponCode, order.Subtotal, order.Discount, order.Total, order.IdempotencyKey,
	).Scan(&order.ID, &order.Version, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return mapError(err, "failed to insert order")
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, category, size, unit_price, quantity)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductName, item.Category, item.Size, item.UnitPrice, item.Quantity,
		).Scan(&item.ID)
		if err != nil {
			return mapError(err, "failed to insert order item")
		}
	}

	if couponID > 0 {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount) VALUES ($1, $2, $3, $4)",
			couponID, order.UserID, order.ID, order.Discount)
		if err != nil {
			return mapError(err, "failed to record coupon usage")
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError(err, "failed to commit order")
	}
	return nil
}

// decrementStock takes the rows in (product, size) order so concurrent
// checkouts lock variants in the same sequence.
func decrementStock(ctx context.Context, tx *sqlx.Tx, items []models.OrderItem) error {
	sorted := make([]models.OrderItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ProductID != sorted[j].ProductID {
			return sorted[i].ProductID < sorted[j].ProductID
		}
		return sorted[i].Size < sorted[j].Size
	})

	var shortages []apperr.StockShortage
	for _, item := range sorted {
		res, err := tx.ExecContext(ctx, `
			UPDATE product_variants
			SET stock = stock - $1, version = version + 1, updated_at = NOW()
			WHERE product_id = $2 AND size = $3 AND stock >= $1`,
			item.Quantity, item.ProductID, item.Size)
		if err != nil {
			return mapError(err, "failed to decrement stock")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected > 0 {
			continue
		}

		var available int
		err = tx.GetContext(ctx, &available,
			"SELECT stock FROM product_variants WHERE product_id = $1 AND size = $2", item.ProductID, item.Size)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return mapError(err, "failed to read stock")
		}
		shortages = append(shortages, apperr.StockShortage{
			ProductID: item.ProductID,
			Size:      item.Size,
			Requested: item.Quantity,
			Available: available,
		})
	}

	if len(shortages) > 0 {
		return apperr.InsufficientStock(shortages)
	}
	return nil
}

// consumeCoupon increments the global counter only while it is under the limit.
// The row lock taken by the UPDATE serializes concurrent uses of the same coupon,
// so the per-user count read afterwards sees every committed use. First order
// coupons additionally take a per-user advisory lock before counting the
// user's orders, which keeps two first checkouts from both qualifying.
func consumeCoupon(ctx context.Context, tx *sqlx.Tx, couponID, userID int64, code string) error {
	var limits struct {
		PerUserLimit    int  `db:"per_user_limit"`
		IsFirstTimeOnly bool `db:"is_first_time_only"`
	}
	err := tx.GetContext(ctx, &limits, `
		UPDATE coupons
		SET used_count = used_count + 1, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND is_active AND (usage_limit = 0 OR used_count < usage_limit)
		RETURNING per_user_limit, is_first_time_only`, couponID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.CouponRejected(code, coupon.ReasonUsageLimitExceeded, coupon.Message(coupon.ReasonUsageLimitExceeded))
	}
	if err != nil {
		return mapError(err, "failed to consume coupon")
	}
	if userID == 0 {
		return nil
	}

	if limits.IsFirstTimeOnly {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", userID); err != nil {
			return mapError(err, "failed to lock user checkout")
		}
		var prior int
		err := tx.GetContext(ctx, &prior,
			"SELECT COUNT(*) FROM orders WHERE user_id = $1 AND order_status <> $2",
			userID, models.OrderStatusCancelled)
		if err != nil {
			return mapError(err, "failed to count prior orders")
		}
		if prior > 0 {
			return apperr.CouponRejected(code, coupon.ReasonFirstOrderOnly, coupon.Message(coupon.ReasonFirstOrderOnly))
		}
	}

	if limits.PerUserLimit == 0 {
		return nil
	}
	var used int
	err = tx.GetContext(ctx, &used,
		"SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2", couponID, userID)
	if err != nil {
		return mapError(err, "failed to count coupon usage")
	}
	if used >= limits.PerUserLimit {
		return apperr.CouponRejected(code, coupon.ReasonPerUserLimitExceeded, coupon.Message(coupon.ReasonPerUserLimitExceeded))
	}
	return nil
}

// GetOrderByID retrieves an order with its items
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if err := s.loadItems(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key, or nil when none exists
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrdersByUser returns one page of a user's orders, newest first, and the total count
func (s *Store) ListOrdersByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Order, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM orders WHERE user_id = $1", userID); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}

	ptrs := make([]*models.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := s.loadItems(ctx, ptrs); err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// CountPriorOrders counts a user's orders that were not cancelled
func (s *Store) CountPriorOrders(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM orders WHERE user_id = $1 AND order_status <> $2",
		userID, models.OrderStatusCancelled)
	return n, err
}

// UpdateOrder writes the mutable order fields if nobody changed the order since
// it was read (version compare-and-swap). With restock set, every line item's
// quantity goes back to its variant in the same transaction.
func (s *Store) UpdateOrder(ctx context.Context, order *models.Order, restock bool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET order_status = $1, payment_status = $2, request = $3, updated_at = $4,
			confirmed_at = $5, shipped_at = $6, delivered_at = $7, cancelled_at = $8,
			returned_at = $9, refunded_at = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		order.Status, order.PaymentStatus, order.Request, order.UpdatedAt,
		order.ConfirmedAt, order.ShippedAt, order.DeliveredAt, order.CancelledAt,
		order.ReturnedAt, order.RefundedAt, order.ID, order.Version)
	if err != nil {
		return mapError(err, "failed to update order")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return apperr.ConcurrentModification("order", 1)
	}

	if restock {
		for _, item := range order.Items {
			_, err := tx.ExecContext(ctx, `
				UPDATE product_variants
				SET stock = stock + $1, version = version + 1, updated_at = NOW()
				WHERE product_id = $2 AND size = $3`,
				item.Quantity, item.ProductID, item.Size)
			if err != nil {
				return mapError(err, "failed to restore stock")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError(err, "failed to commit order update")
	}
	order.Version++
	return nil
}

func (s *Store) loadItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	byID := make(map[int64]*models.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = []models.OrderItem{}
	}

	query, args, err := sqlx.In("SELECT * FROM order_items WHERE order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	for _, item := range items {
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return nil
}
