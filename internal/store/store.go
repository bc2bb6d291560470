package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/coupon"
	"storefront-orders/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// GetVariant retrieves a product variant by product and size
func (s *Store) GetVariant(ctx context.Context, productID int64, size string) (*models.ProductVariant, error) {
	var v models.ProductVariant
	err := s.db.GetContext(ctx, &v,
		"SELECT * FROM product_variants WHERE product_id = $1 AND size = $2", productID, size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product variant", fmt.Sprintf("%d/%s", productID, size))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant: %w", err)
	}
	return &v, nil
}

// UpsertVariant creates or replaces a variant; used for seeding and tests.
func (s *Store) UpsertVariant(ctx context.Context, v *models.ProductVariant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_variants (product_id, product_name, category, size, price, stock)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (product_id, size) DO UPDATE
		SET product_name = EXCLUDED.product_name, category = EXCLUDED.category,
		    price = EXCLUDED.price, stock = EXCLUDED.stock,
		    version = product_variants.version + 1, updated_at = NOW()`,
		v.ProductID, v.ProductName, v.Category, v.Size, v.Price, v.Stock)
	return err
}

// GetCouponByCode retrieves a coupon by its (normalized) code
func (s *Store) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := s.db.GetContext(ctx, &c, "SELECT * FROM coupons WHERE code = $1", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("coupon", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	return &c, nil
}

// CreateCoupon normalizes the code and inserts a coupon definition that passes
// coupon.ValidateDefinition.
func (s *Store) CreateCoupon(ctx context.Context, c *models.Coupon) error {
	c.Code = coupon.NormalizeCode(c.Code)
	if problems := coupon.ValidateDefinition(c); len(problems) > 0 {
		return apperr.Validation(problems)
	}

	query := `
		INSERT INTO coupons (code, description, discount, type, applicable_categories, min_order_amount,
			max_discount, valid_from, valid_until, usage_limit, per_user_limit, is_active, is_first_time_only)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, used_count, version, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		c.Code, c.Description, c.Discount, c.Type, c.ApplicableCategories, c.MinOrderAmount,
		c.MaxDiscount, c.ValidFrom, c.ValidUntil, c.UsageLimit, c.PerUserLimit, c.IsActive, c.IsFirstTimeOnly,
	).Scan(&c.ID, &c.UsedCount, &c.Version, &c.CreatedAt, &c.UpdatedAt)
}

// CountCouponUsage counts committed orders of a user that used the coupon
func (s *Store) CountCouponUsage(ctx context.Context, couponID, userID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2", couponID, userID)
	return n, err
}

// CreatePayment creates a new payment record
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (order_id, kind, status, provider_tx_id, amount)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		payment.OrderID, payment.Kind, payment.Status, payment.ProviderTxID, payment.Amount,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
}

// UpdatePaymentStatus updates payment status
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID int64, status, providerTxID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payments SET status = $1, provider_tx_id = $2, updated_at = NOW() WHERE id = $3",
		status, providerTxID, paymentID)
	return err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

// mapError turns driver errors that callers can act on into typed errors.
func mapError(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			switch pqErr.Constraint {
			case "orders_idempotency_key_key":
				return apperr.Conflict("idempotency key already used by another order")
			case "orders_order_number_key":
				// order number collision; a retry draws a new one
				return apperr.ConcurrentModification("order number", 1)
			}
			return apperr.Conflict("duplicate %s", pqErr.Constraint)
		case "40001", "40P01":
			return apperr.ConcurrentModification("order", 1)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
