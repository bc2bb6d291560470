package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/models"
)

// memStore is an in-memory stand-in for *store.Store with the same
// all-or-nothing commit and version check semantics.
type memStore struct {
	mu         sync.Mutex
	variants   map[string]*models.ProductVariant
	coupons    map[string]*models.Coupon
	couponUses map[int64]map[int64]int
	orders     map[int64]*models.Order
	byKey      map[string]int64
	payments   map[int64]*models.Payment
	processed  map[string]string
	nextID     int64

	commitErrs        []error
	updateErrs        []error
	paymentUpdateErrs []error
	commits           int
	updates           int

	// beforeCommit runs once ahead of the next commit, standing in for a
	// concurrent checkout that lands between pricing and commit.
	beforeCommit func()
}

func newMemStore() *memStore {
	return &memStore{
		variants:   map[string]*models.ProductVariant{},
		coupons:    map[string]*models.Coupon{},
		couponUses: map[int64]map[int64]int{},
		orders:     map[int64]*models.Order{},
		byKey:      map[string]int64{},
		payments:   map[int64]*models.Payment{},
		processed:  map[string]string{},
	}
}

func variantKey(productID int64, size string) string {
	return fmt.Sprintf("%d/%s", productID, size)
}

func (m *memStore) addVariant(productID int64, name, category, size, price string, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.variants[variantKey(productID, size)] = &models.ProductVariant{
		ProductID: productID, ProductName: name, Category: category,
		Size: size, Price: models.MustMoney(price), Stock: stock,
	}
}

func (m *memStore) addCoupon(c *models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.coupons[c.Code] = c
}

func (m *memStore) stock(productID int64, size string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.variants[variantKey(productID, size)].Stock
}

func (m *memStore) usedCount(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coupons[code].UsedCount
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// seedOrder stores an order directly, bypassing checkout.
func (m *memStore) seedOrder(o *models.Order) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o.ID = m.nextID
	if o.OrderNumber == "" {
		o.OrderNumber = fmt.Sprintf("ORD%d", o.ID)
	}
	m.orders[o.ID] = cloneOrder(o)
	return o
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *memStore) GetVariant(_ context.Context, productID int64, size string) (*models.ProductVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[variantKey(productID, size)]
	if !ok {
		return nil, apperr.NotFound("product variant", variantKey(productID, size))
	}
	copied := *v
	return &copied, nil
}

func (m *memStore) GetCouponByCode(_ context.Context, code string) (*models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[code]
	if !ok {
		return nil, apperr.NotFound("coupon", code)
	}
	copied := *c
	return &copied, nil
}

func (m *memStore) CountCouponUsage(_ context.Context, couponID, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.couponUses[couponID][userID], nil
}

func (m *memStore) CommitOrder(_ context.Context, order *models.Order, couponID int64) error {
	if hook := m.beforeCommit; hook != nil {
		m.beforeCommit = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if err := pop(&m.commitErrs); err != nil {
		return err
	}
	if order.IdempotencyKey != "" {
		if _, ok := m.byKey[order.IdempotencyKey]; ok {
			return apperr.Conflict("idempotency key already used by another order")
		}
	}

	var shortages []apperr.StockShortage
	for _, item := range order.Items {
		v := m.variants[variantKey(item.ProductID, item.Size)]
		if v.Stock < item.Quantity {
			shortages = append(shortages, apperr.StockShortage{
				ProductID: item.ProductID, Size: item.Size, Requested: item.Quantity, Available: v.Stock,
			})
		}
	}
	if len(shortages) > 0 {
		return apperr.InsufficientStock(shortages)
	}

	var c *models.Coupon
	if couponID != 0 {
		for _, candidate := range m.coupons {
			if candidate.ID == couponID {
				c = candidate
			}
		}
		if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
			return apperr.CouponRejected(c.Code, "usage_limit_exceeded", "coupon usage limit exceeded")
		}
		if c.PerUserLimit > 0 && m.couponUses[c.ID][order.UserID] >= c.PerUserLimit {
			return apperr.CouponRejected(c.Code, "per_user_limit_exceeded", "coupon already used the maximum number of times")
		}
		if c.IsFirstTimeOnly && order.UserID != 0 {
			for _, o := range m.orders {
				if o.UserID == order.UserID && o.Status != models.OrderStatusCancelled {
					return apperr.CouponRejected(c.Code, "first_order_only", "coupon is only valid on a first order")
				}
			}
		}
	}

	for _, item := range order.Items {
		m.variants[variantKey(item.ProductID, item.Size)].Stock -= item.Quantity
	}
	if c != nil {
		c.UsedCount++
		if m.couponUses[c.ID] == nil {
			m.couponUses[c.ID] = map[int64]int{}
		}
		m.couponUses[c.ID][order.UserID]++
	}

	m.nextID++
	order.ID = m.nextID
	order.Version = 1
	order.CreatedAt = time.Now()
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = cloneOrder(order)
	if order.IdempotencyKey != "" {
		m.byKey[order.IdempotencyKey] = order.ID
	}
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return cloneOrder(o), nil
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	return cloneOrder(m.orders[id]), nil
}

func (m *memStore) ListOrdersByUser(_ context.Context, userID int64, limit, offset int) ([]models.Order, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			all = append(all, *cloneOrder(o))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset >= total {
		return []models.Order{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) CountPriorOrders(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		if o.UserID == userID && o.Status != models.OrderStatusCancelled {
			n++
		}
	}
	return n, nil
}

func (m *memStore) UpdateOrder(_ context.Context, order *models.Order, restock bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if err := pop(&m.updateErrs); err != nil {
		return err
	}
	current, ok := m.orders[order.ID]
	if !ok {
		return apperr.NotFound("order", order.ID)
	}
	if current.Version != order.Version {
		return apperr.ConcurrentModification("order", 1)
	}
	if restock {
		for _, item := range current.Items {
			m.variants[variantKey(item.ProductID, item.Size)].Stock += item.Quantity
		}
	}
	order.Version++
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

func (m *memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	copied := *p
	m.payments[p.ID] = &copied
	return nil
}

func (m *memStore) UpdatePaymentStatus(_ context.Context, paymentID int64, status, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := pop(&m.paymentUpdateErrs); err != nil {
		return err
	}
	p, ok := m.payments[paymentID]
	if !ok {
		return apperr.NotFound("payment", paymentID)
	}
	p.Status = status
	p.ProviderTxID = txID
	return nil
}

func (m *memStore) paymentList() []models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payment
	for _, p := range m.payments {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *memStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = eventType
	return nil
}

func cloneOrder(o *models.Order) *models.Order {
	copied := *o
	copied.Items = append([]models.OrderItem(nil), o.Items...)
	if o.Request != nil {
		req := *o.Request
		if o.Request.Refund != nil {
			refund := *o.Request.Refund
			req.Refund = &refund
		}
		copied.Request = &req
	}
	return &copied
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu      sync.Mutex
	orders  []*models.OrderEvent
	payment []*models.PaymentEvent
	err     error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event *models.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders = append(p.orders, event)
	return p.err
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, event *models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payment = append(p.payment, event)
	return p.err
}

func (p *recordingPublisher) orderTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, len(p.orders))
	for i, e := range p.orders {
		types[i] = e.EventType
	}
	return types
}

func (p *recordingPublisher) paymentEvents() []*models.PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.PaymentEvent(nil), p.payment...)
}

// memGuard mimics the Redis lock and idempotency cache.
type memGuard struct {
	mu         sync.Mutex
	locks      map[string]string
	remembered map[string]int64
	err        error
	seq        int
}

func newMemGuard() *memGuard {
	return &memGuard{locks: map[string]string{}, remembered: map[string]int64{}}
}

func (g *memGuard) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", false, g.err
	}
	if _, held := g.locks[key]; held {
		return "", false, nil
	}
	g.seq++
	token := fmt.Sprintf("token-%d", g.seq)
	g.locks[key] = token
	return token, true, nil
}

func (g *memGuard) ReleaseLock(_ context.Context, key, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[key] == token {
		delete(g.locks, key)
	}
	return nil
}

func (g *memGuard) RememberOrder(_ context.Context, key string, orderID int64, _ time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.remembered[key] = orderID
	return nil
}

func (g *memGuard) LookupOrder(_ context.Context, key string) (int64, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return 0, false, g.err
	}
	id, ok := g.remembered[key]
	return id, ok, nil
}
