package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/models"
	"storefront-orders/internal/orderstate"
	"storefront-orders/internal/service"
	"storefront-orders/internal/validate"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrderService is what the HTTP layer needs from *service.OrderService.
type OrderService interface {
	CreateOrder(ctx context.Context, req *service.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, orderID, userID int64) (*models.Order, error)
	GetOrderAdmin(ctx context.Context, orderID int64) (*models.Order, error)
	ListOrdersForUser(ctx context.Context, userID int64, page, pageSize int) (*service.OrderPage, error)
	ValidateCoupon(ctx context.Context, req *service.ValidateCouponRequest) (*service.CouponQuote, error)
	RequestCancel(ctx context.Context, orderID, userID int64, reason, description string) (*models.Order, error)
	RequestReturn(ctx context.Context, orderID, userID int64, reason, description string) (*models.Order, error)
	ProcessCancelRequest(ctx context.Context, orderID int64, d orderstate.Decision) (*models.Order, error)
	ProcessReturnRequest(ctx context.Context, orderID int64, d orderstate.ReturnDecision) (*models.Order, error)
	SetStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error)
}

// Pinger is a dependency checked by the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService OrderService
	deps         map[string]Pinger
}

// NewHandler creates a new HTTP handler. deps are pinged by /ready.
func NewHandler(orderService OrderService, deps map[string]Pinger) *Handler {
	return &Handler{
		orderService: orderService,
		deps:         deps,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	customer := v1.Group("", requireIdentity("X-User-ID", userIDKey))
	{
		customer.POST("/orders", h.createOrder)
		customer.GET("/orders", h.listOrders)
		customer.GET("/orders/:id", h.getOrder)
		customer.POST("/orders/:id/cancel", h.requestCancel)
		customer.POST("/orders/:id/return", h.requestReturn)
	}

	// guests may check a coupon; X-User-ID enables the per-user checks
	v1.POST("/coupons/validate", h.validateCoupon)

	admin := v1.Group("/admin", requireIdentity("X-Admin-ID", adminIDKey))
	{
		admin.GET("/orders/:id", h.getOrderAdmin)
		admin.POST("/orders/:id/cancel-request", h.processCancel)
		admin.POST("/orders/:id/return-request", h.processReturn)
		admin.PUT("/orders/:id/status", h.setStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, label := http.StatusOK, "ready"
	if !ready {
		status, label = http.StatusServiceUnavailable, "not_ready"
	}
	c.JSON(status, gin.H{
		"status": label,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, validate.Error(err))
		return false
	}
	return true
}

func orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, apperr.ValidationField("id", "invalid order id"))
		return 0, false
	}
	return id, true
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	req.UserID = c.GetInt64(userIDKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	respond(c, http.StatusCreated, order)
}

// listOrders returns the caller's orders, newest first
func (h *Handler) listOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	result, err := h.orderService.ListOrdersForUser(c.Request.Context(), c.GetInt64(userIDKey), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), id, c.GetInt64(userIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

type requestBody struct {
	Reason      string `json:"reason" binding:"required,max=32"`
	Description string `json:"description" binding:"max=500"`
}

func (h *Handler) requestCancel(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var body requestBody
	if !bindJSON(c, &body) {
		return
	}

	order, err := h.orderService.RequestCancel(c.Request.Context(), id, c.GetInt64(userIDKey), body.Reason, body.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h *Handler) requestReturn(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var body requestBody
	if !bindJSON(c, &body) {
		return
	}

	order, err := h.orderService.RequestReturn(c.Request.Context(), id, c.GetInt64(userIDKey), body.Reason, body.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h *Handler) validateCoupon(c *gin.Context) {
	var req service.ValidateCouponRequest
	if !bindJSON(c, &req) {
		return
	}
	if raw := c.GetHeader("X-User-ID"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			respondError(c, apperr.ValidationField("X-User-ID", "must be a positive integer"))
			return
		}
		req.UserID = userID
	}

	quote, err := h.orderService.ValidateCoupon(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, quote)
}

func (h *Handler) getOrderAdmin(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}

	order, err := h.orderService.GetOrderAdmin(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

type decisionBody struct {
	Approved *bool  `json:"approved" binding:"required"`
	Notes    string `json:"notes" binding:"max=1000"`
}

func decision(approved *bool, notes string, adminID int64) orderstate.Decision {
	return orderstate.Decision{Approved: *approved, AdminID: adminID, Notes: notes}
}

func (h *Handler) processCancel(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var body decisionBody
	if !bindJSON(c, &body) {
		return
	}
	d := decision(body.Approved, body.Notes, c.GetInt64(adminIDKey))

	order, err := h.orderService.ProcessCancelRequest(c.Request.Context(), id, d)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

type returnDecisionBody struct {
	Approved       *bool        `json:"approved" binding:"required"`
	Notes          string       `json:"notes" binding:"max=1000"`
	RefundAmount   models.Money `json:"refund_amount"`
	RefundMethod   string       `json:"refund_method" binding:"omitempty,oneof=original_payment store_credit bank_transfer"`
	TrackingNumber string       `json:"tracking_number" binding:"max=64"`
}

func (h *Handler) processReturn(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var body returnDecisionBody
	if !bindJSON(c, &body) {
		return
	}
	order, err := h.orderService.ProcessReturnRequest(c.Request.Context(), id, orderstate.ReturnDecision{
		Decision:       decision(body.Approved, body.Notes, c.GetInt64(adminIDKey)),
		RefundAmount:   body.RefundAmount,
		RefundMethod:   body.RefundMethod,
		TrackingNumber: body.TrackingNumber,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}

func (h *Handler) setStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var body struct {
		Status models.OrderStatus `json:"status" binding:"required"`
	}
	if !bindJSON(c, &body) {
		return
	}

	order, err := h.orderService.SetStatus(c.Request.Context(), id, body.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, order)
}
