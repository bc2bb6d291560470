package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order lifecycle events by type",
	}, []string{"event_type"})

	OrderCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "order_commit_latency_seconds",
		Help:    "Latency of the transactional order commit",
		Buckets: prometheus.DefBuckets,
	})

	StockConflictRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_conflict_retries_total",
		Help: "Optimistic retries after a concurrent modification",
	}, []string{"operation"})

	CouponValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_validations_total",
		Help: "Coupon evaluations by outcome",
	}, []string{"outcome"})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of gateway calls",
	}, []string{"kind"})

	PaymentSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_success_total",
		Help: "Total number of successful gateway calls",
	}, []string{"kind"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_failed_total",
		Help: "Total number of failed gateway calls",
	}, []string{"kind"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_processing_latency_seconds",
		Help:    "Latency of payment processing",
		Buckets: prometheus.DefBuckets,
	})

	EventDeliveryRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_delivery_retries_total",
		Help: "Handler retries of consumed events",
	}, []string{"group"})

	EventsAbandonedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_abandoned_total",
		Help: "Consumed events skipped after the handler kept failing",
	}, []string{"group"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Customer notifications by event type and result",
	}, []string{"event_type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
