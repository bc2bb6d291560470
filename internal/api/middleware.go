package api

import (
	"strconv"
	"time"

	"storefront-orders/internal/apperr"
	"storefront-orders/internal/util"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey  = "user_id"
	adminIDKey = "admin_id"
)

// requireIdentity reads a positive numeric id from header into the context.
// Authentication happens upstream; this only trusts what the gateway forwards.
func requireIdentity(header, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(header), 10, 64)
		if err != nil || id <= 0 {
			respondError(c, apperr.ValidationField(header, "must be a positive integer"))
			return
		}
		c.Set(key, id)
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
