package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STOCK_RETRY_ATTEMPTS", "")
	t.Setenv("RETURN_WINDOW_DAYS", "")

	cfg := Load()

	assert.Equal(t, 3, cfg.Business.StockRetryAttempts)
	assert.Equal(t, 7*24*time.Hour, cfg.Business.ReturnWindow())
	assert.Equal(t, 5*time.Second, cfg.Business.OperationTimeout())
	assert.InDelta(t, 0.9, cfg.Business.PaymentSuccessRate, 1e-9)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RETURN_WINDOW_DAYS", "30")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PAYMENT_SUCCESS_RATE", "not-a-number")

	cfg := Load()

	assert.Equal(t, 30*24*time.Hour, cfg.Business.ReturnWindow())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.InDelta(t, 0.9, cfg.Business.PaymentSuccessRate, 1e-9)
}
