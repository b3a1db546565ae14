package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PAYMENT_EXPIRY", "ORDER_ABANDON_AFTER", "SWEEP_INTERVAL", "SWEEP_BATCH",
		"SWEEP_ENABLED", "STORE", "CURRENCY", "KAFKA_BROKERS", "GATEWAY_MAX_RETRIES"} {
		t.Setenv(k, "")
	}
	c := Load()
	assert.Equal(t, 2*time.Minute, c.PaymentExpiry)
	assert.Equal(t, 15*time.Minute, c.OrderAbandonAfter)
	assert.Equal(t, 15*time.Second, c.SweepInterval)
	assert.Equal(t, 100, c.SweepBatch)
	assert.True(t, c.SweepEnabled)
	assert.Equal(t, StorePostgres, c.Store)
	assert.Equal(t, "INR", c.Currency)
	assert.Equal(t, 2, c.GatewayMaxRetries)
	assert.Empty(t, c.KafkaBrokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAYMENT_EXPIRY", "90s")
	t.Setenv("SWEEP_BATCH", "25")
	t.Setenv("SWEEP_ENABLED", "false")
	t.Setenv("STORE", "Memory")
	t.Setenv("CURRENCY", "usd")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("GATEWAY_TIMEOUT", "not-a-duration")

	c := Load()
	assert.Equal(t, 90*time.Second, c.PaymentExpiry)
	assert.Equal(t, 25, c.SweepBatch)
	assert.False(t, c.SweepEnabled)
	assert.Equal(t, StoreMemory, c.Store)
	assert.Equal(t, "USD", c.Currency)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.KafkaBrokers)
	assert.Equal(t, 10*time.Second, c.GatewayTimeout, "bad values fall back to the default")
}

func TestValidate(t *testing.T) {
	ok := Config{
		Store: StorePostgres, WebhookSecret: "s", PaymentExpiry: 2 * time.Minute,
		OrderAbandonAfter: 15 * time.Minute, SweepInterval: time.Second,
		RedisAddr: "redis:6379", KafkaBrokers: []string{"k:9092"},
	}
	assert.Empty(t, ok.Validate())

	bad := ok
	bad.WebhookSecret = ""
	bad.Store = StoreMemory
	bad.Env = "production"
	bad.OrderAbandonAfter = time.Minute
	warnings := bad.Validate()
	assert.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "in-memory store")
}
