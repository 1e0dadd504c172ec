package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{DSN: "postgres://localhost/test"}.withDefaults()

	assert.Equal(t, 60*time.Second, cfg.TrimInterval)
	assert.Equal(t, 60*time.Second, cfg.StaleTimeout)
	assert.Equal(t, 60*time.Second, cfg.ResetStaleInterval)
	assert.Equal(t, 5*time.Second, cfg.ScheduledInterval)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{DSN: "x", TrimInterval: time.Minute * 5}.withDefaults()
	assert.Equal(t, 5*time.Minute, cfg.TrimInterval)
}

func TestDefaultSubscriptionConfig(t *testing.T) {
	cfg := DefaultSubscriptionConfig()
	assert.Equal(t, Sequential, cfg.ConsumptionMode)
	assert.Equal(t, Latest, cfg.StartPosition)
	assert.Equal(t, 1, cfg.MaxAttempts)
	assert.Equal(t, RetryLinear, cfg.RetryStrategy)
}

func TestDefaultConsumeConfig(t *testing.T) {
	cfg := DefaultConsumeConfig()
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, time.Second, cfg.PollingInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.True(t, cfg.Autostart)
}

func TestSubscribeOptions(t *testing.T) {
	cfg := DefaultSubscriptionConfig()
	WithConsumptionMode(Parallel)(&cfg)
	WithMaxAttempts(5)(&cfg)
	WithRetryStrategy(RetryExponential)(&cfg)
	WithRetryDelay(2 * time.Second)(&cfg)
	WithStartPosition(Earliest)(&cfg)

	assert.Equal(t, Parallel, cfg.ConsumptionMode)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, RetryExponential, cfg.RetryStrategy)
	assert.Equal(t, int64(2000), cfg.RetryDelayMs)
	assert.Equal(t, Earliest, cfg.StartPosition)
}
