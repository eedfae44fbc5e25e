package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOverallStatus(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{}, zaptest.NewLogger(t))

	var redisErr error
	h.Register("storage", CheckFunc(func(ctx context.Context) error { return nil }), true)
	h.Register("redis", CheckFunc(func(ctx context.Context) error { return redisErr }), false)

	// nothing checked yet
	assert.Equal(t, StatusUnhealthy, h.Overall())

	h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, h.Overall())

	redisErr = errors.New("connection refused")
	h.CheckAll(context.Background())
	assert.Equal(t, StatusDegraded, h.Overall())

	redisHealth := h.GetComponentHealth("redis")
	require.NotNil(t, redisHealth)
	assert.Equal(t, StatusDegraded, redisHealth.Status)
	assert.Equal(t, "connection refused", redisHealth.Message)
	assert.Equal(t, 1, redisHealth.Stats["success"])
	assert.Equal(t, 1, redisHealth.Stats["failure"])
}

func TestFailureThreshold(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{FailureThreshold: 2}, zaptest.NewLogger(t))

	var storageErr error
	h.Register("storage", CheckFunc(func(ctx context.Context) error { return storageErr }), true)
	h.CheckAll(context.Background())
	require.Equal(t, StatusHealthy, h.Overall())

	storageErr = errors.New("database is locked")
	h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, h.Overall())

	h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, h.Overall())

	storageErr = nil
	h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, h.Overall())
}

func TestComponentHealthIsCopied(t *testing.T) {
	h := NewHealthMonitor(HealthConfig{}, zaptest.NewLogger(t))
	h.Register("storage", CheckFunc(func(ctx context.Context) error { return nil }), true)
	h.CheckAll(context.Background())

	all := h.GetAllComponentHealth()
	all["storage"].Stats["success"] = 100
	all["storage"].Status = StatusUnhealthy

	assert.Equal(t, 1, h.GetComponentHealth("storage").Stats["success"])
	assert.Equal(t, StatusHealthy, h.Overall())
	assert.Nil(t, h.GetComponentHealth("unknown"))
}
