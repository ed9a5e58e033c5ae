package healthcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChecker_OverallHealth(t *testing.T) {
	var redisDown, dbDown atomic.Bool

	probes := []Probe{
		{Name: "database", Critical: true, Check: func(ctx context.Context) error {
			if dbDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		}},
		{Name: "redis", Check: func(ctx context.Context) error {
			if redisDown.Load() {
				return errors.New("connection refused")
			}
			return nil
		}},
	}

	checker := NewChecker(probes, zap.NewNop(), Config{})
	ctx := context.Background()

	checker.CheckAll(ctx)
	assert.Equal(t, Healthy, checker.OverallHealth())

	redisDown.Store(true)
	checker.CheckAll(ctx)
	assert.Equal(t, Degraded, checker.OverallHealth())

	status := checker.GetAllStatus()["redis"]
	assert.False(t, status.IsHealthy)
	assert.Equal(t, "connection refused", status.LastError)
	assert.Equal(t, 1, status.FailureCount)

	dbDown.Store(true)
	checker.CheckAll(ctx)
	assert.Equal(t, Unhealthy, checker.OverallHealth())

	redisDown.Store(false)
	dbDown.Store(false)
	checker.CheckAll(ctx)
	assert.Equal(t, Healthy, checker.OverallHealth())
	assert.Empty(t, checker.GetAllStatus()["redis"].LastError)
}

func TestChecker_MaxFailures(t *testing.T) {
	probes := []Probe{{Name: "redis", Check: func(ctx context.Context) error {
		return errors.New("timeout")
	}}}

	checker := NewChecker(probes, zap.NewNop(), Config{MaxFailures: 3})
	ctx := context.Background()

	checker.CheckAll(ctx)
	checker.CheckAll(ctx)
	assert.Equal(t, Healthy, checker.OverallHealth())

	checker.CheckAll(ctx)
	assert.Equal(t, Degraded, checker.OverallHealth())
}

func TestChecker_ProbeTimeout(t *testing.T) {
	probes := []Probe{{Name: "database", Critical: true, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}}

	checker := NewChecker(probes, zap.NewNop(), Config{Timeout: 10 * time.Millisecond})
	checker.CheckAll(context.Background())

	assert.Equal(t, Unhealthy, checker.OverallHealth())
}

func TestChecker_StartStop(t *testing.T) {
	var calls atomic.Int64
	probes := []Probe{{Name: "database", Check: func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}}}

	checker := NewChecker(probes, zap.NewNop(), Config{Interval: 10 * time.Millisecond})
	checker.Start()
	checker.Start()

	// Start checks once synchronously
	require.GreaterOrEqual(t, calls.Load(), int64(1))

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	checker.Stop()
	checker.Stop()
}
