package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
	"github.com/stream254/throttle/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingCleaner struct {
	calls atomic.Int64
	err   error
}

func (c *countingCleaner) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	c.calls.Add(1)
	return 0, c.err
}

func TestSweeper_RunOnceDeletesExpiredState(t *testing.T) {
	db, err := storage.NewMemoryDatabase()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	now := time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

	backend := ratelimit.NewDatabaseBackend(db, ratelimit.FixedWindow)
	_, err = backend.Increment(ctx, "otp:login:old@example.com", time.Minute, now.Add(-72*time.Hour))
	require.NoError(t, err)
	_, err = backend.Increment(ctx, "otp:login:new@example.com", time.Minute, now)
	require.NoError(t, err)

	otps := repository.NewOTPRepository(db)
	require.NoError(t, otps.Create(ctx, &models.OTPCode{
		Email:     "old@example.com",
		CodeHash:  "x",
		ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, otps.Create(ctx, &models.OTPCode{
		Email:     "new@example.com",
		CodeHash:  "x",
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	sweeper := NewSweeper(backend, otps, zap.NewNop(), Config{Clock: func() time.Time { return now }})
	assert.Nil(t, sweeper.LastReport())

	report, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Windows)
	assert.Equal(t, int64(1), report.OTPCodes)
	assert.Equal(t, now, report.RanAt)

	require.NotNil(t, sweeper.LastReport())
	assert.Equal(t, report, *sweeper.LastReport())

	// Running again is a no-op
	report, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Windows)
	assert.Zero(t, report.OTPCodes)
}

func TestSweeper_RunOnceReportsErrors(t *testing.T) {
	cleaner := &countingCleaner{err: errors.New("database down")}
	sweeper := NewSweeper(cleaner, nil, zap.NewNop(), Config{})

	_, err := sweeper.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Nil(t, sweeper.LastReport())
}

func TestSweeper_StartRunsOnInterval(t *testing.T) {
	cleaner := &countingCleaner{}
	sweeper := NewSweeper(cleaner, nil, zap.NewNop(), Config{Interval: 10 * time.Millisecond})

	sweeper.Start()
	sweeper.Start()

	assert.Eventually(t, func() bool {
		return cleaner.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	sweeper.Stop()
	calls := cleaner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, cleaner.calls.Load())

	// Stop is idempotent and the sweeper can be restarted
	sweeper.Stop()
	sweeper.Start()
	sweeper.Stop()
}
