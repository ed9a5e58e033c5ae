package ratelimit

import (
	"context"
	"time"

	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/repository"
)

// DefaultRetention is how long inert windows are kept before the sweep deletes them
const DefaultRetention = 24 * time.Hour

// Durable backend over the rate_limit_windows table
type DurableBackend struct {
	repo      *repository.WindowRepository
	algorithm Algorithm
}

func NewDurableBackend(repo *repository.WindowRepository, algorithm Algorithm) *DurableBackend {
	return &DurableBackend{repo: repo, algorithm: algorithm}
}

func (d *DurableBackend) Name() string {
	return "database"
}

func (d *DurableBackend) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	var (
		row *models.RateLimitWindow
		err error
	)

	if d.algorithm == SlidingWindow {
		row, err = d.repo.IncrementSliding(ctx, key, window, now)
	} else {
		row, err = d.repo.IncrementFixed(ctx, key, window, now)
	}
	if err != nil {
		return Counter{}, err
	}

	return Counter{
		Count:       row.Count,
		WindowStart: row.StartTime(),
		ResetAt:     row.EndTime(),
	}, nil
}

func (d *DurableBackend) Reset(ctx context.Context, key string) error {
	_, err := d.repo.DeleteByKey(ctx, key)
	return err
}

// Deletes windows that ended more than retention before now
func (d *DurableBackend) Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return d.repo.DeleteExpired(ctx, now.Add(-retention))
}

func (d *DurableBackend) List(ctx context.Context, q repository.WindowQuery, now time.Time) ([]models.RateLimitWindow, error) {
	return d.repo.List(ctx, q, now)
}
