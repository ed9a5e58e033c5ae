package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/storage"
	"gorm.io/gorm"
)

// Increments the active window or replaces an inert one, in one statement.
// The CASE arms all read the pre-update row, so the order of assignments is irrelevant.
const incrementFixedWindowSQL = `
	INSERT INTO rate_limit_windows ("key", count, window_start, window_end)
	VALUES (?, 1, ?, ?)
	ON CONFLICT ("key") DO UPDATE SET
		count = CASE WHEN rate_limit_windows.window_end > excluded.window_start
			THEN rate_limit_windows.count + 1 ELSE 1 END,
		window_start = CASE WHEN rate_limit_windows.window_end > excluded.window_start
			THEN rate_limit_windows.window_start ELSE excluded.window_start END,
		window_end = CASE WHEN rate_limit_windows.window_end > excluded.window_start
			THEN rate_limit_windows.window_end ELSE excluded.window_end END
	RETURNING id, "key", count, window_start, window_end
`

// Creates the key's row if missing and takes its row lock for the rest of the transaction
const lockWindowSQL = `
	INSERT INTO rate_limit_windows ("key", count, window_start, window_end)
	VALUES (?, 0, ?, ?)
	ON CONFLICT ("key") DO UPDATE SET count = rate_limit_windows.count
`

type WindowRepository struct {
	db *storage.Database
}

func NewWindowRepository(db *storage.Database) *WindowRepository {
	return &WindowRepository{db: db}
}

// Counts one attempt against a fixed window anchored at its first hit
func (r *WindowRepository) IncrementFixed(ctx context.Context, key string, window time.Duration, now time.Time) (*models.RateLimitWindow, error) {
	start := now.UnixMilli()
	end := now.Add(window).UnixMilli()

	var row models.RateLimitWindow
	err := r.db.DB.WithContext(ctx).
		Raw(incrementFixedWindowSQL, key, start, end).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("increment fixed window: %w", err)
	}

	if row.Key == "" {
		return nil, errors.New("increment fixed window: no row returned")
	}

	return &row, nil
}

// Records one attempt in the sliding log and refreshes the key's window row.
// The window row is written first so concurrent callers for the same key queue on its lock.
func (r *WindowRepository) IncrementSliding(ctx context.Context, key string, window time.Duration, now time.Time) (*models.RateLimitWindow, error) {
	nowMs := now.UnixMilli()
	cutoff := now.Add(-window).UnixMilli()

	var row models.RateLimitWindow
	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Exec(lockWindowSQL, key, nowMs, now.Add(window).UnixMilli()).Error; err != nil {
			return err
		}

		if err := tx.Where(`"key" = ? AND hit_at <= ?`, key, cutoff).
			Delete(&models.RateLimitHit{}).Error; err != nil {
			return err
		}

		if err := tx.Create(&models.RateLimitHit{Key: key, HitAt: nowMs}).Error; err != nil {
			return err
		}

		var stats struct {
			Count  int64
			Oldest int64
		}
		if err := tx.Model(&models.RateLimitHit{}).
			Select("COUNT(*) AS count, MIN(hit_at) AS oldest").
			Where(`"key" = ?`, key).
			Scan(&stats).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"count":        stats.Count,
			"window_start": stats.Oldest,
			"window_end":   stats.Oldest + window.Milliseconds(),
		}
		if err := tx.Model(&models.RateLimitWindow{}).
			Where(`"key" = ?`, key).
			Updates(updates).Error; err != nil {
			return err
		}

		return tx.Where(`"key" = ?`, key).First(&row).Error
	})
	if err != nil {
		return nil, fmt.Errorf("increment sliding window: %w", err)
	}

	return &row, nil
}

// Selects windows by exact key, key prefix, or all of them
type WindowQuery struct {
	All        bool
	Key        string
	Prefix     string
	ActiveOnly bool
	Limit      int
}

func (q WindowQuery) Validate() error {
	if q.All || strings.TrimSpace(q.Key) != "" || strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify all, key, or prefix")
}

func (q WindowQuery) apply(db *gorm.DB) *gorm.DB {
	if key := strings.TrimSpace(q.Key); key != "" && !q.All {
		db = db.Where(`"key" = ?`, key)
	} else if prefix := strings.TrimSpace(q.Prefix); prefix != "" && !q.All {
		db = db.Where(`"key" LIKE ?`, prefix+"%")
	}
	return db
}

func (r *WindowRepository) List(ctx context.Context, q WindowQuery, now time.Time) ([]models.RateLimitWindow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	db := q.apply(r.db.DB.WithContext(ctx).Model(&models.RateLimitWindow{}))
	if q.ActiveOnly {
		db = db.Where("window_end > ?", now.UnixMilli())
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	windows := []models.RateLimitWindow{}
	if err := db.Order(`"key" ASC`).Find(&windows).Error; err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}

	return windows, nil
}

// Deletes the window and sliding log rows of one key
func (r *WindowRepository) DeleteByKey(ctx context.Context, key string) (int64, error) {
	var deleted int64
	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where(`"key" = ?`, key).Delete(&models.RateLimitHit{}).Error; err != nil {
			return err
		}

		result := tx.Where(`"key" = ?`, key).Delete(&models.RateLimitWindow{})
		deleted = result.RowsAffected
		return result.Error
	})

	return deleted, err
}

// Deletes windows and hits that ended before the cutoff
func (r *WindowRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()

	var deleted int64
	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("hit_at < ?", cutoff).Delete(&models.RateLimitHit{}).Error; err != nil {
			return err
		}

		result := tx.Where("window_end < ?", cutoff).Delete(&models.RateLimitWindow{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired windows: %w", err)
	}

	return deleted, nil
}
