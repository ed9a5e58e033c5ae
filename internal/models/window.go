package models

import "time"

// Represents the counter for one throttled key.
// Timestamps are unix milliseconds so the same SQL runs on Postgres and SQLite.
type RateLimitWindow struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Key         string `gorm:"column:key;size:255;not null;uniqueIndex" json:"key"`
	Count       int64  `gorm:"not null;default:0" json:"count"`
	WindowStart int64  `gorm:"not null" json:"window_start"`
	WindowEnd   int64  `gorm:"not null;index" json:"window_end"`
}

func (RateLimitWindow) TableName() string {
	return "rate_limit_windows"
}

func (w RateLimitWindow) StartTime() time.Time {
	return time.UnixMilli(w.WindowStart).UTC()
}

func (w RateLimitWindow) EndTime() time.Time {
	return time.UnixMilli(w.WindowEnd).UTC()
}

// Active reports whether the window is still counting at now
func (w RateLimitWindow) Active(now time.Time) bool {
	return w.WindowEnd > now.UnixMilli()
}

// One recorded attempt, used by the sliding window algorithm
type RateLimitHit struct {
	ID    uint   `gorm:"primaryKey" json:"id"`
	Key   string `gorm:"column:key;size:255;not null;index:idx_rate_limit_hits_key_hit_at,priority:1" json:"key"`
	HitAt int64  `gorm:"not null;index:idx_rate_limit_hits_key_hit_at,priority:2" json:"hit_at"`
}

func (RateLimitHit) TableName() string {
	return "rate_limit_hits"
}
