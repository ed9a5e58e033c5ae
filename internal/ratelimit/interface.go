package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Algorithm selects the window semantics shared by every backend of a throttle
type Algorithm string

const (
	// Window anchored at the first hit; resets entirely once it ends
	FixedWindow Algorithm = "fixed_window"

	// Log of attempts over the trailing window; frees capacity one attempt at a time
	SlidingWindow Algorithm = "sliding_window"
)

func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "fixed_window", "fixed-window", "fixed", "":
		return FixedWindow, nil
	case "sliding_window", "sliding-window", "sliding":
		return SlidingWindow, nil
	default:
		return "", fmt.Errorf("unknown rate limit algorithm: %s", name)
	}
}

// Counter is the state of a key's window right after an attempt was recorded
type Counter struct {
	Count       int64
	WindowStart time.Time
	ResetAt     time.Time
}

// Backend stores per-key counters. Increment must record the attempt
// atomically with respect to other callers incrementing the same key.
type Backend interface {
	// Records one attempt for key at now and returns the resulting counter
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error)

	// Forgets all recorded attempts for key
	Reset(ctx context.Context, key string) error

	// Returns the backend name used in logs, audit entries and results
	Name() string
}
