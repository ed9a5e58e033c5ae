package ratelimit

import (
	"github.com/stream254/throttle/internal/repository"
	"github.com/stream254/throttle/internal/storage"
)

// Creates the Redis backend for the algorithm
func NewRedisBackend(redis *storage.RedisClient, algorithm Algorithm) Backend {
	switch algorithm {
	case SlidingWindow:
		return NewRedisSlidingWindow(redis)
	default:
		return NewRedisFixedWindow(redis)
	}
}

// Creates the database backend for the algorithm
func NewDatabaseBackend(db *storage.Database, algorithm Algorithm) *DurableBackend {
	if algorithm == "" {
		algorithm = FixedWindow
	}
	return NewDurableBackend(repository.NewWindowRepository(db), algorithm)
}
