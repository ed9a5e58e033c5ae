package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/cleanup"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
	"go.uber.org/zap"
)

// Handles operator endpoints
type SystemHandler struct {
	throttle *ratelimit.Throttle
	durable  *ratelimit.DurableBackend
	sweeper  *cleanup.Sweeper
	auditor  ratelimit.Auditor
	logger   *zap.Logger
}

func NewSystemHandler(throttle *ratelimit.Throttle, durable *ratelimit.DurableBackend, sweeper *cleanup.Sweeper, auditor ratelimit.Auditor, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		throttle: throttle,
		durable:  durable,
		sweeper:  sweeper,
		auditor:  auditor,
		logger:   logger,
	}
}

// Lists durable windows. Query: key, prefix, all, active, limit.
func (h *SystemHandler) ListWindows(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}

	q := repository.WindowQuery{
		All:        c.Query("all") == "true",
		Key:        c.Query("key"),
		Prefix:     c.Query("prefix"),
		ActiveOnly: c.Query("active") == "true",
		Limit:      limit,
	}

	if err := q.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := h.throttle.Now()
	windows, err := h.durable.List(c.Request.Context(), q, now)
	if err != nil {
		h.logger.Error("failed to list windows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list windows"})
		return
	}

	items := make([]gin.H, 0, len(windows))
	for _, w := range windows {
		items = append(items, gin.H{
			"key":          w.Key,
			"count":        w.Count,
			"window_start": w.StartTime(),
			"window_end":   w.EndTime(),
			"active":       w.Active(now),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"algorithm": h.throttle.Algorithm(),
		"windows":   items,
	})
}

// Forgets a key on every backend
func (h *SystemHandler) ResetKey(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	if err := h.throttle.Reset(c.Request.Context(), key); err != nil {
		h.logger.Error("failed to reset key", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset key"})
		return
	}

	h.auditor.Log(audit.Entry{
		EventType: audit.EventRateLimitReset,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata: map[string]any{
			"key":   key,
			"actor": c.GetString("user_id"),
		},
		CreatedAt: h.throttle.Now(),
	})

	c.JSON(http.StatusOK, gin.H{
		"message": "Rate limit reset successfully",
		"key":     key,
	})
}

// Runs the cleanup sweep now
func (h *SystemHandler) RunCleanup(c *gin.Context) {
	report, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// Returns the status of the fast path circuit breaker
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	breaker := h.throttle.Breaker()
	if breaker == nil {
		c.JSON(http.StatusOK, gin.H{"fast_path": false})
		return
	}

	metrics := breaker.Metrics()
	c.JSON(http.StatusOK, gin.H{
		"fast_path":         true,
		"name":              metrics.Name,
		"state":             metrics.State.String(),
		"failure_count":     metrics.FailureCount,
		"success_count":     metrics.SuccessCount,
		"last_failure_time": metrics.LastFailureTime,
		"last_state_change": metrics.LastStateChange,
	})
}

// Manually resets the circuit breaker
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	breaker := h.throttle.Breaker()
	if breaker == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Fast path is not configured",
		})
		return
	}

	breaker.Reset()

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"name":    breaker.Name(),
	})
}
