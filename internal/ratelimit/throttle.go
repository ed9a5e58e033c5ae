package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/circuitbreaker"
	"go.uber.org/zap"
)

var (
	ErrEmptyKey      = errors.New("ratelimit: key must not be empty")
	ErrInvalidLimit  = errors.New("ratelimit: maxRequests must be positive")
	ErrInvalidWindow = errors.New("ratelimit: window must be positive")
)

// DefaultBackendTimeout bounds every backend round trip
const DefaultBackendTimeout = 250 * time.Millisecond

// FailMode decides the answer when no backend could record the attempt
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

func ParseFailMode(name string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return "", errors.New("ratelimit: fail mode must be open or closed")
	}
}

// Policy is the limit a call site applies to its keys
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration

	// Overrides the throttle's fail mode when set
	FailMode FailMode
}

func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return ErrInvalidLimit
	}
	if p.Window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Limit     int       `json:"limit"`

	// Backend that answered, or "none" when the fail mode decided
	Backend string `json:"backend"`

	// True when the fast path was skipped or no backend answered
	Degraded bool `json:"degraded"`
}

// Time until the window resets, rounded up to whole seconds
func (r Result) RetryAfter(now time.Time) time.Duration {
	wait := r.ResetTime.Sub(now)
	if wait <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(wait.Seconds())) * time.Second
}

// Auditor receives security events; implementations must not block
type Auditor interface {
	Log(entry audit.Entry)
}

// Throttle decides whether a keyed caller may proceed.
// The fast path is optional; the durable backend is authoritative.
type Throttle struct {
	fastPath  Backend
	durable   Backend
	breaker   *circuitbreaker.CircuitBreaker
	auditor   Auditor
	logger    *zap.Logger
	timeout   time.Duration
	failMode  FailMode
	algorithm Algorithm
	now       func() time.Time
}

type Option func(*Throttle)

// Prefers fast for every call; failures fall back to the durable backend
func WithFastPath(fast Backend, breaker *circuitbreaker.CircuitBreaker) Option {
	return func(t *Throttle) {
		t.fastPath = fast
		t.breaker = breaker
	}
}

func WithAuditor(a Auditor) Option {
	return func(t *Throttle) { t.auditor = a }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *Throttle) { t.logger = l }
}

func WithTimeout(d time.Duration) Option {
	return func(t *Throttle) { t.timeout = d }
}

func WithFailMode(m FailMode) Option {
	return func(t *Throttle) { t.failMode = m }
}

func WithAlgorithm(a Algorithm) Option {
	return func(t *Throttle) { t.algorithm = a }
}

func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

func New(durable Backend, opts ...Option) *Throttle {
	t := &Throttle{
		durable:   durable,
		logger:    zap.NewNop(),
		timeout:   DefaultBackendTimeout,
		failMode:  FailOpen,
		algorithm: FixedWindow,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.fastPath != nil && t.breaker == nil {
		t.breaker = circuitbreaker.New(circuitbreaker.Config{Name: t.fastPath.Name()})
	}

	return t
}

// Checks key against maxRequests attempts per window using the throttle's fail mode
func (t *Throttle) CheckRateLimit(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error) {
	return t.Check(ctx, key, Policy{MaxRequests: maxRequests, Window: window})
}

// Records the attempt and reports whether it is within the policy.
// Errors are returned only for invalid arguments; backend failures never surface.
func (t *Throttle) Check(ctx context.Context, key string, policy Policy) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{}, ErrEmptyKey
	}
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}

	now := t.now()
	degraded := false

	if t.fastPath != nil {
		counter, err := t.incrementFastPath(ctx, key, policy.Window, now)
		if err == nil {
			return t.decide(key, policy, counter, t.fastPath.Name(), false), nil
		}

		degraded = true
		t.logger.Warn("fast path rate limit failed, using database",
			zap.String("key", key),
			zap.String("policy", policy.Name),
			zap.Error(err))
		t.emit(audit.EventRateLimitFallback, key, policy, map[string]any{
			"backend": t.fastPath.Name(),
			"error":   err.Error(),
		})
	}

	counter, err := t.increment(ctx, t.durable, key, policy.Window, now)
	if err == nil {
		return t.decide(key, policy, counter, t.durable.Name(), degraded), nil
	}

	return t.fail(key, policy, now, err), nil
}

func (t *Throttle) incrementFastPath(ctx context.Context, key string, window time.Duration, now time.Time) (Counter, error) {
	var counter Counter
	err := t.breaker.Call(func() error {
		var err error
		counter, err = t.increment(ctx, t.fastPath, key, window, now)
		return err
	})
	return counter, err
}

func (t *Throttle) increment(ctx context.Context, b Backend, key string, window time.Duration, now time.Time) (Counter, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	return b.Increment(ctx, key, window, now)
}

func (t *Throttle) decide(key string, policy Policy, c Counter, backend string, degraded bool) Result {
	remaining := policy.MaxRequests - int(c.Count)
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   c.Count <= int64(policy.MaxRequests),
		Remaining: remaining,
		ResetTime: c.ResetAt,
		Limit:     policy.MaxRequests,
		Backend:   backend,
		Degraded:  degraded,
	}

	if !result.Allowed {
		t.emit(audit.EventRateLimitExceeded, key, policy, map[string]any{
			"backend":    backend,
			"count":      c.Count,
			"reset_time": c.ResetAt.UTC().Format(time.RFC3339),
		})
	}

	return result
}

func (t *Throttle) fail(key string, policy Policy, now time.Time, err error) Result {
	mode := policy.FailMode
	if mode == "" {
		mode = t.failMode
	}

	result := Result{
		ResetTime: now.Add(policy.Window),
		Limit:     policy.MaxRequests,
		Backend:   "none",
		Degraded:  true,
	}

	event := audit.EventRateLimitFailOpen
	if mode == FailClosed {
		event = audit.EventRateLimitFailClosed
	} else {
		result.Allowed = true
		result.Remaining = policy.MaxRequests - 1
	}

	t.logger.Error("rate limit backends unavailable",
		zap.String("key", key),
		zap.String("policy", policy.Name),
		zap.String("fail_mode", string(mode)),
		zap.Error(err))
	t.emit(event, key, policy, map[string]any{"error": err.Error()})

	return result
}

func (t *Throttle) emit(eventType, key string, policy Policy, metadata map[string]any) {
	if t.auditor == nil {
		return
	}

	metadata["key"] = key
	if policy.Name != "" {
		metadata["policy"] = policy.Name
	}
	metadata["max_requests"] = policy.MaxRequests
	metadata["window_ms"] = policy.Window.Milliseconds()

	t.auditor.Log(audit.Entry{
		EventType: eventType,
		Metadata:  metadata,
		CreatedAt: t.now(),
	})
}

// Forgets a key on every backend. A fast path failure is logged, not returned.
func (t *Throttle) Reset(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	if t.fastPath != nil {
		if err := t.fastPath.Reset(ctx, key); err != nil {
			t.logger.Warn("fast path reset failed", zap.String("key", key), zap.Error(err))
		}
	}

	return t.durable.Reset(ctx, key)
}

func (t *Throttle) Algorithm() Algorithm {
	return t.algorithm
}

func (t *Throttle) FailMode() FailMode {
	return t.failMode
}

// Returns the fast path breaker, nil when no fast path is configured
func (t *Throttle) Breaker() *circuitbreaker.CircuitBreaker {
	return t.breaker
}

func (t *Throttle) Now() time.Time {
	return t.now()
}
