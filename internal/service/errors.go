package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stream254/throttle/internal/ratelimit"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidCode  = errors.New("invalid or expired code")
)

// Returned when a throttle denies the operation. Result carries the
// window state the caller should report back to the client.
type RateLimitedError struct {
	Policy string
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, resets at %s", e.Policy, e.Result.ResetTime.UTC().Format(time.RFC3339))
}

// Describes who made a request, for throttle keys and audit entries
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var(email, "required,email"); err != nil {
		return "", ErrInvalidEmail
	}

	return email, nil
}

// Keeps the result with the least remaining capacity
func tighter(a, b ratelimit.Result) ratelimit.Result {
	if b.Remaining < a.Remaining {
		return b
	}
	return a
}
