package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event types written by this service
const (
	EventRateLimitExceeded   = "rate_limit.exceeded"
	EventRateLimitFallback   = "rate_limit.fallback"
	EventRateLimitFailOpen   = "rate_limit.fail_open"
	EventRateLimitFailClosed = "rate_limit.fail_closed"
	EventRateLimitReset      = "rate_limit.reset"
	EventOTPRequested        = "otp.requested"
	EventOTPVerified         = "otp.verified"
	EventOTPVerifyFailed     = "otp.verify_failed"
	EventNewsletterSubscribe = "newsletter.subscribed"
)

// Entry is one security event. Optional fields stay nil when unknown.
type Entry struct {
	EventType string
	UserID    *uuid.UUID
	IPAddress string
	UserAgent string
	Metadata  map[string]any
	CreatedAt time.Time
}
