package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/models"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// DefaultCodeTTL is how long an issued code can be verified
const DefaultCodeTTL = 10 * time.Minute

// Throttler is the part of the request throttle the services need
type Throttler interface {
	Check(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Result, error)
}

type Auditor interface {
	Log(entry audit.Entry)
}

type OTPPolicies struct {
	Login  ratelimit.Policy
	IP     ratelimit.Policy
	Verify ratelimit.Policy
}

type OTPService struct {
	throttle Throttler
	codes    *repository.OTPRepository
	mailer   Mailer
	auditor  Auditor
	logger   *zap.Logger
	policies OTPPolicies
	codeTTL  time.Duration
	hashCost int
	now      func() time.Time
}

func NewOTPService(throttle Throttler, codes *repository.OTPRepository, mailer Mailer, auditor Auditor, logger *zap.Logger, policies OTPPolicies) *OTPService {
	return &OTPService{
		throttle: throttle,
		codes:    codes,
		mailer:   mailer,
		auditor:  auditor,
		logger:   logger,
		policies: policies,
		codeTTL:  DefaultCodeTTL,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// Issues a login code for email unless the email or the caller's IP is throttled.
// The returned result is the tighter of the two windows.
func (s *OTPService) RequestCode(ctx context.Context, email string, meta RequestMeta) (ratelimit.Result, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return ratelimit.Result{}, err
	}

	result, err := s.check(ctx, "otp:login:"+email, s.policies.Login)
	if err != nil {
		return result, err
	}

	if meta.IPAddress != "" {
		ipResult, err := s.check(ctx, "otp:ip:"+meta.IPAddress, s.policies.IP)
		if err != nil {
			return ipResult, err
		}
		result = tighter(result, ipResult)
	}

	code, err := generateCode()
	if err != nil {
		return result, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.hashCost)
	if err != nil {
		return result, fmt.Errorf("failed to hash code: %w", err)
	}

	expiresAt := s.now().UTC().Add(s.codeTTL)
	otp := &models.OTPCode{
		Email:     email,
		CodeHash:  string(hash),
		ExpiresAt: expiresAt,
	}
	if err := s.codes.Create(ctx, otp); err != nil {
		return result, fmt.Errorf("failed to store code: %w", err)
	}

	if err := s.mailer.SendOTP(ctx, email, code, expiresAt); err != nil {
		return result, fmt.Errorf("failed to send code: %w", err)
	}

	s.auditor.Log(audit.Entry{
		EventType: audit.EventOTPRequested,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata: map[string]any{
			"email":      email,
			"expires_at": expiresAt.Format(time.RFC3339),
		},
		CreatedAt: s.now(),
	})

	return result, nil
}

// Checks code against the newest live code for email and consumes it on success.
// Every attempt counts against the verify policy, successful or not.
func (s *OTPService) VerifyCode(ctx context.Context, email, code string, meta RequestMeta) (ratelimit.Result, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return ratelimit.Result{}, err
	}

	result, err := s.check(ctx, "otp:verify:"+email, s.policies.Verify)
	if err != nil {
		return result, err
	}

	now := s.now().UTC()
	otp, err := s.codes.FindLatestValid(ctx, email, now)
	if err != nil {
		return result, fmt.Errorf("failed to load code: %w", err)
	}

	if otp == nil {
		s.verifyFailed(email, "no_active_code", meta)
		return result, ErrInvalidCode
	}

	if err := bcrypt.CompareHashAndPassword([]byte(otp.CodeHash), []byte(code)); err != nil {
		s.verifyFailed(email, "mismatch", meta)
		return result, ErrInvalidCode
	}

	consumed, err := s.codes.Consume(ctx, otp.ID, now)
	if err != nil {
		return result, fmt.Errorf("failed to consume code: %w", err)
	}
	if !consumed {
		s.verifyFailed(email, "already_consumed", meta)
		return result, ErrInvalidCode
	}

	s.auditor.Log(audit.Entry{
		EventType: audit.EventOTPVerified,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]any{"email": email},
		CreatedAt: s.now(),
	})

	return result, nil
}

func (s *OTPService) verifyFailed(email, reason string, meta RequestMeta) {
	s.logger.Info("otp verification failed", zap.String("email", email), zap.String("reason", reason))
	s.auditor.Log(audit.Entry{
		EventType: audit.EventOTPVerifyFailed,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]any{"email": email, "reason": reason},
		CreatedAt: s.now(),
	})
}

func (s *OTPService) check(ctx context.Context, key string, policy ratelimit.Policy) (ratelimit.Result, error) {
	return checkPolicy(ctx, s.throttle, key, policy)
}

func checkPolicy(ctx context.Context, throttle Throttler, key string, policy ratelimit.Policy) (ratelimit.Result, error) {
	result, err := throttle.Check(ctx, key, policy)
	if err != nil {
		return result, fmt.Errorf("rate limit check: %w", err)
	}
	if !result.Allowed {
		return result, &RateLimitedError{Policy: policy.Name, Result: result}
	}
	return result, nil
}

// Six decimal digits from the system CSPRNG
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
