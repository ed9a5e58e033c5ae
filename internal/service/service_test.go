package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
	"github.com/stream254/throttle/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAuditor) Log(entry audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *recordingAuditor) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type captureMailer struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (m *captureMailer) SendOTP(ctx context.Context, email, code string, expiresAt time.Time) error {
	if m.err != nil {
		return m.err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codes == nil {
		m.codes = map[string]string{}
	}
	m.codes[email] = code
	return nil
}

func (m *captureMailer) last(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

type fixture struct {
	db       *storage.Database
	throttle *ratelimit.Throttle
	auditor  *recordingAuditor
	mailer   *captureMailer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.NewMemoryDatabase()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		db:       db,
		throttle: ratelimit.New(ratelimit.NewDatabaseBackend(db, ratelimit.FixedWindow), ratelimit.WithTimeout(5*time.Second)),
		auditor:  &recordingAuditor{},
		mailer:   &captureMailer{},
	}
}

func policy(name string, limit int) ratelimit.Policy {
	return ratelimit.Policy{Name: name, MaxRequests: limit, Window: time.Minute}
}

func (f *fixture) otpService() *OTPService {
	s := NewOTPService(f.throttle, repository.NewOTPRepository(f.db), f.mailer, f.auditor, zap.NewNop(), OTPPolicies{
		Login:  policy("otp_login", 3),
		IP:     policy("otp_ip", 5),
		Verify: policy("otp_verify", 3),
	})
	s.hashCost = bcrypt.MinCost
	return s
}

func TestOTPService_RequestCodeThrottlesPerEmail(t *testing.T) {
	f := newFixture(t)
	svc := f.otpService()
	ctx := context.Background()
	meta := RequestMeta{IPAddress: "203.0.113.7", UserAgent: "test"}

	for i := 0; i < 3; i++ {
		result, err := svc.RequestCode(ctx, " User@Example.com ", meta)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	code := f.mailer.last("user@example.com")
	assert.Len(t, code, 6)

	_, err := svc.RequestCode(ctx, "user@example.com", meta)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "otp_login", limited.Policy)
	assert.False(t, limited.Result.Allowed)

	assert.Equal(t, 3, f.auditor.count(audit.EventOTPRequested))

	// Another email from the same address still has IP budget left
	result, err := svc.RequestCode(ctx, "other@example.com", meta)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Remaining)
}

func TestOTPService_RequestCodeThrottlesPerIP(t *testing.T) {
	f := newFixture(t)
	svc := f.otpService()
	ctx := context.Background()
	meta := RequestMeta{IPAddress: "198.51.100.9"}

	emails := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}
	for _, email := range emails {
		_, err := svc.RequestCode(ctx, email, meta)
		require.NoError(t, err)
	}

	_, err := svc.RequestCode(ctx, "f@example.com", meta)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "otp_ip", limited.Policy)
}

func TestOTPService_RejectsInvalidEmail(t *testing.T) {
	f := newFixture(t)
	svc := f.otpService()

	for _, email := range []string{"", "   ", "not-an-email", "Name <a@example.com>"} {
		_, err := svc.RequestCode(context.Background(), email, RequestMeta{})
		assert.ErrorIs(t, err, ErrInvalidEmail, email)
	}
}

func TestNormalizeEmail(t *testing.T) {
	email, err := normalizeEmail("  A.User+news@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "a.user+news@example.com", email)

	for _, bad := range []string{"", "@example.com", "a@@example.com", "a user@example.com", "Name <a@example.com>"} {
		_, err := normalizeEmail(bad)
		assert.ErrorIs(t, err, ErrInvalidEmail, bad)
	}
}

func TestOTPService_MailerFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp unavailable")
	svc := f.otpService()

	_, err := svc.RequestCode(context.Background(), "a@example.com", RequestMeta{})
	assert.Error(t, err)
	assert.Zero(t, f.auditor.count(audit.EventOTPRequested))
}

func TestOTPService_VerifyCode(t *testing.T) {
	f := newFixture(t)
	svc := f.otpService()
	ctx := context.Background()

	_, err := svc.RequestCode(ctx, "a@example.com", RequestMeta{})
	require.NoError(t, err)
	code := f.mailer.last("a@example.com")

	_, err = svc.VerifyCode(ctx, "a@example.com", "000000x", RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, 1, f.auditor.count(audit.EventOTPVerifyFailed))

	_, err = svc.VerifyCode(ctx, "A@example.com", code, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.auditor.count(audit.EventOTPVerified))

	// Codes are single use
	_, err = svc.VerifyCode(ctx, "a@example.com", code, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	// Verify budget is exhausted
	_, err = svc.VerifyCode(ctx, "a@example.com", code, RequestMeta{})
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "otp_verify", limited.Policy)
}

func TestOTPService_VerifyExpiredCode(t *testing.T) {
	f := newFixture(t)
	svc := f.otpService()
	ctx := context.Background()

	issued := time.Now().UTC().Add(-time.Hour)
	svc.now = func() time.Time { return issued }
	_, err := svc.RequestCode(ctx, "a@example.com", RequestMeta{})
	require.NoError(t, err)
	code := f.mailer.last("a@example.com")

	svc.now = time.Now
	_, err = svc.VerifyCode(ctx, "a@example.com", code, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestNewsletterService_Subscribe(t *testing.T) {
	f := newFixture(t)
	svc := NewNewsletterService(f.throttle, repository.NewSubscriberRepository(f.db), f.auditor, zap.NewNop(), NewsletterPolicies{
		Email: policy("subscribe", 2),
		IP:    policy("subscribe_ip", 10),
	})
	ctx := context.Background()
	meta := RequestMeta{IPAddress: "203.0.113.7"}

	created, result, err := svc.Subscribe(ctx, "Fan@Example.com", "", meta)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, result.Remaining)

	created, _, err = svc.Subscribe(ctx, "fan@example.com", "footer", meta)
	require.NoError(t, err)
	assert.False(t, created)

	_, _, err = svc.Subscribe(ctx, "fan@example.com", "", meta)
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "subscribe", limited.Policy)

	sub, err := repository.NewSubscriberRepository(f.db).FindByEmail(ctx, "fan@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "web", sub.Source)

	assert.Equal(t, 1, f.auditor.count(audit.EventNewsletterSubscribe))
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthService_ValidateToken(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	auth := NewAuthService(secret, "https://auth.stream254.test", "")

	valid := signToken(t, secret, jwt.MapClaims{
		"sub":  "user-1",
		"role": "admin",
		"iss":  "https://auth.stream254.test",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	claims, err := auth.ValidateToken(valid)
	require.NoError(t, err)
	assert.True(t, auth.IsAdmin(claims))

	member := signToken(t, secret, jwt.MapClaims{
		"role": "member",
		"iss":  "https://auth.stream254.test",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	claims, err = auth.ValidateToken(member)
	require.NoError(t, err)
	assert.False(t, auth.IsAdmin(claims))

	expired := signToken(t, secret, jwt.MapClaims{
		"role": "admin",
		"iss":  "https://auth.stream254.test",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	_, err = auth.ValidateToken(expired)
	assert.Error(t, err)

	noExpiry := signToken(t, secret, jwt.MapClaims{"role": "admin", "iss": "https://auth.stream254.test"})
	_, err = auth.ValidateToken(noExpiry)
	assert.Error(t, err)

	wrongIssuer := signToken(t, secret, jwt.MapClaims{
		"role": "admin",
		"iss":  "https://elsewhere.test",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	_, err = auth.ValidateToken(wrongIssuer)
	assert.Error(t, err)

	forged := signToken(t, "another-secret-another-secret-xx", jwt.MapClaims{
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	_, err = auth.ValidateToken(forged)
	assert.Error(t, err)
}

func TestAuthService_Disabled(t *testing.T) {
	auth := NewAuthService("", "", "")
	assert.False(t, auth.Enabled())

	_, err := auth.ValidateToken("anything")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}
