package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, ratelimit.FixedWindow, cfg.Algorithm())
	assert.Equal(t, ratelimit.FailOpen, cfg.FailMode())
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimit.BackendTimeout)
	assert.Equal(t, 24*time.Hour, cfg.RateLimit.Retention)
	assert.Equal(t, 5, cfg.RateLimit.Breaker.MaxFailures)
	assert.Equal(t, "admin", cfg.Auth.AdminRole)
	assert.False(t, cfg.IsProduction())

	login, err := cfg.Policy(PolicyOTPLogin)
	require.NoError(t, err)
	assert.Equal(t, 3, login.MaxRequests)
	assert.Equal(t, 15*time.Minute, login.Window)
	assert.Equal(t, ratelimit.FailMode(""), login.FailMode)

	verify, err := cfg.Policy(PolicyOTPVerify)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.FailClosed, verify.FailMode)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STREAM254_REDIS_ADDR", "localhost:6379")
	t.Setenv("STREAM254_RATE_LIMIT_ALGORITHM", "sliding_window")
	t.Setenv("STREAM254_RATE_LIMIT_FAIL_MODE", "closed")
	t.Setenv("STREAM254_RATE_LIMIT_BACKEND_TIMEOUT", "500ms")
	t.Setenv("STREAM254_POLICIES_OTP_LOGIN_MAX_REQUESTS", "7")
	t.Setenv("STREAM254_POLICIES_OTP_LOGIN_WINDOW", "2m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, ratelimit.SlidingWindow, cfg.Algorithm())
	assert.Equal(t, ratelimit.FailClosed, cfg.FailMode())
	assert.Equal(t, 500*time.Millisecond, cfg.RateLimit.BackendTimeout)

	login, err := cfg.Policy(PolicyOTPLogin)
	require.NoError(t, err)
	assert.Equal(t, 7, login.MaxRequests)
	assert.Equal(t, 2*time.Minute, login.Window)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
env: production
server:
  port: "9000"
database:
  driver: postgres
  dsn: postgres://stream254@localhost/stream254
policies:
  otp_ip:
    max_requests: 20
    window: 30m
  signup:
    max_requests: 2
    window: 24h
    fail_mode: closed
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)

	ip, err := cfg.Policy(PolicyOTPIP)
	require.NoError(t, err)
	assert.Equal(t, 20, ip.MaxRequests)
	assert.Equal(t, 30*time.Minute, ip.Window)

	signup, err := cfg.Policy("signup")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.FailClosed, signup.FailMode)

	// Untouched defaults survive
	_, err = cfg.Policy(PolicySubscribe)
	assert.NoError(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("STREAM254_RATE_LIMIT_ALGORITHM", "token_bucket")
	t.Setenv("STREAM254_POLICIES_SUBSCRIBE_MAX_REQUESTS", "0")
	t.Setenv("STREAM254_AUTH_JWT_SECRET", "short")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit.algorithm")
	assert.Contains(t, err.Error(), "policies.subscribe")
	assert.Contains(t, err.Error(), "auth.jwt_secret")
}

func TestPolicy_Unknown(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.Policy("nope")
	assert.Error(t, err)
}
