package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/stream254/throttle/internal/ratelimit"
)

// EnvPrefix namespaces every environment override, e.g. STREAM254_REDIS_ADDR
const EnvPrefix = "STREAM254"

// Names of the policies the service applies
const (
	PolicyOTPLogin    = "otp_login"
	PolicyOTPIP       = "otp_ip"
	PolicyOTPVerify   = "otp_verify"
	PolicySubscribe   = "subscribe"
	PolicySubscribeIP = "subscribe_ip"
	PolicyGlobalPerIP = "global_ip"
)

type Config struct {
	Env       string                  `mapstructure:"env"`
	Server    ServerConfig            `mapstructure:"server"`
	Database  DatabaseConfig          `mapstructure:"database"`
	Redis     RedisConfig             `mapstructure:"redis"`
	RateLimit RateLimitConfig         `mapstructure:"rate_limit"`
	Policies  map[string]PolicyConfig `mapstructure:"policies"`
	Audit     AuditConfig             `mapstructure:"audit"`
	Auth      AuthConfig              `mapstructure:"auth"`
	Log       LogConfig               `mapstructure:"log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Leaving Addr empty disables the Redis fast path
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type RateLimitConfig struct {
	Algorithm       string        `mapstructure:"algorithm"`
	FailMode        string        `mapstructure:"fail_mode"`
	BackendTimeout  time.Duration `mapstructure:"backend_timeout"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Breaker         BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures     int           `mapstructure:"max_failures"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HalfOpenSuccess int           `mapstructure:"half_open_success"`
}

type PolicyConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	FailMode    string        `mapstructure:"fail_mode"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Tokens are issued by the external auth provider; only verification happens here
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	AdminRole string `mapstructure:"admin_role"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

var defaultPolicies = map[string]PolicyConfig{
	PolicyOTPLogin:    {MaxRequests: 3, Window: 15 * time.Minute},
	PolicyOTPIP:       {MaxRequests: 10, Window: time.Hour},
	PolicyOTPVerify:   {MaxRequests: 5, Window: 15 * time.Minute, FailMode: "closed"},
	PolicySubscribe:   {MaxRequests: 3, Window: time.Hour},
	PolicySubscribeIP: {MaxRequests: 10, Window: time.Hour},
	PolicyGlobalPerIP: {MaxRequests: 120, Window: time.Minute},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "stream254.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.algorithm", string(ratelimit.FixedWindow))
	v.SetDefault("rate_limit.fail_mode", string(ratelimit.FailOpen))
	v.SetDefault("rate_limit.backend_timeout", ratelimit.DefaultBackendTimeout.String())
	v.SetDefault("rate_limit.retention", ratelimit.DefaultRetention.String())
	v.SetDefault("rate_limit.cleanup_interval", "1h")
	v.SetDefault("rate_limit.breaker.max_failures", 5)
	v.SetDefault("rate_limit.breaker.timeout", "30s")
	v.SetDefault("rate_limit.breaker.half_open_success", 1)

	// Per-field defaults so each policy field can be overridden from the environment
	for name, p := range defaultPolicies {
		v.SetDefault("policies."+name+".max_requests", p.MaxRequests)
		v.SetDefault("policies."+name+".window", p.Window.String())
		v.SetDefault("policies."+name+".fail_mode", p.FailMode)
	}

	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", "5s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.admin_role", "admin")

	v.SetDefault("log.level", "info")
}

// Loads configuration from defaults, an optional YAML file, .env and the
// environment, in increasing order of precedence. An empty path skips the file.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, errors.New("server.port is required"))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if _, err := ratelimit.ParseAlgorithm(c.RateLimit.Algorithm); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.algorithm: %w", err))
	}
	if _, err := ratelimit.ParseFailMode(c.RateLimit.FailMode); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.fail_mode: %w", err))
	}
	if c.RateLimit.BackendTimeout <= 0 {
		errs = append(errs, errors.New("rate_limit.backend_timeout must be positive"))
	}

	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.Policy(name); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}

	return errors.Join(errs...)
}

// Builds the named throttle policy
func (c *Config) Policy(name string) (ratelimit.Policy, error) {
	p, ok := c.Policies[name]
	if !ok {
		return ratelimit.Policy{}, fmt.Errorf("policy %s is not configured", name)
	}

	mode := ratelimit.FailMode("")
	if strings.TrimSpace(p.FailMode) != "" {
		parsed, err := ratelimit.ParseFailMode(p.FailMode)
		if err != nil {
			return ratelimit.Policy{}, fmt.Errorf("policies.%s.fail_mode: %w", name, err)
		}
		mode = parsed
	}

	policy := ratelimit.Policy{
		Name:        name,
		MaxRequests: p.MaxRequests,
		Window:      p.Window,
		FailMode:    mode,
	}
	if err := policy.Validate(); err != nil {
		return ratelimit.Policy{}, fmt.Errorf("policies.%s: %w", name, err)
	}

	return policy, nil
}

func (c *Config) Algorithm() ratelimit.Algorithm {
	a, _ := ratelimit.ParseAlgorithm(c.RateLimit.Algorithm)
	return a
}

func (c *Config) FailMode() ratelimit.FailMode {
	m, _ := ratelimit.ParseFailMode(c.RateLimit.FailMode)
	return m
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
