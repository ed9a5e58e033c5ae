package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stream254/throttle/internal/audit"
	"github.com/stream254/throttle/internal/circuitbreaker"
	"github.com/stream254/throttle/internal/cleanup"
	"github.com/stream254/throttle/internal/config"
	"github.com/stream254/throttle/internal/handler"
	"github.com/stream254/throttle/internal/healthcheck"
	"github.com/stream254/throttle/internal/middleware"
	"github.com/stream254/throttle/internal/ratelimit"
	"github.com/stream254/throttle/internal/repository"
	"github.com/stream254/throttle/internal/service"
	"github.com/stream254/throttle/internal/storage"
	"go.uber.org/zap"
)

// Wires the throttle, the protected services and the HTTP surface
type Server struct {
	router     *gin.Engine
	config     *config.Config
	logger     *zap.Logger
	redis      *storage.RedisClient
	db         *storage.Database
	throttle   *ratelimit.Throttle
	durable    *ratelimit.DurableBackend
	sink       *audit.Sink
	sweeper    *cleanup.Sweeper
	health     *healthcheck.Checker
	auth       *service.AuthService
	otp        *service.OTPService
	newsletter *service.NewsletterService
	httpServer *http.Server
	startedAt  time.Time
}

// Optional dependencies
type Deps struct {
	// Nil disables the Redis fast path
	Redis  *storage.RedisClient
	Mailer service.Mailer
}

func New(cfg *config.Config, db *storage.Database, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	s := &Server{
		router:    router,
		config:    cfg,
		logger:    logger,
		redis:     deps.Redis,
		db:        db,
		startedAt: time.Now(),
	}

	s.sink = audit.NewSink(repository.NewAuditLogRepository(db), logger.Named("audit"), audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	})

	s.durable, s.throttle = NewThrottle(cfg, db, deps.Redis, s.sink, logger)

	otpRepo := repository.NewOTPRepository(db)
	s.sweeper = cleanup.NewSweeper(s.durable, otpRepo, logger.Named("cleanup"), cleanup.Config{
		Interval:  cfg.RateLimit.CleanupInterval,
		Retention: cfg.RateLimit.Retention,
	})

	s.health = healthcheck.NewChecker(s.probes(), logger.Named("health"), healthcheck.Config{})

	mailer := deps.Mailer
	if mailer == nil {
		mailer = service.NewLogMailer(logger.Named("mailer"))
	}

	otpPolicies, err := policies(cfg, config.PolicyOTPLogin, config.PolicyOTPIP, config.PolicyOTPVerify)
	if err != nil {
		return nil, err
	}
	s.otp = service.NewOTPService(s.throttle, otpRepo, mailer, s.sink, logger, service.OTPPolicies{
		Login:  otpPolicies[0],
		IP:     otpPolicies[1],
		Verify: otpPolicies[2],
	})

	subscribePolicies, err := policies(cfg, config.PolicySubscribe, config.PolicySubscribeIP)
	if err != nil {
		return nil, err
	}
	s.newsletter = service.NewNewsletterService(s.throttle, repository.NewSubscriberRepository(db), s.sink, logger, service.NewsletterPolicies{
		Email: subscribePolicies[0],
		IP:    subscribePolicies[1],
	})

	s.auth = service.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AdminRole)

	if err := s.setupMiddleware(); err != nil {
		return nil, err
	}
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	return s, nil
}

// Builds the durable backend and the throttle in front of it. The fast path
// is used only when redis is non-nil.
func NewThrottle(cfg *config.Config, db *storage.Database, redis *storage.RedisClient, auditor ratelimit.Auditor, logger *zap.Logger) (*ratelimit.DurableBackend, *ratelimit.Throttle) {
	algorithm := cfg.Algorithm()
	durable := ratelimit.NewDatabaseBackend(db, algorithm)

	opts := []ratelimit.Option{
		ratelimit.WithAlgorithm(algorithm),
		ratelimit.WithFailMode(cfg.FailMode()),
		ratelimit.WithTimeout(cfg.RateLimit.BackendTimeout),
		ratelimit.WithLogger(logger.Named("ratelimit")),
	}
	if auditor != nil {
		opts = append(opts, ratelimit.WithAuditor(auditor))
	}

	if redis != nil {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:            "redis",
			MaxFailures:     cfg.RateLimit.Breaker.MaxFailures,
			Timeout:         cfg.RateLimit.Breaker.Timeout,
			HalfOpenSuccess: cfg.RateLimit.Breaker.HalfOpenSuccess,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		})
		opts = append(opts, ratelimit.WithFastPath(ratelimit.NewRedisBackend(redis, algorithm), breaker))
	}

	return durable, ratelimit.New(durable, opts...)
}

func policies(cfg *config.Config, names ...string) ([]ratelimit.Policy, error) {
	out := make([]ratelimit.Policy, 0, len(names))
	for _, name := range names {
		p, err := cfg.Policy(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Server) probes() []healthcheck.Probe {
	probes := []healthcheck.Probe{
		{Name: "database", Critical: true, Check: s.db.Ping},
	}
	if s.redis != nil {
		// The throttle falls back to the database, so Redis only degrades
		probes = append(probes, healthcheck.Probe{Name: "redis", Check: s.redis.Ping})
	}
	return probes
}

func (s *Server) setupMiddleware() error {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger.Named("http")))

	return nil
}

// The global per-IP limit covers the public routes only; health probes and
// operators are not throttled.
func (s *Server) setupRoutes() error {
	s.router.GET("/health", s.healthCheck)

	global, err := s.config.Policy(config.PolicyGlobalPerIP)
	if err != nil {
		return err
	}
	perIP := middleware.RateLimitByIP(s.throttle, global, s.logger)

	otpHandler := handler.NewOTPHandler(s.otp, s.logger)
	newsletterHandler := handler.NewNewsletterHandler(s.newsletter, s.logger)

	auth := s.router.Group("/auth", perIP)
	{
		auth.POST("/otp", otpHandler.Request)
		auth.POST("/otp/verify", otpHandler.Verify)
	}

	newsletter := s.router.Group("/newsletter", perIP)
	{
		newsletter.POST("/subscribe", newsletterHandler.Subscribe)
	}

	if !s.auth.Enabled() {
		s.logger.Warn("auth.jwt_secret is not set, admin routes are disabled")
		return nil
	}

	systemHandler := handler.NewSystemHandler(s.throttle, s.durable, s.sweeper, s.sink, s.logger)

	admin := s.router.Group("/admin")
	admin.Use(middleware.RequireAuth(s.auth), middleware.RequireAdmin())
	{
		admin.GET("/status", s.adminStatus)
		admin.GET("/windows", systemHandler.ListWindows)
		admin.DELETE("/windows", systemHandler.ResetKey)
		admin.POST("/cleanup", systemHandler.RunCleanup)
		admin.GET("/circuit-breaker", systemHandler.CircuitBreakerStatus)
		admin.POST("/circuit-breaker/reset", systemHandler.ResetCircuitBreaker)
	}

	return nil
}

func (s *Server) healthCheck(c *gin.Context) {
	s.health.CheckAll(c.Request.Context())
	overall := s.health.OverallHealth()

	statusCode := http.StatusOK
	if overall == healthcheck.Unhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overall.String(),
		"service":   "stream254-throttle",
		"timestamp": time.Now().Unix(),
		"checks":    s.health.GetAllStatus(),
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	status := gin.H{
		"algorithm": s.throttle.Algorithm(),
		"fail_mode": s.throttle.FailMode(),
		"fast_path": s.redis != nil,
		"health":    s.health.OverallHealth().String(),
		"uptime":    time.Since(s.startedAt).Seconds(),
		"timestamp": time.Now().Unix(),
	}
	if report := s.sweeper.LastReport(); report != nil {
		status["last_cleanup"] = report
	}

	c.JSON(http.StatusOK, status)
}

// Starts background workers and serves HTTP until Shutdown
func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.sweeper.Start()
	s.health.Start()

	s.logger.Info("starting throttle service",
		zap.String("addr", addr),
		zap.String("env", s.config.Env),
		zap.String("algorithm", string(s.throttle.Algorithm())),
		zap.Bool("fast_path", s.redis != nil))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stops HTTP, the background workers, then flushes the audit sink
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	s.sweeper.Stop()
	s.health.Stop()

	if err := s.sink.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush audit sink: %w", err))
	}

	return errors.Join(errs...)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
