package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Deletes rate limit state older than a retention period
type WindowCleaner interface {
	Cleanup(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// Deletes one-time codes that expired before a cutoff
type CodeCleaner interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Interval  time.Duration // How often to sweep (default: 1h)
	Retention time.Duration // How long inert windows are kept (default: 24h)
	Timeout   time.Duration // Per-sweep deadline (default: 1m)
	Clock     func() time.Time
}

// Report describes one sweep
type Report struct {
	Windows  int64     `json:"windows_deleted"`
	OTPCodes int64     `json:"otp_codes_deleted"`
	RanAt    time.Time `json:"ran_at"`
}

// Runs the cleanup sweep on a ticker
type Sweeper struct {
	mu       sync.Mutex
	windows  WindowCleaner
	codes    CodeCleaner
	logger   *zap.Logger
	interval time.Duration
	retain   time.Duration
	timeout  time.Duration
	now      func() time.Time
	stopChan chan struct{}
	done     chan struct{}
	running  bool
	last     *Report
}

// codes may be nil when the service does not store one-time codes
func NewSweeper(windows WindowCleaner, codes CodeCleaner, logger *zap.Logger, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		windows:  windows,
		codes:    codes,
		logger:   logger,
		interval: cfg.Interval,
		retain:   cfg.Retention,
		timeout:  cfg.Timeout,
		now:      cfg.Clock,
	}
}

// Begins periodic sweeps. The first sweep runs after one interval.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("starting cleanup sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("retention", s.retain))

	go s.loop(s.stopChan, s.done)
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("cleanup sweep failed", zap.Error(err))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// Stops the sweeper and waits for an in-flight sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("cleanup sweeper stopped")
}

// Performs one sweep. Both deletions are attempted even if one fails.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	now := s.now()
	report := Report{RanAt: now}

	var errs []error

	windows, err := s.windows.Cleanup(ctx, now, s.retain)
	if err != nil {
		errs = append(errs, err)
	}
	report.Windows = windows

	if s.codes != nil {
		codes, err := s.codes.DeleteExpired(ctx, now.UTC())
		if err != nil {
			errs = append(errs, err)
		}
		report.OTPCodes = codes
	}

	if err := errors.Join(errs...); err != nil {
		return report, err
	}

	s.logger.Info("cleanup sweep finished",
		zap.Int64("windows_deleted", report.Windows),
		zap.Int64("otp_codes_deleted", report.OTPCodes))

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	return report, nil
}

// Returns the last successful sweep, or nil before the first one
func (s *Sweeper) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}
