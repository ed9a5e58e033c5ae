package audit

import (
	"context"
	"sync"
	"time"

	"github.com/stream254/throttle/internal/models"
	"go.uber.org/zap"
)

// Writer persists a batch of audit rows
type Writer interface {
	CreateBatch(ctx context.Context, logs []models.AuditLog) error
}

type Config struct {
	BufferSize    int           // Default: 1024
	BatchSize     int           // Default: 100
	FlushInterval time.Duration // Default: 5 seconds
	WriteTimeout  time.Duration // Default: 5 seconds
}

// Sink is a fire-and-forget audit log. Log never blocks and never fails;
// a background worker batches entries into the Writer.
type Sink struct {
	writer  Writer
	logger  *zap.Logger
	entries chan models.AuditLog
	cfg     Config

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewSink(writer Writer, logger *zap.Logger, cfg Config) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sink{
		writer:  writer,
		logger:  logger,
		entries: make(chan models.AuditLog, cfg.BufferSize),
		cfg:     cfg,
		done:    make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Queues the entry. Drops it with a warning when the buffer is full or the sink is closed.
func (s *Sink) Log(entry Entry) {
	row := toModel(entry)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logger.Warn("audit sink closed, dropping entry", zap.String("event_type", entry.EventType))
		return
	}

	select {
	case s.entries <- row:
	default:
		s.logger.Warn("audit buffer full, dropping entry", zap.String("event_type", entry.EventType))
	}
}

// Stops accepting entries and flushes what is queued
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer s.wg.Done()

	batch := make([]models.AuditLog, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case row := <-s.entries:
			batch = append(batch, row)
			if len(batch) >= s.cfg.BatchSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.done:
			// Log holds the read lock while sending, so nothing is added after done closes
			for {
				select {
				case row := <-s.entries:
					batch = append(batch, row)
					if len(batch) >= s.cfg.BatchSize {
						batch = s.flush(batch)
					}
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *Sink) flush(batch []models.AuditLog) []models.AuditLog {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.writer.CreateBatch(ctx, batch); err != nil {
		s.logger.Error("failed to persist audit entries",
			zap.Int("count", len(batch)),
			zap.Error(err))
	}

	return make([]models.AuditLog, 0, s.cfg.BatchSize)
}

func toModel(entry Entry) models.AuditLog {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	row := models.AuditLog{
		EventType: entry.EventType,
		UserID:    entry.UserID,
		Metadata:  metadata,
		CreatedAt: createdAt.UTC(),
	}
	if entry.IPAddress != "" {
		ip := entry.IPAddress
		row.IPAddress = &ip
	}
	if entry.UserAgent != "" {
		ua := entry.UserAgent
		row.UserAgent = &ua
	}

	return row
}
