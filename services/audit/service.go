package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/civic-gateway/internal/observability"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned when events are queued before Start
	ErrNotStarted = errors.New("security event writer not started")

	// ErrBufferFull is returned when the queue cannot take another event
	ErrBufferFull = errors.New("security event buffer full")
)

// SecurityEventWriter persists security events asynchronously
type SecurityEventWriter struct {
	repo         repositories.SecurityEventRepository
	metrics      *observability.Metrics
	logger       *zap.Logger
	eventChan    chan *models.SecurityEvent
	workerCount  int
	bufferSize   int
	writeTimeout time.Duration
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	stopped      bool
	dropped      atomic.Uint64
	written      atomic.Uint64
	mu           sync.RWMutex // senders hold it shared so Stop never closes under a send
}

// Config holds configuration for the SecurityEventWriter
type Config struct {
	BufferSize   int           // Size of the event buffer channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Per-event insert timeout
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// NewSecurityEventWriter creates a writer. metrics may be nil.
func NewSecurityEventWriter(repo repositories.SecurityEventRepository, metrics *observability.Metrics, logger *zap.Logger, config Config) *SecurityEventWriter {
	ctx, cancel := context.WithCancel(context.Background())
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}

	return &SecurityEventWriter{
		repo:         repo,
		metrics:      metrics,
		logger:       logger,
		eventChan:    make(chan *models.SecurityEvent, config.BufferSize),
		workerCount:  config.WorkerCount,
		bufferSize:   config.BufferSize,
		writeTimeout: config.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start starts the background workers
func (w *SecurityEventWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("security event writer already started")
	}

	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.worker(i)
	}

	w.started = true
	w.logger.Info("started security event writer",
		zap.Int("worker_count", w.workerCount),
		zap.Int("buffer_size", w.bufferSize))

	return nil
}

// Stop drains queued events and waits for workers up to timeout
func (w *SecurityEventWriter) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return ErrNotStarted
	}
	w.stopped = true
	close(w.eventChan)
	w.mu.Unlock()

	w.logger.Info("stopping security event writer", zap.Int("pending_events", len(w.eventChan)))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("security event writer stopped gracefully")
		w.cancel()
		return nil
	case <-time.After(timeout):
		w.cancel()
		return fmt.Errorf("security event writer stop timeout after %v", timeout)
	}
}

// LogEvent queues an event without blocking. A full buffer drops the event.
func (w *SecurityEventWriter) LogEvent(evt *models.SecurityEvent) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.started || w.stopped {
		return ErrNotStarted
	}

	select {
	case w.eventChan <- evt:
		return nil
	default:
		w.dropped.Add(1)
		w.logger.Warn("security event channel full, dropping event",
			zap.String("kind", string(evt.Kind)),
			zap.String("subject", evt.Subject))
		return ErrBufferFull
	}
}

// LogEventBlocking queues an event, waiting for room until ctx is done
func (w *SecurityEventWriter) LogEventBlocking(ctx context.Context, evt *models.SecurityEvent) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.started || w.stopped {
		return ErrNotStarted
	}

	select {
	case w.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return fmt.Errorf("security event writer stopped")
	}
}

// ListBySubject returns the persisted events of a subject, newest first
func (w *SecurityEventWriter) ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*models.SecurityEvent, error) {
	return w.repo.ListBySubject(ctx, subject, limit, offset)
}

func (w *SecurityEventWriter) worker(id int) {
	defer w.wg.Done()

	w.logger.Debug("security event worker started", zap.Int("worker_id", id))

	for evt := range w.eventChan {
		if err := w.processEvent(evt); err != nil {
			w.logger.Error("failed to persist security event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("kind", string(evt.Kind)),
				zap.String("subject", evt.Subject))
		}
	}

	w.logger.Debug("security event worker stopped", zap.Int("worker_id", id))
}

func (w *SecurityEventWriter) processEvent(evt *models.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()

	if err := w.repo.Insert(ctx, evt); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}

	w.metrics.RecordSecurityEvent(ctx, string(evt.Kind))
	w.written.Add(1)
	return nil
}

// GetStats returns statistics about the writer
func (w *SecurityEventWriter) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return Stats{
		BufferSize:    w.bufferSize,
		PendingEvents: len(w.eventChan),
		WorkerCount:   w.workerCount,
		Started:       w.started && !w.stopped,
		Written:       w.written.Load(),
		Dropped:       w.dropped.Load(),
	}
}

// Stats represents writer statistics
type Stats struct {
	BufferSize    int    `json:"buffer_size"`
	PendingEvents int    `json:"pending_events"`
	WorkerCount   int    `json:"worker_count"`
	Started       bool   `json:"started"`
	Written       uint64 `json:"written"`
	Dropped       uint64 `json:"dropped"`
}
