// Package idempotency guarantees that a client request id is executed at most once.
//
// The durable row is the source of truth. Callers in the same process that
// collide on a pending claim wait on an in-memory flight; callers elsewhere poll
// the row until it completes, disappears or expires.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/civic-gateway/internal/observability"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/services"
	"go.uber.org/zap"
)

// Outcome is the result of a claim
type Outcome string

const (
	OutcomeAcquired       Outcome = "acquired"
	OutcomeReplay         Outcome = "replay"
	OutcomePending        Outcome = "pending"
	OutcomeConflict       Outcome = "conflict"
	OutcomeSchemaMismatch Outcome = "schema_mismatch"
)

var (
	// ErrClaimAbandoned is returned to waiters when the owner gave up its claim
	ErrClaimAbandoned = errors.New("claim abandoned by its owner")

	// ErrClaimExpired is returned to waiters when the pending claim outlived its lease
	ErrClaimExpired = errors.New("pending claim expired")

	// ErrClaimNotHeld is returned when storing or abandoning a claim this store does not own
	ErrClaimNotHeld = errors.New("claim not held")

	// ErrWaitTimeout is returned when a waiter gives up before the owner finishes
	ErrWaitTimeout = errors.New("timed out waiting for pending claim")

	// ErrNotPending is returned by Wait on a result that has nothing to wait for
	ErrNotPending = errors.New("claim result is not pending")
)

// maxClaimAttempts bounds the insert/read loop when rows vanish between statements
const maxClaimAttempts = 3

// Config holds the store timings
type Config struct {
	PendingTTL   time.Duration // lease of an unfinished claim
	RetentionTTL time.Duration // how long a completed result stays replayable
	WaitTimeout  time.Duration // upper bound for a waiter
	PollInterval time.Duration // cross-process poll period
}

// DefaultConfig returns the default timings
func DefaultConfig() Config {
	return Config{
		PendingTTL:   30 * time.Second,
		RetentionTTL: 24 * time.Hour,
		WaitTimeout:  10 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// ClaimRequest identifies a unit of work. A zero Now uses the store clock and a
// zero ExpiresAt leases the claim for PendingTTL.
type ClaimRequest struct {
	RequestID     string
	PayloadHash   string
	SchemaVersion string
	Now           time.Time
	ExpiresAt     time.Time
}

// ClaimResult is the outcome of Claim
type ClaimResult struct {
	Outcome             Outcome
	Output              json.RawMessage // replay only
	DecisionStatus      string          // replay only
	StoredSchemaVersion string          // schema_mismatch only

	wait func(ctx context.Context) (json.RawMessage, error)
}

// Wait returns the output of a pending claim once its owner stores it.
// A replay result returns its output immediately.
func (r *ClaimResult) Wait(ctx context.Context) (json.RawMessage, error) {
	switch {
	case r.Outcome == OutcomeReplay:
		return r.Output, nil
	case r.wait != nil:
		return r.wait(ctx)
	default:
		return nil, ErrNotPending
	}
}

// StoreRequest is the completed result of an acquired claim
type StoreRequest struct {
	Output         json.RawMessage
	SchemaVersion  string
	DecisionStatus string
	AuditRecord    *models.AuditRecord
	Now            time.Time
}

// flight is an acquired claim owned by this process
type flight struct {
	payloadHash   string
	schemaVersion string
	claimToken    string
	expiresAt     time.Time

	done   chan struct{}
	once   sync.Once
	output json.RawMessage
	err    error
}

func (f *flight) resolve(output json.RawMessage, err error) {
	f.once.Do(func() {
		f.output = output
		f.err = err
		close(f.done)
	})
}

// Store implements claim, storeResult, abandon and prune over an IdempotencyRepository
type Store struct {
	repo      repositories.IdempotencyRepository
	audit     repositories.AuditRepository
	txManager repositories.TransactionManager
	cfg       Config
	metrics   *observability.Metrics
	logger    *zap.Logger
	clock     func() time.Time

	mu      sync.Mutex
	flights map[string]*flight
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithMetrics records claim outcomes on m
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates an idempotency store. Audit records are inserted through
// audit inside the same transaction that completes the claim.
func NewStore(
	repo repositories.IdempotencyRepository,
	audit repositories.AuditRepository,
	txManager repositories.TransactionManager,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Store {
	def := DefaultConfig()
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = def.RetentionTTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	s := &Store{
		repo:      repo,
		audit:     audit,
		txManager: txManager,
		cfg:       cfg,
		logger:    logger,
		clock:     func() time.Time { return time.Now().UTC() },
		flights:   make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Claim tries to take ownership of req.RequestID
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if req.RequestID == "" {
		return nil, services.ErrMissingRequestID
	}
	if req.Now.IsZero() {
		req.Now = s.clock()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = req.Now.Add(s.cfg.PendingTTL)
	}

	result, err := s.claim(ctx, req)
	if err != nil {
		s.logger.Error("idempotency claim failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.RecordClaim(ctx, string(result.Outcome))
	if result.Outcome == OutcomeConflict || result.Outcome == OutcomeSchemaMismatch {
		s.logger.Warn("idempotency key reused",
			zap.String("request_id", req.RequestID),
			zap.String("outcome", string(result.Outcome)),
			zap.String("stored_schema_version", result.StoredSchemaVersion),
		)
	}
	return result, nil
}

func (s *Store) claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	s.mu.Lock()
	if f, ok := s.flights[req.RequestID]; ok && req.Now.Before(f.expiresAt) {
		result := s.compare(f.payloadHash, f.schemaVersion, req)
		if result == nil {
			result = &ClaimResult{Outcome: OutcomePending, wait: s.localWait(f)}
		}
		s.mu.Unlock()
		return result, nil
	}
	s.mu.Unlock()

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		rec := &models.IdempotencyRecord{
			RequestID:     req.RequestID,
			PayloadHash:   req.PayloadHash,
			Status:        models.IdempotencyPending,
			SchemaVersion: req.SchemaVersion,
			ClaimToken:    uuid.NewString(),
			CreatedAt:     req.Now,
			ExpiresAt:     req.ExpiresAt,
		}

		inserted, err := s.repo.Insert(ctx, rec)
		if err != nil {
			return nil, services.ErrStoreUnavailable.Wrap(err)
		}
		if inserted {
			s.register(rec)
			return &ClaimResult{Outcome: OutcomeAcquired}, nil
		}

		existing, err := s.repo.Get(ctx, req.RequestID)
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, services.ErrStoreUnavailable.Wrap(err)
		}

		if existing.IsExpired(req.Now) {
			taken, err := s.repo.TakeOver(ctx, rec, req.Now)
			if err != nil {
				return nil, services.ErrStoreUnavailable.Wrap(err)
			}
			if taken {
				s.logger.Debug("took over expired idempotency key",
					zap.String("request_id", req.RequestID),
					zap.String("previous_status", string(existing.Status)),
				)
				s.register(rec)
				return &ClaimResult{Outcome: OutcomeAcquired}, nil
			}
			continue
		}

		if result := s.compare(existing.PayloadHash, existing.SchemaVersion, req); result != nil {
			return result, nil
		}
		if existing.IsCompleted() {
			return &ClaimResult{
				Outcome:        OutcomeReplay,
				Output:         existing.Output,
				DecisionStatus: existing.DecisionStatus,
			}, nil
		}
		return &ClaimResult{Outcome: OutcomePending, wait: s.waiterFor(existing)}, nil
	}

	return nil, services.ErrStoreUnavailable.Wrap(
		fmt.Errorf("idempotency key %s changed during %d claim attempts", req.RequestID, maxClaimAttempts))
}

// compare returns conflict or schema_mismatch when the stored claim differs from req
func (s *Store) compare(payloadHash, schemaVersion string, req ClaimRequest) *ClaimResult {
	if payloadHash != req.PayloadHash {
		return &ClaimResult{Outcome: OutcomeConflict}
	}
	if schemaVersion != req.SchemaVersion {
		return &ClaimResult{Outcome: OutcomeSchemaMismatch, StoredSchemaVersion: schemaVersion}
	}
	return nil
}

func (s *Store) register(rec *models.IdempotencyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.flights[rec.RequestID]; ok {
		old.resolve(nil, ErrClaimExpired)
	}
	s.flights[rec.RequestID] = &flight{
		payloadHash:   rec.PayloadHash,
		schemaVersion: rec.SchemaVersion,
		claimToken:    rec.ClaimToken,
		expiresAt:     rec.ExpiresAt,
		done:          make(chan struct{}),
	}
}

// waiterFor waits on the local flight when this process owns the row, otherwise polls
func (s *Store) waiterFor(rec *models.IdempotencyRecord) func(context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	f, ok := s.flights[rec.RequestID]
	s.mu.Unlock()

	if ok && f.claimToken == rec.ClaimToken {
		return s.localWait(f)
	}
	return s.pollWait(rec.RequestID, rec.ClaimToken)
}

func (s *Store) localWait(f *flight) func(context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		timer := time.NewTimer(s.cfg.WaitTimeout)
		defer timer.Stop()

		select {
		case <-f.done:
			return f.output, f.err
		case <-timer.C:
			return nil, ErrWaitTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) pollWait(requestID, claimToken string) func(context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
		defer cancel()

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, ErrWaitTimeout
				}
				return nil, ctx.Err()
			case <-ticker.C:
			}

			rec, err := s.repo.Get(ctx, requestID)
			switch {
			case errors.Is(err, repositories.ErrNotFound):
				return nil, ErrClaimAbandoned
			case err != nil:
				if ctx.Err() != nil {
					continue
				}
				return nil, services.ErrStoreUnavailable.Wrap(err)
			case rec.ClaimToken != claimToken:
				// Someone took over the row after it expired.
				return nil, ErrClaimExpired
			case rec.IsCompleted():
				return rec.Output, nil
			case rec.IsExpired(s.clock()):
				return nil, ErrClaimExpired
			}
		}
	}
}

// StoreResult completes an acquired claim and inserts its audit record in one
// transaction, then resolves local waiters
func (s *Store) StoreResult(ctx context.Context, requestID string, req StoreRequest) error {
	s.mu.Lock()
	f, ok := s.flights[requestID]
	s.mu.Unlock()
	if !ok {
		return ErrClaimNotHeld
	}

	if req.Now.IsZero() {
		req.Now = s.clock()
	}
	if req.SchemaVersion == "" {
		req.SchemaVersion = f.schemaVersion
	}
	completedAt := req.Now
	rec := &models.IdempotencyRecord{
		RequestID:      requestID,
		PayloadHash:    f.payloadHash,
		Status:         models.IdempotencyCompleted,
		SchemaVersion:  req.SchemaVersion,
		Output:         req.Output,
		DecisionStatus: req.DecisionStatus,
		ClaimToken:     f.claimToken,
		CompletedAt:    &completedAt,
		ExpiresAt:      req.Now.Add(s.cfg.RetentionTTL),
	}

	err := services.WithTransaction(ctx, s.txManager, func(ctx context.Context, _ repositories.Transaction) error {
		completed, err := s.repo.Complete(ctx, rec)
		if err != nil {
			return err
		}
		if !completed {
			return ErrClaimNotHeld
		}
		if req.AuditRecord != nil {
			if err := s.audit.Insert(ctx, req.AuditRecord); err != nil {
				return fmt.Errorf("failed to insert audit record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to store idempotent result",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		if errors.Is(err, ErrClaimNotHeld) {
			s.forget(requestID, f, ErrClaimExpired)
			return ErrClaimNotHeld
		}
		return services.ErrAuditPersistence.Wrap(err)
	}

	s.forget(requestID, f, nil)
	f.resolve(req.Output, nil)
	s.logger.Debug("stored idempotent result",
		zap.String("request_id", requestID),
		zap.String("decision_status", req.DecisionStatus),
	)
	return nil
}

// Abandon releases an acquired claim without storing a result
func (s *Store) Abandon(ctx context.Context, requestID string) error {
	s.mu.Lock()
	f, ok := s.flights[requestID]
	s.mu.Unlock()
	if !ok {
		return ErrClaimNotHeld
	}

	deleted, err := s.repo.Delete(ctx, requestID, f.claimToken)
	s.forget(requestID, f, ErrClaimAbandoned)
	if err != nil {
		return services.ErrStoreUnavailable.Wrap(err)
	}
	if !deleted {
		s.logger.Warn("abandoned claim was no longer pending", zap.String("request_id", requestID))
	}
	s.logger.Debug("abandoned idempotency claim", zap.String("request_id", requestID))
	return nil
}

// forget drops the flight if it is still the registered one and resolves it
func (s *Store) forget(requestID string, f *flight, err error) {
	s.mu.Lock()
	if cur, ok := s.flights[requestID]; ok && cur == f {
		delete(s.flights, requestID)
	}
	s.mu.Unlock()
	if err != nil {
		f.resolve(nil, err)
	}
}

// Prune deletes expired rows and releases local waiters whose claim outlived its lease
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	var stale []*flight
	for id, f := range s.flights {
		if !now.Before(f.expiresAt) {
			stale = append(stale, f)
			delete(s.flights, id)
		}
	}
	s.mu.Unlock()

	for _, f := range stale {
		f.resolve(nil, ErrClaimExpired)
	}

	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, services.ErrStoreUnavailable.Wrap(err)
	}
	return n, nil
}

// StartPruneWorker runs Prune every interval until ctx is cancelled
func (s *Store) StartPruneWorker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.Prune(ctx, s.clock())
				if err != nil {
					s.logger.Error("idempotency prune failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("pruned expired idempotency keys", zap.Int64("count", n))
				}
			}
		}
	}()
}

// InFlight returns the number of claims this process currently owns
func (s *Store) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flights)
}
