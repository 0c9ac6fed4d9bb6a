package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "gateway.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIdempotencyLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.NewRepositories().Idempotency
	now := time.Now().UTC()

	rec := &models.IdempotencyRecord{
		RequestID:     "req-1",
		PayloadHash:   "h1",
		SchemaVersion: "decision.v1",
		ClaimToken:    "c1",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}

	inserted, err := repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *rec
	dup.ClaimToken = "c2"
	inserted, err = repo.Insert(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyPending, got.Status)
	assert.Equal(t, "c1", got.ClaimToken)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))

	// a live row cannot be taken over
	taken, err := repo.TakeOver(ctx, &dup, now)
	require.NoError(t, err)
	assert.False(t, taken)

	// the wrong claim token cannot complete
	wrong := *rec
	wrong.ClaimToken = "c2"
	wrong.Output = json.RawMessage(`{"status":"approved"}`)
	wrong.CompletedAt = &now
	ok, err := repo.Complete(ctx, &wrong)
	require.NoError(t, err)
	assert.False(t, ok)

	done := *rec
	done.Output = json.RawMessage(`{"status":"approved"}`)
	done.DecisionStatus = "approved"
	done.CompletedAt = &now
	done.ExpiresAt = now.Add(time.Hour)
	ok, err = repo.Complete(ctx, &done)
	require.NoError(t, err)
	assert.True(t, ok)

	// a completed row completes only once
	ok, err = repo.Complete(ctx, &done)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = repo.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, got.IsCompleted())
	assert.JSONEq(t, `{"status":"approved"}`, string(got.Output))
	require.NotNil(t, got.CompletedAt)

	// a completed row is not deletable through abandon
	deleted, err := repo.Delete(ctx, "req-1", "c1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// after expiry the row is a fresh claim
	later := now.Add(2 * time.Hour)
	fresh := &models.IdempotencyRecord{
		RequestID: "req-1", PayloadHash: "h2", SchemaVersion: "decision.v1",
		ClaimToken: "c3", CreatedAt: later, ExpiresAt: later.Add(time.Minute),
	}
	taken, err = repo.TakeOver(ctx, fresh, later)
	require.NoError(t, err)
	assert.True(t, taken)

	got, err = repo.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyPending, got.Status)
	assert.Equal(t, "h2", got.PayloadHash)
	assert.Empty(t, got.Output)

	n, err := repo.DeleteExpired(ctx, later.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Get(ctx, "req-1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestIdempotencyInsert_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.NewRepositories().Idempotency
	now := time.Now().UTC()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := repo.Insert(ctx, &models.IdempotencyRecord{
				RequestID: "race", PayloadHash: "h", SchemaVersion: "v",
				ClaimToken: uuid.NewString(), CreatedAt: now, ExpiresAt: now.Add(time.Minute),
			})
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&winners, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestAuditRecordsRoundTripInTransaction(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repos := store.NewRepositories()
	tm := store.GetTransactionManager()
	ts := time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)

	rec := models.NewAuditRecord("ws-1", "op-1", ts).
		WithAction(models.TriggerSchedule, "notify_party").
		WithEvidence(models.EvidenceBundle{Statute: "MC-2", Connectors: []models.ConnectorKind{models.ConnectorNotification}}).
		Approve("approved").
		Seal("abc")

	err := tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		return repos.AuditRecords.Insert(txCtx, rec)
	})
	require.NoError(t, err)

	got, err := repos.AuditRecords.GetByEventID(ctx, rec.EventID)
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.Equal(t, models.TriggerSchedule, got.Trigger)
	assert.Equal(t, []models.ConnectorKind{models.ConnectorNotification}, got.Evidence.Connectors)
	assert.True(t, got.Timestamp.Equal(ts))

	// rolled back inserts leave nothing behind
	other := models.NewAuditRecord("ws-1", "op-1", ts.Add(time.Minute))
	_ = tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
		require.NoError(t, repos.AuditRecords.Insert(txCtx, other))
		return assert.AnError
	})
	_, err = repos.AuditRecords.GetByEventID(ctx, other.EventID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	list, err := repos.AuditRecords.ListByWorkspace(ctx, "ws-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRefreshTokens(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.NewRepositories().RefreshTokens
	now := time.Now().UTC()

	for _, tok := range []*models.RefreshToken{
		{ID: "a", UserID: "u1", Family: "f1", Roles: []string{"clerk", "auditor"}, IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "b", UserID: "u1", Family: "f1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "c", UserID: "u1", Family: "f2", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
		{ID: "old", UserID: "u2", Family: "f3", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
	} {
		require.NoError(t, repo.Create(ctx, tok))
	}

	ok, err := repo.RevokeIfActive(ctx, "a", "b", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.RevokeIfActive(ctx, "a", "x", now)
	require.NoError(t, err)
	assert.False(t, ok, "revocation happens once")

	ok, err = repo.RevokeIfActive(ctx, "old", "x", now)
	require.NoError(t, err)
	assert.False(t, ok, "expired tokens cannot rotate")

	a, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, a.ReplacedBy)
	assert.Equal(t, "b", *a.ReplacedBy)
	assert.Equal(t, []string{"clerk", "auditor"}, a.Roles)
	require.NotNil(t, a.RevokedAt)
	firstRevocation := *a.RevokedAt

	n, err := repo.RevokeFamily(ctx, "f1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	a, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, a.RevokedAt.Equal(firstRevocation), "revocation is monotonic")

	n, err = repo.RevokeAllForUser(ctx, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTicketConsume_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.NewRepositories().Tickets
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &models.OneTimeTicket{
		Token: "t1", Purpose: "oauth_state", CreatedAt: now, ExpiresAt: now.Add(time.Minute), Payload: []byte("pkce"),
	}))

	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket, err := repo.Consume(ctx, "t1", now)
			if err == nil {
				assert.Equal(t, []byte("pkce"), ticket.Payload)
				atomic.AddInt32(&successes, 1)
				return
			}
			assert.ErrorIs(t, err, repositories.ErrNotFound)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), successes)

	_, err := repo.Consume(ctx, "unknown", now)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	n, err := repo.DeleteExpired(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSecurityEvents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	repo := store.NewRepositories().SecurityEvents

	first := models.NewSecurityEvent(models.SecurityEventIdempotencyConflict, "op-1").WithReference("req-1")
	second := models.NewSecurityEvent(models.SecurityEventTokenReuse, "op-1").
		WithDetails(map[string]int{"revoked": 3})
	second.OccurredAt = first.OccurredAt.Add(time.Second)

	require.NoError(t, repo.Insert(ctx, first))
	require.NoError(t, repo.Insert(ctx, second))

	events, err := repo.ListBySubject(ctx, "op-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.SecurityEventTokenReuse, events[0].Kind)
	assert.JSONEq(t, `{"revoked":3}`, string(events[0].Details))
	assert.Equal(t, "req-1", events[1].Reference)
	assert.Empty(t, events[1].Details)
}

func TestHealthCheck(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
