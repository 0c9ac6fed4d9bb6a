package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"go.uber.org/zap"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return NewDBFromConn(sqlDB, zap.NewNop()), mock
}

func TestIdempotencyRepository_Insert(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	rec := &models.IdempotencyRecord{
		RequestID:     "req-1",
		PayloadHash:   "hash",
		SchemaVersion: "decision.v1",
		ClaimToken:    "claim-1",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}

	t.Run("fresh row is inserted", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
			WithArgs("req-1", "hash", "pending", "decision.v1", "claim-1", now, now.Add(time.Minute)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		inserted, err := repo.Insert(ctx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing row is reported as not inserted", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, zap.NewNop())

		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (request_id) DO NOTHING")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		inserted, err := repo.Insert(ctx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)
	})

	t.Run("driver error is wrapped", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO idempotency_keys").WillReturnError(errors.New("connection reset"))

		_, err := repo.Insert(ctx, rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert idempotency key")
	})
}

func TestIdempotencyRepository_Get(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("completed row", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, zap.NewNop())

		rows := sqlmock.NewRows([]string{
			"request_id", "payload_hash", "status", "schema_version", "output", "decision_status",
			"claim_token", "created_at", "completed_at", "expires_at",
		}).AddRow("req-1", "hash", "completed", "decision.v1", []byte(`{"status":"approved"}`), "approved",
			"claim-1", now, now, now.Add(time.Hour))

		mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_keys")).WithArgs("req-1").WillReturnRows(rows)

		rec, err := repo.Get(ctx, "req-1")
		require.NoError(t, err)
		assert.True(t, rec.IsCompleted())
		assert.Equal(t, "approved", rec.DecisionStatus)
		assert.JSONEq(t, `{"status":"approved"}`, string(rec.Output))
		require.NotNil(t, rec.CompletedAt)
	})

	t.Run("missing row maps to ErrNotFound", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, zap.NewNop())

		mock.ExpectQuery(regexp.QuoteMeta("FROM idempotency_keys")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"request_id"}))

		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func TestIdempotencyRepository_ConditionalWrites(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	rec := &models.IdempotencyRecord{
		RequestID:      "req-1",
		PayloadHash:    "hash",
		SchemaVersion:  "decision.v1",
		ClaimToken:     "claim-2",
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Minute),
		Output:         json.RawMessage(`{}`),
		DecisionStatus: "approved",
		CompletedAt:    &now,
	}

	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("WHERE request_id = $1 AND expires_at <= $8")).
		WithArgs("req-1", "hash", "pending", "decision.v1", "claim-2", now, now.Add(time.Minute), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE request_id = $1 AND claim_token = $2 AND status = 'pending'")).
		WithArgs("req-1", "claim-2", "completed", sqlmock.AnyArg(), "approved", "decision.v1", sqlmock.AnyArg(), now.Add(time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys")).
		WithArgs("req-1", "claim-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_keys WHERE expires_at <= $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	taken, err := repo.TakeOver(ctx, rec, now)
	require.NoError(t, err)
	assert.True(t, taken)

	completed, err := repo.Complete(ctx, rec)
	require.NoError(t, err)
	assert.False(t, completed, "a lost claim must not complete the row")

	deleted, err := repo.Delete(ctx, "req-1", "claim-2")
	require.NoError(t, err)
	assert.True(t, deleted)

	pruned, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepository(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	eventID := uuid.New()

	db, mock := newMockDB(t)
	repo := NewAuditRepository(db, zap.NewNop())

	rec := models.NewAuditRecord("ws-1", "op-1", ts).
		WithAction(models.TriggerManual, "deploy_config").
		WithEvidence(models.EvidenceBundle{Statute: "MC-1"}).
		Reject(models.RationalePermissionDenied, "missing connector:source_control").
		Seal("plan-hash")
	rec.EventID = eventID

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_audit_records")).
		WithArgs(sqlmock.AnyArg(), "", "ws-1", "op-1", ts, "manual", "deploy_config", false,
			"missing connector:source_control", "permission_denied", []byte(`{"statute":"MC-1"}`), "plan-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Insert(ctx, rec))

	columns := []string{"event_id", "request_id", "workspace_id", "operator_id", "timestamp", "trigger",
		"intent", "approved", "rationale", "rationale_code", "evidence", "plan_hash"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM decision_audit_records WHERE event_id = $1")).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(eventID.String(), nil, "ws-1", "op-1", ts, "manual",
			"deploy_config", false, "missing connector:source_control", "permission_denied",
			[]byte(`{"statute":"MC-1"}`), "plan-hash"))

	got, err := repo.GetByEventID(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, eventID, got.EventID)
	assert.Equal(t, "MC-1", got.Evidence.Statute)
	assert.Equal(t, "", got.RequestID)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE workspace_id = $1")).
		WithArgs("ws-1", 10, 0).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(uuid.NewString(), "req-2", "ws-1", "op-1", ts, "schedule", "notify_party", true,
				"approved", "approved", []byte(`{}`), "h2").
			AddRow(eventID.String(), nil, "ws-1", "op-1", ts, "manual", "deploy_config", false,
				"missing", "permission_denied", []byte(`{}`), "plan-hash"))

	list, err := repo.ListByWorkspace(ctx, "ws-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.True(t, list[0].Approved)

	mock.ExpectQuery(regexp.QuoteMeta("FROM decision_audit_records WHERE event_id = $1")).
		WillReturnRows(sqlmock.NewRows(columns))
	_, err = repo.GetByEventID(ctx, uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSecurityEventRepository(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	repo := NewSecurityEventRepository(db, zap.NewNop())

	evt := models.NewSecurityEvent(models.SecurityEventTokenReuse, "user-1").WithReference("fam-1")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO security_events")).
		WithArgs(sqlmock.AnyArg(), "token_reuse_detected", "user-1", "fam-1", nil, "", "", "", evt.OccurredAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Insert(ctx, evt))

	mock.ExpectQuery(regexp.QuoteMeta("FROM security_events")).
		WithArgs("user-1", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "subject", "reference", "details",
			"request_id", "ip_address", "user_agent", "occurred_at"}).
			AddRow(evt.ID.String(), "token_reuse_detected", "user-1", "fam-1", nil, nil, nil, nil, evt.OccurredAt))

	events, err := repo.ListBySubject(ctx, "user-1", 20, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.SecurityEventTokenReuse, events[0].Kind)
	assert.Equal(t, "fam-1", events[0].Reference)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := newMockDB(t)
	repo := NewRefreshTokenRepository(db, zap.NewNop())

	tok := &models.RefreshToken{
		ID: "id-1", UserID: "user-1", Family: "fam-1", Roles: []string{"auditor"},
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WithArgs("id-1", "user-1", "fam-1", sqlmock.AnyArg(), now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(ctx, tok))

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND revoked_at IS NULL AND expires_at > $3")).
		WithArgs("id-1", "id-2", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.RevokeIfActive(ctx, "id-1", "id-2", now)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND revoked_at IS NULL")).
		WithArgs("id-1", "id-3", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.RevokeIfActive(ctx, "id-1", "id-3", now)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens")).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "family", "roles", "issued_at", "expires_at", "revoked_at", "replaced_by"}).
			AddRow("id-1", "user-1", "fam-1", "{auditor,clerk}", now, now.Add(time.Hour), now, "id-2"))
	got, err := repo.Get(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor", "clerk"}, got.Roles)
	assert.True(t, got.IsRevoked())
	require.NotNil(t, got.ReplacedBy)
	assert.Equal(t, "id-2", *got.ReplacedBy)

	mock.ExpectExec(regexp.QuoteMeta("WHERE family = $1 AND revoked_at IS NULL")).
		WithArgs("fam-1", now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := repo.RevokeFamily(ctx, "fam-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mock.ExpectExec(regexp.QuoteMeta("WHERE user_id = $1 AND revoked_at IS NULL")).
		WithArgs("user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	n, err = repo.RevokeAllForUser(ctx, "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE expires_at < $1")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err = repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	mock.ExpectQuery(regexp.QuoteMeta("FROM refresh_tokens")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTicketRepository(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db, mock := newMockDB(t)
	repo := NewTicketRepository(db, zap.NewNop())

	ticket := &models.OneTimeTicket{
		Token:     "hashed",
		Purpose:   "oauth_state",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
		Payload:   []byte("verifier"),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO one_time_tickets")).
		WithArgs("hashed", "oauth_state", now, now.Add(5*time.Minute), []byte("verifier")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Create(ctx, ticket))

	columns := []string{"token", "purpose", "created_at", "expires_at", "used", "used_at", "payload"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE token = $1 AND used = FALSE")).
		WithArgs("hashed", now).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("hashed", "oauth_state", now, now.Add(5*time.Minute), true, now, []byte("verifier")))

	got, err := repo.Consume(ctx, "hashed", now)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, []byte("verifier"), got.Payload)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE token = $1 AND used = FALSE")).
		WithArgs("hashed", now).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err = repo.Consume(ctx, "hashed", now)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM one_time_tickets")).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionManager_InTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success and routes statements through the tx", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())
		repo := NewRefreshTokenRepository(db, zap.NewNop())
		now := time.Now().UTC()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := tm.InTransaction(ctx, func(txCtx context.Context, _ repositories.Transaction) error {
			_, err := repo.RevokeFamily(txCtx, "fam-1", now)
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := tm.InTransaction(ctx, func(context.Context, repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_HealthCheck(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	db := NewDBFromConn(sqlDB, zap.NewNop())
	assert.NoError(t, db.HealthCheck(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
