// Package decisions runs governed actions exactly once per client request id.
package decisions

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/upb/civic-gateway/internal/canonical"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/services"
	"github.com/upb/civic-gateway/services/idempotency"
	"go.uber.org/zap"
)

// maxWaitRounds bounds how often a caller re-claims after a pending owner gave up
const maxWaitRounds = 3

// DecisionService ties the governance engine to the idempotency store
type DecisionService struct {
	engine Evaluator
	claims Claimer
	events EventSink
	logger *zap.Logger
}

// NewDecisionService creates a decision service. events may be nil.
func NewDecisionService(engine Evaluator, claims Claimer, events EventSink, logger *zap.Logger) *DecisionService {
	return &DecisionService{
		engine: engine,
		claims: claims,
		events: events,
		logger: logger,
	}
}

// Submit evaluates sub once per request id. Repeats with the same payload get
// the stored output back; repeats with a different payload or schema fail.
func (s *DecisionService) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	if strings.TrimSpace(sub.Subject) == "" {
		return nil, services.ErrUnauthorized
	}
	payloadHash, err := payloadHashOf(sub)
	if err != nil {
		return nil, err
	}

	requestID, err := resolveRequestID(sub)
	if err != nil {
		return nil, err
	}

	claimReq := idempotency.ClaimRequest{
		RequestID:     requestID,
		PayloadHash:   payloadHash,
		SchemaVersion: s.engine.SchemaVersion(),
	}

	for round := 0; ; round++ {
		claim, err := s.claims.Claim(ctx, claimReq)
		if err != nil {
			return nil, err
		}

		switch claim.Outcome {
		case idempotency.OutcomeAcquired:
			return s.evaluate(ctx, requestID, sub)

		case idempotency.OutcomeReplay:
			return replayed(requestID, claim.Output, models.DecisionStatus(claim.DecisionStatus)), nil

		case idempotency.OutcomeConflict:
			s.emit(models.NewSecurityEvent(models.SecurityEventIdempotencyConflict, sub.Subject).
				WithReference(requestID).
				WithRequest(requestID, sub.RemoteAddr, sub.UserAgent))
			return nil, services.ErrIdempotencyConflict.WithDetail("request_id", requestID)

		case idempotency.OutcomeSchemaMismatch:
			s.emit(models.NewSecurityEvent(models.SecurityEventSchemaMismatch, sub.Subject).
				WithReference(requestID).
				WithRequest(requestID, sub.RemoteAddr, sub.UserAgent).
				WithDetails(map[string]interface{}{
					"stored_schema_version":    claim.StoredSchemaVersion,
					"requested_schema_version": claimReq.SchemaVersion,
				}))
			return nil, services.ErrSchemaMismatch.
				WithDetail("request_id", requestID).
				WithDetail("stored_schema_version", claim.StoredSchemaVersion)

		case idempotency.OutcomePending:
			output, err := claim.Wait(ctx)
			if err == nil {
				return replayed(requestID, output, statusOf(output)), nil
			}
			if errors.Is(err, idempotency.ErrClaimAbandoned) || errors.Is(err, idempotency.ErrClaimExpired) {
				if round+1 < maxWaitRounds {
					s.logger.Debug("pending claim released, claiming again",
						zap.String("request_id", requestID),
						zap.Error(err),
					)
					continue
				}
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, services.ErrRequestInProgress.Wrap(err).WithDetail("request_id", requestID)

		default:
			return nil, services.WrapInternal("unknown claim outcome "+string(claim.Outcome), nil)
		}
	}
}

// evaluate runs the engine under an acquired claim and persists its output
func (s *DecisionService) evaluate(ctx context.Context, requestID string, sub Submission) (*Outcome, error) {
	result := s.engine.EvaluateAs(ctx, sub.Body, models.Principal{Subject: sub.Subject, Roles: sub.Roles})
	result.Audit.RequestID = requestID

	output, err := json.Marshal(result)
	if err != nil {
		s.abandon(ctx, requestID)
		return nil, services.WrapInternal("failed to encode decision", err)
	}

	err = s.claims.StoreResult(ctx, requestID, idempotency.StoreRequest{
		Output:         output,
		SchemaVersion:  result.SchemaVersion,
		DecisionStatus: string(result.Status),
		AuditRecord:    &result.Audit,
	})
	if err != nil {
		s.logger.Error("failed to persist decision",
			zap.String("request_id", requestID),
			zap.String("event_id", result.Audit.EventID.String()),
			zap.Error(err),
		)
		s.abandon(ctx, requestID)
		if errors.Is(err, services.ErrAuditPersistence) {
			return nil, err
		}
		return nil, services.ErrAuditPersistence.Wrap(err)
	}

	if result.Audit.RationaleCode == models.RationaleOperatorMismatch {
		s.emit(models.NewSecurityEvent(models.SecurityEventOperatorMismatch, sub.Subject).
			WithReference(result.Audit.EventID.String()).
			WithRequest(requestID, sub.RemoteAddr, sub.UserAgent).
			WithDetails(map[string]interface{}{
				"workspace_id": result.Audit.WorkspaceID,
				"rationale":    result.Audit.Rationale,
			}))
	}

	if result.Audit.RationaleCode == models.RationaleInjectionDetected {
		s.emit(models.NewSecurityEvent(models.SecurityEventInjectionRejected, result.Audit.OperatorID).
			WithReference(result.Audit.EventID.String()).
			WithRequest(requestID, sub.RemoteAddr, sub.UserAgent).
			WithDetails(map[string]interface{}{
				"workspace_id": result.Audit.WorkspaceID,
				"findings":     result.Audit.Evidence.ScreeningFindings,
			}))
	}

	return &Outcome{
		RequestID: requestID,
		Output:    output,
		Status:    result.Status,
		Decision:  result,
	}, nil
}

func (s *DecisionService) abandon(ctx context.Context, requestID string) {
	if err := s.claims.Abandon(ctx, requestID); err != nil && !errors.Is(err, idempotency.ErrClaimNotHeld) {
		s.logger.Error("failed to abandon claim", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (s *DecisionService) emit(evt *models.SecurityEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.LogEvent(evt); err != nil {
		s.logger.Error("failed to queue security event",
			zap.String("kind", string(evt.Kind)),
			zap.Error(err),
		)
	}
}

// payloadHashOf fingerprints the canonical body together with the principal,
// so one user's request id never replays another user's decision
func payloadHashOf(sub Submission) (string, error) {
	if _, err := canonical.CanonicalizeJSON(sub.Body); err != nil {
		return "", services.ErrMalformedRequest.Wrap(err)
	}
	roles := append([]string{}, sub.Roles...)
	sort.Strings(roles)

	hash, err := canonical.HashValue(fingerprint{Subject: sub.Subject, Roles: roles, Body: sub.Body})
	if err != nil {
		return "", services.ErrMalformedRequest.Wrap(err)
	}
	return hash, nil
}

// resolveRequestID picks the header key or action.requestId; both set and different is an error
func resolveRequestID(sub Submission) (string, error) {
	header := strings.TrimSpace(sub.IdempotencyKey)

	var env requestIDEnvelope
	_ = json.Unmarshal(sub.Body, &env)
	body := strings.TrimSpace(env.Action.RequestID)

	switch {
	case header != "" && body != "" && header != body:
		return "", services.ErrRequestIDMismatch.
			WithDetail("header", header).
			WithDetail("body", body)
	case header != "":
		return header, nil
	case body != "":
		return body, nil
	default:
		return "", services.ErrMissingRequestID
	}
}

func replayed(requestID string, output json.RawMessage, status models.DecisionStatus) *Outcome {
	return &Outcome{
		RequestID: requestID,
		Output:    output,
		Status:    status,
		Replayed:  true,
	}
}

func statusOf(output json.RawMessage) models.DecisionStatus {
	var env statusEnvelope
	_ = json.Unmarshal(output, &env)
	return env.Status
}
