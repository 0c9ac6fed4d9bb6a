package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/upb/civic-gateway/middleware"
	"github.com/upb/civic-gateway/services/decisions"
	"github.com/upb/civic-gateway/utils"
	"go.uber.org/zap"
)

const (
	// IdempotencyKeyHeader carries the client's request id
	IdempotencyKeyHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the idempotency store
	ReplayedHeader = "Idempotent-Replayed"
)

// DecisionSubmitter evaluates action requests exactly once per request id
type DecisionSubmitter interface {
	Submit(ctx context.Context, sub decisions.Submission) (*decisions.Outcome, error)
}

// DecisionHandler handles action request submissions
type DecisionHandler struct {
	decisions DecisionSubmitter
	logger    *zap.Logger
}

// NewDecisionHandler creates a new DecisionHandler
func NewDecisionHandler(submitter DecisionSubmitter, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{
		decisions: submitter,
		logger:    logger,
	}
}

// HandleSubmit handles POST /api/v1/decisions.
// Approved and rejected decisions both return 200; the status is in the body.
func (h *DecisionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	body, err := utils.ReadBody(r, utils.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, utils.ErrBodyTooLarge) {
			_ = utils.WriteRequestTooLarge(w)
			return
		}
		h.logger.Warn("failed to read request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		_ = utils.WriteBadRequest(w, "Invalid request body", nil)
		return
	}

	sub := decisions.Submission{
		Body:           body,
		IdempotencyKey: r.Header.Get(IdempotencyKeyHeader),
		RemoteAddr:     r.RemoteAddr,
		UserAgent:      r.UserAgent(),
	}
	if claims := middleware.GetClaimsFromContext(ctx); claims != nil {
		sub.Subject = claims.Sub
		sub.Roles = claims.Roles
	}

	outcome, err := h.decisions.Submit(ctx, sub)
	if err != nil {
		h.logger.Debug("submission failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if outcome.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	w.Header().Set(IdempotencyKeyHeader, outcome.RequestID)

	h.logger.Info("decision served",
		zap.String("request_id", requestID),
		zap.String("action_request_id", outcome.RequestID),
		zap.String("status", string(outcome.Status)),
		zap.Bool("replayed", outcome.Replayed))

	if err := utils.WriteRawJSON(w, http.StatusOK, outcome.Output); err != nil {
		h.logger.Error("failed to write decision", zap.String("request_id", requestID), zap.Error(err))
	}
}
