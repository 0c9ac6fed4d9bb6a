package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/civic-gateway/middleware"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/services"
	"github.com/upb/civic-gateway/utils"
	"go.uber.org/zap"
)

const defaultPageSize = 50

// SecurityEventLister reads persisted security events
type SecurityEventLister interface {
	ListBySubject(ctx context.Context, subject string, limit, offset int) ([]*models.SecurityEvent, error)
}

// ListAuditRequest is the validated query of a list endpoint
type ListAuditRequest struct {
	Key    string `json:"key" validate:"required,max=256"`
	Limit  int    `json:"limit" validate:"min=1,max=200"`
	Offset int    `json:"offset" validate:"min=0"`
}

// PageResponse wraps a page of results
type PageResponse struct {
	Items  interface{} `json:"items"`
	Count  int         `json:"count"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// AuditHandler serves read access to decision audit records and security events
type AuditHandler struct {
	records repositories.AuditRepository
	events  SecurityEventLister
	logger  *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(records repositories.AuditRepository, events SecurityEventLister, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		records: records,
		events:  events,
		logger:  logger,
	}
}

// HandleGetRecord handles GET /api/v1/audit/records/{eventId}
func (h *AuditHandler) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	eventID, err := uuid.Parse(chi.URLParam(r, "eventId"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid event ID format", nil)
		return
	}

	rec, err := h.records.GetByEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			HandleServiceError(w, services.ErrAuditRecordNotFound.WithDetail("event_id", eventID.String()), h.logger)
			return
		}
		h.logger.Error("failed to get audit record",
			zap.String("request_id", requestID),
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		HandleServiceError(w, services.ErrStoreUnavailable.Wrap(err), h.logger)
		return
	}

	_ = utils.WriteOK(w, rec)
}

// HandleListRecords handles GET /api/v1/audit/records?workspaceId=
func (h *AuditHandler) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	req, ok := h.parseList(w, r, "workspaceId")
	if !ok {
		return
	}

	records, err := h.records.ListByWorkspace(ctx, req.Key, req.Limit, req.Offset)
	if err != nil {
		h.logger.Error("failed to list audit records",
			zap.String("request_id", requestID),
			zap.String("workspace_id", req.Key),
			zap.Error(err))
		HandleServiceError(w, services.ErrStoreUnavailable.Wrap(err), h.logger)
		return
	}
	if records == nil {
		records = []*models.AuditRecord{}
	}

	_ = utils.WriteOK(w, PageResponse{Items: records, Count: len(records), Limit: req.Limit, Offset: req.Offset})
}

// HandleListSecurityEvents handles GET /api/v1/audit/security-events?subject=
func (h *AuditHandler) HandleListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	req, ok := h.parseList(w, r, "subject")
	if !ok {
		return
	}

	events, err := h.events.ListBySubject(ctx, req.Key, req.Limit, req.Offset)
	if err != nil {
		h.logger.Error("failed to list security events",
			zap.String("request_id", requestID),
			zap.String("subject", req.Key),
			zap.Error(err))
		HandleServiceError(w, services.ErrStoreUnavailable.Wrap(err), h.logger)
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}

	_ = utils.WriteOK(w, PageResponse{Items: events, Count: len(events), Limit: req.Limit, Offset: req.Offset})
}

// parseList reads key, limit and offset, writing a 400 when they are unusable
func (h *AuditHandler) parseList(w http.ResponseWriter, r *http.Request, keyParam string) (*ListAuditRequest, bool) {
	q := r.URL.Query()
	req := &ListAuditRequest{Key: q.Get(keyParam), Limit: defaultPageSize}

	for name, dst := range map[string]*int{"limit": &req.Limit, "offset": &req.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid "+name, nil)
			return nil, false
		}
		*dst = n
	}

	if err := utils.ValidateStruct(req); err != nil {
		HandleValidationError(w, err, h.logger)
		return nil, false
	}
	return req, true
}
