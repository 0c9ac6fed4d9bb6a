package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/upb/civic-gateway/repositories"
	"github.com/upb/civic-gateway/services/audit"
	"github.com/upb/civic-gateway/services/governance"
	"github.com/upb/civic-gateway/utils"
	"go.uber.org/zap"
)

// Version is reported by the status endpoint
const Version = "0.1.0"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// StatusResponse represents the operational status response
type StatusResponse struct {
	Version        string               `json:"version"`
	Environment    string               `json:"environment"`
	SchemaVersion  string               `json:"schemaVersion"`
	Components     []string             `json:"components"`
	InFlightClaims int                  `json:"inFlightClaims"`
	ConditionCache governance.CacheStats `json:"conditionCache"`
	SecurityEvents audit.Stats          `json:"securityEvents"`
	Counters       map[string]int64     `json:"counters"`
}

// StatusSources are the live components the status endpoint reports on.
// Any source may be nil.
type StatusSources struct {
	Environment    string
	SchemaVersion  string
	Metrics        interface{ Snapshot(context.Context) (map[string]int64, error) }
	SecurityEvents interface{ GetStats() audit.Stats }
	Claims         interface{ InFlight() int }
	Conditions     interface{ Stats() governance.CacheStats }
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checkers map[string]repositories.HealthChecker
	sources  StatusSources
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler probing checkers on readiness
func NewHealthHandler(checkers map[string]repositories.HealthChecker, sources StatusSources, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checkers: checkers,
		sources:  sources,
		logger:   logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// Readiness check - the gateway fails closed, so an unreachable store makes it unready
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	for name, checker := range h.checkers {
		if err := checker.HealthCheck(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			checks[name] = "unhealthy"
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	// Determine overall status
	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleStatus handles GET /api/v1/status
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	src := h.sources
	response := StatusResponse{
		Version:       Version,
		Environment:   src.Environment,
		SchemaVersion: src.SchemaVersion,
		Components:    make([]string, 0, len(h.checkers)),
		Counters:      map[string]int64{},
	}

	for name := range h.checkers {
		response.Components = append(response.Components, name)
	}
	sort.Strings(response.Components)

	if src.Claims != nil {
		response.InFlightClaims = src.Claims.InFlight()
	}
	if src.Conditions != nil {
		response.ConditionCache = src.Conditions.Stats()
	}
	if src.SecurityEvents != nil {
		response.SecurityEvents = src.SecurityEvents.GetStats()
	}
	if src.Metrics != nil {
		counters, err := src.Metrics.Snapshot(r.Context())
		if err != nil {
			h.logger.Warn("failed to collect metrics", zap.Error(err))
		} else {
			response.Counters = counters
		}
	}

	_ = utils.WriteOK(w, response)
}
