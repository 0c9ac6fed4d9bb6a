package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/civic-gateway/app"
	"github.com/upb/civic-gateway/handlers"
	"github.com/upb/civic-gateway/internal/observability"
	gwmiddleware "github.com/upb/civic-gateway/middleware"
	"go.uber.org/zap"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(observability.NewLogger(deps.Logger).Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", handlers.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID", handlers.IdempotencyKeyHeader, handlers.ReplayedHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.HealthCheckers, statusSources(deps), deps.Logger)
	decisions := handlers.NewDecisionHandler(deps.Decisions, deps.Logger)
	audit := handlers.NewAuditHandler(deps.Repos.AuditRecords, deps.SecurityEvents, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	// Login and session endpoints
	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", handlers.AuthLoginHandler(deps))
		r.Get("/callback", handlers.AuthCallbackHandler(deps))
		r.Post("/refresh", handlers.AuthRefreshHandler(deps))
		r.Post("/logout", handlers.AuthLogoutHandler(deps))
		r.With(deps.AuthMiddleware.RequireAuth).Post("/logout-all", handlers.AuthLogoutAllHandler(deps))
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/status", health.HandleStatus)

		// Action requests (require authentication)
		r.Route("/decisions", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Post("/", decisions.HandleSubmit)
		})

		// Audit trail (require auditor role)
		r.Route("/audit", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole(gwmiddleware.RoleAuditor))
			r.Get("/records", audit.HandleListRecords)
			r.Get("/records/{eventId}", audit.HandleGetRecord)
			r.Get("/security-events", audit.HandleListSecurityEvents)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"endpoint not found"}`))
	})

	return r
}

func statusSources(deps *app.Dependencies) handlers.StatusSources {
	src := handlers.StatusSources{
		Environment:    deps.Config.Environment,
		SchemaVersion:  deps.Engine.SchemaVersion(),
		SecurityEvents: deps.SecurityEvents,
		Claims:         deps.Idempotency,
		Conditions:     deps.Conditions,
	}
	if deps.Metrics != nil {
		src.Metrics = deps.Metrics
	}
	return src
}

// requestLogger writes one access line per request, tagged with the chi request id
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []observability.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if ww.Status() >= http.StatusInternalServerError {
				logger.Warn(r.Context(), "request completed", fields...)
				return
			}
			logger.Debug(r.Context(), "request completed", fields...)
		})
	}
}
