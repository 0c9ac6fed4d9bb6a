package handlers

import (
	"net/http"

	"github.com/upb/civic-gateway/auth"
	"github.com/upb/civic-gateway/utils"
)

// AuthDeps provides auth handler for route wiring
type AuthDeps interface {
	AuthHandler() *auth.Handler
}

// authRoute forwards to the auth handler, or 503 when none is wired
func authRoute(deps AuthDeps, pick func(*auth.Handler) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h := deps.AuthHandler(); h != nil {
			pick(h)(w, r)
			return
		}
		_ = utils.WriteServiceUnavailable(w, "Authentication not configured", nil)
	}
}

// AuthLoginHandler returns an http.HandlerFunc for the login endpoint
func AuthLoginHandler(deps AuthDeps) http.HandlerFunc {
	return authRoute(deps, func(h *auth.Handler) http.HandlerFunc { return h.HandleLogin })
}

// AuthCallbackHandler returns an http.HandlerFunc for the OAuth callback endpoint
func AuthCallbackHandler(deps AuthDeps) http.HandlerFunc {
	return authRoute(deps, func(h *auth.Handler) http.HandlerFunc { return h.HandleCallback })
}

// AuthRefreshHandler returns an http.HandlerFunc for the refresh endpoint
func AuthRefreshHandler(deps AuthDeps) http.HandlerFunc {
	return authRoute(deps, func(h *auth.Handler) http.HandlerFunc { return h.HandleRefresh })
}

// AuthLogoutHandler returns an http.HandlerFunc for the logout endpoint
func AuthLogoutHandler(deps AuthDeps) http.HandlerFunc {
	return authRoute(deps, func(h *auth.Handler) http.HandlerFunc { return h.HandleLogout })
}

// AuthLogoutAllHandler returns an http.HandlerFunc for the logout-everywhere endpoint
func AuthLogoutAllHandler(deps AuthDeps) http.HandlerFunc {
	return authRoute(deps, func(h *auth.Handler) http.HandlerFunc { return h.HandleLogoutAll })
}
