package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/upb/civic-gateway/config"
	"github.com/upb/civic-gateway/middleware"
	"github.com/upb/civic-gateway/services"
	"github.com/upb/civic-gateway/services/identity"
	"github.com/upb/civic-gateway/services/tokens"
	"github.com/upb/civic-gateway/utils"
	"go.uber.org/zap"
)

const (
	// StateCookieName is the cookie name for OAuth state (CSRF)
	StateCookieName = "oauth_state"
	// RefreshCookieName is the cookie name for the refresh token
	RefreshCookieName = "refresh_token"
	// refreshCookiePath keeps the refresh token off every request but the auth routes
	refreshCookiePath = "/auth"
	stateCookieMaxAge = 600
)

// IdentityExchanger runs the provider side of the authorization code flow
type IdentityExchanger interface {
	Configured() bool
	AuthorizeURL(state, verifier string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*identity.Identity, error)
}

// TicketIssuer issues and redeems single-use tickets
type TicketIssuer interface {
	Issue(ctx context.Context, purpose string, payload []byte) (string, error)
	Consume(ctx context.Context, value, purpose string) ([]byte, error)
}

// SessionTokens issues, rotates and revokes refresh token families
type SessionTokens interface {
	Issue(ctx context.Context, userID string, roles []string) (*tokens.IssuedToken, error)
	Rotate(ctx context.Context, token string, ttl time.Duration) (*tokens.RotateResult, error)
	RevokeToken(ctx context.Context, token string) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// SessionResponse is returned by a successful refresh
type SessionResponse struct {
	UserID          string    `json:"userId"`
	Roles           []string  `json:"roles"`
	AccessToken     string    `json:"accessToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
	TokenType       string    `json:"tokenType"`
}

// Handler handles the login flow and refresh token sessions.
// The OAuth state is a one-time ticket whose payload is the PKCE verifier.
type Handler struct {
	cfg      *config.Config
	identity IdentityExchanger
	tickets  TicketIssuer
	sessions SessionTokens
	logger   *zap.Logger
}

// NewHandler creates a new auth handler
func NewHandler(cfg *config.Config, exchanger IdentityExchanger, tickets TicketIssuer, sessions SessionTokens, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		identity: exchanger,
		tickets:  tickets,
		sessions: sessions,
		logger:   logger,
	}
}

// HandleLogin redirects to the identity provider for authorization
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.identity == nil || !h.identity.Configured() {
		h.logger.Error("identity provider not configured")
		_ = utils.WriteServiceUnavailable(w, "Authentication not configured", nil)
		return
	}

	verifier := identity.NewVerifier()
	state, err := h.tickets.Issue(r.Context(), tokens.PurposeOAuthState, []byte(verifier))
	if err != nil {
		h.logger.Error("failed to issue state ticket", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Failed to initiate login", nil)
		return
	}

	h.setCookie(w, StateCookieName, state, "/", stateCookieMaxAge)
	http.Redirect(w, r, h.identity.AuthorizeURL(state, verifier), http.StatusFound)
}

// HandleCallback redeems the state ticket, exchanges the code and starts a session
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		h.logger.Warn("identity provider denied login",
			zap.String("error", providerErr),
			zap.String("description", query.Get("error_description")),
		)
		_ = utils.WriteUnauthorized(w, "Authentication failed")
		return
	}

	code := query.Get("code")
	state := query.Get("state")

	if code == "" {
		_ = utils.WriteBadRequest(w, "Missing authorization code", nil)
		return
	}
	if state == "" {
		_ = utils.WriteBadRequest(w, "Missing state parameter", nil)
		return
	}

	stateCookie, err := r.Cookie(StateCookieName)
	if err != nil || stateCookie.Value != state {
		_ = utils.WriteBadRequest(w, "Invalid or expired state", nil)
		return
	}
	h.clearCookie(w, StateCookieName, "/")

	verifier, err := h.tickets.Consume(r.Context(), state, tokens.PurposeOAuthState)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTicket) {
			_ = utils.WriteBadRequest(w, "Invalid or expired state", nil)
			return
		}
		h.logger.Error("failed to redeem state ticket", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Authentication temporarily unavailable", nil)
		return
	}

	user, err := h.identity.ExchangeCode(r.Context(), code, string(verifier))
	if err != nil {
		h.logger.Warn("code exchange failed", zap.Error(err))
		_ = utils.WriteBadGateway(w, "Authentication failed")
		return
	}

	issued, err := h.sessions.Issue(r.Context(), user.Subject, user.GatewayRoles())
	if err != nil {
		h.logger.Error("failed to start session", zap.String("user_id", user.Subject), zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Failed to start session", nil)
		return
	}
	h.setSessionCookies(w, issued)

	h.logger.Info("login completed", zap.String("user_id", user.Subject))

	redirectURL := h.cfg.OIDC.FrontEndURL
	if redirectURL == "" {
		redirectURL = "/"
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleRefresh rotates the refresh token cookie and returns a new access token.
// A replayed token revokes its family and ends the session.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	presented := cookieValue(r, RefreshCookieName)

	result, err := h.sessions.Rotate(r.Context(), presented, 0)
	if err != nil {
		h.logger.Error("refresh rotation failed", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Session store unavailable", nil)
		return
	}

	switch result.Outcome {
	case tokens.RotateOK:
		h.setSessionCookies(w, result.Token)
		_ = utils.WriteOK(w, SessionResponse{
			UserID:          result.Token.UserID,
			Roles:           result.Token.Roles,
			AccessToken:     result.Token.AccessToken,
			AccessExpiresAt: result.Token.AccessExpiresAt,
			TokenType:       "Bearer",
		})
	case tokens.RotateReuseDetected:
		h.clearSessionCookies(w)
		_ = utils.WriteUnauthorized(w, services.ErrTokenReuse.Message)
	default:
		h.clearSessionCookies(w)
		_ = utils.WriteUnauthorized(w, services.ErrInvalidToken.Message)
	}
}

// HandleLogout revokes the presented refresh token's family and clears the session
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if _, err := h.sessions.RevokeToken(r.Context(), cookieValue(r, RefreshCookieName)); err != nil {
		h.logger.Error("logout revoke failed", zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Session store unavailable", nil)
		return
	}
	h.clearSessionCookies(w)
	utils.WriteNoContent(w)
}

// HandleLogoutAll revokes every session of the authenticated caller
func (h *Handler) HandleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil || claims.Sub == "" {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	revoked, err := h.sessions.RevokeAllForUser(r.Context(), claims.Sub)
	if err != nil {
		h.logger.Error("logout-all revoke failed", zap.String("user_id", claims.Sub), zap.Error(err))
		_ = utils.WriteServiceUnavailable(w, "Session store unavailable", nil)
		return
	}
	h.clearSessionCookies(w)
	_ = utils.WriteOK(w, map[string]interface{}{"revokedTokens": revoked})
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, issued *tokens.IssuedToken) {
	h.setCookie(w, RefreshCookieName, issued.RefreshToken, refreshCookiePath, secondsUntil(issued.RefreshExpiresAt))
	if issued.AccessToken != "" {
		h.setCookie(w, middleware.AccessTokenCookie, issued.AccessToken, "/", secondsUntil(issued.AccessExpiresAt))
	}
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	h.clearCookie(w, RefreshCookieName, refreshCookiePath)
	h.clearCookie(w, middleware.AccessTokenCookie, "/")
}

func (h *Handler) setCookie(w http.ResponseWriter, name, value, path string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.Tokens.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name, path string) {
	h.setCookie(w, name, "", path, -1)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func secondsUntil(t time.Time) int {
	s := int(time.Until(t).Seconds())
	if s < 1 {
		return 1
	}
	return s
}
