// Package identity talks to the external OpenID Connect provider during login.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/upb/civic-gateway/config"
	"github.com/upb/civic-gateway/services"
	"golang.org/x/oauth2"
)

// ErrNotConfigured is returned when the provider endpoints are missing
var ErrNotConfigured = errors.New("identity provider not configured")

// maxResponseBytes caps provider responses
const maxResponseBytes = 1 << 20

// Identity is the authenticated user as reported by the provider
type Identity struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email,omitempty"`
	Name    string   `json:"name,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// GatewayRoles returns the roles the gateway should grant: explicit roles,
// falling back to provider groups
func (i *Identity) GatewayRoles() []string {
	if len(i.Roles) > 0 {
		return i.Roles
	}
	return i.Groups
}

// NewVerifier returns a fresh PKCE code verifier
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// OIDCExchanger exchanges authorization codes for the caller's identity
type OIDCExchanger struct {
	cfg        config.OIDCConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewOIDCExchanger creates a new exchanger
func NewOIDCExchanger(cfg config.OIDCConfig) *OIDCExchanger {
	return &OIDCExchanger{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Configured reports whether login can be offered at all
func (e *OIDCExchanger) Configured() bool {
	return e.cfg.AuthorizeURL != "" && e.cfg.TokenURL != "" && e.cfg.UserInfoURL != "" && e.cfg.ClientID != ""
}

// AuthorizeURL builds the provider redirect for state, carrying the S256
// challenge of verifier
func (e *OIDCExchanger) AuthorizeURL(state, verifier string) string {
	return e.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

// ExchangeCode redeems code with the PKCE verifier and resolves the user
func (e *OIDCExchanger) ExchangeCode(ctx context.Context, code, verifier string) (*Identity, error) {
	if !e.Configured() {
		return nil, ErrNotConfigured
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	token, err := e.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, services.ErrIdentityProvider.Wrap(fmt.Errorf("token exchange: %w", err))
	}

	ident, err := e.userInfo(ctx, token)
	if err != nil {
		return nil, services.ErrIdentityProvider.Wrap(err)
	}
	return ident, nil
}

func (e *OIDCExchanger) userInfo(ctx context.Context, token *oauth2.Token) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo: status %d, body: %s", resp.StatusCode, string(body))
	}

	var ident Identity
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, fmt.Errorf("parse userinfo response: %w", err)
	}
	if ident.Subject == "" {
		return nil, fmt.Errorf("no sub in userinfo response")
	}
	return &ident, nil
}
