package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidAccessToken is returned for any access token that fails validation
var ErrInvalidAccessToken = errors.New("invalid access token")

// AccessClaims are the claims carried by a gateway access token
type AccessClaims struct {
	Family string   `json:"fam"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role
func (c *AccessClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AccessTokens mints and validates short-lived HS256 access tokens
type AccessTokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewAccessTokens creates an access token signer
func NewAccessTokens(signingKey, issuer string, ttl time.Duration) *AccessTokens {
	return &AccessTokens{
		key:    []byte(signingKey),
		issuer: issuer,
		ttl:    ttl,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Mint issues an access token for userID bound to a refresh family
func (a *AccessTokens) Mint(userID, family string, roles []string) (string, time.Time, error) {
	now := a.clock()
	expiresAt := now.Add(a.ttl)
	claims := AccessClaims{
		Family: family,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate verifies signature, issuer and expiry and returns the claims
func (a *AccessTokens) Validate(token string) (*AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock),
	)

	claims := &AccessClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidAccessToken)
	}
	return claims, nil
}
