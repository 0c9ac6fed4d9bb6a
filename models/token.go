package models

import "time"

// RefreshToken is one link of a rotation chain.
// ID is the SHA-256 of the opaque token handed to the client.
type RefreshToken struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Family     string     `json:"family" db:"family"`
	Roles      []string   `json:"roles,omitempty" db:"roles"`
	IssuedAt   time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	ReplacedBy *string    `json:"replaced_by,omitempty" db:"replaced_by"`
}

// TableName returns the table name for the RefreshToken model
func (RefreshToken) TableName() string {
	return "refresh_tokens"
}

// IsRevoked returns true once the token has been rotated or revoked
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether the token is past its expiry
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// OneTimeTicket is a short-lived single-use handshake value (OAuth state, PKCE verifier)
type OneTimeTicket struct {
	Token     string     `json:"-" db:"token"` // SHA-256 of the issued value
	Purpose   string     `json:"purpose" db:"purpose"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	Used      bool       `json:"used" db:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
	Payload   []byte     `json:"payload,omitempty" db:"payload"`
}

// TableName returns the table name for the OneTimeTicket model
func (OneTimeTicket) TableName() string {
	return "one_time_tickets"
}

// IsExpired reports whether the ticket is past its expiry
func (t *OneTimeTicket) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
