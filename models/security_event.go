package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SecurityEventKind represents the type of security event being recorded
type SecurityEventKind string

const (
	SecurityEventTokenReuse          SecurityEventKind = "token_reuse_detected"
	SecurityEventIdempotencyConflict SecurityEventKind = "idempotency_conflict"
	SecurityEventSchemaMismatch      SecurityEventKind = "idempotency_schema_mismatch"
	SecurityEventInjectionRejected   SecurityEventKind = "injection_rejected"
	SecurityEventLogoutAll           SecurityEventKind = "logout_all"
	SecurityEventOperatorMismatch    SecurityEventKind = "operator_mismatch"
)

// SecurityEvent is an entry of the security event trail
type SecurityEvent struct {
	ID         uuid.UUID         `json:"id" db:"id"`
	Kind       SecurityEventKind `json:"kind" db:"kind"`
	Subject    string            `json:"subject" db:"subject"`     // user or operator id
	Reference  string            `json:"reference" db:"reference"` // token family, request id, ...
	Details    json.RawMessage   `json:"details,omitempty" db:"details"`
	RequestID  string            `json:"request_id,omitempty" db:"request_id"`
	IPAddress  string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent  string            `json:"user_agent,omitempty" db:"user_agent"`
	OccurredAt time.Time         `json:"occurred_at" db:"occurred_at"`
}

// TableName returns the table name for the SecurityEvent model
func (SecurityEvent) TableName() string {
	return "security_events"
}

// NewSecurityEvent creates a new SecurityEvent instance
func NewSecurityEvent(kind SecurityEventKind, subject string) *SecurityEvent {
	return &SecurityEvent{
		ID:         uuid.New(),
		Kind:       kind,
		Subject:    subject,
		OccurredAt: time.Now().UTC(),
	}
}

// WithReference sets the referenced object
func (e *SecurityEvent) WithReference(reference string) *SecurityEvent {
	e.Reference = reference
	return e
}

// WithDetails sets the details
func (e *SecurityEvent) WithDetails(details interface{}) *SecurityEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// WithRequest sets request metadata
func (e *SecurityEvent) WithRequest(requestID, ipAddress, userAgent string) *SecurityEvent {
	e.RequestID = requestID
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}
