package models

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus is the lifecycle state of an idempotency row
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is the durable claim on a client request id
type IdempotencyRecord struct {
	RequestID      string            `json:"request_id" db:"request_id"`
	PayloadHash    string            `json:"payload_hash" db:"payload_hash"`
	Status         IdempotencyStatus `json:"status" db:"status"`
	SchemaVersion  string            `json:"schema_version" db:"schema_version"`
	Output         json.RawMessage   `json:"output,omitempty" db:"output"`
	DecisionStatus string            `json:"decision_status,omitempty" db:"decision_status"`
	ClaimToken     string            `json:"-" db:"claim_token"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	ExpiresAt      time.Time         `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the IdempotencyRecord model
func (IdempotencyRecord) TableName() string {
	return "idempotency_keys"
}

// IsExpired reports whether the record's lease or retention has passed
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsCompleted returns true once a result has been stored
func (r *IdempotencyRecord) IsCompleted() bool {
	return r.Status == IdempotencyCompleted
}
