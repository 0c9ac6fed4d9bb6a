package decisions

import (
	"context"
	"encoding/json"

	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/services/idempotency"
)

// Evaluator produces decisions from raw request bodies on behalf of a principal
type Evaluator interface {
	EvaluateAs(ctx context.Context, raw []byte, principal models.Principal) *models.DecisionResult
	SchemaVersion() string
}

// Claimer is the idempotency store surface the service drives
type Claimer interface {
	Claim(ctx context.Context, req idempotency.ClaimRequest) (*idempotency.ClaimResult, error)
	StoreResult(ctx context.Context, requestID string, req idempotency.StoreRequest) error
	Abandon(ctx context.Context, requestID string) error
}

// EventSink receives security events
type EventSink interface {
	LogEvent(evt *models.SecurityEvent) error
}

// Submission is one client attempt to run an action
type Submission struct {
	Body           []byte
	IdempotencyKey string // Idempotency-Key header, may be empty
	Subject        string   // authenticated user the action runs as
	Roles          []string // session roles, resolved to permissions by the engine
	RemoteAddr     string
	UserAgent      string
}

// Outcome is what the caller returns to the client. Output is the exact
// serialized DecisionResult, byte-identical on replays.
type Outcome struct {
	RequestID string
	Output    json.RawMessage
	Status    models.DecisionStatus
	Replayed  bool
	Decision  *models.DecisionResult // set only when evaluated by this call
}

// fingerprint is what the payload hash covers: the body and who sent it
type fingerprint struct {
	Subject string          `json:"subject"`
	Roles   []string        `json:"roles"`
	Body    json.RawMessage `json:"body"`
}

// requestIDEnvelope reads only action.requestId from a body
type requestIDEnvelope struct {
	Action struct {
		RequestID string `json:"requestId"`
	} `json:"action"`
}

// statusEnvelope reads only the status of a stored decision
type statusEnvelope struct {
	Status models.DecisionStatus `json:"status"`
}
