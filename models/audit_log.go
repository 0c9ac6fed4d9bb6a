package models

import (
	"time"

	"github.com/google/uuid"
)

// Rationale codes recorded on audit records
const (
	RationaleApproved             = "approved"
	RationaleInvalidRequest       = "invalid_request"
	RationaleUnchartedWorkspace   = "uncharted_workspace"
	RationaleUnrecognizedTrigger  = "unrecognized_trigger"
	RationaleUnknownIntent        = "unknown_intent"
	RationaleMissingCitation      = "missing_citation"
	RationaleUnknownCitation      = "unknown_citation"
	RationalePolicyCondition      = "policy_condition_failed"
	RationaleMissingStatement     = "missing_intent_statement"
	RationaleInjectionDetected    = "injection_detected"
	RationaleNoEligibleDelegation = "no_eligible_delegation"
	RationaleUnknownConnector     = "unknown_connector"
	RationalePermissionDenied     = "permission_denied"
	RationaleInvalidArchivalName  = "invalid_archival_name"
	RationaleNoRetentionSchedule  = "no_retention_schedule"
	RationaleOperatorMismatch     = "operator_mismatch"
	RationaleSealFailed           = "seal_failed"
)

// PermissionCheck records the outcome of the permission gate
type PermissionCheck struct {
	Actor         string   `json:"actor"`
	Required      []string `json:"required"`
	Missing       []string `json:"missing,omitempty"`
	Granted       bool     `json:"granted"`
	ViaDelegation bool     `json:"viaDelegation,omitempty"`
}

// EvidenceBundle is the resolved evidence an audit record carries
type EvidenceBundle struct {
	Statute            string           `json:"statute,omitempty"`
	PolicyKey          string           `json:"policyKey,omitempty"`
	DelegationUsed     string           `json:"delegationUsed,omitempty"`
	PermissionCheck    *PermissionCheck `json:"permissionCheck,omitempty"`
	Connectors         []ConnectorKind  `json:"connectors,omitempty"`
	RetentionClass     string           `json:"retentionClass,omitempty"`
	RoutingDestination string           `json:"routingDestination,omitempty"`
	EmergencyClaimed   bool             `json:"emergencyClaimed,omitempty"`
	ScreeningFindings  []string         `json:"screeningFindings,omitempty"`
}

// AuditRecord is the write-once trail entry produced by every evaluation
type AuditRecord struct {
	EventID       uuid.UUID      `json:"eventId" db:"event_id"`
	RequestID     string         `json:"requestId,omitempty" db:"request_id"`
	WorkspaceID   string         `json:"workspaceId" db:"workspace_id"`
	OperatorID    string         `json:"operatorId" db:"operator_id"`
	Timestamp     time.Time      `json:"timestamp" db:"timestamp"`
	Trigger       TriggerType    `json:"trigger" db:"trigger"`
	Intent        string         `json:"intent" db:"intent"`
	Approved      bool           `json:"approved" db:"approved"`
	Rationale     string         `json:"rationale" db:"rationale"`
	RationaleCode string         `json:"rationaleCode" db:"rationale_code"`
	Evidence      EvidenceBundle `json:"evidence" db:"evidence"` // JSONB
	PlanHash      string         `json:"planHash" db:"plan_hash"`
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "decision_audit_records"
}

// NewAuditRecord creates a new AuditRecord instance
func NewAuditRecord(workspaceID, operatorID string, timestamp time.Time) *AuditRecord {
	return &AuditRecord{
		EventID:     uuid.New(),
		WorkspaceID: workspaceID,
		OperatorID:  operatorID,
		Timestamp:   timestamp,
	}
}

// WithAction sets the trigger and intent
func (a *AuditRecord) WithAction(trigger TriggerType, intent string) *AuditRecord {
	a.Trigger = trigger
	a.Intent = intent
	return a
}

// WithRequest sets the client request id
func (a *AuditRecord) WithRequest(requestID string) *AuditRecord {
	a.RequestID = requestID
	return a
}

// WithEvidence sets the evidence bundle
func (a *AuditRecord) WithEvidence(evidence EvidenceBundle) *AuditRecord {
	a.Evidence = evidence
	return a
}

// Approve marks the record as an approval
func (a *AuditRecord) Approve(rationale string) *AuditRecord {
	a.Approved = true
	a.RationaleCode = RationaleApproved
	a.Rationale = rationale
	return a
}

// Reject marks the record as a rejection with a specific rationale
func (a *AuditRecord) Reject(code, rationale string) *AuditRecord {
	a.Approved = false
	a.RationaleCode = code
	a.Rationale = rationale
	return a
}

// Seal sets the plan hash
func (a *AuditRecord) Seal(planHash string) *AuditRecord {
	a.PlanHash = planHash
	return a
}
