package models

// DefaultSchemaVersion is the decision output format produced by this build
const DefaultSchemaVersion = "decision.v1"

// DecisionStatus is the final verdict of an evaluation
type DecisionStatus string

const (
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// StepStatus tracks a plan step through dispatch
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepReady      StepStatus = "ready"
	StepDispatched StepStatus = "dispatched"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStep is one unit of work for one target
type PlanStep struct {
	StepID           string        `json:"stepId"`
	Description      string        `json:"description"`
	Connector        ConnectorKind `json:"connector"`
	Target           string        `json:"target"`
	RequiresApproval bool          `json:"requiresApproval"`
	Status           StepStatus    `json:"status"`
}

// DecisionResult is the immutable outcome of an evaluation
type DecisionResult struct {
	Status        DecisionStatus `json:"status"`
	SchemaVersion string         `json:"schemaVersion"`
	Plan          []PlanStep     `json:"plan"`
	Audit         AuditRecord    `json:"audit"`
	Warnings      []string       `json:"warnings"`
	NextSteps     []string       `json:"nextSteps"`
}

// IsApproved returns true if the decision approves the action
func (d *DecisionResult) IsApproved() bool {
	return d.Status == DecisionApproved
}
