package models

import (
	"strings"
	"time"
)

// ActionMode selects how strictly an action is governed
type ActionMode string

const (
	ActionModeLaunch   ActionMode = "launch"
	ActionModeGoverned ActionMode = "governed"
)

// TriggerType identifies what started an action
type TriggerType string

const (
	TriggerManual      TriggerType = "manual"
	TriggerSchedule    TriggerType = "schedule"
	TriggerWebhook     TriggerType = "webhook"
	TriggerSystemEvent TriggerType = "system_event"
)

// IsRecognized reports whether the trigger type is one the engine accepts
func (t TriggerType) IsRecognized() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerWebhook, TriggerSystemEvent:
		return true
	}
	return false
}

// Urgency levels accepted in action metadata
const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// ActionRequest is the unit of policy evaluation
type ActionRequest struct {
	Workspace    Workspace    `json:"workspace"`
	Municipality Municipality `json:"municipality"`
	Operator     Operator     `json:"operator"`
	Action       Action       `json:"action"`
	Timestamp    time.Time    `json:"timestamp" validate:"required"`
}

// Workspace is the organisational unit an action runs in
type Workspace struct {
	ID      string  `json:"id" validate:"required"`
	Name    string  `json:"name" validate:"required"`
	Charter Charter `json:"charter"`
}

// Charter holds the four prerequisites a workspace needs before any automation runs
type Charter struct {
	Authority      bool `json:"authority"`
	Accountability bool `json:"accountability"`
	Boundary       bool `json:"boundary"`
	Continuity     bool `json:"continuity"`
}

// MissingFlags returns the names of charter flags that are not set, in a fixed order
func (c Charter) MissingFlags() []string {
	var missing []string
	if !c.Authority {
		missing = append(missing, "authority")
	}
	if !c.Accountability {
		missing = append(missing, "accountability")
	}
	if !c.Boundary {
		missing = append(missing, "boundary")
	}
	if !c.Continuity {
		missing = append(missing, "continuity")
	}
	return missing
}

// Municipality carries the jurisdiction's published statutes, policies and risk profile
type Municipality struct {
	ID          string                     `json:"id" validate:"required"`
	Statutes    map[string]Statute         `json:"statutes,omitempty"`
	Policies    map[string]MunicipalPolicy `json:"policies,omitempty"`
	RiskProfile map[string]string          `json:"riskProfile,omitempty"`
}

// Statute is an entry of the municipal statute register
type Statute struct {
	Title   string `json:"title"`
	Section string `json:"section,omitempty"`
}

// MunicipalPolicy is a published policy an action may cite.
// Condition is an optional CEL expression over the request.
type MunicipalPolicy struct {
	Title            string `json:"title"`
	Condition        string `json:"condition,omitempty"`
	RequiresApproval bool   `json:"requiresApproval,omitempty"`
}

// Operator is the human or service account requesting the action
type Operator struct {
	ID          string       `json:"id" validate:"required"`
	Role        string       `json:"role" validate:"required"`
	Permissions []string     `json:"permissions"`
	Delegations []Delegation `json:"delegations,omitempty" validate:"dive"`
}

// HasPermission reports whether the operator directly holds a permission
func (o Operator) HasPermission(permission string) bool {
	for _, p := range o.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// Principal is the authenticated caller an action request is evaluated for.
// Its subject and roles take precedence over the operator the body names.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal holds role
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Delegation is a time-bounded, scope-bounded grant from one operator to another
type Delegation struct {
	ID         string    `json:"id" yaml:"id" validate:"required"`
	Delegator  string    `json:"delegator" yaml:"delegator" validate:"required"`
	Delegatee  string    `json:"delegatee" yaml:"delegatee" validate:"required"`
	Scope      []string  `json:"scope" yaml:"scope" validate:"required,min=1"`
	ValidFrom  time.Time `json:"validFrom" yaml:"validFrom" validate:"required"`
	ValidUntil time.Time `json:"validUntil" yaml:"validUntil" validate:"required,gtfield=ValidFrom"`
	Precedence int       `json:"precedence" yaml:"precedence"`
	GrantedAt  time.Time `json:"grantedAt" yaml:"grantedAt"`
}

// ActiveAt reports whether now falls inside [ValidFrom, ValidUntil)
func (d Delegation) ActiveAt(now time.Time) bool {
	return !now.Before(d.ValidFrom) && now.Before(d.ValidUntil)
}

// Covers reports whether the delegation scope includes the intent
func (d Delegation) Covers(intent string) bool {
	for _, s := range d.Scope {
		if s == intent {
			return true
		}
	}
	return false
}

// Action describes what the operator wants the gateway to do
type Action struct {
	Mode        ActionMode     `json:"mode" validate:"required,oneof=launch governed"`
	Trigger     Trigger        `json:"trigger"`
	Intent      string         `json:"intent" validate:"required"`
	Targets     []string       `json:"targets" validate:"required,min=1,dive,required"`
	Environment string         `json:"environment" validate:"required"`
	Metadata    ActionMetadata `json:"metadata"`
	RequestID   string         `json:"requestId,omitempty"`
}

// Trigger records why the action started
type Trigger struct {
	Type     TriggerType `json:"type" validate:"required"`
	Evidence *Evidence   `json:"evidence,omitempty"`
}

// Evidence is the justification attached to a trigger
type Evidence struct {
	Statute   string `json:"statute,omitempty"`
	PolicyKey string `json:"policyKey,omitempty"`
	Statement string `json:"statement,omitempty" validate:"max=4000"`
	Notes     string `json:"notes,omitempty" validate:"max=8000"`
	Emergency bool   `json:"emergency,omitempty"`
}

// Text returns the free text of the evidence that is subject to screening
func (e *Evidence) Text() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if e.Statement != "" {
		parts = append(parts, e.Statement)
	}
	if e.Notes != "" {
		parts = append(parts, e.Notes)
	}
	return strings.Join(parts, "\n")
}

// HasCitation reports whether a statute or policy is cited
func (e *Evidence) HasCitation() bool {
	return e != nil && (strings.TrimSpace(e.Statute) != "" || strings.TrimSpace(e.PolicyKey) != "")
}

// ActionMetadata holds optional hints about the action
type ActionMetadata struct {
	Archival        *ArchivalNaming   `json:"archival,omitempty"`
	Urgency         string            `json:"urgency,omitempty" validate:"omitempty,oneof=low normal high critical"`
	ConnectorHealth map[string]string `json:"connectorHealth,omitempty"`
}

// ArchivalNaming carries record naming either as one name or as separate fields
type ArchivalNaming struct {
	Name       string `json:"name,omitempty"`
	Department string `json:"department,omitempty"`
	RecordType string `json:"recordType,omitempty"`
	Date       string `json:"date,omitempty"`
	Sequence   string `json:"sequence,omitempty"`
	Version    string `json:"version,omitempty"`
}
