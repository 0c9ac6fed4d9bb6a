// Package governance turns action requests into sealed, audited decisions.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/upb/civic-gateway/internal/archival"
	"github.com/upb/civic-gateway/internal/canonical"
	"github.com/upb/civic-gateway/internal/observability"
	"github.com/upb/civic-gateway/internal/screening"
	"github.com/upb/civic-gateway/models"
	"github.com/upb/civic-gateway/utils"
	"go.uber.org/zap"
)

// Connector health and risk values the plan builder recognises
const (
	HealthHealthy = "healthy"
	RiskHigh      = "high"
)

// Engine evaluates action requests against the charter, citation, screening,
// delegation, permission and archival gates, then builds and seals a plan.
// It holds no per-request state and is safe for concurrent use.
type Engine struct {
	tables        *Tables
	conditions    *ConditionEvaluator
	schemaVersion string
	clock         func() time.Time
	seal          func(*models.ActionRequest) (string, error)
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source used for delegation windows and conditions
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMetrics records decisions on m
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a decision engine
func NewEngine(tables *Tables, conditions *ConditionEvaluator, schemaVersion string, logger *zap.Logger, opts ...Option) *Engine {
	if schemaVersion == "" {
		schemaVersion = models.DefaultSchemaVersion
	}
	e := &Engine{
		tables:        tables,
		conditions:    conditions,
		schemaVersion: schemaVersion,
		clock:         func() time.Time { return time.Now().UTC() },
		seal:          PlanHash,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SchemaVersion returns the output format this engine produces
func (e *Engine) SchemaVersion() string {
	return e.schemaVersion
}

// rejection is a failed hard gate
type rejection struct {
	code      string
	rationale string
}

func reject(code, format string, args ...interface{}) *rejection {
	return &rejection{code: code, rationale: fmt.Sprintf(format, args...)}
}

// evaluation carries what the gates resolve for one request
type evaluation struct {
	req             *models.ActionRequest
	principal       *models.Principal
	now             time.Time
	intent          IntentSpec
	policy          *models.MunicipalPolicy
	screen          screening.Report
	emergency       bool
	delegation      *models.Delegation
	connectors      []models.ConnectorKind
	permissionCheck *models.PermissionCheck
	retention       *RetentionRule
	planHash        string
	sealed          bool
	warnings        []string
}

// Evaluate decodes raw and evaluates it. Malformed input yields a rejected
// decision with code invalid_request, never an error.
func (e *Engine) Evaluate(ctx context.Context, raw []byte) *models.DecisionResult {
	return e.evaluateRaw(ctx, raw, nil)
}

// EvaluateAs evaluates raw on behalf of an authenticated principal. The
// operator id and role must agree with the principal; permissions and
// delegations are resolved from the governance tables, never from the body.
func (e *Engine) EvaluateAs(ctx context.Context, raw []byte, principal models.Principal) *models.DecisionResult {
	return e.evaluateRaw(ctx, raw, &principal)
}

func (e *Engine) evaluateRaw(ctx context.Context, raw []byte, principal *models.Principal) *models.DecisionResult {
	var req models.ActionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		start := time.Now()
		ev := &evaluation{req: &req, principal: principal, now: e.clock()}
		if principal != nil {
			req.Operator.ID = principal.Subject
		}
		result := e.emitRejection(ev, reject(models.RationaleInvalidRequest, "invalid request: malformed JSON: %v", err))
		e.record(ctx, result, time.Since(start))
		return result
	}
	return e.evaluate(ctx, &req, principal)
}

// EvaluateRequest evaluates an already decoded request. The operator is taken
// as given, so callers must have resolved it themselves.
func (e *Engine) EvaluateRequest(ctx context.Context, req *models.ActionRequest) *models.DecisionResult {
	return e.evaluate(ctx, req, nil)
}

func (e *Engine) evaluate(ctx context.Context, req *models.ActionRequest, principal *models.Principal) *models.DecisionResult {
	start := time.Now()
	ev := &evaluation{req: req, principal: principal, now: e.clock()}

	// charter flags are read before field validation so an uncharted
	// workspace is always rejected as such
	gates := []func(context.Context, *evaluation) *rejection{
		e.checkCharter,
		e.bindPrincipal,
		e.validateStructure,
		e.checkTriggerAndIntent,
		e.screenEvidence,
		e.resolveDelegation,
		e.checkPermissions,
		e.checkArchival,
	}

	var result *models.DecisionResult
	for _, gate := range gates {
		if rej := gate(ctx, ev); rej != nil {
			result = e.emitRejection(ev, rej)
			break
		}
	}
	if result == nil {
		plan := e.buildPlan(ev)
		if rej := e.sealPlan(ev); rej != nil {
			result = e.emitRejection(ev, rej)
		} else {
			result = e.emitApproval(ev, plan)
		}
	}

	e.record(ctx, result, time.Since(start))
	return result
}

func (e *Engine) record(ctx context.Context, result *models.DecisionResult, elapsed time.Duration) {
	e.metrics.RecordDecision(ctx, string(result.Status), result.Audit.RationaleCode, elapsed)

	fields := []zap.Field{
		zap.String("event_id", result.Audit.EventID.String()),
		zap.String("workspace_id", result.Audit.WorkspaceID),
		zap.String("operator_id", result.Audit.OperatorID),
		zap.String("intent", result.Audit.Intent),
		zap.String("rationale_code", result.Audit.RationaleCode),
		zap.Duration("elapsed", elapsed),
	}
	if result.IsApproved() {
		e.logger.Info("action approved", fields...)
	} else {
		e.logger.Warn("action rejected", fields...)
	}
}

// bindPrincipal replaces the body's claims about the operator with what the
// session proves. The audit record always names the authenticated subject.
func (e *Engine) bindPrincipal(_ context.Context, ev *evaluation) *rejection {
	p := ev.principal
	if p == nil {
		return nil
	}
	op := &ev.req.Operator
	claimedID, claimedRole := strings.TrimSpace(op.ID), strings.TrimSpace(op.Role)

	op.ID = p.Subject
	op.Permissions = e.tables.PermissionsFor(p.Roles)
	op.Delegations = e.tables.DelegationsTo(p.Subject)

	if claimedID != "" && claimedID != p.Subject {
		return reject(models.RationaleOperatorMismatch,
			"operator %q does not match the authenticated subject %q", claimedID, p.Subject)
	}
	switch {
	case claimedRole == "" && len(p.Roles) > 0:
		op.Role = p.Roles[0]
	case claimedRole != "" && !p.HasRole(claimedRole):
		return reject(models.RationaleOperatorMismatch,
			"role %q is not held by the authenticated subject %q", claimedRole, p.Subject)
	}
	return nil
}

// Step 2
func (e *Engine) validateStructure(_ context.Context, ev *evaluation) *rejection {
	if err := utils.ValidateStruct(ev.req); err != nil {
		var vErr *utils.ValidationError
		if errors.As(err, &vErr) {
			return reject(models.RationaleInvalidRequest, "invalid request: %s", strings.Join(vErr.FieldNames(), ", "))
		}
		return reject(models.RationaleInvalidRequest, "invalid request: %v", err)
	}
	return nil
}

// Step 1
func (e *Engine) checkCharter(_ context.Context, ev *evaluation) *rejection {
	if missing := ev.req.Workspace.Charter.MissingFlags(); len(missing) > 0 {
		return reject(models.RationaleUnchartedWorkspace,
			"uncharted workspace: charter flag(s) %s not set", strings.Join(missing, ", "))
	}
	return nil
}

// Step 3
func (e *Engine) checkTriggerAndIntent(ctx context.Context, ev *evaluation) *rejection {
	action := ev.req.Action
	evidence := action.Trigger.Evidence

	if !action.Trigger.Type.IsRecognized() {
		return reject(models.RationaleUnrecognizedTrigger, "unrecognized trigger type %q", action.Trigger.Type)
	}

	intent, ok := e.tables.Intent(action.Intent)
	if !ok {
		return reject(models.RationaleUnknownIntent, "unknown intent %q", action.Intent)
	}
	ev.intent = intent

	if action.Mode == models.ActionModeGoverned && !evidence.HasCitation() {
		return reject(models.RationaleMissingCitation, "governed action requires a statute or policy citation")
	}
	if action.Trigger.Type == models.TriggerManual && (evidence == nil || strings.TrimSpace(evidence.Statement) == "") {
		return reject(models.RationaleMissingStatement, "manual trigger requires an intent statement in evidence")
	}
	if evidence == nil {
		return nil
	}

	muni := ev.req.Municipality
	if statute := strings.TrimSpace(evidence.Statute); statute != "" && len(muni.Statutes) > 0 {
		if _, ok := muni.Statutes[statute]; !ok {
			return reject(models.RationaleUnknownCitation, "statute %q is not published by municipality %s", statute, muni.ID)
		}
	}

	key := strings.TrimSpace(evidence.PolicyKey)
	if key == "" || len(muni.Policies) == 0 {
		return nil
	}
	policy, ok := muni.Policies[key]
	if !ok {
		return reject(models.RationaleUnknownCitation, "policy %q is not published by municipality %s", key, muni.ID)
	}
	ev.policy = &policy

	if policy.Condition != "" {
		holds, err := e.conditions.Evaluate(ctx, policy.Condition, ev.req, ev.now)
		if err != nil {
			e.logger.Warn("policy condition could not be evaluated",
				zap.String("policy_key", key),
				zap.Error(err),
			)
			return reject(models.RationalePolicyCondition, "policy %q condition could not be evaluated: %v", key, err)
		}
		if !holds {
			return reject(models.RationalePolicyCondition, "policy %q condition is not satisfied", key)
		}
	}
	return nil
}

// Step 4
func (e *Engine) screenEvidence(_ context.Context, ev *evaluation) *rejection {
	evidence := ev.req.Action.Trigger.Evidence
	ev.screen = screening.Screen(evidence.Text())

	if hit, blocked := ev.screen.Blocking(); blocked {
		return reject(models.RationaleInjectionDetected,
			"evidence rejected: %s pattern detected (confidence %.2f)", hit.Type, hit.Confidence)
	}

	ev.emergency = (evidence != nil && evidence.Emergency) || ev.screen.EmergencyClaimed()

	if types := ev.screen.PIITypes(); len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		ev.warnings = append(ev.warnings,
			fmt.Sprintf("evidence text appears to contain personal data (%s)", strings.Join(names, ", ")))
	}
	return nil
}

// Step 5
func (e *Engine) resolveDelegation(_ context.Context, ev *evaluation) *rejection {
	op := ev.req.Operator
	if op.HasPermission(ev.intent.Permission) {
		return nil
	}

	d, ok := ResolveDelegation(op, ev.req.Action.Intent, ev.now)
	if !ok {
		return reject(models.RationaleNoEligibleDelegation,
			"operator %s lacks %s and holds no eligible delegation for intent %q",
			op.ID, ev.intent.Permission, ev.req.Action.Intent)
	}
	ev.delegation = &d
	return nil
}

// Step 6
func (e *Engine) checkPermissions(_ context.Context, ev *evaluation) *rejection {
	op := ev.req.Operator
	required := []string{ev.intent.Permission}
	seen := map[string]bool{ev.intent.Permission: true}
	var missing []string

	ev.connectors = make([]models.ConnectorKind, 0, len(ev.req.Action.Targets))
	for _, target := range ev.req.Action.Targets {
		kind := models.ResolveConnector(target)
		spec, ok := e.tables.Connector(kind)
		if !kind.IsKnown() || !ok {
			return reject(models.RationaleUnknownConnector, "target %q does not map to a known connector", target)
		}
		ev.connectors = append(ev.connectors, kind)

		if seen[spec.Permission] {
			continue
		}
		seen[spec.Permission] = true
		required = append(required, spec.Permission)
		if !op.HasPermission(spec.Permission) {
			missing = append(missing, spec.Permission)
		}
	}

	ev.permissionCheck = &models.PermissionCheck{
		Actor:         op.ID,
		Required:      required,
		Missing:       missing,
		Granted:       len(missing) == 0,
		ViaDelegation: ev.delegation != nil,
	}
	if len(missing) > 0 {
		return reject(models.RationalePermissionDenied, "operator %s lacks permission(s): %s", op.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Step 7
func (e *Engine) checkArchival(_ context.Context, ev *evaluation) *rejection {
	if !ev.intent.DurableOutput || ev.req.Action.Mode != models.ActionModeGoverned {
		return nil
	}

	naming := ev.req.Action.Metadata.Archival
	if naming == nil {
		return reject(models.RationaleInvalidArchivalName, "durable output requires archival naming metadata")
	}

	var (
		name archival.Name
		err  error
	)
	if strings.TrimSpace(naming.Name) != "" {
		name, err = archival.Parse(naming.Name)
	} else {
		name, err = archival.FromFields(naming.Department, naming.RecordType, naming.Date, naming.Sequence, naming.Version)
	}
	if err != nil {
		return reject(models.RationaleInvalidArchivalName, "archival naming rejected: %v", err)
	}

	rule, ok := e.tables.Retention(name.Department, name.RecordType)
	if !ok {
		return reject(models.RationaleNoRetentionSchedule,
			"no retention schedule for department %s and record type %s", name.Department, name.RecordType)
	}
	ev.retention = &rule
	return nil
}

// Step 8
func (e *Engine) buildPlan(ev *evaluation) []models.PlanStep {
	action := ev.req.Action
	plan := make([]models.PlanStep, 0, len(action.Targets))

	for i, target := range action.Targets {
		kind := ev.connectors[i]
		approval := e.requiresApproval(ev, kind, target)
		status := models.StepReady
		if approval {
			status = models.StepPending
		}
		plan = append(plan, models.PlanStep{
			StepID:           fmt.Sprintf("step-%d", i+1),
			Description:      fmt.Sprintf("%s via %s on %s", action.Intent, kind, target),
			Connector:        kind,
			Target:           target,
			RequiresApproval: approval,
			Status:           status,
		})
	}
	return plan
}

func (e *Engine) requiresApproval(ev *evaluation, kind models.ConnectorKind, target string) bool {
	if spec, ok := e.tables.Connector(kind); ok && spec.Sensitive {
		return true
	}
	if strings.EqualFold(ev.req.Municipality.RiskProfile[string(kind)], RiskHigh) {
		return true
	}
	health := ev.req.Action.Metadata.ConnectorHealth
	if hint, ok := health[target]; ok && !strings.EqualFold(hint, HealthHealthy) {
		return true
	}
	if hint, ok := health[string(kind)]; ok && !strings.EqualFold(hint, HealthHealthy) {
		return true
	}
	if ev.req.Action.Metadata.Urgency == models.UrgencyCritical {
		return true
	}
	if ev.emergency {
		return true
	}
	return ev.policy != nil && ev.policy.RequiresApproval
}

// Step 9. The seal covers the decision-relevant subset only, so requests that
// differ in metadata alone share a plan hash.
func PlanHash(req *models.ActionRequest) (string, error) {
	subset := map[string]any{
		"workspaceId": req.Workspace.ID,
		"operatorId":  req.Operator.ID,
		"intent":      req.Action.Intent,
		"targets":     targetsOrEmpty(req.Action.Targets),
		"timestamp":   req.Timestamp.UTC().Format(time.RFC3339Nano),
		"evidence":    req.Action.Trigger.Evidence,
	}
	return canonical.HashValue(subset)
}

// sealPlan computes the plan hash. An approval is never emitted unsealed.
func (e *Engine) sealPlan(ev *evaluation) *rejection {
	hash, err := e.seal(ev.req)
	if err != nil {
		e.logger.Error("failed to seal plan",
			zap.String("workspace_id", ev.req.Workspace.ID),
			zap.Error(err))
		return reject(models.RationaleSealFailed, "plan could not be sealed: %v", err)
	}
	ev.planHash, ev.sealed = hash, true
	return nil
}

func targetsOrEmpty(targets []string) []string {
	if targets == nil {
		return []string{}
	}
	return targets
}

// Step 10
func (e *Engine) emitApproval(ev *evaluation, plan []models.PlanStep) *models.DecisionResult {
	pending := 0
	for _, s := range plan {
		if s.RequiresApproval {
			pending++
		}
	}

	audit := e.newAudit(ev).Approve(fmt.Sprintf("approved: %d step(s) planned, %d awaiting approval", len(plan), pending))

	var next []string
	if pending > 0 {
		next = append(next, "obtain approval for pending steps before dispatch")
	}
	if ev.emergency {
		ev.warnings = append(ev.warnings, "emergency claimed: every step requires human approval")
	}

	return &models.DecisionResult{
		Status:        models.DecisionApproved,
		SchemaVersion: e.schemaVersion,
		Plan:          plan,
		Audit:         *audit,
		Warnings:      nonNil(ev.warnings),
		NextSteps:     nonNil(next),
	}
}

func (e *Engine) emitRejection(ev *evaluation, rej *rejection) *models.DecisionResult {
	audit := e.newAudit(ev).Reject(rej.code, rej.rationale)
	return &models.DecisionResult{
		Status:        models.DecisionRejected,
		SchemaVersion: e.schemaVersion,
		Plan:          []models.PlanStep{},
		Audit:         *audit,
		Warnings:      nonNil(ev.warnings),
		NextSteps:     NextStepsFor(rej.code),
	}
}

func (e *Engine) newAudit(ev *evaluation) *models.AuditRecord {
	req := ev.req
	bundle := models.EvidenceBundle{
		PermissionCheck:   ev.permissionCheck,
		Connectors:        ev.connectors,
		EmergencyClaimed:  ev.emergency,
		ScreeningFindings: ev.screen.Findings(),
	}
	if evidence := req.Action.Trigger.Evidence; evidence != nil {
		bundle.Statute = strings.TrimSpace(evidence.Statute)
		bundle.PolicyKey = strings.TrimSpace(evidence.PolicyKey)
	}
	if ev.delegation != nil {
		bundle.DelegationUsed = ev.delegation.ID
	}
	if ev.retention != nil {
		bundle.RetentionClass = ev.retention.RetentionClass
		bundle.RoutingDestination = ev.retention.Destination
	}

	planHash := ev.planHash
	if !ev.sealed {
		// rejections still carry a seal when one can be computed
		if h, err := e.seal(req); err == nil {
			planHash = h
		}
	}

	return models.NewAuditRecord(req.Workspace.ID, req.Operator.ID, ev.now).
		WithAction(req.Action.Trigger.Type, req.Action.Intent).
		WithRequest(req.Action.RequestID).
		WithEvidence(bundle).
		Seal(planHash)
}

var nextSteps = map[string][]string{
	models.RationaleInvalidRequest:       {"fix the listed fields and resubmit"},
	models.RationaleUnchartedWorkspace:   {"complete the workspace charter before requesting automation"},
	models.RationaleUnrecognizedTrigger:  {"use one of the trigger types: manual, schedule, webhook, system_event"},
	models.RationaleUnknownIntent:        {"choose an intent from the governance tables"},
	models.RationaleMissingCitation:      {"cite the statute or policy that authorizes this action"},
	models.RationaleUnknownCitation:      {"cite a statute or policy the municipality publishes"},
	models.RationalePolicyCondition:      {"review the cited policy's conditions or cite a different policy"},
	models.RationaleMissingStatement:     {"record why this action is being taken in evidence.statement"},
	models.RationaleInjectionDetected:    {"remove instructions aimed at the gateway from the evidence text"},
	models.RationaleNoEligibleDelegation: {"request the intent permission or an active delegation covering this intent"},
	models.RationaleUnknownConnector:     {"address targets as repo:, idp:, docs: or notify: resources"},
	models.RationalePermissionDenied:     {"request the missing connector permissions"},
	models.RationaleInvalidArchivalName:  {"name the record as DEPT-TYPE-YYYYMMDD-SEQ-vN"},
	models.RationaleNoRetentionSchedule:  {"ask the records office to publish a retention schedule for this record type"},
	models.RationaleOperatorMismatch:     {"submit the action as yourself, with a role your session holds"},
	models.RationaleSealFailed:           {"retry the request; if it keeps failing, report it to the gateway operators"},
}

// NextStepsFor returns operator guidance for a rejection code
func NextStepsFor(code string) []string {
	steps, ok := nextSteps[code]
	if !ok {
		return []string{}
	}
	out := make([]string, len(steps))
	copy(out, steps)
	return out
}

// RationaleCodes lists every rejection code, sorted
func RationaleCodes() []string {
	codes := make([]string, 0, len(nextSteps))
	for code := range nextSteps {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
