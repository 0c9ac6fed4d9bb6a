package governance

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/upb/civic-gateway/models"
	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var defaultTablesYAML []byte

// Wildcard matches any department in a retention rule
const Wildcard = "*"

// IntentSpec describes one intent the gateway can govern
type IntentSpec struct {
	Description   string `yaml:"description"`
	DurableOutput bool   `yaml:"durableOutput"`
	Permission    string `yaml:"permission"`
}

// ConnectorSpec describes the permission and sensitivity of a connector
type ConnectorSpec struct {
	Permission string `yaml:"permission"`
	Sensitive  bool   `yaml:"sensitive"`
}

// RetentionRule maps a (department, record type) pair to its retention schedule
type RetentionRule struct {
	Department     string `yaml:"department"`
	RecordType     string `yaml:"recordType"`
	RetentionClass string `yaml:"retentionClass"`
	Destination    string `yaml:"destination"`
}

// Tables holds the static intent, connector, role and retention lookups.
// Roles grant permissions to authenticated principals; Delegations are the
// standing grants the municipality has published.
type Tables struct {
	Intents        map[string]IntentSpec                  `yaml:"intents"`
	Connectors     map[models.ConnectorKind]ConnectorSpec `yaml:"connectors"`
	Roles          map[string][]string                    `yaml:"roles"`
	Delegations    []models.Delegation                    `yaml:"delegations"`
	RetentionRules []RetentionRule                        `yaml:"retention"`
}

// DefaultTables returns the tables compiled into the binary
func DefaultTables() (*Tables, error) {
	return ParseTables(defaultTablesYAML)
}

// LoadTables reads tables from path, or returns the defaults when path is empty
func LoadTables(path string) (*Tables, error) {
	if path == "" {
		return DefaultTables()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read governance tables: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes and validates a YAML table document
func ParseTables(data []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse governance tables: %w", err)
	}
	for name, spec := range t.Intents {
		if spec.Permission == "" {
			spec.Permission = "intent:" + name
			t.Intents[name] = spec
		}
	}
	for i := range t.RetentionRules {
		t.RetentionRules[i].Department = strings.ToUpper(t.RetentionRules[i].Department)
		t.RetentionRules[i].RecordType = strings.ToUpper(t.RetentionRules[i].RecordType)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Tables) validate() error {
	if len(t.Intents) == 0 {
		return fmt.Errorf("governance tables: no intents defined")
	}
	for _, kind := range models.KnownConnectors() {
		spec, ok := t.Connectors[kind]
		if !ok {
			return fmt.Errorf("governance tables: connector %s is not defined", kind)
		}
		if spec.Permission == "" {
			return fmt.Errorf("governance tables: connector %s has no permission", kind)
		}
	}
	for kind := range t.Connectors {
		if !kind.IsKnown() {
			return fmt.Errorf("governance tables: unknown connector %q", kind)
		}
	}
	for role, perms := range t.Roles {
		for _, p := range perms {
			if !t.grantable(p) {
				return fmt.Errorf("governance tables: role %s grants unknown permission %q", role, p)
			}
		}
	}
	for i, d := range t.Delegations {
		if d.ID == "" || d.Delegator == "" || d.Delegatee == "" || len(d.Scope) == 0 {
			return fmt.Errorf("governance tables: delegation %d is incomplete", i)
		}
		if !d.ValidUntil.After(d.ValidFrom) {
			return fmt.Errorf("governance tables: delegation %s ends before it starts", d.ID)
		}
		for _, intent := range d.Scope {
			if _, ok := t.Intents[intent]; !ok {
				return fmt.Errorf("governance tables: delegation %s covers unknown intent %q", d.ID, intent)
			}
		}
	}
	for i, r := range t.RetentionRules {
		if r.Department == "" || r.RecordType == "" || r.RetentionClass == "" || r.Destination == "" {
			return fmt.Errorf("governance tables: retention rule %d is incomplete", i)
		}
	}
	return nil
}

// grantable reports whether p names a defined intent or connector permission
func (t *Tables) grantable(p string) bool {
	for _, spec := range t.Intents {
		if spec.Permission == p {
			return true
		}
	}
	for _, spec := range t.Connectors {
		if spec.Permission == p {
			return true
		}
	}
	return false
}

// PermissionsFor returns the sorted union of the permissions granted to roles
func (t *Tables) PermissionsFor(roles []string) []string {
	seen := make(map[string]bool)
	perms := []string{}
	for _, role := range roles {
		for _, p := range t.Roles[role] {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	sort.Strings(perms)
	return perms
}

// DelegationsTo returns the standing delegations naming subject as delegatee
func (t *Tables) DelegationsTo(subject string) []models.Delegation {
	var out []models.Delegation
	for _, d := range t.Delegations {
		if d.Delegatee == subject {
			out = append(out, d)
		}
	}
	return out
}

// Intent looks up an intent
func (t *Tables) Intent(name string) (IntentSpec, bool) {
	spec, ok := t.Intents[name]
	return spec, ok
}

// Connector looks up a connector
func (t *Tables) Connector(kind models.ConnectorKind) (ConnectorSpec, bool) {
	spec, ok := t.Connectors[kind]
	return spec, ok
}

// Retention finds the schedule for a department and record type.
// An exact department match wins over a wildcard rule.
func (t *Tables) Retention(department, recordType string) (RetentionRule, bool) {
	department = strings.ToUpper(department)
	recordType = strings.ToUpper(recordType)

	var fallback *RetentionRule
	for i := range t.RetentionRules {
		r := &t.RetentionRules[i]
		if r.RecordType != recordType {
			continue
		}
		if r.Department == department {
			return *r, true
		}
		if r.Department == Wildcard && fallback == nil {
			fallback = r
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return RetentionRule{}, false
}
