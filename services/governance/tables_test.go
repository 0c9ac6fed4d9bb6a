package governance

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/civic-gateway/models"
)

func TestDefaultTables(t *testing.T) {
	tables, err := DefaultTables()
	require.NoError(t, err)

	intent, ok := tables.Intent("file_record")
	require.True(t, ok)
	assert.True(t, intent.DurableOutput)
	assert.Equal(t, "intent:file_record", intent.Permission)

	_, ok = tables.Intent("launch_missiles")
	assert.False(t, ok)

	for _, kind := range models.KnownConnectors() {
		spec, ok := tables.Connector(kind)
		require.True(t, ok, kind)
		assert.Equal(t, "connector:"+string(kind), spec.Permission)
	}
	sc, _ := tables.Connector(models.ConnectorSourceControl)
	assert.True(t, sc.Sensitive)
	ds, _ := tables.Connector(models.ConnectorDocumentStore)
	assert.False(t, ds.Sensitive)
}

func TestTables_Retention(t *testing.T) {
	tables, err := DefaultTables()
	require.NoError(t, err)
	require.NotEmpty(t, tables.RetentionRules)
	for _, r := range tables.RetentionRules {
		assert.Equal(t, strings.ToUpper(r.Department), r.Department)
	}

	tests := []struct {
		dept, recordType string
		wantClass        string
		wantOK           bool
	}{
		{"CLERK", "MIN", "permanent", true},
		{"clerk", "notice", "7y", true},
		{"PARKS", "NOTICE", "2y", true},
		{"PLAN", "CORR", "3y", true},
		{"PLAN", "MEMO", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.dept+"/"+tt.recordType, func(t *testing.T) {
			rule, ok := tables.Retention(tt.dept, tt.recordType)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantClass, rule.RetentionClass)
		})
	}
}

func TestParseTables_Invalid(t *testing.T) {
	const connectors = `
connectors:
  source_control: {permission: "connector:source_control", sensitive: true}
  identity: {permission: "connector:identity", sensitive: true}
  document_store: {permission: "connector:document_store"}
  notification: {permission: "connector:notification"}
`
	tests := []struct {
		name   string
		doc    string
		errMsg string
	}{
		{name: "not yaml", doc: "intents: [", errMsg: "failed to parse"},
		{name: "no intents", doc: connectors, errMsg: "no intents"},
		{
			name:   "missing connector",
			doc:    "intents:\n  notify_party: {}\nconnectors:\n  notification: {permission: x}\n",
			errMsg: "is not defined",
		},
		{
			name:   "unknown connector",
			doc:    "intents:\n  notify_party: {}\n" + connectors + "  fax: {permission: x}\n",
			errMsg: "unknown connector",
		},
		{
			name:   "incomplete retention rule",
			doc:    "intents:\n  notify_party: {}\n" + connectors + "retention:\n  - {department: CLERK, recordType: MIN}\n",
			errMsg: "incomplete",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTables([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadTables(t *testing.T) {
	tables, err := LoadTables("")
	require.NoError(t, err)
	assert.NotEmpty(t, tables.Intents)

	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, defaultTablesYAML, 0o600))
	fromFile, err := LoadTables(path)
	require.NoError(t, err)
	assert.Equal(t, tables.Intents, fromFile.Intents)

	_, err = LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
