package models

import "strings"

// ConnectorKind is the closed set of downstream systems a plan step can dispatch to
type ConnectorKind string

const (
	ConnectorSourceControl ConnectorKind = "source_control"
	ConnectorIdentity      ConnectorKind = "identity"
	ConnectorDocumentStore ConnectorKind = "document_store"
	ConnectorNotification  ConnectorKind = "notification"
	ConnectorUnknown       ConnectorKind = "unknown"
)

// KnownConnectors lists every connector kind except ConnectorUnknown
func KnownConnectors() []ConnectorKind {
	return []ConnectorKind{
		ConnectorSourceControl,
		ConnectorIdentity,
		ConnectorDocumentStore,
		ConnectorNotification,
	}
}

// IsKnown reports whether k is a dispatchable connector
func (k ConnectorKind) IsKnown() bool {
	switch k {
	case ConnectorSourceControl, ConnectorIdentity, ConnectorDocumentStore, ConnectorNotification:
		return true
	default:
		return false
	}
}

// ResolveConnector maps a target of the form "<scheme>:<path>" to its connector.
// Every input maps to exactly one kind; anything unrecognised is ConnectorUnknown.
func ResolveConnector(target string) ConnectorKind {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(target), ":")
	if !ok || strings.TrimSpace(rest) == "" {
		return ConnectorUnknown
	}

	switch strings.ToLower(scheme) {
	case "repo", "git":
		return ConnectorSourceControl
	case "idp", "identity":
		return ConnectorIdentity
	case "docs", "records":
		return ConnectorDocumentStore
	case "notify", "mail", "sms":
		return ConnectorNotification
	default:
		return ConnectorUnknown
	}
}
