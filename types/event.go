package types

import (
	"fmt"
	"regexp"
)

// SourceKind identifies which of the three supported wire shapes an
// inbound signal arrived in.
type SourceKind string

const (
	SourceAPICall           SourceKind = "api-call"
	SourceThreatFinding     SourceKind = "threat-finding"
	SourceComplianceFinding SourceKind = "compliance-finding"
)

var accountIDPattern = regexp.MustCompile(`^\d{12}$`)

// ValidAccountID reports whether s is a well-formed 12-digit AWS account id.
func ValidAccountID(s string) bool {
	return accountIDPattern.MatchString(s)
}

// CanonicalEvent is the dispatcher's source-agnostic view of one inbound
// signal, produced once per dispatch and never mutated afterwards.
//
// ResourceType and ResourceID are extracted opportunistically: an event
// shape that exposes no direct identifier leaves them empty, which later
// stages treat as "no scoping possible", not as an error.
type CanonicalEvent struct {
	SourceAccountID string         `json:"source_account_id"`
	SourceKind      SourceKind     `json:"source_kind"`
	EventName       string         `json:"event_name"`
	ResourceType    string         `json:"resource_type,omitempty"`
	ResourceID      string         `json:"resource_id,omitempty"`
	Severity        *float64       `json:"severity,omitempty"`
	Region          string         `json:"region,omitempty"`
	RawPayload      map[string]any `json:"raw_payload,omitempty"`
}

// Validate enforces the invariants every canonical event must hold.
// A missing or malformed account id is a hard failure, never defaulted.
func (e *CanonicalEvent) Validate() error {
	if !ValidAccountID(e.SourceAccountID) {
		return fmt.Errorf("source account id %q is not a 12-digit account id", e.SourceAccountID)
	}
	if e.EventName == "" {
		return fmt.Errorf("event name cannot be empty")
	}
	switch e.SourceKind {
	case SourceAPICall, SourceThreatFinding, SourceComplianceFinding:
	default:
		return fmt.Errorf("unknown source kind %q", e.SourceKind)
	}
	return nil
}

// Scoped reports whether the event names a concrete resource that policy
// runs can be narrowed to.
func (e *CanonicalEvent) Scoped() bool {
	return e.ResourceType != "" && e.ResourceID != ""
}

// Summary condenses the event for human display in notifications.
func (e *CanonicalEvent) Summary() EventSummary {
	return EventSummary{
		AccountID:    e.SourceAccountID,
		SourceKind:   e.SourceKind,
		EventName:    e.EventName,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Severity:     e.Severity,
		Region:       e.Region,
	}
}

// EventSummary is the condensed canonical event carried inside a
// notification envelope. It drops the raw payload so queue messages stay
// small.
type EventSummary struct {
	AccountID    string     `json:"account_id"`
	SourceKind   SourceKind `json:"source_kind"`
	EventName    string     `json:"event_name"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   string     `json:"resource_id,omitempty"`
	Severity     *float64   `json:"severity,omitempty"`
	Region       string     `json:"region,omitempty"`
}
