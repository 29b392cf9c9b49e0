package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel selects which of the two delivery paths an envelope takes.
// Realtime envelopes are alerted on immediately; periodic envelopes are
// batched into a templated digest on a fixed cadence. Never both.
type Channel string

const (
	ChannelRealtime Channel = "realtime"
	ChannelPeriodic Channel = "periodic"
)

// NotificationEnvelope is the message handed to the notification router.
// Every dispatch that reaches policy execution produces exactly one
// envelope per executed policy, including zero-match runs, so downstream
// silence always means "not processed yet" and never "matched nothing".
type NotificationEnvelope struct {
	DispatchID   string           `json:"dispatch_id"`
	Channel      Channel          `json:"channel"`
	AccountID    string           `json:"account_id"`
	PolicyName   string           `json:"policy_name"`
	Outcome      ExecutionOutcome `json:"outcome"`
	EventSummary EventSummary     `json:"event_summary"`
	EmittedAt    time.Time        `json:"emitted_at"`
}

// Validate checks the envelope is routable.
func (n *NotificationEnvelope) Validate() error {
	switch n.Channel {
	case ChannelRealtime, ChannelPeriodic:
	default:
		return fmt.Errorf("unknown channel %q", n.Channel)
	}
	if !ValidAccountID(n.AccountID) {
		return fmt.Errorf("envelope account id %q is not a 12-digit account id", n.AccountID)
	}
	return n.Outcome.Validate()
}

// Marshal serializes the envelope to its wire form.
func (n *NotificationEnvelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope parses an envelope from its wire form.
func UnmarshalEnvelope(data []byte) (*NotificationEnvelope, error) {
	var n NotificationEnvelope
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &n, nil
}
