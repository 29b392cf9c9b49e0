package event

import (
	"fmt"

	"github.com/guardrail-sh/dispatch/telemetry"
	"github.com/guardrail-sh/dispatch/types"
)

// Normalizer converts inbound envelopes into canonical events. It is a
// pure transform: no I/O, no shared state, safe for concurrent use.
type Normalizer struct {
	logger *telemetry.Logger
}

// NewNormalizer creates a normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		logger: telemetry.NewLogger("normalizer"),
	}
}

// Normalize dispatches on the envelope's source tag to one of the three
// extraction strategies. Compliance findings naming several resources fan
// out into one canonical event per resource, so every later stage stays
// single-resource-scoped.
//
// The source match is closed: adding a fourth kind means adding a case
// here and its extraction function, nothing else.
func (n *Normalizer) Normalize(env *Envelope) ([]types.CanonicalEvent, error) {
	if env == nil || env.Source == "" {
		return nil, fmt.Errorf("%w: missing source", ErrMalformedEvent)
	}

	var (
		events []types.CanonicalEvent
		err    error
	)
	switch {
	case env.Source == sourceGuardDuty:
		events, err = n.normalizeThreatFinding(env)
	case env.Source == sourceSecurityHub || env.Source == sourceConfig:
		events, err = n.normalizeComplianceFinding(env)
	case env.DetailType == detailTypeAPICall:
		events, err = n.normalizeAPICall(env)
	default:
		return nil, fmt.Errorf("%w: %q (%s)", ErrUnsupportedSource, env.Source, env.DetailType)
	}
	if err != nil {
		return nil, err
	}

	for i := range events {
		if err := events[i].Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	}
	return events, nil
}

const (
	sourceGuardDuty   = "aws.guardduty"
	sourceSecurityHub = "aws.securityhub"
	sourceConfig      = "aws.config"

	detailTypeAPICall = "AWS API Call via CloudTrail"
)

// accountID prefers the envelope-level account, falling back to the
// fields CloudTrail and finding payloads carry it in.
func accountID(env *Envelope, detail map[string]any) string {
	if types.ValidAccountID(env.Account) {
		return env.Account
	}
	for _, path := range [][]string{
		{"recipientAccountId"},
		{"accountId"},
		{"userIdentity", "accountId"},
	} {
		if id, ok := lookupString(detail, path...); ok && types.ValidAccountID(id) {
			return id
		}
	}
	return ""
}
