// Package event normalizes the three supported inbound wire shapes
// (CloudTrail API calls, GuardDuty threat findings, Security Hub and
// Config compliance findings) into canonical dispatcher events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Normalization failures. Both are dispatch-terminal: an event we cannot
// identify must never fall through to "run something anyway".
var (
	ErrMalformedEvent    = errors.New("malformed event")
	ErrUnsupportedSource = errors.New("unsupported event source")
)

// Envelope is the EventBridge-style wrapper every inbound signal arrives
// in. Detail's shape depends on the source tag and is parsed lazily.
type Envelope struct {
	Source     string          `json:"source"`
	Account    string          `json:"account"`
	DetailType string          `json:"detail-type"`
	Region     string          `json:"region"`
	Detail     json.RawMessage `json:"detail"`
}

// ParseEnvelope decodes one raw event bus message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return &env, nil
}

// detailMap decodes the kind-specific payload into a generic map for
// opportunistic field extraction.
func (e *Envelope) detailMap() (map[string]any, error) {
	if len(e.Detail) == 0 {
		return nil, fmt.Errorf("%w: missing detail", ErrMalformedEvent)
	}
	var detail map[string]any
	if err := json.Unmarshal(e.Detail, &detail); err != nil {
		return nil, fmt.Errorf("%w: detail is not an object: %v", ErrMalformedEvent, err)
	}
	return detail, nil
}

// lookupString walks a nested map along path and returns the string leaf.
func lookupString(m map[string]any, path ...string) (string, bool) {
	cur := any(m)
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[key]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok && s != ""
}

// lookupMap walks a nested map along path and returns the object leaf.
func lookupMap(m map[string]any, path ...string) (map[string]any, bool) {
	cur := any(m)
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	leaf, ok := cur.(map[string]any)
	return leaf, ok
}

// lookupSlice walks a nested map along path and returns the array leaf.
func lookupSlice(m map[string]any, path ...string) ([]any, bool) {
	cur := any(m)
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	leaf, ok := cur.([]any)
	return leaf, ok
}

// lookupFloat walks a nested map along path and returns the numeric leaf.
func lookupFloat(m map[string]any, path ...string) (float64, bool) {
	cur := any(m)
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = obj[key]
		if !ok {
			return 0, false
		}
	}
	f, ok := cur.(float64)
	return f, ok
}
