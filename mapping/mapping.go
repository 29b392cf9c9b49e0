// Package mapping resolves which policies run for an inbound event using
// a versioned, read-only mapping table.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrNoPolicyMapped means neither an explicit entry nor a default matched.
// This is a configuration error, deliberately distinct from "intentionally
// zero policies", which is expressed by a disabled entry, never silence.
var ErrNoPolicyMapped = errors.New("no policy mapped for event")

// Entry maps one event name to one policy. Read-only at dispatch time.
type Entry struct {
	EventType  string `json:"event_type"`
	PolicyFile string `json:"policy_file"`
	PolicyName string `json:"policy_name"`
	Enabled    bool   `json:"enabled"`
	Priority   int    `json:"priority"`
}

// DefaultPolicy is the fallback when no entry matches an event name.
type DefaultPolicy struct {
	PolicyFile string `json:"policy_file"`
	PolicyName string `json:"policy_name"`
	Enabled    bool   `json:"enabled"`
}

// Table is one immutable snapshot of the mapping document. A dispatch
// holds one snapshot for its whole lifetime; the table is never mutated.
type Table struct {
	Version       string         `json:"version"`
	Mappings      []Entry        `json:"mappings"`
	DefaultPolicy *DefaultPolicy `json:"default_policy,omitempty"`
}

// PolicyRef names one policy to execute.
type PolicyRef struct {
	PolicyFile string `json:"policy_file"`
	PolicyName string `json:"policy_name"`
}

// Load reads and validates a mapping document from disk.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a mapping document.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse mapping table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping table: %w", err)
	}
	return &t, nil
}

// Validate ensures every entry can actually be executed.
func (t *Table) Validate() error {
	for i, m := range t.Mappings {
		if m.EventType == "" {
			return fmt.Errorf("mapping %d: event_type is required", i)
		}
		if m.PolicyFile == "" || m.PolicyName == "" {
			return fmt.Errorf("mapping %d (%s): policy_file and policy_name are required", i, m.EventType)
		}
	}
	if t.DefaultPolicy != nil && t.DefaultPolicy.Enabled {
		if t.DefaultPolicy.PolicyFile == "" || t.DefaultPolicy.PolicyName == "" {
			return fmt.Errorf("default_policy: policy_file and policy_name are required")
		}
	}
	return nil
}

// Resolve returns the ordered, de-duplicated policies for eventName.
//
// Enabled entries matching the event name exactly are ordered ascending
// by priority; equal priorities keep declaration order (stable sort).
// Disabled entries are dropped before ordering, so priorities among the
// survivors need not be contiguous. When nothing matches, the default
// applies; when there is no usable default either, ErrNoPolicyMapped.
func (t *Table) Resolve(eventName string) ([]PolicyRef, error) {
	var matched []Entry
	for _, m := range t.Mappings {
		if m.EventType == eventName && m.Enabled {
			matched = append(matched, m)
		}
	}

	if len(matched) == 0 {
		if t.DefaultPolicy != nil && t.DefaultPolicy.Enabled {
			return []PolicyRef{{
				PolicyFile: t.DefaultPolicy.PolicyFile,
				PolicyName: t.DefaultPolicy.PolicyName,
			}}, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrNoPolicyMapped, eventName)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})

	seen := make(map[PolicyRef]bool, len(matched))
	refs := make([]PolicyRef, 0, len(matched))
	for _, m := range matched {
		ref := PolicyRef{PolicyFile: m.PolicyFile, PolicyName: m.PolicyName}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs, nil
}
