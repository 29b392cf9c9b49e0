// Package scope narrows a policy's resource universe to exactly the one
// resource named in the triggering event. Without this, every
// event-triggered run would re-evaluate every resource of its type in
// the account, which is unacceptable for both cost and the blast radius
// of automated remediation.
package scope

import (
	"errors"
	"fmt"

	"github.com/guardrail-sh/dispatch/types"
)

// ErrNoScopeAvailable signals that the event carries no resource id for
// the policy's resource type. It is a recoverable condition, not an
// error: per-policy configuration decides whether the run proceeds
// unscoped or is skipped.
var ErrNoScopeAvailable = errors.New("no scope available")

// nativeKeys maps our resource taxonomy onto the provider-side filter
// key used to push the restriction down into list calls.
var nativeKeys = map[string]string{
	"ec2-instance":   "instance-id",
	"s3-bucket":      "bucket-name",
	"security-group": "group-id",
}

// Fragment restricts evaluation to one resource. It is prepended to a
// policy's own filters and always evaluated first, so it short-circuits
// before any expensive declared filter runs.
type Fragment struct {
	ResourceType string `json:"resource_type"`
	Key          string `json:"key"`
	Value        string `json:"value"`
}

// Build derives the minimal fragment for the event, checked against the
// policy's declared resource type.
func Build(ev *types.CanonicalEvent, policyResourceType string) (*Fragment, error) {
	if !ev.Scoped() {
		return nil, fmt.Errorf("%w: event %q names no resource", ErrNoScopeAvailable, ev.EventName)
	}
	if policyResourceType != "" && policyResourceType != ev.ResourceType {
		return nil, fmt.Errorf("%w: event resource type %q does not satisfy policy resource type %q",
			ErrNoScopeAvailable, ev.ResourceType, policyResourceType)
	}

	key, ok := nativeKeys[ev.ResourceType]
	if !ok {
		// Unknown taxonomy entries still scope by bare id.
		key = "id"
	}

	return &Fragment{
		ResourceType: ev.ResourceType,
		Key:          key,
		Value:        ev.ResourceID,
	}, nil
}

// Matches reports whether r is the one resource the fragment names.
func (f *Fragment) Matches(r types.Resource) bool {
	if f == nil {
		return true
	}
	return r.Type == f.ResourceType && r.ID == f.Value
}

// Apply filters resources down to those the fragment names. A nil
// fragment is the explicit unscoped case and passes everything through.
func (f *Fragment) Apply(resources []types.Resource) []types.Resource {
	if f == nil {
		return resources
	}
	var out []types.Resource
	for _, r := range resources {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}
