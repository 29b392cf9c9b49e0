package types

import "fmt"

// ActionStatus is the terminal state of one attempted policy action.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// ActionResult records one action attempt. Order within an outcome matches
// the order actions were declared in the policy, and a failed action does
// not erase the results of actions that ran before or after it.
type ActionResult struct {
	Type   string       `json:"type"`
	Status ActionStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// ExecutionOutcome is the result of running one policy against one
// resource scope.
type ExecutionOutcome struct {
	PolicyName       string         `json:"policy_name"`
	ResourceID       string         `json:"resource_id,omitempty"`
	Matched          bool           `json:"matched"`
	MatchedResources []string       `json:"matched_resources,omitempty"`
	ActionsAttempted []ActionResult `json:"actions_attempted,omitempty"`
	Skipped          bool           `json:"skipped,omitempty"`
	SkipReason       string         `json:"skip_reason,omitempty"`
	Error            string         `json:"error,omitempty"`
	DurationMs       int64          `json:"duration_ms"`
}

// FailedActions returns the results of actions that did not succeed.
func (o *ExecutionOutcome) FailedActions() []ActionResult {
	var failed []ActionResult
	for _, a := range o.ActionsAttempted {
		if a.Status == ActionFailed {
			failed = append(failed, a)
		}
	}
	return failed
}

// Validate ensures the outcome identifies its policy.
func (o *ExecutionOutcome) Validate() error {
	if o.PolicyName == "" {
		return fmt.Errorf("outcome policy name cannot be empty")
	}
	return nil
}
