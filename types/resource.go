package types

// Resource is the engine-facing view of one cloud resource, as returned
// by the provider listers the policy engine evaluates filters against.
type Resource struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	AccountID string            `json:"account_id"`
	Region    string            `json:"region"`
	Name      string            `json:"name,omitempty"`
	State     string            `json:"state,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Attrs     map[string]any    `json:"attrs,omitempty"`
}

// Tag returns the named tag value, or "" when absent.
func (r *Resource) Tag(key string) string {
	if r.Tags == nil {
		return ""
	}
	return r.Tags[key]
}
