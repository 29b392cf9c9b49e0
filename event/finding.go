package event

import (
	"fmt"
	"strings"

	"github.com/guardrail-sh/dispatch/types"
)

// normalizeThreatFinding extracts a canonical event from a GuardDuty
// finding. The finding type string doubles as the event name, and the
// resource id comes from the embedded resource block when its kind is one
// we recognize. Unrecognized kinds leave the id absent rather than fail.
func (n *Normalizer) normalizeThreatFinding(env *Envelope) ([]types.CanonicalEvent, error) {
	detail, err := env.detailMap()
	if err != nil {
		return nil, err
	}

	findingType, ok := lookupString(detail, "type")
	if !ok {
		return nil, fmt.Errorf("%w: threat finding without type", ErrMalformedEvent)
	}

	account := accountID(env, detail)
	if account == "" {
		return nil, fmt.Errorf("%w: threat finding without account id", ErrMalformedEvent)
	}

	ev := types.CanonicalEvent{
		SourceAccountID: account,
		SourceKind:      types.SourceThreatFinding,
		EventName:       findingType,
		Region:          env.Region,
		RawPayload:      detail,
	}

	if sev, ok := lookupFloat(detail, "severity"); ok {
		ev.Severity = &sev
	}

	if resourceType, resourceID, ok := threatResource(detail); ok {
		ev.ResourceType = resourceType
		ev.ResourceID = resourceID
	}

	return []types.CanonicalEvent{ev}, nil
}

// threatResource maps GuardDuty's resource block onto our resource
// taxonomy. Only kinds we can scope policies to are extracted.
func threatResource(detail map[string]any) (resourceType, resourceID string, ok bool) {
	res, found := lookupMap(detail, "resource")
	if !found {
		return "", "", false
	}

	kind, _ := res["resourceType"].(string)
	switch kind {
	case "Instance":
		if id, found := lookupString(res, "instanceDetails", "instanceId"); found {
			return "ec2-instance", id, true
		}
	case "S3Bucket":
		if buckets, found := lookupSlice(res, "s3BucketDetails"); found && len(buckets) > 0 {
			if bucket, isMap := buckets[0].(map[string]any); isMap {
				if name, isStr := bucket["name"].(string); isStr && name != "" {
					return "s3-bucket", name, true
				}
			}
		}
	}
	return "", "", false
}

// complianceSeverity maps a compliance finding's severity label onto the
// same 0-10 numeric scale threat findings use, so downstream comparison
// is uniform.
var complianceSeverity = map[string]float64{
	"CRITICAL":      9,
	"HIGH":          7,
	"MEDIUM":        5,
	"LOW":           3,
	"INFORMATIONAL": 1,
}

// normalizeComplianceFinding extracts canonical events from a Security
// Hub (or Config) compliance finding. A finding naming several resources
// yields one canonical event per resource.
func (n *Normalizer) normalizeComplianceFinding(env *Envelope) ([]types.CanonicalEvent, error) {
	detail, err := env.detailMap()
	if err != nil {
		return nil, err
	}

	findings, ok := lookupSlice(detail, "findings")
	if !ok || len(findings) == 0 {
		return nil, fmt.Errorf("%w: compliance event without findings", ErrMalformedEvent)
	}

	var events []types.CanonicalEvent
	for _, raw := range findings {
		finding, isMap := raw.(map[string]any)
		if !isMap {
			return nil, fmt.Errorf("%w: finding is not an object", ErrMalformedEvent)
		}

		fanned, err := n.fanOutFinding(env, detail, finding)
		if err != nil {
			return nil, err
		}
		events = append(events, fanned...)
	}
	return events, nil
}

func (n *Normalizer) fanOutFinding(env *Envelope, detail, finding map[string]any) ([]types.CanonicalEvent, error) {
	ruleID := complianceRuleID(finding)
	if ruleID == "" {
		return nil, fmt.Errorf("%w: finding without rule identifier", ErrMalformedEvent)
	}

	account := env.Account
	if !types.ValidAccountID(account) {
		account, _ = lookupString(finding, "AwsAccountId")
	}
	if !types.ValidAccountID(account) {
		return nil, fmt.Errorf("%w: finding without account id", ErrMalformedEvent)
	}

	base := types.CanonicalEvent{
		SourceAccountID: account,
		SourceKind:      types.SourceComplianceFinding,
		EventName:       ruleID,
		Region:          env.Region,
		RawPayload:      detail,
	}

	if label, ok := lookupString(finding, "Severity", "Label"); ok {
		if sev, known := complianceSeverity[strings.ToUpper(label)]; known {
			base.Severity = &sev
		}
	}

	resources, _ := lookupSlice(finding, "Resources")
	if len(resources) == 0 {
		// No resource block: one unscoped event.
		return []types.CanonicalEvent{base}, nil
	}

	var events []types.CanonicalEvent
	for _, raw := range resources {
		res, isMap := raw.(map[string]any)
		if !isMap {
			continue
		}
		ev := base
		if resourceType, resourceID, ok := complianceResource(res); ok {
			ev.ResourceType = resourceType
			ev.ResourceID = resourceID
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		events = append(events, base)
	}
	return events, nil
}

// complianceRuleID pulls the originating rule identifier out of the
// finding, preferring explicit fields over the generator id.
func complianceRuleID(finding map[string]any) string {
	for _, path := range [][]string{
		{"ProductFields", "RuleId"},
		{"ProductFields", "ControlId"},
		{"GeneratorId"},
	} {
		if id, ok := lookupString(finding, path...); ok {
			return id
		}
	}
	return ""
}

// complianceResource maps a Security Hub ASFF resource entry onto our
// resource taxonomy.
func complianceResource(res map[string]any) (resourceType, resourceID string, ok bool) {
	kind, _ := res["Type"].(string)
	id, _ := res["Id"].(string)
	if id == "" {
		return "", "", false
	}

	switch kind {
	case "AwsS3Bucket":
		return "s3-bucket", trimARNResource(id), true
	case "AwsEc2Instance":
		return "ec2-instance", trimARNResource(id), true
	case "AwsEc2SecurityGroup":
		return "security-group", trimARNResource(id), true
	}
	return "", "", false
}

// trimARNResource strips the ARN prefix ASFF resource ids usually carry,
// leaving the bare resource identifier.
func trimARNResource(id string) string {
	if !strings.HasPrefix(id, "arn:") {
		return id
	}
	if i := strings.LastIndexAny(id, ":/"); i >= 0 && i+1 < len(id) {
		return id[i+1:]
	}
	return id
}
