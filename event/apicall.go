package event

import (
	"fmt"

	"github.com/guardrail-sh/dispatch/types"
)

// apiCallResource describes where one CloudTrail event name exposes the
// affected resource. Event names without an entry normalize with an
// absent resource id, which disables scoping but is not an error.
type apiCallResource struct {
	resourceType string
	extract      func(detail map[string]any) (string, bool)
}

// apiCallResources is the per-event-name extraction table. CloudTrail
// puts identifiers for create-style calls in responseElements and for
// mutate-style calls in requestParameters, so each entry encodes its own
// path.
var apiCallResources = map[string]apiCallResource{
	"CreateBucket": {
		resourceType: "s3-bucket",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "requestParameters", "bucketName")
		},
	},
	"DeleteBucket": {
		resourceType: "s3-bucket",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "requestParameters", "bucketName")
		},
	},
	"PutBucketAcl": {
		resourceType: "s3-bucket",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "requestParameters", "bucketName")
		},
	},
	"PutBucketPolicy": {
		resourceType: "s3-bucket",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "requestParameters", "bucketName")
		},
	},
	"RunInstances": {
		resourceType: "ec2-instance",
		extract: func(d map[string]any) (string, bool) {
			return firstInstanceID(d, "responseElements")
		},
	},
	"StopInstances": {
		resourceType: "ec2-instance",
		extract: func(d map[string]any) (string, bool) {
			return firstInstanceID(d, "requestParameters")
		},
	},
	"TerminateInstances": {
		resourceType: "ec2-instance",
		extract: func(d map[string]any) (string, bool) {
			return firstInstanceID(d, "requestParameters")
		},
	},
	"CreateSecurityGroup": {
		resourceType: "security-group",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "responseElements", "groupId")
		},
	},
	"AuthorizeSecurityGroupIngress": {
		resourceType: "security-group",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "requestParameters", "groupId")
		},
	},
	"RevokeSecurityGroupIngress": {
		resourceType: "security-group",
		extract: func(d map[string]any) (string, bool) {
			return lookupString(d, "requestParameters", "groupId")
		},
	},
}

// firstInstanceID digs the first instance id out of CloudTrail's
// instancesSet structure under the given top-level key.
func firstInstanceID(detail map[string]any, under string) (string, bool) {
	items, ok := lookupSlice(detail, under, "instancesSet", "items")
	if !ok || len(items) == 0 {
		return "", false
	}
	first, ok := items[0].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := first["instanceId"].(string)
	return id, ok && id != ""
}

func (n *Normalizer) normalizeAPICall(env *Envelope) ([]types.CanonicalEvent, error) {
	detail, err := env.detailMap()
	if err != nil {
		return nil, err
	}

	eventName, ok := lookupString(detail, "eventName")
	if !ok {
		return nil, fmt.Errorf("%w: api call without eventName", ErrMalformedEvent)
	}

	account := accountID(env, detail)
	if account == "" {
		return nil, fmt.Errorf("%w: api call without account id", ErrMalformedEvent)
	}

	ev := types.CanonicalEvent{
		SourceAccountID: account,
		SourceKind:      types.SourceAPICall,
		EventName:       eventName,
		Region:          env.Region,
		RawPayload:      detail,
	}

	if entry, known := apiCallResources[eventName]; known {
		if id, found := entry.extract(detail); found {
			ev.ResourceType = entry.resourceType
			ev.ResourceID = id
		} else {
			n.logger.Debug().
				Str("event_name", eventName).
				Msg("registered extraction path yielded no resource id")
		}
	}

	return []types.CanonicalEvent{ev}, nil
}
