package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/types"
)

// listBuckets discovers S3 buckets. ListBuckets has no server-side name
// filter, so a scoped lookup narrows client-side before the per-bucket
// attribute calls, keeping the call count at one bucket's worth.
func (p *Provider) listBuckets(ctx context.Context, frag *scope.Fragment) ([]types.Resource, error) {
	output, err := p.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	want := scopeValue(frag, "s3-bucket")

	var resources []types.Resource
	for _, bucket := range output.Buckets {
		name := toString(bucket.Name)
		if want != "" && name != want {
			continue
		}
		resources = append(resources, types.Resource{
			ID:        name,
			Type:      "s3-bucket",
			AccountID: p.accountID,
			Region:    p.region,
			Name:      name,
			Tags:      p.bucketTags(ctx, name),
			Attrs: map[string]any{
				"public":     p.bucketIsPublic(ctx, name),
				"created_at": aws.ToTime(bucket.CreationDate),
			},
		})
	}
	return resources, nil
}

// bucketIsPublic reports whether the bucket policy grants public access.
// Buckets without a policy, and any lookup error, read as not public.
func (p *Provider) bucketIsPublic(ctx context.Context, name string) bool {
	output, err := p.s3Client.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{
		Bucket: aws.String(name),
	})
	if err != nil || output.PolicyStatus == nil {
		return false
	}
	return aws.ToBool(output.PolicyStatus.IsPublic)
}

// bucketTags fetches the bucket tag set; untagged buckets are common
// and not an error.
func (p *Provider) bucketTags(ctx context.Context, name string) map[string]string {
	output, err := p.s3Client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{
		Bucket: aws.String(name),
	})
	if err != nil || len(output.TagSet) == 0 {
		return nil
	}
	tags := make(map[string]string, len(output.TagSet))
	for _, t := range output.TagSet {
		tags[toString(t.Key)] = toString(t.Value)
	}
	return tags
}
