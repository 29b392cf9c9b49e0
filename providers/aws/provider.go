// Package aws lists cloud resources in the target account under the
// dispatch's assumed credentials, for the in-process policy engine to
// evaluate filters against. All calls are read-only.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/session"
	"github.com/guardrail-sh/dispatch/types"
)

// EC2API is the slice of the EC2 client the provider uses.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

// S3API is the slice of the S3 client the provider uses.
type S3API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketPolicyStatus(ctx context.Context, params *s3.GetBucketPolicyStatusInput, optFns ...func(*s3.Options)) (*s3.GetBucketPolicyStatusOutput, error)
	GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
}

// Provider lists resources in one account for one dispatch. It is built
// from the dispatch's assumed session and discarded with it.
type Provider struct {
	ec2Client EC2API
	s3Client  S3API
	region    string
	accountID string
}

// NewProvider builds clients bound to the assumed session's credentials.
func NewProvider(ctx context.Context, sess *session.AssumedSession, region string) (*Provider, error) {
	creds := sess.AWSCredentials()
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for account %s: %w", sess.AccountID, err)
	}

	return &Provider{
		ec2Client: ec2.NewFromConfig(cfg),
		s3Client:  s3.NewFromConfig(cfg),
		region:    region,
		accountID: sess.AccountID,
	}, nil
}

// List implements engine.Lister, pushing the scope fragment down into
// the provider call where the API supports it.
func (p *Provider) List(ctx context.Context, resourceType string, frag *scope.Fragment) ([]types.Resource, error) {
	switch resourceType {
	case "ec2-instance":
		return p.listInstances(ctx, frag)
	case "security-group":
		return p.listSecurityGroups(ctx, frag)
	case "s3-bucket":
		return p.listBuckets(ctx, frag)
	default:
		return nil, fmt.Errorf("unsupported resource type %q", resourceType)
	}
}

// scopeValue extracts the fragment's pushdown value when it applies to
// this resource type.
func scopeValue(frag *scope.Fragment, resourceType string) string {
	if frag == nil || frag.ResourceType != resourceType {
		return ""
	}
	return frag.Value
}

func toString(s *string) string {
	return aws.ToString(s)
}
