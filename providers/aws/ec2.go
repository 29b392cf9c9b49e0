package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/types"
)

// listInstances discovers EC2 instances, narrowed server-side when the
// scope names one instance.
func (p *Provider) listInstances(ctx context.Context, frag *scope.Fragment) ([]types.Resource, error) {
	input := &ec2.DescribeInstancesInput{}
	if id := scopeValue(frag, "ec2-instance"); id != "" {
		input.InstanceIds = []string{id}
	}

	output, err := p.ec2Client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe instances: %w", err)
	}

	var resources []types.Resource
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			resources = append(resources, p.convertInstance(instance))
		}
	}
	return resources, nil
}

func (p *Provider) convertInstance(instance ec2types.Instance) types.Resource {
	var state string
	if instance.State != nil {
		state = string(instance.State.Name)
	}

	tags := convertEC2Tags(instance.Tags)

	return types.Resource{
		ID:        toString(instance.InstanceId),
		Type:      "ec2-instance",
		AccountID: p.accountID,
		Region:    p.region,
		Name:      tags["Name"],
		State:     state,
		Tags:      tags,
		Attrs: map[string]any{
			"instance_type": string(instance.InstanceType),
			"public_ip":     toString(instance.PublicIpAddress),
			"vpc_id":        toString(instance.VpcId),
			"launch_time":   aws.ToTime(instance.LaunchTime),
		},
	}
}

// listSecurityGroups discovers security groups, narrowed server-side
// when the scope names one group.
func (p *Provider) listSecurityGroups(ctx context.Context, frag *scope.Fragment) ([]types.Resource, error) {
	input := &ec2.DescribeSecurityGroupsInput{}
	if id := scopeValue(frag, "security-group"); id != "" {
		input.GroupIds = []string{id}
	}

	output, err := p.ec2Client.DescribeSecurityGroups(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to describe security groups: %w", err)
	}

	var resources []types.Resource
	for _, group := range output.SecurityGroups {
		resources = append(resources, p.convertSecurityGroup(group))
	}
	return resources, nil
}

func (p *Provider) convertSecurityGroup(group ec2types.SecurityGroup) types.Resource {
	return types.Resource{
		ID:        toString(group.GroupId),
		Type:      "security-group",
		AccountID: p.accountID,
		Region:    p.region,
		Name:      toString(group.GroupName),
		Tags:      convertEC2Tags(group.Tags),
		Attrs: map[string]any{
			"vpc_id":          toString(group.VpcId),
			"open_to_world":   groupOpenToWorld(group),
			"ingress_rules":   len(group.IpPermissions),
			"egress_rules":    len(group.IpPermissionsEgress),
		},
	}
}

// groupOpenToWorld reports whether any ingress rule admits 0.0.0.0/0.
func groupOpenToWorld(group ec2types.SecurityGroup) bool {
	for _, perm := range group.IpPermissions {
		for _, ipRange := range perm.IpRanges {
			if toString(ipRange.CidrIp) == "0.0.0.0/0" {
				return true
			}
		}
	}
	return false
}

func convertEC2Tags(tags []ec2types.Tag) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[toString(t.Key)] = toString(t.Value)
	}
	return out
}
