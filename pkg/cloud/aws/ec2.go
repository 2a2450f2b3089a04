package aws

import (
	"context"
	"fmt"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/engine/registry"
	"github.com/meterwise/cloudmeter/pkg/model"
)

type EC2Client interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// rhelTagKey marks an image as RHEL when set by the customer.
const rhelTagKey = "cloudmeter-rhel"

// Describer issues EC2 describe calls under a customer's enrollment role.
// ClientFor is swappable for tests; the default assumes the account role.
type Describer struct {
	ClientFor func(account model.Account, region string) EC2Client
}

// NewDescriber builds a describer that assumes each account's role.
func NewDescriber(c *Client) *Describer {
	return &Describer{
		ClientFor: func(account model.Account, region string) EC2Client {
			return ec2.NewFromConfig(c.AssumeRole(account.RoleARN, region))
		},
	}
}

// DescribeInstance fetches one instance for event backfill.
func (d *Describer) DescribeInstance(ctx context.Context, account model.Account, region, instanceID string) (normalize.DescribedInstance, error) {
	client := d.ClientFor(account, region)
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return normalize.DescribedInstance{}, errs.ClassifyAWS(err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return describedInstance(inst, region), nil
		}
	}
	return normalize.DescribedInstance{}, &errs.NotFoundError{Resource: "instance", ID: instanceID}
}

// DescribeImage fetches one image for registry discovery.
func (d *Describer) DescribeImage(ctx context.Context, account model.Account, region, imageID string) (normalize.DescribedImage, error) {
	client := d.ClientFor(account, region)
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	})
	if err != nil {
		return normalize.DescribedImage{}, errs.ClassifyAWS(err)
	}
	if len(out.Images) == 0 {
		return normalize.DescribedImage{}, &errs.NotFoundError{Resource: "image", ID: imageID}
	}
	return describedImage(out.Images[0]), nil
}

// DescribeAllRegions snapshots every instance in every enabled region,
// for initial discovery of a newly enrolled account.
func (d *Describer) DescribeAllRegions(ctx context.Context, account model.Account) (map[string][]normalize.DescribedInstance, error) {
	regions, err := d.regions(ctx, account)
	if err != nil {
		return nil, err
	}
	byRegion := make(map[string][]normalize.DescribedInstance)
	for _, region := range regions {
		instances, err := d.describeRegion(ctx, account, region)
		if err != nil {
			return nil, fmt.Errorf("describe region %s: %w", region, err)
		}
		if len(instances) > 0 {
			byRegion[region] = instances
		}
	}
	return byRegion, nil
}

func (d *Describer) regions(ctx context.Context, account model.Account) ([]string, error) {
	client := d.ClientFor(account, "us-east-1")
	out, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, errs.ClassifyAWS(fmt.Errorf("describe regions: %w", err))
	}
	var regions []string
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	return regions, nil
}

func (d *Describer) describeRegion(ctx context.Context, account model.Account, region string) ([]normalize.DescribedInstance, error) {
	client := d.ClientFor(account, region)
	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	var out []normalize.DescribedInstance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.ClassifyAWS(err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				out = append(out, describedInstance(inst, region))
			}
		}
	}
	return out, nil
}

func describedInstance(inst types.Instance, region string) normalize.DescribedInstance {
	d := normalize.DescribedInstance{
		Region:       region,
		InstanceType: string(inst.InstanceType),
	}
	if inst.InstanceId != nil {
		d.InstanceID = *inst.InstanceId
	}
	if inst.ImageId != nil {
		d.ImageID = *inst.ImageId
	}
	if inst.SubnetId != nil {
		d.SubnetID = *inst.SubnetId
	}
	if inst.State != nil {
		d.Running = inst.State.Name == types.InstanceStateNameRunning ||
			inst.State.Name == types.InstanceStateNamePending
	}
	return d
}

func describedImage(img types.Image) normalize.DescribedImage {
	d := normalize.DescribedImage{}
	if img.ImageId != nil {
		d.CloudImageID = *img.ImageId
	}
	if img.Name != nil {
		d.Name = *img.Name
	}
	if img.OwnerId != nil {
		d.OwnerAccountID = *img.OwnerId
	}
	d.Platform = model.PlatformNone
	if img.Platform == types.PlatformValuesWindows {
		d.Platform = model.PlatformWindows
	}
	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs != nil && sdk.ToBool(bdm.Ebs.Encrypted) {
			d.Encrypted = true
		}
	}
	for _, tag := range img.Tags {
		switch sdk.ToString(tag.Key) {
		case rhelTagKey:
			d.RHELTag = true
		case registry.OpenShiftTagKey:
			d.OpenShiftTag = true
		}
	}
	return d
}
