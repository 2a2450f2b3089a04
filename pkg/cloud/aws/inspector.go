package aws

import (
	"context"
	"encoding/base64"
	"fmt"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
)

// InspectorEC2 is the EC2 surface the launcher needs in the engine account.
type InspectorEC2 interface {
	CopyImage(ctx context.Context, params *ec2.CopyImageInput, optFns ...func(*ec2.Options)) (*ec2.CopyImageOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
}

// Launcher performs the cloud side of an inspection: copying the target
// image into the engine account and booting the scan host against it. The
// scan host posts its verdict to the verdict queue and terminates itself.
type Launcher struct {
	Client InspectorEC2
	// ScanHostAMI is the engine's own inspector image.
	ScanHostAMI string
	// ScanHostType is the instance type the scan host runs on.
	ScanHostType string
	// SubnetID places scan hosts in the engine's inspection subnet.
	SubnetID string
	Region   string
}

// NewLauncher builds a launcher over the engine's own credentials. Copied
// images and scan hosts live in the engine account, never the customer's.
func NewLauncher(c *Client, scanHostAMI, scanHostType, subnetID, region string) *Launcher {
	return &Launcher{
		Client:       ec2.NewFromConfig(c.Config),
		ScanHostAMI:  scanHostAMI,
		ScanHostType: scanHostType,
		SubnetID:     subnetID,
		Region:       region,
	}
}

const inspectionTag = "cloudmeter-inspection"

// Prepare copies the target image into the engine account. The customer's
// enrollment role grants the engine account launch permission on the AMI,
// which is what CopyImage needs.
func (l *Launcher) Prepare(ctx context.Context, img model.MachineImage) error {
	region := img.Region
	if region == "" {
		region = l.Region
	}
	_, err := l.Client.CopyImage(ctx, &ec2.CopyImageInput{
		Name:          sdk.String(fmt.Sprintf("%s-%s", inspectionTag, img.CloudImageID)),
		SourceImageId: sdk.String(img.CloudImageID),
		SourceRegion:  sdk.String(region),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeImage,
			Tags: []types.Tag{{
				Key:   sdk.String(inspectionTag),
				Value: sdk.String(img.CloudImageID),
			}},
		}},
	})
	if err != nil {
		return errs.ClassifyAWS(fmt.Errorf("copy image %s: %w", img.CloudImageID, err))
	}
	return nil
}

// Start boots one scan host. The target image id rides in user data; the
// host mounts the copied image's root volume, scans it, and reports.
func (l *Launcher) Start(ctx context.Context, img model.MachineImage) error {
	userData := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("CLOUDMETER_TARGET_CLOUD=%s\nCLOUDMETER_TARGET_IMAGE=%s\n",
			img.CloudType, img.CloudImageID)))

	input := &ec2.RunInstancesInput{
		ImageId:      sdk.String(l.ScanHostAMI),
		InstanceType: types.InstanceType(l.ScanHostType),
		MinCount:     sdk.Int32(1),
		MaxCount:     sdk.Int32(1),
		UserData:     sdk.String(userData),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{{
				Key:   sdk.String(inspectionTag),
				Value: sdk.String(img.CloudImageID),
			}},
		}},
	}
	if l.SubnetID != "" {
		input.SubnetId = sdk.String(l.SubnetID)
	}
	if _, err := l.Client.RunInstances(ctx, input); err != nil {
		return errs.ClassifyAWS(fmt.Errorf("start scan host for %s: %w", img.CloudImageID, err))
	}
	return nil
}
