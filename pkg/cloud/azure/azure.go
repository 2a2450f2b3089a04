// Package azure adapts customer Azure subscriptions to the engine. Azure
// has no audit-log tail worth consuming for power events, so ingest runs
// on periodic describe-all snapshots instead.
package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/model"
)

// VirtualMachinesClient is the narrow armcompute surface the snapshotter
// uses.
type VirtualMachinesClient interface {
	NewListAllPager(options *armcompute.VirtualMachinesClientListAllOptions) *runtime.Pager[armcompute.VirtualMachinesClientListAllResponse]
}

// Snapshotter lists every VM in a subscription with its power state.
type Snapshotter struct {
	ClientFor func(subscriptionID string) (VirtualMachinesClient, error)
}

// NewSnapshotter builds a snapshotter using the ambient Azure credential
// chain (environment, workload identity, managed identity).
func NewSnapshotter() (*Snapshotter, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	return &Snapshotter{
		ClientFor: func(subscriptionID string) (VirtualMachinesClient, error) {
			client, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
			if err != nil {
				return nil, fmt.Errorf("virtual machines client: %w", err)
			}
			return client, nil
		},
	}, nil
}

// Snapshot describes all VMs in the account's subscription. The account's
// RoleARN field carries the subscription ID on Azure.
func (s *Snapshotter) Snapshot(ctx context.Context, account model.Account) ([]normalize.DescribedInstance, error) {
	client, err := s.ClientFor(account.RoleARN)
	if err != nil {
		return nil, err
	}
	pager := client.NewListAllPager(&armcompute.VirtualMachinesClientListAllOptions{
		Expand: to.Ptr(armcompute.ExpandTypesForListVMsInstanceView),
	})
	var out []normalize.DescribedInstance
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errs.ClassifyAzure(fmt.Errorf("list vms for %s: %w", account.ID, err))
		}
		for _, vm := range page.Value {
			out = append(out, describedVM(vm))
		}
	}
	return out, nil
}

func describedVM(vm *armcompute.VirtualMachine) normalize.DescribedInstance {
	d := normalize.DescribedInstance{}
	if vm == nil || vm.Properties == nil {
		return d
	}
	if vm.Location != nil {
		d.Region = *vm.Location
	}
	if vm.Properties.VMID != nil {
		d.InstanceID = *vm.Properties.VMID
	}
	if hw := vm.Properties.HardwareProfile; hw != nil && hw.VMSize != nil {
		d.InstanceType = string(*hw.VMSize)
	}
	if sp := vm.Properties.StorageProfile; sp != nil && sp.ImageReference != nil {
		d.ImageID = imageID(sp.ImageReference)
	}
	if iv := vm.Properties.InstanceView; iv != nil {
		for _, status := range iv.Statuses {
			if status.Code != nil && *status.Code == "PowerState/running" {
				d.Running = true
			}
		}
	}
	return d
}

// imageID canonicalizes an image reference: the resource ID for custom
// images, publisher:offer:sku:version for marketplace images.
func imageID(ref *armcompute.ImageReference) string {
	if ref.ID != nil {
		return *ref.ID
	}
	parts := []string{
		deref(ref.Publisher),
		deref(ref.Offer),
		deref(ref.SKU),
		deref(ref.Version),
	}
	return strings.Join(parts, ":")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Describer satisfies the normalizer's describe interface. Azure
// snapshots already carry every field, so instance describes never
// happen; image describes decode the canonical image reference.
type Describer struct{}

// DescribeInstance always reports not found: the snapshot path is the
// only Azure ingest source and it carries complete records.
func (Describer) DescribeInstance(_ context.Context, _ model.Account, _, instanceID string) (normalize.DescribedInstance, error) {
	return normalize.DescribedInstance{}, &errs.NotFoundError{Resource: "instance", ID: instanceID}
}

// DescribeImage derives image attributes from the canonical reference.
// Marketplace RHEL offers announce themselves in the offer or SKU.
func (Describer) DescribeImage(_ context.Context, _ model.Account, _, imageID string) (normalize.DescribedImage, error) {
	d := normalize.DescribedImage{
		CloudImageID: imageID,
		Name:         imageID,
		Platform:     model.PlatformNone,
	}
	parts := strings.SplitN(imageID, ":", 4)
	if len(parts) == 4 {
		d.OwnerAccountID = parts[0]
		lower := strings.ToLower(imageID)
		if strings.Contains(lower, "rhel") {
			d.RHELTag = true
		}
		if strings.Contains(lower, "windows") {
			d.Platform = model.PlatformWindows
		}
	}
	return d, nil
}
