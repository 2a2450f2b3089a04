package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/engine/registry"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/queue"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// DescribedInstance is one VM from a describe snapshot.
type DescribedInstance struct {
	InstanceID   string
	Region       string
	InstanceType string
	ImageID      string
	SubnetID     string
	Running      bool
}

// DescribedImage is one machine image from a describe call.
type DescribedImage struct {
	CloudImageID   string
	Name           string
	OwnerAccountID string
	Platform       model.Platform
	Encrypted      bool
	RHELTag        bool
	OpenShiftTag   bool
}

// CloudDescriber performs single-resource describe calls for backfill and
// image discovery. Implementations scope calls to (account, region).
type CloudDescriber interface {
	DescribeInstance(ctx context.Context, account model.Account, region, instanceID string) (DescribedInstance, error)
	DescribeImage(ctx context.Context, account model.Account, region, imageID string) (DescribedImage, error)
}

// EventBatch is the work-queue payload for the run reconciler, keyed by
// (account, instance).
type EventBatch struct {
	AccountID  string                `json:"account_id"`
	InstanceID string                `json:"instance_id"`
	Events     []model.InstanceEvent `json:"events"`
}

// InspectWork is the work-queue payload for the inspection orchestrator,
// keyed by image.
type InspectWork struct {
	CloudType    model.CloudType `json:"cloud_type"`
	CloudImageID string          `json:"cloud_image_id"`
}

// Normalizer resolves raw observations into canonical events and hands
// them to the work queue.
type Normalizer struct {
	Store        store.Store
	Images       *registry.Images
	Instances    *registry.Instances
	Describer    CloudDescriber
	EventQueue   queue.Queue
	InspectQueue queue.Queue
	Log          *slog.Logger
}

// HandleTrailLog ingests one parsed audit-log object: applies AMI tag
// deltas, resolves events to enrolled accounts, backfills missing fields,
// and emits per-instance batches. Events for unknown or disabled accounts
// are dropped.
func (n *Normalizer) HandleTrailLog(ctx context.Context, data []byte) error {
	events, tags, err := ParseTrailLog(data)
	if err != nil {
		return err
	}
	if err := n.Images.ApplyTagDeltas(ctx, tags); err != nil {
		return err
	}

	byInstance := make(map[string][]RawEvent)
	var order []string
	for _, ev := range events {
		if _, ok := byInstance[ev.InstanceID]; !ok {
			order = append(order, ev.InstanceID)
		}
		byInstance[ev.InstanceID] = append(byInstance[ev.InstanceID], ev)
	}

	for _, instanceID := range order {
		raw := byInstance[instanceID]
		account, err := n.Store.GetAccount(ctx, model.CloudAWS, raw[0].AccountID)
		if errors.Is(err, store.ErrNotFound) {
			n.Log.Warn("dropping events for unknown account",
				"cloud_account_id", raw[0].AccountID, "instance_id", instanceID)
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve account %s: %w", raw[0].AccountID, err)
		}
		if !account.Enabled {
			continue
		}
		if err := n.emit(ctx, account, instanceID, raw); err != nil {
			return err
		}
	}
	return nil
}

// HandleSnapshot ingests a periodic describe-all: one synthetic power
// event per VM at the observation instant, on if running, off otherwise.
// The reconciler absorbs the repeats.
func (n *Normalizer) HandleSnapshot(ctx context.Context, account model.Account, vms []DescribedInstance, now time.Time) error {
	for _, vm := range vms {
		typ := model.EventPowerOff
		if vm.Running {
			typ = model.EventPowerOn
		}
		raw := RawEvent{
			OccurredAt:   now,
			AccountID:    account.CloudAccountID,
			Region:       vm.Region,
			InstanceID:   vm.InstanceID,
			Type:         typ,
			InstanceType: vm.InstanceType,
			ImageID:      vm.ImageID,
			Subnet:       vm.SubnetID,
		}
		if err := n.emit(ctx, account, vm.InstanceID, []RawEvent{raw}); err != nil {
			return err
		}
	}
	return nil
}

// Discover runs the one-time snapshot for a newly enabled account: a
// synthetic power_on per running instance, plus creation of any
// referenced image not yet known.
func (n *Normalizer) Discover(ctx context.Context, account model.Account, byRegion map[string][]DescribedInstance, now time.Time) error {
	for region, instances := range byRegion {
		for _, vm := range instances {
			if !vm.Running {
				continue
			}
			vm.Region = region
			raw := RawEvent{
				OccurredAt:   now,
				AccountID:    account.CloudAccountID,
				Region:       region,
				InstanceID:   vm.InstanceID,
				Type:         model.EventPowerOn,
				InstanceType: vm.InstanceType,
				ImageID:      vm.ImageID,
				Subnet:       vm.SubnetID,
			}
			if err := n.emit(ctx, account, vm.InstanceID, []RawEvent{raw}); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit backfills one instance's raw events, maintains the registries, and
// sends the batch to the event queue.
func (n *Normalizer) emit(ctx context.Context, account model.Account, cloudInstanceID string, raw []RawEvent) error {
	region := raw[0].Region

	// Backfill image_ref and instance_type from the registry, then from a
	// single describe call for whatever is still unresolved. A terminated
	// instance may be unretrievable; the event then goes out with the field
	// empty.
	if inst, err := n.Store.GetInstance(ctx, account.CloudType, cloudInstanceID); err == nil {
		for i := range raw {
			if raw[i].ImageID == "" {
				raw[i].ImageID = inst.ImageID
			}
		}
	}
	missing := false
	for _, ev := range raw {
		if ev.Type == model.EventPowerOn && (ev.ImageID == "" || ev.InstanceType == "") {
			missing = true
		}
	}
	if missing && n.Describer != nil {
		described, err := n.Describer.DescribeInstance(ctx, account, region, cloudInstanceID)
		switch {
		case err == nil:
			for i := range raw {
				if raw[i].ImageID == "" {
					raw[i].ImageID = described.ImageID
				}
				if raw[i].InstanceType == "" {
					raw[i].InstanceType = described.InstanceType
				}
			}
		case errs.IsNotFound(err):
			n.Log.Debug("instance not describable, emitting partial event",
				"instance_id", cloudInstanceID)
		default:
			return fmt.Errorf("describe instance %s: %w", cloudInstanceID, err)
		}
	}

	imageID := ""
	for _, ev := range raw {
		if ev.ImageID != "" {
			imageID = ev.ImageID
			break
		}
	}
	inst, err := n.Instances.Upsert(ctx, account, cloudInstanceID, region, imageID)
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", cloudInstanceID, err)
	}
	if imageID != "" {
		if err := n.discoverImage(ctx, account, region, imageID); err != nil {
			return err
		}
	}

	batch := EventBatch{AccountID: account.ID, InstanceID: inst.ID}
	for _, ev := range raw {
		batch.Events = append(batch.Events, model.InstanceEvent{
			InstanceID:   inst.ID,
			AccountID:    account.ID,
			OccurredAt:   ev.OccurredAt,
			Type:         ev.Type,
			InstanceType: ev.InstanceType,
			Subnet:       ev.Subnet,
			ImageID:      ev.ImageID,
		})
	}
	key := account.ID + "/" + inst.ID
	return queue.SendJSON(ctx, n.EventQueue, key, batch)
}

// discoverImage describes a referenced image on first sight and registers
// it. Images that cannot be described become unavailable stubs.
func (n *Normalizer) discoverImage(ctx context.Context, account model.Account, region, imageID string) error {
	if _, err := n.Store.GetImage(ctx, account.CloudType, imageID); err == nil {
		return nil
	}

	img := model.MachineImage{
		CloudType:    account.CloudType,
		CloudImageID: imageID,
		Region:       region,
	}
	if n.Describer != nil {
		described, err := n.Describer.DescribeImage(ctx, account, region, imageID)
		switch {
		case err == nil:
			img.Name = described.Name
			img.OwnerCloudAccountID = described.OwnerAccountID
			img.Platform = described.Platform
			img.Encrypted = described.Encrypted
			img.RHELDetectedByTag = described.RHELTag
			img.OpenShiftDetected = described.OpenShiftTag
		case errs.IsNotFound(err) || errors.Is(err, errs.ErrPermissionDenied):
			_, stubErr := n.Images.Stub(ctx, account.CloudType, imageID)
			return stubErr
		default:
			return fmt.Errorf("describe image %s: %w", imageID, err)
		}
	}
	stored, wasNew, err := n.Images.Discovered(ctx, img)
	if err != nil {
		return err
	}
	if wasNew {
		work := InspectWork{CloudType: stored.CloudType, CloudImageID: stored.CloudImageID}
		if err := queue.SendJSON(ctx, n.InspectQueue, stored.CloudImageID, work); err != nil {
			return fmt.Errorf("enqueue inspection for %s: %w", stored.CloudImageID, err)
		}
	}
	return nil
}
