// Package registry deduplicates machine images and instances across the
// ingest paths and owns the image classification rules.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// Images tracks machine images and their inspection lifecycle flags.
type Images struct {
	Store      store.Store
	Classifier model.ImageClassifier
	// TagKeys is the recognized tag key set for tag-based detection.
	// Currently the single OpenShift tag.
	TagKeys map[string]bool
	Log     *slog.Logger
}

// OpenShiftTagKey is the tag whose presence marks an image as OpenShift.
const OpenShiftTagKey = "openshift"

// NewImages builds an image registry with the given classifier.
func NewImages(st store.Store, classifier model.ImageClassifier, log *slog.Logger) *Images {
	return &Images{
		Store:      st,
		Classifier: classifier,
		TagKeys:    map[string]bool{OpenShiftTagKey: true},
		Log:        log,
	}
}

// Discovered upserts a newly observed image, classifying it on the way in.
// Existing rows keep their attributes; wasNew drives whether inspection is
// enqueued.
func (r *Images) Discovered(ctx context.Context, img model.MachineImage) (model.MachineImage, bool, error) {
	img.Marketplace, img.CloudAccess = r.Classifier.Classify(img.Name, img.OwnerCloudAccountID)
	if img.Status == "" {
		img.Status = model.StatusPending
	}
	if img.DiscoveredAt.IsZero() {
		img.DiscoveredAt = time.Now().UTC()
	}
	stored, wasNew, err := r.Store.UpsertImage(ctx, img)
	if err != nil {
		return model.MachineImage{}, false, fmt.Errorf("upsert image %s: %w", img.CloudImageID, err)
	}
	if wasNew {
		r.Log.Info("discovered new machine image",
			"cloud", img.CloudType, "image_id", img.CloudImageID,
			"marketplace", img.Marketplace, "cloud_access", img.CloudAccess)
	}
	return stored, wasNew, nil
}

// Stub records an image that was referenced but cannot be described
// (revoked permission, deregistered image), so downstream joins do not
// break. The stub lands directly in the unavailable terminal status.
func (r *Images) Stub(ctx context.Context, cloud model.CloudType, cloudImageID string) (model.MachineImage, error) {
	img := model.MachineImage{
		CloudType:    cloud,
		CloudImageID: cloudImageID,
		Status:       model.StatusUnavailable,
		DiscoveredAt: time.Now().UTC(),
	}
	stored, wasNew, err := r.Store.UpsertImage(ctx, img)
	if err != nil {
		return model.MachineImage{}, fmt.Errorf("stub image %s: %w", cloudImageID, err)
	}
	if wasNew {
		r.Log.Warn("created unavailable image stub", "cloud", cloud, "image_id", cloudImageID)
	}
	return stored, nil
}

// TagDelta is one tag create/delete observation for an image.
type TagDelta struct {
	CloudType    model.CloudType
	CloudImageID string
	Key          string
	Present      bool
	OccurredAt   time.Time
}

// ApplyTagDeltas folds tag events into image flags. Only the
// chronologically latest event per (image, tag) counts; stale deliveries
// are ignored via the per-image applied watermark.
func (r *Images) ApplyTagDeltas(ctx context.Context, deltas []TagDelta) error {
	latest := make(map[string]TagDelta)
	for _, d := range deltas {
		if !r.TagKeys[d.Key] {
			continue
		}
		k := string(d.CloudType) + ":" + d.CloudImageID + ":" + d.Key
		if have, ok := latest[k]; !ok || d.OccurredAt.After(have.OccurredAt) {
			latest[k] = d
		}
	}
	for _, d := range latest {
		img, err := r.Store.GetImage(ctx, d.CloudType, d.CloudImageID)
		if err != nil {
			// Tag event for an image we have never described.
			img, err = r.Stub(ctx, d.CloudType, d.CloudImageID)
			if err != nil {
				return err
			}
		}
		if img.OpenShiftTagAt != nil && !d.OccurredAt.After(*img.OpenShiftTagAt) {
			continue
		}
		applied := d.OccurredAt
		img.OpenShiftTagAt = &applied
		img.OpenShiftDetected = d.Present
		if err := r.Store.UpdateImage(ctx, img); err != nil {
			return fmt.Errorf("apply tag delta to %s: %w", d.CloudImageID, err)
		}
	}
	return nil
}

// Challenge flips a user dispute flag on an image.
func (r *Images) Challenge(ctx context.Context, cloud model.CloudType, cloudImageID string, rhel, openshift bool) error {
	img, err := r.Store.GetImage(ctx, cloud, cloudImageID)
	if err != nil {
		return err
	}
	img.RHELChallenged = rhel
	img.OpenShiftChallenged = openshift
	return r.Store.UpdateImage(ctx, img)
}

// Instances binds instances to accounts and images.
type Instances struct {
	Store store.Store
}

// Upsert records an instance observation. An empty existing image binding
// is filled from imageID; a bound image is never overwritten here, since
// later events may carry stale data. Only explicit re-discovery rebinds.
func (r *Instances) Upsert(ctx context.Context, account model.Account, cloudInstanceID, region, imageID string) (model.Instance, error) {
	return r.Store.UpsertInstance(ctx, model.Instance{
		AccountID:       account.ID,
		CloudType:       account.CloudType,
		CloudInstanceID: cloudInstanceID,
		Region:          region,
		ImageID:         imageID,
	})
}
