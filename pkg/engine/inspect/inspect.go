// Package inspect drives the machine-image inspection state machine.
// Images move pending -> preparing -> inspecting -> inspected; any step
// may short-circuit to a terminal status, and terminal statuses are never
// rewritten.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// ErrNotReady signals that an image is too young to inspect yet. The
// consumer leaves the message unacked so it redelivers after the
// visibility timeout.
var ErrNotReady = errors.New("image not ready for inspection")

// Launcher performs the cloud-side inspection work: copying the image's
// snapshot into the inspection account and starting the scan host. The
// verdict comes back asynchronously through the verdict queue.
type Launcher interface {
	Prepare(ctx context.Context, img model.MachineImage) error
	Start(ctx context.Context, img model.MachineImage) error
}

// Orchestrator owns status transitions for image inspection. All writes
// go through the store's conditional status update, so concurrent workers
// racing on the same image resolve to exactly one winner.
type Orchestrator struct {
	Store    store.Store
	Launcher Launcher
	// MaxAttempts caps inspection retries per image; exceeding it forces
	// the error status.
	MaxAttempts int
	// MinAge is how long a discovered image must exist before inspection
	// starts. Fresh images often reference snapshots still being created.
	MinAge time.Duration
	Log    *slog.Logger
	now    func() time.Time
	tracer trace.Tracer
}

// NewOrchestrator wires an orchestrator over the given store and launcher.
func NewOrchestrator(st store.Store, launcher Launcher, maxAttempts int, minAge time.Duration, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Store:       st,
		Launcher:    launcher,
		MaxAttempts: maxAttempts,
		MinAge:      minAge,
		Log:         log,
		now:         time.Now,
		tracer:      otel.Tracer("cloudmeter/inspect"),
	}
}

// SetClock overrides the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Process advances one image through the state machine as far as it can
// go without waiting on the external scan. Reprocessing a terminal image
// is a no-op, so redelivered work items are harmless.
func (o *Orchestrator) Process(ctx context.Context, cloud model.CloudType, cloudImageID string) error {
	ctx, span := o.tracer.Start(ctx, "inspect.Process",
		trace.WithAttributes(
			attribute.String("cloud", string(cloud)),
			attribute.String("image_id", cloudImageID)))
	defer span.End()

	img, err := o.Store.GetImage(ctx, cloud, cloudImageID)
	if err != nil {
		return fmt.Errorf("load image %s: %w", cloudImageID, err)
	}
	if img.Status.Terminal() {
		return nil
	}

	// Pre-classified images need no scan: marketplace and cloud-access
	// billing is handled upstream, a RHEL tag already decides the verdict,
	// and windows images cannot carry RHEL content.
	if img.Marketplace || img.CloudAccess || img.RHELDetectedByTag || img.Platform == model.PlatformWindows {
		return o.finish(ctx, img, model.StatusInspected, "pre-classified")
	}
	if img.Encrypted {
		o.Log.Info("image snapshot is encrypted, skipping inspection",
			"cloud", cloud, "image_id", cloudImageID)
		return o.finish(ctx, img, model.StatusError, "encrypted")
	}
	if o.MaxAttempts > 0 && img.Attempts >= o.MaxAttempts {
		o.Log.Warn("inspection attempts exhausted",
			"cloud", cloud, "image_id", cloudImageID, "attempts", img.Attempts)
		return o.finish(ctx, img, model.StatusError, "attempts exhausted")
	}
	if img.Status == model.StatusPending && o.now().Sub(img.DiscoveredAt) < o.MinAge {
		return fmt.Errorf("%w: %s discovered %s ago", ErrNotReady,
			cloudImageID, o.now().Sub(img.DiscoveredAt).Round(time.Second))
	}

	switch img.Status {
	case model.StatusPending:
		return o.prepare(ctx, img)
	case model.StatusPreparing:
		return o.start(ctx, img)
	case model.StatusInspecting:
		// Waiting on the verdict queue; nothing to drive.
		return nil
	default:
		return fmt.Errorf("image %s in unexpected status %q", cloudImageID, img.Status)
	}
}

func (o *Orchestrator) prepare(ctx context.Context, img model.MachineImage) error {
	img.Attempts++
	if err := o.Store.UpdateImage(ctx, img); err != nil {
		return fmt.Errorf("record attempt for %s: %w", img.CloudImageID, err)
	}
	err := o.Store.UpdateImageStatus(ctx, img.CloudType, img.CloudImageID,
		model.StatusPending, model.StatusPreparing)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %s to preparing: %w", img.CloudImageID, err)
	}
	img.Status = model.StatusPreparing

	if err := o.Launcher.Prepare(ctx, img); err != nil {
		return o.launchFailed(ctx, img, err)
	}
	return o.start(ctx, img)
}

func (o *Orchestrator) start(ctx context.Context, img model.MachineImage) error {
	err := o.Store.UpdateImageStatus(ctx, img.CloudType, img.CloudImageID,
		model.StatusPreparing, model.StatusInspecting)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %s to inspecting: %w", img.CloudImageID, err)
	}
	img.Status = model.StatusInspecting

	if err := o.Launcher.Start(ctx, img); err != nil {
		return o.launchFailed(ctx, img, err)
	}
	o.Log.Info("inspection started",
		"cloud", img.CloudType, "image_id", img.CloudImageID, "attempt", img.Attempts)
	return nil
}

// launchFailed sorts a launcher error. Missing snapshot, denied copy, and
// encrypted volume are unrecoverable for this image and land it in the
// error status. Anything else re-opens the image to pending, so the
// redelivered work item retries from the top until the attempt cap trips.
func (o *Orchestrator) launchFailed(ctx context.Context, img model.MachineImage, err error) error {
	o.Log.Warn("inspection failed",
		"cloud", img.CloudType, "image_id", img.CloudImageID,
		"attempt", img.Attempts, "error", err)
	unrecoverable := errors.Is(err, errs.ErrInspectionEncrypted) ||
		errors.Is(err, errs.ErrPermissionDenied) ||
		errs.IsNotFound(err)
	if unrecoverable || (o.MaxAttempts > 0 && img.Attempts >= o.MaxAttempts) {
		return o.finish(ctx, img, model.StatusError, err.Error())
	}
	if serr := o.Store.UpdateImageStatus(ctx, img.CloudType, img.CloudImageID,
		img.Status, model.StatusPending); serr != nil && !errors.Is(serr, store.ErrConditionFailed) {
		return fmt.Errorf("reopen %s: %w", img.CloudImageID, serr)
	}
	return fmt.Errorf("inspect %s: %w", img.CloudImageID, err)
}

// finish moves an image into a terminal status. Losing the conditional
// update means another worker already decided; that is not an error.
func (o *Orchestrator) finish(ctx context.Context, img model.MachineImage, target model.ImageStatus, reason string) error {
	err := o.Store.UpdateImageStatus(ctx, img.CloudType, img.CloudImageID, img.Status, target)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finish %s as %s: %w", img.CloudImageID, target, err)
	}
	o.Log.Info("inspection finished",
		"cloud", img.CloudType, "image_id", img.CloudImageID,
		"status", target, "reason", reason)
	return nil
}

// Verdict is the payload posted by the external scan worker, one findings
// object per scanned image.
type Verdict struct {
	Cloud  model.CloudType            `json:"cloud"`
	Images map[string]json.RawMessage `json:"images"`
}

// HandleVerdict ingests one verdict payload: the findings JSON is stored
// verbatim on each image and the image moves to inspected. Images already
// in a terminal status keep their result.
func (o *Orchestrator) HandleVerdict(ctx context.Context, data []byte) error {
	var v Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCorruptPayload, err)
	}
	ctx, span := o.tracer.Start(ctx, "inspect.HandleVerdict",
		trace.WithAttributes(
			attribute.String("cloud", string(v.Cloud)),
			attribute.Int("images", len(v.Images))))
	defer span.End()

	for cloudImageID, findings := range v.Images {
		img, err := o.Store.GetImage(ctx, v.Cloud, cloudImageID)
		if errors.Is(err, store.ErrNotFound) {
			o.Log.Warn("verdict for unknown image", "cloud", v.Cloud, "image_id", cloudImageID)
			continue
		}
		if err != nil {
			return fmt.Errorf("load image %s: %w", cloudImageID, err)
		}
		if img.Status.Terminal() {
			o.Log.Debug("verdict for terminal image ignored",
				"cloud", v.Cloud, "image_id", cloudImageID, "status", img.Status)
			continue
		}
		img.InspectionJSON = string(findings)
		if err := o.Store.UpdateImage(ctx, img); err != nil {
			return fmt.Errorf("store findings for %s: %w", cloudImageID, err)
		}
		err = o.Store.UpdateImageStatus(ctx, v.Cloud, cloudImageID,
			img.Status, model.StatusInspected)
		if errors.Is(err, store.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("transition %s to inspected: %w", cloudImageID, err)
		}
		o.Log.Info("verdict ingested", "cloud", v.Cloud, "image_id", cloudImageID,
			"rhel_detected", img.RHELDetected())
	}
	return nil
}
