package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// Reconciler applies event batches to stored run state. All mutation of a
// given instance's events and runs happens under the store's per-instance
// lock, so two workers can never race on the same history.
type Reconciler struct {
	Store  store.Store
	Types  TypeResolver
	Log    *slog.Logger
	tracer trace.Tracer
}

// TypeResolver supplies vcpu/memory capacity for an instance type.
type TypeResolver interface {
	Lookup(cloud model.CloudType, instanceType string) (model.InstanceTypeDefinition, bool)
}

// NewReconciler wires a reconciler over the given store.
func NewReconciler(st store.Store, types TypeResolver, log *slog.Logger) *Reconciler {
	return &Reconciler{
		Store:  st,
		Types:  types,
		Log:    log,
		tracer: otel.Tracer("cloudmeter/runs"),
	}
}

// Process ingests a batch of new or changed events for one instance and
// brings the stored run set back into consistency with the instance's full
// event history. The batch must all belong to a single instance (the work
// queue key is (account, instance), so this holds by construction).
func (r *Reconciler) Process(ctx context.Context, batch []model.InstanceEvent) error {
	if len(batch) == 0 {
		return nil
	}
	instanceID := batch[0].InstanceID
	ctx, span := r.tracer.Start(ctx, "runs.Process",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	unlock, err := r.Store.LockInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	defer unlock()

	account, err := r.Store.GetAccountByID(ctx, batch[0].AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", batch[0].AccountID, err)
	}

	// Delayed audit records predating the account's enrollment must not
	// influence runs.
	kept := batch[:0:0]
	for _, ev := range batch {
		if ev.OccurredAt.Before(account.CreatedAt) {
			r.Log.Debug("discarding pre-enrollment event",
				"instance_id", instanceID, "occurred_at", ev.OccurredAt)
			continue
		}
		kept = append(kept, ev)
	}
	if len(kept) == 0 {
		return nil
	}
	if err := r.Store.AppendEvents(ctx, kept); err != nil {
		return fmt.Errorf("append events: %w", err)
	}

	existing, err := r.Store.ListRuns(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	earliest := kept[0].OccurredAt
	for _, ev := range kept[1:] {
		if ev.OccurredAt.Before(earliest) {
			earliest = ev.OccurredAt
		}
	}

	if done, err := r.fastPath(ctx, account, instanceID, kept, existing, earliest); done || err != nil {
		return err
	}
	return r.recompute(ctx, account, instanceID, existing, earliest)
}

// Recalculate rebuilds the instance's runs from since using only the
// stored event history. Operator tooling uses this after backfills or
// classification changes.
func (r *Reconciler) Recalculate(ctx context.Context, account model.Account, instanceID string, since time.Time) error {
	ctx, span := r.tracer.Start(ctx, "runs.Recalculate",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	unlock, err := r.Store.LockInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("lock instance %s: %w", instanceID, err)
	}
	defer unlock()

	existing, err := r.Store.ListRuns(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	return r.recompute(ctx, account, instanceID, existing, since)
}

// fastPath handles the append-only case: every batch event is a power_on
// occurring strictly after every existing run's start. If an open run
// exists the batch is absorbed (duplicate start, earliest wins); otherwise
// a single new open run is inserted. No full recompute happens.
func (r *Reconciler) fastPath(ctx context.Context, account model.Account, instanceID string, batch []model.InstanceEvent, existing []model.Run, earliest time.Time) (bool, error) {
	for _, ev := range batch {
		if ev.Type != model.EventPowerOn {
			return false, nil
		}
	}
	for _, run := range existing {
		// A batch event at or inside an existing run means earlier state
		// can change; only the full recompute handles that.
		if !run.Start.Before(earliest) || (run.End != nil && run.End.After(earliest)) {
			return false, nil
		}
		if run.End == nil {
			// Duplicate start of the already-open run.
			return true, nil
		}
	}
	run := model.Run{InstanceID: instanceID, Start: earliest}
	for _, ev := range batch {
		if ev.OccurredAt.Equal(earliest) && ev.ImageID != "" {
			run.ImageID = ev.ImageID
			break
		}
	}
	run.InstanceType = firstType(batch)
	r.enrich(ctx, account, []model.Run{run})
	if err := r.Store.ReplaceRunsFrom(ctx, instanceID, earliest, []model.Run{run}); err != nil {
		return true, fmt.Errorf("insert open run: %w", err)
	}
	return true, nil
}

// recompute reloads the affected window and rebuilds runs from scratch.
func (r *Reconciler) recompute(ctx context.Context, account model.Account, instanceID string, existing []model.Run, earliest time.Time) error {
	// The watermark reaches back to the start of any run that spans the
	// earliest batch event; runs entirely before it never change.
	watermark := earliest
	for _, run := range existing {
		if run.Start.Before(watermark) && (run.End == nil || run.End.After(earliest)) {
			watermark = run.Start
		}
	}

	window, err := r.Store.ListEventsSince(ctx, instanceID, watermark)
	if err != nil {
		return fmt.Errorf("load event window: %w", err)
	}
	// The anchor event just before the watermark classifies the first
	// event in the window (e.g. a power_on that is a duplicate start).
	anchor, err := r.Store.LatestEventBefore(ctx, instanceID, watermark)
	switch {
	case err == nil:
		window = append([]model.InstanceEvent{anchor}, window...)
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load anchor event: %w", err)
	}

	computed, err := Reconcile(window, account.CreatedAt)
	if err != nil {
		// Run invariant violations abort with stored runs unchanged.
		return err
	}
	for _, run := range computed {
		if run.Start.Before(watermark) {
			watermark = run.Start
		}
	}
	r.enrich(ctx, account, computed)
	if err := r.Store.ReplaceRunsFrom(ctx, instanceID, watermark, computed); err != nil {
		return fmt.Errorf("replace runs: %w", err)
	}
	return nil
}

// enrich fills image bindings and capacity onto freshly computed runs.
func (r *Reconciler) enrich(ctx context.Context, account model.Account, computed []model.Run) {
	for i := range computed {
		run := &computed[i]
		if run.ImageID == "" {
			inst, err := r.Store.GetInstance(ctx, account.CloudType, cloudInstanceID(account, run.InstanceID))
			if err == nil {
				run.ImageID = inst.ImageID
			}
		}
		if run.InstanceType == "" {
			r.Log.Warn("run has no known instance type; excluded from capacity sums",
				"instance_id", run.InstanceID, "start", run.Start)
			continue
		}
		if r.Types != nil {
			if def, ok := r.Types.Lookup(account.CloudType, run.InstanceType); ok {
				run.VCPU = def.VCPU
				run.MemoryMiB = def.MemoryMiB
			}
		}
	}
}

func firstType(batch []model.InstanceEvent) string {
	for _, ev := range batch {
		if ev.InstanceType != "" {
			return ev.InstanceType
		}
	}
	return ""
}

// cloudInstanceID recovers the cloud-native id from the composite
// instance key.
func cloudInstanceID(account model.Account, instanceID string) string {
	prefix := string(account.CloudType) + ":"
	if len(instanceID) > len(prefix) && instanceID[:len(prefix)] == prefix {
		return instanceID[len(prefix):]
	}
	return instanceID
}
