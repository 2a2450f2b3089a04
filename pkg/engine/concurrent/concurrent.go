// Package concurrent derives daily concurrent-usage maxima from runs.
package concurrent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// DateFormat is the calendar-day key used in ConcurrentUsage rows.
const DateFormat = "2006-01-02"

// Roller computes the per-user daily maxima of concurrent RHEL and
// OpenShift usage and upserts them. Recomputing a historical day is
// idempotent and supersedes the prior row.
type Roller struct {
	Store store.Store
	// DefaultTimeZone applies when no account of the user carries one.
	DefaultTimeZone string
	Log             *slog.Logger
	tracer          trace.Tracer
}

// NewRoller wires a roller over the given store.
func NewRoller(st store.Store, defaultTZ string, log *slog.Logger) *Roller {
	return &Roller{
		Store:           st,
		DefaultTimeZone: defaultTZ,
		Log:             log,
		tracer:          otel.Tracer("cloudmeter/concurrent"),
	}
}

// RollUp recomputes one (user, day) usage record. day is any instant
// within the target calendar day, interpreted in the user's effective
// timezone.
func (r *Roller) RollUp(ctx context.Context, user string, day time.Time) (model.ConcurrentUsage, error) {
	ctx, span := r.tracer.Start(ctx, "concurrent.RollUp",
		trace.WithAttributes(attribute.String("user", user)))
	defer span.End()

	loc, err := r.userLocation(ctx, user)
	if err != nil {
		return model.ConcurrentUsage{}, err
	}
	local := day.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	runs, err := r.Store.ListRunsOverlapping(ctx, user, dayStart, dayEnd)
	if err != nil {
		return model.ConcurrentUsage{}, fmt.Errorf("list runs for %s: %w", user, err)
	}

	usage := model.ConcurrentUsage{User: user, Date: dayStart.Format(DateFormat)}
	usage.RHEL, usage.OpenShift = r.maxima(ctx, runs, dayStart, dayEnd)

	if err := r.Store.UpsertConcurrentUsage(ctx, usage); err != nil {
		return model.ConcurrentUsage{}, fmt.Errorf("upsert usage for %s/%s: %w", user, usage.Date, err)
	}
	r.Log.Info("rolled up concurrent usage",
		"user", user, "date", usage.Date,
		"rhel_max_vcpu", usage.RHEL.MaxVCPU,
		"openshift_max_vcpu", usage.OpenShift.MaxVCPU)
	return usage, nil
}

// maxima evaluates the concurrent sums at every candidate instant in the
// day and keeps the maximum per product. Candidate instants are the day
// start plus every run start inside the day; usage only drops at run
// ends, so no other instant can carry a maximum. Ties resolve to the
// earlier instant by walking instants in ascending order.
func (r *Roller) maxima(ctx context.Context, runs []model.Run, dayStart, dayEnd time.Time) (rhel, openshift model.UsageMax) {
	type qualified struct {
		run       model.Run
		rhel      bool
		openshift bool
	}
	images := make(map[string]model.MachineImage)
	var qualifiedRuns []qualified
	for _, run := range runs {
		img, ok := r.imageFor(ctx, images, run)
		if !ok {
			continue
		}
		q := qualified{run: run, rhel: img.RHEL(), openshift: img.OpenShift()}
		if q.rhel || q.openshift {
			qualifiedRuns = append(qualifiedRuns, q)
		}
	}
	if len(qualifiedRuns) == 0 {
		return rhel, openshift
	}

	instants := []time.Time{dayStart}
	for _, q := range qualifiedRuns {
		if q.run.Start.After(dayStart) && q.run.Start.Before(dayEnd) {
			instants = append(instants, q.run.Start)
		}
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })

	for _, t := range instants {
		var atRHEL, atOpenShift model.UsageMax
		for _, q := range qualifiedRuns {
			if !q.run.Active(t) {
				continue
			}
			if q.rhel {
				accumulate(&atRHEL, q.run)
			}
			if q.openshift {
				accumulate(&atOpenShift, q.run)
			}
		}
		keepMax(&rhel, atRHEL)
		keepMax(&openshift, atOpenShift)
	}
	return rhel, openshift
}

// accumulate adds one active run to an instant's sums. Runs without a
// known instance type count toward instances but not capacity.
func accumulate(u *model.UsageMax, run model.Run) {
	u.MaxInstances++
	if run.InstanceType == "" {
		return
	}
	u.MaxVCPU += int64(run.VCPU)
	u.MaxMemoryMiB += run.MemoryMiB
}

func keepMax(max *model.UsageMax, at model.UsageMax) {
	if at.MaxVCPU > max.MaxVCPU {
		max.MaxVCPU = at.MaxVCPU
	}
	if at.MaxMemoryMiB > max.MaxMemoryMiB {
		max.MaxMemoryMiB = at.MaxMemoryMiB
	}
	if at.MaxInstances > max.MaxInstances {
		max.MaxInstances = at.MaxInstances
	}
}

// imageFor resolves and caches a run's image. Runs with no image binding
// or an unknown image cannot qualify for either product.
func (r *Roller) imageFor(ctx context.Context, cache map[string]model.MachineImage, run model.Run) (model.MachineImage, bool) {
	if run.ImageID == "" {
		return model.MachineImage{}, false
	}
	cloud := cloudOf(run.InstanceID)
	key := string(cloud) + ":" + run.ImageID
	if img, ok := cache[key]; ok {
		return img, true
	}
	img, err := r.Store.GetImage(ctx, cloud, run.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		r.Log.Warn("run references unknown image",
			"instance_id", run.InstanceID, "image_id", run.ImageID)
		return model.MachineImage{}, false
	}
	if err != nil {
		r.Log.Warn("image lookup failed during roll-up",
			"image_id", run.ImageID, "error", err)
		return model.MachineImage{}, false
	}
	cache[key] = img
	return img, true
}

// userLocation picks the user's effective timezone: the first account
// carrying an override, else the configured default, else UTC.
func (r *Roller) userLocation(ctx context.Context, user string) (*time.Location, error) {
	accounts, err := r.Store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	name := r.DefaultTimeZone
	for _, a := range accounts {
		if a.User == user && a.TimeZone != "" {
			name = a.TimeZone
			break
		}
	}
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		r.Log.Warn("invalid timezone, falling back to UTC", "timezone", name, "user", user)
		return time.UTC, nil
	}
	return loc, nil
}

// cloudOf recovers the cloud type from a composite instance key.
func cloudOf(instanceID string) model.CloudType {
	if i := strings.IndexByte(instanceID, ':'); i > 0 {
		return model.CloudType(instanceID[:i])
	}
	return model.CloudAWS
}
