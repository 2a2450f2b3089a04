// Package runs derives power-on run intervals from instance event history.
//
// Reconcile is a pure function of the event set: re-running it on the same
// history yields the same runs, and ingest order never matters as long as
// occurred_at ordering is stable. The persistence adapter in this package
// wraps it with the watermark load / delete / insert cycle under the
// per-instance lock.
package runs

import (
	"sort"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
)

// Reconcile computes the run set consistent with the given event history.
//
// Events earlier than cutoff (the owning account's creation time) are
// discarded: delayed audit records from prior enrollments must not
// influence runs. The returned runs are pairwise disjoint and ordered; at
// most one is open and it is last. An event that would change the bound
// image inside an open run aborts with RunInvariantError.
func Reconcile(events []model.InstanceEvent, cutoff time.Time) ([]model.Run, error) {
	seq := make([]model.InstanceEvent, 0, len(events))
	for _, ev := range events {
		if !cutoff.IsZero() && ev.OccurredAt.Before(cutoff) {
			continue
		}
		seq = append(seq, ev)
	}
	sort.SliceStable(seq, func(i, j int) bool {
		if !seq[i].OccurredAt.Equal(seq[j].OccurredAt) {
			return seq[i].OccurredAt.Before(seq[j].OccurredAt)
		}
		return seq[i].Seq < seq[j].Seq
	})

	var (
		out      []model.Run
		open     bool
		start    time.Time
		image    string
		instance string
	)
	for _, ev := range seq {
		if ev.InstanceID != "" {
			instance = ev.InstanceID
		}
		if open && ev.ImageID != "" {
			if image == "" {
				image = ev.ImageID
			} else if ev.ImageID != image {
				return nil, &errs.RunInvariantError{
					InstanceID: instance,
					Reason:     "image changed mid-run from " + image + " to " + ev.ImageID,
				}
			}
		}

		switch ev.Type {
		case model.EventPowerOn:
			if !open {
				open = true
				start = ev.OccurredAt
				image = ev.ImageID
			}
			// A power_on while already open is a duplicate start: the
			// earliest of the contiguous chain wins, which is the start we
			// already hold.

		case model.EventPowerOff:
			if !open {
				// No preceding unmatched power_on. The event stays in
				// history; a later-arriving power_on may yet match it.
				continue
			}
			if ev.OccurredAt.After(start) {
				end := ev.OccurredAt
				out = append(out, model.Run{InstanceID: instance, Start: start, End: &end, ImageID: image})
			}
			open = false
			image = ""

		case model.EventAttributeChange:
			if !open || ev.InstanceType == "" {
				continue
			}
			// A type change partitions the run at the change instant; each
			// side carries the type effective during it.
			if ev.InstanceType != typeAt(seq, start) && ev.OccurredAt.After(start) {
				end := ev.OccurredAt
				out = append(out, model.Run{InstanceID: instance, Start: start, End: &end, ImageID: image})
				start = ev.OccurredAt
			}
		}
	}
	if open {
		out = append(out, model.Run{InstanceID: instance, Start: start, ImageID: image})
	}

	for i := range out {
		out[i].InstanceType = typeAt(seq, out[i].Start)
	}
	return out, nil
}

// typeAt resolves the instance type effective at t: the most recent typed
// event at or before t, falling back to the next typed event after it.
// Empty means no event in the history ever carried a type.
func typeAt(seq []model.InstanceEvent, t time.Time) string {
	found := ""
	for _, ev := range seq {
		if ev.InstanceType == "" {
			continue
		}
		if !ev.OccurredAt.After(t) {
			found = ev.InstanceType
			continue
		}
		if found == "" {
			// First typed event after t: inherit forward.
			found = ev.InstanceType
		}
		break
	}
	return found
}
