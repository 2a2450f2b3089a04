package runs

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
)

// at builds a timestamp for "day d hour h" in UTC.
func at(d, h int) time.Time {
	return time.Date(2024, time.March, d, h, 0, 0, 0, time.UTC)
}

func ev(seq int64, t time.Time, typ model.EventType) model.InstanceEvent {
	return model.InstanceEvent{InstanceID: "aws:i-1", OccurredAt: t, Seq: seq, Type: typ}
}

func evType(seq int64, t time.Time, typ model.EventType, instanceType string) model.InstanceEvent {
	e := ev(seq, t, typ)
	e.InstanceType = instanceType
	return e
}

func evImage(seq int64, t time.Time, typ model.EventType, image string) model.InstanceEvent {
	e := ev(seq, t, typ)
	e.ImageID = image
	return e
}

func TestReconcilePairedEvents(t *testing.T) {
	got, err := Reconcile([]model.InstanceEvent{
		ev(1, at(2, 0), model.EventPowerOn),
		ev(2, at(3, 0), model.EventPowerOff),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	if !got[0].Start.Equal(at(2, 0)) || got[0].End == nil || !got[0].End.Equal(at(3, 0)) {
		t.Errorf("expected run [2.0, 3.0), got [%v, %v)", got[0].Start, got[0].End)
	}
}

func TestReconcileDuplicateStart(t *testing.T) {
	got, err := Reconcile([]model.InstanceEvent{
		ev(1, at(2, 0), model.EventPowerOn),
		ev(2, at(5, 0), model.EventPowerOn),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	if !got[0].Start.Equal(at(2, 0)) {
		t.Errorf("duplicate start must keep the earliest start, got %v", got[0].Start)
	}
	if got[0].End != nil {
		t.Errorf("expected open run, got end %v", got[0].End)
	}
}

func TestReconcileOutOfOrderArrival(t *testing.T) {
	// Ingest order differs from occurrence order; the result depends only
	// on occurred_at.
	got, err := Reconcile([]model.InstanceEvent{
		ev(1, at(2, 0), model.EventPowerOn),
		ev(2, at(7, 0), model.EventPowerOff),
		ev(3, at(5, 0), model.EventPowerOn),
		ev(4, at(3, 0), model.EventPowerOff),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d: %+v", len(got), got)
	}
	if !got[0].Start.Equal(at(2, 0)) || !got[0].End.Equal(at(3, 0)) {
		t.Errorf("first run: expected [2.0, 3.0), got [%v, %v)", got[0].Start, got[0].End)
	}
	if !got[1].Start.Equal(at(5, 0)) || !got[1].End.Equal(at(7, 0)) {
		t.Errorf("second run: expected [5.0, 7.0), got [%v, %v)", got[1].Start, got[1].End)
	}
}

func TestReconcileTypeInheritance(t *testing.T) {
	got, err := Reconcile([]model.InstanceEvent{
		evType(1, at(2, 0), model.EventPowerOn, "t2.micro"),
		ev(2, at(3, 0), model.EventPowerOff),
		ev(3, at(5, 0), model.EventPowerOn),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(got))
	}
	if got[0].InstanceType != "t2.micro" {
		t.Errorf("first run type: expected t2.micro, got %q", got[0].InstanceType)
	}
	// The open run inherits from the most recent typed event before its
	// start.
	if got[1].InstanceType != "t2.micro" {
		t.Errorf("second run type: expected inherited t2.micro, got %q", got[1].InstanceType)
	}
}

func TestReconcileForwardTypeInheritance(t *testing.T) {
	// No typed event at or before the run start: inherit from the next
	// typed event after it.
	got, err := Reconcile([]model.InstanceEvent{
		ev(1, at(2, 0), model.EventPowerOn),
		evType(2, at(4, 0), model.EventAttributeChange, "m5.large"),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one run")
	}
	if got[0].InstanceType != "m5.large" {
		t.Errorf("expected forward-inherited m5.large, got %q", got[0].InstanceType)
	}
}

func TestReconcileImageChangeMidRun(t *testing.T) {
	_, err := Reconcile([]model.InstanceEvent{
		evImage(1, at(1, 0), model.EventPowerOn, "ami-a"),
		evImage(2, at(2, 0), model.EventPowerOn, "ami-b"),
		ev(3, at(3, 0), model.EventPowerOff),
	}, time.Time{})
	var riv *errs.RunInvariantError
	if !errors.As(err, &riv) {
		t.Fatalf("expected RunInvariantError, got %v", err)
	}
}

func TestReconcileUnmatchedPowerOff(t *testing.T) {
	got, err := Reconcile([]model.InstanceEvent{
		ev(1, at(3, 0), model.EventPowerOff),
		ev(2, at(5, 0), model.EventPowerOn),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 run, got %d", len(got))
	}
	if !got[0].Start.Equal(at(5, 0)) || got[0].End != nil {
		t.Errorf("expected open run from 5.0, got %+v", got[0])
	}
}

func TestReconcileAttributeChangeSplitsRun(t *testing.T) {
	got, err := Reconcile([]model.InstanceEvent{
		evType(1, at(1, 0), model.EventPowerOn, "t2.micro"),
		evType(2, at(4, 0), model.EventAttributeChange, "m5.large"),
		ev(3, at(8, 0), model.EventPowerOff),
	}, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected split into 2 runs, got %d: %+v", len(got), got)
	}
	if !got[0].End.Equal(at(4, 0)) || !got[1].Start.Equal(at(4, 0)) {
		t.Errorf("runs must share the change instant: %+v", got)
	}
	if got[0].InstanceType != "t2.micro" || got[1].InstanceType != "m5.large" {
		t.Errorf("types: got %q then %q", got[0].InstanceType, got[1].InstanceType)
	}
}

func TestReconcilePreAccountCutoff(t *testing.T) {
	got, err := Reconcile([]model.InstanceEvent{
		ev(1, at(1, 0), model.EventPowerOn),
		ev(2, at(2, 0), model.EventPowerOff),
		ev(3, at(5, 0), model.EventPowerOn),
	}, at(3, 0))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the post-enrollment run, got %d", len(got))
	}
	if !got[0].Start.Equal(at(5, 0)) {
		t.Errorf("expected run from 5.0, got %v", got[0].Start)
	}
}

func TestReconcileInvariants(t *testing.T) {
	// A messy but legal history: dup starts, unmatched stops, attribute
	// noise.
	history := []model.InstanceEvent{
		ev(1, at(1, 0), model.EventPowerOff),
		ev(2, at(2, 0), model.EventPowerOn),
		evType(3, at(2, 6), model.EventAttributeChange, "t3.medium"),
		ev(4, at(3, 0), model.EventPowerOn),
		ev(5, at(4, 0), model.EventPowerOff),
		ev(6, at(4, 0), model.EventPowerOff),
		ev(7, at(6, 0), model.EventPowerOn),
	}
	first, err := Reconcile(history, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	assertRunInvariants(t, first)

	// Idempotence: the same history always yields the same runs.
	second, err := Reconcile(history, time.Time{})
	if err != nil {
		t.Fatalf("Reconcile failed on rerun: %v", err)
	}
	assertSameRuns(t, first, second)

	// Order-independence: any ingest permutation with stable occurred_at
	// ordering yields the same runs.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.InstanceEvent(nil), history...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got, err := Reconcile(shuffled, time.Time{})
		if err != nil {
			t.Fatalf("Reconcile failed on permutation %d: %v", i, err)
		}
		assertSameRuns(t, first, got)
	}
}

func assertRunInvariants(t *testing.T, got []model.Run) {
	t.Helper()
	open := 0
	for i, r := range got {
		if r.End != nil && !r.End.After(r.Start) {
			t.Errorf("run %d: end %v not after start %v", i, r.End, r.Start)
		}
		if r.End == nil {
			open++
			if i != len(got)-1 {
				t.Errorf("open run %d is not chronologically last", i)
			}
		}
		if i > 0 {
			prev := got[i-1]
			if prev.End == nil || r.Start.Before(*prev.End) {
				t.Errorf("runs %d and %d overlap", i-1, i)
			}
		}
	}
	if open > 1 {
		t.Errorf("more than one open run: %d", open)
	}
}

func assertSameRuns(t *testing.T, want, got []model.Run) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("run count mismatch: want %d, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if !w.Start.Equal(g.Start) || (w.End == nil) != (g.End == nil) ||
			(w.End != nil && !w.End.Equal(*g.End)) || w.InstanceType != g.InstanceType {
			t.Errorf("run %d differs: want %+v, got %+v", i, w, g)
		}
	}
}
