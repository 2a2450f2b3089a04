package inspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

type fakeLauncher struct {
	prepared   []string
	started    []string
	prepareErr error
	startErr   error
}

func (f *fakeLauncher) Prepare(_ context.Context, img model.MachineImage) error {
	f.prepared = append(f.prepared, img.CloudImageID)
	return f.prepareErr
}

func (f *fakeLauncher) Start(_ context.Context, img model.MachineImage) error {
	f.started = append(f.started, img.CloudImageID)
	return f.startErr
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Memory, *fakeLauncher) {
	t.Helper()
	st := store.NewMemory()
	launcher := &fakeLauncher{}
	o := NewOrchestrator(st, launcher, 3, time.Hour, slog.Default())
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	o.SetClock(func() time.Time { return base })
	return o, st, launcher
}

func seedImage(t *testing.T, st *store.Memory, img model.MachineImage) model.MachineImage {
	t.Helper()
	if img.Status == "" {
		img.Status = model.StatusPending
	}
	if img.CloudType == "" {
		img.CloudType = model.CloudAWS
	}
	if img.DiscoveredAt.IsZero() {
		// Old enough to clear the minimum-age gate.
		img.DiscoveredAt = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	}
	stored, _, err := st.UpsertImage(context.Background(), img)
	if err != nil {
		t.Fatalf("seed image: %v", err)
	}
	return stored
}

func imageStatus(t *testing.T, st *store.Memory, id string) model.ImageStatus {
	t.Helper()
	img, err := st.GetImage(context.Background(), model.CloudAWS, id)
	if err != nil {
		t.Fatalf("get image %s: %v", id, err)
	}
	return img.Status
}

func TestProcessDrivesPendingToInspecting(t *testing.T) {
	ctx := context.Background()
	o, st, launcher := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{CloudImageID: "ami-1"})

	if err := o.Process(ctx, model.CloudAWS, "ami-1"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := imageStatus(t, st, "ami-1"); got != model.StatusInspecting {
		t.Errorf("status: got %q, want inspecting", got)
	}
	if len(launcher.prepared) != 1 || len(launcher.started) != 1 {
		t.Errorf("launcher calls: prepared=%v started=%v", launcher.prepared, launcher.started)
	}
	img, _ := st.GetImage(ctx, model.CloudAWS, "ami-1")
	if img.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", img.Attempts)
	}
}

func TestProcessShortCircuits(t *testing.T) {
	cases := []struct {
		name string
		img  model.MachineImage
		want model.ImageStatus
	}{
		{"marketplace", model.MachineImage{CloudImageID: "ami-m", Marketplace: true}, model.StatusInspected},
		{"cloud access", model.MachineImage{CloudImageID: "ami-c", CloudAccess: true}, model.StatusInspected},
		{"rhel tag", model.MachineImage{CloudImageID: "ami-t", RHELDetectedByTag: true}, model.StatusInspected},
		{"windows", model.MachineImage{CloudImageID: "ami-w", Platform: model.PlatformWindows}, model.StatusInspected},
		{"encrypted", model.MachineImage{CloudImageID: "ami-e", Encrypted: true}, model.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			o, st, launcher := newTestOrchestrator(t)
			seedImage(t, st, tc.img)

			if err := o.Process(ctx, model.CloudAWS, tc.img.CloudImageID); err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if got := imageStatus(t, st, tc.img.CloudImageID); got != tc.want {
				t.Errorf("status: got %q, want %q", got, tc.want)
			}
			if len(launcher.prepared) != 0 {
				t.Errorf("short-circuit must not launch, prepared=%v", launcher.prepared)
			}
		})
	}
}

func TestProcessMinAgeGate(t *testing.T) {
	ctx := context.Background()
	o, st, launcher := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{
		CloudImageID: "ami-young",
		DiscoveredAt: time.Date(2024, 3, 10, 11, 30, 0, 0, time.UTC), // 30m old
	})

	err := o.Process(ctx, model.CloudAWS, "ami-young")
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if got := imageStatus(t, st, "ami-young"); got != model.StatusPending {
		t.Errorf("status: got %q, want pending", got)
	}
	if len(launcher.prepared) != 0 {
		t.Errorf("gated image must not launch")
	}
}

func TestProcessAttemptCapForcesError(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)
	img := seedImage(t, st, model.MachineImage{CloudImageID: "ami-x"})
	img.Attempts = 3
	if err := st.UpdateImage(ctx, img); err != nil {
		t.Fatalf("set attempts: %v", err)
	}

	if err := o.Process(ctx, model.CloudAWS, "ami-x"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := imageStatus(t, st, "ami-x"); got != model.StatusError {
		t.Errorf("status: got %q, want error", got)
	}
}

func TestProcessTransientLaunchErrorReopens(t *testing.T) {
	ctx := context.Background()
	o, st, launcher := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{CloudImageID: "ami-r"})
	launcher.prepareErr = fmt.Errorf("%w: rate exceeded", errs.ErrTransientCloud)

	err := o.Process(ctx, model.CloudAWS, "ami-r")
	if !errors.Is(err, errs.ErrTransientCloud) {
		t.Fatalf("expected transient error to bubble, got %v", err)
	}
	// The image stays in flight for the redelivered attempt.
	if got := imageStatus(t, st, "ami-r"); got == model.StatusError {
		t.Errorf("transient failure must not be terminal")
	}
}

func TestProcessPermissionDeniedIsTerminal(t *testing.T) {
	ctx := context.Background()
	o, st, launcher := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{CloudImageID: "ami-d"})
	launcher.prepareErr = fmt.Errorf("%w: copy denied", errs.ErrPermissionDenied)

	if err := o.Process(ctx, model.CloudAWS, "ami-d"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := imageStatus(t, st, "ami-d"); got != model.StatusError {
		t.Errorf("status: got %q, want error", got)
	}
}

func TestProcessTerminalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o, st, launcher := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{
		CloudImageID:   "ami-done",
		Status:         model.StatusInspected,
		InspectionJSON: `{"rhel_enabled_repos_found": true}`,
	})

	if err := o.Process(ctx, model.CloudAWS, "ami-done"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	img, _ := st.GetImage(ctx, model.CloudAWS, "ami-done")
	if img.Status != model.StatusInspected || img.InspectionJSON == "" {
		t.Errorf("terminal image mutated: %+v", img)
	}
	if len(launcher.prepared) != 0 {
		t.Errorf("terminal image must not launch")
	}
}

func TestHandleVerdictStoresFindings(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{CloudImageID: "ami-v", Status: model.StatusInspecting})

	payload := `{"cloud": "aws", "images": {"ami-v": {"rhel_signed_packages_found": true}}}`
	if err := o.HandleVerdict(ctx, []byte(payload)); err != nil {
		t.Fatalf("HandleVerdict failed: %v", err)
	}
	img, _ := st.GetImage(ctx, model.CloudAWS, "ami-v")
	if img.Status != model.StatusInspected {
		t.Errorf("status: got %q, want inspected", img.Status)
	}
	if !img.Findings().RHELSignedPackagesFound {
		t.Errorf("findings not stored: %q", img.InspectionJSON)
	}
	if !img.RHEL() {
		t.Errorf("positive findings must make the image RHEL")
	}
}

func TestHandleVerdictNeverRewritesTerminal(t *testing.T) {
	ctx := context.Background()
	o, st, _ := newTestOrchestrator(t)
	seedImage(t, st, model.MachineImage{CloudImageID: "ami-err", Status: model.StatusError})

	payload := `{"cloud": "aws", "images": {"ami-err": {"rhel_signed_packages_found": true}}}`
	if err := o.HandleVerdict(ctx, []byte(payload)); err != nil {
		t.Fatalf("HandleVerdict failed: %v", err)
	}
	img, _ := st.GetImage(ctx, model.CloudAWS, "ami-err")
	if img.Status != model.StatusError || img.InspectionJSON != "" {
		t.Errorf("terminal image rewritten: %+v", img)
	}
}

func TestHandleVerdictCorruptPayload(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	err := o.HandleVerdict(context.Background(), []byte("nope"))
	if !errors.Is(err, errs.ErrCorruptPayload) {
		t.Fatalf("expected ErrCorruptPayload, got %v", err)
	}
}
