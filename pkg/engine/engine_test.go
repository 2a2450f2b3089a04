package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meterwise/cloudmeter/pkg/config"
	"github.com/meterwise/cloudmeter/pkg/engine/inspect"
	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

func newMockEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.MockMode = true
	e, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func enrollTestAccount(t *testing.T, e *Engine) model.Account {
	t.Helper()
	// Enrollment predates every event the tests feed in.
	e.Accounts.SetClock(func() time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	})
	account, err := e.Accounts.Enroll(context.Background(), model.Account{
		CloudType:      model.CloudAWS,
		CloudAccountID: "123456789012",
		User:           "user-1",
		RoleARN:        "arn:aws:iam::123456789012:role/cloudmeter",
	})
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	return account
}

func TestMockPipelineObservationToRun(t *testing.T) {
	ctx := context.Background()
	e := newMockEngine(t)
	account := enrollTestAccount(t, e)

	observed := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	vms := []normalize.DescribedInstance{
		{InstanceID: "i-1", Region: "us-east-1", InstanceType: "t3.medium", ImageID: "ami-1", Running: true},
		{InstanceID: "i-2", Region: "us-east-1", InstanceType: "t3.medium", ImageID: "ami-1", Running: false},
	}
	if err := e.Normalizer.HandleSnapshot(ctx, account, vms, observed); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	for {
		msgs, err := e.Events.Receive(ctx, 10)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if err := e.handleEventBatch(ctx, msg); err != nil {
				t.Fatalf("handleEventBatch: %v", err)
			}
			if err := e.Events.Delete(ctx, msg); err != nil {
				t.Fatalf("Delete: %v", err)
			}
		}
	}

	runs, err := e.Store.ListRuns(ctx, "aws:i-1")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].End != nil {
		t.Fatalf("runs for i-1 = %+v, want one open run", runs)
	}
	if !runs[0].Start.Equal(observed) {
		t.Errorf("run start = %v, want %v", runs[0].Start, observed)
	}
	if runs[0].VCPU != 2 {
		t.Errorf("run vcpu = %d, want 2 (t3.medium)", runs[0].VCPU)
	}
	if stopped, err := e.Store.ListRuns(ctx, "aws:i-2"); err != nil || len(stopped) != 0 {
		t.Errorf("runs for stopped i-2 = %v, %v; want none", stopped, err)
	}

	img, err := e.Store.GetImage(ctx, model.CloudAWS, "ami-1")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.Status != model.StatusPending {
		t.Errorf("image status = %s, want pending", img.Status)
	}

	// The freshly discovered image is below the inspection min age, so
	// processing its work item reports not ready.
	msgs, err := e.Inspect.Receive(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("inspect queue receive = %v, %v; want one work item", msgs, err)
	}
	if err := e.handleInspectWork(ctx, msgs[0]); !errors.Is(err, inspect.ErrNotReady) {
		t.Fatalf("handleInspectWork = %v, want ErrNotReady", err)
	}
}

func TestVerdictMarksImageInspected(t *testing.T) {
	ctx := context.Background()
	e := newMockEngine(t)

	if _, _, err := e.Store.UpsertImage(ctx, model.MachineImage{
		CloudType:    model.CloudAWS,
		CloudImageID: "ami-9",
		Status:       model.StatusInspecting,
		DiscoveredAt: time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("UpsertImage: %v", err)
	}

	body := `{"cloud":"aws","images":{"ami-9":{"rhel_signed_packages_found":true}}}`
	if err := e.Verdicts.Send(ctx, "ami-9", body); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs, err := e.Verdicts.Receive(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Receive = %v, %v", msgs, err)
	}
	if err := e.handleVerdict(ctx, msgs[0]); err != nil {
		t.Fatalf("handleVerdict: %v", err)
	}

	img, err := e.Store.GetImage(ctx, model.CloudAWS, "ami-9")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	if img.Status != model.StatusInspected {
		t.Errorf("status = %s, want inspected", img.Status)
	}
	if !img.RHEL() {
		t.Error("image should read as RHEL after the verdict")
	}
}

func TestRollUpRecentCoversLookback(t *testing.T) {
	ctx := context.Background()
	e := newMockEngine(t)
	account := enrollTestAccount(t, e)

	start := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
	if err := e.Normalizer.HandleSnapshot(ctx, account, []normalize.DescribedInstance{
		{InstanceID: "i-1", Region: "us-east-1", InstanceType: "m5.large", ImageID: "ami-1", Running: true},
	}, start); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}
	msgs, _ := e.Events.Receive(ctx, 10)
	for _, msg := range msgs {
		if err := e.handleEventBatch(ctx, msg); err != nil {
			t.Fatalf("handleEventBatch: %v", err)
		}
		_ = e.Events.Delete(ctx, msg)
	}
	img, err := e.Store.GetImage(ctx, model.CloudAWS, "ami-1")
	if err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	img.RHELDetectedByTag = true
	if err := e.Store.UpdateImage(ctx, img); err != nil {
		t.Fatalf("UpdateImage: %v", err)
	}

	// The open run spans both lookback days.
	if err := e.RollUpRecent(ctx, time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("RollUpRecent: %v", err)
	}
	usage, err := e.Store.GetConcurrentUsage(ctx, "user-1", "2024-06-03")
	if err != nil {
		t.Fatalf("GetConcurrentUsage: %v", err)
	}
	if usage.RHEL.MaxInstances != 1 || usage.RHEL.MaxVCPU != 2 {
		t.Errorf("usage = %+v, want 1 instance / 2 vcpu", usage.RHEL)
	}
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newMockEngine(t)
	trails := &fakeTrails{}
	e.Accounts.Trails = trails
	account := enrollTestAccount(t, e)

	if !account.Enabled || account.EnabledAt == nil {
		t.Fatalf("enrolled account not enabled: %+v", account)
	}

	if err := e.Normalizer.HandleSnapshot(ctx, account, []normalize.DescribedInstance{
		{InstanceID: "i-1", Region: "us-east-1", InstanceType: "t3.medium", ImageID: "ami-1", Running: true},
	}, time.Now().UTC()); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	if err := e.Accounts.Disable(ctx, account.ID); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if trails.teardowns != 1 {
		t.Errorf("teardowns after disable = %d, want 1", trails.teardowns)
	}
	got, err := e.Store.GetAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("GetAccountByID: %v", err)
	}
	if got.Enabled {
		t.Error("account still enabled after Disable")
	}
	// Disable keeps records.
	if instances, _ := e.Store.ListInstancesByAccount(ctx, account.ID); len(instances) != 1 {
		t.Errorf("instances after disable = %d, want 1", len(instances))
	}

	if err := e.Accounts.Delete(ctx, account.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := e.Store.GetAccountByID(ctx, account.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("account lookup after delete = %v, want ErrNotFound", err)
	}
	if instances, _ := e.Store.ListInstancesByAccount(ctx, account.ID); len(instances) != 0 {
		t.Errorf("instances after delete = %d, want 0", len(instances))
	}
	// Images are shared and survive the cascade.
	if _, err := e.Store.GetImage(ctx, model.CloudAWS, "ami-1"); err != nil {
		t.Errorf("image gone after account delete: %v", err)
	}
}

func TestEnableRejectsMismatchedRole(t *testing.T) {
	ctx := context.Background()
	e := newMockEngine(t)
	e.Accounts.Verifier = verifierFunc(func(context.Context, string) (string, error) {
		return "999999999999", nil
	})

	_, err := e.Accounts.Enroll(ctx, model.Account{
		CloudType:      model.CloudAWS,
		CloudAccountID: "123456789012",
		User:           "user-1",
		RoleARN:        "arn:aws:iam::999999999999:role/other",
	})
	if err == nil {
		t.Fatal("expected enrollment to fail for a role in the wrong account")
	}
	got, err := e.Store.GetAccountByID(ctx, "aws:123456789012")
	if err != nil {
		t.Fatalf("GetAccountByID: %v", err)
	}
	if got.Enabled {
		t.Error("account must stay disabled after failed verification")
	}
}

func TestDeleteAbortsOnTrailTeardownFailure(t *testing.T) {
	ctx := context.Background()
	e := newMockEngine(t)
	trails := &fakeTrails{err: errors.New("throttled")}
	e.Accounts.Trails = trails
	account := enrollTestAccount(t, e)

	if err := e.Normalizer.HandleSnapshot(ctx, account, []normalize.DescribedInstance{
		{InstanceID: "i-1", Region: "us-east-1", InstanceType: "t3.medium", ImageID: "ami-1", Running: true},
	}, time.Now().UTC()); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	// The manager tolerates missing trails and severed roles itself; any
	// error it still returns must abort the deletion before the cascade.
	if err := e.Accounts.Delete(ctx, account.ID); err == nil {
		t.Fatal("Delete succeeded despite an unexpected trail teardown error")
	}
	if _, err := e.Store.GetAccountByID(ctx, account.ID); err != nil {
		t.Errorf("account gone after aborted delete: %v", err)
	}
	if instances, _ := e.Store.ListInstancesByAccount(ctx, account.ID); len(instances) != 1 {
		t.Errorf("instances after aborted delete = %d, want 1", len(instances))
	}

	if err := e.Accounts.Disable(ctx, account.ID); err == nil {
		t.Fatal("Disable succeeded despite an unexpected trail teardown error")
	}

	trails.err = nil
	if err := e.Accounts.Delete(ctx, account.ID); err != nil {
		t.Fatalf("Delete after teardown recovered: %v", err)
	}
}

type fakeTrails struct {
	teardowns int
	err       error
}

func (f *fakeTrails) Teardown(context.Context, model.Account) error {
	f.teardowns++
	return f.err
}

type verifierFunc func(ctx context.Context, roleARN string) (string, error)

func (f verifierFunc) VerifyRole(ctx context.Context, roleARN string) (string, error) {
	return f(ctx, roleARN)
}
