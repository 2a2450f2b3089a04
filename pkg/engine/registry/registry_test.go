package registry

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

func newImages(t *testing.T) (*Images, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	r := NewImages(st, model.ImageClassifier{
		MarketplaceTokens: []string{"mp-", "marketplace"},
		CloudAccessTokens: []string{"access"},
		OwnerAccounts:     map[string]bool{"309956199498": true},
	}, slog.Default())
	return r, st
}

func TestDiscoveredClassifies(t *testing.T) {
	r, _ := newImages(t)
	ctx := context.Background()

	tests := []struct {
		name            string
		imageName       string
		owner           string
		wantMarketplace bool
		wantCloudAccess bool
	}{
		{"marketplace token, trusted owner", "RHEL-9-mp-hourly", "309956199498", true, false},
		{"access token, trusted owner", "RHEL-9-access2", "309956199498", false, true},
		{"trusted owner, no tokens", "RHEL-9-base", "309956199498", false, false},
		{"marketplace token, untrusted owner", "mp-something", "111111111111", false, false},
		{"access token, untrusted owner", "my-access-copy", "111111111111", false, false},
		{"plain image", "my-app", "111111111111", false, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, wasNew, err := r.Discovered(ctx, model.MachineImage{
				CloudType:           model.CloudAWS,
				CloudImageID:        "ami-" + string(rune('a'+i)),
				Name:                tt.imageName,
				OwnerCloudAccountID: tt.owner,
			})
			if err != nil || !wasNew {
				t.Fatalf("Discovered: wasNew=%v err=%v", wasNew, err)
			}
			if img.Marketplace != tt.wantMarketplace {
				t.Errorf("marketplace = %v, want %v", img.Marketplace, tt.wantMarketplace)
			}
			if img.CloudAccess != tt.wantCloudAccess {
				t.Errorf("cloud access = %v, want %v", img.CloudAccess, tt.wantCloudAccess)
			}
			if img.Status != model.StatusPending {
				t.Errorf("status = %q, want pending", img.Status)
			}
		})
	}
}

func TestDiscoveredOwnershipAloneNeverClassifies(t *testing.T) {
	r, _ := newImages(t)
	img, _, err := r.Discovered(context.Background(), model.MachineImage{
		CloudType:           model.CloudAWS,
		CloudImageID:        "ami-plain",
		Name:                "plain-customer-image",
		OwnerCloudAccountID: "309956199498",
	})
	if err != nil {
		t.Fatal(err)
	}
	if img.CloudAccess {
		t.Error("image with no cloud-access name token classified as cloud access")
	}
	if img.Marketplace {
		t.Error("image with no marketplace name token classified as marketplace")
	}
	if img.RHELDetected() {
		t.Error("ownership alone counted as a RHEL detection")
	}
}

func TestDiscoveredGoldImageCountsAsRHEL(t *testing.T) {
	r, _ := newImages(t)
	img, _, err := r.Discovered(context.Background(), model.MachineImage{
		CloudType:           model.CloudAWS,
		CloudImageID:        "ami-gold",
		Name:                "RHEL-9.4_HVM-Access2-GP2",
		OwnerCloudAccountID: "309956199498",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !img.CloudAccess {
		t.Error("cloud-access named gold image not classified")
	}
	if !img.RHELDetected() {
		t.Error("gold image not detected as RHEL")
	}
}

func TestStubIsTerminal(t *testing.T) {
	r, st := newImages(t)
	ctx := context.Background()
	img, err := r.Stub(ctx, model.CloudAWS, "ami-gone")
	if err != nil {
		t.Fatal(err)
	}
	if img.Status != model.StatusUnavailable {
		t.Fatalf("status = %q, want unavailable", img.Status)
	}
	// A later describe must not resurrect the stub into pending.
	stored, wasNew, err := st.UpsertImage(ctx, model.MachineImage{
		CloudType:    model.CloudAWS,
		CloudImageID: "ami-gone",
		Name:         "found-after-all",
	})
	if err != nil || wasNew {
		t.Fatalf("re-upsert: wasNew=%v err=%v", wasNew, err)
	}
	if stored.Status != model.StatusUnavailable {
		t.Errorf("status = %q, stub must stay terminal", stored.Status)
	}
}

func TestApplyTagDeltasLatestWins(t *testing.T) {
	r, st := newImages(t)
	ctx := context.Background()
	if _, _, err := st.UpsertImage(ctx, model.MachineImage{CloudType: model.CloudAWS, CloudImageID: "ami-1"}); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	// Delivered out of order in one batch: delete at +1h beats create at 0.
	err := r.ApplyTagDeltas(ctx, []TagDelta{
		{CloudType: model.CloudAWS, CloudImageID: "ami-1", Key: OpenShiftTagKey, Present: false, OccurredAt: base.Add(time.Hour)},
		{CloudType: model.CloudAWS, CloudImageID: "ami-1", Key: OpenShiftTagKey, Present: true, OccurredAt: base},
	})
	if err != nil {
		t.Fatal(err)
	}
	img, _ := st.GetImage(ctx, model.CloudAWS, "ami-1")
	if img.OpenShiftDetected {
		t.Error("openshift detected after newer delete delta")
	}

	// A stale redelivery older than the applied watermark is ignored.
	err = r.ApplyTagDeltas(ctx, []TagDelta{
		{CloudType: model.CloudAWS, CloudImageID: "ami-1", Key: OpenShiftTagKey, Present: true, OccurredAt: base},
	})
	if err != nil {
		t.Fatal(err)
	}
	img, _ = st.GetImage(ctx, model.CloudAWS, "ami-1")
	if img.OpenShiftDetected {
		t.Error("stale tag delta applied over newer state")
	}

	// Unknown tag keys are ignored entirely.
	err = r.ApplyTagDeltas(ctx, []TagDelta{
		{CloudType: model.CloudAWS, CloudImageID: "ami-1", Key: "billing", Present: true, OccurredAt: base.Add(2 * time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}
	img, _ = st.GetImage(ctx, model.CloudAWS, "ami-1")
	if img.OpenShiftDetected {
		t.Error("unrecognized tag key changed detection")
	}
}

func TestApplyTagDeltasStubsUnknownImage(t *testing.T) {
	r, st := newImages(t)
	ctx := context.Background()
	err := r.ApplyTagDeltas(ctx, []TagDelta{{
		CloudType:    model.CloudAWS,
		CloudImageID: "ami-never-seen",
		Key:          OpenShiftTagKey,
		Present:      true,
		OccurredAt:   time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatal(err)
	}
	img, err := st.GetImage(ctx, model.CloudAWS, "ami-never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if img.Status != model.StatusUnavailable {
		t.Errorf("status = %q, want unavailable stub", img.Status)
	}
	if !img.OpenShiftDetected {
		t.Error("tag delta not applied to stub")
	}
}

func TestChallengeFlipsVerdict(t *testing.T) {
	r, st := newImages(t)
	ctx := context.Background()
	if _, _, err := st.UpsertImage(ctx, model.MachineImage{
		CloudType:         model.CloudAWS,
		CloudImageID:      "ami-1",
		RHELDetectedByTag: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := r.Challenge(ctx, model.CloudAWS, "ami-1", true, true); err != nil {
		t.Fatal(err)
	}
	img, _ := st.GetImage(ctx, model.CloudAWS, "ami-1")
	if img.RHEL() {
		t.Error("detected + challenged should not bill as RHEL")
	}
	if !img.OpenShift() {
		t.Error("undetected + challenged should bill as OpenShift")
	}
}

func TestInstanceUpsertBindsOnce(t *testing.T) {
	st := store.NewMemory()
	r := &Instances{Store: st}
	ctx := context.Background()
	account := model.Account{ID: "aws:123", CloudType: model.CloudAWS, CloudAccountID: "123"}

	inst, err := r.Upsert(ctx, account, "i-1", "us-east-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ImageID != "" {
		t.Fatalf("image bound prematurely: %q", inst.ImageID)
	}

	inst, err = r.Upsert(ctx, account, "i-1", "us-east-1", "ami-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ImageID != "ami-1" {
		t.Errorf("image = %q, want empty binding filled", inst.ImageID)
	}

	inst, err = r.Upsert(ctx, account, "i-1", "us-east-1", "ami-2")
	if err != nil {
		t.Fatal(err)
	}
	if inst.ImageID != "ami-1" {
		t.Errorf("image = %q, bound image must not be overwritten", inst.ImageID)
	}
}
