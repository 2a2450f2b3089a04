package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/engine/notifier"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// RoleVerifier confirms a customer enrollment role is assumable and
// returns the cloud account it lives in.
type RoleVerifier interface {
	VerifyRole(ctx context.Context, roleARN string) (string, error)
}

// RegionDescriber snapshots every instance of an account for initial
// discovery.
type RegionDescriber interface {
	DescribeAllRegions(ctx context.Context, account model.Account) (map[string][]normalize.DescribedInstance, error)
}

// TrailTeardown removes the account's audit trail on disable and delete.
type TrailTeardown interface {
	Teardown(ctx context.Context, account model.Account) error
}

// Accounts owns the enrollment lifecycle. Verifier, Regions, and Trails
// are nil in mock mode and for clouds without the matching surface; the
// corresponding step is then skipped.
type Accounts struct {
	Store      store.Store
	Normalizer *normalize.Normalizer
	Notifier   *notifier.Client
	Verifier   RoleVerifier
	Regions    RegionDescriber
	Trails     TrailTeardown
	Log        *slog.Logger
	now        func() time.Time
}

// SetClock overrides the time source for tests.
func (a *Accounts) SetClock(now func() time.Time) { a.now = now }

func (a *Accounts) clock() time.Time {
	if a.now != nil {
		return a.now()
	}
	return time.Now()
}

// Enroll registers a new account and immediately enables it. The returned
// account carries the composite id.
func (a *Accounts) Enroll(ctx context.Context, account model.Account) (model.Account, error) {
	if account.CloudAccountID == "" || account.User == "" {
		return model.Account{}, errors.New("account needs cloud_account_id and user")
	}
	account.ID = string(account.CloudType) + ":" + account.CloudAccountID
	account.CreatedAt = a.clock().UTC()
	if err := a.Store.PutAccount(ctx, account); err != nil {
		return model.Account{}, err
	}
	if err := a.Enable(ctx, account.ID); err != nil {
		return model.Account{}, err
	}
	return a.Store.GetAccountByID(ctx, account.ID)
}

// Enable verifies access, marks the account enabled, runs initial
// discovery, and reports availability. A failed verification reports
// unavailability with the reason and leaves the account disabled.
func (a *Accounts) Enable(ctx context.Context, id string) error {
	account, err := a.Store.GetAccountByID(ctx, id)
	if err != nil {
		return err
	}

	if a.Verifier != nil && account.CloudType == model.CloudAWS {
		owner, err := a.Verifier.VerifyRole(ctx, account.RoleARN)
		if err != nil {
			reason := fmt.Sprintf("cannot assume role %s", account.RoleARN)
			if nerr := a.Notifier.Unavailable(ctx, account, reason); nerr != nil {
				a.Log.Warn("availability update failed", "account_id", id, "error", nerr)
			}
			return fmt.Errorf("verify role for %s: %w", id, err)
		}
		if owner != account.CloudAccountID {
			reason := fmt.Sprintf("role belongs to account %s, not %s", owner, account.CloudAccountID)
			if nerr := a.Notifier.Unavailable(ctx, account, reason); nerr != nil {
				a.Log.Warn("availability update failed", "account_id", id, "error", nerr)
			}
			return fmt.Errorf("enable %s: %s", id, reason)
		}
	}

	now := a.clock().UTC()
	account.Enabled = true
	account.EnabledAt = &now
	if err := a.Store.PutAccount(ctx, account); err != nil {
		return err
	}
	a.Log.Info("account enabled", "account_id", id, "user", account.User)

	if a.Regions != nil && account.CloudType == model.CloudAWS {
		byRegion, err := a.Regions.DescribeAllRegions(ctx, account)
		if err != nil {
			// Discovery catches up through the audit tail; enablement stands.
			a.Log.Warn("initial discovery failed", "account_id", id, "error", err)
		} else if err := a.Normalizer.Discover(ctx, account, byRegion, now); err != nil {
			a.Log.Warn("initial discovery failed", "account_id", id, "error", err)
		}
	}

	if err := a.Notifier.Available(ctx, account); err != nil {
		a.Log.Warn("availability update failed", "account_id", id, "error", err)
	}
	return nil
}

// Disable stops ingest for the account but keeps all of its records. The
// audit trail is torn down; a missing trail or a severed role is tolerated
// inside the teardown, anything else fails the disable.
func (a *Accounts) Disable(ctx context.Context, id string) error {
	account, err := a.Store.GetAccountByID(ctx, id)
	if err != nil {
		return err
	}
	account.Enabled = false
	if err := a.Store.PutAccount(ctx, account); err != nil {
		return err
	}
	if err := a.teardownTrail(ctx, account); err != nil {
		return err
	}
	if err := a.Notifier.Unavailable(ctx, account, "account disabled"); err != nil {
		a.Log.Warn("availability update failed", "account_id", id, "error", err)
	}
	a.Log.Info("account disabled", "account_id", id)
	return nil
}

// Delete removes the account and cascades to its instances, events, and
// runs. Machine images survive; other accounts may reference them. An
// unexpected trail teardown failure aborts the deletion so the account can
// be retried with its records intact.
func (a *Accounts) Delete(ctx context.Context, id string) error {
	account, err := a.Store.GetAccountByID(ctx, id)
	if err != nil {
		return err
	}
	if err := a.teardownTrail(ctx, account); err != nil {
		return err
	}
	if err := a.Store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	a.Log.Info("account deleted", "account_id", id, "user", account.User)
	return nil
}

// teardownTrail removes the account's audit trail. The manager itself
// tolerates a missing trail and a severed role; every other failure comes
// back to the caller.
func (a *Accounts) teardownTrail(ctx context.Context, account model.Account) error {
	if a.Trails == nil || account.CloudType != model.CloudAWS {
		return nil
	}
	if err := a.Trails.Teardown(ctx, account); err != nil {
		return fmt.Errorf("trail teardown for %s: %w", account.ID, err)
	}
	return nil
}
