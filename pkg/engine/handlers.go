package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awscloud "github.com/meterwise/cloudmeter/pkg/cloud/aws"
	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/queue"
)

// handleEventBatch feeds one (account, instance) event batch to the run
// reconciler.
func (e *Engine) handleEventBatch(ctx context.Context, msg queue.Message) error {
	var batch normalize.EventBatch
	if err := json.Unmarshal([]byte(msg.Body), &batch); err != nil {
		return fmt.Errorf("%w: event batch: %v", errs.ErrCorruptPayload, err)
	}
	return e.Reconciler.Process(ctx, batch.Events)
}

// handleInspectWork advances one image through the inspection state
// machine. ErrNotReady propagates so the message redelivers after the
// visibility timeout, which is the min-age wait.
func (e *Engine) handleInspectWork(ctx context.Context, msg queue.Message) error {
	var work normalize.InspectWork
	if err := json.Unmarshal([]byte(msg.Body), &work); err != nil {
		return fmt.Errorf("%w: inspect work: %v", errs.ErrCorruptPayload, err)
	}
	return e.Inspector.Process(ctx, work.CloudType, work.CloudImageID)
}

// handleVerdict stores one inspection result.
func (e *Engine) handleVerdict(ctx context.Context, msg queue.Message) error {
	return e.Inspector.HandleVerdict(ctx, []byte(msg.Body))
}

// handleLogNotification fetches the delivered audit-log objects and runs
// them through the normalizer.
func (e *Engine) handleLogNotification(ctx context.Context, msg queue.Message) error {
	refs, err := awscloud.ParseS3Notification([]byte(msg.Body))
	if err != nil {
		return err
	}
	for _, ref := range refs {
		data, err := e.fetchLog(ctx, ref.Bucket, ref.Key)
		if err != nil {
			return fmt.Errorf("fetch log object %s/%s: %w", ref.Bucket, ref.Key, err)
		}
		if err := e.Normalizer.HandleTrailLog(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// resweepLoop re-enqueues pending images on a timer. Images younger than
// the min age keep bouncing off the orchestrator until they qualify;
// images stuck pending after a crash get picked back up here.
func (e *Engine) resweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Inspection.Resweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ResweepPending(ctx); err != nil {
				e.Log.Warn("pending image resweep failed", "error", err)
			}
		}
	}
}

// ResweepPending enqueues inspection work for every pending image.
func (e *Engine) ResweepPending(ctx context.Context) error {
	pending, err := e.Store.ListImagesByStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}
	for _, img := range pending {
		work := normalize.InspectWork{CloudType: img.CloudType, CloudImageID: img.CloudImageID}
		if err := queue.SendJSON(ctx, e.Inspect, img.CloudImageID, work); err != nil {
			return fmt.Errorf("enqueue inspection for %s: %w", img.CloudImageID, err)
		}
	}
	if len(pending) > 0 {
		e.Log.Info("requeued pending images", "count", len(pending))
	}
	return nil
}

// rollupLoop recomputes recent concurrency days for every user on the
// configured cadence.
func (e *Engine) rollupLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Rollup.Schedule)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RollUpRecent(ctx, time.Now().UTC()); err != nil {
				e.Log.Warn("concurrency roll-up failed", "error", err)
			}
		}
	}
}

// RollUpRecent recomputes today and the lookback window for every user
// with at least one account. Re-running supersedes prior rows.
func (e *Engine) RollUpRecent(ctx context.Context, now time.Time) error {
	accounts, err := e.Store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	users := make(map[string]bool)
	for _, a := range accounts {
		users[a.User] = true
	}
	for user := range users {
		for back := 0; back <= e.cfg.Rollup.Lookback; back++ {
			day := now.AddDate(0, 0, -back)
			if _, err := e.Roller.RollUp(ctx, user, day); err != nil {
				return fmt.Errorf("roll up %s for %s: %w", day.Format(time.DateOnly), user, err)
			}
		}
	}
	return nil
}

// RecalcRuns rebuilds runs from the stored event history starting at
// since, for one account or for all of them when accountID is empty.
func (e *Engine) RecalcRuns(ctx context.Context, accountID string, since time.Time) error {
	accounts, err := e.Store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if accountID != "" && account.ID != accountID {
			continue
		}
		instances, err := e.Store.ListInstancesByAccount(ctx, account.ID)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if err := e.Reconciler.Recalculate(ctx, account, inst.ID, since); err != nil {
				return fmt.Errorf("recalculate %s: %w", inst.ID, err)
			}
		}
	}
	return nil
}

// RecalcUsage recomputes daily concurrency for [from, to], for one user or
// for every known user when user is empty.
func (e *Engine) RecalcUsage(ctx context.Context, user string, from, to time.Time) error {
	users := map[string]bool{}
	if user != "" {
		users[user] = true
	} else {
		accounts, err := e.Store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		for _, a := range accounts {
			users[a.User] = true
		}
	}
	for u := range users {
		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			if _, err := e.Roller.RollUp(ctx, u, day); err != nil {
				return fmt.Errorf("roll up %s for %s: %w", day.Format(time.DateOnly), u, err)
			}
		}
	}
	return nil
}

// typeRefreshLoop resyncs the instance-type catalog daily.
func (e *Engine) typeRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	if err := e.refreshTypes(ctx); err != nil {
		e.Log.Warn("instance type refresh failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshTypes(ctx); err != nil {
				e.Log.Warn("instance type refresh failed", "error", err)
			}
		}
	}
}

// snapshotLoop polls describe-all snapshots for clouds without an audit
// tail. Only enabled accounts of snapshot clouds are visited.
func (e *Engine) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Snapshots.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts, err := e.Store.ListAccounts(ctx)
			if err != nil {
				e.Log.Warn("snapshot poll failed", "error", err)
				continue
			}
			for _, account := range accounts {
				if !account.Enabled || account.CloudType != model.CloudAzure {
					continue
				}
				if err := e.snapshot(ctx, account); err != nil {
					e.Log.Warn("snapshot failed",
						"account_id", account.ID, "error", err)
				}
			}
		}
	}
}
