// Package store persists accounts, images, instances, events, runs, and
// usage records. Two implementations exist: an in-memory store used by
// tests and mock mode, and a DynamoDB-backed store for production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/meterwise/cloudmeter/pkg/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConditionFailed is returned when a conditional update loses its race.
// The transition already happened; losers drop their work.
var ErrConditionFailed = errors.New("store: condition failed")

// Store is the engine's persistence surface. Implementations must make
// ReplaceRunsFrom atomic and UpdateImageStatus conditional on the expected
// prior status.
type Store interface {
	// Accounts.
	PutAccount(ctx context.Context, a model.Account) error
	GetAccount(ctx context.Context, cloud model.CloudType, cloudAccountID string) (model.Account, error)
	GetAccountByID(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	// DeleteAccount removes the account and cascades to its instances,
	// events, and runs. Machine images are never deleted: other accounts
	// may reference the same image.
	DeleteAccount(ctx context.Context, id string) error

	// Images. UpsertImage never mutates existing attributes; it reports
	// whether the row was new so discovery can enqueue inspection.
	UpsertImage(ctx context.Context, img model.MachineImage) (model.MachineImage, bool, error)
	GetImage(ctx context.Context, cloud model.CloudType, cloudImageID string) (model.MachineImage, error)
	// UpdateImage persists mutable image fields (flags, inspection JSON,
	// attempt counter). Status is only changed through UpdateImageStatus.
	UpdateImage(ctx context.Context, img model.MachineImage) error
	// UpdateImageStatus transitions status from expected to target,
	// returning ErrConditionFailed when the stored status no longer
	// matches expected.
	UpdateImageStatus(ctx context.Context, cloud model.CloudType, cloudImageID string, expected, target model.ImageStatus) error
	ListImagesByStatus(ctx context.Context, status model.ImageStatus) ([]model.MachineImage, error)

	// Instances.
	UpsertInstance(ctx context.Context, inst model.Instance) (model.Instance, error)
	GetInstance(ctx context.Context, cloud model.CloudType, cloudInstanceID string) (model.Instance, error)
	ListInstancesByAccount(ctx context.Context, accountID string) ([]model.Instance, error)

	// Events. AppendEvents assigns insertion-order sequence numbers used
	// to break occurred_at ties.
	AppendEvents(ctx context.Context, events []model.InstanceEvent) error
	// ListEventsSince returns the instance's events with occurred_at >=
	// since, ordered by (occurred_at, seq).
	ListEventsSince(ctx context.Context, instanceID string, since time.Time) ([]model.InstanceEvent, error)
	// LatestEventBefore returns the single event immediately preceding t,
	// or ErrNotFound. It anchors classification of the first event in a
	// recompute window.
	LatestEventBefore(ctx context.Context, instanceID string, t time.Time) (model.InstanceEvent, error)

	// Runs.
	ListRuns(ctx context.Context, instanceID string) ([]model.Run, error)
	// ListRunsOverlapping returns runs for the user's instances that
	// overlap [from, to); open runs always overlap.
	ListRunsOverlapping(ctx context.Context, user string, from, to time.Time) ([]model.Run, error)
	// ReplaceRunsFrom atomically deletes the instance's runs with
	// start_time >= watermark and inserts the replacement set.
	ReplaceRunsFrom(ctx context.Context, instanceID string, watermark time.Time, replacement []model.Run) error

	// LockInstance serializes run and event mutation for one instance
	// across workers. The returned func releases the lock.
	LockInstance(ctx context.Context, instanceID string) (func(), error)

	// Concurrent usage. Upsert supersedes any prior row for (user, date).
	UpsertConcurrentUsage(ctx context.Context, usage model.ConcurrentUsage) error
	GetConcurrentUsage(ctx context.Context, user, date string) (model.ConcurrentUsage, error)
}
