package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterwise/cloudmeter/pkg/model"
)

// Memory is an in-process Store. It backs tests and mock mode and is the
// reference for the semantics the DynamoDB store must match.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]model.Account
	images   map[string]model.MachineImage
	insts    map[string]model.Instance
	events   map[string][]model.InstanceEvent
	runs     map[string][]model.Run
	usage    map[string]model.ConcurrentUsage
	seq      int64

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]model.Account),
		images:   make(map[string]model.MachineImage),
		insts:    make(map[string]model.Instance),
		events:   make(map[string][]model.InstanceEvent),
		runs:     make(map[string][]model.Run),
		usage:    make(map[string]model.ConcurrentUsage),
		locks:    make(map[string]*sync.Mutex),
	}
}

func imageKey(cloud model.CloudType, id string) string { return string(cloud) + ":" + id }
func instKey(cloud model.CloudType, id string) string  { return string(cloud) + ":" + id }
func usageKey(user, date string) string                { return user + ":" + date }

func (m *Memory) PutAccount(_ context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = string(a.CloudType) + ":" + a.CloudAccountID
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, cloud model.CloudType, cloudAccountID string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.accounts {
		if a.CloudType == cloud && a.CloudAccountID == cloudAccountID {
			return a, nil
		}
	}
	return model.Account{}, ErrNotFound
}

func (m *Memory) GetAccountByID(_ context.Context, id string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	// Cascade: instances own events own runs. Images survive.
	for k, inst := range m.insts {
		if inst.AccountID != id {
			continue
		}
		delete(m.insts, k)
		delete(m.events, inst.ID)
		delete(m.runs, inst.ID)
	}
	return nil
}

func (m *Memory) UpsertImage(_ context.Context, img model.MachineImage) (model.MachineImage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := imageKey(img.CloudType, img.CloudImageID)
	if existing, ok := m.images[key]; ok {
		return existing, false, nil
	}
	if img.Status == "" {
		img.Status = model.StatusPending
	}
	m.images[key] = img
	return img, true, nil
}

func (m *Memory) GetImage(_ context.Context, cloud model.CloudType, cloudImageID string) (model.MachineImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[imageKey(cloud, cloudImageID)]
	if !ok {
		return model.MachineImage{}, ErrNotFound
	}
	return img, nil
}

func (m *Memory) UpdateImage(_ context.Context, img model.MachineImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := imageKey(img.CloudType, img.CloudImageID)
	existing, ok := m.images[key]
	if !ok {
		return ErrNotFound
	}
	// Status only moves through UpdateImageStatus.
	img.Status = existing.Status
	m.images[key] = img
	return nil
}

func (m *Memory) UpdateImageStatus(_ context.Context, cloud model.CloudType, cloudImageID string, expected, target model.ImageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := imageKey(cloud, cloudImageID)
	img, ok := m.images[key]
	if !ok {
		return ErrNotFound
	}
	if img.Status != expected {
		return ErrConditionFailed
	}
	img.Status = target
	m.images[key] = img
	return nil
}

func (m *Memory) ListImagesByStatus(_ context.Context, status model.ImageStatus) ([]model.MachineImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.MachineImage
	for _, img := range m.images {
		if img.Status == status {
			out = append(out, img)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloudImageID < out[j].CloudImageID })
	return out, nil
}

func (m *Memory) UpsertInstance(_ context.Context, inst model.Instance) (model.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instKey(inst.CloudType, inst.CloudInstanceID)
	if inst.ID == "" {
		inst.ID = key
	}
	existing, ok := m.insts[key]
	if !ok {
		m.insts[key] = inst
		return inst, nil
	}
	// Fill an empty image binding; never overwrite a bound one, later
	// events may carry stale data.
	if existing.ImageID == "" && inst.ImageID != "" {
		existing.ImageID = inst.ImageID
	}
	if existing.Region == "" {
		existing.Region = inst.Region
	}
	m.insts[key] = existing
	return existing, nil
}

func (m *Memory) GetInstance(_ context.Context, cloud model.CloudType, cloudInstanceID string) (model.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.insts[instKey(cloud, cloudInstanceID)]
	if !ok {
		return model.Instance{}, ErrNotFound
	}
	return inst, nil
}

func (m *Memory) ListInstancesByAccount(_ context.Context, accountID string) ([]model.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Instance
	for _, inst := range m.insts {
		if inst.AccountID == accountID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendEvents(_ context.Context, events []model.InstanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		if m.duplicateLocked(ev) {
			continue
		}
		m.seq++
		ev.Seq = m.seq
		m.events[ev.InstanceID] = append(m.events[ev.InstanceID], ev)
	}
	return nil
}

func (m *Memory) duplicateLocked(ev model.InstanceEvent) bool {
	for _, have := range m.events[ev.InstanceID] {
		if have.OccurredAt.Equal(ev.OccurredAt) && have.Type == ev.Type &&
			have.InstanceType == ev.InstanceType && have.ImageID == ev.ImageID {
			return true
		}
	}
	return false
}

func (m *Memory) ListEventsSince(_ context.Context, instanceID string, since time.Time) ([]model.InstanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.InstanceEvent
	for _, ev := range m.events[instanceID] {
		if !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	sortEvents(out)
	return out, nil
}

func (m *Memory) LatestEventBefore(_ context.Context, instanceID string, t time.Time) (model.InstanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found bool
		best  model.InstanceEvent
	)
	for _, ev := range m.events[instanceID] {
		if !ev.OccurredAt.Before(t) {
			continue
		}
		if !found || ev.OccurredAt.After(best.OccurredAt) ||
			(ev.OccurredAt.Equal(best.OccurredAt) && ev.Seq > best.Seq) {
			best = ev
			found = true
		}
	}
	if !found {
		return model.InstanceEvent{}, ErrNotFound
	}
	return best, nil
}

func (m *Memory) ListRuns(_ context.Context, instanceID string) ([]model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.Run(nil), m.runs[instanceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ListRunsOverlapping(_ context.Context, user string, from, to time.Time) ([]model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userInstances := make(map[string]bool)
	for _, inst := range m.insts {
		a, ok := m.accounts[inst.AccountID]
		if ok && a.User == user {
			userInstances[inst.ID] = true
		}
	}
	var out []model.Run
	for instID := range userInstances {
		for _, r := range m.runs[instID] {
			if r.Start.Before(to) && (r.End == nil || r.End.After(from)) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ReplaceRunsFrom(_ context.Context, instanceID string, watermark time.Time, replacement []model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []model.Run
	for _, r := range m.runs[instanceID] {
		if r.Start.Before(watermark) {
			kept = append(kept, r)
		}
	}
	m.runs[instanceID] = append(kept, replacement...)
	return nil
}

func (m *Memory) LockInstance(_ context.Context, instanceID string) (func(), error) {
	m.lockMu.Lock()
	l, ok := m.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[instanceID] = l
	}
	m.lockMu.Unlock()
	l.Lock()
	return l.Unlock, nil
}

func (m *Memory) UpsertConcurrentUsage(_ context.Context, usage model.ConcurrentUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[usageKey(usage.User, usage.Date)] = usage
	return nil
}

func (m *Memory) GetConcurrentUsage(_ context.Context, user, date string) (model.ConcurrentUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usage[usageKey(user, date)]
	if !ok {
		return model.ConcurrentUsage{}, ErrNotFound
	}
	return u, nil
}

func sortEvents(events []model.InstanceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].Seq < events[j].Seq
	})
}
