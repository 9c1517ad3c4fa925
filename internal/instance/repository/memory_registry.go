package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ctfgate/internal/instance/model"
)

// MemoryRegistry is a process-local Registry for single-replica deployments and tests.
type MemoryRegistry struct {
	mu     sync.RWMutex
	byKey  map[model.InstanceKey]*model.InstanceRecord
	byPort map[int]*model.InstanceRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byKey:  make(map[model.InstanceKey]*model.InstanceRecord),
		byPort: make(map[int]*model.InstanceRecord),
	}
}

func (r *MemoryRegistry) FindByKey(_ context.Context, key model.InstanceKey) (*model.InstanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.byKey[key]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *MemoryRegistry) FindByPort(_ context.Context, hostPort int) (*model.InstanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.byPort[hostPort]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	clone := *record
	return &clone, nil
}

func (r *MemoryRegistry) InsertIfAbsent(_ context.Context, record *model.InstanceRecord) (*model.InstanceRecord, bool, error) {
	if record == nil {
		return nil, false, errors.New("record is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[record.Key()]; ok {
		clone := *existing
		return &clone, false, nil
	}
	if _, ok := r.byPort[record.HostPort]; ok {
		return nil, false, ErrPortConflict
	}
	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.byKey[stored.Key()] = &stored
	r.byPort[stored.HostPort] = &stored
	return nil, true, nil
}

func (r *MemoryRegistry) DeleteIfMatches(_ context.Context, key model.InstanceKey, containerRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.byKey[key]
	if !ok || record.ContainerRef != containerRef {
		return false, nil
	}
	delete(r.byKey, key)
	if held, ok := r.byPort[record.HostPort]; ok && held == record {
		delete(r.byPort, record.HostPort)
	}
	return true, nil
}

func (r *MemoryRegistry) ReplaceIfMatches(_ context.Context, stale, record *model.InstanceRecord) (*model.InstanceRecord, bool, error) {
	if stale == nil || record == nil {
		return nil, false, errors.New("record is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.byKey[stale.Key()]
	if !ok || held.ContainerRef != stale.ContainerRef {
		return nil, false, nil
	}
	if existing, ok := r.byKey[record.Key()]; ok && existing != held {
		clone := *existing
		return &clone, false, nil
	}
	if owner, ok := r.byPort[record.HostPort]; ok && owner != held {
		return nil, false, ErrPortConflict
	}

	delete(r.byKey, stale.Key())
	if owner, ok := r.byPort[held.HostPort]; ok && owner == held {
		delete(r.byPort, held.HostPort)
	}
	stored := *record
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.byKey[stored.Key()] = &stored
	r.byPort[stored.HostPort] = &stored
	return nil, true, nil
}

func (r *MemoryRegistry) CountByPrincipal(_ context.Context, principalID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for key := range r.byKey {
		if key.PrincipalID == principalID {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]*model.InstanceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*model.InstanceRecord, 0, len(r.byKey))
	for _, record := range r.byKey {
		clone := *record
		records = append(records, &clone)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

var _ Registry = (*MemoryRegistry)(nil)
