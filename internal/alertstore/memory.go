package alertstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store backend. It keeps an index of open
// alerts by correlation key so duplicate suppression is a map lookup.
type MemoryStore struct {
	mu        sync.RWMutex
	alerts    map[uuid.UUID]*Alert
	openByKey map[string]uuid.UUID
	pub       Publisher
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store. pub may be nil.
func NewMemoryStore(pub Publisher) *MemoryStore {
	return &MemoryStore{
		alerts:    make(map[uuid.UUID]*Alert),
		openByKey: make(map[string]uuid.UUID),
		pub:       pub,
		now:       time.Now,
	}
}

// publish fans one update out. Callers must not hold s.mu: publishers are
// free to take their time and readers must not queue behind them.
func (s *MemoryStore) publish(t UpdateType, a *Alert) {
	if s.pub != nil {
		s.pub.Publish(Update{Type: t, Alert: a})
	}
}

// Create inserts a new alert in StatusNew.
func (s *MemoryStore) Create(_ context.Context, a *Alert) error {
	s.mu.Lock()
	if _, ok := s.alerts[a.ID]; ok {
		s.mu.Unlock()
		return storeErr("create", fmt.Errorf("duplicate alert id %s", a.ID))
	}

	stored := a.Clone()
	stored.Status = StatusNew
	if len(stored.StatusHistory) == 0 {
		stored.StatusHistory = []Transition{{Status: StatusNew, Actor: SystemActor, At: stored.FirstSeenAt}}
	}
	s.alerts[stored.ID] = stored
	if !stored.Synthetic {
		s.openByKey[stored.CorrelationKey] = stored.ID
	}
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(UpdateCreated, out)
	return nil
}

// Get returns the alert by id, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// OpenByKey returns the open alert for a correlation key, or ErrNotFound.
func (s *MemoryStore) OpenByKey(_ context.Context, key string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	a, ok := s.alerts[id]
	if !ok || !a.Status.Open() {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// RecordRepeat applies a Touch to an open alert.
func (s *MemoryStore) RecordRepeat(_ context.Context, id uuid.UUID, t Touch) (*Alert, error) {
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !a.Status.Open() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: alert %s is %s", ErrInvalidTransition, id, a.Status)
	}

	a.RepeatCount++
	if t.LastSeenAt.After(a.LastSeenAt) {
		a.LastSeenAt = t.LastSeenAt
	}
	if t.Severity.Rank() > a.Severity.Rank() {
		a.Severity = t.Severity
	}
	out := a.Clone()
	s.mu.Unlock()

	s.publish(UpdateRepeated, out.Clone())
	return out, nil
}

// SetStatus transitions an alert through the state machine.
func (s *MemoryStore) SetStatus(_ context.Context, id uuid.UUID, to Status, actor string) (*Alert, error) {
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := a.ApplyStatus(to, actor, s.now().UTC()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !a.Status.Open() {
		if cur, ok := s.openByKey[a.CorrelationKey]; ok && cur == a.ID {
			delete(s.openByKey, a.CorrelationKey)
		}
	}
	out := a.Clone()
	s.mu.Unlock()

	s.publish(UpdateStatusChanged, out.Clone())
	return out, nil
}

// List returns matching alerts, most recently seen first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Alert, error) {
	s.mu.RLock()
	matched := make([]*Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Matches(a) {
			matched = append(matched, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].LastSeenAt.Equal(matched[j].LastSeenAt) {
			return matched[i].LastSeenAt.After(matched[j].LastSeenAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []*Alert{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) Close() error { return nil }
