// Package memory provides an in-process store.Store implementation backed
// by maps and mutexes, used for tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	queue   map[string]*domain.QueueEntry
	byURL   map[string]string // canonical URL -> entry id
	cache   map[string]domain.CachedPage
	robots  map[string]domain.RobotsPolicy
	pages   []domain.PageRecord
	traces  []domain.DecisionTrace
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		queue:  make(map[string]*domain.QueueEntry),
		byURL:  make(map[string]string),
		cache:  make(map[string]domain.CachedPage),
		robots: make(map[string]domain.RobotsPolicy),
	}
}

// QueueUpsert implements store.Store.
func (s *Store) QueueUpsert(_ context.Context, entry domain.QueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byURL[entry.Request.URL]; ok {
		existing := s.queue[id]
		if existing.Status == domain.StatusQueued && entry.Request.Priority < existing.Request.Priority {
			existing.Request.Priority = entry.Request.Priority
		}
		return false, nil
	}

	if entry.Request.ID == "" {
		entry.Request.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = domain.StatusQueued
	}
	e := entry
	s.queue[e.Request.ID] = &e
	s.byURL[e.Request.URL] = e.Request.ID
	return true, nil
}

// QueuePickNext implements store.Store.
func (s *Store) QueuePickNext(_ context.Context, workerID string, leaseDuration time.Duration) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*domain.QueueEntry
	now := time.Now()
	for _, e := range s.queue {
		if e.Status != domain.StatusQueued {
			continue
		}
		if e.LeaseExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, store.ErrNoEntryAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Request.Priority != candidates[j].Request.Priority {
			return candidates[i].Request.Priority < candidates[j].Request.Priority
		}
		return candidates[i].Request.EnqueuedAt.Before(candidates[j].Request.EnqueuedAt)
	})

	chosen := candidates[0]
	chosen.Status = domain.StatusInProgress
	chosen.LeasedBy = workerID
	chosen.LeaseExpiresAt = now.Add(leaseDuration)

	out := *chosen
	return &out, nil
}

// QueueSettle implements store.Store.
func (s *Store) QueueSettle(_ context.Context, id string, outcome store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[id]
	if !ok {
		return nil
	}
	e.Status = outcome.Status
	e.LastError = outcome.LastError
	e.LeasedBy = ""
	if outcome.Status == domain.StatusQueued {
		e.Request.Attempt++
	}
	e.LeaseExpiresAt = outcome.NextEligibleAt
	return nil
}

// QueueReclaimExpiredLeases implements store.Store.
func (s *Store) QueueReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.queue {
		if e.Status == domain.StatusInProgress && e.LeaseExpiresAt.Before(now) {
			e.Status = domain.StatusQueued
			e.Request.Attempt++
			e.LeasedBy = ""
			n++
		}
	}
	return n, nil
}

// QueueStats implements store.Store.
func (s *Store) QueueStats(_ context.Context) (store.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats store.QueueStats
	for _, e := range s.queue {
		switch e.Status {
		case domain.StatusQueued:
			stats.Queued++
		case domain.StatusInProgress:
			stats.InProgress++
		case domain.StatusDone:
			stats.Done++
		}
	}
	return stats, nil
}

// CacheGet implements store.Store.
func (s *Store) CacheGet(_ context.Context, url string, maxAge time.Duration) (*domain.CachedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.cache[url]
	if !ok {
		return nil, nil
	}
	if maxAge > 0 && time.Since(page.FetchedAt) > maxAge {
		return nil, nil
	}
	out := page
	return &out, nil
}

// CacheGetAny implements store.Store.
func (s *Store) CacheGetAny(_ context.Context, url string) (*domain.CachedPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.cache[url]
	if !ok {
		return nil, nil
	}
	out := page
	return &out, nil
}

// CachePut implements store.Store.
func (s *Store) CachePut(_ context.Context, page domain.CachedPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[page.URL] = page
	return nil
}

// RobotsGet implements store.Store.
func (s *Store) RobotsGet(_ context.Context, host string) (*domain.RobotsPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.robots[host]
	if !ok {
		return nil, nil
	}
	out := p
	return &out, nil
}

// RobotsPut implements store.Store.
func (s *Store) RobotsPut(_ context.Context, policy domain.RobotsPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.robots[policy.Host] = policy
	return nil
}

// PagePut implements store.Store.
func (s *Store) PagePut(_ context.Context, record domain.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, record)
	return nil
}

// DecisionAppend implements store.Store.
func (s *Store) DecisionAppend(_ context.Context, trace domain.DecisionTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, trace)
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }
