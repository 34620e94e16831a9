// Package store defines the Store interface: the core's only persistence
// dependency (§6.2). The core never assumes a physical schema; concrete
// adapters live in subpackages (postgres, memory).
package store

import (
	"context"
	"time"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

// Outcome is the terminal or retry disposition recorded by QueueSettle.
type Outcome struct {
	Status    string // one of domain.Status*
	LastError string
	// NextEligibleAt is when a retryable entry becomes eligible for
	// re-dequeue again; zero means immediately eligible.
	NextEligibleAt time.Time
}

// Store is the abstract persistence boundary used by the Queue Manager,
// Cache, Robots Manager, and Crawl Orchestrator. Implementations must be
// safe for concurrent callers; durability requirement: after a successful
// QueueSettle(done) the effect survives restart.
type Store interface {
	// QueueUpsert inserts or updates entry, rejecting duplicates per the
	// dedup rule in §4.4 (identity = canonical URL).
	QueueUpsert(ctx context.Context, entry domain.QueueEntry) (accepted bool, err error)
	// QueuePickNext selects the highest-priority eligible entry, leases
	// it to workerID for leaseDuration, and marks it in-progress.
	QueuePickNext(ctx context.Context, workerID string, leaseDuration time.Duration) (*domain.QueueEntry, error)
	// QueueSettle applies outcome to the entry identified by id.
	QueueSettle(ctx context.Context, id string, outcome Outcome) error
	// QueueReclaimExpiredLeases returns expired in-progress entries to
	// queued with an incremented attempt count, and reports how many.
	QueueReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)
	// QueueStats reports a coarse snapshot used by exit-criteria checks.
	QueueStats(ctx context.Context) (QueueStats, error)

	CacheGet(ctx context.Context, url string, maxAge time.Duration) (*domain.CachedPage, error)
	CachePut(ctx context.Context, page domain.CachedPage) error
	CacheGetAny(ctx context.Context, url string) (*domain.CachedPage, error)

	RobotsGet(ctx context.Context, host string) (*domain.RobotsPolicy, error)
	RobotsPut(ctx context.Context, policy domain.RobotsPolicy) error

	PagePut(ctx context.Context, record domain.PageRecord) error

	DecisionAppend(ctx context.Context, trace domain.DecisionTrace) error

	// Close releases any resources held by the store.
	Close() error
}

// QueueStats is a coarse snapshot of queue occupancy.
type QueueStats struct {
	Queued       int
	InProgress   int
	Done         int
	PendingLease int
}

// ErrNoEntryAvailable is returned by QueuePickNext when nothing is
// currently eligible to dequeue.
var ErrNoEntryAvailable = errNoEntryAvailable{}

type errNoEntryAvailable struct{}

func (errNoEntryAvailable) Error() string { return "store: no queue entry available" }
