// Package queue implements the Queue Manager (§4.4): a durable,
// priority-ordered work list built atop the abstract store.Store,
// responsible for dedup-on-enqueue, leased dequeue, and translating a
// fetch outcome into a queue disposition (done, retried with backoff,
// skipped, or given up on).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/logger"
	"github.com/jonesrussell/newscrawl/internal/retry"
	"github.com/jonesrussell/newscrawl/internal/store"
)

// HubApplier stamps hub-freshness fetch-policy metadata onto a request
// before it's persisted, so every enqueue path (seeds, sitemap entries,
// discovered links) gets the same treatment regardless of origin (§4.6).
type HubApplier interface {
	Apply(req *domain.Request) *domain.DecisionTrace
}

// Config configures a Manager.
type Config struct {
	LeaseDuration time.Duration
	MaxAttempts   int
	MaxQueueSize  int
}

// DefaultLeaseDuration mirrors the worker loop's lease budget (§4.9).
const DefaultLeaseDuration = 5 * time.Minute

// Manager is the durable, priority-ordered work list sitting atop a
// store.Store.
type Manager struct {
	store store.Store
	retry *retry.Policy
	cfg   Config
	log   logger.Logger
	hub   HubApplier
}

// New builds a Manager.
func New(s store.Store, retryPolicy *retry.Policy, cfg Config, log logger.Logger) *Manager {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{store: s, retry: retryPolicy, cfg: cfg, log: log}
}

// SetHub wires the hub-freshness applier, invoked on every Enqueue before
// the dedup/backpressure checks. Optional: a nil hub leaves requests
// unstamped beyond what the caller (e.g. the link extractor) already set.
func (m *Manager) SetHub(h HubApplier) {
	m.hub = h
}

// EnqueueResult reports the outcome of Enqueue, including the reason a
// candidate was rejected.
type EnqueueResult struct {
	Accepted bool
	Reason   string
}

// Rejection reasons.
const (
	ReasonDuplicate    = "duplicate"
	ReasonQueueOverflow = "queue-overflow"
)

// Enqueue stamps req with an ID and EnqueuedAt if unset, applies the
// backpressure check against MaxQueueSize, and upserts it into the
// store, rejecting duplicates per the store's dedup rule (§4.4, §5
// Backpressure).
func (m *Manager) Enqueue(ctx context.Context, req domain.Request) (EnqueueResult, error) {
	if m.hub != nil {
		if trace := m.hub.Apply(&req); trace != nil {
			m.emitTrace(ctx, *trace)
		}
	}

	if m.cfg.MaxQueueSize > 0 {
		stats, err := m.store.QueueStats(ctx)
		if err != nil {
			return EnqueueResult{}, err
		}
		if stats.Queued+stats.InProgress >= m.cfg.MaxQueueSize {
			m.emitTrace(ctx, domain.DecisionTrace{
				TS:   now(),
				Kind: domain.DecisionQueueOverflow,
				URL:  req.URL,
				Host: req.Host,
				Fields: map[string]any{
					"priority": req.Priority,
					"queue_size": stats.Queued + stats.InProgress,
				},
			})
			return EnqueueResult{Accepted: false, Reason: ReasonQueueOverflow}, nil
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now()
	}

	entry := domain.QueueEntry{Request: req, Status: domain.StatusQueued}
	accepted, err := m.store.QueueUpsert(ctx, entry)
	if err != nil {
		return EnqueueResult{}, err
	}
	if !accepted {
		return EnqueueResult{Accepted: false, Reason: ReasonDuplicate}, nil
	}
	return EnqueueResult{Accepted: true}, nil
}

// Dequeue leases the highest-priority eligible entry to workerID, or
// returns nil if nothing is currently eligible.
func (m *Manager) Dequeue(ctx context.Context, workerID string) (*domain.QueueEntry, error) {
	entry, err := m.store.QueuePickNext(ctx, workerID, m.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, store.ErrNoEntryAvailable) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

// Settle applies the outcome of a fetch pipeline run to the entry
// identified by req.ID, translating the PipelineError Kind (if any)
// into a store.Outcome per the retry policy of §4.4/§7.
func (m *Manager) Settle(ctx context.Context, req domain.Request, pipelineErr error) error {
	outcome := m.outcomeFor(req, pipelineErr)
	return m.store.QueueSettle(ctx, req.ID, outcome)
}

func (m *Manager) outcomeFor(req domain.Request, pipelineErr error) store.Outcome {
	if pipelineErr == nil {
		return store.Outcome{Status: domain.StatusDone}
	}

	var pe *domain.PipelineError
	if !errors.As(pipelineErr, &pe) {
		return store.Outcome{Status: domain.StatusError, LastError: pipelineErr.Error()}
	}

	switch pe.Kind {
	case domain.KindMalformed, domain.KindPolicyDenied:
		return store.Outcome{Status: domain.StatusSkipped, LastError: pe.Error()}
	case domain.KindTerminal4xx, domain.KindBodyTooLarge, domain.KindInternal:
		return store.Outcome{Status: domain.StatusError, LastError: pe.Error()}
	case domain.KindCanceled:
		// Returns to the queue with its attempt count unchanged (§5
		// Cancellation).
		return store.Outcome{Status: domain.StatusQueued}
	case domain.KindTransient:
		return m.transientOutcome(req, pe)
	default:
		return store.Outcome{Status: domain.StatusError, LastError: pe.Error()}
	}
}

func (m *Manager) transientOutcome(req domain.Request, pe *domain.PipelineError) store.Outcome {
	maxAttempts := m.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.retry.MaxAttempts()
	}
	if req.Attempt+1 >= maxAttempts {
		return store.Outcome{Status: domain.StatusError, LastError: "give up: " + pe.Error()}
	}

	delay := m.retry.NextDelay(req.Attempt + 1)
	return store.Outcome{
		Status:         domain.StatusQueued,
		LastError:      pe.Error(),
		NextEligibleAt: now().Add(delay),
	}
}

// ReclaimExpiredLeases returns expired in-progress entries to queued
// with an incremented attempt count (§4.4, run periodically by the
// orchestrator).
func (m *Manager) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	return m.store.QueueReclaimExpiredLeases(ctx, now())
}

// Stats reports the current queue occupancy, consulted by the worker
// pool's exit-criteria check (§4.9).
func (m *Manager) Stats(ctx context.Context) (store.QueueStats, error) {
	return m.store.QueueStats(ctx)
}

// farFuture is used by RequeueAllInProgress to treat every in-progress
// lease as expired, regardless of its actual LeaseExpiresAt.
const farFuture = 100 * 365 * 24 * time.Hour

// RequeueAllInProgress returns every in-progress entry to queued,
// incrementing its attempt count, by reusing the expired-lease reclaim
// path with a future reference time. Run once at orchestrator startup
// to restore leases a prior process crashed while holding (§4.11).
func (m *Manager) RequeueAllInProgress(ctx context.Context) (int, error) {
	return m.store.QueueReclaimExpiredLeases(ctx, now().Add(farFuture))
}

func (m *Manager) emitTrace(ctx context.Context, trace domain.DecisionTrace) {
	if err := m.store.DecisionAppend(ctx, trace); err != nil {
		m.log.Warn("persist decision trace failed", logger.String("kind", trace.Kind), logger.Err(err))
	}
}

var now = time.Now
