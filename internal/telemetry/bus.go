// Package telemetry implements the Milestones and Decision Log (§4.10):
// best-effort progress/lifecycle fan-out and buffered, gate-on-config
// decision trace persistence. Neither event kind may ever block or fail
// the fetch pipeline that emits them.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/logger"
)

// DecisionStore is the durable sink flushed decision traces reach when
// persistence is enabled.
type DecisionStore interface {
	DecisionAppend(ctx context.Context, trace domain.DecisionTrace) error
}

// Config configures a Bus.
type Config struct {
	// PersistDecisionTraces gates whether flushed traces reach the store
	// (§4.10); when false they're retained only in the in-memory ring for
	// in-process inspection.
	PersistDecisionTraces bool
	// DecisionBufferSize caps the in-memory decision trace ring; oldest
	// traces are dropped once full.
	DecisionBufferSize int
	// MilestoneSubscriberBuffer sizes each subscriber's delivery channel.
	MilestoneSubscriberBuffer int
	// FlushInterval is how often Run drains the decision buffer to the
	// store when persistence is enabled.
	FlushInterval time.Duration
}

const (
	defaultDecisionBufferSize        = 1000
	defaultMilestoneSubscriberBuffer = 64
	defaultFlushInterval             = 5 * time.Second
)

func (c *Config) setDefaults() {
	if c.DecisionBufferSize <= 0 {
		c.DecisionBufferSize = defaultDecisionBufferSize
	}
	if c.MilestoneSubscriberBuffer <= 0 {
		c.MilestoneSubscriberBuffer = defaultMilestoneSubscriberBuffer
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
}

// Bus is the in-process telemetry dispatcher. It implements
// fetchpipeline.DecisionRecorder (DecisionAppend), robots.DecisionEmitter
// (Emit) and worker.MilestoneSink (Publish), so it can be wired into any of
// them without those packages importing telemetry.
type Bus struct {
	store DecisionStore
	log   logger.Logger
	cfg   Config

	disabled atomic.Bool

	mu      sync.Mutex
	ring    []domain.DecisionTrace
	subs    map[int]chan domain.Milestone
	nextSub int
}

// New builds a Bus. store may be nil if PersistDecisionTraces is false.
func New(store DecisionStore, log logger.Logger, cfg Config) *Bus {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	return &Bus{
		store: store,
		log:   log,
		cfg:   cfg,
		subs:  make(map[int]chan domain.Milestone),
	}
}

// Disable stops all delivery (useful for tests and for a paused
// orchestrator that doesn't want noise).
func (b *Bus) Disable() { b.disabled.Store(true) }

// Enable resumes delivery.
func (b *Bus) Enable() { b.disabled.Store(false) }

// DecisionAppend buffers trace in the in-memory ring, dropping the oldest
// entry once DecisionBufferSize is reached. It never returns an error to
// the caller; buffering is always best-effort.
func (b *Bus) DecisionAppend(_ context.Context, trace domain.DecisionTrace) error {
	if b.disabled.Load() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = append(b.ring, trace)
	if over := len(b.ring) - b.cfg.DecisionBufferSize; over > 0 {
		b.ring = b.ring[over:]
	}
	return nil
}

// Emit buffers trace exactly as DecisionAppend does.
func (b *Bus) Emit(trace domain.DecisionTrace) {
	_ = b.DecisionAppend(context.Background(), trace)
}

// Snapshot returns a copy of the currently buffered decision traces, for
// in-process inspection when persistence is disabled.
func (b *Bus) Snapshot() []domain.DecisionTrace {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.DecisionTrace, len(b.ring))
	copy(out, b.ring)
	return out
}

// Flush drains the buffered decision traces to the store when
// PersistDecisionTraces is set; otherwise it's a no-op (the ring simply
// keeps rolling). A per-trace write failure is logged, not propagated —
// one bad trace must never stall the buffer.
func (b *Bus) Flush(ctx context.Context) {
	if !b.cfg.PersistDecisionTraces || b.store == nil {
		return
	}

	b.mu.Lock()
	pending := b.ring
	b.ring = nil
	b.mu.Unlock()

	for _, trace := range pending {
		if err := b.store.DecisionAppend(ctx, trace); err != nil {
			b.log.Warn("persist decision trace failed",
				logger.String("kind", trace.Kind),
				logger.String("url", trace.URL),
				logger.Err(err),
			)
		}
	}
}

// Publish fans a milestone out to every current subscriber, best-effort:
// a subscriber whose channel is full has the event dropped for it rather
// than blocking the emitting goroutine.
func (b *Bus) Publish(m domain.Milestone) {
	if b.disabled.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- m:
		default:
			b.log.Debug("dropped milestone for slow subscriber",
				logger.Int("subscriber_id", id),
				logger.String("kind", m.Kind),
			)
		}
	}
}

// Subscribe registers a new milestone listener and returns its channel and
// an id to later Unsubscribe with. The channel is closed on Unsubscribe.
func (b *Bus) Subscribe() (id int, ch <-chan domain.Milestone) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.nextSub
	b.nextSub++
	c := make(chan domain.Milestone, b.cfg.MilestoneSubscriberBuffer)
	b.subs[id] = c
	return id, c
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Run periodically flushes the decision buffer until ctx is canceled,
// realizing the orchestrator's telemetry flush tick (§5). It returns once
// ctx is done.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}
