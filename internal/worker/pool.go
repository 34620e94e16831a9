// Package worker implements the Worker Pool & Scheduler (§4.9): N worker
// goroutines that dequeue, run the fetch pipeline, settle the outcome, and
// enqueue any discovered children, driven by an explicit lifecycle state
// machine with pause/drain/abort control.
package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/fetchpipeline"
	"github.com/jonesrussell/newscrawl/internal/logger"
	"github.com/jonesrussell/newscrawl/internal/queue"
	"github.com/jonesrussell/newscrawl/internal/safe"
	"github.com/jonesrussell/newscrawl/internal/store"
)

// State is a node in the scheduler's lifecycle state machine (§4.9):
// Idle -> Running -> {Pausing -> Paused -> Running} -> Draining -> Stopped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StatePausing
	StatePaused
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// QueueManager is the subset of *queue.Manager the pool depends on.
type QueueManager interface {
	Dequeue(ctx context.Context, workerID string) (*domain.QueueEntry, error)
	Settle(ctx context.Context, req domain.Request, pipelineErr error) error
	Enqueue(ctx context.Context, req domain.Request) (queue.EnqueueResult, error)
	Stats(ctx context.Context) (store.QueueStats, error)
}

// Pipeline is the subset of *fetchpipeline.Pipeline the pool depends on.
type Pipeline interface {
	Run(ctx context.Context, req domain.Request) (*fetchpipeline.Result, error)
}

// MilestoneSink receives best-effort progress and lifecycle events (§4.10).
// A nil sink is valid; milestones are simply dropped.
type MilestoneSink interface {
	Publish(domain.Milestone)
}

// Config configures a Pool.
type Config struct {
	WorkerCount       int
	WorkerIDPrefix    string
	IdleBackoff       time.Duration
	ExitCheckInterval time.Duration
	ProgressTickEvery int
	MaxDownloads      int
	Deadline          time.Time
}

const (
	defaultIdleBackoff       = 2 * time.Second
	defaultExitCheckInterval = 500 * time.Millisecond
	defaultProgressTickEvery = 50
	defaultWorkerIDPrefix    = "worker-"
)

func (c *Config) setDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.WorkerIDPrefix == "" {
		c.WorkerIDPrefix = defaultWorkerIDPrefix
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = defaultIdleBackoff
	}
	if c.ExitCheckInterval <= 0 {
		c.ExitCheckInterval = defaultExitCheckInterval
	}
	if c.ProgressTickEvery <= 0 {
		c.ProgressTickEvery = defaultProgressTickEvery
	}
}

// Pool manages a set of fetch workers, each running the
// dequeue -> pipeline.Run -> settle -> enqueue-children loop, under a
// single lifecycle state machine shared by all workers.
type Pool struct {
	queue      QueueManager
	pipeline   Pipeline
	milestones MilestoneSink
	log        logger.Logger
	cfg        Config

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	visited  int64
	inFlight int64

	abortOnce sync.Once
	abort     chan struct{}
}

// New builds a Pool. queue and pipeline must be non-nil; milestones and log
// may be nil (milestones are dropped, logging becomes a no-op).
func New(qm QueueManager, pipeline Pipeline, milestones MilestoneSink, log logger.Logger, cfg Config) *Pool {
	cfg.setDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	p := &Pool{
		queue:      qm,
		pipeline:   pipeline,
		milestones: milestones,
		log:        log,
		cfg:        cfg,
		state:      StateIdle,
		abort:      make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetDeadline overrides the wall-clock exit deadline (§4.9). Call before
// Start; once running, the exit monitor reads the deadline on every tick.
func (p *Pool) SetDeadline(d time.Time) {
	p.mu.Lock()
	p.cfg.Deadline = d
	p.mu.Unlock()
}

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches cfg.WorkerCount worker goroutines and an exit-criteria
// monitor, then blocks until every worker has stopped (on Draining
// completing, context cancellation, or Abort). Safe to call once per Pool.
func (p *Pool) Start(ctx context.Context) error {
	p.setState(StateRunning)
	p.log.Info("starting worker pool", logger.Int("worker_count", p.cfg.WorkerCount))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.WorkerCount; i++ {
		wg.Add(1)
		workerID := p.cfg.WorkerIDPrefix + strconv.Itoa(i)
		safe.Go(p.log, "worker-"+workerID, func() {
			defer wg.Done()
			p.workerLoop(runCtx, workerID)
		})
	}

	wg.Add(1)
	safe.Go(p.log, "exit-monitor", func() {
		defer wg.Done()
		p.monitorLoop(runCtx, cancel)
	})

	wg.Wait()
	p.setState(StateStopped)
	p.log.Info("worker pool stopped")
	return nil
}

// Pause transitions Running -> Pausing; workers finish their current
// in-flight request and then block before their next dequeue.
func (p *Pool) Pause() {
	p.mu.Lock()
	if p.state == StateRunning {
		p.setStateLocked(StatePausing)
	}
	p.mu.Unlock()
}

// Resume transitions Paused (or Pausing) back to Running and wakes any
// workers blocked waiting out a pause.
func (p *Pool) Resume() {
	p.mu.Lock()
	if p.state == StatePaused || p.state == StatePausing {
		p.setStateLocked(StateRunning)
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// Abort immediately begins draining and wakes any blocked waits; the exit
// monitor then cancels the context in-flight pipeline runs use (§4.9).
// Aborting a pool that has already stopped leaves it Stopped.
func (p *Pool) Abort() {
	p.mu.Lock()
	if p.state != StateStopped {
		p.setStateLocked(StateDraining)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.abortOnce.Do(func() { close(p.abort) })
}

func (p *Pool) setState(s State) {
	p.mu.Lock()
	p.setStateLocked(s)
	p.mu.Unlock()
}

func (p *Pool) setStateLocked(s State) {
	if p.state == s {
		return
	}
	from := p.state
	p.state = s
	p.emitMilestone(domain.MilestoneStateChange, map[string]any{
		"from": from.String(),
		"to":   s.String(),
	})
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	p.log.Info("worker started", logger.String("worker_id", workerID))
	defer p.log.Info("worker stopping", logger.String("worker_id", workerID))

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.waitWhilePaused(ctx) {
			return
		}
		if p.State() >= StateDraining {
			return
		}
		p.mu.Lock()
		reached := p.cfg.MaxDownloads > 0 && p.visited >= int64(p.cfg.MaxDownloads)
		p.mu.Unlock()
		if reached {
			return
		}

		entry, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			p.log.Error("dequeue failed", logger.String("worker_id", workerID), logger.Err(err))
			if !p.sleepOrAbort(ctx, p.cfg.IdleBackoff) {
				return
			}
			continue
		}
		if entry == nil {
			if !p.sleepOrAbort(ctx, p.cfg.IdleBackoff) {
				return
			}
			continue
		}

		p.processEntry(ctx, workerID, entry)
	}
}

// waitWhilePaused blocks the caller while the pool is Pausing/Paused,
// returning false if the context is canceled while waiting. An Abort also
// ends the wait, leaving the pool Draining for the caller to observe.
func (p *Pool) waitWhilePaused(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.state == StatePausing || p.state == StatePaused {
		p.state = StatePaused
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-p.abort:
				p.cond.Broadcast()
			case <-done:
			}
		}()
		p.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			return false
		}
	}
	return true
}

func (p *Pool) sleepOrAbort(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.abort:
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pool) processEntry(ctx context.Context, workerID string, entry *domain.QueueEntry) {
	p.mu.Lock()
	p.inFlight++
	p.mu.Unlock()

	result, runErr := p.pipeline.Run(ctx, entry.Request)

	p.mu.Lock()
	p.inFlight--
	p.visited++
	visited := p.visited
	p.mu.Unlock()

	if settleErr := p.queue.Settle(ctx, entry.Request, runErr); settleErr != nil {
		p.log.Error("settle failed",
			logger.String("worker_id", workerID),
			logger.String("url", entry.Request.URL),
			logger.Err(settleErr),
		)
	}

	if runErr != nil {
		p.log.Warn("pipeline run failed",
			logger.String("worker_id", workerID),
			logger.String("url", entry.Request.URL),
			logger.Err(runErr),
		)
	}

	if result != nil {
		p.enqueueChildren(ctx, result.Children)
	}

	if visited%int64(p.cfg.ProgressTickEvery) == 0 {
		p.emitMilestone(domain.MilestoneProgressTick, map[string]any{"visited": visited})
	}
}

func (p *Pool) enqueueChildren(ctx context.Context, children []domain.Request) {
	for _, child := range children {
		if _, err := p.queue.Enqueue(ctx, child); err != nil {
			p.log.Warn("enqueue child failed", logger.String("url", child.URL), logger.Err(err))
		}
	}
}

// monitorLoop watches the exit criteria (§4.9) and the wall-clock deadline,
// transitioning the pool into Draining and canceling runCtx once in-flight
// work has had a chance to observe the state change.
func (p *Pool) monitorLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.cfg.ExitCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.abort:
			cancel()
			return
		case <-ticker.C:
			if p.exitCriteriaMet(ctx) {
				p.setState(StateDraining)
				cancel()
				return
			}
		}
	}
}

func (p *Pool) exitCriteriaMet(ctx context.Context) bool {
	if !p.cfg.Deadline.IsZero() && time.Now().After(p.cfg.Deadline) {
		return true
	}

	p.mu.Lock()
	visited := p.visited
	inFlight := p.inFlight
	p.mu.Unlock()

	if p.cfg.MaxDownloads > 0 && visited >= int64(p.cfg.MaxDownloads) {
		return true
	}

	stats, err := p.queue.Stats(ctx)
	if err != nil {
		p.log.Warn("queue stats check failed", logger.Err(err))
		return false
	}
	if stats.Queued == 0 && stats.InProgress == 0 && inFlight == 0 {
		return true
	}
	return false
}

func (p *Pool) emitMilestone(kind string, fields map[string]any) {
	if p.milestones == nil {
		return
	}
	p.milestones.Publish(domain.Milestone{TS: time.Now(), Kind: kind, Fields: fields})
}
