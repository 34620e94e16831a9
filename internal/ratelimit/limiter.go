// Package ratelimit enforces global concurrency and per-domain politeness
// (§4.3): a global token bucket gates all network I/O, and a per-domain
// gate admits only perDomainConcurrency in-flight fetches to a host, not
// before nextAllowedAt. Waiters for the same host are admitted by
// priority (lowest value first), ties broken by FIFO arrival order.
package ratelimit

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

// Config configures a Limiter.
type Config struct {
	GlobalConcurrency    int
	PerDomainConcurrency int
	BaseDomainDelay      time.Duration
	MaxBackoff           time.Duration
}

// Limiter is the combined global + per-domain rate limiter.
type Limiter struct {
	globalTokens chan struct{}
	perDomain    int
	baseDelay    time.Duration
	maxBackoff   time.Duration

	seq int64

	mu     sync.Mutex
	hosts  map[string]*hostState
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	global := cfg.GlobalConcurrency
	if global <= 0 {
		global = 1
	}
	tokens := make(chan struct{}, global)
	for range global {
		tokens <- struct{}{}
	}

	perDomain := cfg.PerDomainConcurrency
	if perDomain <= 0 {
		perDomain = 1
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 10 * time.Minute
	}

	return &Limiter{
		globalTokens: tokens,
		perDomain:    perDomain,
		baseDelay:    cfg.BaseDomainDelay,
		maxBackoff:   maxBackoff,
		hosts:        make(map[string]*hostState),
	}
}

// Release is returned by Acquire and must be called exactly once after
// the fetch completes, reporting whether it succeeded and any
// robots-declared crawl delay to honor for the next fetch to that host.
type Release func(success bool, robotsCrawlDelay time.Duration)

// Acquire blocks until a global token and a per-domain slot are both
// available for host, or ctx is canceled. priority and seq determine
// fairness among concurrent waiters for the same host.
func (l *Limiter) Acquire(ctx context.Context, host string, priority int) (Release, error) {
	if err := l.acquireGlobal(ctx); err != nil {
		return nil, err
	}

	if err := l.acquireDomain(ctx, host, priority); err != nil {
		l.releaseGlobal()
		return nil, err
	}

	released := false
	return func(success bool, robotsCrawlDelay time.Duration) {
		if released {
			return
		}
		released = true
		l.releaseDomain(host, success, robotsCrawlDelay)
		l.releaseGlobal()
	}, nil
}

func (l *Limiter) acquireGlobal(ctx context.Context) error {
	select {
	case <-l.globalTokens:
		return nil
	case <-ctx.Done():
		return domain.ErrCanceled
	}
}

func (l *Limiter) releaseGlobal() {
	l.globalTokens <- struct{}{}
}

// hostState holds the per-host scheduling state and waiter queue.
type hostState struct {
	mu                sync.Mutex
	waiters           waiterHeap
	inFlight          int
	nextAllowedAt     time.Time
	consecutiveErrors int
	wake              chan struct{}
}

func (l *Limiter) hostStateFor(host string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()

	hs, ok := l.hosts[host]
	if !ok {
		hs = &hostState{wake: make(chan struct{})}
		l.hosts[host] = hs
	}
	return hs
}

// waiter is a single blocked acquirer for a host, ordered by priority
// (lower first) then seq (earlier first).
type waiter struct {
	priority int
	seq      int64
	index    int
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (l *Limiter) acquireDomain(ctx context.Context, host string, priority int) error {
	hs := l.hostStateFor(host)
	w := &waiter{priority: priority, seq: atomic.AddInt64(&l.seq, 1)}

	hs.mu.Lock()
	heap.Push(&hs.waiters, w)
	hs.mu.Unlock()

	for {
		hs.mu.Lock()
		now := time.Now()
		eligible := hs.waiters.Len() > 0 && hs.waiters[0] == w &&
			hs.inFlight < l.perDomain && !now.Before(hs.nextAllowedAt)

		if eligible {
			heap.Pop(&hs.waiters)
			hs.inFlight++
			// Wake the next waiter in line too: capacity may remain for
			// it even though it wasn't the one just admitted, and
			// otherwise it would only ever wake on a future release.
			wake := hs.wake
			hs.wake = make(chan struct{})
			hs.mu.Unlock()
			close(wake)
			return nil
		}

		wake := hs.wake
		var timerC <-chan time.Time
		if now.Before(hs.nextAllowedAt) {
			timer := time.NewTimer(hs.nextAllowedAt.Sub(now))
			defer timer.Stop()
			timerC = timer.C
		}
		hs.mu.Unlock()

		select {
		case <-ctx.Done():
			l.removeWaiter(hs, w)
			return domain.ErrCanceled
		case <-wake:
		case <-timerC:
		}
	}
}

func (l *Limiter) removeWaiter(hs *hostState, w *waiter) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	for i, other := range hs.waiters {
		if other == w {
			heap.Remove(&hs.waiters, i)
			return
		}
	}
}

// releaseDomain records the outcome of a fetch and computes the next
// allowed fetch time: max(baseDelay, robotsCrawlDelay) on success, with
// exponential backoff applied on consecutive failures (§4.3).
func (l *Limiter) releaseDomain(host string, success bool, robotsCrawlDelay time.Duration) {
	hs := l.hostStateFor(host)

	hs.mu.Lock()
	hs.inFlight--

	delay := l.baseDelay
	if robotsCrawlDelay > delay {
		delay = robotsCrawlDelay
	}

	if success {
		hs.consecutiveErrors = 0
	} else {
		hs.consecutiveErrors++
		backoff := l.baseDelay * time.Duration(1<<min(hs.consecutiveErrors, 6))
		if backoff > delay {
			delay = backoff
		}
		if delay > l.maxBackoff {
			delay = l.maxBackoff
		}
	}

	hs.nextAllowedAt = time.Now().Add(delay)

	wake := hs.wake
	hs.wake = make(chan struct{})
	hs.mu.Unlock()

	close(wake)
}

// DomainState reports a snapshot of the current per-host state, for
// diagnostics.
func (l *Limiter) DomainState(host string) domain.DomainState {
	hs := l.hostStateFor(host)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	return domain.DomainState{
		Host:              host,
		InFlightCount:     hs.inFlight,
		NextAllowedAt:     hs.nextAllowedAt,
		ConsecutiveErrors: hs.consecutiveErrors,
	}
}
