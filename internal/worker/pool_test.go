package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/fetchpipeline"
	"github.com/jonesrussell/newscrawl/internal/queue"
	"github.com/jonesrussell/newscrawl/internal/retry"
	"github.com/jonesrussell/newscrawl/internal/store/memory"
)

func newQueueManager() *queue.Manager {
	return queue.New(memory.New(), retry.New(retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Second}), queue.Config{}, nil)
}

type recordingPipeline struct {
	mu          sync.Mutex
	seen        []string
	childrenFor map[string][]domain.Request
	failFor     map[string]error
}

func (p *recordingPipeline) Run(_ context.Context, req domain.Request) (*fetchpipeline.Result, error) {
	p.mu.Lock()
	p.seen = append(p.seen, req.URL)
	p.mu.Unlock()

	if err, ok := p.failFor[req.URL]; ok {
		return &fetchpipeline.Result{}, err
	}
	return &fetchpipeline.Result{Children: p.childrenFor[req.URL]}, nil
}

func (p *recordingPipeline) seenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type recordingMilestones struct {
	mu     sync.Mutex
	events []domain.Milestone
}

func (r *recordingMilestones) Publish(m domain.Milestone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, m)
}

func (r *recordingMilestones) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func runWithTimeout(t *testing.T, pool *Pool, ctx context.Context) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool.Start did not return in time")
	}
}

func TestPool_DrainsWhenQueueEmpties(t *testing.T) {
	qm := newQueueManager()
	ctx := context.Background()
	_, err := qm.Enqueue(ctx, domain.Request{URL: "https://a.test/"})
	require.NoError(t, err)

	pipeline := &recordingPipeline{}
	pool := New(qm, pipeline, nil, nil, Config{
		WorkerCount:       2,
		IdleBackoff:       10 * time.Millisecond,
		ExitCheckInterval: 10 * time.Millisecond,
	})

	runWithTimeout(t, pool, ctx)
	assert.Equal(t, 1, pipeline.seenCount())
	assert.Equal(t, StateStopped, pool.State())
}

func TestPool_EnqueuesChildrenFromResult(t *testing.T) {
	qm := newQueueManager()
	ctx := context.Background()
	_, err := qm.Enqueue(ctx, domain.Request{URL: "https://a.test/root"})
	require.NoError(t, err)

	pipeline := &recordingPipeline{
		childrenFor: map[string][]domain.Request{
			"https://a.test/root": {{URL: "https://a.test/child"}},
		},
	}
	pool := New(qm, pipeline, nil, nil, Config{
		WorkerCount:       1,
		IdleBackoff:       10 * time.Millisecond,
		ExitCheckInterval: 10 * time.Millisecond,
	})

	runWithTimeout(t, pool, ctx)

	pipeline.mu.Lock()
	defer pipeline.mu.Unlock()
	assert.ElementsMatch(t, []string{"https://a.test/root", "https://a.test/child"}, pipeline.seen)
}

func TestPool_MaxDownloadsStopsEarly(t *testing.T) {
	qm := newQueueManager()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := qm.Enqueue(ctx, domain.Request{URL: "https://a.test/" + string(rune('a'+i))})
		require.NoError(t, err)
	}

	pipeline := &recordingPipeline{}
	pool := New(qm, pipeline, nil, nil, Config{
		WorkerCount:       1,
		IdleBackoff:       10 * time.Millisecond,
		ExitCheckInterval: 5 * time.Millisecond,
		MaxDownloads:      3,
	})

	runWithTimeout(t, pool, ctx)
	assert.GreaterOrEqual(t, pipeline.seenCount(), 3)
	assert.Less(t, pipeline.seenCount(), 10)
}

func TestPool_SettlesTerminalFailureOutOfQueue(t *testing.T) {
	qm := newQueueManager()
	ctx := context.Background()
	_, err := qm.Enqueue(ctx, domain.Request{URL: "https://a.test/"})
	require.NoError(t, err)

	pipeline := &recordingPipeline{
		failFor: map[string]error{
			"https://a.test/": domain.NewPipelineError(domain.KindTerminal4xx, assertErr{"not found"}),
		},
	}
	pool := New(qm, pipeline, nil, nil, Config{
		WorkerCount:       1,
		IdleBackoff:       10 * time.Millisecond,
		ExitCheckInterval: 10 * time.Millisecond,
	})

	runWithTimeout(t, pool, ctx)

	stats, err := qm.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.InProgress)
}

func TestPool_StateTransitionsEmitMilestones(t *testing.T) {
	qm := newQueueManager()
	ctx := context.Background()
	_, err := qm.Enqueue(ctx, domain.Request{URL: "https://a.test/"})
	require.NoError(t, err)

	milestones := &recordingMilestones{}
	pipeline := &recordingPipeline{}
	pool := New(qm, pipeline, milestones, nil, Config{
		WorkerCount:       1,
		IdleBackoff:       10 * time.Millisecond,
		ExitCheckInterval: 10 * time.Millisecond,
	})

	runWithTimeout(t, pool, ctx)

	kinds := milestones.kinds()
	assert.Contains(t, kinds, domain.MilestoneStateChange)
}

func TestPool_AbortStopsWorkersPromptly(t *testing.T) {
	qm := newQueueManager()
	ctx := context.Background()
	// Nothing enqueued: workers idle-loop until aborted. The exit check
	// interval is large too, so the empty-queue exit criterion cannot stop
	// the pool before Abort does.
	pipeline := &recordingPipeline{}
	pool := New(qm, pipeline, nil, nil, Config{
		WorkerCount:       2,
		IdleBackoff:       time.Minute, // large: only Abort should unblock the test
		ExitCheckInterval: time.Minute,
	})

	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	pool.Abort()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after Abort")
	}
	assert.Equal(t, StateStopped, pool.State())
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
