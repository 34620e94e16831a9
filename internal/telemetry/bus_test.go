package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

type recordingStore struct {
	traces []domain.DecisionTrace
	failOn string
}

func (s *recordingStore) DecisionAppend(_ context.Context, trace domain.DecisionTrace) error {
	if s.failOn != "" && trace.URL == s.failOn {
		return assertErr{"write failed"}
	}
	s.traces = append(s.traces, trace)
	return nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestBus_DecisionAppendBuffersWithoutPersisting(t *testing.T) {
	bus := New(nil, nil, Config{PersistDecisionTraces: false})
	err := bus.DecisionAppend(context.Background(), domain.DecisionTrace{Kind: domain.DecisionCacheHit, URL: "https://a.test/"})
	require.NoError(t, err)

	bus.Flush(context.Background())
	snap := bus.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, domain.DecisionCacheHit, snap[0].Kind)
}

func TestBus_FlushPersistsWhenEnabled(t *testing.T) {
	store := &recordingStore{}
	bus := New(store, nil, Config{PersistDecisionTraces: true})

	require.NoError(t, bus.DecisionAppend(context.Background(), domain.DecisionTrace{Kind: domain.DecisionCacheMiss, URL: "https://a.test/"}))
	bus.Flush(context.Background())

	require.Len(t, store.traces, 1)
	assert.Empty(t, bus.Snapshot())
}

func TestBus_DecisionBufferDropsOldestWhenFull(t *testing.T) {
	bus := New(nil, nil, Config{DecisionBufferSize: 2})
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.DecisionAppend(context.Background(), domain.DecisionTrace{Kind: domain.DecisionCacheHit, URL: string(rune('a' + i))}))
	}
	snap := bus.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].URL)
	assert.Equal(t, "c", snap[1].URL)
}

func TestBus_PublishDeliversToSubscribers(t *testing.T) {
	bus := New(nil, nil, Config{})
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)

	bus.Publish(domain.Milestone{Kind: domain.MilestoneProgressTick, Fields: map[string]any{"visited": 1}})

	select {
	case m := <-ch:
		assert.Equal(t, domain.MilestoneProgressTick, m.Kind)
	case <-time.After(time.Second):
		t.Fatal("milestone not delivered")
	}
}

func TestBus_PublishDropsForFullSubscriberWithoutBlocking(t *testing.T) {
	bus := New(nil, nil, Config{MilestoneSubscriberBuffer: 1})
	_, ch := bus.Subscribe()

	bus.Publish(domain.Milestone{Kind: domain.MilestoneStateChange})
	done := make(chan struct{})
	go func() {
		bus.Publish(domain.Milestone{Kind: domain.MilestoneStateChange})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
	assert.Len(t, ch, 1)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil, nil, Config{})
	id, ch := bus.Subscribe()
	bus.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_DisableSuppressesDeliveryAndBuffering(t *testing.T) {
	bus := New(nil, nil, Config{})
	bus.Disable()

	require.NoError(t, bus.DecisionAppend(context.Background(), domain.DecisionTrace{Kind: domain.DecisionCacheHit}))
	assert.Empty(t, bus.Snapshot())

	_, ch := bus.Subscribe()
	bus.Publish(domain.Milestone{Kind: domain.MilestoneStateChange})
	select {
	case <-ch:
		t.Fatal("milestone delivered while disabled")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_RunFlushesOnTickerAndOnShutdown(t *testing.T) {
	store := &recordingStore{}
	bus := New(store, nil, Config{PersistDecisionTraces: true, FlushInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	require.NoError(t, bus.DecisionAppend(context.Background(), domain.DecisionTrace{Kind: domain.DecisionCacheHit, URL: "https://a.test/"}))

	require.Eventually(t, func() bool {
		return len(store.traces) >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
