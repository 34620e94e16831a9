package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_PerDomainSerialization(t *testing.T) {
	l := New(Config{GlobalConcurrency: 10, PerDomainConcurrency: 1, BaseDomainDelay: 0})
	ctx := context.Background()

	release1, err := l.Acquire(ctx, "a.test", 100)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := l.Acquire(ctx, "a.test", 100)
		require.NoError(t, err)
		close(acquired)
		release2(true, 0)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not have completed while first holds the domain slot")
	case <-time.After(50 * time.Millisecond):
	}

	release1(true, 0)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should complete once the first releases")
	}
}

func TestLimiter_FairnessByPriorityThenFIFO(t *testing.T) {
	l := New(Config{GlobalConcurrency: 10, PerDomainConcurrency: 1, BaseDomainDelay: 0})
	ctx := context.Background()

	release0, err := l.Acquire(ctx, "a.test", 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	waiterReady := make(chan struct{}, 2)

	spawn := func(priority, id int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			waiterReady <- struct{}{}
			rel, err := l.Acquire(ctx, "a.test", priority)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			rel(true, 0)
		}()
	}

	// Low-priority waiter enqueued first, high-priority waiter second;
	// the high-priority one must still win.
	spawn(100, 1)
	<-waiterReady
	time.Sleep(20 * time.Millisecond)
	spawn(0, 2)
	<-waiterReady
	time.Sleep(20 * time.Millisecond)

	release0(true, 0)
	wg.Wait()

	require.Len(t, order, 2)
	assert.Equal(t, 2, order[0], "higher-priority waiter should be admitted first")
}

func TestLimiter_GlobalConcurrencyCap(t *testing.T) {
	l := New(Config{GlobalConcurrency: 1, PerDomainConcurrency: 5, BaseDomainDelay: 0})
	ctx := context.Background()

	release1, err := l.Acquire(ctx, "a.test", 0)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		release2, err := l.Acquire(ctx, "b.test", 0)
		require.NoError(t, err)
		close(done)
		release2(true, 0)
	}()

	select {
	case <-done:
		t.Fatal("global token should gate fetches across distinct hosts")
	case <-time.After(50 * time.Millisecond):
	}

	release1(true, 0)
	<-done
}

func TestLimiter_PerDomainAdmitsMultipleSlotsConcurrently(t *testing.T) {
	l := New(Config{GlobalConcurrency: 10, PerDomainConcurrency: 2, BaseDomainDelay: 0})
	ctx := context.Background()

	// Fire both acquires at once (rather than staggering them) so the two
	// waiters are likely to both be queued before either pops off the
	// heap, exercising the case where a waiter is admitted by a fellow
	// waiter's pop rather than by a release.
	start := make(chan struct{})
	var releases [2]Release
	var wg sync.WaitGroup
	wg.Add(2)
	for i := range releases {
		i := i
		go func() {
			defer wg.Done()
			<-start
			rel, err := l.Acquire(ctx, "a.test", 0)
			require.NoError(t, err)
			releases[i] = rel
		}()
	}
	close(start)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("both same-host acquires should have been admitted concurrently under PerDomainConcurrency: 2")
	}

	for _, rel := range releases {
		rel(true, 0)
	}
}

func TestLimiter_CancellationUnblocksWaiter(t *testing.T) {
	l := New(Config{GlobalConcurrency: 10, PerDomainConcurrency: 1})
	release1, err := l.Acquire(context.Background(), "a.test", 0)
	require.NoError(t, err)
	defer release1(true, 0)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, "a.test", 0)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("canceled acquire should have returned")
	}
}
