package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/config"
	"github.com/jonesrussell/newscrawl/internal/store"
	"github.com/jonesrussell/newscrawl/internal/store/memory"
)

func testConfig(startURLs ...string) *config.Config {
	cfg := config.New()
	cfg.StartURLs = startURLs
	cfg.GlobalConcurrency = 2
	cfg.PerDomainConcurrency = 2
	cfg.MaxDepth = 1
	cfg.BaseDomainDelay = 0
	cfg.Cache.Enabled = false
	cfg.Worker.IdleBackoff = 10 * time.Millisecond
	cfg.Worker.ExitCheckInterval = 10 * time.Millisecond
	cfg.Worker.QueueLease = time.Minute
	cfg.Orchestrator.ShutdownGracePeriod = 0
	cfg.Orchestrator.LeaseReclaimInterval = time.Hour
	cfg.Orchestrator.RobotsSweepInterval = time.Hour
	return cfg
}

func runWithTimeout(t *testing.T, o *Orchestrator) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
		return nil
	}
}

func TestOrchestrator_CrawlsSeedAndDiscoveredLink(t *testing.T) {
	var hits int32

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`<html><body><a href="/page2">next</a></body></html>`))
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`<html><body>leaf</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := testConfig(srv.URL + "/")
	st := memory.New()

	o, err := New(cfg, st, nil)
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, o))

	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&hits)), 2)

	stats, err := st.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.InProgress)
	assert.GreaterOrEqual(t, stats.Done, 2)
}

func TestOrchestrator_RejectsInvalidConfig(t *testing.T) {
	cfg := config.New()
	cfg.GlobalConcurrency = 0

	_, err := New(cfg, memory.New(), nil)
	assert.Error(t, err)
}

func TestOrchestrator_RequiresStore(t *testing.T) {
	cfg := config.New()
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestOrchestrator_RunTwiceErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDownloads = 0
	st := memory.New()
	o, err := New(cfg, st, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = o.Run(ctx)
		close(done)
	}()

	// Give Run a moment to flip the started flag before the second call.
	time.Sleep(20 * time.Millisecond)
	err = o.Run(context.Background())
	assert.Error(t, err)

	<-done
}

var _ store.Store = (*memory.Store)(nil)
