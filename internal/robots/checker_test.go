package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

type recordingEmitter struct {
	mu     sync.Mutex
	traces []domain.DecisionTrace
}

func (r *recordingEmitter) Emit(t domain.DecisionTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traces = append(r.traces, t)
}

func TestChecker_AllowsWhenNotDisallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot"})
	allowed, _, err := c.IsAllowed(context.Background(), srv.URL+"/page", "test-bot")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestChecker_DeniesDisallowedPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot"})
	allowed, _, err := c.IsAllowed(context.Background(), srv.URL+"/private/page", "test-bot")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestChecker_ReportsCrawlDelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nCrawl-delay: 2\nAllow: /\n"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot"})
	_, delayMs, err := c.IsAllowed(context.Background(), srv.URL+"/page", "test-bot")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), delayMs)
}

func TestChecker_FailOpenOnUnreachableRobots(t *testing.T) {
	emitter := &recordingEmitter{}
	c := New(Config{UserAgent: "test-bot", OnFailure: FailOpen, Decisions: emitter})

	allowed, _, err := c.IsAllowed(context.Background(), "http://127.0.0.1:1/page", "test-bot")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.Len(t, emitter.traces, 1)
	assert.Equal(t, domain.DecisionRobotsDeny, emitter.traces[0].Kind)
	assert.Equal(t, true, emitter.traces[0].Fields["allow_all"])
}

func TestChecker_FailClosedOnUnreachableRobots(t *testing.T) {
	c := New(Config{UserAgent: "test-bot", OnFailure: FailClosed})

	allowed, _, err := c.IsAllowed(context.Background(), "http://127.0.0.1:1/page", "test-bot")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestChecker_FetchFailureOnStatusFallsBackToPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot", OnFailure: FailClosed})
	allowed, _, err := c.IsAllowed(context.Background(), srv.URL+"/page", "test-bot")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestChecker_CachesWithinTTL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot", CacheTTL: time.Hour})
	_, _, err := c.IsAllowed(context.Background(), srv.URL+"/a", "test-bot")
	require.NoError(t, err)
	_, _, err = c.IsAllowed(context.Background(), srv.URL+"/b", "test-bot")
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
}

func TestChecker_SweepDropsExpiredEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot", CacheTTL: time.Millisecond})
	_, _, err := c.IsAllowed(context.Background(), srv.URL+"/a", "test-bot")
	require.NoError(t, err)

	dropped := c.Sweep(time.Now().Add(time.Hour))
	assert.Equal(t, 1, dropped)
}

func TestChecker_SitemapsForReturnsCachedSitemaps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nAllow: /\nSitemap: " + srv.URL + "/sitemap.xml\n"))
	}))
	defer srv.Close()

	c := New(Config{UserAgent: "test-bot"})
	_, _, err := c.IsAllowed(context.Background(), srv.URL+"/a", "test-bot")
	require.NoError(t, err)

	sitemaps := c.SitemapsFor(strings.TrimPrefix(srv.URL, "http://"))
	require.Len(t, sitemaps, 1)
}
