// Package robots enforces robots.txt per host, with one in-flight fetch
// per host and a TTL-based cache (§4.2).
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

const robotsTxtPath = "/robots.txt"

// maxBodyBytes limits the size of robots.txt responses read from the wire.
const maxBodyBytes = 512 * 1024

// OnFetchFailure selects the policy applied when robots.txt cannot be
// fetched.
type OnFetchFailure string

const (
	// FailOpen allows all paths when robots.txt is unreachable (default).
	FailOpen OnFetchFailure = "allow"
	// FailClosed denies all paths when robots.txt is unreachable.
	FailClosed OnFetchFailure = "deny"
)

// DecisionEmitter receives a decision trace. The robots manager emits a
// warning trace whenever it falls back to the fail-open/fail-closed
// policy so the cause of an allow/deny decision is observable (§4.2).
type DecisionEmitter interface {
	Emit(domain.DecisionTrace)
}

// Checker checks and caches robots.txt rules per host.
type Checker struct {
	httpClient  *http.Client
	userAgent   string
	cacheTTL    time.Duration
	onFailure   OnFetchFailure
	decisions   DecisionEmitter

	mu      sync.Mutex
	cache   map[string]*entry
	inFlight map[string]chan struct{}
}

type entry struct {
	policy domain.RobotsPolicy
	data   *robotstxt.RobotsData
}

// Config configures a Checker.
type Config struct {
	HTTPClient *http.Client
	UserAgent  string
	CacheTTL   time.Duration
	OnFailure  OnFetchFailure
	Decisions  DecisionEmitter
}

// New creates a Checker.
func New(cfg Config) *Checker {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	onFailure := cfg.OnFailure
	if onFailure == "" {
		onFailure = FailOpen
	}
	return &Checker{
		httpClient: client,
		userAgent:  cfg.UserAgent,
		cacheTTL:   ttl,
		onFailure:  onFailure,
		decisions:  cfg.Decisions,
		cache:      make(map[string]*entry),
		inFlight:   make(map[string]chan struct{}),
	}
}

// IsAllowed loads (fetching if needed) the host's robots policy and
// reports whether rawURL may be fetched, along with the configured
// crawl-delay in milliseconds.
func (c *Checker) IsAllowed(ctx context.Context, rawURL string, userAgent string) (allowed bool, crawlDelayMs int64, err error) {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return false, 0, fmt.Errorf("robots: parse url: %w", parseErr)
	}
	host := strings.ToLower(parsed.Host)
	if host == "" {
		return false, 0, fmt.Errorf("robots: empty host in %q", rawURL)
	}

	ent, err := c.getOrFetch(ctx, host, parsed.Scheme)
	if err != nil {
		return false, 0, err
	}

	if ent.policy.AllowAll {
		return true, 0, nil
	}

	group := ent.data.FindGroup(userAgent)
	delayMs := int64(0)
	if group != nil {
		delayMs = group.CrawlDelay.Milliseconds()
	}

	return ent.data.TestAgent(parsed.Path, userAgent), delayMs, nil
}

// Sweep drops cached entries whose ExpiresAt has passed, so the next
// IsAllowed call for that host re-fetches instead of holding a stale
// policy in memory indefinitely (§5, orchestrator's periodic robots TTL
// sweep).
func (c *Checker) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for host, ent := range c.cache {
		if now.After(ent.policy.ExpiresAt) {
			delete(c.cache, host)
			dropped++
		}
	}
	return dropped
}

// SitemapsFor returns the sitemap URLs declared in host's robots.txt, if
// cached. It does not trigger a fetch.
func (c *Checker) SitemapsFor(host string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.cache[strings.ToLower(host)]
	if !ok {
		return nil
	}
	return ent.policy.Sitemaps
}

// getOrFetch returns a fresh cached entry, ensuring only one concurrent
// fetch per host: other callers wait on the in-flight fetch's channel.
func (c *Checker) getOrFetch(ctx context.Context, host, scheme string) (*entry, error) {
	for {
		c.mu.Lock()
		if ent, ok := c.cache[host]; ok && time.Since(ent.policy.FetchedAt) <= c.cacheTTL {
			c.mu.Unlock()
			return ent, nil
		}

		if wait, inFlight := c.inFlight[host]; inFlight {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, domain.ErrCanceled
			}
		}

		done := make(chan struct{})
		c.inFlight[host] = done
		c.mu.Unlock()

		ent, err := c.fetch(ctx, host, scheme)

		c.mu.Lock()
		delete(c.inFlight, host)
		c.mu.Unlock()
		close(done)

		return ent, err
	}
}

// fetch retrieves and parses robots.txt for host, caching the result
// (including fallback entries produced on fetch or parse failure).
func (c *Checker) fetch(ctx context.Context, host, scheme string) (*entry, error) {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := scheme + "://" + host + robotsTxtPath

	body, status, fetchErr := c.doFetch(ctx, robotsURL)
	if fetchErr != nil {
		return c.store(host, c.fallbackEntry(host, fetchErr.Error(), c.onFailure != FailClosed)), nil
	}
	if status < 200 || status >= 300 {
		return c.store(host, c.fallbackEntry(host, fmt.Sprintf("robots.txt status %d", status), c.onFailure != FailClosed)), nil
	}

	data, parseErr := robotstxt.FromBytes(body)
	if parseErr != nil {
		return c.store(host, c.fallbackEntry(host, "malformed robots.txt: "+parseErr.Error(), true)), nil
	}

	ent := &entry{
		data: data,
		policy: domain.RobotsPolicy{
			Host:      host,
			FetchedAt: time.Now(),
			ExpiresAt: time.Now().Add(c.cacheTTL),
			Sitemaps:  data.Sitemaps,
		},
	}
	return c.store(host, ent), nil
}

// fallbackEntry builds the entry used when robots.txt cannot be fetched
// or parsed, and emits a warning decision trace. Callers pass allowAll:
// the configured OnFetchFailure policy for fetch failures, and true for a
// malformed robots.txt.
func (c *Checker) fallbackEntry(host, reason string, allowAll bool) *entry {
	if c.decisions != nil {
		c.decisions.Emit(domain.DecisionTrace{
			TS:   time.Now(),
			Kind: domain.DecisionRobotsDeny,
			Host: host,
			Fields: map[string]any{
				"reason":    reason,
				"allow_all": allowAll,
			},
		})
	}

	return &entry{
		policy: domain.RobotsPolicy{
			Host:      host,
			FetchedAt: time.Now(),
			ExpiresAt: time.Now().Add(c.cacheTTL),
			AllowAll:  allowAll,
		},
	}
}

func (c *Checker) store(host string, ent *entry) *entry {
	c.mu.Lock()
	c.cache[host] = ent
	c.mu.Unlock()
	return ent
}

func (c *Checker) doFetch(ctx context.Context, robotsURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("robots: fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("robots: read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
