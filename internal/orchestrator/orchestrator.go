// Package orchestrator implements the Crawl Orchestrator (§4.11): the
// single entry point that validates configuration, wires every
// collaborator into a Services bundle, restores in-progress work left
// over from a prior run, seeds the frontier, and drives the worker pool
// through its lifecycle.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonesrussell/newscrawl/internal/cache"
	"github.com/jonesrussell/newscrawl/internal/config"
	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/fetchpipeline"
	"github.com/jonesrussell/newscrawl/internal/frontier"
	"github.com/jonesrussell/newscrawl/internal/hub"
	"github.com/jonesrussell/newscrawl/internal/linkextract"
	"github.com/jonesrussell/newscrawl/internal/logger"
	"github.com/jonesrussell/newscrawl/internal/queue"
	"github.com/jonesrussell/newscrawl/internal/ratelimit"
	"github.com/jonesrussell/newscrawl/internal/retry"
	"github.com/jonesrussell/newscrawl/internal/robots"
	"github.com/jonesrussell/newscrawl/internal/safe"
	"github.com/jonesrussell/newscrawl/internal/store"
	"github.com/jonesrussell/newscrawl/internal/telemetry"
	"github.com/jonesrussell/newscrawl/internal/worker"
)

// Services bundles every collaborator the orchestrator wires together,
// in place of ad-hoc constructor injection (§9).
type Services struct {
	Store     store.Store
	Robots    *robots.Checker
	Limiter   *ratelimit.Limiter
	Cache     cache.Cache
	Hub       *hub.Controller
	Extractor *linkextract.Extractor
	Pipeline  *fetchpipeline.Pipeline
	Queue     *queue.Manager
	Telemetry *telemetry.Bus
	Pool      *worker.Pool
}

// Orchestrator is the single entry point for running a crawl end to end.
type Orchestrator struct {
	cfg        *config.Config
	svc        Services
	log        logger.Logger
	sitemapCli *http.Client

	mu      sync.Mutex
	started bool
}

// New validates cfg, opens no resources of its own, and wires a fresh
// Services bundle atop the given store. httpClient-level collaborators
// read their timeouts and limits from cfg.
func New(cfg *config.Config, st store.Store, log logger.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid config: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	bus := telemetry.New(st, log, telemetry.Config{
		PersistDecisionTraces:     cfg.Telemetry.PersistDecisionTraces,
		DecisionBufferSize:        cfg.Telemetry.DecisionBufferSize,
		MilestoneSubscriberBuffer: cfg.Telemetry.MilestoneSubscriberBuffer,
		FlushInterval:             cfg.Telemetry.FlushInterval,
	})

	robotsChecker := robots.New(robots.Config{
		UserAgent: cfg.UserAgent,
		CacheTTL:  cfg.Robots.TTL,
		OnFailure: robots.OnFetchFailure(cfg.Robots.OnFetchFailure),
		Decisions: bus,
	})

	limiter := ratelimit.New(ratelimit.Config{
		GlobalConcurrency:    cfg.GlobalConcurrency,
		PerDomainConcurrency: cfg.PerDomainConcurrency,
		BaseDomainDelay:      cfg.BaseDomainDelay,
	})

	mem := cache.NewMemory(cache.Options{
		TTL:      cfg.Cache.TTL,
		MaxBytes: cfg.Cache.MaxBytes,
	})
	var contentCache cache.Cache = mem
	if !cfg.Cache.Enabled {
		contentCache = nil
	}

	hubController := hub.New(hub.Config{
		Enabled:               cfg.HubFreshness.Enabled,
		MaxCacheAge:           cfg.HubFreshness.MaxCacheAge,
		PersistDecisionTraces: cfg.HubFreshness.PersistDecisionTraces,
		HubPathSegments:       cfg.HubFreshness.HubPathSegments,
	})

	extractor, err := linkextract.New(linkextract.Config{
		MaxDepth:         cfg.MaxDepth,
		StayOnHost:       cfg.StayOnHost,
		LinkDenyPatterns: cfg.LinkDenyPatterns,
	}, hubController)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build link extractor: %w", err)
	}

	pipeline := fetchpipeline.New(fetchpipeline.Config{
		UserAgent:          cfg.UserAgent,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		RequestTimeout:     cfg.RequestTimeout,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		DefaultCacheMaxAge: cfg.Cache.TTL,
	}, fetchpipeline.Deps{
		Robots:    robotsChecker,
		Limiter:   limiter,
		Cache:     contentCache,
		Extractor: extractor,
		Pages:     st,
		Decisions: bus,
		Log:       log,
	})

	retryPolicy := retry.New(retry.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     time.Minute,
		Jitter:         0.2,
	})
	qm := queue.New(st, retryPolicy, queue.Config{
		LeaseDuration: cfg.Worker.QueueLease,
		MaxAttempts:   cfg.MaxAttempts,
		MaxQueueSize:  cfg.MaxQueueSize,
	}, log)
	qm.SetHub(hubController)

	pool := worker.New(qm, pipeline, bus, log, worker.Config{
		WorkerCount:       cfg.GlobalConcurrency,
		IdleBackoff:       cfg.Worker.IdleBackoff,
		ExitCheckInterval: cfg.Worker.ExitCheckInterval,
		ProgressTickEvery: cfg.Worker.ProgressTickEvery,
		MaxDownloads:      cfg.MaxDownloads,
	})

	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		sitemapCli: &http.Client{Timeout: cfg.RequestTimeout},
		svc: Services{
			Store:     st,
			Robots:    robotsChecker,
			Limiter:   limiter,
			Cache:     contentCache,
			Hub:       hubController,
			Extractor: extractor,
			Pipeline:  pipeline,
			Queue:     qm,
			Telemetry: bus,
			Pool:      pool,
		},
	}, nil
}

// Services exposes the wired collaborators, chiefly for tests and for a
// caller that wants to subscribe to telemetry before Run starts.
func (o *Orchestrator) Services() Services { return o.svc }

// Pause, Resume, and Abort pass through to the worker pool, letting an
// external caller (CLI signal handler, control API) drive the lifecycle
// state machine from outside Run's goroutine (§4.11).
func (o *Orchestrator) Pause()  { o.svc.Pool.Pause() }
func (o *Orchestrator) Resume() { o.svc.Pool.Resume() }
func (o *Orchestrator) Abort()  { o.svc.Pool.Abort() }

// Run restores any in-progress leases left by a prior process, seeds the
// frontier (literal start URLs plus any sitemap URLs declared in
// robots.txt), starts the worker pool, runs the background maintenance
// tasks alongside it, and on return flushes telemetry and closes the
// store. Run blocks until the pool reaches its Stopped state.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: Run called twice")
	}
	o.started = true
	o.mu.Unlock()

	defer o.shutdown()

	if n, err := o.svc.Queue.RequeueAllInProgress(ctx); err != nil {
		o.log.Warn("restore in-progress leases failed", logger.Err(err))
	} else if n > 0 {
		o.log.Info("restored in-progress leases as queued", logger.Int("count", n))
	}

	if err := o.seed(ctx); err != nil {
		return fmt.Errorf("orchestrator: seed: %w", err)
	}

	if o.cfg.Worker.MaxCrawlDuration > 0 {
		o.svc.Pool.SetDeadline(time.Now().Add(o.cfg.Worker.MaxCrawlDuration))
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	var bg sync.WaitGroup
	bg.Add(3)
	safe.Go(o.log, "lease-reclaimer", func() { defer bg.Done(); o.leaseReclaimLoop(bgCtx) })
	safe.Go(o.log, "robots-sweeper", func() { defer bg.Done(); o.robotsSweepLoop(bgCtx) })
	safe.Go(o.log, "telemetry-flusher", func() { defer bg.Done(); o.svc.Telemetry.Run(bgCtx) })

	runErr := o.svc.Pool.Start(ctx)

	bgCancel()
	bg.Wait()

	return runErr
}

// shutdown sleeps for the configured grace period, then flushes the
// decision log and closes the store, regardless of how Run exited (§4.11).
// The sleep always lasts the full period; it does not end early once
// in-flight work has settled.
func (o *Orchestrator) shutdown() {
	grace := o.cfg.Orchestrator.ShutdownGracePeriod
	if grace > 0 {
		time.Sleep(grace)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.svc.Telemetry.Flush(flushCtx)

	if err := o.svc.Store.Close(); err != nil {
		o.log.Error("store close failed", logger.Err(err))
	}
}

func (o *Orchestrator) leaseReclaimLoop(ctx context.Context) {
	interval := o.cfg.Orchestrator.LeaseReclaimInterval
	if interval <= 0 {
		interval = config.DefaultLeaseReclaimInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.svc.Pool.State() >= worker.StateDraining {
				return
			}
			if n, err := o.svc.Queue.ReclaimExpiredLeases(ctx); err != nil {
				o.log.Warn("reclaim expired leases failed", logger.Err(err))
			} else if n > 0 {
				o.log.Info("reclaimed expired leases", logger.Int("count", n))
			}
		}
	}
}

func (o *Orchestrator) robotsSweepLoop(ctx context.Context) {
	interval := o.cfg.Orchestrator.RobotsSweepInterval
	if interval <= 0 {
		interval = config.DefaultRobotsSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.svc.Pool.State() >= worker.StateDraining {
				return
			}
			dropped := o.svc.Robots.Sweep(time.Now())
			if dropped > 0 {
				o.log.Debug("swept expired robots cache entries", logger.Int("count", dropped))
			}
		}
	}
}

// seed parses each configured start URL, records one literal seed
// request per URL, and — Stage 0 — fetches robots.txt for each seed host
// to warm the robots cache and discover any declared sitemaps, enqueuing
// their contents (capped at MaxSitemapURLs) at OriginSitemap priority
// alongside the literal seeds.
func (o *Orchestrator) seed(ctx context.Context) error {
	seen := make(map[string]struct{})
	budget := o.cfg.MaxSitemapURLs

	for _, raw := range o.cfg.StartURLs {
		normalized, err := frontier.NormalizeURL(raw, nil)
		if err != nil {
			o.log.Warn("skipping malformed start url", logger.String("url", raw), logger.Err(err))
			continue
		}
		host := frontier.HostOf(normalized)

		if err := o.enqueueSeed(ctx, normalized, host, domain.OriginSeed, domain.PrioritySeed, seen); err != nil {
			return err
		}

		if budget <= 0 {
			continue
		}
		budget -= o.seedFromSitemaps(ctx, normalized, host, budget, seen)
	}
	return nil
}

// seedFromSitemaps warms host's robots cache (reusing the seed URL itself
// as the probe so the scheme matches), enqueues every URL from its
// declared sitemaps up to remaining, and returns how many were enqueued.
func (o *Orchestrator) seedFromSitemaps(ctx context.Context, probeURL, host string, remaining int, seen map[string]struct{}) int {
	if _, _, err := o.svc.Robots.IsAllowed(ctx, probeURL, o.cfg.UserAgent); err != nil {
		o.log.Warn("robots warm-up failed", logger.String("host", host), logger.Err(err))
		return 0
	}

	enqueued := 0
	for _, sitemapURL := range o.svc.Robots.SitemapsFor(host) {
		if enqueued >= remaining {
			break
		}
		urls, err := o.fetchSitemapURLs(ctx, sitemapURL)
		if err != nil {
			o.log.Warn("fetch sitemap failed", logger.String("url", sitemapURL), logger.Err(err))
			continue
		}
		for _, u := range urls {
			if enqueued >= remaining {
				break
			}
			normalized, err := frontier.NormalizeURL(u, nil)
			if err != nil {
				continue
			}
			if err := o.enqueueSeed(ctx, normalized, frontier.HostOf(normalized), domain.OriginSitemap, domain.PrioritySitemap, seen); err != nil {
				o.log.Warn("enqueue sitemap url failed", logger.String("url", normalized), logger.Err(err))
				continue
			}
			enqueued++
		}
	}
	return enqueued
}

// fetchSitemapURLs retrieves and parses the sitemap at rawURL. It follows
// one level of sitemap-index indirection: if the document is an index,
// each listed child sitemap is fetched in turn and its URLs concatenated.
func (o *Orchestrator) fetchSitemapURLs(ctx context.Context, rawURL string) ([]string, error) {
	body, err := o.getBody(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if urls, err := parseSitemap(body); err == nil {
		return urls, nil
	}

	children, err := parseSitemapIndex(body)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap %q: %w", rawURL, err)
	}

	var all []string
	for _, child := range children {
		childBody, err := o.getBody(ctx, child)
		if err != nil {
			o.log.Warn("fetch child sitemap failed", logger.String("url", child), logger.Err(err))
			continue
		}
		urls, err := parseSitemap(childBody)
		if err != nil {
			continue
		}
		all = append(all, urls...)
	}
	return all, nil
}

func (o *Orchestrator) getBody(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", o.cfg.UserAgent)

	resp, err := o.sitemapCli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("sitemap fetch: status %d", resp.StatusCode)
	}
	return readLimited(resp.Body)
}

func (o *Orchestrator) enqueueSeed(ctx context.Context, url, host, origin string, priority int, seen map[string]struct{}) error {
	if _, dup := seen[url]; dup {
		return nil
	}
	seen[url] = struct{}{}

	req := domain.Request{
		URL:      url,
		Host:     host,
		Depth:    0,
		Priority: priority,
		Meta:     map[string]any{domain.MetaOrigin: origin},
	}
	result, err := o.svc.Queue.Enqueue(ctx, req)
	if err != nil {
		return err
	}
	if !result.Accepted {
		o.log.Debug("seed not accepted", logger.String("url", url), logger.String("reason", result.Reason))
	}
	return nil
}
