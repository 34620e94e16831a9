// Package fetchpipeline implements the per-request fetch pipeline (§4.7):
// validate, robots check, rate-limit acquire, cache check, network fetch,
// HTML parse, link extraction, persistence, and token release. Each step
// is suspendable at a context boundary and records a timing and, where
// relevant, a decision trace.
package fetchpipeline

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonesrussell/newscrawl/internal/cache"
	"github.com/jonesrussell/newscrawl/internal/domain"
	"github.com/jonesrussell/newscrawl/internal/frontier"
	"github.com/jonesrussell/newscrawl/internal/logger"
	"github.com/jonesrussell/newscrawl/internal/ratelimit"
)

// defaultMaxBodyBytes is applied when Config.MaxBodyBytes is unset.
const defaultMaxBodyBytes = 5 * 1024 * 1024

// RobotsChecker decides whether a URL may be fetched (§4.2).
type RobotsChecker interface {
	IsAllowed(ctx context.Context, rawURL, userAgent string) (allowed bool, crawlDelayMs int64, err error)
}

// Limiter gates network I/O globally and per-domain (§4.3).
type Limiter interface {
	Acquire(ctx context.Context, host string, priority int) (ratelimit.Release, error)
}

// LinkExtractor turns a fetched body into child requests (§4.8).
type LinkExtractor interface {
	Extract(source domain.Request, body []byte) ([]domain.Request, error)
}

// PagePersister records the canonical outcome of a fetch.
type PagePersister interface {
	PagePut(ctx context.Context, record domain.PageRecord) error
}

// DecisionRecorder persists decision traces (§4.10). A nil recorder is
// valid; traces are then only returned on the Result.
type DecisionRecorder interface {
	DecisionAppend(ctx context.Context, trace domain.DecisionTrace) error
}

// Analyzer receives the body of a successful fetch at most once. Its
// failures are logged and discarded; the analyzer is not part of the
// fetch outcome (§6.3).
type Analyzer interface {
	Analyze(url string, body []byte, meta map[string]any)
}

// Config configures a Pipeline.
type Config struct {
	UserAgent          string
	ConnectTimeout     time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
	MaxBodyBytes       int64
	MaxRedirects       int
	DefaultCacheMaxAge time.Duration
}

// Pipeline runs the 9-step fetch sequence for one request at a time; it
// holds no per-request mutable state and is safe for concurrent use by
// multiple workers.
type Pipeline struct {
	cfg Config

	httpClient *http.Client
	robots     RobotsChecker
	limiter    Limiter
	cache      cache.Cache
	extractor  LinkExtractor
	pages      PagePersister
	decisions  DecisionRecorder
	analyzer   Analyzer
	log        logger.Logger
}

// Deps bundles the collaborators a Pipeline needs beyond its Config.
type Deps struct {
	Robots    RobotsChecker
	Limiter   Limiter
	Cache     cache.Cache
	Extractor LinkExtractor
	Pages     PagePersister
	Decisions DecisionRecorder
	Analyzer  Analyzer
	Log       logger.Logger
}

// New builds a Pipeline. An http.Client is constructed from cfg, capping
// redirects at cfg.MaxRedirects (§6.4).
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 5
	}

	log := deps.Log
	if log == nil {
		log = logger.NewNop()
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	return &Pipeline{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:       cfg.RequestTimeout,
			CheckRedirect: RedirectPolicy(maxRedirects),
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
		robots:    deps.Robots,
		limiter:   deps.Limiter,
		cache:     deps.Cache,
		extractor: deps.Extractor,
		pages:     deps.Pages,
		decisions: deps.Decisions,
		analyzer:  deps.Analyzer,
		log:       log,
	}
}

// ErrTooManyRedirects is returned by the http.Client's CheckRedirect hook
// once a fetch exceeds the configured redirect budget.
var ErrTooManyRedirects = fmt.Errorf("fetchpipeline: too many redirects")

// RedirectPolicy caps the number of redirect hops a single fetch may
// follow. It only counts hops: the http.Client follows each hop directly,
// and hops are not charged to the per-host rate limiter.
func RedirectPolicy(maxHops int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if maxHops > 0 && len(via) >= maxHops {
			return ErrTooManyRedirects
		}
		return nil
	}
}

// StepTiming records the wall-clock duration of one pipeline step.
type StepTiming struct {
	Step     string
	Duration time.Duration
}

// Result is the outcome of running the pipeline for one request. Traces
// and Timings are always populated; Record and Children are only set on
// a successful fetch.
type Result struct {
	Record     *domain.PageRecord
	Children   []domain.Request
	Traces     []domain.DecisionTrace
	Timings    []StepTiming
	RetryAfter time.Duration
}

// run carries the per-invocation bookkeeping threaded through each step.
type run struct {
	ctx     context.Context
	req     domain.Request
	result  Result
	release ratelimit.Release
}

func (r *run) time(step string, start time.Time) {
	r.result.Timings = append(r.result.Timings, StepTiming{Step: step, Duration: time.Since(start)})
}

func (r *run) trace(kind string, fields map[string]any) {
	t := domain.DecisionTrace{TS: time.Now(), Kind: kind, URL: r.req.URL, Host: r.req.Host, Fields: fields}
	r.result.Traces = append(r.result.Traces, t)
}

// Run executes the full fetch pipeline for req. On any terminal or
// retryable condition it returns a *domain.PipelineError describing the
// Kind; the Queue Manager is the sole authority for turning that into a
// queue outcome.
func (p *Pipeline) Run(ctx context.Context, req domain.Request) (*Result, error) {
	r := &run{ctx: ctx, req: req}
	defer func() { p.persistTraces(ctx, r.result.Traces) }()

	normalized, err := p.stepValidate(r)
	if err != nil {
		return &r.result, err
	}
	r.req.URL = normalized

	if err := p.stepRobots(r); err != nil {
		return &r.result, err
	}

	if err := p.stepAcquire(r); err != nil {
		return &r.result, err
	}
	// From here on every exit path must release the rate-limit tokens.
	defer p.releaseIfHeld(r, true)

	if cached, skip := p.stepCacheCheck(r); skip {
		return p.finish(r, cached, nil), nil
	}

	fetched, body, err := p.stepNetworkFetch(r)
	if err != nil {
		p.releaseIfHeld(r, false)
		return &r.result, err
	}
	if fetched.fallback != nil {
		return p.finish(r, fetched.fallback, nil), nil
	}
	if fetched.status == http.StatusNotModified {
		return p.finish(r, fetched.notModified, nil), nil
	}

	children := p.stepParseAndExtract(r, body)
	record := p.buildRecord(r, fetched, body)
	p.persist(r, record)

	return p.finish(r, record, children), nil
}

// persistTraces appends every decision trace recorded during this run,
// best-effort: a persistence failure is logged and does not affect the
// fetch outcome (§4.10).
func (p *Pipeline) persistTraces(ctx context.Context, traces []domain.DecisionTrace) {
	if p.decisions == nil {
		return
	}
	for _, t := range traces {
		if err := p.decisions.DecisionAppend(ctx, t); err != nil {
			p.log.Warn("persist decision trace failed", logger.String("kind", t.Kind), logger.Err(err))
		}
	}
}

// releaseIfHeld releases the acquired rate-limit tokens exactly once,
// reporting success for DomainState bookkeeping (§4.9 step 9).
func (p *Pipeline) releaseIfHeld(r *run, success bool) {
	if r.release == nil {
		return
	}
	release := r.release
	r.release = nil

	crawlDelayMs := r.req.MetaInt64("robotsCrawlDelayMs")
	release(success, time.Duration(crawlDelayMs)*time.Millisecond)
}

func (p *Pipeline) finish(r *run, record *domain.PageRecord, children []domain.Request) *Result {
	r.result.Record = record
	r.result.Children = children
	return &r.result
}

// stepValidate re-normalizes the request URL, dropping it as malformed
// if it no longer parses (§4.7 step 1).
func (p *Pipeline) stepValidate(r *run) (string, error) {
	start := time.Now()
	defer r.time("validate", start)

	normalized, err := frontier.NormalizeURL(r.req.URL, nil)
	if err != nil {
		return "", domain.NewPipelineError(domain.KindMalformed, err)
	}
	return normalized, nil
}

// stepRobots checks robots.txt for the request's host (§4.7 step 2).
func (p *Pipeline) stepRobots(r *run) error {
	start := time.Now()
	defer r.time("robots", start)

	if p.robots == nil {
		return nil
	}

	allowed, crawlDelayMs, err := p.robots.IsAllowed(r.ctx, r.req.URL, p.cfg.UserAgent)
	if err != nil {
		if err == domain.ErrCanceled {
			return domain.NewPipelineError(domain.KindCanceled, err)
		}
		return domain.NewPipelineError(domain.KindTransient, err)
	}
	if crawlDelayMs > 0 {
		if r.req.Meta == nil {
			r.req.Meta = make(map[string]any)
		}
		r.req.Meta["robotsCrawlDelayMs"] = crawlDelayMs
	}
	if !allowed {
		r.trace(domain.DecisionRobotsDeny, map[string]any{"reason": "disallowed"})
		return domain.NewPipelineError(domain.KindPolicyDenied, fmt.Errorf("robots: disallowed"))
	}
	return nil
}

// stepAcquire obtains the global and per-domain rate-limit tokens
// (§4.7 step 3). The pipeline remains cancellable while suspended here.
func (p *Pipeline) stepAcquire(r *run) error {
	start := time.Now()
	defer r.time("acquire", start)

	if p.limiter == nil {
		return nil
	}

	release, err := p.limiter.Acquire(r.ctx, r.req.Host, r.req.Priority)
	if err != nil {
		if err == domain.ErrCanceled {
			return domain.NewPipelineError(domain.KindCanceled, err)
		}
		return domain.NewPipelineError(domain.KindTransient, err)
	}
	r.release = release
	return nil
}

// stepCacheCheck applies the cache-first/network-first policy stamped on
// the request by the hub-freshness controller (§4.7 step 4).
func (p *Pipeline) stepCacheCheck(r *run) (*domain.PageRecord, bool) {
	start := time.Now()
	defer r.time("cache-check", start)

	if p.cache == nil {
		return nil, false
	}

	policy := r.req.MetaString(domain.MetaFetchPolicy)
	if policy == domain.FetchPolicyNetworkFirst {
		r.trace(domain.DecisionNetworkFirstOverride, nil)
		return nil, false
	}

	maxAge := p.cfg.DefaultCacheMaxAge
	if ms := r.req.MetaInt64(domain.MetaMaxCacheAgeMs); ms > 0 {
		maxAge = time.Duration(ms) * time.Millisecond
	}

	cached := p.cache.Get(r.req.URL, maxAge)
	if cached == nil {
		r.trace(domain.DecisionCacheMiss, nil)
		return nil, false
	}

	r.trace(domain.DecisionCacheHit, map[string]any{
		"cachedAt": cached.FetchedAt,
		"ageMs":    time.Since(cached.FetchedAt).Milliseconds(),
	})
	return toPageRecord(r.req.URL, cached, false), true
}

// fetchOutcome classifies the network step's result for the caller:
// either a fresh 2xx body, a 304 to be treated as success against the
// prior cached page, or a network-failure fallback to a stale cache
// entry.
type fetchOutcome struct {
	status      int
	header      http.Header
	notModified *domain.PageRecord
	fallback    *domain.PageRecord
}

// stepNetworkFetch performs the HTTP GET with timeouts, redirect
// following, and conditional headers, and classifies the outcome per
// §4.7 step 5 and §6.4.
func (p *Pipeline) stepNetworkFetch(r *run) (fetchOutcome, []byte, error) {
	start := time.Now()
	defer r.time("network-fetch", start)

	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.req.URL, http.NoBody)
	if err != nil {
		return fetchOutcome{}, nil, domain.NewPipelineError(domain.KindMalformed, err)
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	var prior *domain.CachedPage
	if p.cache != nil {
		prior = p.cache.GetAny(r.req.URL)
		setConditionalHeaders(req, prior)
	}

	resp, doErr := p.httpClient.Do(req)
	if doErr != nil {
		return p.handleNetworkError(r, doErr, prior)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return fetchOutcome{status: resp.StatusCode, notModified: p.handleNotModified(prior)}, nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return p.handleSuccess(r, resp)
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode >= 500:
		return fetchOutcome{}, nil, p.handleRetryAfter(r, resp)
	default:
		return fetchOutcome{}, nil, domain.NewPipelineError(domain.KindTerminal4xx,
			fmt.Errorf("http status %d", resp.StatusCode))
	}
}

// handleNetworkError applies the fallback-to-cache rule on a transport
// failure when the request's meta allows it and a stale cache entry
// exists; otherwise the failure is retryable (§4.7 step 5).
func (p *Pipeline) handleNetworkError(r *run, doErr error, prior *domain.CachedPage) (fetchOutcome, []byte, error) {
	if r.req.MetaBool(domain.MetaFallbackCache) && prior != nil {
		r.trace(domain.DecisionFallbackToCache, map[string]any{"networkError": doErr.Error()})
		return fetchOutcome{fallback: toPageRecord(r.req.URL, prior, true)}, nil, nil
	}
	return fetchOutcome{}, nil, domain.NewPipelineError(domain.KindTransient, doErr)
}

// handleNotModified upgrades the cached entry's FetchedAt so a future
// cache-check sees it as fresh again.
func (p *Pipeline) handleNotModified(prior *domain.CachedPage) *domain.PageRecord {
	if prior == nil {
		return nil
	}
	upgraded := *prior
	upgraded.FetchedAt = time.Now()
	if p.cache != nil {
		p.cache.Put(upgraded)
	}
	return toPageRecord(upgraded.URL, &upgraded, false)
}

func (p *Pipeline) handleSuccess(r *run, resp *http.Response) (fetchOutcome, []byte, error) {
	body, err := readBody(resp, p.cfg.MaxBodyBytes)
	if err != nil {
		return fetchOutcome{}, nil, domain.NewPipelineError(domain.KindBodyTooLarge, err)
	}

	page := domain.CachedPage{
		URL:          r.req.URL,
		FetchedAt:    time.Now(),
		HTTPStatus:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         body,
	}
	if p.cache != nil {
		p.cache.Put(page)
	}

	return fetchOutcome{status: resp.StatusCode, header: resp.Header}, body, nil
}

func (p *Pipeline) handleRetryAfter(r *run, resp *http.Response) error {
	delay := parseRetryAfter(resp.Header.Get("Retry-After"))
	r.result.RetryAfter = delay
	r.trace(domain.DecisionRetry, map[string]any{
		"http_status":    resp.StatusCode,
		"retry_after_ms": delay.Milliseconds(),
	})
	return domain.NewPipelineError(domain.KindTransient, fmt.Errorf("http status %d", resp.StatusCode))
}

// stepParseAndExtract parses the HTML tolerantly (never fails), feeds the
// analyzer, and runs the Link Extractor (§4.7 steps 6-7).
func (p *Pipeline) stepParseAndExtract(r *run, body []byte) []domain.Request {
	start := time.Now()
	defer r.time("parse-and-extract", start)

	if len(body) == 0 {
		return nil
	}

	if p.analyzer != nil {
		go p.runAnalyzer(r.req.URL, body, r.req.Meta)
	}

	if p.extractor == nil {
		return nil
	}
	children, err := p.extractor.Extract(r.req, body)
	if err != nil {
		p.log.Warn("link extraction failed", logger.String("url", r.req.URL), logger.Err(err))
		return nil
	}
	return children
}

// runAnalyzer invokes the analyzer callback; panics and errors never
// reach the caller (§6.3).
func (p *Pipeline) runAnalyzer(url string, body []byte, meta map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("analyzer panic", logger.String("url", url), logger.Any("panic", rec))
		}
	}()
	p.analyzer.Analyze(url, body, meta)
}

func (p *Pipeline) buildRecord(r *run, fetched fetchOutcome, body []byte) *domain.PageRecord {
	if body == nil {
		return nil
	}
	return &domain.PageRecord{
		URL:         r.req.URL,
		FetchedAt:   time.Now(),
		HTTPStatus:  fetched.status,
		BodyRef:     cache.HashBody(body),
		ContentType: fetched.header.Get("Content-Type"),
	}
}

// persist stores the page record (§4.7 step 8). Failures are logged, not
// propagated: persistence failure does not fail the fetch.
func (p *Pipeline) persist(r *run, record *domain.PageRecord) {
	if record == nil || p.pages == nil {
		return
	}
	if err := p.pages.PagePut(r.ctx, *record); err != nil {
		p.log.Error("persist page record failed", logger.String("url", r.req.URL), logger.Err(err))
	}
}

func toPageRecord(url string, cached *domain.CachedPage, fallbackUsed bool) *domain.PageRecord {
	return &domain.PageRecord{
		URL:          url,
		FetchedAt:    cached.FetchedAt,
		HTTPStatus:   cached.HTTPStatus,
		BodyRef:      cached.BodyHash,
		ContentType:  cached.ContentType,
		FallbackUsed: fallbackUsed,
	}
}

func setConditionalHeaders(req *http.Request, prior *domain.CachedPage) {
	if prior == nil {
		return
	}
	if prior.ETag != "" {
		req.Header.Set("If-None-Match", prior.ETag)
	}
	if prior.LastModified != "" {
		req.Header.Set("If-Modified-Since", prior.LastModified)
	}
}

// readBody reads resp.Body capped at maxBytes, transparently decoding a
// gzip Content-Encoding (net/http only does this automatically when the
// caller has not set Accept-Encoding itself, which the pipeline does).
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	reader := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("gunzip response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	limited := io.LimitReader(reader, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("body exceeds %d byte cap", maxBytes)
	}
	return body, nil
}

// parseRetryAfter parses a Retry-After header value expressed either as
// a number of seconds or an HTTP-date (§6.4).
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
