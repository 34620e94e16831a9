// Package hub implements the Hub Freshness Controller (§4.6): a pure
// function that stamps fetch-policy metadata onto hub-like requests so
// the fetch pipeline bypasses a fresh cache entry in favor of the network.
package hub

import (
	"regexp"
	"strings"
	"time"

	"github.com/jonesrussell/newscrawl/internal/domain"
)

// defaultSegments are the URL path segments treated as hub indicators
// when no configuration override is supplied.
var defaultSegments = []string{"/news", "/world", "/section", "/category", "/topics", "/tag"}

// Config configures hub-freshness behavior.
type Config struct {
	Enabled               bool
	MaxCacheAge           time.Duration
	PersistDecisionTraces bool
	HubPathSegments       []string
}

// Controller decides fetch policy for hub-like requests. It holds no
// mutable state and performs no I/O.
type Controller struct {
	cfg     Config
	pattern *regexp.Regexp
}

// New builds a Controller from cfg.
func New(cfg Config) *Controller {
	segments := cfg.HubPathSegments
	if len(segments) == 0 {
		segments = defaultSegments
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = regexp.QuoteMeta(s)
	}
	pattern := regexp.MustCompile(`(?i)(` + strings.Join(escaped, "|") + `)(/|$)`)

	return &Controller{cfg: cfg, pattern: pattern}
}

// LooksLikeHub applies the URL heuristic: a short path containing a
// known hub segment (§4.8).
func (c *Controller) LooksLikeHub(path string) bool {
	if strings.Count(path, "/") > 3 {
		return false
	}
	return c.pattern.MatchString(path)
}

// Apply stamps hub-freshness meta onto req when req is flagged hubLike
// and hub-freshness is enabled. It returns a hub-freshness decision trace
// when the meta was stamped and PersistDecisionTraces is set, otherwise nil.
func (c *Controller) Apply(req *domain.Request) (trace *domain.DecisionTrace) {
	if !c.cfg.Enabled || !req.MetaBool(domain.MetaHubLike) {
		return nil
	}

	req.Meta[domain.MetaFetchPolicy] = domain.FetchPolicyNetworkFirst
	req.Meta[domain.MetaMaxCacheAgeMs] = c.cfg.MaxCacheAge.Milliseconds()
	req.Meta[domain.MetaFallbackCache] = true

	if !c.cfg.PersistDecisionTraces {
		return nil
	}

	return &domain.DecisionTrace{
		TS:   time.Now(),
		Kind: domain.DecisionHubFreshness,
		URL:  req.URL,
		Host: req.Host,
		Fields: map[string]any{
			"max_cache_age_ms": c.cfg.MaxCacheAge.Milliseconds(),
			"fallback_to_cache": true,
		},
	}
}
