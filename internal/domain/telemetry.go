package domain

import "time"

// Decision trace kinds (§3, §4.10).
const (
	DecisionPolicySkip            = "policy-skip"
	DecisionRobotsDeny            = "robots-deny"
	DecisionCacheHit              = "cache-hit"
	DecisionCacheMiss             = "cache-miss"
	DecisionNetworkFirstOverride  = "network-first-override"
	DecisionFallbackToCache       = "fallback-to-cache"
	DecisionHubFreshness          = "hub-freshness-decision"
	DecisionRateLimitWait         = "rate-limit-wait"
	DecisionRetry                 = "retry"
	DecisionGiveUp                = "give-up"
	DecisionQueueOverflow         = "queue-overflow"
)

// DecisionTrace records why the pipeline chose a particular action for a URL.
type DecisionTrace struct {
	TS     time.Time
	Kind   string
	URL    string
	Host   string
	Fields map[string]any
}

// Milestone kinds for progress reporting (§4.10).
const (
	MilestoneStateChange  = "state-change"
	MilestoneProgressTick = "progress-tick"
	MilestoneInternalErr  = "internal-error"
)

// Milestone is a best-effort progress or lifecycle event.
type Milestone struct {
	TS     time.Time
	Kind   string
	Fields map[string]any
}
