// Package threatintel defines the ThreatIntelResult value type and the
// ThreatIntelSource capability set that unifies otherwise duck-typed
// per-vendor source clients (§9 design note: "Duck-typed source clients").
package threatintel

import (
	"context"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/indicator"
)

// SourceResult is what a single source returns for one indicator.
type SourceResult struct {
	SourceName string
	Score      *float64 // 0-100, nil if the source has no opinion
	Raw        map[string]any
	Country    string
	ASN        string
	Network    string
	LastSeen   time.Time
	Err        error // non-nil if this source failed; captured, not propagated
}

// Result is the orchestrator's (C14) aggregated answer for one indicator.
type Result struct {
	Indicator            indicator.Indicator
	OverallThreatScore   *float64 // 0-100, nil if no source had an opinion
	Confidence           *float64 // 0-1, nil if no source succeeded
	PerSourceRaw         map[string]map[string]any
	CorrelatedIndicators []indicator.Indicator
	Country              string
	ASN                  string
	Network              string
	SourcesQueried       []string
	QueryTimestamp       time.Time
	CacheHit             bool
}

// Source is the capability set every threat-intel vendor client implements,
// replacing vendor-specific duck typing with one explicit interface.
type Source interface {
	// Lookup resolves one indicator, respecting ctx's deadline.
	Lookup(ctx context.Context, ind indicator.Indicator) (SourceResult, error)
	// Name is the stable source identifier used in SourcesQueried/PerSourceRaw.
	Name() string
	// RateLimit is the source's own requests-per-minute budget.
	RateLimit() int
	// ReliabilityWeight is used to resolve conflicting fields across sources
	// (most-reliable non-null wins, ties broken by latest LastSeen).
	ReliabilityWeight() float64
}
