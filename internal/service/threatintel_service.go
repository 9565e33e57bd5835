package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	breakeradapter "github.com/honeypot-sentry/sentryd/internal/adapter/outbound/breaker"
	"github.com/honeypot-sentry/sentryd/internal/domain/breaker"
	"github.com/honeypot-sentry/sentryd/internal/domain/cache"
	"github.com/honeypot-sentry/sentryd/internal/domain/indicator"
	"github.com/honeypot-sentry/sentryd/internal/domain/mcperr"
	"github.com/honeypot-sentry/sentryd/internal/domain/threatintel"
)

const (
	defaultSourceTimeout = 30 * time.Second
	enrichmentCacheTTL   = 1 * time.Hour
)

// sourceState bundles a configured source with its own per-source
// concurrency gate.
type sourceState struct {
	source    threatintel.Source
	breaker   breaker.Breaker
	semaphore chan struct{}
}

// ThreatIntelService implements the threat-intel orchestrator (C14):
// cache-first lookup, fan-out across configured sources, reliability-
// weighted aggregation, and write-back to the SIEM store's enrichment
// index.
type ThreatIntelService struct {
	sources   []sourceState
	cache     cache.Cache
	siemIndex indexWriter
	logger    *slog.Logger

	sourceTimeout  time.Duration
	writeBack      bool
}

// indexWriter is the subset of siem.Client used for enrichment write-back,
// narrowed to keep this package's dependency on the concrete client minimal.
type indexWriter interface {
	Index(ctx context.Context, index string, doc any) error
}

// ThreatIntelServiceOption configures a ThreatIntelService.
type ThreatIntelServiceOption func(*ThreatIntelService)

// WithSourceTimeout overrides the default 30s per-source deadline.
func WithSourceTimeout(d time.Duration) ThreatIntelServiceOption {
	return func(s *ThreatIntelService) { s.sourceTimeout = d }
}

// WithWriteBack enables or disables enrichment write-back to the SIEM
// store (enabled by default).
func WithWriteBack(enabled bool) ThreatIntelServiceOption {
	return func(s *ThreatIntelService) { s.writeBack = enabled }
}

// NewThreatIntelService wires the orchestrator over sources, a dual-tier
// cache, and the SIEM store's write-back path.
func NewThreatIntelService(sources []threatintel.Source, c cache.Cache, siemIndex indexWriter, logger *slog.Logger, opts ...ThreatIntelServiceOption) *ThreatIntelService {
	if logger == nil {
		logger = slog.Default()
	}
	states := make([]sourceState, 0, len(sources))
	for _, src := range sources {
		concurrency := src.RateLimit()
		if concurrency <= 0 || concurrency > 16 {
			concurrency = 4
		}
		states = append(states, sourceState{
			source:    src,
			breaker:   breakeradapter.New(src.Name()),
			semaphore: make(chan struct{}, concurrency),
		})
	}
	s := &ThreatIntelService{
		sources:       states,
		cache:         c,
		siemIndex:     siemIndex,
		logger:        logger,
		sourceTimeout: defaultSourceTimeout,
		writeBack:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithSourceBreakers replaces the per-source breaker wrapping Lookup calls,
// keyed by threatintel.Source.Name(). Sources without an entry keep the
// breaker constructed by NewThreatIntelService.
func (s *ThreatIntelService) WithSourceBreakers(breakers map[string]breaker.Breaker) *ThreatIntelService {
	for i, st := range s.sources {
		if b, ok := breakers[st.source.Name()]; ok {
			s.sources[i].breaker = b
		}
	}
	return s
}

const enrichCacheKeyKind = "comprehensive"

// EnrichIndicator implements the enrich_indicator tool (§4.10): cache-first,
// else fan out to every configured source in parallel, aggregate, and
// (optionally) write back to the SIEM store.
func (s *ThreatIntelService) EnrichIndicator(ctx context.Context, ind indicator.Indicator) (threatintel.Result, error) {
	cacheKey := ind.Key() + ":" + enrichCacheKeyKind

	if s.cache != nil {
		if entry, ok, err := s.cache.Get(ctx, cacheKey); err == nil && ok {
			var result threatintel.Result
			if err := json.Unmarshal(entry.Value, &result); err == nil {
				result.CacheHit = true
				return result, nil
			}
		}
	}

	correlationID := ind.Key()

	if len(s.sources) == 0 {
		return threatintel.Result{}, mcperr.New(mcperr.CodeEnrichmentNoSource, "no threat-intel sources configured", correlationID).
			WithReason("no_sources")
	}

	results := s.fanOut(ctx, ind)

	succeeded := 0
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		}
	}
	if succeeded == 0 {
		return threatintel.Result{}, mcperr.New(mcperr.CodeEnrichmentNoSource, "all threat-intel sources failed", correlationID).
			WithReason("all_sources_failed").
			WithDiagnostics(sourceErrorDiagnostics(results))
	}

	result := aggregate(ind, results, s.sources)

	if s.cache != nil {
		if raw, err := json.Marshal(result); err == nil {
			if err := s.cache.Set(ctx, cacheKey, raw, enrichmentCacheTTL); err != nil {
				s.logger.Warn("threat-intel cache write failed", "indicator", ind.Key(), "error", err)
			}
		}
	}

	if s.writeBack && s.siemIndex != nil {
		s.writeEnrichment(ctx, result)
	}

	return result, nil
}

func (s *ThreatIntelService) fanOut(ctx context.Context, ind indicator.Indicator) []threatintel.SourceResult {
	results := make([]threatintel.SourceResult, len(s.sources))
	var wg sync.WaitGroup
	for i, st := range s.sources {
		wg.Add(1)
		go func(i int, st sourceState) {
			defer wg.Done()

			select {
			case st.semaphore <- struct{}{}:
				defer func() { <-st.semaphore }()
			case <-ctx.Done():
				results[i] = threatintel.SourceResult{SourceName: st.source.Name(), Err: ctx.Err()}
				return
			}

			sourceCtx, cancel := context.WithTimeout(ctx, s.sourceTimeout)
			defer cancel()

			raw, err := st.breaker.Execute(sourceCtx, func(ctx context.Context) (any, error) {
				return st.source.Lookup(ctx, ind)
			})
			if err != nil {
				results[i] = threatintel.SourceResult{SourceName: st.source.Name(), Err: err}
				s.logger.Warn("threat-intel source failed", "source", st.source.Name(), "indicator", ind.Key(), "error", err)
				return
			}
			results[i] = raw.(threatintel.SourceResult)
		}(i, st)
	}
	wg.Wait()
	return results
}

// aggregate combines per-source results using reliability-weighted
// conflict resolution (§4.10): overall confidence is the normalized sum of
// weights of successful sources; non-null fields from the most-reliable
// source win, ties broken by latest LastSeen.
func aggregate(ind indicator.Indicator, results []threatintel.SourceResult, sources []sourceState) threatintel.Result {
	weightByName := make(map[string]float64, len(sources))
	for _, st := range sources {
		weightByName[st.source.Name()] = st.source.ReliabilityWeight()
	}

	out := threatintel.Result{
		Indicator:      ind,
		PerSourceRaw:   make(map[string]map[string]any),
		QueryTimestamp: time.Now().UTC(),
	}

	var totalWeight, successWeight, scoreWeightedSum float64
	var scoreWeightTotal float64
	var best *threatintel.SourceResult
	var bestWeight float64

	for i := range results {
		r := &results[i]
		w := weightByName[r.SourceName]
		totalWeight += w
		if r.Err != nil {
			continue
		}
		successWeight += w
		out.SourcesQueried = append(out.SourcesQueried, r.SourceName)
		out.PerSourceRaw[r.SourceName] = r.Raw

		if r.Score != nil {
			scoreWeightedSum += w * *r.Score
			scoreWeightTotal += w
		}

		if best == nil || w > bestWeight || (w == bestWeight && r.LastSeen.After(best.LastSeen)) {
			best = r
			bestWeight = w
		}
	}

	if scoreWeightTotal > 0 {
		score := scoreWeightedSum / scoreWeightTotal
		out.OverallThreatScore = &score
	}
	if totalWeight > 0 {
		conf := clamp01(successWeight / totalWeight)
		out.Confidence = &conf
	}
	if best != nil {
		out.Country = best.Country
		out.ASN = best.ASN
		out.Network = best.Network
	}

	sort.Strings(out.SourcesQueried)
	return out
}

func sourceErrorDiagnostics(results []threatintel.SourceResult) map[string]any {
	errs := make(map[string]any, len(results))
	for _, r := range results {
		if r.Err != nil {
			errs[r.SourceName] = r.Err.Error()
		}
	}
	return map[string]any{"source_errors": errs}
}

// writeEnrichment persists the aggregated result to the SIEM store's
// rolling enrichment index. Failures are logged, never returned to the
// caller (§4.10: "write-back failures are logged but do not fail the
// enrichment call").
func (s *ThreatIntelService) writeEnrichment(ctx context.Context, result threatintel.Result) {
	index := fmt.Sprintf("enrichment-intel-%s", result.QueryTimestamp.Format("2006.01"))
	doc := map[string]any{
		"indicator_kind":  result.Indicator.Kind.String(),
		"indicator_value": result.Indicator.Value,
		"threat_score":    result.OverallThreatScore,
		"confidence":      result.Confidence,
		"country":         result.Country,
		"asn":             result.ASN,
		"network":         result.Network,
		"sources_queried": result.SourcesQueried,
		"query_timestamp": result.QueryTimestamp.Format(time.RFC3339),
	}
	if err := s.siemIndex.Index(ctx, index, doc); err != nil {
		s.logger.Warn("enrichment write-back failed", "indicator", result.Indicator.Key(), "index", index, "error", err)
	}
}
