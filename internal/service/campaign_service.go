package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/honeypot-sentry/sentryd/internal/domain/campaign"
	"github.com/honeypot-sentry/sentryd/internal/domain/event"
	"github.com/honeypot-sentry/sentryd/internal/domain/indicator"
	"github.com/honeypot-sentry/sentryd/internal/domain/query"
)

// stageWeights are the fixed per-stage confidence weights from §4.9.
var stageWeights = map[string]float64{
	"direct":     1.0,
	"infra":      0.8,
	"behavioral": 0.7,
	"temporal":   0.5,
	"ip":         0.6,
	"network":    0.4,
}

const (
	defaultMinConfidence            = 0.7
	defaultBehavioralThreshold      = 0.6
	defaultCorrelationWindowMinutes = 30
	defaultStageTimeout             = 20 * time.Second
	defaultNetworkPrefixBits        = 24
)

// CampaignService implements the campaign correlator (C13): the seven-stage
// pipeline from §4.9, scored and merged into a single Campaign.
type CampaignService struct {
	queries *QueryService
	logger  *slog.Logger

	minConfidence            float64
	behavioralThreshold      float64
	correlationWindow        time.Duration
	stageTimeout             time.Duration
	networkPrefixBits        int
}

// NewCampaignService wires a CampaignService over the query engine.
func NewCampaignService(queries *QueryService, logger *slog.Logger) *CampaignService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CampaignService{
		queries:             queries,
		logger:              logger,
		minConfidence:       defaultMinConfidence,
		behavioralThreshold: defaultBehavioralThreshold,
		correlationWindow:   defaultCorrelationWindowMinutes * time.Minute,
		stageTimeout:        defaultStageTimeout,
		networkPrefixBits:   defaultNetworkPrefixBits,
	}
}

// AnalyzeCampaignParams bundles one analyze_campaign call's inputs.
type AnalyzeCampaignParams struct {
	Indices []string
	Seeds   []indicator.Indicator
	Start   time.Time
	End     time.Time
}

type stageCandidates struct {
	stage  string
	events []event.Event
}

// AnalyzeCampaign runs the seven-stage pipeline and returns a scored,
// timeline-ordered Campaign (§4.9).
func (s *CampaignService) AnalyzeCampaign(ctx context.Context, params AnalyzeCampaignParams) (campaign.Campaign, error) {
	var warnings []string
	scores := make(map[event.ID]map[string]float64)
	byID := make(map[event.ID]event.Event)
	var sourcesQueried []string

	record := func(stage string, events []event.Event, quality func(event.Event) float64) {
		if len(events) == 0 {
			return
		}
		sourcesQueried = append(sourcesQueried, stage)
		for _, e := range events {
			byID[e.ID] = e
			if scores[e.ID] == nil {
				scores[e.ID] = make(map[string]float64)
			}
			q := 1.0
			if quality != nil {
				q = quality(e)
			}
			scores[e.ID][stage] = q
		}
	}

	// Stage 1: direct IOC.
	direct, err := s.runStage(ctx, "direct", &warnings, func(ctx context.Context) ([]event.Event, error) {
		return s.fetchByIndicators(ctx, params.Indices, params.Seeds, params.Start, params.End)
	})
	if err != nil {
		return campaign.Campaign{}, err
	}
	record("direct", direct, nil)
	if len(direct) == 0 {
		return campaign.Campaign{
			Start: params.Start, End: params.End,
			Confidence: 0, Warnings: warnings,
		}, nil
	}

	// Stage 2: infrastructure.
	infraIOCs := extractInfrastructure(direct)
	infra, _ := s.runStage(ctx, "infra", &warnings, func(ctx context.Context) ([]event.Event, error) {
		if len(infraIOCs) == 0 {
			return nil, nil
		}
		return s.fetchByFieldValues(ctx, params.Indices, infraIOCs, params.Start, params.End)
	})
	record("infra", infra, nil)

	// Stage 3: behavioral. Quality is the actual feature-overlap ratio
	// against the reference set, not a flat hit/no-hit value, since two
	// candidates can clear behavioralThreshold by very different margins.
	reference := append(append([]event.Event{}, direct...), infra...)
	var behavioralQuality map[event.ID]float64
	behavioral, _ := s.runStage(ctx, "behavioral", &warnings, func(ctx context.Context) ([]event.Event, error) {
		events, quality, err := s.fetchBehavioralMatches(ctx, params.Indices, reference, params.Start, params.End)
		behavioralQuality = quality
		return events, err
	})
	record("behavioral", behavioral, func(e event.Event) float64 {
		if q, ok := behavioralQuality[e.ID]; ok {
			return q
		}
		return 1.0
	})

	// Stage 4: temporal clustering (no new store fetch; clusters the events
	// already gathered and credits each of them with the temporal stage).
	allSoFar := append(append(append([]event.Event{}, direct...), infra...), behavioral...)
	clusters := clusterByTime(allSoFar, s.correlationWindow)
	record("temporal", flattenClusters(clusters), nil)

	// Stage 5: IP union.
	ips := collectSourceIPs(allSoFar)
	ipEvents, _ := s.runStage(ctx, "ip", &warnings, func(ctx context.Context) ([]event.Event, error) {
		if len(ips) == 0 {
			return nil, nil
		}
		return s.fetchByFieldValues(ctx, params.Indices, ips, params.Start, params.End)
	})
	record("ip", ipEvents, nil)

	// Stage 6: network (/24 or configured prefix).
	subnets := collectSubnets(ips, s.networkPrefixBits)
	network, _ := s.runStage(ctx, "network", &warnings, func(ctx context.Context) ([]event.Event, error) {
		return s.fetchBySubnets(ctx, params.Indices, subnets, params.Start, params.End)
	})
	record("network", network, nil)

	// Stage 7: scoring.
	var surviving []event.Event
	var confidenceSum float64
	for id, stageScores := range scores {
		conf := weightedMean(stageScores)
		if conf < s.minConfidence {
			continue
		}
		surviving = append(surviving, byID[id])
		confidenceSum += conf
	}

	c := campaign.Campaign{
		ID:             newCampaignID(),
		Events:         surviving,
		TotalEvents:    len(surviving),
		SourcesQueried: dedupeStrings(sourcesQueried),
		Warnings:       warnings,
		Start:          params.Start,
		End:            params.End,
	}
	if len(surviving) > 0 {
		c.Confidence = clamp01(confidenceSum / float64(len(surviving)))
		sortByTimestamp(c.Events)
		c.Start = c.Events[0].Timestamp
		c.End = c.Events[len(c.Events)-1].Timestamp
	}
	c.UniqueSourceIPs = len(collectSourceIPs(surviving))
	c.Relationships = buildRelationships(surviving)

	return c, nil
}

// runStage invokes fn with a per-stage deadline (§4.9: "any single stage
// that exceeds its per-stage timeout is skipped with a structured warning").
func (s *CampaignService) runStage(ctx context.Context, stage string, warnings *[]string, fn func(context.Context) ([]event.Event, error)) ([]event.Event, error) {
	stageCtx, cancel := context.WithTimeout(ctx, s.stageTimeout)
	defer cancel()

	events, err := fn(stageCtx)
	if err != nil {
		msg := fmt.Sprintf("%s stage failed: %v", stage, err)
		*warnings = append(*warnings, msg)
		s.logger.Warn("campaign stage failed", "stage", stage, "error", err)
		if stage == "direct" {
			return nil, fmt.Errorf("campaign: %s", msg)
		}
		return nil, nil
	}
	return events, nil
}

func (s *CampaignService) fetchByIndicators(ctx context.Context, indices []string, seeds []indicator.Indicator, start, end time.Time) ([]event.Event, error) {
	var clauses []query.Clause
	for _, ind := range seeds {
		switch ind.Kind {
		case indicator.KindIPv4, indicator.KindIPv6:
			clauses = append(clauses, query.Term("source_ip", ind.Value), query.Term("destination_ip", ind.Value))
		case indicator.KindDomain:
			clauses = append(clauses, query.Term("domain", ind.Value))
		case indicator.KindURL:
			clauses = append(clauses, query.Term("url", ind.Value))
		case indicator.KindFileHash:
			clauses = append(clauses, query.Term("file_hash", ind.Value))
		}
	}
	return s.fetchMatchingAny(ctx, indices, clauses, start, end)
}

func (s *CampaignService) fetchByFieldValues(ctx context.Context, indices []string, values []string, start, end time.Time) ([]event.Event, error) {
	var clauses []query.Clause
	for _, v := range values {
		clauses = append(clauses,
			query.Term("source_ip", v), query.Term("destination_ip", v),
			query.Term("domain", v), query.Term("tls_fingerprint", v), query.Term("url_host", v))
	}
	return s.fetchMatchingAny(ctx, indices, clauses, start, end)
}

func (s *CampaignService) fetchBySubnets(ctx context.Context, indices []string, subnets []string, start, end time.Time) ([]event.Event, error) {
	var clauses []query.Clause
	for _, subnet := range subnets {
		clauses = append(clauses, query.Prefix("source_ip", subnet))
	}
	return s.fetchMatchingAny(ctx, indices, clauses, start, end)
}

func (s *CampaignService) fetchMatchingAny(ctx context.Context, indices []string, clauses []query.Clause, start, end time.Time) ([]event.Event, error) {
	if len(clauses) == 0 {
		return nil, nil
	}
	window := query.RangeClause("@timestamp", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	result, err := s.queries.QueryEvents(ctx, QueryEventsParams{
		Indices: indices,
		Query:   query.And(window, query.Or(clauses...)),
		Pagination: query.Pagination{Size: query.MaxSize},
	})
	if err != nil {
		return nil, err
	}
	return result.Events, nil
}

// fetchBehavioralMatches builds the TTP/feature multiset from reference
// events, fetches candidates in-window, and filters those whose feature
// overlap with reference exceeds the configured threshold (§4.9 stage 3).
func (s *CampaignService) fetchBehavioralMatches(ctx context.Context, indices []string, reference []event.Event, start, end time.Time) ([]event.Event, map[event.ID]float64, error) {
	refFeatures := featureSet(reference)
	if len(refFeatures) == 0 {
		return nil, nil, nil
	}

	window := query.RangeClause("@timestamp", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	var techniqueClauses []query.Clause
	for tech := range refFeatures {
		techniqueClauses = append(techniqueClauses, query.Term("technique", tech))
	}

	result, err := s.queries.QueryEvents(ctx, QueryEventsParams{
		Indices:    indices,
		Query:      query.And(window, query.Or(techniqueClauses...)),
		Pagination: query.Pagination{Size: query.MaxSize},
	})
	if err != nil {
		return nil, nil, err
	}

	var matched []event.Event
	quality := make(map[event.ID]float64)
	for _, e := range result.Events {
		candidateFeatures := featureSet([]event.Event{e})
		ratio := overlapRatio(refFeatures, candidateFeatures)
		if ratio > s.behavioralThreshold {
			matched = append(matched, e)
			quality[e.ID] = ratio
		}
	}
	return matched, quality, nil
}

func featureSet(events []event.Event) map[string]struct{} {
	out := make(map[string]struct{})
	for _, e := range events {
		if e.Technique != "" {
			out["technique:"+e.Technique] = struct{}{}
		}
		if e.Tactic != "" {
			out["tactic:"+e.Tactic] = struct{}{}
		}
		if ua, ok := e.Extra["user_agent_family"].(string); ok && ua != "" {
			out["ua:"+ua] = struct{}{}
		}
		if sig, ok := e.Extra["payload_signature"].(string); ok && sig != "" {
			out["payload:"+sig] = struct{}{}
		}
	}
	return out
}

func overlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for k := range b {
		if _, ok := a[k]; ok {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

func extractInfrastructure(events []event.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, e := range events {
		if d, ok := e.Extra["domain"].(string); ok {
			add(d)
		}
		if fp, ok := e.Extra["tls_fingerprint"].(string); ok {
			add(fp)
		}
		if h, ok := e.Extra["url_host"].(string); ok {
			add(h)
		}
	}
	return out
}

func collectSourceIPs(events []event.Event) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range events {
		if e.SourceAddr == "" {
			continue
		}
		if _, ok := seen[e.SourceAddr]; !ok {
			seen[e.SourceAddr] = struct{}{}
			out = append(out, e.SourceAddr)
		}
	}
	return out
}

func collectSubnets(ips []string, prefixBits int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, raw := range ips {
		ip := net.ParseIP(raw)
		if ip == nil || ip.To4() == nil {
			continue
		}
		_, subnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), prefixBits))
		if err != nil {
			continue
		}
		key := subnet.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			out = append(out, networkAddr(subnet))
		}
	}
	return out
}

func networkAddr(n *net.IPNet) string {
	// Truncate the dotted-decimal network address to its significant
	// octets for use as a prefix-match clause (e.g. "10.0.0" for /24).
	ones, _ := n.Mask.Size()
	parts := ones / 8
	octets := n.IP.To4()
	if octets == nil || parts == 0 {
		return n.IP.String()
	}
	s := ""
	for i := 0; i < parts && i < len(octets); i++ {
		if i > 0 {
			s += "."
		}
		s += fmt.Sprintf("%d", octets[i])
	}
	return s
}

type eventCluster struct {
	events []event.Event
}

func clusterByTime(events []event.Event, window time.Duration) []eventCluster {
	sorted := append([]event.Event{}, events...)
	sortByTimestamp(sorted)

	var clusters []eventCluster
	for _, e := range sorted {
		if len(clusters) > 0 {
			last := clusters[len(clusters)-1]
			lastEvent := last.events[len(last.events)-1]
			if e.Timestamp.Sub(lastEvent.Timestamp) <= window {
				clusters[len(clusters)-1].events = append(clusters[len(clusters)-1].events, e)
				continue
			}
		}
		clusters = append(clusters, eventCluster{events: []event.Event{e}})
	}
	return clusters
}

func flattenClusters(clusters []eventCluster) []event.Event {
	var out []event.Event
	for _, c := range clusters {
		out = append(out, c.events...)
	}
	return out
}

// weightedMean combines each distinct stage's graded match quality with
// that stage's §4.9 reliability weight by summation, not by averaging: an
// average over only the stages that actually hit lets the weight cancel
// out of the result (w*score/w == score for a single stage, regardless of
// which stage it was), which made every match score identically no matter
// how weak the corroborating stage. Summing means a lone network-only hit
// (weight 0.4) scores well below a direct-IOC hit (weight 1.0), and
// corroboration across multiple distinct stages raises confidence instead
// of leaving it pinned to the single highest-weighted stage.
func weightedMean(stageScores map[string]float64) float64 {
	var sum float64
	for stage, score := range stageScores {
		sum += stageWeights[stage] * score
	}
	return sum
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// newCampaignID returns a lexically sortable campaign identifier: a ULID
// encodes the creation timestamp in its first 48 bits, so campaigns list in
// creation order under plain string sort without a separate index.
func newCampaignID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return "campaign-" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func sortByTimestamp(events []event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

// buildRelationships derives indicator edges from the surviving event set:
// a same-subnet edge when two source IPs share a /24. No other
// relationship kind (such as shares-infra) is derived.
func buildRelationships(events []event.Event) []campaign.Relationship {
	var rels []campaign.Relationship
	bySubnet := make(map[string][]string)
	for _, e := range events {
		ip := net.ParseIP(e.SourceAddr)
		if ip == nil || ip.To4() == nil {
			continue
		}
		_, subnet, err := net.ParseCIDR(fmt.Sprintf("%s/24", ip.String()))
		if err != nil {
			continue
		}
		key := subnet.String()
		bySubnet[key] = append(bySubnet[key], e.SourceAddr)
	}
	for _, ips := range bySubnet {
		uniq := dedupeStrings(ips)
		if len(uniq) < 2 {
			continue
		}
		a, err := indicator.New(indicator.KindIPv4, uniq[0])
		if err != nil {
			continue
		}
		for _, other := range uniq[1:] {
			b, err := indicator.New(indicator.KindIPv4, other)
			if err != nil {
				continue
			}
			rels = append(rels, campaign.Relationship{
				Source: a, Target: b, Kind: indicator.RelSameSubnet, Confidence: 1.0,
			})
		}
	}
	return rels
}

// MergeOverlapping merges any pair of campaigns overlapping >= 50% in
// events, per §4.9's tie-break rule. AnalyzeCampaign does not call it; each
// analyze_campaign call yields a single campaign.
func MergeOverlapping(campaigns []campaign.Campaign) []campaign.Campaign {
	out := append([]campaign.Campaign{}, campaigns...)
	for merged := true; merged; {
		merged = false
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				if campaign.OverlapRatio(out[i], out[j]) >= 0.5 {
					out[i] = campaign.Merge(out[i], out[j])
					out = append(out[:j], out[j+1:]...)
					merged = true
					break
				}
			}
			if merged {
				break
			}
		}
	}
	return out
}
