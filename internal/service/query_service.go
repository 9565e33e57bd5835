package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/siem"
	"github.com/honeypot-sentry/sentryd/internal/domain/breaker"
	"github.com/honeypot-sentry/sentryd/internal/domain/event"
	"github.com/honeypot-sentry/sentryd/internal/domain/query"
)

const (
	defaultByteBudget   = 10 * 1024 * 1024 // §4.8 default
	defaultAvgDocBytes  = 2048             // conservative per-document estimate
	estimatedFieldCount = 20               // rough field-count for projection-ratio estimation
	minCascadeSize      = 10
)

// QueryService implements the query & streaming engine (C12): the smart
// optimization cascade, the two streaming modes, and deep-pagination
// rewrite, over the SIEM Store Client.
type QueryService struct {
	store   *siem.Client
	breaker breaker.Breaker
	logger  *slog.Logger

	byteBudget    int64
	sessionFields []string
	maxSessionGap time.Duration
	maxChunks     int
}

// QueryServiceOption configures a QueryService.
type QueryServiceOption func(*QueryService)

// WithByteBudget overrides the default 10MiB estimated-result-size budget.
func WithByteBudget(n int64) QueryServiceOption {
	return func(q *QueryService) { q.byteBudget = n }
}

// WithSessionFields overrides the default session-grouping fields.
func WithSessionFields(fields []string) QueryServiceOption {
	return func(q *QueryService) { q.sessionFields = fields }
}

// WithMaxSessionGap overrides the default session-split gap (§4.8).
func WithMaxSessionGap(d time.Duration) QueryServiceOption {
	return func(q *QueryService) { q.maxSessionGap = d }
}

// WithMaxChunks overrides the default plain-streaming chunk cap.
func WithMaxChunks(n int) QueryServiceOption {
	return func(q *QueryService) { q.maxChunks = n }
}

// NewQueryService wires a QueryService against store, guarded by br.
func NewQueryService(store *siem.Client, br breaker.Breaker, logger *slog.Logger, opts ...QueryServiceOption) *QueryService {
	if logger == nil {
		logger = slog.Default()
	}
	q := &QueryService{
		store:         store,
		breaker:       br,
		logger:        logger,
		byteBudget:    defaultByteBudget,
		sessionFields: query.DefaultSessionFields,
		maxSessionGap: 30 * time.Minute,
		maxChunks:     10,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueryEventsParams bundles one query_events call's inputs.
type QueryEventsParams struct {
	Indices    []string
	Query      query.Clause
	Sort       []query.SortField
	Fields     []string
	Pagination query.Pagination

	// AggFallback, when set, is the aggregation the cascade may substitute
	// for a raw search if estimated result size exceeds budget and the
	// tool declares aggregation semantics as acceptable (§4.8 step 2).
	AggFallback *query.AggSpec
}

// QueryEventsResult is the decoded, possibly-degraded response.
type QueryEventsResult struct {
	Events      []event.Event
	Total       int
	NextCursor  *query.Cursor
	Aggregation map[string]any
	Degraded    bool
	Warnings    []string

	// OptimizationApplied lists, in application order, which cascade steps
	// (§4.8) the query actually went through: "projection", "aggregation",
	// "reduce_size", "degraded".
	OptimizationApplied []string
}

// QueryEvents executes the smart optimization cascade (§4.8) and returns
// events, or an aggregation/degraded result if the estimate could not be
// brought under budget by projection/size reduction alone.
func (q *QueryService) QueryEvents(ctx context.Context, params QueryEventsParams) (QueryEventsResult, error) {
	if query.NeedsCursorRewrite(params.Pagination) {
		params.Pagination = query.Pagination{UseCursor: true, Size: params.Pagination.Size}
	}

	result := QueryEventsResult{}
	size := effectiveSize(params.Pagination)
	fields := params.Fields

	for attempt := 0; attempt < 4; attempt++ {
		estimate := estimateResultBytes(size, fields)
		if estimate <= q.byteBudget {
			break
		}

		switch attempt {
		case 0:
			if len(fields) == 0 {
				continue // nothing to project down to; fall through to next step next iteration
			}
			result.OptimizationApplied = append(result.OptimizationApplied, "projection")
		case 1:
			if params.AggFallback != nil {
				agg, err := q.runAggregation(ctx, params.Indices, params.Query, *params.AggFallback)
				if err != nil {
					return QueryEventsResult{}, err
				}
				result.Aggregation = agg
				result.OptimizationApplied = append(result.OptimizationApplied, "aggregation")
				result.Warnings = append(result.Warnings, fmt.Sprintf(
					"estimated result size %d bytes exceeded budget %d bytes; returned %q aggregation instead of raw events",
					estimate, q.byteBudget, params.AggFallback.Name))
				return result, nil
			}
		case 2:
			if size > minCascadeSize {
				size = size / 2
				if size < minCascadeSize {
					size = minCascadeSize
				}
				result.OptimizationApplied = append(result.OptimizationApplied, "reduce_size")
				continue
			}
		default:
			result.Degraded = true
			result.OptimizationApplied = append(result.OptimizationApplied, "degraded")
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"estimated result size %d bytes exceeds budget %d bytes even at minimum page size; use stream_events instead",
				estimate, q.byteBudget))
			return result, nil
		}
	}

	pagination := params.Pagination
	if !pagination.UseCursor {
		pagination.Size = size
	}

	resp, err := q.search(ctx, siem.SearchRequest{
		Indices:    params.Indices,
		Query:      params.Query,
		Sort:       params.Sort,
		Fields:     fields,
		Pagination: pagination,
	})
	if err != nil {
		return QueryEventsResult{}, err
	}

	events, err := decodeHits(resp.Hits)
	if err != nil {
		return QueryEventsResult{}, err
	}

	result.Events = events
	result.Total = resp.Total
	result.NextCursor = resp.NextCursor
	return result, nil
}

// StreamEventsWithSessionParams bundles one stream_events_with_session_context call's inputs.
type StreamEventsWithSessionParams struct {
	Indices   []string
	Query     query.Clause
	ChunkSize int
	After     *query.Cursor
}

// SessionSummary describes one complete session emitted in a chunk.
type SessionSummary struct {
	Key        string
	EventCount int
	Start      time.Time
	End        time.Time
}

// StreamEventsWithSessionResult is one chunk's worth of session-bounded events.
type StreamEventsWithSessionResult struct {
	Events      []event.Event
	NextCursor  *query.Cursor
	Sessions    []SessionSummary
	FetchedRaw  int
	EmittedRaw  int
}

// StreamEventsWithSession implements §4.8's session-context streaming: it
// never splits a session across chunks, pushing back an overflowing
// trailing session for the next call.
func (q *QueryService) StreamEventsWithSession(ctx context.Context, params StreamEventsWithSessionParams) (StreamEventsWithSessionResult, error) {
	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = query.DefaultSize
	}

	resp, err := q.search(ctx, siem.SearchRequest{
		Indices: params.Indices,
		Query:   params.Query,
		Sort:    []query.SortField{{Field: "@timestamp", Desc: false}, {Field: "_id", Desc: false}},
		Pagination: query.Pagination{
			UseCursor: true,
			Size:      chunkSize * 2,
			After:     params.After,
		},
	})
	if err != nil {
		return StreamEventsWithSessionResult{}, err
	}

	events, err := decodeHits(resp.Hits)
	if err != nil {
		return StreamEventsWithSessionResult{}, err
	}
	if len(events) == 0 {
		return StreamEventsWithSessionResult{}, nil
	}

	query.SortByTimeAscThenID(events)
	sessions := query.GroupSessions(events, q.sessionFields, q.maxSessionGap)

	out := StreamEventsWithSessionResult{FetchedRaw: len(events)}
	emitted := 0
	for _, sess := range sessions {
		if emitted > 0 && emitted+len(sess.Events) > chunkSize {
			// Pushing this session back: the next cursor resumes exactly
			// after the last event of the previous (fully emitted) session.
			break
		}
		out.Events = append(out.Events, sess.Events...)
		out.Sessions = append(out.Sessions, summarize(sess))
		emitted += len(sess.Events)
		if emitted >= chunkSize {
			break
		}
	}
	out.EmittedRaw = emitted

	if len(out.Events) > 0 {
		last := out.Events[len(out.Events)-1]
		out.NextCursor = &query.Cursor{Timestamp: last.Timestamp, DocID: last.ID.DocID}
	}
	// Exhausted: fewer raw events returned than requested means there is
	// nothing more after this point in the store.
	if len(events) < chunkSize*2 && emitted == len(events) {
		out.NextCursor = nil
	}

	return out, nil
}

func summarize(s query.Session) SessionSummary {
	sum := SessionSummary{Key: string(s.Key), EventCount: len(s.Events)}
	if len(s.Events) > 0 {
		sum.Start = s.Events[0].Timestamp
		sum.End = s.Events[len(s.Events)-1].Timestamp
	}
	return sum
}

// StreamEventsParams bundles one stream_events call's inputs.
type StreamEventsParams struct {
	Indices   []string
	Query     query.Clause
	ChunkSize int
	After     *query.Cursor
	MaxChunks int
}

// StreamEventsResult aggregates however many chunks were walked.
type StreamEventsResult struct {
	Events     []event.Event
	NextCursor *query.Cursor
	Chunks     int
}

// StreamEvents implements §4.8's plain streaming: fixed-size cursor-mode
// chunks with no session semantics, stopping after MaxChunks or cursor
// exhaustion.
func (q *QueryService) StreamEvents(ctx context.Context, params StreamEventsParams) (StreamEventsResult, error) {
	maxChunks := params.MaxChunks
	if maxChunks <= 0 {
		maxChunks = q.maxChunks
	}
	chunkSize := params.ChunkSize
	if chunkSize <= 0 {
		chunkSize = query.DefaultSize
	}

	var out StreamEventsResult
	cursor := params.After

	for out.Chunks < maxChunks {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		resp, err := q.search(ctx, siem.SearchRequest{
			Indices: params.Indices,
			Query:   params.Query,
			Sort:    []query.SortField{{Field: "@timestamp", Desc: true}, {Field: "_id", Desc: true}},
			Pagination: query.Pagination{
				UseCursor: true,
				Size:      chunkSize,
				After:     cursor,
			},
		})
		if err != nil {
			return out, err
		}

		events, err := decodeHits(resp.Hits)
		if err != nil {
			return out, err
		}
		out.Events = append(out.Events, events...)
		out.Chunks++

		if resp.NextCursor == nil || len(events) < chunkSize {
			out.NextCursor = nil
			break
		}
		cursor = resp.NextCursor
		out.NextCursor = cursor
	}

	return out, nil
}

// ResolveIndexPatterns implements §4.7's index-pattern discovery: it lists
// the concrete indices matching set.Primary, unions in set.Fallback either
// when the primary set matched nothing or when set.UnionFallback is set
// ("union of primary ∪ fallback when primary is empty OR patterns declare
// union_fallback=true"), and returns a DataAvailabilityDiagnostic instead
// of an empty index list when nothing resolves at all, so dependent tools
// can report the patterns they tried rather than silently running a query
// against zero indices.
func (q *QueryService) ResolveIndexPatterns(ctx context.Context, toolName string, set query.IndexPatternSet) ([]string, *query.DataAvailabilityDiagnostic, error) {
	tried := append([]string{}, set.Primary...)
	resolved, err := q.listIndicesUnion(ctx, set.Primary)
	if err != nil {
		return nil, nil, err
	}

	if len(resolved) == 0 || set.UnionFallback {
		tried = append(tried, set.Fallback...)
		fallback, err := q.listIndicesUnion(ctx, set.Fallback)
		if err != nil {
			return nil, nil, err
		}
		resolved = dedupeIndexNames(append(resolved, fallback...))
	}

	if len(resolved) == 0 {
		return nil, &query.DataAvailabilityDiagnostic{
			Tool:          toolName,
			PatternsTried: tried,
			Message:       fmt.Sprintf("no concrete indices matched any of patterns %v for tool %q; try diagnose_data_availability", tried, toolName),
		}, nil
	}
	return resolved, nil, nil
}

func (q *QueryService) listIndicesUnion(ctx context.Context, patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range patterns {
		names, err := q.store.ListIndices(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("query: resolve index pattern %q: %w", p, err)
		}
		for _, n := range names {
			if _, ok := seen[n]; !ok {
				seen[n] = struct{}{}
				out = append(out, n)
			}
		}
	}
	return out, nil
}

func dedupeIndexNames(in []string) []string {
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

func (q *QueryService) search(ctx context.Context, req siem.SearchRequest) (siem.SearchResponse, error) {
	raw, err := q.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return q.store.Search(ctx, req)
	})
	if err != nil {
		return siem.SearchResponse{}, fmt.Errorf("query: search: %w", err)
	}
	return raw.(siem.SearchResponse), nil
}

func (q *QueryService) runAggregation(ctx context.Context, indices []string, clause query.Clause, agg query.AggSpec) (map[string]any, error) {
	raw, err := q.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return q.store.Aggregate(ctx, indices, clause, agg)
	})
	if err != nil {
		return nil, fmt.Errorf("query: aggregate: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw.(json.RawMessage), &out); err != nil {
		return nil, fmt.Errorf("query: decode aggregation: %w", err)
	}
	return out, nil
}

func decodeHits(hits []json.RawMessage) ([]event.Event, error) {
	events := make([]event.Event, 0, len(hits))
	for _, h := range hits {
		e, err := event.FromHit(h)
		if err != nil {
			return nil, fmt.Errorf("query: decode hit: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

func effectiveSize(p query.Pagination) int {
	if p.UseCursor {
		if p.Size <= 0 {
			return query.DefaultSize
		}
		return p.Size
	}
	size := p.Size
	if size <= 0 {
		size = query.DefaultSize
	}
	if size > query.MaxSize {
		size = query.MaxSize
	}
	return size
}

// estimateResultBytes implements §4.8's cost model:
// estimated_result_bytes ≈ size × average_doc_bytes × field_projection_ratio.
func estimateResultBytes(size int, fields []string) int64 {
	ratio := 1.0
	if n := len(fields); n > 0 {
		ratio = float64(n) / float64(estimatedFieldCount)
		if ratio < 0.1 {
			ratio = 0.1
		}
		if ratio > 1.0 {
			ratio = 1.0
		}
	}
	return int64(float64(size)*float64(defaultAvgDocBytes)*ratio) + 1
}
