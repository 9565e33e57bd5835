package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/breaker"
	"github.com/honeypot-sentry/sentryd/internal/adapter/outbound/siem"
	"github.com/honeypot-sentry/sentryd/internal/domain/query"
)

// fakeStoreHit builds one search-hit envelope at the given time offset
// (minutes from a fixed epoch) tagged with sessionKey via source_ip.
func fakeStoreHit(id string, minute int, sourceIP string) map[string]any {
	ts := time.Date(2026, 1, 1, 0, minute, 0, 0, time.UTC).Format(time.RFC3339)
	return map[string]any{
		"_index": "events-2026.01",
		"_id":    id,
		"_source": map[string]any{
			"@timestamp": ts,
			"source_ip":  sourceIP,
			"category":   "test",
		},
	}
}

func newFakeSIEMServer(t *testing.T, hits []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := make([]json.RawMessage, 0, len(hits))
		for _, h := range hits {
			b, _ := json.Marshal(h)
			raw = append(raw, b)
		}
		resp := map[string]any{
			"hits": map[string]any{
				"total": map[string]any{"value": len(hits)},
				"hits":  raw,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestQueryService(t *testing.T, hits []map[string]any) *QueryService {
	t.Helper()
	srv := newFakeSIEMServer(t, hits)
	t.Cleanup(srv.Close)

	client, err := siem.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	br := breaker.New("siem-test")
	return NewQueryService(client, br, nil)
}

func TestQueryService_SessionStreaming_NoSplitAcrossChunks(t *testing.T) {
	var hits []map[string]any
	for i := 0; i < 5; i++ {
		hits = append(hits, fakeStoreHit(fmt.Sprintf("a%d", i), i, "10.0.0.1"))
	}
	for i := 0; i < 5; i++ {
		hits = append(hits, fakeStoreHit(fmt.Sprintf("b%d", i), 10+i, "10.0.0.2"))
	}

	q := newTestQueryService(t, hits)
	q.sessionFields = []string{"source_ip"}

	result, err := q.StreamEventsWithSession(context.Background(), StreamEventsWithSessionParams{
		Indices:   []string{"events-*"},
		ChunkSize: 7,
	})
	if err != nil {
		t.Fatalf("StreamEventsWithSession: %v", err)
	}

	if len(result.Events) != 5 {
		t.Fatalf("expected exactly one full session (5 events) emitted, got %d", len(result.Events))
	}
	for _, e := range result.Events {
		if e.SourceAddr != "10.0.0.1" {
			t.Errorf("expected only session 10.0.0.1's events in this chunk, got event from %s", e.SourceAddr)
		}
	}
	if result.NextCursor == nil {
		t.Error("expected a non-nil cursor: session b is pushed back")
	}
}

func TestQueryService_QueryEvents_EmptyResultNoError(t *testing.T) {
	q := newTestQueryService(t, nil)

	result, err := q.QueryEvents(context.Background(), QueryEventsParams{
		Indices:    []string{"events-*"},
		Query:      query.Term("category", "test"),
		Pagination: query.Pagination{Size: 100},
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(result.Events) != 0 {
		t.Errorf("expected empty events, got %d", len(result.Events))
	}
	if result.NextCursor != nil {
		t.Errorf("expected nil cursor for empty result")
	}
}

func TestQueryService_QueryEvents_DeepPaginationRewrite(t *testing.T) {
	q := newTestQueryService(t, nil)

	pagination := query.Pagination{From: 10001, Size: 100}
	if !query.NeedsCursorRewrite(pagination) {
		t.Fatal("expected deep pagination to need cursor rewrite")
	}

	_, err := q.QueryEvents(context.Background(), QueryEventsParams{
		Indices:    []string{"events-*"},
		Query:      query.Term("category", "test"),
		Pagination: pagination,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
}
