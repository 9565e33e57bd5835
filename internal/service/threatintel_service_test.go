package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/cache"
	"github.com/honeypot-sentry/sentryd/internal/domain/indicator"
	"github.com/honeypot-sentry/sentryd/internal/domain/threatintel"
)

type fakeSource struct {
	name    string
	weight  float64
	limit   int
	score   *float64
	country string
	err     error
	delay   time.Duration
}

func (f *fakeSource) Name() string             { return f.name }
func (f *fakeSource) RateLimit() int           { return f.limit }
func (f *fakeSource) ReliabilityWeight() float64 { return f.weight }
func (f *fakeSource) Lookup(ctx context.Context, ind indicator.Indicator) (threatintel.SourceResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return threatintel.SourceResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return threatintel.SourceResult{}, f.err
	}
	return threatintel.SourceResult{
		SourceName: f.name,
		Score:      f.score,
		Country:    f.country,
		Raw:        map[string]any{"ok": true},
		LastSeen:   time.Now().UTC(),
	}, nil
}

type fakeIndexWriter struct {
	calls int
	err   error
}

func (f *fakeIndexWriter) Index(ctx context.Context, index string, doc any) error {
	f.calls++
	return f.err
}

// noopCache is an in-memory map satisfying cache.Cache for tests that don't
// need the real tiered implementation's sqlite dependency.
type noopCache struct {
	entries map[string][]byte
}

func newNoopCache() *noopCache { return &noopCache{entries: make(map[string][]byte)} }

func (c *noopCache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	v, ok := c.entries[key]
	if !ok {
		return cache.Entry{}, false, nil
	}
	return cache.Entry{Key: key, Value: v}, true, nil
}
func (c *noopCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.entries[key] = value
	return nil
}
func (c *noopCache) Delete(ctx context.Context, key string) error {
	delete(c.entries, key)
	return nil
}
func (c *noopCache) Close() error { return nil }

func score(v float64) *float64 { return &v }

func TestThreatIntelService_AggregatesAcrossSources(t *testing.T) {
	sources := []threatintel.Source{
		&fakeSource{name: "vendor-a", weight: 0.9, limit: 4, score: score(80), country: "US"},
		&fakeSource{name: "vendor-b", weight: 0.5, limit: 4, score: score(20), country: "DE"},
	}
	writer := &fakeIndexWriter{}
	svc := NewThreatIntelService(sources, newNoopCache(), writer, nil)

	ind, err := indicator.New(indicator.KindIPv4, "203.0.113.7")
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.EnrichIndicator(context.Background(), ind)
	if err != nil {
		t.Fatalf("EnrichIndicator: %v", err)
	}
	if result.Confidence == nil || *result.Confidence != 1.0 {
		t.Errorf("expected confidence 1.0 (both sources succeeded), got %v", result.Confidence)
	}
	if result.Country != "US" {
		t.Errorf("expected most-reliable source (vendor-a) to win conflict resolution, got country=%q", result.Country)
	}
	if writer.calls != 1 {
		t.Errorf("expected one write-back call, got %d", writer.calls)
	}
}

func TestThreatIntelService_CacheHitSkipsFanOut(t *testing.T) {
	sources := []threatintel.Source{
		&fakeSource{name: "vendor-a", weight: 1.0, limit: 4, score: score(50)},
	}
	svc := NewThreatIntelService(sources, newNoopCache(), &fakeIndexWriter{}, nil)

	ind, _ := indicator.New(indicator.KindDomain, "evil.example.test")

	first, err := svc.EnrichIndicator(context.Background(), ind)
	if err != nil {
		t.Fatalf("first EnrichIndicator: %v", err)
	}
	if first.CacheHit {
		t.Error("first call should not be a cache hit")
	}

	second, err := svc.EnrichIndicator(context.Background(), ind)
	if err != nil {
		t.Fatalf("second EnrichIndicator: %v", err)
	}
	if !second.CacheHit {
		t.Error("second call should be served from cache")
	}
}

func TestThreatIntelService_AllSourcesFail_ReturnsEnrichmentError(t *testing.T) {
	sources := []threatintel.Source{
		&fakeSource{name: "vendor-a", weight: 1.0, limit: 4, err: errors.New("vendor unreachable")},
	}
	svc := NewThreatIntelService(sources, newNoopCache(), &fakeIndexWriter{}, nil)

	ind, _ := indicator.New(indicator.KindIPv4, "198.51.100.1")
	_, err := svc.EnrichIndicator(context.Background(), ind)
	if err == nil {
		t.Fatal("expected an error when every source fails")
	}
}

func TestThreatIntelService_WriteBackFailureDoesNotFailCall(t *testing.T) {
	sources := []threatintel.Source{
		&fakeSource{name: "vendor-a", weight: 1.0, limit: 4, score: score(10)},
	}
	writer := &fakeIndexWriter{err: errors.New("index unavailable")}
	svc := NewThreatIntelService(sources, newNoopCache(), writer, nil)

	ind, _ := indicator.New(indicator.KindFileHash, "deadbeefcafebabe")
	_, err := svc.EnrichIndicator(context.Background(), ind)
	if err != nil {
		t.Fatalf("expected write-back failure to be swallowed, got %v", err)
	}
}
