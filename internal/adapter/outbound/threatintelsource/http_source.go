// Package threatintelsource implements threatintel.Source over a generic
// HTTP vendor API, configurable per-source (endpoint, API key header,
// response field mapping) so one adapter covers every vendor in §4.9's
// fan-out rather than one bespoke client per vendor.
package threatintelsource

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/honeypot-sentry/sentryd/internal/domain/indicator"
	"github.com/honeypot-sentry/sentryd/internal/domain/threatintel"
)

const maxResponseBodySize = 1 * 1024 * 1024

// FieldMap tells the client where to find each normalized field in the
// vendor's JSON response, addressed by dotted path (e.g. "data.attributes.score").
type FieldMap struct {
	Score   string
	Country string
	ASN     string
	Network string
}

// Config describes one vendor source.
type Config struct {
	Name               string
	BaseURL            string
	APIKeyHeader       string
	APIKey             string
	QueryParam         string // if set, indicator value is sent as this query param instead of a path segment
	RateLimitPerMinute int
	Weight             float64
	Fields             FieldMap
	Timeout            time.Duration
}

// HTTPSource is a generic threatintel.Source backed by one vendor's HTTP API.
type HTTPSource struct {
	cfg        Config
	httpClient *http.Client
}

// New builds an HTTPSource from cfg.
func New(cfg Config) (*HTTPSource, error) {
	if cfg.Name == "" {
		return nil, errors.New("threatintelsource: config missing name")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, errors.Wrap(err, "threatintelsource: parse base url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Name implements threatintel.Source.
func (s *HTTPSource) Name() string { return s.cfg.Name }

// RateLimit implements threatintel.Source.
func (s *HTTPSource) RateLimit() int { return s.cfg.RateLimitPerMinute }

// ReliabilityWeight implements threatintel.Source.
func (s *HTTPSource) ReliabilityWeight() float64 { return s.cfg.Weight }

// Lookup implements threatintel.Source.
func (s *HTTPSource) Lookup(ctx context.Context, ind indicator.Indicator) (threatintel.SourceResult, error) {
	req, err := s.buildRequest(ctx, ind)
	if err != nil {
		return threatintel.SourceResult{}, errors.Wrap(err, "threatintelsource: build request")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return threatintel.SourceResult{}, errors.Wrap(err, "threatintelsource: do request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return threatintel.SourceResult{}, errors.Wrap(err, "threatintelsource: read response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return threatintel.SourceResult{}, fmt.Errorf("threatintelsource: %s rate limited (429)", s.cfg.Name)
	}
	if resp.StatusCode >= 400 {
		return threatintel.SourceResult{}, fmt.Errorf("threatintelsource: %s returned status %d", s.cfg.Name, resp.StatusCode)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return threatintel.SourceResult{}, errors.Wrap(err, "threatintelsource: unmarshal response")
	}

	return s.cfg.extractResult(doc), nil
}

// Probe implements feature.Prober: a HEAD request against the vendor's
// base URL, consumed by the Feature Manager's background health poll.
func (s *HTTPSource) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.BaseURL, nil)
	if err != nil {
		return errors.Wrap(err, "threatintelsource: build probe request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "threatintelsource: probe")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("threatintelsource: %s probe returned status %d", s.cfg.Name, resp.StatusCode)
	}
	return nil
}

func (s *HTTPSource) buildRequest(ctx context.Context, ind indicator.Indicator) (*http.Request, error) {
	u, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	if s.cfg.QueryParam != "" {
		q := u.Query()
		q.Set(s.cfg.QueryParam, ind.Value)
		u.RawQuery = q.Encode()
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(ind.Value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.cfg.APIKeyHeader != "" {
		req.Header.Set(s.cfg.APIKeyHeader, s.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c Config) extractResult(doc map[string]any) threatintel.SourceResult {
	res := threatintel.SourceResult{
		SourceName: c.Name,
		Raw:        doc,
		LastSeen:   time.Now().UTC(),
	}
	if v, ok := lookupPath(doc, c.Fields.Score); ok {
		if f, ok := toFloat64(v); ok {
			res.Score = &f
		}
	}
	if v, ok := lookupPath(doc, c.Fields.Country); ok {
		res.Country, _ = v.(string)
	}
	if v, ok := lookupPath(doc, c.Fields.ASN); ok {
		res.ASN = fmt.Sprintf("%v", v)
	}
	if v, ok := lookupPath(doc, c.Fields.Network); ok {
		res.Network, _ = v.(string)
	}
	return res
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
