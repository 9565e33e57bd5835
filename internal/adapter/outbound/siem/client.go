// Package siem implements the SIEM Store Client (C2): a typed query
// builder, search/aggregate/list_indices/mapping execution, and the two
// pagination modes from §4.7, over a plain net/http client.
//
// No Elasticsearch driver exists anywhere in the reference corpus backed by
// a buildable module, so this client is built directly on net/http in the
// same functional-options/TLS-hardened idiom as the rest of this codebase's
// outbound HTTP clients.
package siem

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-faster/errors"

	"github.com/honeypot-sentry/sentryd/internal/domain/query"
)

const (
	maxResponseBodySize = 10 * 1024 * 1024
)

// Client talks to the SIEM store's HTTP query API.
type Client struct {
	baseURL    *url.URL
	username   string
	password   string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithBasicAuth sets credentials used on every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) { c.username = username; c.password = password }
}

// WithTimeout overrides the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a Client against baseURL (e.g. https://siem.internal:9200).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "siem: parse base url")
	}

	c := &Client{
		baseURL: u,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SearchRequest bundles the inputs to Search.
type SearchRequest struct {
	Indices    []string
	Query      query.Clause
	Sort       []query.SortField
	Fields     []string // projection; empty means all fields
	Pagination query.Pagination
}

// SearchResponse is the decoded page of results.
type SearchResponse struct {
	Hits       []json.RawMessage
	Total      int
	NextCursor *query.Cursor
}

// Search executes a query against indices using the mode selected by
// req.Pagination (§4.7).
func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	body := buildSearchBody(req)

	var resp searchWireResponse
	if err := c.postPath(ctx, req.Indices, "_search", body, &resp); err != nil {
		return SearchResponse{}, errors.Wrap(err, "siem: search")
	}

	out := SearchResponse{
		Hits:  resp.Hits.Hits,
		Total: resp.Hits.Total.Value,
	}
	if req.Pagination.UseCursor && len(resp.Hits.Hits) > 0 {
		last := resp.Hits.Hits[len(resp.Hits.Hits)-1]
		cur, err := cursorFromHit(last)
		if err == nil {
			out.NextCursor = &cur
		}
	}
	return out, nil
}

// Aggregate runs a single named aggregation over indices.
func (c *Client) Aggregate(ctx context.Context, indices []string, q query.Clause, agg query.AggSpec) (json.RawMessage, error) {
	body := map[string]any{
		"size":  0,
		"query": marshalClause(q),
		"aggs": map[string]any{
			agg.Name: aggBody(agg),
		},
	}
	var resp map[string]json.RawMessage
	if err := c.postPath(ctx, indices, "_search", body, &resp); err != nil {
		return nil, errors.Wrap(err, "siem: aggregate")
	}
	return resp["aggregations"], nil
}

// ListIndices returns the concrete index names matching pattern, used by
// index-pattern discovery (§4.7).
func (c *Client) ListIndices(ctx context.Context, pattern string) ([]string, error) {
	var resp []struct {
		Index string `json:"index"`
	}
	if err := c.get(ctx, "_cat/indices/"+url.PathEscape(pattern)+"?format=json", &resp); err != nil {
		return nil, errors.Wrap(err, "siem: list indices")
	}
	names := make([]string, 0, len(resp))
	for _, r := range resp {
		names = append(names, r.Index)
	}
	return names, nil
}

// Mapping returns the field mapping document for index.
func (c *Client) Mapping(ctx context.Context, index string) (json.RawMessage, error) {
	var resp map[string]json.RawMessage
	if err := c.get(ctx, url.PathEscape(index)+"/_mapping", &resp); err != nil {
		return nil, errors.Wrap(err, "siem: mapping")
	}
	return resp[index], nil
}

// Index writes doc into index, used by the threat-intel orchestrator's
// write-back to enrichment-intel-YYYY.MM (§4.10). The store assigns the
// document id.
func (c *Client) Index(ctx context.Context, index string, doc any) error {
	if err := c.do(ctx, http.MethodPost, url.PathEscape(index)+"/_doc", doc, nil); err != nil {
		return errors.Wrap(err, "siem: index document")
	}
	return nil
}

// Probe implements feature.Prober: a cheap reachability check consumed by
// the Feature Manager's background health poll (§4.5).
func (c *Client) Probe(ctx context.Context) error {
	if err := c.get(ctx, "_cluster/health", nil); err != nil {
		return errors.Wrap(err, "siem: probe")
	}
	return nil
}

type searchWireResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []json.RawMessage `json:"hits"`
	} `json:"hits"`
}

func buildSearchBody(req SearchRequest) map[string]any {
	body := map[string]any{"query": marshalClause(req.Query)}

	if len(req.Fields) > 0 {
		body["_source"] = req.Fields
	}

	sort := make([]map[string]string, 0, len(req.Sort))
	for _, s := range req.Sort {
		order := "asc"
		if s.Desc {
			order = "desc"
		}
		sort = append(sort, map[string]string{s.Field: order})
	}
	if len(sort) > 0 {
		body["sort"] = sort
	}

	if req.Pagination.UseCursor {
		body["size"] = req.Pagination.Size
		if req.Pagination.After != nil {
			body["search_after"] = []any{req.Pagination.After.Timestamp.UnixMilli(), req.Pagination.After.DocID}
		}
	} else {
		size := req.Pagination.Size
		if size <= 0 {
			size = query.DefaultSize
		}
		if size > query.MaxSize {
			size = query.MaxSize
		}
		body["size"] = size
		body["from"] = req.Pagination.From
	}

	return body
}

func cursorFromHit(hit json.RawMessage) (query.Cursor, error) {
	var h struct {
		ID     string `json:"_id"`
		Sort   []any  `json:"sort"`
		Source struct {
			Timestamp time.Time `json:"@timestamp"`
		} `json:"_source"`
	}
	if err := json.Unmarshal(hit, &h); err != nil {
		return query.Cursor{}, err
	}
	return query.Cursor{Timestamp: h.Source.Timestamp, DocID: h.ID}, nil
}

func marshalClause(c query.Clause) map[string]any {
	switch c.Kind {
	case query.ClauseTerm:
		return map[string]any{"term": map[string]any{c.Field: c.Value}}
	case query.ClausePrefix:
		return map[string]any{"prefix": map[string]any{c.Field: c.Value}}
	case query.ClauseExists:
		return map[string]any{"exists": map[string]any{"field": c.Field}}
	case query.ClauseRange:
		r := map[string]any{}
		if c.GTE != nil {
			r["gte"] = c.GTE
		}
		if c.LTE != nil {
			r["lte"] = c.LTE
		}
		return map[string]any{"range": map[string]any{c.Field: r}}
	case query.ClauseBool:
		b := map[string]any{}
		if len(c.Must) > 0 {
			b["must"] = marshalClauses(c.Must)
		}
		if len(c.Should) > 0 {
			b["should"] = marshalClauses(c.Should)
		}
		if len(c.MustNot) > 0 {
			b["must_not"] = marshalClauses(c.MustNot)
		}
		if len(c.Filter) > 0 {
			b["filter"] = marshalClauses(c.Filter)
		}
		return map[string]any{"bool": b}
	default:
		return map[string]any{"match_all": map[string]any{}}
	}
}

func marshalClauses(cs []query.Clause) []map[string]any {
	out := make([]map[string]any, 0, len(cs))
	for _, c := range cs {
		out = append(out, marshalClause(c))
	}
	return out
}

func aggBody(a query.AggSpec) map[string]any {
	params := map[string]any{"field": a.Field}
	if a.Size > 0 {
		params["size"] = a.Size
	}
	return map[string]any{a.Type: params}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postPath(ctx context.Context, indices []string, path string, body any, out any) error {
	full := path
	if len(indices) > 0 {
		full = url.PathEscape(joinIndices(indices)) + "/" + path
	}
	return c.do(ctx, http.MethodPost, full, body, out)
}

func joinIndices(indices []string) string {
	out := indices[0]
	for _, i := range indices[1:] {
		out += "," + i
	}
	return out
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	u := *c.baseURL
	u.Path = joinURLPath(u.Path, path)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "siem: marshal request body")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return errors.Wrap(err, "siem: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "siem: do request")
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBodySize)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return errors.Wrap(err, "siem: read response body")
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("siem: store returned status %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, "siem: unmarshal response")
	}
	return nil
}

func joinURLPath(base, add string) string {
	if base == "" || base == "/" {
		return "/" + add
	}
	return base + "/" + add
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
