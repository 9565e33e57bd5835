package service

import (
	"context"
	"fmt"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/audit"
	"github.com/honeypot-sentry/sentryd/internal/domain/dispatch"
	"github.com/honeypot-sentry/sentryd/internal/domain/feature"
	"github.com/honeypot-sentry/sentryd/internal/domain/indicator"
	"github.com/honeypot-sentry/sentryd/internal/domain/query"
)

// ToolsConfig bundles the services RegisterTools wires into handlers.
type ToolsConfig struct {
	Queries     *QueryService
	Campaigns   *CampaignService
	ThreatIntel *ThreatIntelService
	AuditStore  audit.AuditStore
	AuditRecent func(n int) []audit.AuditRecord // nil if no ring-buffer cache is wired
	Features    *feature.Manager
}

// RegisterTools declares every tool named in §6/§9 against reg and schemas,
// and declares each tool's Feature Manager dependencies so list_tools/
// call_tool honor graceful degradation (§4.5, S6).
func RegisterTools(reg *dispatch.Registry, cfg ToolsConfig) error {
	tools := []dispatch.ToolDefinition{
		queryEventsTool(cfg.Queries),
		streamEventsTool(cfg.Queries),
		streamEventsWithSessionTool(cfg.Queries),
		analyzeCampaignTool(cfg.Campaigns, cfg.Queries),
		enrichIndicatorTool(cfg.ThreatIntel),
		diagnoseDataAvailabilityTool(cfg.Queries),
		getDataDictionaryTool(),
		getHealthStatusTool(cfg.Features),
	}
	if cfg.AuditRecent != nil {
		tools = append(tools, listRecentAuditTool(cfg.AuditRecent))
	}

	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("service: register tool %s: %w", t.Name, err)
		}
	}

	if cfg.Features != nil {
		cfg.Features.DeclareTool("query_events", feature.DepSIEMStore)
		cfg.Features.DeclareTool("stream_events", feature.DepSIEMStore)
		cfg.Features.DeclareTool("stream_events_with_session_context", feature.DepSIEMStore)
		cfg.Features.DeclareTool("analyze_campaign", feature.DepSIEMStore)
		cfg.Features.DeclareTool("diagnose_data_availability", feature.DepSIEMStore)
		cfg.Features.DeclareTool("enrich_indicator", feature.DepThreatIntel)
		// get_data_dictionary / get_health_status / list_recent_audit declare
		// no dependencies: always available, per §4.5/S6.
	}
	return nil
}

func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

func timeRangeArgs(args map[string]any) (time.Time, time.Time, error) {
	end := time.Now().UTC()
	start := end.Add(-24 * time.Hour)
	if v, ok := args["start"].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = t
	}
	if v, ok := args["end"].(string); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	return start, end, nil
}

func jsonResult(v any) dispatch.Result {
	return dispatch.Result{Content: []dispatch.Content{{Type: "json", JSON: v}}}
}

const queryEventsSchema = `{
  "type": "object",
  "required": ["indices"],
  "properties": {
    "indices": {"type": "array", "items": {"type": "string"}},
    "fallback_indices": {"type": "array", "items": {"type": "string"}},
    "union_fallback": {"type": "boolean"},
    "field": {"type": "string"},
    "value": {"type": "string"},
    "fields": {"type": "array", "items": {"type": "string"}},
    "size": {"type": "integer"},
    "from": {"type": "integer"}
  }
}`

// resolveToolIndices implements §4.7's index-pattern discovery for a tool
// call's "indices"/"fallback_indices"/"union_fallback" arguments: it
// resolves them to concrete index names up front so the caller can return
// a diagnostic payload instead of running a query against nothing.
func resolveToolIndices(ctx context.Context, qs *QueryService, toolName string, args map[string]any) ([]string, *query.DataAvailabilityDiagnostic, error) {
	set := query.IndexPatternSet{
		Primary:       stringSlice(args, "indices"),
		Fallback:      stringSlice(args, "fallback_indices"),
		UnionFallback: boolArg(args, "union_fallback"),
	}
	if set.Empty() {
		return nil, nil, nil
	}
	return qs.ResolveIndexPatterns(ctx, toolName, set)
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func queryEventsTool(qs *QueryService) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "query_events",
		Description: "Query SIEM store events within an optional field filter, applying the smart optimization cascade to stay under the response byte budget.",
		InputSchema: []byte(queryEventsSchema),
		Timeout:     30 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			indices, diagnostic, err := resolveToolIndices(ctx, qs, "query_events", args)
			if err != nil {
				return dispatch.Result{}, err
			}
			if diagnostic != nil {
				return jsonResult(diagnostic), nil
			}
			if indices == nil {
				indices = stringSlice(args, "indices")
			}
			var clause query.Clause
			if field, ok := args["field"].(string); ok && field != "" {
				clause = query.Term(field, args["value"])
			} else {
				clause = query.Exists("@timestamp")
			}
			result, err := qs.QueryEvents(ctx, QueryEventsParams{
				Indices: indices,
				Query:   clause,
				Fields:  stringSlice(args, "fields"),
				Pagination: query.Pagination{
					Size: intArg(args, "size", query.DefaultSize),
					From: intArg(args, "from", 0),
				},
			})
			if err != nil {
				return dispatch.Result{}, err
			}
			return jsonResult(result), nil
		},
	}
}

const streamEventsSchema = `{
  "type": "object",
  "required": ["indices"],
  "properties": {
    "indices": {"type": "array", "items": {"type": "string"}},
    "fallback_indices": {"type": "array", "items": {"type": "string"}},
    "union_fallback": {"type": "boolean"},
    "chunk_size": {"type": "integer"},
    "max_chunks": {"type": "integer"}
  }
}`

func streamEventsTool(qs *QueryService) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "stream_events",
		Description: "Stream events from the SIEM store in fixed-size cursor-paginated chunks, with no session semantics.",
		InputSchema: []byte(streamEventsSchema),
		Timeout:     60 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			indices, diagnostic, err := resolveToolIndices(ctx, qs, "stream_events", args)
			if err != nil {
				return dispatch.Result{}, err
			}
			if diagnostic != nil {
				return jsonResult(diagnostic), nil
			}
			if indices == nil {
				indices = stringSlice(args, "indices")
			}
			result, err := qs.StreamEvents(ctx, StreamEventsParams{
				Indices:   indices,
				Query:     query.Exists("@timestamp"),
				ChunkSize: intArg(args, "chunk_size", query.DefaultSize),
				MaxChunks: intArg(args, "max_chunks", 0),
			})
			if err != nil {
				return dispatch.Result{}, err
			}
			return jsonResult(result), nil
		},
	}
}

const streamEventsWithSessionSchema = `{
  "type": "object",
  "required": ["indices"],
  "properties": {
    "indices": {"type": "array", "items": {"type": "string"}},
    "chunk_size": {"type": "integer"}
  }
}`

func streamEventsWithSessionTool(qs *QueryService) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "stream_events_with_session_context",
		Description: "Stream events grouped into whole sessions, never splitting one session across two chunks.",
		InputSchema: []byte(streamEventsWithSessionSchema),
		Timeout:     60 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			result, err := qs.StreamEventsWithSession(ctx, StreamEventsWithSessionParams{
				Indices:   stringSlice(args, "indices"),
				Query:     query.Exists("@timestamp"),
				ChunkSize: intArg(args, "chunk_size", query.DefaultSize),
			})
			if err != nil {
				return dispatch.Result{}, err
			}
			return jsonResult(result), nil
		},
	}
}

const analyzeCampaignSchema = `{
  "type": "object",
  "required": ["indices", "seed_indicators"],
  "properties": {
    "indices": {"type": "array", "items": {"type": "string"}},
    "fallback_indices": {"type": "array", "items": {"type": "string"}},
    "union_fallback": {"type": "boolean"},
    "seed_indicators": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind", "value"],
        "properties": {"kind": {"type": "string"}, "value": {"type": "string"}}
      }
    },
    "start": {"type": "string"},
    "end": {"type": "string"}
  }
}`

func analyzeCampaignTool(cs *CampaignService, qs *QueryService) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "analyze_campaign",
		Description: "Correlate a campaign around one or more seed indicators across infrastructure, behavioral, temporal, and network dimensions.",
		InputSchema: []byte(analyzeCampaignSchema),
		Timeout:     7 * 20 * time.Second, // bounds roughly one stage-timeout per stage
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			indices, diagnostic, err := resolveToolIndices(ctx, qs, "analyze_campaign", args)
			if err != nil {
				return dispatch.Result{}, err
			}
			if diagnostic != nil {
				return jsonResult(diagnostic), nil
			}
			if indices == nil {
				indices = stringSlice(args, "indices")
			}
			seeds, err := parseSeedIndicators(args["seed_indicators"])
			if err != nil {
				return dispatch.Result{}, err
			}
			start, end, err := timeRangeArgs(args)
			if err != nil {
				return dispatch.Result{}, err
			}
			result, err := cs.AnalyzeCampaign(ctx, AnalyzeCampaignParams{
				Indices: indices,
				Seeds:   seeds,
				Start:   start,
				End:     end,
			})
			if err != nil {
				return dispatch.Result{}, err
			}
			return jsonResult(result), nil
		},
	}
}

func parseSeedIndicators(raw any) ([]indicator.Indicator, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("seed_indicators must be an array")
	}
	out := make([]indicator.Indicator, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := m["kind"].(string)
		value, _ := m["value"].(string)
		ind, err := indicator.New(parseIndicatorKind(kind), value)
		if err != nil {
			return nil, fmt.Errorf("invalid seed indicator: %w", err)
		}
		out = append(out, ind)
	}
	return out, nil
}

func parseIndicatorKind(s string) indicator.Kind {
	switch s {
	case "ipv4":
		return indicator.KindIPv4
	case "ipv6":
		return indicator.KindIPv6
	case "domain":
		return indicator.KindDomain
	case "url":
		return indicator.KindURL
	case "file_hash":
		return indicator.KindFileHash
	default:
		return indicator.KindIPv4
	}
}

const enrichIndicatorSchema = `{
  "type": "object",
  "required": ["kind", "value"],
  "properties": {
    "kind": {"type": "string"},
    "value": {"type": "string"}
  }
}`

func enrichIndicatorTool(ti *ThreatIntelService) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "enrich_indicator",
		Description: "Look up one indicator across every configured threat-intelligence source and return a reliability-weighted aggregate.",
		InputSchema: []byte(enrichIndicatorSchema),
		Timeout:     35 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			kind, _ := args["kind"].(string)
			value, _ := args["value"].(string)
			ind, err := indicator.New(parseIndicatorKind(kind), value)
			if err != nil {
				return dispatch.Result{}, fmt.Errorf("invalid indicator: %w", err)
			}
			result, err := ti.EnrichIndicator(ctx, ind)
			if err != nil {
				return dispatch.Result{}, err
			}
			return jsonResult(result), nil
		},
	}
}

const diagnoseDataAvailabilitySchema = `{
  "type": "object",
  "required": ["patterns"],
  "properties": {
    "patterns": {"type": "array", "items": {"type": "string"}}
  }
}`

func diagnoseDataAvailabilityTool(qs *QueryService) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "diagnose_data_availability",
		Description: "Report which of the given index patterns resolve to concrete indices in the SIEM store.",
		InputSchema: []byte(diagnoseDataAvailabilitySchema),
		Timeout:     10 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			patterns := stringSlice(args, "patterns")
			report := make(map[string]any, len(patterns))
			for _, p := range patterns {
				names, err := qs.store.ListIndices(ctx, p)
				if err != nil {
					report[p] = map[string]any{"error": err.Error()}
					continue
				}
				report[p] = map[string]any{"matched_indices": names, "count": len(names)}
			}
			return jsonResult(report), nil
		},
	}
}

// dataDictionary is the static field/technique/tactic glossary this server
// always considers available (§4.5, S6: never gated by the Feature
// Manager).
var dataDictionary = map[string]any{
	"fields": []string{
		"@timestamp", "source_ip", "destination_ip", "destination_port",
		"category", "technique", "tactic", "domain", "tls_fingerprint",
		"url_host", "user_agent_family", "payload_signature",
	},
	"techniques": []string{
		"credential-stuffing", "sql-injection", "command-injection",
		"path-traversal", "port-scan", "brute-force",
	},
	"tactics": []string{
		"reconnaissance", "initial-access", "execution", "persistence",
		"exfiltration",
	},
}

func getDataDictionaryTool() dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "get_data_dictionary",
		Description: "Return the static field, technique, and tactic glossary used across the SIEM store's indices.",
		InputSchema: []byte(`{"type": "object"}`),
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			return jsonResult(dataDictionary), nil
		},
	}
}

func getHealthStatusTool(features *feature.Manager) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:        "get_health_status",
		Description: "Return the current health snapshot for every outbound dependency, for clients to self-diagnose before calling gated tools.",
		InputSchema: []byte(`{"type": "object"}`),
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			if features == nil {
				return jsonResult(map[string]any{"dependencies": map[string]any{}}), nil
			}
			statuses := features.AllStatuses()
			out := make(map[string]any, len(statuses))
			for dep, status := range statuses {
				out[string(dep)] = map[string]any{
					"healthy":      status.Healthy,
					"last_checked": status.LastChecked,
					"last_error":   status.LastError,
				}
			}
			return jsonResult(map[string]any{"dependencies": out}), nil
		},
	}
}

const listRecentAuditSchema = `{
  "type": "object",
  "properties": {
    "limit": {"type": "integer"}
  }
}`

func listRecentAuditTool(recent func(n int) []audit.AuditRecord) dispatch.ToolDefinition {
	return dispatch.ToolDefinition{
		Name:               "list_recent_audit",
		Description:        "Return the most recent tool-call audit records, newest first. Requires the admin permission.",
		InputSchema:        []byte(listRecentAuditSchema),
		Timeout:            5 * time.Second,
		RequiredPermission: "admin",
		Handler: func(ctx context.Context, args map[string]any) (dispatch.Result, error) {
			limit := intArg(args, "limit", 50)
			if limit <= 0 || limit > 500 {
				limit = 50
			}
			return jsonResult(recent(limit)), nil
		},
	}
}
