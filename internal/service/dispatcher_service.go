// Package service hosts the orchestration layer: the MCP dispatcher and the
// domain services it calls into. Grounded on the teacher's proxy_service.go
// request-handling shape, generalized from "forward to upstream" to
// "dispatch to a registered local tool handler" (§4.6).
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/honeypot-sentry/sentryd/internal/ctxkey"
	"github.com/honeypot-sentry/sentryd/internal/domain/audit"
	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
	"github.com/honeypot-sentry/sentryd/internal/domain/dispatch"
	"github.com/honeypot-sentry/sentryd/internal/domain/feature"
	"github.com/honeypot-sentry/sentryd/internal/domain/mcperr"
	"github.com/honeypot-sentry/sentryd/internal/domain/ratelimit"
	"github.com/honeypot-sentry/sentryd/internal/domain/validation"
	"github.com/honeypot-sentry/sentryd/pkg/mcp"
)

// ServerInfo is returned in response to initialize.
type ServerInfo struct {
	Name         string
	Version      string
	Capabilities map[string]any
}

// DispatcherService implements the server side of the MCP protocol:
// initialize/list_tools/call_tool/$/cancelRequest, per §4.6.
type DispatcherService struct {
	registry  *dispatch.Registry
	features  *feature.Manager
	limiter   ratelimit.RateLimiter
	keys      *auth.KeyService
	validator *validation.MessageValidator
	schemas   *validation.SchemaRegistry
	audit     *AuditService // nil if audit trail disabled
	info      ServerInfo
	logger    *slog.Logger

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc // keyed by connectionID+requestID
}

// NewDispatcherService wires the dispatcher's collaborators. auditSvc may be
// nil, in which case tool calls are dispatched without an audit trail.
func NewDispatcherService(
	registry *dispatch.Registry,
	features *feature.Manager,
	limiter ratelimit.RateLimiter,
	keys *auth.KeyService,
	schemas *validation.SchemaRegistry,
	auditSvc *AuditService,
	info ServerInfo,
	logger *slog.Logger,
) *DispatcherService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatcherService{
		registry:  registry,
		features:  features,
		limiter:   limiter,
		keys:      keys,
		validator: validation.NewMessageValidator(),
		schemas:   schemas,
		audit:     auditSvc,
		info:      info,
		logger:    logger,
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// recordAudit submits one audit record if an audit trail is wired. No-op
// otherwise, so callers never need to nil-check d.audit themselves.
func (d *DispatcherService) recordAudit(conn *ConnectionState, toolName string, args map[string]any, decision, reason, correlationID string, start time.Time) {
	if d.audit == nil {
		return
	}
	d.audit.Record(audit.AuditRecord{
		Timestamp:     start,
		SessionID:     conn.ID,
		IdentityID:    conn.KeyID(),
		ToolName:      toolName,
		ToolArguments: audit.RedactSensitiveArgs(args),
		Decision:      decision,
		Reason:        reason,
		RequestID:     correlationID,
		LatencyMicros: time.Since(start).Microseconds(),
		Protocol:      "mcp",
	})
}

// CallToolParams is the decoded params object for a call_tool request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Handle processes one decoded inbound message and returns the raw bytes to
// write back, or nil for a notification with no response.
func (d *DispatcherService) Handle(ctx context.Context, conn *ConnectionState, msg *mcp.Message) ([]byte, error) {
	if err := d.validator.Validate(msg); err != nil {
		return d.errorResponse(msg, err), nil
	}

	switch msg.Method() {
	case "initialize":
		return d.handleInitialize(msg)
	case "auth":
		return d.handleAuth(ctx, conn, msg)
	case "list_tools":
		return d.handleListTools(conn, msg)
	case "call_tool":
		return d.handleCallTool(ctx, conn, msg)
	case "$/cancelRequest":
		return d.handleCancel(conn, msg)
	case "ping":
		return d.successResponse(msg, map[string]any{"pong": true})
	default:
		return d.errorResponse(msg, mcperr.New(mcperr.CodeMethodNotFound, "unknown method", "")), nil
	}
}

func (d *DispatcherService) handleInitialize(msg *mcp.Message) ([]byte, error) {
	return d.successResponse(msg, map[string]any{
		"server_name":    d.info.Name,
		"server_version": d.info.Version,
		"capabilities":   d.info.Capabilities,
	})
}

func (d *DispatcherService) handleAuth(ctx context.Context, conn *ConnectionState, msg *mcp.Message) ([]byte, error) {
	params := msg.ParseParams()
	if params == nil {
		return d.errorResponse(msg, mcperr.New(mcperr.CodeInvalidParams, "malformed auth params", "")), nil
	}
	rawKey, _ := params["api_key"].(string)

	key, err := d.keys.Validate(ctx, rawKey)
	if err != nil {
		return d.errorResponse(msg, mcperr.New(mcperr.CodeAuth, "authentication failed", "")), nil
	}

	conn.Authenticate(key)
	return d.successResponse(msg, map[string]any{"authenticated": true, "key_id": key.KeyID})
}

func (d *DispatcherService) handleListTools(conn *ConnectionState, msg *mcp.Message) ([]byte, error) {
	defs := d.registry.All()
	tools := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		if !d.features.ToolAvailable(def.Name) {
			continue
		}
		if conn.Key() != nil && !conn.Key().HasPermission(def.Name) {
			continue
		}
		tools = append(tools, map[string]any{
			"name":         def.Name,
			"description":  def.Description,
			"input_schema": json.RawMessage(def.InputSchema),
		})
	}
	return d.successResponse(msg, map[string]any{"tools": tools})
}

func (d *DispatcherService) handleCallTool(ctx context.Context, conn *ConnectionState, msg *mcp.Message) ([]byte, error) {
	correlationID := uuid.NewString()
	start := time.Now()

	if !conn.Authenticated() {
		return d.errorResponse(msg, mcperr.New(mcperr.CodeAuth, "connection is not authenticated", correlationID)), nil
	}

	params := msg.ParseParams()
	if params == nil {
		return d.errorResponse(msg, mcperr.New(mcperr.CodeInvalidParams, "malformed call_tool params", correlationID)), nil
	}
	var req CallToolParams
	raw, _ := json.Marshal(params)
	if err := json.Unmarshal(raw, &req); err != nil || req.Name == "" {
		return d.errorResponse(msg, mcperr.New(mcperr.CodeInvalidParams, "missing tool name", correlationID)), nil
	}

	def, ok := d.registry.Get(req.Name)
	if !ok {
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, "unknown tool", correlationID, start)
		return d.errorResponse(msg, mcperr.New(mcperr.CodeMethodNotFound, "unknown tool: "+req.Name, correlationID)), nil
	}

	// Step 1: rate limit.
	rlKey := ratelimit.FormatKey(ratelimit.KeyTypeAPIKey, conn.Key().KeyID)
	rlResult, err := d.limiter.Allow(ctx, rlKey, ratelimit.RateLimitConfig{
		Rate: conn.Key().RateLimitPerMinute, Burst: conn.Key().RateLimitPerMinute, Period: time.Minute,
	})
	if err != nil {
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, "rate limiter error", correlationID, start)
		return d.errorResponse(msg, mcperr.Internal(correlationID)), nil
	}
	if !rlResult.Allowed {
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, "rate limit exceeded", correlationID, start)
		return d.errorResponse(msg, mcperr.New(mcperr.CodeRateLimited, "rate limit exceeded", correlationID).
			WithRetryAfter(rlResult.RetryAfter.Seconds())), nil
	}

	// Step 2: feature availability.
	if !d.features.ToolAvailable(req.Name) {
		reason := d.features.UnavailableReason(req.Name)
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, reason, correlationID, start)
		return d.errorResponse(msg, mcperr.New(mcperr.CodeFeatureUnavailable, reason, correlationID)), nil
	}

	// Step 3: permission.
	if !conn.Key().HasPermission(req.Name) {
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, "permission denied", correlationID, start)
		return d.errorResponse(msg, mcperr.New(mcperr.CodeAuth, "permission denied for tool: "+req.Name, correlationID)), nil
	}
	if def.RequiredPermission != "" && !conn.Key().HasPermission(def.RequiredPermission) {
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, "permission denied", correlationID, start)
		return d.errorResponse(msg, mcperr.New(mcperr.CodeAuth, "permission denied for tool: "+req.Name, correlationID)), nil
	}

	// Step 4: schema validation.
	if d.schemas != nil {
		if err := d.schemas.ValidateArguments(req.Name, req.Arguments); err != nil {
			d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, err.Error(), correlationID, start)
			return d.errorResponse(msg, mcperr.New(mcperr.CodeInvalidParams, err.Error(), correlationID)), nil
		}
	}

	// Step 5: invoke with deadline. correlationID and the owning connection
	// id ride along on the context so a handler or its downstream client
	// (e.g. the SIEM store client's request logging) can log them without
	// threading them through every call signature.
	toolCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	toolCtx = context.WithValue(toolCtx, ctxkey.CorrelationIDKey{}, correlationID)
	toolCtx = context.WithValue(toolCtx, ctxkey.ConnectionIDKey{}, conn.ID)
	cancelKey := conn.ID + ":" + string(msg.RawID())
	d.trackCancel(cancelKey, cancel)
	defer func() {
		cancel()
		d.untrackCancel(cancelKey)
	}()

	result, err := d.invoke(toolCtx, def, req.Arguments, correlationID)
	if err != nil {
		d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionDeny, err.Error(), correlationID, start)
		return d.errorResponse(msg, toMCPError(err, correlationID)), nil
	}

	// Step 6: wrap success.
	content := make([]map[string]any, 0, len(result.Content))
	for _, c := range result.Content {
		item := map[string]any{"type": c.Type}
		if c.Type == "json" {
			item["json"] = c.JSON
		} else {
			item["text"] = c.Text
		}
		content = append(content, item)
	}
	d.recordAudit(conn, req.Name, req.Arguments, audit.DecisionAllow, "", correlationID, start)
	return d.successResponse(msg, map[string]any{"content": content})
}

func (d *DispatcherService) invoke(ctx context.Context, def dispatch.ToolDefinition, args map[string]any, correlationID string) (res dispatch.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool handler panicked",
				"tool", def.Name, "correlation_id", correlationID, "panic", r, "stack", string(debug.Stack()))
			err = mcperr.Internal(correlationID)
		}
	}()
	return def.Handler(ctx, args)
}

func (d *DispatcherService) handleCancel(conn *ConnectionState, msg *mcp.Message) ([]byte, error) {
	params := msg.ParseParams()
	targetRaw, _ := json.Marshal(params["id"])
	cancelKey := conn.ID + ":" + string(targetRaw)

	d.mu.Lock()
	cancel, ok := d.cancelFns[cancelKey]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil, nil // $/cancelRequest is a notification; no response expected
}

func (d *DispatcherService) trackCancel(key string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.cancelFns[key] = cancel
	d.mu.Unlock()
}

func (d *DispatcherService) untrackCancel(key string) {
	d.mu.Lock()
	delete(d.cancelFns, key)
	d.mu.Unlock()
}

// successResponse and errorResponse build raw JSON-RPC 2.0 response
// objects directly, grounded on the teacher's proxy.CreateJSONRPCError:
// sidesteps needing to construct an SDK jsonrpc.Response by hand and keeps
// the wire shape explicit at the one place that produces it.
func (d *DispatcherService) successResponse(msg *mcp.Message, result any) ([]byte, error) {
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      rawID(msg),
		"result":  result,
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal response: %w", err)
	}
	return raw, nil
}

func (d *DispatcherService) errorResponse(msg *mcp.Message, err error) []byte {
	mcpErr := toMCPError(err, "")
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      rawID(msg),
		"error": map[string]any{
			"code":    mcpErr.Code,
			"message": mcpErr.Message,
			"data":    mcpErr.Data,
		},
	}
	raw, _ := json.Marshal(resp)
	return raw
}

func rawID(msg *mcp.Message) json.RawMessage {
	if msg == nil {
		return json.RawMessage("null")
	}
	if id := msg.RawID(); len(id) > 0 {
		return id
	}
	return json.RawMessage("null")
}

func toMCPError(err error, correlationID string) *mcperr.Error {
	if err == nil {
		return mcperr.Internal(correlationID)
	}
	if me, ok := err.(*mcperr.Error); ok {
		return me
	}
	if ve, ok := err.(*validation.ValidationError); ok {
		return mcperr.New(mcperr.Code(ve.Code), ve.Message, correlationID)
	}
	return mcperr.Internal(correlationID)
}
