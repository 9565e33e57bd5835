// Package tcp provides the TCP transport adapter (C9): a persistent,
// multi-connection MCP listener with length-prefixed framing, used when the
// server is launched under a process manager rather than spawned directly
// (spec §6). Grounded on the teacher's http.Transport for the functional
// options/Start/shutdown shape, generalized from one shared HTTP server to
// one goroutine per accepted connection.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/auth"
	"github.com/honeypot-sentry/sentryd/internal/domain/mcperr"
	"github.com/honeypot-sentry/sentryd/internal/service"
	"github.com/honeypot-sentry/sentryd/pkg/mcp"
)

const (
	// maxFrameLen bounds a single length-prefixed message, mirroring the
	// stdio transport's scanner buffer cap.
	maxFrameLen = 10 * 1024 * 1024

	defaultIdleTimeout  = 300 * time.Second
	defaultDrainTimeout = 30 * time.Second
	defaultMaxConns     = 1000
)

// Transport is the TCP inbound adapter (§6). One Transport serves many
// concurrent connections, each authenticated independently via the `auth`
// method, and each running its own read/dispatch/write loop.
type Transport struct {
	dispatcher *service.DispatcherService
	logger     *slog.Logger

	addr         string
	idleTimeout  time.Duration
	drainTimeout time.Duration
	maxConns     int

	listener net.Listener
	ready    chan struct{}
	sem      chan struct{}

	mu          sync.Mutex
	draining    bool
	conns       map[*conn]struct{}
	byKeyID     map[string]map[*conn]struct{}
	wg          sync.WaitGroup
}

// Option configures a Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default: 127.0.0.1:3000 (§6).
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithIdleTimeout sets how long a connection may sit without traffic before
// it is closed. Default: 300s (§5).
func WithIdleTimeout(d time.Duration) Option {
	return func(t *Transport) { t.idleTimeout = d }
}

// WithDrainTimeout sets how long graceful shutdown waits for in-flight
// requests before closing sockets unconditionally. Default: 30s (§5).
func WithDrainTimeout(d time.Duration) Option {
	return func(t *Transport) { t.drainTimeout = d }
}

// WithMaxConnections caps concurrent accepted connections. Default: 1000.
func WithMaxConnections(n int) Option {
	return func(t *Transport) { t.maxConns = n }
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// New creates a TCP transport wrapping dispatcher.
func New(dispatcher *service.DispatcherService, opts ...Option) *Transport {
	t := &Transport{
		dispatcher:   dispatcher,
		logger:       slog.Default(),
		addr:         "127.0.0.1:3000",
		idleTimeout:  defaultIdleTimeout,
		drainTimeout: defaultDrainTimeout,
		maxConns:     defaultMaxConns,
		conns:        make(map[*conn]struct{}),
		byKeyID:      make(map[string]map[*conn]struct{}),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sem = make(chan struct{}, t.maxConns)
	return t
}

// Addr blocks until the listener is bound and returns its address. Intended
// for tests that bind to an ephemeral port (WithAddr("127.0.0.1:0")).
func (t *Transport) Addr() net.Addr {
	<-t.ready
	return t.listener.Addr()
}

var _ auth.RevocationNotifier = (*Transport)(nil)

// conn is one accepted connection's bookkeeping: the socket, its
// ConnectionState, and a channel closed to unblock its read loop early.
type conn struct {
	nc    net.Conn
	state *service.ConnectionState
	close chan struct{}
	once  sync.Once
}

func (c *conn) forceClose() {
	c.once.Do(func() { close(c.close) })
	_ = c.nc.Close()
}

// Run accepts connections until ctx is cancelled, then drains in-flight
// work for up to drainTimeout before returning.
func (t *Transport) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", t.addr, err)
	}
	t.listener = ln
	close(t.ready)
	t.logger.Info("tcp transport listening", "addr", ln.Addr())

	acceptErrCh := make(chan error, 1)
	go func() {
		acceptErrCh <- t.acceptLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		return t.shutdown()
	case err := <-acceptErrCh:
		return err
	}
}

func (t *Transport) acceptLoop(ctx context.Context) error {
	for {
		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		nc, err := t.listener.Accept()
		if err != nil {
			<-t.sem
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			t.logger.Error("tcp: accept failed", "error", err)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			defer func() { <-t.sem }()
			t.serve(ctx, nc)
		}()
	}
}

func (t *Transport) serve(ctx context.Context, nc net.Conn) {
	c := &conn{nc: nc, state: service.NewConnectionState(), close: make(chan struct{})}

	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.conns, c)
		if c.state.KeyID() != "" {
			delete(t.byKeyID[c.state.KeyID()], c)
		}
		t.mu.Unlock()
		_ = nc.Close()
	}()

	go func() {
		select {
		case <-c.close:
			_ = nc.Close()
		case <-ctx.Done():
			_ = nc.Close()
		}
	}()

	reader := bufio.NewReaderSize(nc, 64*1024)

	for {
		if err := nc.SetReadDeadline(time.Now().Add(t.idleTimeout)); err != nil {
			return
		}

		raw, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("tcp: read frame failed", "error", err)
			}
			return
		}

		resp := t.handleFrame(ctx, c, raw)
		if resp == nil {
			continue
		}
		if err := writeFrame(nc, resp); err != nil {
			t.logger.Debug("tcp: write frame failed", "error", err)
			return
		}
	}
}

// handleFrame decodes and dispatches one message, enforcing the
// auth-gate and shutdown-drain rules ahead of the dispatcher (§6, §5).
func (t *Transport) handleFrame(ctx context.Context, c *conn, raw []byte) []byte {
	msg, err := mcp.WrapMessage(raw, mcp.Inbound, c.state.ID)
	if err != nil {
		t.logger.Debug("tcp: malformed message", "error", err)
		return nil
	}

	t.mu.Lock()
	draining := t.draining
	t.mu.Unlock()
	if draining {
		return rawError(msg, mcperr.New(mcperr.CodeShuttingDown, "server is shutting down", ""))
	}

	if !c.state.Authenticated() && msg.Method() != "auth" && msg.Method() != "ping" {
		return rawError(msg, mcperr.New(mcperr.CodeAuth, "connection is not authenticated", ""))
	}

	resp, err := t.dispatcher.Handle(ctx, c.state, msg)
	if err != nil {
		t.logger.Error("tcp: dispatcher error", "error", err)
		return nil
	}

	if msg.Method() == "auth" && c.state.Authenticated() {
		t.trackKeyID(c)
	}
	return resp
}

func (t *Transport) trackKeyID(c *conn) {
	keyID := c.state.KeyID()
	if keyID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byKeyID[keyID] == nil {
		t.byKeyID[keyID] = make(map[*conn]struct{})
	}
	t.byKeyID[keyID][c] = struct{}{}
}

// TerminateSessionsForKey implements auth.RevocationNotifier: it force
// closes every connection currently authenticated with keyID, satisfying
// the within-drain-timeout revocation property (§4.12 property #6).
func (t *Transport) TerminateSessionsForKey(_ context.Context, keyID string) int {
	t.mu.Lock()
	targets := make([]*conn, 0, len(t.byKeyID[keyID]))
	for c := range t.byKeyID[keyID] {
		targets = append(targets, c)
	}
	delete(t.byKeyID, keyID)
	t.mu.Unlock()

	for _, c := range targets {
		c.forceClose()
	}
	return len(targets)
}

func (t *Transport) shutdown() error {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()

	_ = t.listener.Close()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(t.drainTimeout):
		t.logger.Warn("tcp: drain timeout exceeded, closing remaining connections")
		t.mu.Lock()
		for c := range t.conns {
			c.forceClose()
		}
		t.mu.Unlock()
		<-done
	}
	t.logger.Info("tcp transport shut down")
	return nil
}

func rawError(msg *mcp.Message, mcpErr *mcperr.Error) []byte {
	id := json.RawMessage("null")
	if msg != nil {
		if rid := msg.RawID(); len(rid) > 0 {
			id = rid
		}
	}
	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    mcpErr.Code,
			"message": mcpErr.Message,
			"data":    mcpErr.Data,
		},
	}
	out, _ := json.Marshal(resp)
	return out
}

// readFrame reads one 4-byte big-endian length prefix followed by that many
// bytes of UTF-8 JSON body (§6 framing contract).
func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameLen {
		return nil, fmt.Errorf("tcp: frame length %d out of bounds", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes payload with its 4-byte big-endian length prefix.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
