// Package stdio provides the stdio transport adapter: the MCP server speaks
// newline-delimited JSON-RPC over stdin/stdout, sharing one connection
// (and therefore one rate-limit bucket and one auth session) for the
// process's lifetime. Grounded on the teacher's copyMessages scanner loop
// in internal/service/proxy_service.go, generalized from "forward to
// upstream" to "dispatch locally".
package stdio

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/honeypot-sentry/sentryd/internal/domain/validation"
	"github.com/honeypot-sentry/sentryd/internal/service"
	"github.com/honeypot-sentry/sentryd/pkg/mcp"
)

const (
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = validation.MaxFrameBytes
)

// Transport bridges stdin/stdout to the dispatcher.
type Transport struct {
	dispatcher *service.DispatcherService
	logger     *slog.Logger
}

// New creates a stdio transport wrapping dispatcher.
func New(dispatcher *service.DispatcherService, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{dispatcher: dispatcher, logger: logger}
}

// Run blocks, reading requests from stdin and writing responses to stdout,
// until ctx is cancelled or the input stream closes.
func (t *Transport) Run(ctx context.Context) error {
	return t.run(ctx, os.Stdin, os.Stdout)
}

func (t *Transport) run(ctx context.Context, in io.Reader, out io.Writer) error {
	conn := service.NewConnectionState()

	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := scanner.Bytes()
		msg, err := mcp.WrapMessage(append([]byte(nil), raw...), mcp.Inbound, conn.ID)
		if err != nil {
			t.logger.Debug("stdio: failed to decode message", "error", err)
			continue
		}

		resp, err := t.dispatcher.Handle(ctx, conn, msg)
		if err != nil {
			t.logger.Error("stdio: dispatcher error", "error", err)
			continue
		}
		if resp == nil {
			continue // notification; nothing to write back
		}
		if _, err := out.Write(resp); err != nil {
			return err
		}
		if _, err := out.Write([]byte("\n")); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
