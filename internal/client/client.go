// Package client follows a gh-deploy server's audit log over websocket.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kehao95/gh-deploy/internal/message"
)

const maxBackoff = 30 * time.Second

type Config struct {
	ServerURL string
	Events    []string
	// JSON prints the raw log messages instead of the log lines.
	JSON bool
	// Until stops with exit code 0 at the first line containing it.
	Until string
	// FailOn stops with exit code 1 at the first line containing it.
	FailOn string
	// Timeout stops with exit code 124 when it elapses. Zero waits forever.
	Timeout time.Duration
	Out     io.Writer
	Logger  *slog.Logger
}

type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit with code %d", e.code)
}

func (e exitError) ExitCode() int {
	return e.code
}

// Run connects and prints log lines until ctx is done or a stop condition
// matches, reconnecting with backoff when the connection drops.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := bufio.NewWriter(cfg.Out)
	backoff := time.Second

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, cfg.Timeout, exitError{code: 124})
		defer cancel()
	}

	for {
		if ctx.Err() != nil {
			return stopCause(ctx)
		}

		logger.Info("connecting", "url", cfg.ServerURL)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
		if err != nil {
			logger.Warn("connect failed", "err", err)
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		logger.Info("connected", "url", cfg.ServerURL)
		backoff = time.Second

		if err := sendSubscribe(conn, cfg.Events); err != nil {
			logger.Warn("subscribe failed", "err", err)
			_ = conn.Close()
			wait(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		err = readLoop(ctx, conn, out, logger, cfg)
		_ = conn.Close()
		var exitErr interface{ ExitCode() int }
		if errors.As(err, &exitErr) {
			return err
		}
		if ctx.Err() != nil {
			return stopCause(ctx)
		}
		logger.Warn("disconnected", "err", err)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, out *bufio.Writer, logger *slog.Logger, cfg Config) error {
	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}

			var msg message.LogMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("invalid json from server", "data", string(data))
				continue
			}

			text := msg.Line
			if cfg.JSON {
				text = string(data)
			}
			if err := writeLine(out, text); err != nil {
				done <- err
				return
			}

			if cfg.Until != "" && strings.Contains(msg.Line, cfg.Until) {
				done <- exitError{code: 0}
				return
			}
			if cfg.FailOn != "" && strings.Contains(msg.Line, cfg.FailOn) {
				done <- exitError{code: 1}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return stopCause(ctx)
	case err := <-done:
		return err
	}
}

func writeLine(out *bufio.Writer, text string) error {
	if _, err := out.WriteString(text); err != nil {
		return err
	}
	if err := out.WriteByte('\n'); err != nil {
		return err
	}
	return out.Flush()
}

// stopCause is the timeout exit error when the deadline fired, ctx.Err()
// otherwise.
func stopCause(ctx context.Context) error {
	var exitErr exitError
	if cause := context.Cause(ctx); errors.As(cause, &exitErr) {
		return exitErr
	}
	return ctx.Err()
}

func sendSubscribe(conn *websocket.Conn, events []string) error {
	if events == nil {
		events = []string{}
	}
	return conn.WriteJSON(message.SubscribeMessage{
		Type:   message.TypeSubscribe,
		Events: events,
	})
}

func wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
