package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kehao95/gh-deploy/internal/eventlog"
	"github.com/kehao95/gh-deploy/internal/message"
	"github.com/kehao95/gh-deploy/internal/webhook"
)

const (
	// MaxBodyBytes caps a webhook body. GitHub never sends more than 25 MiB.
	MaxBodyBytes = 25 << 20

	DefaultShutdownTimeout = 5 * time.Second

	serviceName = "GitHub Webhook Receiver"
	emptyLog    = "No events logged yet."
)

// WebhookHandler is the transport-independent webhook core.
type WebhookHandler interface {
	Handle(ctx context.Context, req webhook.Request) webhook.Response
}

// EventLog is the audit trail the server reads and streams.
type EventLog interface {
	Tail(n int) ([]string, error)
	Subscribe(fn func(eventlog.Entry))
}

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

type Server struct {
	opts     Options
	webhooks WebhookHandler
	events   EventLog
	hub      *Hub
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func New(webhooks WebhookHandler, events EventLog, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		opts:     opts,
		webhooks: webhooks,
		events:   events,
		hub:      newHub(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: opts.Logger,
	}

	s.mux.HandleFunc("/{$}", s.handleIndex)
	s.mux.HandleFunc("/webhook", s.handleWebhook)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/ws", s.handleStream)

	events.Subscribe(s.broadcast)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. It returns only after in-flight
// requests, including running deploys, have finished or the shutdown timeout
// has passed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.run(ctx)

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"service": serviceName,
		"endpoints": map[string]string{
			"POST /webhook": "Receive GitHub webhook events",
			"GET /events":   "View recent webhook events",
			"GET /ws":       "Stream webhook events over WebSocket",
		},
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.log.Warn("webhook body too large", "limit", tooLarge.Limit, "remote", r.RemoteAddr)
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	resp := s.webhooks.Handle(r.Context(), webhook.Request{Header: r.Header, Body: body})
	writeJSON(w, resp.Status, resp.Body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lines, err := s.events.Tail(eventlog.DefaultTail)
	if err != nil {
		s.log.Error("read event log", "err", err)
		http.Error(w, "failed to read event log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var b strings.Builder
	b.WriteString("<pre>")
	if len(lines) == 0 {
		b.WriteString(emptyLog)
	} else {
		for _, line := range lines {
			b.WriteString(html.EscapeString(line))
			b.WriteByte('\n')
		}
	}
	b.WriteString("</pre>")
	_, _ = io.WriteString(w, b.String())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}
	s.log.Info("ws connected", "remote", r.RemoteAddr)

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 16),
		log:  s.log,
	}
	if !s.hub.join(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()

	s.log.Info("ws disconnected", "remote", r.RemoteAddr)
}

// broadcast runs under the event log lock and must not block.
func (s *Server) broadcast(e eventlog.Entry) {
	encoded, err := json.Marshal(message.LogMessage{
		Type:       message.TypeLog,
		Event:      e.Event,
		DeliveryID: e.DeliveryID,
		Time:       e.Time,
		Line:       e.Line(),
	})
	if err != nil {
		s.log.Error("encode log message", "err", err)
		return
	}
	if !s.hub.publish(e.Event, encoded) {
		s.log.Warn("broadcast dropped", "event", e.Event, "delivery", e.DeliveryID)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
