// Package webhook serves the daemon's HTTP surface: GitHub push webhooks that
// request an immediate pull, Prometheus metrics and a health check.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/reposyncd/internal/activation"
	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/events"
)

const (
	defaultDebounce = 2 * time.Second
	// activatedSocketName is the FileDescriptorName= the socket unit sets.
	activatedSocketName = "http"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server implements the HTTP server
type Server struct {
	cfg    config.ServeConfig
	bus    events.Sender
	logger *slog.Logger
	// secret is nil when webhooks are disabled.
	secret   []byte
	debounce *debouncer

	ctx         context.Context
	sendMu      sync.Mutex // guards sending and sendPending
	sending     bool       // whether a Tick is being handed to the bus
	sendPending bool       // whether another Tick was requested meanwhile
}

// debouncer coalesces bursts of accepted webhooks into one callback
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new server. Webhooks are only accepted when a secret
// file is configured.
func NewServer(cfg *config.Config, bus events.Sender, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg.Serve,
		bus:      bus,
		logger:   logger,
		debounce: &debouncer{delay: defaultDebounce},
		ctx:      context.Background(),
	}

	if cfg.WebhookEnabled() {
		secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
		}
	}

	return s, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.secret != nil {
		mux.HandleFunc("/webhook", s.handleWebhook)
	}
	return mux
}

// Start serves until ctx is cancelled. A systemd-activated socket is used
// when present, otherwise the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	defer s.debounce.stop()

	listener, err := s.listen()
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", listener.Addr().String(), "webhook", s.secret != nil)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) listen() (net.Listener, error) {
	activated, err := activation.Listener(activatedSocketName)
	if err != nil {
		return nil, fmt.Errorf("failed to get activated sockets: %w", err)
	}
	if activated != nil {
		s.logger.Info("using socket-activated listener")
		return activated, nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return listener, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if !contains(s.cfg.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !contains(s.cfg.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(s.requestPull)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Pull requested\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	signature, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// contains reports whether value is allowed; an empty list allows everything.
func contains(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

// requestPull hands a Tick to the bus. While one hand-off is blocked on a busy
// engine, at most one more is queued; further requests fold into it.
func (s *Server) requestPull() {
	s.sendMu.Lock()
	if s.sending {
		s.sendPending = true
		s.sendMu.Unlock()
		s.logger.Debug("pull already queued")
		return
	}
	s.sending = true
	s.sendMu.Unlock()

	for {
		if err := s.bus.Send(s.ctx, events.Tick); err != nil {
			s.logger.Warn("failed to request pull", "error", err)
			s.sendMu.Lock()
			s.sending, s.sendPending = false, false
			s.sendMu.Unlock()
			return
		}

		s.sendMu.Lock()
		if !s.sendPending {
			s.sending = false
			s.sendMu.Unlock()
			return
		}
		s.sendPending = false
		s.sendMu.Unlock()
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
