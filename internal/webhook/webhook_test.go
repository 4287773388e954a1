package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/reposyncd/internal/config"
	"github.com/schaermu/reposyncd/internal/events"
)

// mockSender records events sent by the server
type mockSender struct {
	mu    sync.Mutex
	sent  []events.Event
	block chan struct{}
	err   error
}

func (m *mockSender) Send(ctx context.Context, e events.Event) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()
	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Repo: config.RepoConfig{Path: tmpDir, Remote: "origin"},
		Serve: config.ServeConfig{
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push"},
			AllowedRefs:             []string{"refs/heads/main"},
		},
	}

	return cfg, secret
}

func newTestServer(t *testing.T, cfg *config.Config, bus events.Sender) *Server {
	t.Helper()
	server, err := NewServer(cfg, bus, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	server.debounce.delay = 10 * time.Millisecond
	return server
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	return req
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewServer(t *testing.T) {
	cfg, _ := setupTestConfig(t)

	server := newTestServer(t, cfg, &mockSender{})
	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret, got %q", string(server.secret))
	}
}

func TestNewServer_WebhookDisabled(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.GitHubWebhookSecretFile = ""

	server := newTestServer(t, cfg, &mockSender{})
	if server.secret != nil {
		t.Error("expected no secret when webhooks are disabled")
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for disabled webhook route, got %d", rec.Code)
	}
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg, _ := setupTestConfig(t)

	cfg.Serve.GitHubWebhookSecretFile = "/nonexistent/secret"
	if _, err := NewServer(cfg, &mockSender{}, testLogger()); err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.GitHubWebhookSecretFile = empty
	if _, err := NewServer(cfg, &mockSender{}, testLogger()); err == nil {
		t.Fatal("expected error for empty secret file, got nil")
	}
}

func TestVerifySignature(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockSender{})

	body := []byte(`{"ref":"refs/heads/main"}`)
	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{name: "valid signature", body: body, signature: computeSignature(body, secret), want: true},
		{name: "invalid signature", body: body, signature: "sha256=invalid"},
		{name: "missing sha256 prefix", body: body, signature: "notsha256"},
		{name: "empty signature", body: body, signature: ""},
		{name: "prefix only", body: body, signature: "sha256="},
		{name: "wrong body", body: []byte(`{"ref":"refs/heads/other"}`), signature: computeSignature(body, secret)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(tt.body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		value   string
		want    bool
	}{
		{name: "allowed", allowed: []string{"push", "ping"}, value: "push", want: true},
		{name: "disallowed", allowed: []string{"push"}, value: "pull_request"},
		{name: "no filter", allowed: nil, value: "anything", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contains(tt.allowed, tt.value); got != tt.want {
				t.Errorf("contains() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandleWebhook_SendsTick(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	bus := &mockSender{}
	server := newTestServer(t, cfg, bus)

	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"test/repo"}}`)
	rec := httptest.NewRecorder()
	server.handleWebhook(rec, pushRequest(t, body, secret))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	waitFor(t, func() bool { return bus.count() == 1 })
	if bus.sent[0] != events.Tick {
		t.Errorf("expected Tick, got %s", bus.sent[0])
	}
}

func TestHandleWebhook_BurstIsDebounced(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	bus := &mockSender{}
	server := newTestServer(t, cfg, bus)
	server.debounce.delay = 50 * time.Millisecond

	body := []byte(`{"ref":"refs/heads/main"}`)
	for i := 0; i < 5; i++ {
		server.handleWebhook(httptest.NewRecorder(), pushRequest(t, body, secret))
	}

	waitFor(t, func() bool { return bus.count() == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := bus.count(); n != 1 {
		t.Errorf("expected one Tick for a burst, got %d", n)
	}
}

func TestHandleWebhook_Rejections(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name     string
		req      func() *http.Request
		wantCode int
		wantBody string
	}{
		{
			name:     "invalid method",
			req:      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/webhook", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			req: func() *http.Request {
				r := pushRequest(t, body, secret)
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "invalid signature",
			req: func() *http.Request {
				r := pushRequest(t, body, secret)
				r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
				return r
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "disallowed event",
			req: func() *http.Request {
				r := pushRequest(t, body, secret)
				r.Header.Set("X-GitHub-Event", "issues")
				return r
			},
			wantCode: http.StatusOK,
			wantBody: "Event type not configured",
		},
		{
			name: "disallowed ref",
			req: func() *http.Request {
				return pushRequest(t, []byte(`{"ref":"refs/heads/feature"}`), secret)
			},
			wantCode: http.StatusOK,
			wantBody: "Ref not configured",
		},
		{
			name:     "invalid payload",
			req:      func() *http.Request { return pushRequest(t, []byte(`{not json`), secret) },
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &mockSender{}
			server := newTestServer(t, cfg, bus)

			rec := httptest.NewRecorder()
			server.handleWebhook(rec, tt.req())

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected body containing %q, got %q", tt.wantBody, rec.Body.String())
			}

			time.Sleep(30 * time.Millisecond)
			if n := bus.count(); n != 0 {
				t.Errorf("expected no Tick, got %d", n)
			}
		})
	}
}

func TestRequestPull_QueuesAtMostOne(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	bus := &mockSender{block: make(chan struct{})}
	server := newTestServer(t, cfg, bus)

	done := make(chan struct{})
	go func() {
		server.requestPull()
		close(done)
	}()

	waitFor(t, func() bool {
		server.sendMu.Lock()
		defer server.sendMu.Unlock()
		return server.sending
	})

	// These fold into a single pending request while the first is blocked.
	server.requestPull()
	server.requestPull()
	server.requestPull()

	close(bus.block)
	<-done

	if n := bus.count(); n != 2 {
		t.Errorf("expected 2 Ticks (in-flight + one queued), got %d", n)
	}
}

func TestRequestPull_SendErrorResetsState(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	bus := &mockSender{err: events.ErrBusClosed}
	server := newTestServer(t, cfg, bus)

	server.requestPull()

	server.sendMu.Lock()
	defer server.sendMu.Unlock()
	if server.sending || server.sendPending {
		t.Error("expected send state to be reset after error")
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &mockSender{})
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "ok" {
		t.Errorf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("expected default Go collectors in metrics output")
	}
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")

	// Reserve a free port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	cfg, _ := setupTestConfig(t)
	cfg.Serve.ListenAddr = addr
	server := newTestServer(t, cfg, &mockSender{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	waitFor(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStart_ListenError(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.ListenAddr = "256.0.0.1:99999"
	server := newTestServer(t, cfg, &mockSender{})

	if err := server.Start(context.Background()); err == nil {
		t.Fatal("expected listen error, got nil")
	}
}
