package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/hookrelay/internal/config"
	"github.com/danmuck/hookrelay/internal/observability"
	"github.com/danmuck/hookrelay/internal/pairing"
	"github.com/danmuck/hookrelay/internal/relay"
	"github.com/danmuck/hookrelay/internal/testutil/testlog"
)

const testSecret = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T) (*Server, *relay.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.Secret = testSecret
	svc := relay.NewService(time.Hour)
	t.Cleanup(svc.Close)
	pairingSvc := pairing.New(cfg.Secret)
	logger := observability.InitLogger("error")
	return New(cfg, svc, pairingSvc, logger), svc
}

func doRequest(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)

	srv, _ := newTestServer(t)
	if rec := doRequest(t, srv, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec := doRequest(t, srv, http.MethodGet, "/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	var ready struct {
		Status      string `json:"status"`
		Sessions    int    `json:"sessions"`
		Subscribers int    `json:"subscribers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if ready.Status != "ready" || ready.Sessions != 0 {
		t.Fatalf("ready body = %+v", ready)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	testlog.Start(t)

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions status = %d", rec.Code)
	}
	var body struct {
		Sessions []relay.SessionSnapshot `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(body.Sessions) != 0 {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	testlog.Start(t)

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("metrics body empty")
	}
}

func TestPairingCodeEndpoint(t *testing.T) {
	testlog.Start(t)

	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/pairing/code")
	if rec.Code != http.StatusOK {
		t.Fatalf("pairing code status = %d", rec.Code)
	}
	var body struct {
		Code      string    `json:"code"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode pairing code: %v", err)
	}
	if len(body.Code) != 6 {
		t.Fatalf("code = %q", body.Code)
	}
	if !body.ExpiresAt.After(time.Now()) {
		t.Fatalf("expires_at = %s", body.ExpiresAt)
	}

	// Generating a code is a POST-only operation.
	if rec := doRequest(t, srv, http.MethodGet, "/pairing/code"); rec.Code == http.StatusOK {
		t.Fatalf("GET /pairing/code succeeded")
	}
}
