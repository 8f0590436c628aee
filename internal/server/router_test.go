package server

import (
	"bytes"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
)

func TestRouterForwardsRequestToProxy(t *testing.T) {
	app := newTestApp(t, 5000)

	req := httptest.NewRequest("GET", "http://app.local:8000/api/users", nil)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	if app.storage.lastPath != "/api/users" {
		t.Fatalf("expected proxy to see /api/users, got %s", app.storage.lastPath)
	}

	reqID := resp.Header.Get("X-Request-ID")
	if reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if app.storage.lastRequestID != reqID {
		t.Fatalf("expected proxy to see request id %s, got %s", reqID, app.storage.lastRequestID)
	}
}

func TestRouterSkipsDiagnosticsPaths(t *testing.T) {
	app := newTestApp(t, 5000)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local:8000/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Equal(body, []byte("pong")) {
		t.Fatalf("expected diagnostics route, got %d %s", resp.StatusCode, string(body))
	}
	if app.storage.calls != 0 {
		t.Fatalf("proxy should not see diagnostics requests")
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := NewApp(AppOptions{
		Logger: logger,
		Proxy: ProxyHandlerFunc(func(fiber.Ctx) error {
			panic("boom")
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "http://app.local:8000/x", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	logger := logrus.New()
	proxy := ProxyHandlerFunc(func(fiber.Ctx) error { return nil })

	if _, err := NewApp(AppOptions{Proxy: proxy, ListenPort: 1}); err == nil {
		t.Fatalf("expected logger error")
	}
	if _, err := NewApp(AppOptions{Logger: logger, ListenPort: 1}); err == nil {
		t.Fatalf("expected proxy error")
	}
	if _, err := NewApp(AppOptions{Logger: logger, Proxy: proxy}); err == nil {
		t.Fatalf("expected port error")
	}
}

type testApp struct {
	*fiber.App
	storage *proxyRecorder
}

func newTestApp(t *testing.T, port int) *testApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logger,
		Proxy:      recorder,
		ListenPort: port,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &testApp{App: app, storage: recorder}
}

type proxyRecorder struct {
	calls         int
	lastPath      string
	lastRequestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.lastPath = c.Path()
	p.lastRequestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
