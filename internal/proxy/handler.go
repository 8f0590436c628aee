package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-shift/internal/logging"
	"github.com/any-hub/origin-shift/internal/routing"
	"github.com/any-hub/origin-shift/internal/server"
	"github.com/any-hub/origin-shift/internal/upstream"
	"github.com/any-hub/origin-shift/internal/worker"
)

// Interceptor 是 Handler 依赖的 worker 能力，测试中可替换。
type Interceptor interface {
	Intercept(ctx context.Context, req *routing.Request) (*worker.Response, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, req *routing.Request) (*worker.Response, error)

// Intercept makes InterceptorFunc satisfy Interceptor.
func (f InterceptorFunc) Intercept(ctx context.Context, req *routing.Request) (*worker.Response, error) {
	return f(ctx, req)
}

// Handler 把 Fiber 请求转换为 routing.Request 交给 worker，再把结果写回客户端。
type Handler struct {
	worker Interceptor
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler on top of the worker.
func NewHandler(w Interceptor, logger *logrus.Logger) *Handler {
	return &Handler{worker: w, logger: logger}
}

// Handle 实现 server.ProxyHandler；任何失败都会落成一个完整响应。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)

	defer func() {
		if r := recover(); r != nil {
			err = h.respondPanic(c, r, requestID)
		}
	}()

	req, err := buildRequest(c)
	if err != nil {
		h.logFailure(c, requestID, "bad_request", err)
		return writeError(c, requestID, fiber.StatusBadRequest, "bad_request")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.worker.Intercept(ctx, req)
	if err != nil {
		if errors.Is(err, worker.ErrNotReady) {
			h.logFailure(c, requestID, "worker_not_ready", err)
			return writeError(c, requestID, fiber.StatusServiceUnavailable, "worker_not_ready")
		}
		h.logFailure(c, requestID, "intercept_failed", err)
		return writeError(c, requestID, fiber.StatusInternalServerError, "intercept_failed")
	}
	defer resp.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Origin-Shift-Class", string(resp.Class))
	c.Set("X-Origin-Shift-Cache-Hit", fmt.Sprintf("%t", resp.CacheHit))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if c.Method() == http.MethodHead || resp.Body == nil {
		h.logResult(req, resp, requestID, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req, resp, requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 依据 Host 与请求行还原完整 URL，并判断是否为顶层导航。
func buildRequest(c fiber.Ctx) (*routing.Request, error) {
	uri := c.Request().URI()
	host := string(uri.Host())
	if host == "" {
		host = c.Host()
	}
	raw := c.Scheme() + "://" + host + string(uri.RequestURI())
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	return &routing.Request{
		Method:   c.Method(),
		URL:      u,
		Header:   fiberHeadersAsHTTP(c),
		Body:     append([]byte(nil), c.Body()...),
		Navigate: isNavigation(c),
	}, nil
}

// isNavigation 优先使用 Sec-Fetch-Mode，缺失时按 GET + Accept: text/html 推断。
func isNavigation(c fiber.Ctx) bool {
	if mode := c.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return c.Method() == http.MethodGet && strings.Contains(c.Get(fiber.HeaderAccept), "text/html")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

func writeError(c fiber.Ctx, requestID string, status int, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondPanic(c fiber.Ctx, recovered interface{}, requestID string) error {
	h.logFailure(c, requestID, "intercept_panic", fmt.Errorf("panic: %v", recovered))
	return writeError(c, requestID, fiber.StatusInternalServerError, "intercept_panic")
}

func (h *Handler) logFailure(c fiber.Ctx, requestID, code string, err error) {
	if h.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action": "intercept",
		"method": c.Method(),
		"url":    c.OriginalURL(),
		"error":  code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error(err.Error())
}

func (h *Handler) logResult(req *routing.Request, resp *worker.Response, requestID string, started time.Time, err error) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(string(resp.Class), req.Method, req.URL.String(), resp.CacheHit)
	fields["action"] = "intercept"
	fields["upstream"] = resp.Upstream
	fields["status"] = resp.Status
	fields["outcome"] = string(resp.Outcome)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}

	entry := h.logger.WithFields(fields)
	switch {
	case err != nil:
		entry.WithError(err).Error("proxy stream failed")
	case resp.Err != nil:
		entry.WithError(resp.Err).Warn("intercept degraded")
	default:
		entry.Info("intercept completed")
	}
}
