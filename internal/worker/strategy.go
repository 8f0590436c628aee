package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/origin-shift/internal/cache"
	"github.com/any-hub/origin-shift/internal/metrics"
	"github.com/any-hub/origin-shift/internal/routing"
	"github.com/any-hub/origin-shift/internal/upstream"
)

// serveOwnAsset 对引导资源执行 cache-first；根路径视为入口页。
func (m *Manager) serveOwnAsset(ctx context.Context, inst *Instance, req *routing.Request) *Response {
	p, query := req.URL.Path, req.URL.RawQuery
	if p == "" || p == "/" {
		p, query = m.cfg.Source.EntryPage, ""
	}
	target := m.originURL(p, query)

	if req.Method != http.MethodGet {
		return m.passthrough(ctx, req, routing.ClassOwnAsset, target)
	}

	locator := cache.Locator{Generation: inst.Generation(), Key: cache.RequestKey(http.MethodGet, p, query)}
	if entry, ok := m.lookup(ctx, locator); ok {
		return entryResponse(entry, OutcomeCache, true, target)
	}

	entry, err := m.fetchAndStore(ctx, locator, target, req.Header)
	if err == nil {
		return entryResponse(entry, OutcomeNetwork, false, target)
	}
	m.logStrategyError(req, routing.ClassOwnAsset, target, err)
	if stale, ok := m.findStale(ctx, locator.Key); ok {
		return entryResponse(stale, OutcomeStale, true, target)
	}
	return unavailable("Network error: ", target, err)
}

// serveNavigation 无论请求路径为何，都返回入口页。
func (m *Manager) serveNavigation(ctx context.Context, inst *Instance, req *routing.Request) *Response {
	entryPage := m.cfg.Source.EntryPage
	target := m.originURL(entryPage, "")
	locator := cache.Locator{Generation: inst.Generation(), Key: cache.RequestKey(http.MethodGet, entryPage, "")}

	if entry, ok := m.lookup(ctx, locator); ok {
		return entryResponse(entry, OutcomeCache, true, target)
	}

	entry, err := m.fetchAndStore(ctx, locator, target, req.Header)
	if err == nil {
		return entryResponse(entry, OutcomeNetwork, false, target)
	}
	m.logStrategyError(req, routing.ClassNavigation, target, err)

	// 最后一道防线：再查一次缓存（含旧代际）。
	if entry, ok := m.lookup(ctx, locator); ok {
		return entryResponse(entry, OutcomeCache, true, target)
	}
	if stale, ok := m.findStale(ctx, locator.Key); ok {
		return entryResponse(stale, OutcomeStale, true, target)
	}
	return unavailable("Network error: ", target, err)
}

func (m *Manager) serveHook(ctx context.Context, req *routing.Request) *Response {
	target, err := routing.Rewrite(req, routing.ClassHookProxy, m.target)
	if err != nil {
		return textResponse(http.StatusBadRequest, err.Error(), OutcomeNetworkError, "", err)
	}
	href := target.String()

	resp, err := m.forward(ctx, req, href)
	if err != nil {
		m.logStrategyError(req, routing.ClassHookProxy, href, err)
		return unavailable("Error loading from target server: ", href, err)
	}
	return streamResponse(resp, OutcomeNetwork, href)
}

// serveBackend 改写并转发；404 与失败都会记入实例的负缓存。
func (m *Manager) serveBackend(ctx context.Context, inst *Instance, req *routing.Request) *Response {
	if !inst.Redirect() {
		return m.passthrough(ctx, req, routing.ClassBackendResource, m.originURL(req.URL.Path, req.URL.RawQuery))
	}

	target, err := routing.Rewrite(req, routing.ClassBackendResource, m.target)
	if err != nil {
		return textResponse(http.StatusBadRequest, err.Error(), OutcomeNetworkError, "", err)
	}
	href := target.String()

	if inst.negative.Contains(href) {
		return textResponse(http.StatusNotFound, negativeBody, OutcomeNegative, href, nil)
	}

	resp, err := m.forward(ctx, req, href)
	if err != nil {
		// 客户端自己断开不代表资源不可用。
		if !errors.Is(err, context.Canceled) {
			inst.negative.Add(href)
		}
		m.logStrategyError(req, routing.ClassBackendResource, href, err)
		return unavailable("Error loading resource: ", href, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		inst.negative.Add(href)
	}
	return streamResponse(resp, OutcomeNetwork, href)
}

func (m *Manager) serveExternal(ctx context.Context, req *routing.Request) *Response {
	return m.passthrough(ctx, req, routing.ClassExternal, req.URL.String())
}

// passthrough 原样发往网络，不改写、不缓存、不计入负缓存。
func (m *Manager) passthrough(ctx context.Context, req *routing.Request, class routing.Class, target string) *Response {
	outbound, err := upstream.NewRequest(ctx, req.Method, target, req.Header, req.Body, upstream.ModeDirect)
	if err != nil {
		return textResponse(http.StatusBadRequest, err.Error(), OutcomeNetworkError, target, err)
	}
	resp, err := m.client.Do(outbound)
	if err != nil {
		err = &upstream.NetworkError{URL: target, Err: err}
		m.metrics.ObserveForwardFailure(upstream.FailureReason(err))
		m.logStrategyError(req, class, target, err)
		return unavailable("Network error: ", target, err)
	}
	return streamResponse(resp, OutcomePassthrough, target)
}

// forward 以 CORS 语义、无凭据地发往后端，并受 FetchTimeout 约束。
func (m *Manager) forward(ctx context.Context, req *routing.Request, target string) (*http.Response, error) {
	outbound, err := upstream.NewRequest(ctx, req.Method, target, req.Header, req.Body, upstream.ModeCORS)
	if err != nil {
		return nil, err
	}
	resp, err := m.forwarder.Do(ctx, outbound)
	if err != nil {
		m.metrics.ObserveForwardFailure(upstream.FailureReason(err))
		return nil, err
	}
	return resp, nil
}

func (m *Manager) lookup(ctx context.Context, locator cache.Locator) (*cache.Entry, bool) {
	entry, err := m.store.Get(ctx, locator)
	switch {
	case err == nil:
		m.metrics.ObserveCache(metrics.CacheOperationLookup, "hit")
		return entry, true
	case errors.Is(err, cache.ErrNotFound):
		m.metrics.ObserveCache(metrics.CacheOperationLookup, "miss")
	default:
		m.metrics.ObserveCache(metrics.CacheOperationLookup, "error")
		m.logger.WithError(err).WithField("key", locator.Key).Warn("cache_get_failed")
	}
	return nil, false
}

func (m *Manager) findStale(ctx context.Context, key string) (*cache.Entry, bool) {
	entry, err := m.store.Find(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.logger.WithError(err).WithField("key", key).Warn("cache_find_failed")
		}
		return nil, false
	}
	m.metrics.ObserveCache(metrics.CacheOperationLookup, "stale")
	return entry, true
}

// fetchAndStore 回源拉取资源，仅缓存 200 响应；同一条目的并发未命中合并为一次请求，
// 结果会共享给所有调用方，所以请求不能带任何调用方的条件头。
func (m *Manager) fetchAndStore(ctx context.Context, locator cache.Locator, target string, header http.Header) (*cache.Entry, error) {
	value, err, _ := m.fetches.Do(locator.Generation+"|"+locator.Key, func() (any, error) {
		// 合并后的请求不随首个调用方取消。
		entry, err := m.fetchEntry(context.WithoutCancel(ctx), locator, target, header)
		if err != nil {
			return nil, err
		}
		if entry.Status == http.StatusOK {
			m.storeEntry(ctx, *entry)
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*cache.Entry), nil
}

// fetchEntry 拉取完整响应并封装为缓存条目（不写入）。
func (m *Manager) fetchEntry(ctx context.Context, locator cache.Locator, target string, header http.Header) (*cache.Entry, error) {
	req, err := upstream.NewRequest(ctx, http.MethodGet, target, header, nil, upstream.ModeCacheFill)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &upstream.NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &upstream.NetworkError{URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return &cache.Entry{
		Locator:  locator,
		Status:   resp.StatusCode,
		Header:   responseHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (m *Manager) storeEntry(ctx context.Context, entry cache.Entry) {
	if err := m.store.Put(context.WithoutCancel(ctx), entry); err != nil {
		m.metrics.ObserveCache(metrics.CacheOperationStore, "error")
		m.logger.WithError(err).WithField("key", entry.Locator.Key).Warn("cache_put_failed")
		return
	}
	m.metrics.ObserveCache(metrics.CacheOperationStore, "stored")
}

// originURL 把路径解析到 Source.Origin 下。
func (m *Manager) originURL(p, query string) string {
	u := *m.origin
	u.Path = strings.TrimSuffix(m.origin.Path, "/") + p
	u.RawPath = ""
	u.RawQuery = query
	u.Fragment = ""
	return u.String()
}

func (m *Manager) logStrategyError(req *routing.Request, class routing.Class, target string, err error) {
	m.logger.WithError(err).WithFields(logrus.Fields{
		"action":   "intercept",
		"class":    string(class),
		"method":   req.Method,
		"upstream": target,
		"reason":   upstream.FailureReason(err),
	}).Warn("upstream_failed")
}
