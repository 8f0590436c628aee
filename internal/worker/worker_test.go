package worker

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/origin-shift/internal/cache"
	"github.com/any-hub/origin-shift/internal/config"
	"github.com/any-hub/origin-shift/internal/routing"
)

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
	last map[string]*http.Request
}

func newHitCounter() *hitCounter {
	return &hitCounter{hits: map[string]int{}, last: map[string]*http.Request{}}
}

func (h *hitCounter) record(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits[r.URL.Path]++
	h.last[r.URL.Path] = r
}

func (h *hitCounter) count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[path]
}

func (h *hitCounter) request(path string) *http.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last[path]
}

type fixture struct {
	manager      *Manager
	store        cache.Store
	cfg          *config.Config
	originHits   *hitCounter
	backendHits  *hitCounter
	originBroken atomic.Bool
	configBroken atomic.Bool
	originDelay  atomic.Int64
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	f := &fixture{originHits: newHitCounter(), backendHits: newHitCounter()}

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.originHits.record(r)
		if f.originBroken.Load() {
			panic(http.ErrAbortHandler)
		}
		if delay := f.originDelay.Load(); delay > 0 {
			time.Sleep(time.Duration(delay))
		}
		if r.Header.Get("If-None-Match") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.URL.Path == "/sw-config.js" && f.configBroken.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "origin:"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.backendHits.record(r)
		switch r.URL.Path {
		case "/slow":
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		case "/missing":
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "backend:"+r.URL.RequestURI())
	}))
	t.Cleanup(backend.Close)
	t.Cleanup(func() { close(release) })

	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(backendURL.Host)
	require.NoError(t, err)

	cfg := &config.Config{
		Global: config.GlobalConfig{
			CacheBackend:    config.BackendMemory,
			Generation:      "v1",
			FetchTimeout:    config.Duration(200 * time.Millisecond),
			UpstreamTimeout: config.Duration(5 * time.Second),
			RedirectDefault: true,
		},
		Target: config.TargetConfig{
			Scheme:              "http",
			Host:                host,
			Port:                port,
			AssetPrefix:         "/static/",
			InternalAssetPrefix: "/_next",
		},
		Source: config.SourceConfig{
			Hosts:      []string{"app.local"},
			Port:       "8000",
			Origin:     origin.URL,
			EntryPage:  "/index.html",
			HookPrefix: "/hook",
			Assets:     []string{"/index.html", "/sw-loader.js", "/service-worker.js", "/sw-config.js"},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	f.cfg = cfg
	f.store = cache.NewMemoryStore()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f.manager, err = New(Options{Config: cfg, Store: f.store, Logger: logger})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.manager.Start(context.Background(), f.cfg.Global.Generation))
}

func (f *fixture) do(t *testing.T, method, raw string, navigate bool) (*Response, string) {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", "session=secret")
	return f.doWithHeader(t, method, raw, navigate, header)
}

func (f *fixture) doWithHeader(t *testing.T, method, raw string, navigate bool, header http.Header) (*Response, string) {
	t.Helper()
	resp, err := f.intercept(context.Background(), method, raw, navigate, header)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Close()
	return resp, string(body)
}

func (f *fixture) intercept(ctx context.Context, method, raw string, navigate bool, header http.Header) (*Response, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return f.manager.Intercept(ctx, &routing.Request{
		Method:   method,
		URL:      u,
		Header:   header,
		Navigate: navigate,
	})
}

func TestInterceptBeforeReady(t *testing.T) {
	f := newFixture(t, nil)
	u, _ := url.Parse("http://app.local:8000/index.html")
	_, err := f.manager.Intercept(context.Background(), &routing.Request{Method: "GET", URL: u})
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, StateIdle, f.manager.State())
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, f.manager.Activate(ctx), ErrIllegalTransition)

	require.NoError(t, f.manager.Install(ctx, "v1"))
	require.Equal(t, StateInstalling, f.manager.State())
	require.Nil(t, f.manager.Current())
	require.ErrorIs(t, f.manager.Install(ctx, "v1"), ErrIllegalTransition)

	require.NoError(t, f.manager.Activate(ctx))
	require.Equal(t, StateReady, f.manager.State())
	require.NotNil(t, f.manager.Current())

	_, err := f.manager.Dispatch(ctx, Event{Trigger: "fetch"})
	require.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestInstallSeedsBootstrapAssets(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	for _, asset := range f.cfg.Source.Assets {
		entry, err := f.store.Get(context.Background(), cache.Locator{Generation: "v1", Key: "GET " + asset})
		require.NoError(t, err, asset)
		require.Equal(t, "origin:"+asset, string(entry.Body))
	}
}

func TestInstallToleratesUnreachableAsset(t *testing.T) {
	f := newFixture(t, nil)
	f.configBroken.Store(true)
	f.start(t)
	require.Equal(t, StateReady, f.manager.State())

	_, err := f.store.Get(context.Background(), cache.Locator{Generation: "v1", Key: "GET /sw-config.js"})
	require.ErrorIs(t, err, cache.ErrNotFound)
	for _, asset := range []string{"/index.html", "/sw-loader.js", "/service-worker.js"} {
		_, err := f.store.Get(context.Background(), cache.Locator{Generation: "v1", Key: "GET " + asset})
		require.NoError(t, err, asset)
	}

	f.configBroken.Store(false)
	before := f.originHits.count("/sw-config.js")
	resp, body := f.do(t, "GET", "http://app.local:8000/sw-config.js", false)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, OutcomeNetwork, resp.Outcome)
	require.Equal(t, "origin:/sw-config.js", body)
	require.Equal(t, before+1, f.originHits.count("/sw-config.js"))

	resp, _ = f.do(t, "GET", "http://app.local:8000/sw-config.js", false)
	require.True(t, resp.CacheHit)
	require.Equal(t, before+1, f.originHits.count("/sw-config.js"))
}

func TestOwnAssetCacheFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	before := f.originHits.count("/sw-loader.js")

	for i := 0; i < 3; i++ {
		resp, body := f.do(t, "GET", "http://app.local:8000/sw-loader.js", false)
		require.Equal(t, routing.ClassOwnAsset, resp.Class)
		require.True(t, resp.CacheHit)
		require.Equal(t, "origin:/sw-loader.js", body)
	}
	require.Equal(t, before, f.originHits.count("/sw-loader.js"))
}

func TestOwnAssetFetchIgnoresClientConditionalHeaders(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()
	require.NoError(t, f.store.Remove(ctx, cache.Locator{Generation: "v1", Key: "GET /sw-config.js"}))
	f.originDelay.Store(int64(150 * time.Millisecond))

	conditional := http.Header{}
	conditional.Set("If-None-Match", `"abc"`)
	headers := []http.Header{conditional, {}}

	statuses := make([]int, len(headers))
	bodies := make([]string, len(headers))
	errs := make([]error, len(headers))
	var wg sync.WaitGroup
	for i, header := range headers {
		wg.Add(1)
		go func(i int, header http.Header) {
			defer wg.Done()
			resp, err := f.intercept(ctx, http.MethodGet, "http://app.local:8000/sw-config.js", false, header)
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Close()
			body, err := io.ReadAll(resp.Body)
			statuses[i], bodies[i], errs[i] = resp.Status, string(body), err
		}(i, header)
	}
	wg.Wait()

	for i := range headers {
		require.NoError(t, errs[i])
		require.Equal(t, http.StatusOK, statuses[i], "caller %d", i)
		require.Equal(t, "origin:/sw-config.js", bodies[i], "caller %d", i)
	}
	seen := f.originHits.request("/sw-config.js")
	require.NotNil(t, seen)
	require.Empty(t, seen.Header.Get("If-None-Match"))

	f.originDelay.Store(0)
	before := f.originHits.count("/sw-config.js")
	resp, body := f.doWithHeader(t, http.MethodGet, "http://app.local:8000/sw-config.js", false, conditional)
	require.Equal(t, http.StatusOK, resp.Status)
	require.True(t, resp.CacheHit)
	require.Equal(t, "origin:/sw-config.js", body)
	require.Equal(t, before, f.originHits.count("/sw-config.js"))
}

func TestOwnAssetOfflineUsesStaleGeneration(t *testing.T) {
	f := newFixture(t, nil)
	f.originBroken.Store(true)
	require.NoError(t, f.store.Put(context.Background(), cache.Entry{
		Locator: cache.Locator{Generation: "v0", Key: "GET /sw-loader.js"},
		Status:  http.StatusOK,
		Body:    []byte("stale loader"),
	}))
	require.NoError(t, f.manager.Install(context.Background(), "v1"))
	f.manager.current.Store(f.manager.pending)

	resp, body := f.do(t, "GET", "http://app.local:8000/sw-loader.js", false)
	require.Equal(t, routing.ClassOwnAsset, resp.Class)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, OutcomeStale, resp.Outcome)
	require.True(t, resp.CacheHit)
	require.Equal(t, "stale loader", body)
}

func TestOwnAssetOfflineWithoutCacheIsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.originBroken.Store(true)
	f.start(t)

	resp, body := f.do(t, "GET", "http://app.local:8000/sw-loader.js", false)
	require.Equal(t, routing.ClassOwnAsset, resp.Class)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, OutcomeNetworkError, resp.Outcome)
	require.Contains(t, body, "Network error: ")
}

func TestRootNavigationServesEntryPage(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	before := f.originHits.count("/index.html")

	resp, body := f.do(t, "GET", "http://app.local:8000/", true)
	require.Equal(t, http.StatusOK, resp.Status)
	require.True(t, resp.CacheHit)
	require.Equal(t, "origin:/index.html", body)
	require.Zero(t, f.originHits.count("/"))
	require.Equal(t, before, f.originHits.count("/index.html"))
}

func TestNavigationFallsBackToEntryPage(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp, body := f.do(t, "GET", "http://app.local:8000/dashboard/42", true)
	require.Equal(t, routing.ClassNavigation, resp.Class)
	require.Equal(t, "origin:/index.html", body)
	require.Zero(t, f.originHits.count("/dashboard/42"))
	require.Zero(t, f.backendHits.count("/dashboard/42"))
}

func TestNavigationOfflineUsesStaleGeneration(t *testing.T) {
	f := newFixture(t, nil)
	f.originBroken.Store(true)
	require.NoError(t, f.store.Put(context.Background(), cache.Entry{
		Locator: cache.Locator{Generation: "v0", Key: "GET /index.html"},
		Status:  http.StatusOK,
		Body:    []byte("stale entry"),
	}))
	require.NoError(t, f.manager.Install(context.Background(), "v1"))
	// v0 仍在：不激活，直接把实例提升为当前实例以观察回退。
	f.manager.current.Store(f.manager.pending)

	resp, body := f.do(t, "GET", "http://app.local:8000/settings", true)
	require.Equal(t, OutcomeStale, resp.Outcome)
	require.Equal(t, "stale entry", body)
}

func TestNavigationOfflineWithoutCacheIsUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.originBroken.Store(true)
	f.start(t)

	resp, body := f.do(t, "GET", "http://app.local:8000/settings", true)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, OutcomeNetworkError, resp.Outcome)
	require.Contains(t, body, "Network error: ")
}

func TestHookRequestForwardedToTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp, body := f.do(t, "GET", "http://app.local:8000/hook/api/users?limit=5", false)
	require.Equal(t, routing.ClassHookProxy, resp.Class)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "backend:/api/users?limit=5", body)
	require.Equal(t, "http://"+net.JoinHostPort(f.cfg.Target.Host, f.cfg.Target.Port)+"/api/users?limit=5", resp.Upstream)

	seen := f.backendHits.request("/api/users")
	require.NotNil(t, seen)
	require.Empty(t, seen.Header.Get("Cookie"))
	require.Equal(t, "cors", seen.Header.Get("Sec-Fetch-Mode"))
}

func TestBackendStaticChunkGetsInternalPrefix(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp, body := f.do(t, "GET", "http://app.local:8000/static/chunk1.js", false)
	require.Equal(t, routing.ClassBackendResource, resp.Class)
	require.Equal(t, "backend:/_next/static/chunk1.js", body)
	require.Equal(t, 1, f.backendHits.count("/_next/static/chunk1.js"))
	require.Zero(t, f.backendHits.count("/_next/_next/static/chunk1.js"))
}

func TestBackendTimeoutIsMemoizedAsNotFound(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	started := time.Now()
	resp, body := f.do(t, "GET", "http://app.local:8000/slow", false)
	require.Less(t, time.Since(started), f.cfg.Global.FetchTimeout.DurationValue()+time.Second)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, OutcomeTimeout, resp.Outcome)
	require.Equal(t, "Error loading resource: request timeout", body)
	require.Equal(t, 1, f.manager.Current().NegativeLen())

	started = time.Now()
	resp, body = f.do(t, "GET", "http://app.local:8000/slow", false)
	require.Less(t, time.Since(started), 100*time.Millisecond)
	require.Equal(t, http.StatusNotFound, resp.Status)
	require.Equal(t, OutcomeNegative, resp.Outcome)
	require.Equal(t, "Not Found (cached)", body)
	require.Equal(t, 1, f.backendHits.count("/slow"))
	require.Equal(t, 1, f.manager.Current().NegativeLen())
}

func TestBackendNotFoundIsMemoized(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	resp, _ := f.do(t, "GET", "http://app.local:8000/missing", false)
	require.Equal(t, http.StatusNotFound, resp.Status)
	require.Equal(t, OutcomeNetwork, resp.Outcome)

	for i := 0; i < 3; i++ {
		resp, body := f.do(t, "GET", "http://app.local:8000/missing", false)
		require.Equal(t, http.StatusNotFound, resp.Status)
		require.Equal(t, "Not Found (cached)", body)
	}
	require.Equal(t, 1, f.backendHits.count("/missing"))
}

func TestBackendNetworkErrorIsMemoizedAsNotFound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	var dials atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			dials.Add(1)
			conn.Close()
		}
	}()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Target.Host = host
		cfg.Target.Port = port
	})
	f.start(t)

	resp, body := f.do(t, "GET", "http://app.local:8000/api/items", false)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Equal(t, OutcomeNetworkError, resp.Outcome)
	require.Contains(t, body, "Error loading resource: ")
	require.Equal(t, 1, f.manager.Current().NegativeLen())
	dialed := dials.Load()
	require.Positive(t, dialed)

	resp, body = f.do(t, "GET", "http://app.local:8000/api/items", false)
	require.Equal(t, http.StatusNotFound, resp.Status)
	require.Equal(t, OutcomeNegative, resp.Outcome)
	require.Equal(t, "Not Found (cached)", body)
	require.Equal(t, dialed, dials.Load())
}

func TestBackendCancelIsNotMemoized(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := f.intercept(ctx, http.MethodGet, "http://app.local:8000/api/items", false, http.Header{})
	require.NoError(t, err)
	resp.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Zero(t, f.manager.Current().NegativeLen())

	resp, body := f.do(t, "GET", "http://app.local:8000/api/items", false)
	require.Equal(t, http.StatusOK, resp.Status)
	require.Equal(t, "backend:/api/items", body)
}

func TestRedirectDisabledPassesThrough(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Global.RedirectDefault = false })
	f.start(t)
	require.False(t, f.manager.Current().Redirect())

	resp, body := f.do(t, "GET", "http://app.local:8000/static/chunk1.js", false)
	require.Equal(t, OutcomePassthrough, resp.Outcome)
	require.Equal(t, "origin:/static/chunk1.js", body)
	require.Zero(t, f.backendHits.count("/_next/static/chunk1.js"))

	require.NoError(t, f.manager.Apply(context.Background(), Message{Type: "ENABLE_REDIRECT"}))
	_, body = f.do(t, "GET", "http://app.local:8000/static/chunk1.js", false)
	require.Equal(t, "backend:/_next/static/chunk1.js", body)

	require.NoError(t, f.manager.Apply(context.Background(), Message{Type: "disable-redirect"}))
	require.False(t, f.manager.Current().Redirect())
	require.ErrorIs(t, f.manager.Apply(context.Background(), Message{Type: "reload"}), ErrUnknownMessage)
}

func TestEnableRedirectOnActivate(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Global.RedirectDefault = false
		cfg.Global.EnableRedirectOnActivate = true
	})
	require.NoError(t, f.manager.Install(context.Background(), "v1"))
	require.False(t, f.manager.pending.Redirect())
	require.NoError(t, f.manager.Activate(context.Background()))
	require.True(t, f.manager.Current().Redirect())
}

func TestRedirectWarmup(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Global.RedirectWarmup = config.Duration(50 * time.Millisecond)
	})
	f.start(t)
	require.False(t, f.manager.Current().Redirect())
	require.Eventually(t, func() bool { return f.manager.Current().Redirect() }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageCancelsWarmup(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Global.RedirectWarmup = config.Duration(50 * time.Millisecond)
	})
	f.start(t)
	require.NoError(t, f.manager.Apply(context.Background(), Message{Type: "disable-redirect"}))
	time.Sleep(150 * time.Millisecond)
	require.False(t, f.manager.Current().Redirect())
}

func TestReloadReplacesInstanceAndPrunes(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	first := f.manager.Current()

	f.do(t, "GET", "http://app.local:8000/missing", false)
	require.Equal(t, 1, first.NegativeLen())

	changed, err := f.manager.Reload(context.Background(), "v1")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = f.manager.Reload(context.Background(), "v2")
	require.NoError(t, err)
	require.True(t, changed)

	second := f.manager.Current()
	require.NotEqual(t, first.ID(), second.ID())
	require.Equal(t, "v2", second.Generation())
	require.Zero(t, second.NegativeLen())

	generations, err := f.store.Generations(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"v2"}, generations)

	f.do(t, "GET", "http://app.local:8000/missing", false)
	require.Equal(t, 2, f.backendHits.count("/missing"))

	snap := f.manager.Snapshot(context.Background())
	require.Equal(t, StateReady, snap.State)
	require.Equal(t, "v2", snap.Generation)
	require.Equal(t, second.ID(), snap.InstanceID)
	require.Equal(t, []string{"v2"}, snap.CachedGenerations)
}

func TestExternalRequestPassesThrough(t *testing.T) {
	var cookie atomic.Value
	external := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie.Store(r.Header.Get("Cookie"))
		io.WriteString(w, "external")
	}))
	defer external.Close()

	f := newFixture(t, nil)
	f.start(t)

	resp, body := f.do(t, "GET", external.URL+"/index.html", true)
	require.Equal(t, routing.ClassExternal, resp.Class)
	require.Equal(t, "external", body)
	require.Equal(t, "session=secret", cookie.Load())
}

func TestExternalFailureIsUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := dead.URL
	dead.Close()

	f := newFixture(t, nil)
	f.start(t)

	resp, body := f.do(t, "GET", addr+"/x", false)
	require.Equal(t, http.StatusServiceUnavailable, resp.Status)
	require.Contains(t, body, "Network error: ")
}
