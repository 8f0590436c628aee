package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/origin-shift/internal/cache"
	"github.com/any-hub/origin-shift/internal/config"
	"github.com/any-hub/origin-shift/internal/logging"
	"github.com/any-hub/origin-shift/internal/metrics"
	"github.com/any-hub/origin-shift/internal/routing"
	"github.com/any-hub/origin-shift/internal/upstream"
)

// State 是 worker 生命周期状态。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateActivating State = "activating"
	StateReady      State = "ready"
)

// Trigger 是宿主侧触发的生命周期事件。
type Trigger string

const (
	TriggerInstall   Trigger = "install"
	TriggerActivate  Trigger = "activate"
	TriggerIntercept Trigger = "intercept"
	TriggerMessage   Trigger = "message"
)

var (
	// ErrNotReady 表示尚无可服务的实例。
	ErrNotReady = errors.New("worker not ready")
	// ErrIllegalTransition 表示当前状态不接受该触发。
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
	// ErrUnknownTrigger 表示分发表中没有对应处理器。
	ErrUnknownTrigger = errors.New("unknown lifecycle trigger")
)

// Event 是分发给 Manager 的一次触发，按 Trigger 使用其中的字段。
type Event struct {
	Trigger    Trigger
	Generation string
	Request    *routing.Request
	Message    Message
}

type handlerFunc func(ctx context.Context, ev Event) (*Response, error)

// Options 汇总 Manager 依赖。
type Options struct {
	Config  *config.Config
	Store   cache.Store
	Client  *http.Client
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// Manager 维护生命周期状态机，并把 intercept 分派给当前实例的路由策略。
type Manager struct {
	cfg       *config.Config
	store     cache.Store
	client    *http.Client
	forwarder *upstream.Forwarder
	logger    *logrus.Logger
	metrics   *metrics.Recorder
	rules     routing.Rules
	target    routing.Target
	origin    *url.URL

	// lifecycle 串行化 install/activate；intercept 与 message 不经过它。
	lifecycle sync.Mutex

	stateMu sync.RWMutex
	state   State
	pending *Instance

	current  atomic.Pointer[Instance]
	handlers map[Trigger]handlerFunc
	fetches  singleflight.Group
}

// New 基于配置构建 Manager，初始状态为 Idle。
func New(opts Options) (*Manager, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	origin, err := url.Parse(opts.Config.Source.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse source origin: %w", err)
	}

	client := opts.Client
	if client == nil {
		client = upstream.NewClient(opts.Config.Global.UpstreamTimeout.DurationValue())
	}

	m := &Manager{
		cfg:       opts.Config,
		store:     opts.Store,
		client:    client,
		forwarder: upstream.NewForwarder(client, opts.Config.Global.FetchTimeout.DurationValue()),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		rules: routing.Rules{
			Hosts:      opts.Config.Source.Hosts,
			Port:       opts.Config.Source.Port,
			Assets:     opts.Config.Source.Assets,
			HookPrefix: opts.Config.Source.HookPrefix,
		},
		target: routing.Target{
			Scheme:              opts.Config.Target.Scheme,
			Host:                opts.Config.Target.Host,
			Port:                opts.Config.Target.Port,
			AssetPrefix:         opts.Config.Target.AssetPrefix,
			InternalAssetPrefix: opts.Config.Target.InternalAssetPrefix,
			HookPrefix:          opts.Config.Source.HookPrefix,
		},
		origin: origin,
		state:  StateIdle,
	}
	m.handlers = map[Trigger]handlerFunc{
		TriggerInstall:   m.handleInstall,
		TriggerActivate:  m.handleActivate,
		TriggerIntercept: m.handleIntercept,
		TriggerMessage:   m.handleMessage,
	}
	return m, nil
}

// Dispatch 按触发类型查表执行。
func (m *Manager) Dispatch(ctx context.Context, ev Event) (*Response, error) {
	handler, ok := m.handlers[ev.Trigger]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTrigger, ev.Trigger)
	}
	return handler(ctx, ev)
}

// Install 创建新实例并预热引导资源；旧实例在此期间继续服务。
func (m *Manager) Install(ctx context.Context, generation string) error {
	_, err := m.Dispatch(ctx, Event{Trigger: TriggerInstall, Generation: generation})
	return err
}

// Activate 让已安装实例立即接管流量并清理其它代际的缓存。
func (m *Manager) Activate(ctx context.Context) error {
	_, err := m.Dispatch(ctx, Event{Trigger: TriggerActivate})
	return err
}

// Intercept 对单个请求分类并给出响应。调用方负责关闭 Response.Body。
func (m *Manager) Intercept(ctx context.Context, req *routing.Request) (*Response, error) {
	return m.Dispatch(ctx, Event{Trigger: TriggerIntercept, Request: req})
}

// Apply 处理一条控制消息。
func (m *Manager) Apply(ctx context.Context, msg Message) error {
	_, err := m.Dispatch(ctx, Event{Trigger: TriggerMessage, Message: msg})
	return err
}

// Start 依次执行 install 与 activate（新实例不等待旧实例空闲）。
func (m *Manager) Start(ctx context.Context, generation string) error {
	if err := m.Install(ctx, generation); err != nil {
		return err
	}
	return m.Activate(ctx)
}

// Reload 在代际变化时重新走一遍 install/activate，代际相同则忽略。
func (m *Manager) Reload(ctx context.Context, generation string) (bool, error) {
	if inst := m.current.Load(); inst != nil && inst.Generation() == generation {
		return false, nil
	}
	return true, m.Start(ctx, generation)
}

// Current 返回正在服务的实例，未就绪时为 nil。
func (m *Manager) Current() *Instance {
	return m.current.Load()
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Manager) transition(to State, from ...State) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for _, allowed := range from {
		if m.state == allowed {
			m.state = to
			m.metrics.ObserveLifecycle(string(to))
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, to)
}

func (m *Manager) handleInstall(ctx context.Context, ev Event) (*Response, error) {
	if ev.Generation == "" {
		return nil, errors.New("install requires a generation")
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.transition(StateInstalling, StateIdle, StateReady); err != nil {
		return nil, err
	}

	inst := newInstance(ev.Generation, m.initialRedirect())
	m.logLifecycle(TriggerInstall, StateInstalling, inst).Info("worker installing")

	seeded := m.seed(ctx, inst)

	m.stateMu.Lock()
	m.pending = inst
	m.stateMu.Unlock()

	m.logLifecycle(TriggerInstall, StateInstalling, inst).
		WithField("seeded", seeded).
		WithField("assets", len(m.cfg.Source.Assets)).
		Info("worker installed")
	return nil, nil
}

func (m *Manager) handleActivate(ctx context.Context, _ Event) (*Response, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.transition(StateActivating, StateInstalling); err != nil {
		return nil, err
	}

	m.stateMu.Lock()
	inst := m.pending
	m.pending = nil
	m.stateMu.Unlock()

	// 先接管流量，再清理旧代际；两者涉及的代际标签互不重叠。
	if prev := m.current.Swap(inst); prev != nil {
		prev.retire()
	}
	m.metrics.SetNegativeEntries(0)

	m.prune(ctx, inst.Generation())
	m.applyRedirectPolicy(inst)

	if err := m.transition(StateReady, StateActivating); err != nil {
		return nil, err
	}
	m.logLifecycle(TriggerActivate, StateReady, inst).
		WithField("redirect_mode", inst.Redirect()).
		Info("worker activated")
	return nil, nil
}

func (m *Manager) handleMessage(_ context.Context, ev Event) (*Response, error) {
	kind, ok := ParseMessageType(ev.Message.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, ev.Message.Type)
	}
	inst := m.current.Load()
	if inst == nil {
		return nil, ErrNotReady
	}

	inst.SetRedirect(kind == MessageEnableRedirect)
	m.metrics.SetRedirectMode(inst.Redirect())
	m.logLifecycle(TriggerMessage, m.State(), inst).
		WithField("message", string(kind)).
		Info("redirect mode updated")
	return nil, nil
}

func (m *Manager) handleIntercept(ctx context.Context, ev Event) (*Response, error) {
	if ev.Request == nil || ev.Request.URL == nil {
		return nil, errors.New("intercept requires a request")
	}
	inst := m.current.Load()
	if inst == nil {
		return nil, ErrNotReady
	}

	started := time.Now()
	class := routing.Classify(ev.Request, m.rules)

	var resp *Response
	switch class {
	case routing.ClassOwnAsset:
		resp = m.serveOwnAsset(ctx, inst, ev.Request)
	case routing.ClassNavigation:
		resp = m.serveNavigation(ctx, inst, ev.Request)
	case routing.ClassHookProxy:
		resp = m.serveHook(ctx, ev.Request)
	case routing.ClassBackendResource:
		resp = m.serveBackend(ctx, inst, ev.Request)
	default:
		resp = m.serveExternal(ctx, ev.Request)
	}
	resp.Class = class

	m.metrics.ObserveIntercept(string(class), string(resp.Outcome), resp.Status, resp.CacheHit, time.Since(started))
	m.metrics.SetNegativeEntries(inst.NegativeLen())
	return resp, nil
}

func (m *Manager) initialRedirect() bool {
	if m.cfg.Global.RedirectWarmup.DurationValue() > 0 {
		return false
	}
	return m.cfg.Global.RedirectDefault
}

func (m *Manager) applyRedirectPolicy(inst *Instance) {
	warmup := m.cfg.Global.RedirectWarmup.DurationValue()
	switch {
	case warmup > 0:
		inst.scheduleRedirect(warmup, func() {
			m.metrics.SetRedirectMode(true)
			m.logLifecycle(TriggerActivate, m.State(), inst).Info("redirect warm-up finished")
		})
	case m.cfg.Global.EnableRedirectOnActivate:
		inst.SetRedirect(true)
	}
	m.metrics.SetRedirectMode(inst.Redirect())
}

// prune 删除除 keep 之外的全部代际；失败只记日志。
func (m *Manager) prune(ctx context.Context, keep string) {
	generations, err := m.store.Generations(ctx)
	if err != nil {
		m.metrics.ObserveCache(metrics.CacheOperationPrune, "error")
		m.logger.WithError(err).WithField("action", "prune").Warn("list cache generations failed")
		return
	}
	for _, generation := range generations {
		if generation == keep {
			continue
		}
		if err := m.store.DropGeneration(ctx, generation); err != nil {
			m.metrics.ObserveCache(metrics.CacheOperationPrune, "error")
			m.logger.WithError(err).
				WithFields(logrus.Fields{"action": "prune", "generation": generation}).
				Warn("drop cache generation failed")
			continue
		}
		m.metrics.ObserveCache(metrics.CacheOperationPrune, "dropped")
		m.logger.WithFields(logrus.Fields{"action": "prune", "generation": generation}).Info("stale cache generation dropped")
	}
}

// Snapshot 是 /-/state 的输出。
type Snapshot struct {
	State             State    `json:"state"`
	Generation        string   `json:"generation"`
	InstanceID        string   `json:"instance_id"`
	PendingGeneration string   `json:"pending_generation,omitempty"`
	RedirectMode      bool     `json:"redirect_mode"`
	NegativeEntries   int      `json:"negative_entries"`
	CachedGenerations []string `json:"cached_generations"`
}

// Snapshot 汇总当前状态；枚举缓存代际失败时该字段为空。
func (m *Manager) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{State: m.State(), CachedGenerations: []string{}}

	m.stateMu.RLock()
	if m.pending != nil {
		snap.PendingGeneration = m.pending.Generation()
	}
	m.stateMu.RUnlock()

	if inst := m.current.Load(); inst != nil {
		snap.Generation = inst.Generation()
		snap.InstanceID = inst.ID()
		snap.RedirectMode = inst.Redirect()
		snap.NegativeEntries = inst.NegativeLen()
	}
	if generations, err := m.store.Generations(ctx); err == nil {
		sort.Strings(generations)
		snap.CachedGenerations = append(snap.CachedGenerations, generations...)
	}
	return snap
}

func (m *Manager) logLifecycle(trigger Trigger, state State, inst *Instance) *logrus.Entry {
	id, generation := "", ""
	if inst != nil {
		id, generation = inst.ID(), inst.Generation()
	}
	return m.logger.WithFields(logging.LifecycleFields(string(trigger), string(state), generation, id))
}
