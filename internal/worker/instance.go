package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Instance 对应一次安装产生的 worker 实例，生命周期内持有自己的 redirect 开关与 404 集合。
type Instance struct {
	id         string
	generation string
	createdAt  time.Time

	redirect atomic.Bool
	negative *negativeSet

	mu     sync.Mutex
	warmup *time.Timer
}

func newInstance(generation string, redirect bool) *Instance {
	inst := &Instance{
		id:         uuid.NewString(),
		generation: generation,
		createdAt:  time.Now().UTC(),
		negative:   newNegativeSet(),
	}
	inst.redirect.Store(redirect)
	return inst
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Generation() string { return i.generation }

// Redirect 报告 BackendResource 请求当前是否被改写转发。
func (i *Instance) Redirect() bool { return i.redirect.Load() }

// SetRedirect 显式设置开关，同时取消尚未触发的预热定时器。
func (i *Instance) SetRedirect(enabled bool) {
	i.stopWarmup()
	i.redirect.Store(enabled)
}

// NegativeLen 返回已记录的失败 URL 数量。
func (i *Instance) NegativeLen() int { return i.negative.Len() }

// scheduleRedirect 在 after 之后开启 redirect；被显式消息或实例退役抢先时不再生效。
func (i *Instance) scheduleRedirect(after time.Duration, fired func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.warmup != nil {
		i.warmup.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		i.mu.Lock()
		current := i.warmup == timer
		if current {
			i.warmup = nil
		}
		i.mu.Unlock()
		if !current {
			return
		}
		i.redirect.Store(true)
		if fired != nil {
			fired()
		}
	})
	i.warmup = timer
}

func (i *Instance) stopWarmup() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.warmup != nil {
		i.warmup.Stop()
		i.warmup = nil
	}
}

func (i *Instance) retire() {
	i.stopWarmup()
}

// negativeSet 记录已知 404/失败的改写后 URL，无淘汰，随实例一起丢弃。
type negativeSet struct {
	mu   sync.RWMutex
	urls map[string]struct{}
}

func newNegativeSet() *negativeSet {
	return &negativeSet{urls: make(map[string]struct{})}
}

func (s *negativeSet) Contains(u string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.urls[u]
	return ok
}

// Add 返回是否为新插入。
func (s *negativeSet) Add(u string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.urls[u]; ok {
		return false
	}
	s.urls[u] = struct{}{}
	return true
}

func (s *negativeSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.urls)
}
