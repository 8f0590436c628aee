package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"
)

// Store 负责管理引导资源缓存的读写。条目由 Locator（代际 + 请求标识）唯一定位。
type Store interface {
	// Get 返回指定代际下的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Entry, error)

	// Find 在所有代际中查找 key，优先返回最新写入的条目，用于网络失败时的陈旧回退。
	Find(ctx context.Context, key string) (*Entry, error)

	// Put 写入单个条目，覆盖同一 Locator 下的旧值。
	Put(ctx context.Context, entry Entry) error

	// PutBatch 批量写入（安装阶段的预热），实现需保证单条失败不会留下半写入的数据。
	PutBatch(ctx context.Context, entries []Entry) error

	// Remove 删除单个条目，条目不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// Generations 枚举当前存储中出现过的全部代际。
	Generations(ctx context.Context) ([]string, error)

	// DropGeneration 删除某个代际下的全部条目。
	DropGeneration(ctx context.Context, generation string) error

	// Close 释放底层资源。
	Close() error
}

// Locator 唯一定位一个缓存条目。
type Locator struct {
	Generation string
	Key        string
}

// Entry 是一次被捕获的响应（状态码、头、正文）及其所属代际。
type Entry struct {
	Locator  Locator     `json:"locator"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// ErrNotFound 表示缓存不存在（CacheMiss），属于正常控制流而非故障。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidGeneration 表示代际标签包含分隔符。
var ErrInvalidGeneration = errors.New("invalid cache generation")

// RequestKey 生成与 Host 无关的请求标识：METHOD + 规范化路径 [+ ?query]。
func RequestKey(method, rawPath, rawQuery string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	clean := path.Clean("/" + rawPath)
	if rawQuery != "" {
		clean += "?" + rawQuery
	}
	return method + " " + clean
}

// splitKey 将 RequestKey 拆回方法、路径与查询串。
func splitKey(key string) (method, rawPath, rawQuery string) {
	method, rest, ok := strings.Cut(key, " ")
	if !ok {
		return http.MethodGet, path.Clean("/" + key), ""
	}
	rawPath, rawQuery, _ = strings.Cut(rest, "?")
	return method, rawPath, rawQuery
}

func validateLocator(locator Locator) error {
	if err := validateGeneration(locator.Generation); err != nil {
		return err
	}
	if locator.Key == "" {
		return errors.New("cache key required")
	}
	return nil
}

// validateGeneration 要求代际标签不含分隔符：valkey 以 ":" 拼键并按前缀 SCAN，
// fs 以代际名作目录，含分隔符的标签会让 DropGeneration 波及其它代际。
func validateGeneration(generation string) error {
	if generation == "" {
		return errors.New("cache generation required")
	}
	if strings.ContainsAny(generation, "/\\:\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, generation)
	}
	return nil
}

// findAcross 供各后端实现 Find：遍历全部代际并返回 StoredAt 最新的命中。
func findAcross(ctx context.Context, store Store, key string) (*Entry, error) {
	generations, err := store.Generations(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(generations)

	var newest *Entry
	for _, generation := range generations {
		entry, err := store.Get(ctx, Locator{Generation: generation, Key: key})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if newest == nil || entry.StoredAt.After(newest.StoredAt) {
			newest = entry
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
