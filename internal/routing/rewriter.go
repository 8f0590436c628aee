package routing

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Target 是唯一的后端源及其路径改写规则。
type Target struct {
	Scheme              string
	Host                string
	Port                string
	AssetPrefix         string
	InternalAssetPrefix string
	HookPrefix          string
}

// ErrNotRewritable 表示该类别的请求不应被改写。
var ErrNotRewritable = errors.New("request class is not rewritable")

// Rewrite 将 HookProxy / BackendResource 请求映射到后端 URL，query 原样保留。
func Rewrite(req *Request, class Class, target Target) (*url.URL, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	if class != ClassHookProxy && class != ClassBackendResource {
		return nil, fmt.Errorf("%w: %s", ErrNotRewritable, class)
	}

	out := &url.URL{
		Scheme:   target.Scheme,
		Host:     target.Host,
		RawQuery: req.URL.RawQuery,
	}
	if out.Scheme == "" {
		out.Scheme = req.URL.Scheme
	}
	if out.Scheme == "" {
		out.Scheme = "https"
	}
	if target.Port != "" {
		out.Host = net.JoinHostPort(target.Host, target.Port)
	}

	// 前缀均为纯 ASCII，对解码路径和原始转义路径做同样的处理，保留 %2F 这类编码。
	p, raw := requestPath(req.URL), req.URL.EscapedPath()
	if raw == "" {
		raw = "/"
	}
	switch class {
	case ClassHookProxy:
		p = StripHookPrefix(p, target.HookPrefix)
		raw = StripHookPrefix(raw, target.HookPrefix)
	case ClassBackendResource:
		p = InjectAssetPrefix(p, target.AssetPrefix, target.InternalAssetPrefix)
		raw = InjectAssetPrefix(raw, target.AssetPrefix, target.InternalAssetPrefix)
	}
	out.Path = p
	// RawPath 与 Path 不一致时 url.URL 会忽略它并按 Path 重新转义。
	if raw != p {
		out.RawPath = raw
	}
	return out, nil
}

// StripHookPrefix 去掉 hook 前缀，剩余为空时映射到根路径。
func StripHookPrefix(p, hookPrefix string) string {
	if !HasPathPrefix(p, hookPrefix) {
		return p
	}
	rest := p[len(hookPrefix):]
	if rest == "" {
		return "/"
	}
	return rest
}

// InjectAssetPrefix 为 /static/... 补上后端内部前缀（如 /_next），已带前缀时不重复注入。
func InjectAssetPrefix(p, assetPrefix, internalPrefix string) string {
	if assetPrefix == "" || internalPrefix == "" {
		return p
	}
	if !strings.HasPrefix(p, assetPrefix) || HasPathPrefix(p, internalPrefix) {
		return p
	}
	return internalPrefix + p
}
