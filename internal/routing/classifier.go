package routing

import (
	"net/http"
	"net/url"
	"strings"
)

// Class 是一次请求的路由类别，每个请求恰好归入其中之一。
type Class string

const (
	ClassOwnAsset        Class = "own_asset"
	ClassHookProxy       Class = "hook_proxy"
	ClassNavigation      Class = "navigation"
	ClassBackendResource Class = "backend_resource"
	ClassExternal        Class = "external"
)

// Request 是入站请求的不可变快照。
type Request struct {
	Method   string
	URL      *url.URL
	Header   http.Header
	Body     []byte
	Navigate bool
}

// Rules 描述哪些请求属于本站，以及本站的引导资源与 hook 前缀。
type Rules struct {
	Hosts      []string
	Port       string
	Assets     []string
	HookPrefix string
}

// Classify 对请求做纯函数分类，无副作用。
func Classify(req *Request, rules Rules) Class {
	if req == nil || req.URL == nil {
		return ClassExternal
	}
	if !rules.isSourceOrigin(req.URL) {
		return ClassExternal
	}

	p := requestPath(req.URL)
	if HasPathPrefix(p, rules.HookPrefix) {
		return ClassHookProxy
	}
	if p == "/" || rules.isAsset(p) {
		return ClassOwnAsset
	}
	if req.Navigate {
		return ClassNavigation
	}
	return ClassBackendResource
}

// isSourceOrigin：主机名命中任一别名，或端口与配置一致。
func (r Rules) isSourceOrigin(u *url.URL) bool {
	host := strings.ToLower(u.Hostname())
	for _, alias := range r.Hosts {
		if host == alias {
			return true
		}
	}
	return r.Port != "" && EffectivePort(u) == r.Port
}

func (r Rules) isAsset(p string) bool {
	for _, asset := range r.Assets {
		if p == asset {
			return true
		}
	}
	return false
}

// HasPathPrefix 按路径段匹配前缀：/hook 命中 /hook 与 /hook/x，不命中 /hooks。
func HasPathPrefix(p, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return false
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

// EffectivePort 返回 URL 显式端口，缺省时按 scheme 推断。
func EffectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return "443"
	case "http":
		return "80"
	}
	return ""
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
