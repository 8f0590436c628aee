package config

import (
	"testing"
	"time"
)

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := minimalConfig("", `FetchTimeout = "boom"`)
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsAndProtocolScheme(t *testing.T) {
	cfg := `
FetchTimeout = 3
RedirectWarmup = "1.5"

[Target]
Scheme = "https:"
Host = "backend.example"
AssetPrefix = "/static"
InternalAssetPrefix = "/_next/"

[Source]
Hosts = ["LocalHost "]
Port = "8000"
Origin = "http://127.0.0.1:8080"
HookPrefix = "/hook/"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.FetchTimeout.DurationValue() != 3*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", loaded.Global.FetchTimeout.DurationValue())
	}
	if loaded.Global.RedirectWarmup.DurationValue() != 1500*time.Millisecond {
		t.Fatalf("小数秒解析错误: %s", loaded.Global.RedirectWarmup.DurationValue())
	}
	if loaded.Target.Scheme != "https" {
		t.Fatalf("scheme 应去掉结尾冒号，得到 %s", loaded.Target.Scheme)
	}
	if loaded.Target.AssetPrefix != "/static/" || loaded.Target.InternalAssetPrefix != "/_next" {
		t.Fatalf("前缀规范化错误: %+v", loaded.Target)
	}
	if loaded.Source.HookPrefix != "/hook" {
		t.Fatalf("HookPrefix 应去掉结尾斜杠，得到 %s", loaded.Source.HookPrefix)
	}
	if loaded.Source.Hosts[0] != "localhost" {
		t.Fatalf("Hosts 应统一为小写并去空白，得到 %q", loaded.Source.Hosts[0])
	}
}

func TestLoadRejectsLegacyKeys(t *testing.T) {
	cfg := `
[Target]
Hostname = "localhost"
Host = "localhost"

[Source]
Hosts = ["localhost"]
Origin = "http://127.0.0.1:8080"
`
	path := writeTempConfig(t, cfg)
	_, err := Load(path)
	if err == nil {
		t.Fatalf("旧字段 Target.Hostname 应报错")
	}
}
