package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "2s"、"500ms" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存后端。
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendValkey  = "valkey"
	BackendMemory  = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志、缓存后端与超时。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	CacheBackend    string   `mapstructure:"CacheBackend"`
	Generation      string   `mapstructure:"Generation"`
	FetchTimeout    Duration `mapstructure:"FetchTimeout"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// RedirectDefault 是新实例的初始 redirect mode。
	RedirectDefault bool `mapstructure:"RedirectDefault"`
	// RedirectWarmup > 0 时实例以 disabled 启动，激活后等待该时长再开启转发。
	RedirectWarmup Duration `mapstructure:"RedirectWarmup"`
	// EnableRedirectOnActivate 在激活完成时强制开启 redirect mode。
	EnableRedirectOnActivate bool `mapstructure:"EnableRedirectOnActivate"`
}

// TargetConfig 描述唯一的后端 origin 及资源路径修正规则。
type TargetConfig struct {
	Scheme              string `mapstructure:"Scheme"`
	Host                string `mapstructure:"Host"`
	Port                string `mapstructure:"Port"`
	AssetPrefix         string `mapstructure:"AssetPrefix"`
	InternalAssetPrefix string `mapstructure:"InternalAssetPrefix"`
}

// SourceConfig 描述页面所在的源 origin：别名、端口、引导资源及 hook 前缀。
type SourceConfig struct {
	Hosts      []string `mapstructure:"Hosts"`
	Port       string   `mapstructure:"Port"`
	Origin     string   `mapstructure:"Origin"`
	EntryPage  string   `mapstructure:"EntryPage"`
	HookPrefix string   `mapstructure:"HookPrefix"`
	Assets     []string `mapstructure:"Assets"`
}

// ValkeyConfig 仅在 CacheBackend = "valkey" 时生效。
type ValkeyConfig struct {
	Address   string `mapstructure:"Address"`
	Username  string `mapstructure:"Username"`
	Password  string `mapstructure:"Password"`
	DB        int    `mapstructure:"DB"`
	KeyPrefix string `mapstructure:"KeyPrefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Target TargetConfig `mapstructure:"Target"`
	Source SourceConfig `mapstructure:"Source"`
	Valkey ValkeyConfig `mapstructure:"Valkey"`
}

// TargetOrigin 输出 scheme://host[:port]，scheme 为空时省略，供日志与诊断使用。
func (t TargetConfig) TargetOrigin() string {
	host := t.Host
	if t.Port != "" {
		host = net.JoinHostPort(t.Host, t.Port)
	}
	if t.Scheme == "" {
		return "//" + host
	}
	return t.Scheme + "://" + host
}

// HostSummary 返回源别名摘要，例如 localhost,127.0.0.1:8000。
func (s SourceConfig) HostSummary() string {
	return fmt.Sprintf("%s:%s", strings.Join(s.Hosts, ","), s.Port)
}
