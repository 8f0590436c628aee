package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认引导资源，与入口页、loader、worker 脚本及配置脚本一一对应。
var defaultAssets = []string{
	"/index.html",
	"/sw-loader.js",
	"/service-worker.js",
	"/sw-config.js",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectLegacyKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyTargetDefaults(&cfg.Target)
	applySourceDefaults(&cfg.Source)
	applyValkeyDefaults(&cfg.Valkey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StoragePath != "" {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheBackend", BackendFS)
	v.SetDefault("Generation", "v1")
	v.SetDefault("FetchTimeout", "2s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("RedirectDefault", true)
	v.SetDefault("RedirectWarmup", "0s")
	v.SetDefault("EnableRedirectOnActivate", false)

	v.SetDefault("Target.AssetPrefix", "/static/")
	v.SetDefault("Target.InternalAssetPrefix", "/_next")

	v.SetDefault("Source.EntryPage", "/index.html")
	v.SetDefault("Source.HookPrefix", "/hook")
	v.SetDefault("Source.Assets", defaultAssets)

	v.SetDefault("Valkey.KeyPrefix", "origin-shift")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8000
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(2 * time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.CacheBackend = strings.ToLower(strings.TrimSpace(g.CacheBackend))
	if g.CacheBackend == "" {
		g.CacheBackend = BackendFS
	}
	g.Generation = strings.TrimSpace(g.Generation)
}

func applyTargetDefaults(t *TargetConfig) {
	// 兼容 location.protocol 风格的 "https:" 写法。
	t.Scheme = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(t.Scheme), ":"))
	t.Host = strings.TrimSpace(t.Host)
	t.Port = strings.TrimSpace(t.Port)
	if t.AssetPrefix != "" && !strings.HasSuffix(t.AssetPrefix, "/") {
		t.AssetPrefix += "/"
	}
	t.InternalAssetPrefix = strings.TrimSuffix(t.InternalAssetPrefix, "/")
}

func applySourceDefaults(s *SourceConfig) {
	hosts := make([]string, 0, len(s.Hosts))
	for _, host := range s.Hosts {
		if trimmed := strings.ToLower(strings.TrimSpace(host)); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	s.Hosts = hosts
	s.Port = strings.TrimSpace(s.Port)
	if s.EntryPage == "" {
		s.EntryPage = "/index.html"
	}
	if s.HookPrefix != "/" {
		s.HookPrefix = strings.TrimSuffix(s.HookPrefix, "/")
	}
	if len(s.Assets) == 0 {
		s.Assets = append([]string(nil), defaultAssets...)
	}
}

func applyValkeyDefaults(v *ValkeyConfig) {
	if strings.TrimSpace(v.KeyPrefix) == "" {
		v.KeyPrefix = "origin-shift"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectLegacyKeys 拒绝旧版 worker 配置里的 hostname/protocol 字段，避免静默忽略。
func rejectLegacyKeys(v *viper.Viper) error {
	legacy := map[string]string{
		"Target.Hostname": "请改用 Target.Host",
		"Target.Protocol": "请改用 Target.Scheme",
		"Source.Hostname": "请改用 Source.Hosts",
	}
	for key, hint := range legacy {
		if v.IsSet(key) {
			return newFieldError(key, "字段已弃用，"+hint)
		}
	}
	return nil
}
