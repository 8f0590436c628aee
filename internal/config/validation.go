package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var supportedBackends = map[string]struct{}{
	BackendFS:      {},
	BackendLevelDB: {},
	BackendValkey:  {},
	BackendMemory:  {},
}

const supportedBackendList = "fs|leveldb|valkey|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := c.Global.validate(); err != nil {
		return err
	}
	if err := c.Target.validate(); err != nil {
		return err
	}
	if err := c.Source.validate(); err != nil {
		return err
	}
	if c.Global.CacheBackend == BackendValkey && strings.TrimSpace(c.Valkey.Address) == "" {
		return newFieldError("Valkey.Address", "CacheBackend=valkey 时不能为空")
	}
	return nil
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.CacheBackend]; !ok {
		return newFieldError("Global.CacheBackend", "仅支持 "+supportedBackendList)
	}
	if (g.CacheBackend == BackendFS || g.CacheBackend == BackendLevelDB) && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.Generation == "" {
		return newFieldError("Global.Generation", "不能为空")
	}
	if strings.ContainsAny(g.Generation, "/\\: \x00") {
		return newFieldError("Global.Generation", "不允许包含 / \\ : 或空白")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RedirectWarmup.DurationValue() < 0 {
		return newFieldError("Global.RedirectWarmup", "不能为负数")
	}
	return nil
}

func (t TargetConfig) validate() error {
	switch t.Scheme {
	case "", "http", "https":
	default:
		return newFieldError("Target.Scheme", "仅支持 http/https")
	}
	if err := validateHost(t.Host); err != nil {
		return fmt.Errorf("Target.Host: %w", err)
	}
	if err := validatePort(t.Port); err != nil {
		return fmt.Errorf("Target.Port: %w", err)
	}
	if t.AssetPrefix != "" && !strings.HasPrefix(t.AssetPrefix, "/") {
		return newFieldError("Target.AssetPrefix", "必须以 / 开头")
	}
	if t.InternalAssetPrefix != "" && !strings.HasPrefix(t.InternalAssetPrefix, "/") {
		return newFieldError("Target.InternalAssetPrefix", "必须以 / 开头")
	}
	return nil
}

func (s SourceConfig) validate() error {
	if len(s.Hosts) == 0 && s.Port == "" {
		return newFieldError("Source.Hosts", "Hosts 与 Port 至少配置一项")
	}
	for i, host := range s.Hosts {
		if err := validateHost(host); err != nil {
			return fmt.Errorf("%s: %w", listField("Source.Hosts", i), err)
		}
	}
	if err := validatePort(s.Port); err != nil {
		return fmt.Errorf("Source.Port: %w", err)
	}
	if err := validateOrigin(s.Origin); err != nil {
		return fmt.Errorf("Source.Origin: %w", err)
	}
	if !strings.HasPrefix(s.HookPrefix, "/") || s.HookPrefix == "/" {
		return newFieldError("Source.HookPrefix", "必须以 / 开头且不能为根路径")
	}
	if !strings.HasPrefix(s.EntryPage, "/") {
		return newFieldError("Source.EntryPage", "必须以 / 开头")
	}

	entryListed := false
	for i, asset := range s.Assets {
		if !strings.HasPrefix(asset, "/") {
			return newFieldError(listField("Source.Assets", i), "必须以 / 开头")
		}
		if asset == s.EntryPage {
			entryListed = true
		}
	}
	if !entryListed {
		return newFieldError("Source.EntryPage", "必须出现在 Source.Assets 中")
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("不允许包含空格")
	}
	if strings.HasPrefix(host, "http:") || strings.HasPrefix(host, "https:") {
		return errors.New("不应包含协议头")
	}
	return nil
}

func validatePort(port string) error {
	if port == "" {
		return nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("非法端口: %s", port)
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少引导资源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
