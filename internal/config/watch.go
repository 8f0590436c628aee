package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件写入事件，每次变化都重新执行完整的 Load 流程（默认值 + 校验），
// 校验通过后交给 onChange；失败时交给 onError，正在运行的配置保持不变。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if onChange == nil {
		return fmt.Errorf("config: watch requires a change callback")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
