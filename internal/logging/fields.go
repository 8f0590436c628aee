package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由类别/方法/原始 URL/命中状态字段，供拦截日志复用。
func RequestFields(class, method, rawURL string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"class":     class,
		"method":    method,
		"url":       rawURL,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 描述一次生命周期迁移涉及的实例与缓存代际。
func LifecycleFields(trigger, state, generation, instanceID string) logrus.Fields {
	return logrus.Fields{
		"action":      "lifecycle",
		"trigger":     trigger,
		"state":       state,
		"generation":  generation,
		"instance_id": instanceID,
	}
}
