package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 构建缓存维护事件（清理/淘汰/删除）的通用字段。
func CacheFields(action, key string) logrus.Fields {
	fields := logrus.Fields{"action": action}
	if key != "" {
		fields["key"] = key
	}
	return fields
}

// FetchFields 提供 key/命中状态/耗时字段，供 fetch 路径日志复用。
func FetchFields(key string, cacheHit bool, elapsed time.Duration) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"key":        key,
		"cache_hit":  cacheHit,
		"elapsed_ms": elapsed.Milliseconds(),
	}
}
