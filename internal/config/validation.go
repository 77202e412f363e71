package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fetch-vault/fetch-vault/internal/expiry"
)

const supportedExpirationModes = "never|duration|calendar"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return newFieldError("LogLevel", "无法识别的日志级别")
	}
	if c.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	if c.MaxEntries < 0 {
		return newFieldError("MaxEntries", "不能为负数")
	}
	if c.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if c.MaxFetchBytes <= 0 {
		return newFieldError("MaxFetchBytes", "必须大于 0")
	}

	mode := strings.ToLower(strings.TrimSpace(c.Expiration.Mode))
	switch mode {
	case string(expiry.ModeNever):
	case string(expiry.ModeDuration):
		if c.Expiration.Duration.DurationValue() < 0 {
			return newFieldError("Expiration.Duration", "不能为负数")
		}
	case string(expiry.ModeCalendar):
		if c.Expiration.Years < 0 || c.Expiration.Months < 0 || c.Expiration.Days < 0 {
			return newFieldError("Expiration.Years/Months/Days", "不能为负数")
		}
	default:
		return newFieldError("Expiration.Mode", "仅支持 "+supportedExpirationModes)
	}
	c.Expiration.Mode = mode

	return nil
}
