package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fetch-vault/fetch-vault/internal/expiry"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
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

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ExpirationConfig 描述条目过期策略，三种模式对应 expiry 包的三种 Policy。
type ExpirationConfig struct {
	// Mode 为 never/duration/calendar 之一，默认 never。
	Mode     string   `mapstructure:"Mode"`
	Duration Duration `mapstructure:"Duration"`
	Years    int      `mapstructure:"Years"`
	Months   int      `mapstructure:"Months"`
	Days     int      `mapstructure:"Days"`
}

// Policy 将配置转换为 expiry.Policy，调用前需通过 Validate。
func (e ExpirationConfig) Policy() expiry.Policy {
	switch strings.ToLower(strings.TrimSpace(e.Mode)) {
	case string(expiry.ModeDuration):
		return expiry.After(e.Duration.DurationValue())
	case string(expiry.ModeCalendar):
		return expiry.Calendar(e.Years, e.Months, e.Days)
	default:
		return expiry.Never()
	}
}

// Config 描述进程的全部可配置行为，启动后不可变。
type Config struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 为缓存根目录，索引文件与正文文件都存放于此。
	StoragePath string `mapstructure:"StoragePath"`

	// MaxEntries 为容量上限，0 表示每次写入后立即淘汰。
	MaxEntries int `mapstructure:"MaxEntries"`

	Expiration ExpirationConfig `mapstructure:"Expiration"`

	// SingleFlight 开启同 Key 并发回源合并。
	SingleFlight bool `mapstructure:"SingleFlight"`

	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// MaxFetchBytes 限制单次回源响应的最大字节数。
	MaxFetchBytes int64 `mapstructure:"MaxFetchBytes"`
}
