// Package expiry computes when a cached payload becomes stale. Policies are
// pure values evaluated against an entry's creation time; nothing here touches
// the clock or the filesystem, which keeps expiration decisions trivially
// testable in isolation.
package expiry

import "time"

// Mode 标识过期策略的种类。
type Mode string

const (
	// ModeNever 表示条目永不因时间过期。
	ModeNever Mode = "never"
	// ModeDuration 表示条目在创建后固定时长过期。
	ModeDuration Mode = "duration"
	// ModeCalendar 表示条目按日历偏移（年/月/日）过期，遵循标准日历语义。
	ModeCalendar Mode = "calendar"
)

// Policy 描述一种过期规则。零值等价于 ModeNever。
type Policy struct {
	Mode     Mode
	Duration time.Duration

	// 仅 ModeCalendar 使用，通过 time.Time.AddDate 计算，
	// 月末/闰年等溢出按 Go 标准日历规则归一化。
	Years  int
	Months int
	Days   int
}

// Never 返回永不过期的策略。
func Never() Policy {
	return Policy{Mode: ModeNever}
}

// After 返回创建后固定时长过期的策略。
func After(d time.Duration) Policy {
	return Policy{Mode: ModeDuration, Duration: d}
}

// Calendar 返回按日历偏移过期的策略。
func Calendar(years, months, days int) Policy {
	return Policy{Mode: ModeCalendar, Years: years, Months: months, Days: days}
}

// ExpireAt 计算 createdAt 对应的过期时间。第二个返回值为 false 时表示永不过期。
func (p Policy) ExpireAt(createdAt time.Time) (time.Time, bool) {
	switch p.Mode {
	case ModeDuration:
		return createdAt.Add(p.Duration), true
	case ModeCalendar:
		if p.Years == 0 && p.Months == 0 && p.Days == 0 {
			return time.Time{}, false
		}
		return createdAt.AddDate(p.Years, p.Months, p.Days), true
	default:
		return time.Time{}, false
	}
}

// Expired 判断在 now 时刻条目是否已过期。过期时间恰好等于 now 视为已过期。
func (p Policy) Expired(createdAt, now time.Time) bool {
	at, ok := p.ExpireAt(createdAt)
	if !ok {
		return false
	}
	return !at.After(now)
}
