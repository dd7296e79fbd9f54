package order

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"broker-core/internal/config"
)

// Session 表示市场所处交易时段。
type Session int

const (
	SessionClosed Session = iota
	SessionExtended
	SessionRegular
)

// Calendar 按配置判定交易时段，周末休市。
type Calendar struct {
	loc      *time.Location
	regOpen  int
	regClose int
	extOpen  int
	extClose int
}

// NewCalendar 解析交易时段配置。
func NewCalendar(cfg config.MarketConfig) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("order: 加载时区 %q 失败: %w", cfg.Timezone, err)
	}

	c := &Calendar{loc: loc}
	if c.regOpen, err = parseClock(cfg.RegularOpen); err != nil {
		return nil, err
	}
	if c.regClose, err = parseClock(cfg.RegularClose); err != nil {
		return nil, err
	}
	if c.extOpen, err = parseClock(cfg.ExtendedOpen); err != nil {
		return nil, err
	}
	if c.extClose, err = parseClock(cfg.ExtendedClose); err != nil {
		return nil, err
	}

	if c.regOpen >= c.regClose {
		return nil, fmt.Errorf("order: 常规时段配置不合法: %s-%s", cfg.RegularOpen, cfg.RegularClose)
	}
	if c.extOpen > c.regOpen || c.extClose < c.regClose {
		return nil, fmt.Errorf("order: 延长时段必须覆盖常规时段: %s-%s", cfg.ExtendedOpen, cfg.ExtendedClose)
	}

	return c, nil
}

// Session 返回给定时刻所处的交易时段。
func (c *Calendar) Session(t time.Time) Session {
	local := t.In(c.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return SessionClosed
	}

	minute := local.Hour()*60 + local.Minute()
	switch {
	case minute >= c.regOpen && minute < c.regClose:
		return SessionRegular
	case minute >= c.extOpen && minute < c.extClose:
		return SessionExtended
	default:
		return SessionClosed
	}
}

func parseClock(value string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("order: 时段格式应为 HH:MM, 实际为 %q", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("order: 小时解析失败: %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("order: 分钟解析失败: %q", value)
	}
	return hour*60 + minute, nil
}
