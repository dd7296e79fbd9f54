package marketdata

import "time"

// Quote 为单个标的的短时报价快照。
type Quote struct {
	Symbol     string
	Bid        float64
	Ask        float64
	Last       float64
	Volatility float64
	FetchedAt  time.Time
	TTL        time.Duration
}

// Fresh 判断报价在给定时刻是否仍然有效。
func (q Quote) Fresh(now time.Time) bool {
	if q.FetchedAt.IsZero() || q.TTL <= 0 {
		return false
	}
	return now.Sub(q.FetchedAt) <= q.TTL
}
