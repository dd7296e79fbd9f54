package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/config"
	"broker-core/internal/order"
	"broker-core/internal/store"
)

// Tracker 记录成交流水并据此统计日内交易（同一交易日内先买后卖同一标的）。
// 交易日按配置的重置小时切分，而不是自然日。
type Tracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewTracker 创建日内交易计数器并初始化表结构。
func NewTracker(st *store.Store, cfg config.RiskConfig, logger *zap.Logger) (*Tracker, error) {
	if st == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{db: st.DB(), cfg: cfg, logger: logger}
	if err := t.initSchema(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS risk_fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			occurred_at TEXT NOT NULL,
			trading_date TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_risk_fills_day ON risk_fills(account_id, trading_date, symbol);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("risk: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// RecordFill 记录一笔成交，供后续日内交易统计使用。
func (t *Tracker) RecordFill(ctx context.Context, accountID, symbol string, side order.Side, quantity int64, ts time.Time) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_fills (account_id, symbol, side, quantity, occurred_at, trading_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, symbol, string(side), quantity,
		ts.UTC().Format(time.RFC3339Nano), tradingDay(ts, t.cfg.DayTradeResetHour),
	)
	if err != nil {
		return fmt.Errorf("risk: 记录成交流水失败: %w", err)
	}
	return nil
}

// DayTradeCount 统计账户在给定时刻所属交易日内已完成的日内交易笔数。
// 每笔有同日在先买入的卖出成交计为一次日内交易。
func (t *Tracker) DayTradeCount(ctx context.Context, accountID string, ts time.Time) (int, error) {
	tradingDate := tradingDay(ts, t.cfg.DayTradeResetHour)

	var count int
	row := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_fills s
		 WHERE s.account_id = ? AND s.trading_date = ? AND s.side = ?
		   AND EXISTS (
			SELECT 1 FROM risk_fills b
			WHERE b.account_id = s.account_id AND b.symbol = s.symbol
			  AND b.trading_date = s.trading_date AND b.side = ?
			  AND b.occurred_at <= s.occurred_at
		 )`,
		accountID, tradingDate, string(order.SideSell), string(order.SideBuy),
	)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("risk: 统计日内交易失败: %w", err)
	}
	return count, nil
}

// WouldCreateDayTrade 判断一笔订单成交后是否会构成新的日内交易。
// 只有卖出且同一交易日内已有同标的买入成交时才成立。
func (t *Tracker) WouldCreateDayTrade(ctx context.Context, accountID, symbol string, side order.Side, ts time.Time) (bool, error) {
	if side != order.SideSell {
		return false, nil
	}

	tradingDate := tradingDay(ts, t.cfg.DayTradeResetHour)

	var count int
	row := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM risk_fills
		 WHERE account_id = ? AND symbol = ? AND trading_date = ? AND side = ?`,
		accountID, symbol, tradingDate, string(order.SideBuy),
	)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("risk: 查询当日买入成交失败: %w", err)
	}
	return count > 0, nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
