// Package account 维护账户资金与持仓，资金字段统一使用 decimal 避免浮点误差。
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker-core/internal/store"
)

var (
	// ErrNotFound 表示账户不存在。
	ErrNotFound = errors.New("account: 账户不存在")
	// ErrInsufficientPosition 表示可卖持仓不足。
	ErrInsufficientPosition = errors.New("account: 可卖持仓不足")
)

// State 为账户资金快照。DayTradeCount 由日内交易计数器填充，不落库。
type State struct {
	AccountID           string
	Cash                decimal.Decimal
	BuyingPower         decimal.Decimal
	DayTradeBuyingPower decimal.Decimal
	MarginUsed          decimal.Decimal
	Equity              decimal.Decimal
	Restricted          bool
	DayTradeCount       int
}

// Position 为单一标的的持仓。PendingSell 是已被在途卖单占用的数量。
type Position struct {
	AccountID   string
	Symbol      string
	Quantity    int64
	PendingSell int64
	AvgCost     decimal.Decimal
}

// Available 返回未被在途卖单占用的可卖数量。
func (p Position) Available() int64 {
	return p.Quantity - p.PendingSell
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store 封装账户与持仓表的读写。
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 创建账户存储并初始化表结构。
func New(st *store.Store, logger *zap.Logger) (*Store, error) {
	if st == nil {
		return nil, errors.New("account: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{db: st.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			cash TEXT NOT NULL,
			buying_power TEXT NOT NULL,
			day_trade_buying_power TEXT NOT NULL,
			margin_used TEXT NOT NULL,
			equity TEXT NOT NULL,
			restricted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			pending_sell INTEGER NOT NULL DEFAULT 0,
			avg_cost TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (account_id, symbol)
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("account: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Save 写入或覆盖账户资金状态。
func (s *Store) Save(ctx context.Context, state State) error {
	return s.save(ctx, s.db, state)
}

// SaveTx 在事务内写入账户资金状态。
func (s *Store) SaveTx(ctx context.Context, tx *sql.Tx, state State) error {
	return s.save(ctx, tx, state)
}

func (s *Store) save(ctx context.Context, q querier, state State) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts
			(account_id, cash, buying_power, day_trade_buying_power, margin_used, equity, restricted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
			cash = excluded.cash,
			buying_power = excluded.buying_power,
			day_trade_buying_power = excluded.day_trade_buying_power,
			margin_used = excluded.margin_used,
			equity = excluded.equity,
			restricted = excluded.restricted,
			updated_at = excluded.updated_at`,
		state.AccountID, state.Cash.String(), state.BuyingPower.String(),
		state.DayTradeBuyingPower.String(), state.MarginUsed.String(), state.Equity.String(),
		boolToInt(state.Restricted), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("account: 写入账户状态失败: %w", err)
	}
	return nil
}

// Get 读取账户资金状态。
func (s *Store) Get(ctx context.Context, accountID string) (State, error) {
	return s.get(ctx, s.db, accountID)
}

// GetTx 在事务内读取账户资金状态。
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, accountID string) (State, error) {
	return s.get(ctx, tx, accountID)
}

func (s *Store) get(ctx context.Context, q querier, accountID string) (State, error) {
	var (
		state                               State
		cash, bp, dayBP, marginUsed, equity string
		restricted                          int
	)

	row := q.QueryRowContext(ctx,
		`SELECT account_id, cash, buying_power, day_trade_buying_power, margin_used, equity, restricted
		 FROM accounts WHERE account_id = ?`, accountID)
	err := row.Scan(&state.AccountID, &cash, &bp, &dayBP, &marginUsed, &equity, &restricted)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("account: 读取账户状态失败: %w", err)
	}

	if state.Cash, err = decimal.NewFromString(cash); err != nil {
		return State{}, fmt.Errorf("account: cash 字段损坏: %w", err)
	}
	if state.BuyingPower, err = decimal.NewFromString(bp); err != nil {
		return State{}, fmt.Errorf("account: buying_power 字段损坏: %w", err)
	}
	if state.DayTradeBuyingPower, err = decimal.NewFromString(dayBP); err != nil {
		return State{}, fmt.Errorf("account: day_trade_buying_power 字段损坏: %w", err)
	}
	if state.MarginUsed, err = decimal.NewFromString(marginUsed); err != nil {
		return State{}, fmt.Errorf("account: margin_used 字段损坏: %w", err)
	}
	if state.Equity, err = decimal.NewFromString(equity); err != nil {
		return State{}, fmt.Errorf("account: equity 字段损坏: %w", err)
	}
	state.Restricted = restricted == 1

	return state, nil
}

// GetPosition 读取持仓，账户无该标的持仓时返回零值持仓。
func (s *Store) GetPosition(ctx context.Context, accountID, symbol string) (Position, error) {
	return s.getPosition(ctx, s.db, accountID, symbol)
}

// GetPositionTx 在事务内读取持仓。
func (s *Store) GetPositionTx(ctx context.Context, tx *sql.Tx, accountID, symbol string) (Position, error) {
	return s.getPosition(ctx, tx, accountID, symbol)
}

func (s *Store) getPosition(ctx context.Context, q querier, accountID, symbol string) (Position, error) {
	var (
		pos     Position
		avgCost string
	)

	row := q.QueryRowContext(ctx,
		`SELECT account_id, symbol, quantity, pending_sell, avg_cost
		 FROM positions WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	err := row.Scan(&pos.AccountID, &pos.Symbol, &pos.Quantity, &pos.PendingSell, &avgCost)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{AccountID: accountID, Symbol: symbol, AvgCost: decimal.Zero}, nil
	}
	if err != nil {
		return Position{}, fmt.Errorf("account: 读取持仓失败: %w", err)
	}

	if pos.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
		return Position{}, fmt.Errorf("account: avg_cost 字段损坏: %w", err)
	}
	return pos, nil
}

// ListPositions 列出账户的全部非零持仓。
func (s *Store) ListPositions(ctx context.Context, accountID string) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account_id, symbol, quantity, pending_sell, avg_cost
		 FROM positions WHERE account_id = ? AND quantity > 0 ORDER BY symbol ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("account: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var (
			pos     Position
			avgCost string
		)
		if err := rows.Scan(&pos.AccountID, &pos.Symbol, &pos.Quantity, &pos.PendingSell, &avgCost); err != nil {
			return nil, fmt.Errorf("account: 读取持仓失败: %w", err)
		}
		if pos.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, fmt.Errorf("account: avg_cost 字段损坏: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// SavePositionTx 在事务内写入持仓。数量为零时删除记录保持表干净。
func (s *Store) SavePositionTx(ctx context.Context, tx *sql.Tx, pos Position) error {
	if pos.Quantity < 0 || pos.PendingSell < 0 || pos.PendingSell > pos.Quantity {
		return fmt.Errorf("account: 持仓数量非法: quantity=%d pending_sell=%d", pos.Quantity, pos.PendingSell)
	}

	if pos.Quantity == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM positions WHERE account_id = ? AND symbol = ?`, pos.AccountID, pos.Symbol); err != nil {
			return fmt.Errorf("account: 清理空持仓失败: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO positions (account_id, symbol, quantity, pending_sell, avg_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			pending_sell = excluded.pending_sell,
			avg_cost = excluded.avg_cost,
			updated_at = excluded.updated_at`,
		pos.AccountID, pos.Symbol, pos.Quantity, pos.PendingSell,
		pos.AvgCost.String(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("account: 写入持仓失败: %w", err)
	}
	return nil
}

// ReservePendingSell 为在途卖单占用持仓，占用量不足时拒绝。
// 条件更新保证并发提交下不会超卖。
func (s *Store) ReservePendingSell(ctx context.Context, accountID, symbol string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("account: 占用数量必须为正: %d", quantity)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE positions SET pending_sell = pending_sell + ?, updated_at = ?
		 WHERE account_id = ? AND symbol = ? AND quantity - pending_sell >= ?`,
		quantity, time.Now().UTC().Format(time.RFC3339Nano), accountID, symbol, quantity,
	)
	if err != nil {
		return fmt.Errorf("account: 占用持仓失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("account: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s x%d", ErrInsufficientPosition, accountID, symbol, quantity)
	}
	return nil
}

// ReleasePendingSell 释放在途卖单占用的持仓，用于撤单或拒单。
func (s *Store) ReleasePendingSell(ctx context.Context, accountID, symbol string, quantity int64) error {
	if quantity <= 0 {
		return fmt.Errorf("account: 释放数量必须为正: %d", quantity)
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE positions
		 SET pending_sell = MAX(pending_sell - ?, 0), updated_at = ?
		 WHERE account_id = ? AND symbol = ?`,
		quantity, time.Now().UTC().Format(time.RFC3339Nano), accountID, symbol,
	)
	if err != nil {
		return fmt.Errorf("account: 释放持仓占用失败: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
