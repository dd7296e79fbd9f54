// Package ledger 负责订单的持久化与状态机推进，是订单状态的唯一权威来源。
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/order"
	"broker-core/internal/store"
)

var (
	// ErrNotFound 表示订单不存在。
	ErrNotFound = errors.New("ledger: 订单不存在")
	// ErrStaleTransition 表示订单状态已被其他执行路径变更，本次迁移未生效。
	ErrStaleTransition = errors.New("ledger: 订单状态已变化，迁移未生效")
	// ErrIllegalTransition 表示状态机不允许该迁移。
	ErrIllegalTransition = errors.New("ledger: 非法状态迁移")
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Ledger 封装订单表的读写。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 创建订单账本并初始化表结构。
func New(st *store.Store, logger *zap.Logger) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: st.DB(), logger: logger}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			kind TEXT NOT NULL,
			limit_price REAL NOT NULL DEFAULT 0,
			stop_price REAL NOT NULL DEFAULT 0,
			time_in_force TEXT NOT NULL,
			extended_hours INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			risk_score REAL NOT NULL DEFAULT 0,
			execution_price REAL NOT NULL DEFAULT 0,
			filled_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id, symbol);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// DB 返回底层连接，供结算在同一事务内操作订单行。
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// Insert 写入新订单。
func (l *Ledger) Insert(ctx context.Context, ord order.Order) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO orders
			(id, account_id, symbol, side, quantity, kind, limit_price, stop_price,
			 time_in_force, extended_hours, status, risk_score, execution_price,
			 filled_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		ord.ID, ord.AccountID, ord.Symbol, string(ord.Side), ord.Quantity, string(ord.Kind),
		ord.LimitPrice, ord.StopPrice, string(ord.TimeInForce), boolToInt(ord.ExtendedHours),
		string(ord.Status), ord.RiskScore, ord.ExecutionPrice,
		ord.CreatedAt.UTC().Format(time.RFC3339Nano), ord.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: 写入订单失败: %w", err)
	}
	return nil
}

// Get 按ID读取订单。
func (l *Ledger) Get(ctx context.Context, id string) (order.Order, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, account_id, symbol, side, quantity, kind, limit_price, stop_price,
			time_in_force, extended_hours, status, risk_score, execution_price,
			filled_at, created_at, updated_at
		 FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// Transition 以乐观锁方式推进订单状态：仅当当前状态等于 from 时迁移才生效。
// 并发执行路径中竞争失败的一方会收到 ErrStaleTransition。
func (l *Ledger) Transition(ctx context.Context, id string, from, to order.Status) error {
	return l.transition(ctx, l.db, id, from, to)
}

// TransitionTx 在给定事务内推进订单状态。
func (l *Ledger) TransitionTx(ctx context.Context, tx *sql.Tx, id string, from, to order.Status) error {
	return l.transition(ctx, tx, id, from, to)
}

func (l *Ledger) transition(ctx context.Context, ex execer, id string, from, to order.Status) error {
	if !order.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	result, err := ex.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("ledger: 更新订单状态失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s (%s -> %s)", ErrStaleTransition, id, from, to)
	}

	l.logger.Debug("订单状态迁移",
		zap.String("order_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// MarkFilledTx 在事务内将订单从 executing 迁移到 filled 并记录成交信息。
// 同样带状态守卫，这是防止重复结算的最后一道闸门。
func (l *Ledger) MarkFilledTx(ctx context.Context, tx *sql.Tx, id string, price float64, filledAt time.Time) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE orders
		 SET status = ?, execution_price = ?, filled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(order.StatusFilled), price,
		filledAt.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano),
		id, string(order.StatusExecuting),
	)
	if err != nil {
		return fmt.Errorf("ledger: 记录成交失败: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s (executing -> filled)", ErrStaleTransition, id)
	}
	return nil
}

// SetRiskScore 记录风险评估得分。
func (l *Ledger) SetRiskScore(ctx context.Context, id string, score float64) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE orders SET risk_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("ledger: 更新风险得分失败: %w", err)
	}
	return nil
}

// ListByStatus 按状态列出订单，按创建时间先后排序。
func (l *Ledger) ListByStatus(ctx context.Context, status order.Status, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, account_id, symbol, side, quantity, kind, limit_price, stop_price,
			time_in_force, extended_hours, status, risk_score, execution_price,
			filled_at, created_at, updated_at
		 FROM orders WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询订单失败: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		ord, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, ord)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		ord                     order.Order
		side, kind, tif, status string
		extendedHours           int
		filledAt                sql.NullString
		createdAt, updatedAt    string
	)

	err := row.Scan(
		&ord.ID, &ord.AccountID, &ord.Symbol, &side, &ord.Quantity, &kind,
		&ord.LimitPrice, &ord.StopPrice, &tif, &extendedHours, &status,
		&ord.RiskScore, &ord.ExecutionPrice, &filledAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return order.Order{}, ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("ledger: 读取订单失败: %w", err)
	}

	ord.Side = order.Side(side)
	ord.Kind = order.Kind(kind)
	ord.TimeInForce = order.TIF(tif)
	ord.Status = order.Status(status)
	ord.ExtendedHours = extendedHours == 1

	if filledAt.Valid {
		if ts, parseErr := time.Parse(time.RFC3339Nano, filledAt.String); parseErr == nil {
			ord.FilledAt = ts
		}
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		ord.CreatedAt = ts
	}
	if ts, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		ord.UpdatedAt = ts
	}

	return ord, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
