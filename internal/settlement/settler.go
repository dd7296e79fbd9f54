// Package settlement 负责成交落账：订单状态、持仓、资金与费用在同一事务内原子更新。
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker-core/internal/account"
	"broker-core/internal/fees"
	"broker-core/internal/ledger"
	"broker-core/internal/order"
)

type fillRecorder interface {
	RecordFill(ctx context.Context, accountID, symbol string, side order.Side, quantity int64, ts time.Time) error
}

// Settler 执行成交落账。同一账户的结算串行执行，不同账户互不阻塞。
type Settler struct {
	ledger   *ledger.Ledger
	accounts *account.Store
	tracker  fillRecorder
	logger   *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSettler 创建结算器。
func NewSettler(lg *ledger.Ledger, accounts *account.Store, tracker fillRecorder, logger *zap.Logger) (*Settler, error) {
	if lg == nil {
		return nil, errors.New("settlement: ledger 不能为空")
	}
	if accounts == nil {
		return nil, errors.New("settlement: account store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Settler{
		ledger:   lg,
		accounts: accounts,
		tracker:  tracker,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Settle 将一笔 executing 状态的订单按成交价落账。
// 事务内完成订单状态迁移、持仓与资金变更；任一步失败则整体回滚，
// 订单状态守卫保证同一订单不会被重复结算。
func (s *Settler) Settle(ctx context.Context, ord order.Order, execPrice float64, filledAt time.Time) error {
	if execPrice <= 0 {
		return fmt.Errorf("settlement: 成交价非法: %f", execPrice)
	}

	lock := s.accountLock(ord.AccountID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.ledger.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settlement: 开启事务失败: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := s.ledger.MarkFilledTx(ctx, tx, ord.ID, execPrice, filledAt); err != nil {
		return err
	}

	state, err := s.accounts.GetTx(ctx, tx, ord.AccountID)
	if err != nil {
		return err
	}
	pos, err := s.accounts.GetPositionTx(ctx, tx, ord.AccountID, ord.Symbol)
	if err != nil {
		return err
	}

	price := decimal.NewFromFloat(execPrice)
	quantity := decimal.NewFromInt(ord.Quantity)
	notional := price.Mul(quantity)
	cost := fees.Calculate(ord.Side, notional, ord.Quantity)

	switch ord.Side {
	case order.SideBuy:
		total := notional.Add(cost.Total)
		if total.GreaterThan(state.Cash) {
			return fmt.Errorf("settlement: 账户 %s 现金不足: 需要 %s 可用 %s",
				ord.AccountID, total.StringFixed(2), state.Cash.StringFixed(2))
		}

		oldValue := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
		newQuantity := pos.Quantity + ord.Quantity
		pos.AvgCost = oldValue.Add(notional).Div(decimal.NewFromInt(newQuantity))
		pos.Quantity = newQuantity

		state.Cash = state.Cash.Sub(total)
		state.BuyingPower = state.BuyingPower.Sub(total)
		state.Equity = state.Equity.Sub(cost.Total)

	case order.SideSell:
		if pos.Quantity < ord.Quantity {
			return fmt.Errorf("settlement: 账户 %s 持仓不足: %s 持有 %d 卖出 %d",
				ord.AccountID, ord.Symbol, pos.Quantity, ord.Quantity)
		}

		realized := price.Sub(pos.AvgCost).Mul(quantity)
		proceeds := notional.Sub(cost.Total)

		pos.Quantity -= ord.Quantity
		pos.PendingSell -= ord.Quantity
		if pos.PendingSell < 0 {
			pos.PendingSell = 0
		}
		if pos.Quantity == 0 {
			pos.AvgCost = decimal.Zero
		}

		state.Cash = state.Cash.Add(proceeds)
		state.BuyingPower = state.BuyingPower.Add(proceeds)
		state.Equity = state.Equity.Add(realized).Sub(cost.Total)

	default:
		return fmt.Errorf("settlement: 未知买卖方向: %s", ord.Side)
	}

	if err := s.accounts.SavePositionTx(ctx, tx, pos); err != nil {
		return err
	}
	if err := s.accounts.SaveTx(ctx, tx, state); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("settlement: 提交事务失败: %w", err)
	}
	committed = true

	// 成交流水写入失败不回滚结算，只影响后续日内交易计数。
	if s.tracker != nil {
		if err := s.tracker.RecordFill(ctx, ord.AccountID, ord.Symbol, ord.Side, ord.Quantity, filledAt); err != nil {
			s.logger.Warn("成交流水记录失败",
				zap.String("order_id", ord.ID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("订单结算完成",
		zap.String("order_id", ord.ID),
		zap.String("account_id", ord.AccountID),
		zap.String("symbol", ord.Symbol),
		zap.String("side", string(ord.Side)),
		zap.Int64("quantity", ord.Quantity),
		zap.Float64("price", execPrice),
		zap.String("fees", cost.Total.StringFixed(2)),
	)
	return nil
}

func (s *Settler) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[accountID]
	if !ok {
		lock = new(sync.Mutex)
		s.locks[accountID] = lock
	}
	return lock
}
