// Package executor 实现批量执行循环：周期性从队列取单、预取行情、并行判定可成交性并结算。
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker-core/internal/account"
	"broker-core/internal/config"
	"broker-core/internal/events"
	"broker-core/internal/marketdata"
	"broker-core/internal/order"
)

type quoteGate interface {
	Quote(ctx context.Context, symbol string) (marketdata.Quote, error)
	Prefetch(ctx context.Context, symbols []string) error
}

type orderSettler interface {
	Settle(ctx context.Context, ord order.Order, execPrice float64, filledAt time.Time) error
}

type accountSource interface {
	Get(ctx context.Context, accountID string) (account.State, error)
	ReleasePendingSell(ctx context.Context, accountID, symbol string, quantity int64) error
}

type orderLedger interface {
	Get(ctx context.Context, id string) (order.Order, error)
	Transition(ctx context.Context, id string, from, to order.Status) error
}

// Executor 驱动队列中的订单走向终态。
type Executor struct {
	cfg      config.ExecutorConfig
	queue    *Queue
	ledger   orderLedger
	gate     quoteGate
	settler  orderSettler
	accounts accountSource
	calendar *order.Calendar
	bus      *events.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// New 创建执行器。
func New(
	cfg config.ExecutorConfig,
	queue *Queue,
	lg orderLedger,
	gate quoteGate,
	settler orderSettler,
	accounts accountSource,
	calendar *order.Calendar,
	bus *events.Bus,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		cfg:      cfg,
		queue:    queue,
		ledger:   lg,
		gate:     gate,
		settler:  settler,
		accounts: accounts,
		calendar: calendar,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Run 启动执行循环，直到上下文取消。
func (e *Executor) Run(ctx context.Context) error {
	interval := e.cfg.TickInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("执行循环启动",
		zap.Duration("tick_interval", interval),
		zap.Int("batch_size", e.cfg.BatchSize),
		zap.Int("workers", e.cfg.Workers),
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("执行循环退出", zap.Int("queued", e.queue.Len()))
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Warn("本轮执行存在失败订单", zap.Error(err))
			}
		}
	}
}

// Tick 执行一轮批量处理。单个订单的失败不影响同批其余订单，
// 所有失败以聚合错误返回。
func (e *Executor) Tick(ctx context.Context) error {
	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	batch := e.queue.PopN(batchSize)
	if len(batch) == 0 {
		return nil
	}

	symbols := make([]string, 0, len(batch))
	for _, entry := range batch {
		symbols = append(symbols, entry.Symbol)
	}
	if err := e.gate.Prefetch(ctx, symbols); err != nil {
		e.logger.Debug("部分标的报价预取失败", zap.Error(err))
	}

	var (
		errMu  sync.Mutex
		errAll error
	)

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 4
	}

	group := new(errgroup.Group)
	group.SetLimit(workers)

	for _, entry := range batch {
		group.Go(func() error {
			if err := e.process(ctx, entry); err != nil {
				errMu.Lock()
				errAll = multierr.Append(errAll, fmt.Errorf("订单 %s: %w", entry.OrderID, err))
				errMu.Unlock()
			}
			return nil
		})
	}

	_ = group.Wait()
	return errAll
}

func (e *Executor) process(ctx context.Context, entry Entry) error {
	ord, err := e.ledger.Get(ctx, entry.OrderID)
	if err != nil {
		return err
	}
	// 撤单可能在出队前后发生，非排队状态的订单直接放过。
	if ord.Status != order.StatusQueued {
		return nil
	}

	state, err := e.accounts.Get(ctx, ord.AccountID)
	if err != nil {
		e.queue.Push(entry)
		return err
	}
	if state.Restricted {
		return e.reject(ctx, ord, "账户已被限制交易")
	}

	now := e.now()
	session := e.calendar.Session(now)
	if !sessionAllows(ord, session) {
		if session == order.SessionClosed && ord.TimeInForce == order.TIFDay {
			return e.cancel(ctx, ord, "市场闭市，当日有效订单到期")
		}
		e.queue.Push(entry)
		return nil
	}

	quote, err := e.gate.Quote(ctx, ord.Symbol)
	if err != nil {
		// 行情不可用不是订单错误，留在队列等待下一轮。
		e.queue.Push(entry)
		if marketdata.IsUnavailable(err) {
			e.logger.Debug("报价不可用，订单重新入队",
				zap.String("order_id", ord.ID),
				zap.String("symbol", ord.Symbol),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	if !feasible(ord, quote) {
		e.queue.Push(entry)
		return nil
	}

	execPrice := executionPrice(ord, quote)
	if execPrice <= 0 {
		e.queue.Push(entry)
		return nil
	}

	if err := e.ledger.Transition(ctx, ord.ID, order.StatusQueued, order.StatusExecuting); err != nil {
		// 状态竞争说明订单已被其他路径处理，无需重试。
		e.logger.Debug("订单状态竞争，跳过执行", zap.String("order_id", ord.ID), zap.Error(err))
		return nil
	}

	settleCtx := ctx
	if e.cfg.SettleTimeout > 0 {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(ctx, e.cfg.SettleTimeout)
		defer cancel()
	}

	if err := e.settler.Settle(settleCtx, ord, execPrice, now); err != nil {
		if transErr := e.ledger.Transition(ctx, ord.ID, order.StatusExecuting, order.StatusErrored); transErr != nil {
			e.logger.Error("订单错误状态写入失败",
				zap.String("order_id", ord.ID),
				zap.NamedError("settle_error", err),
				zap.Error(transErr),
			)
		}
		// 结算事务已回滚，持仓未被卖出，必须归还占用。
		e.releaseIfSell(ctx, ord)
		e.publish(events.OrderErrored, ord, err.Error())
		return err
	}

	ord.Status = order.StatusFilled
	ord.ExecutionPrice = execPrice
	ord.FilledAt = now
	e.publish(events.OrderFilled, ord, "")
	return nil
}

func (e *Executor) reject(ctx context.Context, ord order.Order, reason string) error {
	if err := e.ledger.Transition(ctx, ord.ID, order.StatusQueued, order.StatusRejected); err != nil {
		return err
	}
	e.releaseIfSell(ctx, ord)
	ord.Status = order.StatusRejected
	e.publish(events.OrderRejected, ord, reason)
	return nil
}

func (e *Executor) cancel(ctx context.Context, ord order.Order, reason string) error {
	if err := e.ledger.Transition(ctx, ord.ID, order.StatusQueued, order.StatusCancelled); err != nil {
		return err
	}
	e.releaseIfSell(ctx, ord)
	ord.Status = order.StatusCancelled
	e.publish(events.OrderCancelled, ord, reason)
	return nil
}

func (e *Executor) releaseIfSell(ctx context.Context, ord order.Order) {
	if ord.Side != order.SideSell {
		return
	}
	if err := e.accounts.ReleasePendingSell(ctx, ord.AccountID, ord.Symbol, ord.Quantity); err != nil {
		e.logger.Warn("释放持仓占用失败",
			zap.String("order_id", ord.ID),
			zap.Error(err),
		)
	}
}

func (e *Executor) publish(eventType events.Type, ord order.Order, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:       eventType,
		Order:      ord,
		OccurredAt: e.now().UTC(),
		Detail:     detail,
	})
}

func sessionAllows(ord order.Order, session order.Session) bool {
	switch session {
	case order.SessionRegular:
		return true
	case order.SessionExtended:
		return ord.ExtendedHours
	default:
		return false
	}
}

// feasible 判断订单在当前报价下能否成交。
func feasible(ord order.Order, quote marketdata.Quote) bool {
	switch ord.Kind {
	case order.KindMarket:
		return true
	case order.KindLimit:
		if ord.Side == order.SideBuy {
			return quote.Ask <= ord.LimitPrice
		}
		return quote.Bid >= ord.LimitPrice
	case order.KindStop:
		return stopTriggered(ord, quote)
	case order.KindStopLimit:
		if !stopTriggered(ord, quote) {
			return false
		}
		if ord.Side == order.SideBuy {
			return quote.Ask <= ord.LimitPrice
		}
		return quote.Bid >= ord.LimitPrice
	default:
		return false
	}
}

func stopTriggered(ord order.Order, quote marketdata.Quote) bool {
	if ord.Side == order.SideBuy {
		return quote.Last >= ord.StopPrice
	}
	return quote.Last <= ord.StopPrice
}

// executionPrice 按买卖方向取对手价。
func executionPrice(ord order.Order, quote marketdata.Quote) float64 {
	if ord.Side == order.SideBuy {
		return quote.Ask
	}
	return quote.Bid
}
