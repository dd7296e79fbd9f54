package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/broker"
	"broker-core/internal/config"
	"broker-core/internal/events"
	"broker-core/internal/executor"
	"broker-core/internal/ledger"
	"broker-core/internal/marketdata"
	"broker-core/internal/order"
	"broker-core/internal/risk"
	"broker-core/internal/settlement"
	"broker-core/internal/store"
)

type wiring struct {
	service  *broker.Service
	executor *executor.Executor
	bus      *events.Bus
	audit    *audit.Service
}

// build 按依赖顺序组装全部组件。
func build(cfg *config.Config, logger *zap.Logger, st *store.Store) (*wiring, error) {
	calendar, err := order.NewCalendar(cfg.Market)
	if err != nil {
		return nil, err
	}
	validator := order.NewValidator(cfg.Market, cfg.Risk, calendar, logger)

	gate, err := buildGate(cfg.MarketData, logger)
	if err != nil {
		return nil, err
	}

	orderLedger, err := ledger.New(st, logger)
	if err != nil {
		return nil, err
	}
	accounts, err := account.New(st, logger)
	if err != nil {
		return nil, err
	}
	tracker, err := risk.NewTracker(st, cfg.Risk, logger)
	if err != nil {
		return nil, err
	}
	auditSvc, err := audit.NewService(st, logger)
	if err != nil {
		return nil, err
	}

	assessor := risk.NewAssessor(cfg.Risk, tracker, logger)
	settler, err := settlement.NewSettler(orderLedger, accounts, tracker, logger)
	if err != nil {
		return nil, err
	}

	queue := executor.NewQueue()
	bus := events.NewBus(logger)

	exec := executor.New(cfg.Executor, queue, orderLedger, gate, settler, accounts, calendar, bus, logger)
	service := broker.NewService(validator, assessor, tracker, orderLedger, accounts, queue, gate, bus, auditSvc, logger)

	if err := recoverQueue(orderLedger, queue, logger); err != nil {
		return nil, err
	}

	return &wiring{
		service:  service,
		executor: exec,
		bus:      bus,
		audit:    auditSvc,
	}, nil
}

func buildGate(cfg config.MarketDataConfig, logger *zap.Logger) (*marketdata.Gate, error) {
	if cfg.Simulation {
		logger.Info("使用合成行情源")
		return marketdata.NewGate(marketdata.NewSimulator(time.Now().UnixNano()), cfg, logger), nil
	}

	client, err := marketdata.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return marketdata.NewGate(client, cfg, logger), nil
}

// recoverQueue 将上次运行遗留的排队订单重新装入执行队列。
func recoverQueue(orderLedger *ledger.Ledger, queue *executor.Queue, logger *zap.Logger) error {
	queued, err := orderLedger.ListByStatus(context.Background(), order.StatusQueued, 10000)
	if err != nil {
		return err
	}

	for _, ord := range queued {
		queue.Push(executor.Entry{
			OrderID:   ord.ID,
			AccountID: ord.AccountID,
			Symbol:    ord.Symbol,
		})
	}
	if len(queued) > 0 {
		logger.Info("恢复遗留排队订单", zap.Int("count", len(queued)))
	}
	return nil
}
