// Package app 负责组装各组件并驱动系统生命周期。
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker-core/internal/config"
	"broker-core/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装订单处理链路并阻塞运行，直到上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("订单系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("symbols", a.cfg.Market.Symbols),
		zap.Bool("simulation", a.cfg.MarketData.Simulation),
	)

	w, err := build(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}
	defer w.bus.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return w.executor.Run(groupCtx)
	})

	group.Go(func() error {
		a.drainEvents(groupCtx, w)
		return nil
	})

	if a.cfg.App.AuditPort > 0 {
		if err := startAuditServer(groupCtx, w.service, w.audit, a.cfg.App.AuditPort, a.logger); err != nil {
			return err
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) drainEvents(ctx context.Context, w *wiring) {
	ch, cancel := w.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			w.audit.RecordOrderEvent(ctx, event)
		}
	}
}
