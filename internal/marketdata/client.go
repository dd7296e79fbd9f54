package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker-core/internal/config"
)

// Client 负责与外部行情源交互并实现重试机制。
type Client struct {
	cfg      config.MarketDataConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造行情客户端。
func NewClient(cfg config.MarketDataConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// FetchQuote 聚合盘口与最新成交价，生成一份报价快照。
func (c *Client) FetchQuote(ctx context.Context, symbol string) (Quote, error) {
	var (
		book ccxt.OrderBook
		last float64
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.callWithRetry(groupCtx, "fetch_order_book", func() error {
			if err := c.ensureMarketsLoaded(groupCtx); err != nil {
				return err
			}
			result, err := c.exchange.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(5))
			if err != nil {
				return err
			}
			book = result
			return nil
		})
	})

	group.Go(func() error {
		return c.callWithRetry(groupCtx, "fetch_last_close", func() error {
			if err := c.ensureMarketsLoaded(groupCtx); err != nil {
				return err
			}
			candles, err := c.exchange.FetchOHLCV(
				symbol,
				ccxt.WithFetchOHLCVTimeframe("1m"),
				ccxt.WithFetchOHLCVLimit(1),
			)
			if err != nil {
				return err
			}
			if len(candles) > 0 {
				last = candles[len(candles)-1].Close
			}
			return nil
		})
	})

	if err := group.Wait(); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}

	quote := Quote{
		Symbol:    symbol,
		Last:      last,
		FetchedAt: time.Now().UTC(),
	}
	if len(book.Bids) > 0 && len(book.Bids[0]) >= 2 {
		quote.Bid = book.Bids[0][0]
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) >= 2 {
		quote.Ask = book.Asks[0][0]
	}

	if quote.Bid <= 0 || quote.Ask <= 0 {
		return Quote{}, fmt.Errorf("%w: %s 盘口为空", ErrUnavailable, symbol)
	}
	if quote.Last <= 0 {
		quote.Last = (quote.Bid + quote.Ask) / 2
	}

	return quote, nil
}

// FetchCloses 获取用于波动率估算的收盘价序列。
func (c *Client) FetchCloses(ctx context.Context, symbol string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 24
	}

	var raw []ccxt.OHLCV
	err := c.callWithRetry(ctx, "fetch_volatility_window", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOHLCV(
			symbol,
			ccxt.WithFetchOHLCVTimeframe("1h"),
			ccxt.WithFetchOHLCVLimit(int64(limit)),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}

	closes := make([]float64, 0, len(raw))
	for _, item := range raw {
		closes = append(closes, item.Close)
	}
	return closes, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("行情调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !retryable(err) || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("行情调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("行情调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRetryable(err) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
