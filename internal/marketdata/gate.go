package marketdata

import (
	"context"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker-core/internal/config"
)

type quoteSource interface {
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
	FetchCloses(ctx context.Context, symbol string, limit int) ([]float64, error)
}

type volEntry struct {
	value     float64
	fetchedAt time.Time
}

// Gate 是执行链路获取报价的唯一入口：短TTL缓存，过期强制回源，绝不下发陈旧报价。
type Gate struct {
	source    quoteSource
	logger    *zap.Logger
	ttl       time.Duration
	timeout   time.Duration
	volTTL    time.Duration
	volWindow int
	now       func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
	vols   map[string]volEntry
}

// NewGate 创建报价网关。
func NewGate(source quoteSource, cfg config.MarketDataConfig, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}

	ttl := cfg.QuoteTTL
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	timeout := cfg.QuoteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	volTTL := cfg.VolatilityTTL
	if volTTL <= 0 {
		volTTL = 5 * time.Minute
	}
	volWindow := cfg.VolatilityWindow
	if volWindow <= 1 {
		volWindow = 24
	}

	return &Gate{
		source:    source,
		logger:    logger,
		ttl:       ttl,
		timeout:   timeout,
		volTTL:    volTTL,
		volWindow: volWindow,
		now:       time.Now,
		quotes:    make(map[string]Quote),
		vols:      make(map[string]volEntry),
	}
}

// Quote 返回有效报价。缓存命中且未过期直接返回，否则回源拉取；
// 回源失败时报错而不是退回过期数据。
func (g *Gate) Quote(ctx context.Context, symbol string) (Quote, error) {
	now := g.now()

	g.mu.RLock()
	cached, ok := g.quotes[symbol]
	g.mu.RUnlock()
	if ok && cached.Fresh(now) {
		return cached, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	quote, err := g.source.FetchQuote(fetchCtx, symbol)
	if err != nil {
		return Quote{}, err
	}

	// 以网关时钟为准计算有效期，避免数据源时间漂移影响缓存判断。
	quote.FetchedAt = now
	quote.TTL = g.ttl
	quote.Volatility = g.volatility(ctx, symbol)

	g.mu.Lock()
	g.quotes[symbol] = quote
	g.mu.Unlock()

	return quote, nil
}

// LastPrice 返回最新成交价，供委托价偏离校验使用。
func (g *Gate) LastPrice(ctx context.Context, symbol string) (float64, error) {
	quote, err := g.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return quote.Last, nil
}

// Prefetch 并行预拉一组标的的报价，单个标的失败不影响其余标的。
func (g *Gate) Prefetch(ctx context.Context, symbols []string) error {
	distinct := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		distinct[s] = struct{}{}
	}

	var (
		errMu  sync.Mutex
		errAll error
	)

	group := new(errgroup.Group)
	for symbol := range distinct {
		group.Go(func() error {
			if _, err := g.Quote(ctx, symbol); err != nil {
				g.logger.Warn("报价预取失败", zap.String("symbol", symbol), zap.Error(err))
				errMu.Lock()
				errAll = multierr.Append(errAll, err)
				errMu.Unlock()
			}
			return nil
		})
	}

	_ = group.Wait()
	return errAll
}

func (g *Gate) volatility(ctx context.Context, symbol string) float64 {
	now := g.now()

	g.mu.RLock()
	entry, ok := g.vols[symbol]
	g.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) <= g.volTTL {
		return entry.value
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	closes, err := g.source.FetchCloses(fetchCtx, symbol, g.volWindow+1)
	if err != nil {
		// 波动率仅用于软性风控提示，取不到时按 0 处理。
		g.logger.Debug("波动率数据获取失败", zap.String("symbol", symbol), zap.Error(err))
		return entry.value
	}

	value := computeVolatility(closes)

	g.mu.Lock()
	g.vols[symbol] = volEntry{value: value, fetchedAt: now}
	g.mu.Unlock()

	return value
}

// computeVolatility 对收盘价序列计算简单收益率的标准差。
func computeVolatility(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			returns = append(returns, closes[i]/closes[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}

	std := talib.StdDev(returns, len(returns), 1.0)
	return std[len(std)-1]
}
