package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Simulator 在开发环境下生成合成报价，避免依赖外部行情源。
type Simulator struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	prices map[string]float64
}

// NewSimulator 创建合成行情源。
func NewSimulator(seed int64) *Simulator {
	return &Simulator{
		rnd:    rand.New(rand.NewSource(seed)),
		prices: make(map[string]float64),
	}
}

// FetchQuote 在上一次价格基础上做小幅随机游走并加上固定点差。
func (s *Simulator) FetchQuote(_ context.Context, symbol string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mid := s.step(symbol)
	spread := mid * 0.0004

	return Quote{
		Symbol:    symbol,
		Bid:       mid - spread/2,
		Ask:       mid + spread/2,
		Last:      mid,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// FetchCloses 生成一段合成收盘价序列。
func (s *Simulator) FetchCloses(_ context.Context, symbol string, limit int) ([]float64, error) {
	if limit <= 0 {
		limit = 24
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	closes := make([]float64, 0, limit)
	for i := 0; i < limit; i++ {
		closes = append(closes, s.step(symbol))
	}
	return closes, nil
}

func (s *Simulator) step(symbol string) float64 {
	price, ok := s.prices[symbol]
	if !ok {
		price = basePrice(symbol)
	}
	price *= 1 + (s.rnd.Float64()-0.5)*0.004
	s.prices[symbol] = price
	return price
}

func basePrice(symbol string) float64 {
	var sum int
	for _, r := range symbol {
		sum += int(r)
	}
	return 50 + float64(sum%200)
}
