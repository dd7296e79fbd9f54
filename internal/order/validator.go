package order

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/config"
)

// QuoteFunc 提供标的最新成交价，用于委托价偏离校验。
type QuoteFunc func(symbol string) (float64, error)

// Validator 对原始提交做结构与业务规则校验，不产生任何状态变更。
type Validator struct {
	symbols      map[string]struct{}
	calendar     *Calendar
	maxQuantity  int64
	maxDeviation float64
	logger       *zap.Logger
}

// NewValidator 创建订单校验器。
func NewValidator(market config.MarketConfig, risk config.RiskConfig, calendar *Calendar, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}

	symbols := make(map[string]struct{}, len(market.Symbols))
	for _, s := range market.Symbols {
		symbols[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}

	return &Validator{
		symbols:      symbols,
		calendar:     calendar,
		maxQuantity:  risk.MaxOrderQuantity,
		maxDeviation: risk.MaxPriceDeviation,
		logger:       logger,
	}
}

// Validate 校验提交并返回规范化订单。校验失败不落任何状态，可安全重试。
func (v *Validator) Validate(sub Submission, now time.Time, lastPrice QuoteFunc) (Order, error) {
	ord := New(sub, now)

	if err := v.checkRequired(ord); err != nil {
		return Order{}, err
	}

	if err := v.checkSession(ord); err != nil {
		return Order{}, err
	}

	if _, ok := v.symbols[ord.Symbol]; !ok {
		return Order{}, &BusinessError{Code: CodeNotTradable, Reason: fmt.Sprintf("标的 %s 不在可交易清单中", ord.Symbol)}
	}

	if ord.Quantity < 1 || ord.Quantity > v.maxQuantity {
		return Order{}, &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("数量 %d 超出允许区间 [1, %d]", ord.Quantity, v.maxQuantity),
		}
	}

	if err := checkPrices(ord); err != nil {
		return Order{}, err
	}

	if ord.Priced() {
		if err := v.checkDeviation(ord, lastPrice); err != nil {
			return Order{}, err
		}
	}

	ord.Status = StatusPendingRisk
	return ord, nil
}

func (v *Validator) checkRequired(ord Order) error {
	if ord.AccountID == "" {
		return &ValidationError{Field: "account_id", Reason: "不能为空"}
	}
	if ord.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "不能为空"}
	}
	if ord.Side != SideBuy && ord.Side != SideSell {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("非法方向 %q", ord.Side)}
	}
	switch ord.Kind {
	case KindMarket, KindLimit, KindStop, KindStopLimit:
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("非法订单类型 %q", ord.Kind)}
	}
	switch ord.TimeInForce {
	case TIFDay, TIFGTC:
	default:
		return &ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("非法有效期 %q", ord.TimeInForce)}
	}
	return nil
}

func (v *Validator) checkSession(ord Order) error {
	switch v.calendar.Session(ord.CreatedAt) {
	case SessionRegular:
		return nil
	case SessionExtended:
		if ord.ExtendedHours {
			return nil
		}
		return &BusinessError{Code: CodeMarketClosed, Reason: "当前处于延长时段，订单未启用盘前盘后交易"}
	default:
		return &BusinessError{Code: CodeMarketClosed, Reason: "市场休市中"}
	}
}

func checkPrices(ord Order) error {
	switch ord.Kind {
	case KindLimit:
		if ord.LimitPrice <= 0 {
			return &ValidationError{Field: "limit_price", Reason: "限价单必须携带正的委托价"}
		}
	case KindStop:
		if ord.StopPrice <= 0 {
			return &ValidationError{Field: "stop_price", Reason: "止损单必须携带正的触发价"}
		}
	case KindStopLimit:
		if ord.LimitPrice <= 0 {
			return &ValidationError{Field: "limit_price", Reason: "止损限价单必须携带正的委托价"}
		}
		if ord.StopPrice <= 0 {
			return &ValidationError{Field: "stop_price", Reason: "止损限价单必须携带正的触发价"}
		}
	}
	return nil
}

func (v *Validator) checkDeviation(ord Order, lastPrice QuoteFunc) error {
	if lastPrice == nil {
		return nil
	}

	price, err := lastPrice(ord.Symbol)
	if err != nil {
		return err
	}
	if price <= 0 {
		return nil
	}

	reference := ord.LimitPrice
	if reference <= 0 {
		reference = ord.StopPrice
	}

	deviation := math.Abs(reference-price) / price
	if deviation > v.maxDeviation {
		v.logger.Warn("委托价偏离现价过大",
			zap.String("symbol", ord.Symbol),
			zap.Float64("reference", reference),
			zap.Float64("last", price),
			zap.Float64("deviation", deviation),
		)
		return &BusinessError{
			Code:   CodePriceDeviation,
			Reason: fmt.Sprintf("委托价 %.2f 偏离现价 %.2f 达 %.1f%%，超出 %.0f%% 上限", reference, price, deviation*100, v.maxDeviation*100),
		}
	}

	return nil
}
