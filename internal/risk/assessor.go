package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker-core/internal/config"
	"broker-core/internal/fees"
	"broker-core/internal/marketdata"
	"broker-core/internal/order"
)

type dayTradeSource interface {
	WouldCreateDayTrade(ctx context.Context, accountID, symbol string, side order.Side, ts time.Time) (bool, error)
}

// Assessor 对已通过校验的订单执行风控评估。
type Assessor struct {
	cfg       config.RiskConfig
	dayTrades dayTradeSource
	logger    *zap.Logger
	now       func() time.Time

	rateMu      sync.Mutex
	submissions map[string][]time.Time
}

// NewAssessor 创建风险评估器。
func NewAssessor(cfg config.RiskConfig, dayTrades dayTradeSource, logger *zap.Logger) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Assessor{
		cfg:         cfg,
		dayTrades:   dayTrades,
		logger:      logger,
		now:         time.Now,
		submissions: make(map[string][]time.Time),
	}
}

// Assess 执行全部检查并给出评估结果。硬性检查全部通过才放行；
// 软性检查失败只提升风险得分，不阻断订单。
// 评估是纯读取的，无论结果如何都不改动账户或持仓。
func (a *Assessor) Assess(ctx context.Context, ord order.Order, snap Snapshot) (Assessment, error) {
	refPrice := a.referencePrice(ord, snap.Quote)
	notional := decimal.NewFromInt(ord.Quantity).Mul(decimal.NewFromFloat(refPrice))

	checks := make([]CheckResult, 0, 8)

	checks = append(checks, a.checkRestricted(snap))
	checks = append(checks, a.checkOrderLimits(notional))
	checks = append(checks, a.checkBuyingPower(ord, notional, snap))

	pdt, err := a.checkPDT(ctx, ord, snap)
	if err != nil {
		return Assessment{}, err
	}
	checks = append(checks, pdt)
	checks = append(checks, a.checkOrderRate(ord.AccountID))

	checks = append(checks, a.checkConcentration(notional, snap))
	checks = append(checks, a.checkVolatility(snap))
	checks = append(checks, a.checkMarginUtilisation(snap))

	result := Assessment{Approved: true, Checks: checks}
	for _, c := range checks {
		if c.Passed {
			continue
		}
		result.Score += c.Severity
		if c.Hard {
			result.Approved = false
		}
		a.logger.Debug("风控检查未通过",
			zap.String("order_id", ord.ID),
			zap.String("check", c.Name),
			zap.Bool("hard", c.Hard),
			zap.String("detail", c.Detail),
		)
	}
	if result.Score > 1 {
		result.Score = 1
	}

	return result, nil
}

// RecordSubmission 登记一次下单，供限频检查使用。应在订单通过校验后调用。
func (a *Assessor) RecordSubmission(accountID string) {
	now := a.now()

	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	window := a.pruneLocked(accountID, now)
	a.submissions[accountID] = append(window, now)
}

func (a *Assessor) referencePrice(ord order.Order, quote marketdata.Quote) float64 {
	switch ord.Kind {
	case order.KindLimit, order.KindStopLimit:
		return ord.LimitPrice
	case order.KindStop:
		return ord.StopPrice
	default:
		return quote.Last
	}
}

func (a *Assessor) checkRestricted(snap Snapshot) CheckResult {
	result := CheckResult{Name: CheckAccountRestricted, Passed: true, Hard: true, Severity: 1}
	if snap.Account.Restricted {
		result.Passed = false
		result.Detail = "账户处于受限状态，禁止下单"
	}
	return result
}

func (a *Assessor) checkOrderLimits(notional decimal.Decimal) CheckResult {
	result := CheckResult{Name: CheckOrderLimits, Passed: true, Hard: true, Severity: 1}
	if a.cfg.MaxOrderNotional > 0 {
		limit := decimal.NewFromFloat(a.cfg.MaxOrderNotional)
		if notional.GreaterThan(limit) {
			result.Passed = false
			result.Detail = fmt.Sprintf("订单名义价值 %s 超过上限 %s", notional.StringFixed(2), limit.StringFixed(2))
		}
	}
	return result
}

func (a *Assessor) checkBuyingPower(ord order.Order, notional decimal.Decimal, snap Snapshot) CheckResult {
	result := CheckResult{Name: CheckBuyingPower, Passed: true, Hard: true, Severity: 1}
	if ord.Side != order.SideBuy {
		return result
	}

	required := notional.Add(fees.Calculate(ord.Side, notional, ord.Quantity).Total)
	if required.GreaterThan(snap.Account.BuyingPower) {
		result.Passed = false
		result.Detail = fmt.Sprintf("所需资金 %s 超过购买力 %s",
			required.StringFixed(2), snap.Account.BuyingPower.StringFixed(2))
	}
	return result
}

func (a *Assessor) checkPDT(ctx context.Context, ord order.Order, snap Snapshot) (CheckResult, error) {
	result := CheckResult{Name: CheckPDT, Passed: true, Hard: true, Severity: 1}

	minEquity := decimal.NewFromFloat(a.cfg.PDTMinEquity)
	if snap.Account.Equity.GreaterThanOrEqual(minEquity) {
		return result, nil
	}
	if snap.Account.DayTradeCount < a.cfg.PDTMaxDayTrades {
		return result, nil
	}

	wouldCreate, err := a.dayTrades.WouldCreateDayTrade(ctx, ord.AccountID, ord.Symbol, ord.Side, a.now())
	if err != nil {
		return CheckResult{}, err
	}
	if wouldCreate {
		result.Passed = false
		result.Detail = fmt.Sprintf("净值 %s 低于 %s 且当日日内交易已达 %d 笔",
			snap.Account.Equity.StringFixed(2), minEquity.StringFixed(2), snap.Account.DayTradeCount)
	}
	return result, nil
}

func (a *Assessor) checkOrderRate(accountID string) CheckResult {
	result := CheckResult{Name: CheckOrderRate, Passed: true, Hard: true, Severity: 1}

	a.rateMu.Lock()
	window := a.pruneLocked(accountID, a.now())
	a.submissions[accountID] = window
	count := len(window)
	a.rateMu.Unlock()

	if count >= a.cfg.MaxOrdersPerMinute {
		result.Passed = false
		result.Detail = fmt.Sprintf("一分钟内已提交 %d 笔订单，超过上限 %d", count, a.cfg.MaxOrdersPerMinute)
	}
	return result
}

func (a *Assessor) checkConcentration(notional decimal.Decimal, snap Snapshot) CheckResult {
	result := CheckResult{Name: CheckConcentration, Passed: true, Hard: false, Severity: 0.3}
	if snap.Account.Equity.LessThanOrEqual(decimal.Zero) {
		return result
	}

	posValue := decimal.NewFromInt(snap.Position.Quantity).Mul(decimal.NewFromFloat(snap.Quote.Last))
	exposure := posValue.Add(notional).Div(snap.Account.Equity)
	limit := decimal.NewFromFloat(a.cfg.ConcentrationLimit)
	if exposure.GreaterThan(limit) {
		result.Passed = false
		result.Detail = fmt.Sprintf("单一标的敞口 %s%% 超过 %s%%",
			exposure.Mul(decimal.NewFromInt(100)).StringFixed(1),
			limit.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}
	return result
}

func (a *Assessor) checkVolatility(snap Snapshot) CheckResult {
	result := CheckResult{Name: CheckVolatility, Passed: true, Hard: false, Severity: 0.25}
	if a.cfg.VolatilityThreshold > 0 && snap.Quote.Volatility > a.cfg.VolatilityThreshold {
		result.Passed = false
		result.Detail = fmt.Sprintf("标的近期波动率 %.4f 超过阈值 %.4f",
			snap.Quote.Volatility, a.cfg.VolatilityThreshold)
	}
	return result
}

func (a *Assessor) checkMarginUtilisation(snap Snapshot) CheckResult {
	result := CheckResult{Name: CheckMarginUtilisation, Passed: true, Hard: false, Severity: 0.25}
	if a.cfg.MarginUtilisationLimit <= 0 || snap.Account.Equity.LessThanOrEqual(decimal.Zero) {
		return result
	}

	utilisation := snap.Account.MarginUsed.Div(snap.Account.Equity)
	limit := decimal.NewFromFloat(a.cfg.MarginUtilisationLimit)
	if utilisation.GreaterThan(limit) {
		result.Passed = false
		result.Detail = fmt.Sprintf("保证金占用率 %s%% 超过 %s%%",
			utilisation.Mul(decimal.NewFromInt(100)).StringFixed(1),
			limit.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}
	return result
}

func (a *Assessor) pruneLocked(accountID string, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	window := a.submissions[accountID]

	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
