// Package fees 实现佣金与监管费用的纯计算，所有金额使用十进制避免浮点误差。
package fees

import (
	"github.com/shopspring/decimal"

	"broker-core/internal/order"
)

// 佣金分档阈值与费率。
var (
	tierFree    = decimal.NewFromInt(1000)
	tierLow     = decimal.NewFromInt(10000)
	tierMid     = decimal.NewFromInt(100000)
	feeLow      = decimal.RequireFromString("0.50")
	feeMid      = decimal.RequireFromString("1.00")
	feeCap      = decimal.RequireFromString("5.00")
	feeRate     = decimal.RequireFromString("0.0001")
	secFeeRate  = decimal.RequireFromString("0.0000051")
	tafPerShare = decimal.RequireFromString("0.000166")
)

// Breakdown 为一笔成交的费用明细。
type Breakdown struct {
	Commission decimal.Decimal
	Regulatory decimal.Decimal
	Total      decimal.Decimal
}

// Commission 按成交名义价值分档计算佣金。
func Commission(notional decimal.Decimal) decimal.Decimal {
	switch {
	case notional.LessThan(tierFree):
		return decimal.Zero
	case notional.LessThanOrEqual(tierLow):
		return feeLow
	case notional.LessThanOrEqual(tierMid):
		return feeMid
	default:
		fee := notional.Mul(feeRate)
		if fee.GreaterThan(feeCap) {
			return feeCap
		}
		return fee.Round(2)
	}
}

// Regulatory 计算监管费用，仅卖出收取，结果四舍五入到分。
func Regulatory(side order.Side, notional decimal.Decimal, quantity int64) decimal.Decimal {
	if side != order.SideSell {
		return decimal.Zero
	}

	secFee := notional.Mul(secFeeRate)
	activityFee := decimal.NewFromInt(quantity).Mul(tafPerShare)
	return secFee.Add(activityFee).Round(2)
}

// Calculate 返回一笔成交的完整费用明细。
func Calculate(side order.Side, notional decimal.Decimal, quantity int64) Breakdown {
	commission := Commission(notional)
	regulatory := Regulatory(side, notional, quantity)
	return Breakdown{
		Commission: commission,
		Regulatory: regulatory,
		Total:      commission.Add(regulatory),
	}
}
