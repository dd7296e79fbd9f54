// Package risk 实现下单前的风险评估：硬性检查决定放行与否，软性检查仅提示并计入风险得分。
package risk

import (
	"fmt"
	"strings"

	"broker-core/internal/account"
	"broker-core/internal/marketdata"
)

// 检查项名称。
const (
	CheckAccountRestricted = "ACCOUNT_RESTRICTED"
	CheckOrderLimits       = "ORDER_LIMITS"
	CheckBuyingPower       = "BUYING_POWER"
	CheckPDT               = "PDT_VIOLATION"
	CheckOrderRate         = "ORDER_RATE"
	CheckConcentration     = "CONCENTRATION"
	CheckVolatility        = "VOLATILITY"
	CheckMarginUtilisation = "MARGIN_UTILISATION"
)

// Snapshot 为评估时刻的账户与市场快照。
type Snapshot struct {
	Account  account.State
	Position account.Position
	Quote    marketdata.Quote
}

// CheckResult 记录单项检查的结果。Hard 为真时失败会阻断订单。
type CheckResult struct {
	Name     string
	Passed   bool
	Hard     bool
	Severity float64
	Detail   string
}

// Assessment 为一次完整评估的输出。
type Assessment struct {
	Approved bool
	Score    float64
	Checks   []CheckResult
}

// Failed 返回所有未通过的检查名称。
func (a Assessment) Failed() []string {
	var names []string
	for _, c := range a.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

// FailedHard 返回未通过的硬性检查名称。
func (a Assessment) FailedHard() []string {
	var names []string
	for _, c := range a.Checks {
		if !c.Passed && c.Hard {
			names = append(names, c.Name)
		}
	}
	return names
}

// ViolationError 表示硬性风控检查未通过。
type ViolationError struct {
	Checks []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("risk: 风控检查未通过: %s", strings.Join(e.Checks, ", "))
}
