package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Kind 表示订单类型。
type Kind string

const (
	KindMarket    Kind = "market"
	KindLimit     Kind = "limit"
	KindStop      Kind = "stop"
	KindStopLimit Kind = "stop_limit"
)

// TIF 表示订单有效期。
type TIF string

const (
	TIFDay TIF = "day"
	TIFGTC TIF = "gtc"
)

// Status 表示订单生命周期状态。
type Status string

const (
	StatusPendingValidation Status = "pending_validation"
	StatusPendingRisk       Status = "pending_risk"
	StatusQueued            Status = "queued"
	StatusExecuting         Status = "executing"
	StatusFilled            Status = "filled"
	StatusRejected          Status = "rejected"
	StatusCancelled         Status = "cancelled"
	StatusErrored           Status = "errored"
)

// Terminal 判断状态是否为终态，终态订单不可再变更。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled, StatusErrored:
		return true
	}
	return false
}

// 状态机只允许单向推进，终态不可重入。
var allowedTransitions = map[Status][]Status{
	StatusPendingValidation: {StatusPendingRisk, StatusRejected},
	StatusPendingRisk:       {StatusQueued, StatusRejected, StatusErrored},
	StatusQueued:            {StatusExecuting, StatusCancelled, StatusRejected},
	StatusExecuting:         {StatusFilled, StatusErrored, StatusRejected},
}

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Submission 为一次原始下单请求。价格字段为 0 表示未填写。
type Submission struct {
	AccountID     string
	Symbol        string
	Side          Side
	Quantity      int64
	Kind          Kind
	LimitPrice    float64
	StopPrice     float64
	TimeInForce   TIF
	ExtendedHours bool
}

// Order 为规范化后的订单记录。
type Order struct {
	ID             string
	AccountID      string
	Symbol         string
	Side           Side
	Quantity       int64
	Kind           Kind
	LimitPrice     float64
	StopPrice      float64
	TimeInForce    TIF
	ExtendedHours  bool
	Status         Status
	RiskScore      float64
	ExecutionPrice float64
	FilledAt       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Priced 判断订单是否携带委托价。
func (o Order) Priced() bool {
	return o.Kind == KindLimit || o.Kind == KindStop || o.Kind == KindStopLimit
}

// New 根据提交请求构造待校验订单。
func New(sub Submission, now time.Time) Order {
	return Order{
		ID:            uuid.NewString(),
		AccountID:     sub.AccountID,
		Symbol:        strings.ToUpper(strings.TrimSpace(sub.Symbol)),
		Side:          sub.Side,
		Quantity:      sub.Quantity,
		Kind:          sub.Kind,
		LimitPrice:    sub.LimitPrice,
		StopPrice:     sub.StopPrice,
		TimeInForce:   sub.TimeInForce,
		ExtendedHours: sub.ExtendedHours,
		Status:        StatusPendingValidation,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}

// ValidationError 表示提交内容不合法，调用方修正后可重试。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: 字段 %s 校验失败: %s", e.Field, e.Reason)
}

// 业务规则错误码。
const (
	CodeMarketClosed   = "MARKET_CLOSED"
	CodePriceDeviation = "PRICE_DEVIATION"
	CodeNotTradable    = "SYMBOL_NOT_TRADABLE"
	CodeNotCancellable = "NOT_CANCELLABLE"
)

// BusinessError 表示业务规则拒绝，调用方可调整参数后重试。
type BusinessError struct {
	Code   string
	Reason string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("order: 业务规则拒绝 (%s): %s", e.Code, e.Reason)
}
