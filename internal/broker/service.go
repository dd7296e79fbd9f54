// Package broker 对外提供下单、撤单与查询入口，串联校验、风控与执行队列。
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/events"
	"broker-core/internal/executor"
	"broker-core/internal/ledger"
	"broker-core/internal/marketdata"
	"broker-core/internal/order"
	"broker-core/internal/risk"
)

type riskAssessor interface {
	Assess(ctx context.Context, ord order.Order, snap risk.Snapshot) (risk.Assessment, error)
	RecordSubmission(accountID string)
}

type dayTradeCounter interface {
	DayTradeCount(ctx context.Context, accountID string, ts time.Time) (int, error)
}

// Service 是订单处理的对外门面。
type Service struct {
	validator *order.Validator
	assessor  riskAssessor
	tracker   dayTradeCounter
	ledger    *ledger.Ledger
	accounts  *account.Store
	queue     *executor.Queue
	gate      *marketdata.Gate
	bus       *events.Bus
	audit     *audit.Service
	logger    *zap.Logger
	now       func() time.Time
}

// NewService 创建订单服务。
func NewService(
	validator *order.Validator,
	assessor riskAssessor,
	tracker dayTradeCounter,
	lg *ledger.Ledger,
	accounts *account.Store,
	queue *executor.Queue,
	gate *marketdata.Gate,
	bus *events.Bus,
	auditSvc *audit.Service,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		validator: validator,
		assessor:  assessor,
		tracker:   tracker,
		ledger:    lg,
		accounts:  accounts,
		queue:     queue,
		gate:      gate,
		bus:       bus,
		audit:     auditSvc,
		logger:    logger,
		now:       time.Now,
	}
}

// SubmitOrder 接收一笔下单请求：校验、风控、入库并进入执行队列。
// 校验失败与风控拒绝以同步错误返回，订单被拒时同时落库为 rejected。
func (s *Service) SubmitOrder(ctx context.Context, sub order.Submission) (order.Order, error) {
	now := s.now()

	lastPrice := func(symbol string) (float64, error) {
		return s.gate.LastPrice(ctx, symbol)
	}

	ord, err := s.validator.Validate(sub, now, lastPrice)
	if err != nil {
		return order.Order{}, err
	}

	state, err := s.accounts.Get(ctx, ord.AccountID)
	if err != nil {
		return order.Order{}, err
	}

	if err := s.ledger.Insert(ctx, ord); err != nil {
		return order.Order{}, err
	}
	s.publish(events.OrderPlaced, ord, "")
	s.assessor.RecordSubmission(ord.AccountID)

	// 卖单先占用持仓，可卖数量不足直接拒绝，防止并发提交导致超卖。
	if ord.Side == order.SideSell {
		if err := s.accounts.ReservePendingSell(ctx, ord.AccountID, ord.Symbol, ord.Quantity); err != nil {
			if rejErr := s.ledger.Transition(ctx, ord.ID, order.StatusPendingRisk, order.StatusRejected); rejErr != nil {
				s.logger.Error("订单拒绝状态写入失败", zap.String("order_id", ord.ID), zap.Error(rejErr))
			}
			ord.Status = order.StatusRejected
			s.publish(events.OrderRejected, ord, err.Error())
			if errors.Is(err, account.ErrInsufficientPosition) {
				return ord, &order.ValidationError{Field: "quantity", Reason: "可卖持仓不足"}
			}
			return ord, err
		}
	}

	snap, err := s.buildSnapshot(ctx, ord, state)
	if err != nil {
		s.failSubmission(ctx, ord, err)
		return order.Order{}, err
	}

	assessment, err := s.assessor.Assess(ctx, ord, snap)
	if err != nil {
		s.failSubmission(ctx, ord, err)
		return order.Order{}, err
	}

	if scoreErr := s.ledger.SetRiskScore(ctx, ord.ID, assessment.Score); scoreErr != nil {
		s.logger.Warn("风险得分写入失败", zap.String("order_id", ord.ID), zap.Error(scoreErr))
	}
	ord.RiskScore = assessment.Score
	if s.audit != nil {
		s.audit.RecordAssessment(ctx, ord, assessment)
	}

	if !assessment.Approved {
		if rejErr := s.ledger.Transition(ctx, ord.ID, order.StatusPendingRisk, order.StatusRejected); rejErr != nil {
			s.logger.Error("订单拒绝状态写入失败", zap.String("order_id", ord.ID), zap.Error(rejErr))
		}
		s.rollbackReservation(ctx, ord)
		ord.Status = order.StatusRejected
		violation := &risk.ViolationError{Checks: assessment.FailedHard()}
		s.publish(events.OrderRejected, ord, violation.Error())
		return ord, violation
	}

	if err := s.ledger.Transition(ctx, ord.ID, order.StatusPendingRisk, order.StatusQueued); err != nil {
		s.rollbackReservation(ctx, ord)
		return order.Order{}, err
	}
	ord.Status = order.StatusQueued

	s.queue.Push(executor.Entry{
		OrderID:   ord.ID,
		AccountID: ord.AccountID,
		Symbol:    ord.Symbol,
	})
	s.publish(events.OrderQueued, ord, "")

	s.logger.Info("订单已进入执行队列",
		zap.String("order_id", ord.ID),
		zap.String("account_id", ord.AccountID),
		zap.String("symbol", ord.Symbol),
		zap.String("side", string(ord.Side)),
		zap.Int64("quantity", ord.Quantity),
		zap.Float64("risk_score", assessment.Score),
	)
	return ord, nil
}

// CancelOrder 撤销仍在排队的订单。已开始执行或已到终态的订单不可撤销。
func (s *Service) CancelOrder(ctx context.Context, orderID string) (order.Order, error) {
	ord, err := s.ledger.Get(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}

	if err := s.ledger.Transition(ctx, orderID, order.StatusQueued, order.StatusCancelled); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) || errors.Is(err, ledger.ErrIllegalTransition) {
			return ord, &order.BusinessError{
				Code:   order.CodeNotCancellable,
				Reason: fmt.Sprintf("订单当前状态为 %s，不可撤销", ord.Status),
			}
		}
		return order.Order{}, err
	}

	s.queue.Remove(orderID)
	s.rollbackReservation(ctx, ord)

	ord.Status = order.StatusCancelled
	s.publish(events.OrderCancelled, ord, "用户撤单")

	s.logger.Info("订单已撤销", zap.String("order_id", orderID))
	return ord, nil
}

// GetOrder 查询订单当前状态。
func (s *Service) GetOrder(ctx context.Context, orderID string) (order.Order, error) {
	return s.ledger.Get(ctx, orderID)
}

// GetAccount 查询账户资金状态，附带当日日内交易计数。
func (s *Service) GetAccount(ctx context.Context, accountID string) (account.State, error) {
	state, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return account.State{}, err
	}

	count, err := s.tracker.DayTradeCount(ctx, accountID, s.now())
	if err != nil {
		return account.State{}, err
	}
	state.DayTradeCount = count
	return state, nil
}

// ListPositions 查询账户持仓。
func (s *Service) ListPositions(ctx context.Context, accountID string) ([]account.Position, error) {
	return s.accounts.ListPositions(ctx, accountID)
}

func (s *Service) buildSnapshot(ctx context.Context, ord order.Order, state account.State) (risk.Snapshot, error) {
	count, err := s.tracker.DayTradeCount(ctx, ord.AccountID, s.now())
	if err != nil {
		return risk.Snapshot{}, err
	}
	state.DayTradeCount = count

	pos, err := s.accounts.GetPosition(ctx, ord.AccountID, ord.Symbol)
	if err != nil {
		return risk.Snapshot{}, err
	}

	quote, err := s.gate.Quote(ctx, ord.Symbol)
	if err != nil {
		return risk.Snapshot{}, err
	}

	return risk.Snapshot{Account: state, Position: pos, Quote: quote}, nil
}

// failSubmission 在风控阶段发生系统性错误时将订单落为 errored，
// 避免订单永远停留在 pending_risk 而执行循环不会再访问它。
func (s *Service) failSubmission(ctx context.Context, ord order.Order, cause error) {
	s.rollbackReservation(ctx, ord)
	if err := s.ledger.Transition(ctx, ord.ID, order.StatusPendingRisk, order.StatusErrored); err != nil {
		s.logger.Error("订单错误状态写入失败", zap.String("order_id", ord.ID), zap.Error(err))
		return
	}
	ord.Status = order.StatusErrored
	s.publish(events.OrderErrored, ord, cause.Error())
}

func (s *Service) rollbackReservation(ctx context.Context, ord order.Order) {
	if ord.Side != order.SideSell {
		return
	}
	if err := s.accounts.ReleasePendingSell(ctx, ord.AccountID, ord.Symbol, ord.Quantity); err != nil {
		s.logger.Warn("释放持仓占用失败", zap.String("order_id", ord.ID), zap.Error(err))
	}
}

func (s *Service) publish(eventType events.Type, ord order.Order, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       eventType,
		Order:      ord,
		OccurredAt: s.now().UTC(),
		Detail:     detail,
	})
}
