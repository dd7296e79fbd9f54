// Package audit 将订单生命周期与风控评估持久化为审计事件。
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/events"
	"broker-core/internal/order"
	"broker-core/internal/risk"
	"broker-core/internal/store"
)

// EventType 表示审计事件类型。
type EventType string

const (
	EventOrderLifecycle EventType = "order_lifecycle"
	EventRiskAssessment EventType = "risk_assessment"
)

// Event 封装通用审计事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderLifecyclePayload 记录一次订单状态变化。
type OrderLifecyclePayload struct {
	Event  string      `json:"event"`
	Order  order.Order `json:"order"`
	Detail string      `json:"detail,omitempty"`
}

// RiskAssessmentPayload 记录一次风控评估。
type RiskAssessmentPayload struct {
	OrderID    string             `json:"order_id"`
	AccountID  string             `json:"account_id"`
	Approved   bool               `json:"approved"`
	Score      float64            `json:"score"`
	Checks     []risk.CheckResult `json:"checks"`
	AssessedAt time.Time          `json:"assessed_at"`
}

// Service 负责持久化审计事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{db: st.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("audit: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入事件失败: %w", err)
	}
	return nil
}

// RecordOrderEvent 记录订单生命周期事件，失败只告警不阻断主流程。
func (s *Service) RecordOrderEvent(ctx context.Context, event events.Event) {
	if err := s.Record(ctx, Event{
		Type:      EventOrderLifecycle,
		Timestamp: event.OccurredAt,
		Payload: OrderLifecyclePayload{
			Event:  string(event.Type),
			Order:  event.Order,
			Detail: event.Detail,
		},
	}); err != nil {
		s.logger.Warn("记录订单事件失败", zap.String("order_id", event.Order.ID), zap.Error(err))
	}
}

// RecordAssessment 记录风控评估结果。
func (s *Service) RecordAssessment(ctx context.Context, ord order.Order, assessment risk.Assessment) {
	if err := s.Record(ctx, Event{
		Type:      EventRiskAssessment,
		Timestamp: time.Now().UTC(),
		Payload: RiskAssessmentPayload{
			OrderID:    ord.ID,
			AccountID:  ord.AccountID,
			Approved:   assessment.Approved,
			Score:      assessment.Score,
			Checks:     assessment.Checks,
			AssessedAt: time.Now().UTC(),
		},
	}); err != nil {
		s.logger.Warn("记录风控评估失败", zap.String("order_id", ord.ID), zap.Error(err))
	}
}

// Recent 返回最近的若干条审计事件，按时间倒序。类型为空时返回全部类型。
func (s *Service) Recent(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT event_type, payload, created_at FROM audit_events ORDER BY id DESC LIMIT ?`
	args := []interface{}{limit}
	if eventType != "" {
		query = `SELECT event_type, payload, created_at FROM audit_events
		 WHERE event_type = ? ORDER BY id DESC LIMIT ?`
		args = []interface{}{string(eventType), limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询事件失败: %w", err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		var (
			eventTypeRaw string
			payloadRaw   string
			createdAt    string
		)
		if err := rows.Scan(&eventTypeRaw, &payloadRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: 读取事件失败: %w", err)
		}

		event := Event{Type: EventType(eventTypeRaw)}
		if ts, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			event.Timestamp = ts
		}
		var payload json.RawMessage
		if err := json.Unmarshal([]byte(payloadRaw), &payload); err == nil {
			event.Payload = payload
		}
		result = append(result, event)
	}
	return result, rows.Err()
}
