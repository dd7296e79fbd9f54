// Package events 提供进程内的订单事件广播。
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"broker-core/internal/order"
)

// Type 为事件类型。
type Type string

const (
	OrderPlaced    Type = "order_placed"
	OrderQueued    Type = "order_queued"
	OrderFilled    Type = "order_filled"
	OrderRejected  Type = "order_rejected"
	OrderCancelled Type = "order_cancelled"
	OrderErrored   Type = "order_errored"
)

// Event 为一次订单生命周期事件。
type Event struct {
	Type       Type
	Order      order.Order
	OccurredAt time.Time
	Detail     string
}

// Bus 是非阻塞的事件广播器：订阅方消费过慢时丢弃事件而不是拖慢发布方。
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// NewBus 创建事件总线。
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe 注册订阅者，返回事件通道与取消函数。
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish 向所有订阅者广播事件，通道已满则丢弃。
func (b *Bus) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("订阅者消费过慢，事件被丢弃",
				zap.String("type", string(event.Type)),
				zap.String("order_id", event.Order.ID),
			)
		}
	}
}

// Close 关闭总线并释放所有订阅通道。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
