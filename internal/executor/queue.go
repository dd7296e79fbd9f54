package executor

import "sync"

// Entry 为执行队列中的一条待执行订单。
type Entry struct {
	OrderID   string
	AccountID string
	Symbol    string
}

// Queue 是先进先出的执行队列。重新入队的订单排在队尾，保证队列整体持续推进。
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]struct{}
}

// NewQueue 创建执行队列。
func NewQueue() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Push 将订单加入队尾，重复入队被忽略。
func (q *Queue) Push(entry Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[entry.OrderID]; ok {
		return
	}
	q.entries = append(q.entries, entry)
	q.index[entry.OrderID] = struct{}{}
}

// PopN 取出队首最多 n 条订单。
func (q *Queue) PopN(n int) []Entry {
	if n <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.entries) {
		n = len(q.entries)
	}
	if n == 0 {
		return nil
	}

	batch := make([]Entry, n)
	copy(batch, q.entries[:n])
	q.entries = q.entries[n:]
	for _, entry := range batch {
		delete(q.index, entry.OrderID)
	}
	return batch
}

// Remove 将指定订单移出队列，撤单时使用。返回是否找到。
func (q *Queue) Remove(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[orderID]; !ok {
		return false
	}

	for i, entry := range q.entries {
		if entry.OrderID == orderID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	delete(q.index, orderID)
	return true
}

// Len 返回当前排队数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
