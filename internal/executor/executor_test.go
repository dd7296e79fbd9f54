package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/config"
	"broker-core/internal/ledger"
	"broker-core/internal/marketdata"
	"broker-core/internal/order"
)

var (
	regularTime = time.Date(2025, 6, 11, 18, 0, 0, 0, time.UTC) // Wednesday 14:00 New York
	closedTime  = time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)  // 22:00 New York (Tue)
)

type memLedger struct {
	mu     sync.Mutex
	orders map[string]order.Order
}

func newMemLedger() *memLedger {
	return &memLedger{orders: make(map[string]order.Order)}
}

func (m *memLedger) put(ord order.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[ord.ID] = ord
}

func (m *memLedger) Get(_ context.Context, id string) (order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[id]
	if !ok {
		return order.Order{}, ledger.ErrNotFound
	}
	return ord, nil
}

func (m *memLedger) Transition(_ context.Context, id string, from, to order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.orders[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if !order.CanTransition(from, to) {
		return ledger.ErrIllegalTransition
	}
	if ord.Status != from {
		return ledger.ErrStaleTransition
	}
	ord.Status = to
	m.orders[id] = ord
	return nil
}

func (m *memLedger) status(id string) order.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id].Status
}

type stubGate struct {
	mu     sync.Mutex
	quotes map[string]marketdata.Quote
	errs   map[string]error
}

func newStubGate() *stubGate {
	return &stubGate{quotes: make(map[string]marketdata.Quote), errs: make(map[string]error)}
}

func (g *stubGate) set(symbol string, bid, ask, last float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = marketdata.Quote{
		Symbol: symbol, Bid: bid, Ask: ask, Last: last,
		FetchedAt: time.Now(), TTL: time.Minute,
	}
}

func (g *stubGate) fail(symbol string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errs[symbol] = err
}

func (g *stubGate) Quote(_ context.Context, symbol string) (marketdata.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[symbol]; err != nil {
		return marketdata.Quote{}, err
	}
	return g.quotes[symbol], nil
}

func (g *stubGate) Prefetch(context.Context, []string) error { return nil }

type stubSettler struct {
	mu      sync.Mutex
	failFor map[string]error
	settled []string
}

func (s *stubSettler) Settle(_ context.Context, ord order.Order, _ float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[ord.ID]; err != nil {
		return err
	}
	s.settled = append(s.settled, ord.ID)
	return nil
}

type stubAccounts struct {
	mu         sync.Mutex
	restricted bool
	released   []string
}

func (a *stubAccounts) Get(_ context.Context, accountID string) (account.State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return account.State{AccountID: accountID, Restricted: a.restricted}, nil
}

func (a *stubAccounts) ReleasePendingSell(_ context.Context, _, symbol string, _ int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, symbol)
	return nil
}

type harness struct {
	executor *Executor
	queue    *Queue
	ledger   *memLedger
	gate     *stubGate
	settler  *stubSettler
	accounts *stubAccounts
}

func newHarness(t *testing.T, at time.Time) *harness {
	t.Helper()

	calendar, err := order.NewCalendar(config.MarketConfig{
		Symbols:       []string{"AAPL", "MSFT"},
		Timezone:      "America/New_York",
		RegularOpen:   "09:30",
		RegularClose:  "16:00",
		ExtendedOpen:  "04:00",
		ExtendedClose: "20:00",
	})
	if err != nil {
		t.Fatalf("NewCalendar returned error: %v", err)
	}

	h := &harness{
		queue:    NewQueue(),
		ledger:   newMemLedger(),
		gate:     newStubGate(),
		settler:  &stubSettler{failFor: make(map[string]error)},
		accounts: &stubAccounts{},
	}
	h.executor = New(config.ExecutorConfig{
		TickInterval:  100 * time.Millisecond,
		BatchSize:     50,
		Workers:       4,
		SettleTimeout: time.Second,
	}, h.queue, h.ledger, h.gate, h.settler, h.accounts, calendar, nil, nil)
	h.executor.now = func() time.Time { return at }
	return h
}

func (h *harness) enqueue(ord order.Order) {
	h.ledger.put(ord)
	h.queue.Push(Entry{OrderID: ord.ID, AccountID: ord.AccountID, Symbol: ord.Symbol})
}

func queuedOrder(id string, side order.Side, kind order.Kind) order.Order {
	return order.Order{
		ID:          id,
		AccountID:   "acct-1",
		Symbol:      "AAPL",
		Side:        side,
		Quantity:    100,
		Kind:        kind,
		TimeInForce: order.TIFDay,
		Status:      order.StatusQueued,
	}
}

func TestTick_FillsMarketOrder(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)
	h.enqueue(queuedOrder("ord-1", order.SideBuy, order.KindMarket))

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	if got := h.ledger.status("ord-1"); got != order.StatusFilled {
		t.Errorf("expected filled, got %s", got)
	}
	if len(h.settler.settled) != 1 || h.settler.settled[0] != "ord-1" {
		t.Errorf("expected settlement of ord-1, got %v", h.settler.settled)
	}
	if h.queue.Len() != 0 {
		t.Errorf("queue should be empty, len=%d", h.queue.Len())
	}
}

func TestTick_BatchIsolatesFailures(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)

	for i := 0; i < 10; i++ {
		h.enqueue(queuedOrder(fmt.Sprintf("ord-%d", i), order.SideBuy, order.KindMarket))
	}
	h.settler.failFor["ord-7"] = fmt.Errorf("disk full")

	err := h.executor.Tick(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ord-7") {
		t.Fatalf("expected aggregated error naming ord-7, got %v", err)
	}

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("ord-%d", i)
		want := order.StatusFilled
		if id == "ord-7" {
			want = order.StatusErrored
		}
		if got := h.ledger.status(id); got != want {
			t.Errorf("%s: expected %s, got %s", id, want, got)
		}
	}
	if len(h.settler.settled) != 9 {
		t.Errorf("expected 9 settlements, got %d", len(h.settler.settled))
	}
}

func TestTick_ErroredSellReleasesReservation(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)

	h.enqueue(queuedOrder("ord-sell", order.SideSell, order.KindMarket))
	h.settler.failFor["ord-sell"] = fmt.Errorf("disk full")

	if err := h.executor.Tick(context.Background()); err == nil {
		t.Fatalf("expected settlement failure to surface")
	}

	if got := h.ledger.status("ord-sell"); got != order.StatusErrored {
		t.Errorf("expected errored, got %s", got)
	}
	// The settlement rolled back, so the shares were never sold and the
	// reservation must not stay locked.
	if len(h.accounts.released) != 1 || h.accounts.released[0] != "AAPL" {
		t.Errorf("errored sell must release its reservation, got %v", h.accounts.released)
	}
}

func TestTick_ZeroConfigUsesDefaults(t *testing.T) {
	h := newHarness(t, regularTime)
	h.executor.cfg = config.ExecutorConfig{}
	h.gate.set("AAPL", 199.9, 200.1, 200)
	h.enqueue(queuedOrder("ord-1", order.SideBuy, order.KindMarket))

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if got := h.ledger.status("ord-1"); got != order.StatusFilled {
		t.Errorf("zero-value config must still drain the queue, got %s", got)
	}
}

func TestTick_QuoteUnavailableRequeues(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.fail("AAPL", marketdata.ErrUnavailable)
	h.enqueue(queuedOrder("ord-1", order.SideBuy, order.KindMarket))

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("quote outage must not surface as order error, got %v", err)
	}

	if got := h.ledger.status("ord-1"); got != order.StatusQueued {
		t.Errorf("expected order to stay queued, got %s", got)
	}
	if h.queue.Len() != 1 {
		t.Errorf("expected requeue, len=%d", h.queue.Len())
	}
	if len(h.settler.settled) != 0 {
		t.Errorf("nothing should settle, got %v", h.settler.settled)
	}
}

func TestTick_UnexpectedQuoteErrorSurfacesAndRequeues(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.fail("AAPL", fmt.Errorf("malformed provider response"))
	h.enqueue(queuedOrder("ord-1", order.SideBuy, order.KindMarket))

	if err := h.executor.Tick(context.Background()); err == nil {
		t.Fatalf("unexpected quote error must surface in the tick result")
	}

	if got := h.ledger.status("ord-1"); got != order.StatusQueued {
		t.Errorf("expected order to stay queued, got %s", got)
	}
	if h.queue.Len() != 1 {
		t.Errorf("expected requeue, len=%d", h.queue.Len())
	}
}

func TestTick_LimitFeasibility(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)

	buy := queuedOrder("ord-buy", order.SideBuy, order.KindLimit)
	buy.LimitPrice = 199 // below the ask, cannot fill
	h.enqueue(buy)

	sell := queuedOrder("ord-sell", order.SideSell, order.KindLimit)
	sell.LimitPrice = 199 // bid above limit, fills
	h.enqueue(sell)

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	if got := h.ledger.status("ord-buy"); got != order.StatusQueued {
		t.Errorf("infeasible buy must stay queued, got %s", got)
	}
	if got := h.ledger.status("ord-sell"); got != order.StatusFilled {
		t.Errorf("feasible sell must fill, got %s", got)
	}
	if h.queue.Len() != 1 {
		t.Errorf("expected one requeued order, len=%d", h.queue.Len())
	}
}

func TestTick_StopTrigger(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)

	stop := queuedOrder("ord-stop", order.SideBuy, order.KindStop)
	stop.StopPrice = 205 // last 200 below trigger
	h.enqueue(stop)

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if got := h.ledger.status("ord-stop"); got != order.StatusQueued {
		t.Errorf("untriggered stop must stay queued, got %s", got)
	}

	h.gate.set("AAPL", 205.9, 206.1, 206)
	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if got := h.ledger.status("ord-stop"); got != order.StatusFilled {
		t.Errorf("triggered stop must fill, got %s", got)
	}
}

func TestTick_DayOrderCancelledWhenClosed(t *testing.T) {
	h := newHarness(t, closedTime)
	h.enqueue(queuedOrder("ord-day", order.SideSell, order.KindMarket))

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	if got := h.ledger.status("ord-day"); got != order.StatusCancelled {
		t.Errorf("day order must cancel when closed, got %s", got)
	}
	if len(h.accounts.released) != 1 {
		t.Errorf("cancelled sell must release its reservation, got %v", h.accounts.released)
	}
	if h.queue.Len() != 0 {
		t.Errorf("cancelled order must leave the queue, len=%d", h.queue.Len())
	}
}

func TestTick_GTCOrderWaitsWhenClosed(t *testing.T) {
	h := newHarness(t, closedTime)
	ord := queuedOrder("ord-gtc", order.SideBuy, order.KindMarket)
	ord.TimeInForce = order.TIFGTC
	h.enqueue(ord)

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	if got := h.ledger.status("ord-gtc"); got != order.StatusQueued {
		t.Errorf("gtc order must stay queued when closed, got %s", got)
	}
	if h.queue.Len() != 1 {
		t.Errorf("expected requeue, len=%d", h.queue.Len())
	}
}

func TestTick_RestrictedAccountRejected(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)
	h.accounts.restricted = true
	h.enqueue(queuedOrder("ord-1", order.SideSell, order.KindMarket))

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}

	if got := h.ledger.status("ord-1"); got != order.StatusRejected {
		t.Errorf("expected rejection, got %s", got)
	}
	if len(h.accounts.released) != 1 {
		t.Errorf("rejected sell must release its reservation")
	}
}

func TestTick_SkipsCancelledOrders(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)

	ord := queuedOrder("ord-1", order.SideBuy, order.KindMarket)
	h.enqueue(ord)

	// Cancellation races the tick: the order left the ledger queue state
	// but is still in the in-memory queue.
	if err := h.ledger.Transition(context.Background(), "ord-1", order.StatusQueued, order.StatusCancelled); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if err := h.executor.Tick(context.Background()); err != nil {
		t.Fatalf("Tick returned error: %v", err)
	}
	if len(h.settler.settled) != 0 {
		t.Errorf("cancelled order must not settle, got %v", h.settler.settled)
	}
	if got := h.ledger.status("ord-1"); got != order.StatusCancelled {
		t.Errorf("status must stay cancelled, got %s", got)
	}
}

func TestTick_ExecutionPriceUsesCounterSide(t *testing.T) {
	h := newHarness(t, regularTime)
	h.gate.set("AAPL", 199.9, 200.1, 200)

	quote := marketdata.Quote{Bid: 199.9, Ask: 200.1, Last: 200}
	buy := queuedOrder("b", order.SideBuy, order.KindMarket)
	sell := queuedOrder("s", order.SideSell, order.KindMarket)

	if got := executionPrice(buy, quote); got != 200.1 {
		t.Errorf("buy must cross the ask, got %f", got)
	}
	if got := executionPrice(sell, quote); got != 199.9 {
		t.Errorf("sell must hit the bid, got %f", got)
	}
}
