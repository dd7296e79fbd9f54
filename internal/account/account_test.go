package account

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"broker-core/internal/config"
	"broker-core/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s, err := New(st, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return s
}

func seedAccount(t *testing.T, s *Store, cash int64) State {
	t.Helper()

	state := State{
		AccountID:           "acct-1",
		Cash:                decimal.NewFromInt(cash),
		BuyingPower:         decimal.NewFromInt(cash),
		DayTradeBuyingPower: decimal.NewFromInt(cash * 4),
		MarginUsed:          decimal.Zero,
		Equity:              decimal.NewFromInt(cash),
	}
	if err := s.Save(context.Background(), state); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	return state
}

func TestSaveAndGet_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, 50000)

	got, err := s.Get(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !got.Cash.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("expected cash 50000, got %s", got.Cash)
	}
	if got.Restricted {
		t.Errorf("expected unrestricted account")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPosition_ZeroValueWhenAbsent(t *testing.T) {
	s := newTestStore(t)

	pos, err := s.GetPosition(context.Background(), "acct-1", "AAPL")
	if err != nil {
		t.Fatalf("GetPosition returned error: %v", err)
	}
	if pos.Quantity != 0 || pos.PendingSell != 0 {
		t.Errorf("expected empty position, got %+v", pos)
	}
	if pos.Symbol != "AAPL" {
		t.Errorf("expected symbol to be filled in, got %q", pos.Symbol)
	}
}

func TestReservePendingSell_GuardsAvailableQuantity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, 50000)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	pos := Position{AccountID: "acct-1", Symbol: "AAPL", Quantity: 100, AvgCost: decimal.NewFromInt(150)}
	if err := s.SavePositionTx(ctx, tx, pos); err != nil {
		t.Fatalf("SavePositionTx returned error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	if err := s.ReservePendingSell(ctx, "acct-1", "AAPL", 60); err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}

	// Only 40 shares remain available.
	if err := s.ReservePendingSell(ctx, "acct-1", "AAPL", 50); !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}

	if err := s.ReleasePendingSell(ctx, "acct-1", "AAPL", 60); err != nil {
		t.Fatalf("ReleasePendingSell returned error: %v", err)
	}
	if err := s.ReservePendingSell(ctx, "acct-1", "AAPL", 100); err != nil {
		t.Fatalf("full reservation after release should succeed: %v", err)
	}

	got, err := s.GetPosition(ctx, "acct-1", "AAPL")
	if err != nil {
		t.Fatalf("GetPosition returned error: %v", err)
	}
	if got.Available() != 0 {
		t.Errorf("expected zero available quantity, got %d", got.Available())
	}
}

func TestReservePendingSell_NoPosition(t *testing.T) {
	s := newTestStore(t)

	err := s.ReservePendingSell(context.Background(), "acct-1", "AAPL", 10)
	if !errors.Is(err, ErrInsufficientPosition) {
		t.Fatalf("expected ErrInsufficientPosition, got %v", err)
	}
}

func TestSavePositionTx_RejectsInvalidQuantities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	bad := Position{AccountID: "acct-1", Symbol: "AAPL", Quantity: 10, PendingSell: 20, AvgCost: decimal.Zero}
	if err := s.SavePositionTx(ctx, tx, bad); err == nil {
		t.Fatalf("expected error when pending sell exceeds quantity")
	}

	negative := Position{AccountID: "acct-1", Symbol: "AAPL", Quantity: -1, AvgCost: decimal.Zero}
	if err := s.SavePositionTx(ctx, tx, negative); err == nil {
		t.Fatalf("expected error for negative quantity")
	}
}

func TestSavePositionTx_DeletesZeroPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx returned error: %v", err)
	}
	pos := Position{AccountID: "acct-1", Symbol: "AAPL", Quantity: 100, AvgCost: decimal.NewFromInt(150)}
	if err := s.SavePositionTx(ctx, tx, pos); err != nil {
		t.Fatalf("SavePositionTx returned error: %v", err)
	}
	pos.Quantity = 0
	pos.AvgCost = decimal.Zero
	if err := s.SavePositionTx(ctx, tx, pos); err != nil {
		t.Fatalf("SavePositionTx returned error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}

	positions, err := s.ListPositions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListPositions returned error: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %d", len(positions))
	}
}
