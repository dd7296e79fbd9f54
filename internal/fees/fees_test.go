package fees

import (
	"testing"

	"github.com/shopspring/decimal"

	"broker-core/internal/order"
)

func TestCommission_Tiers(t *testing.T) {
	cases := []struct {
		name     string
		notional string
		want     string
	}{
		{"below free tier", "500", "0"},
		{"just under free tier", "999.99", "0"},
		{"low tier lower bound", "1000", "0.50"},
		{"low tier", "5000", "0.50"},
		{"low tier upper bound", "10000", "0.50"},
		{"mid tier", "50000", "1.00"},
		{"mid tier upper bound", "100000", "1.00"},
		{"rate based capped", "200000", "5.00"},
		{"large order capped", "1000000", "5.00"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Commission(decimal.RequireFromString(tc.notional))
			want := decimal.RequireFromString(tc.want)
			if !got.Equal(want) {
				t.Errorf("Commission(%s) = %s, want %s", tc.notional, got, want)
			}
		})
	}
}

func TestRegulatory_SellOnly(t *testing.T) {
	notional := decimal.RequireFromString("50000")

	if got := Regulatory(order.SideBuy, notional, 500); !got.IsZero() {
		t.Errorf("buy orders must not pay regulatory fees, got %s", got)
	}

	got := Regulatory(order.SideSell, notional, 500)
	// 50000*0.0000051 + 500*0.000166 = 0.255 + 0.083 = 0.338 -> 0.34
	want := decimal.RequireFromString("0.34")
	if !got.Equal(want) {
		t.Errorf("Regulatory(sell, 50000, 500) = %s, want %s", got, want)
	}
}

func TestCalculate_TotalAddsUp(t *testing.T) {
	notional := decimal.RequireFromString("50000")
	got := Calculate(order.SideSell, notional, 500)

	if !got.Total.Equal(got.Commission.Add(got.Regulatory)) {
		t.Errorf("Total %s != Commission %s + Regulatory %s", got.Total, got.Commission, got.Regulatory)
	}
	if !got.Commission.Equal(decimal.RequireFromString("1.00")) {
		t.Errorf("Commission = %s, want 1.00", got.Commission)
	}
}
