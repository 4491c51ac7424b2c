// Package broker_test provides tests for the simulated broker.
package broker_test

import (
	"testing"
	"time"

	"github.com/quantfold/papertrader/internal/broker"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newBroker(t *testing.T, cash int64, feeBps, slipBps int64) *broker.Broker {
	t.Helper()
	return broker.New(zap.NewNop(),
		decimal.NewFromInt(cash),
		decimal.NewFromInt(feeBps),
		decimal.NewFromInt(slipBps),
		broker.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
}

func marketOrder(symbol string, side types.OrderSide, qty int64) types.Order {
	return types.Order{
		ID:       "ord-" + symbol + "-" + string(side),
		Symbol:   symbol,
		Side:     side,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromInt(qty),
	}
}

func TestBuyScenario(t *testing.T) {
	// Start cash=100000; BUY 10 of X at mark 100 with zero friction.
	b := newBroker(t, 100000, 0, 0)
	b.SetPrice("X", decimal.NewFromInt(100))

	fill, rejection := b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 10))
	if rejection != nil {
		t.Fatalf("unexpected rejection: %+v", rejection)
	}
	if !fill.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("fill price incorrect: %s", fill.Price)
	}
	if !fill.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("fill quantity incorrect: %s", fill.Quantity)
	}

	pf := b.Portfolio()
	if !pf.Cash.Equal(decimal.NewFromInt(99000)) {
		t.Errorf("cash after buy incorrect: %s", pf.Cash)
	}
	pos := pf.Positions["X"]
	if pos == nil {
		t.Fatal("position not created")
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) || !pos.AvgPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("position incorrect: qty=%s avg=%s", pos.Quantity, pos.AvgPrice)
	}
}

func TestInsufficientCashNeverPartiallyFills(t *testing.T) {
	b := newBroker(t, 500, 0, 0)
	b.SetPrice("X", decimal.NewFromInt(100))

	fill, rejection := b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 10))
	if fill != nil {
		t.Fatalf("expected rejection, got fill %+v", fill)
	}
	if rejection.Reason != types.RejectInsufficientCash {
		t.Errorf("expected INSUFFICIENT_CASH, got %s", rejection.Reason)
	}

	pf := b.Portfolio()
	if !pf.Cash.Equal(decimal.NewFromInt(500)) {
		t.Errorf("cash mutated on rejection: %s", pf.Cash)
	}
	if len(pf.Positions) != 0 {
		t.Error("position created on rejection")
	}
}

func TestRejectionReasons(t *testing.T) {
	b := newBroker(t, 100000, 0, 0)
	b.SetPrice("X", decimal.NewFromInt(100))

	cases := []struct {
		name   string
		order  types.Order
		reason types.RejectReason
	}{
		{
			name: "zero quantity",
			order: types.Order{ID: "o1", Symbol: "X", Side: types.OrderSideBuy,
				Type: types.OrderTypeMarket, Quantity: decimal.Zero},
			reason: types.RejectInvalidQuantity,
		},
		{
			name: "bad side",
			order: types.Order{ID: "o2", Symbol: "X", Side: "hold",
				Type: types.OrderTypeMarket, Quantity: decimal.NewFromInt(1)},
			reason: types.RejectInvalidSide,
		},
		{
			name:   "no mark price",
			order:  marketOrder("UNKNOWN", types.OrderSideBuy, 1),
			reason: types.RejectNoPrice,
		},
		{
			name:   "sell without position",
			order:  marketOrder("X", types.OrderSideSell, 1),
			reason: types.RejectInsufficientPosition,
		},
		{
			name: "buy limit below mark",
			order: types.Order{ID: "o5", Symbol: "X", Side: types.OrderSideBuy,
				Type: types.OrderTypeLimit, Quantity: decimal.NewFromInt(1),
				LimitPrice: decimal.NewFromInt(90)},
			reason: types.RejectLimitNotMarketable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fill, rejection := b.SubmitOrder(tc.order)
			if fill != nil {
				t.Fatalf("expected rejection, got fill")
			}
			if rejection.Reason != tc.reason {
				t.Errorf("expected %s, got %s", tc.reason, rejection.Reason)
			}
		})
	}
}

func TestMarketableLimitFills(t *testing.T) {
	b := newBroker(t, 100000, 0, 0)
	b.SetPrice("X", decimal.NewFromInt(100))

	order := types.Order{
		ID: "lim-1", Symbol: "X", Side: types.OrderSideBuy,
		Type: types.OrderTypeLimit, Quantity: decimal.NewFromInt(5),
		LimitPrice: decimal.NewFromInt(105),
	}
	fill, rejection := b.SubmitOrder(order)
	if rejection != nil {
		t.Fatalf("marketable buy limit rejected: %+v", rejection)
	}
	// Fills at mark, not at the limit.
	if !fill.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("limit fill price incorrect: %s", fill.Price)
	}
}

func TestWeightedAverageAndRealizedPnL(t *testing.T) {
	b := newBroker(t, 100000, 0, 0)
	b.SetPrice("X", decimal.NewFromInt(100))

	b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 10))
	b.SetPrice("X", decimal.NewFromInt(120))
	b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 10))

	pf := b.Portfolio()
	pos := pf.Positions["X"]
	if !pos.AvgPrice.Equal(decimal.NewFromInt(110)) {
		t.Errorf("weighted average incorrect: %s", pos.AvgPrice)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(20)) {
		t.Errorf("quantity incorrect: %s", pos.Quantity)
	}

	// Partial reduce at 130: realized = 10 * (130-110) = 200.
	b.SetPrice("X", decimal.NewFromInt(130))
	b.SubmitOrder(marketOrder("X", types.OrderSideSell, 10))

	pos = b.Portfolio().Positions["X"]
	if !pos.RealizedPnL.Equal(decimal.NewFromInt(200)) {
		t.Errorf("realized pnl incorrect: %s", pos.RealizedPnL)
	}
	if !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("remaining quantity incorrect: %s", pos.Quantity)
	}

	// Full close removes the position.
	b.SubmitOrder(marketOrder("X", types.OrderSideSell, 10))
	if b.Portfolio().Positions["X"] != nil {
		t.Error("position should be removed at zero quantity")
	}
}

func TestFeesAndSlippage(t *testing.T) {
	// 10 bps fee, 5 bps slippage.
	b := newBroker(t, 100000, 10, 5)
	b.SetPrice("X", decimal.NewFromInt(10000))

	fill, rejection := b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 1))
	if rejection != nil {
		t.Fatalf("unexpected rejection: %+v", rejection)
	}

	// Buy slips up: 10000 * (1 + 0.0005) = 10005.
	if !fill.Price.Equal(decimal.NewFromInt(10005)) {
		t.Errorf("slipped price incorrect: %s", fill.Price)
	}
	// Fee = 10005 * 0.001 = 10.005.
	if !fill.Fee.Equal(decimal.NewFromFloat(10.005)) {
		t.Errorf("fee incorrect: %s", fill.Fee)
	}

	pf := b.Portfolio()
	expectedCash := decimal.NewFromInt(100000).Sub(decimal.NewFromInt(10005)).Sub(decimal.NewFromFloat(10.005))
	if !pf.Cash.Equal(expectedCash) {
		t.Errorf("cash incorrect: expected %s, got %s", expectedCash, pf.Cash)
	}
	if !pf.CumulativeFees.Equal(fill.Fee) {
		t.Errorf("cumulative fees incorrect: %s", pf.CumulativeFees)
	}
}

func TestEquityTwoWaysAgree(t *testing.T) {
	b := newBroker(t, 100000, 10, 5)
	b.SetPrice("X", decimal.NewFromInt(100))
	b.SetPrice("Y", decimal.NewFromInt(50))

	b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 100))
	b.SubmitOrder(marketOrder("Y", types.OrderSideBuy, 200))
	b.SetPrice("X", decimal.NewFromInt(110))
	b.SubmitOrder(marketOrder("X", types.OrderSideSell, 40))
	b.SetPrice("Y", decimal.NewFromInt(45))
	b.SubmitOrder(marketOrder("Y", types.OrderSideSell, 200))

	equity := b.Equity()
	ledger := b.LedgerEquity()
	tolerance := decimal.NewFromFloat(1e-9)
	if equity.Sub(ledger).Abs().GreaterThan(tolerance) {
		t.Errorf("equity computations disagree: portfolio=%s ledger=%s", equity, ledger)
	}

	// No shorting, no negative cash anywhere along the way.
	pf := b.Portfolio()
	if pf.Cash.IsNegative() {
		t.Errorf("cash went negative: %s", pf.Cash)
	}
	for symbol, pos := range pf.Positions {
		if pos.Quantity.IsNegative() {
			t.Errorf("position %s went negative: %s", symbol, pos.Quantity)
		}
	}
}

func TestSetPriceNeverTriggersFills(t *testing.T) {
	b := newBroker(t, 100000, 0, 0)
	b.SetPrice("X", decimal.NewFromInt(100))
	b.SubmitOrder(marketOrder("X", types.OrderSideBuy, 10))
	b.SetExitLevels("X", decimal.NewFromInt(95), decimal.NewFromInt(120))

	before := len(b.Fills())
	b.SetPrice("X", decimal.NewFromInt(50)) // far through the stop
	if len(b.Fills()) != before {
		t.Error("SetPrice produced a fill; exits must come from the monitor")
	}
}
