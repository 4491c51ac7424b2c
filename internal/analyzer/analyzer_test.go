// Package analyzer_test provides tests for the trade outcome analyzer.
package analyzer_test

import (
	"testing"
	"time"

	"github.com/quantfold/papertrader/internal/analyzer"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func fill(symbol, tag string, side types.OrderSide, qty, price int64, at int) types.Fill {
	return types.Fill{
		OrderID:   "o",
		Symbol:    symbol,
		Side:      side,
		Quantity:  decimal.NewFromInt(qty),
		Price:     decimal.NewFromInt(price),
		Tag:       tag,
		Timestamp: time.Date(2024, 1, 1, at, 0, 0, 0, time.UTC),
	}
}

func TestFIFOMatching(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 1)

	a.RecordFill(fill("X", "momentum", types.OrderSideBuy, 10, 100, 1), types.RegimeRanging)
	a.RecordFill(fill("X", "breakout", types.OrderSideBuy, 10, 110, 2), types.RegimeTrendingUp)

	// Sell 15 at 120: consumes the full first lot and half of the second.
	closed := a.RecordFill(fill("X", "momentum", types.OrderSideSell, 15, 120, 3), types.RegimeTrendingUp)

	if len(closed) != 2 {
		t.Fatalf("expected 2 closed trades, got %d", len(closed))
	}

	first := closed[0]
	if first.Strategy != "momentum" || !first.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("first closed trade incorrect: %+v", first)
	}
	if !first.PnL.Equal(decimal.NewFromInt(200)) { // 10 * (120-100)
		t.Errorf("first pnl incorrect: %s", first.PnL)
	}
	if first.EntryRegime != types.RegimeRanging {
		t.Errorf("entry regime not carried: %s", first.EntryRegime)
	}

	second := closed[1]
	if second.Strategy != "breakout" || !second.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("second closed trade incorrect: %+v", second)
	}
	if !second.PnL.Equal(decimal.NewFromInt(50)) { // 5 * (120-110)
		t.Errorf("second pnl incorrect: %s", second.PnL)
	}
}

func TestLossStreakAnomaly(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 1)

	// Two consecutive losing trades for strategy A.
	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 1), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 90, 2), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 3), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 95, 4), types.RegimeRanging)

	report := a.Review(30, nil)

	var found *types.Anomaly
	for i := range report.Anomalies {
		if report.Anomalies[i].Kind == "loss_streak" && report.Anomalies[i].Strategy == "A" {
			found = &report.Anomalies[i]
		}
	}
	if found == nil {
		t.Fatalf("expected loss_streak anomaly, got %+v", report.Anomalies)
	}
	if found.Length != 2 {
		t.Errorf("loss streak length incorrect: %d", found.Length)
	}
}

func TestWinStreakAnomaly(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 1)

	for i := 0; i < 3; i++ {
		a.RecordFill(fill("X", "B", types.OrderSideBuy, 1, 100, 2*i), types.RegimeRanging)
		a.RecordFill(fill("X", "B", types.OrderSideSell, 1, 110, 2*i+1), types.RegimeRanging)
	}

	report := a.Review(30, nil)
	found := false
	for _, anomaly := range report.Anomalies {
		if anomaly.Kind == "win_streak" && anomaly.Strategy == "B" && anomaly.Length == 3 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected win_streak(3), got %+v", report.Anomalies)
	}
}

func TestBreakEvenTradesExtendLossStreak(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 1)

	// Two flat round trips: zero PnL is not a win.
	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 1), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 100, 2), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 3), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 100, 4), types.RegimeRanging)

	report := a.Review(30, nil)
	found := false
	for _, anomaly := range report.Anomalies {
		if anomaly.Kind == "loss_streak" && anomaly.Strategy == "A" && anomaly.Length == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected loss_streak(2) from break-even trades, got %+v", report.Anomalies)
	}
}

func TestRegimeConditionedStats(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 1)

	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 1), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 120, 2), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 3), types.RegimeVolatile)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 80, 4), types.RegimeVolatile)

	report := a.Review(30, nil)
	stats := report.Stats["A"]
	if stats == nil {
		t.Fatal("missing stats for strategy A")
	}
	if stats.TradeCount != 2 || stats.WinCount != 1 {
		t.Errorf("aggregate stats incorrect: %+v", stats)
	}
	if !stats.TotalPnL.Equal(decimal.Zero) {
		t.Errorf("total pnl incorrect: %s", stats.TotalPnL)
	}

	ranging := stats.ByRegime[types.RegimeRanging]
	if ranging == nil || ranging.WinCount != 1 || ranging.TradeCount != 1 {
		t.Errorf("ranging bucket incorrect: %+v", ranging)
	}
	volatile := stats.ByRegime[types.RegimeVolatile]
	if volatile == nil || volatile.WinCount != 0 || volatile.TradeCount != 1 {
		t.Errorf("volatile bucket incorrect: %+v", volatile)
	}
}

func TestRecommendationsAreBounded(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 2)

	// Strategy with a poor win rate earns a tightening nudge.
	for i := 0; i < 5; i++ {
		a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 2*i), types.RegimeRanging)
		a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 90, 2*i+1), types.RegimeRanging)
	}

	report := a.Review(30, nil)
	if len(report.Recommendations) == 0 {
		t.Fatal("expected a recommendation")
	}
	for _, rec := range report.Recommendations {
		if rec.Delta < rec.Min || rec.Delta > rec.Max {
			t.Errorf("delta %v outside bounds [%v, %v]", rec.Delta, rec.Min, rec.Max)
		}
	}
}

func TestMinTradesSuppressesRecommendations(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 10)

	a.RecordFill(fill("X", "A", types.OrderSideBuy, 1, 100, 1), types.RegimeRanging)
	a.RecordFill(fill("X", "A", types.OrderSideSell, 1, 90, 2), types.RegimeRanging)

	report := a.Review(30, nil)
	if len(report.Recommendations) != 0 {
		t.Errorf("recommendations emitted below min trades: %+v", report.Recommendations)
	}
}

func TestRejectionRateAnomaly(t *testing.T) {
	a := analyzer.New(zap.NewNop(), 1)

	rejections := []types.Rejection{
		{Reason: types.RejectInsufficientCash, Tag: "A"},
		{Reason: types.RejectInsufficientCash, Tag: "A"},
		{Reason: types.RejectInsufficientCash, Tag: "A"},
		{Reason: types.RejectNoPrice, Tag: "B"},
	}

	report := a.Review(30, rejections)
	found := false
	for _, anomaly := range report.Anomalies {
		if anomaly.Kind == "rejection_rate" && anomaly.Strategy == "A" {
			found = true
		}
		if anomaly.Kind == "rejection_rate" && anomaly.Strategy == "B" {
			t.Error("B should be below the rejection threshold")
		}
	}
	if !found {
		t.Errorf("expected rejection_rate anomaly for A, got %+v", report.Anomalies)
	}
}
