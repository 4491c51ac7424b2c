// Package perf computes performance snapshots from trade and equity
// history.
package perf

import (
	"math"
	"time"

	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
)

// annualization assumes one equity point per daily bar.
const annualization = 252

// Calculator derives performance snapshots. Derived only: it never owns
// state beyond the histories handed to it.
type Calculator struct {
	initialCash decimal.Decimal
}

// NewCalculator creates a calculator for a run starting with the given cash.
func NewCalculator(initialCash decimal.Decimal) *Calculator {
	return &Calculator{initialCash: initialCash}
}

// Snapshot computes a performance snapshot at now from the closed trades
// and the equity curve so far.
func (c *Calculator) Snapshot(trades []types.ClosedTrade, curve []types.EquityCurvePoint, now time.Time) types.PerformanceSnapshot {
	snap := types.PerformanceSnapshot{
		Timestamp:  now,
		TradeCount: len(trades),
	}

	var wins int
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, trade := range trades {
		if trade.PnL.IsPositive() {
			wins++
			grossProfit = grossProfit.Add(trade.PnL)
		} else if trade.PnL.IsNegative() {
			grossLoss = grossLoss.Add(trade.PnL.Abs())
		}
	}

	if len(trades) > 0 {
		snap.WinRate = float64(wins) / float64(len(trades))
	}
	if glf, _ := grossLoss.Float64(); glf > 0 {
		gpf, _ := grossProfit.Float64()
		snap.ProfitFactor = gpf / glf
	}

	if len(curve) > 0 && c.initialCash.IsPositive() {
		final := curve[len(curve)-1].Equity
		snap.TotalReturn = final.Sub(c.initialCash).Div(c.initialCash)
	}

	returns := periodReturns(curve)
	snap.SharpeRatio = sharpe(returns)
	snap.MaxDrawdown = maxDrawdown(curve)

	return snap
}

// periodReturns converts the equity curve into per-point fractional returns.
func periodReturns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

// sharpe is the annualized mean/stddev of period returns, zero risk-free.
func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return 0
	}
	return (mean / stdDev) * math.Sqrt(annualization)
}

// maxDrawdown is the largest peak-to-trough equity decline, as a fraction
// of the peak.
func maxDrawdown(curve []types.EquityCurvePoint) decimal.Decimal {
	if len(curve) == 0 {
		return decimal.Zero
	}

	maxDD := decimal.Zero
	peak := curve[0].Equity
	for _, point := range curve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(point.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	return maxDD
}
