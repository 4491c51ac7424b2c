// Package analyzer aggregates closed trades per strategy, flags streak
// anomalies and proposes bounded parameter adjustments.
package analyzer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	winStreakThreshold  = 3
	lossStreakThreshold = 2
	rejectionThreshold  = 3

	// Advisory deltas for an entry threshold are clamped to this band.
	deltaStep = 0.02
	deltaMin  = -0.05
	deltaMax  = 0.05
)

// StrategyStats aggregates closed-trade outcomes for one strategy.
type StrategyStats struct {
	Strategy   string                           `json:"strategy"`
	TradeCount int                              `json:"tradeCount"`
	WinCount   int                              `json:"winCount"`
	TotalPnL   decimal.Decimal                  `json:"totalPnl"`
	AvgPnL     decimal.Decimal                  `json:"avgPnl"`
	WinRate    float64                          `json:"winRate"`
	ByRegime   map[types.Regime]*RegimeOutcomes `json:"byRegime"`
}

// RegimeOutcomes buckets a strategy's trades by the regime at entry.
type RegimeOutcomes struct {
	TradeCount int             `json:"tradeCount"`
	WinCount   int             `json:"winCount"`
	TotalPnL   decimal.Decimal `json:"totalPnl"`
}

// Report is the analyzer output for one review window.
type Report struct {
	Stats           map[string]*StrategyStats `json:"stats"`
	Anomalies       []types.Anomaly           `json:"anomalies"`
	Recommendations []types.ParameterDelta    `json:"recommendations"`
	TradesReviewed  int                       `json:"tradesReviewed"`
}

// Analyzer matches entry and exit fills into closed trades and reviews
// recent outcomes. FIFO matching per symbol; every closed trade is tagged
// with the regime active at entry.
type Analyzer struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	minTrades int

	openLots map[string][]*lot // symbol -> FIFO entry lots
	closed   []types.ClosedTrade
}

type lot struct {
	strategy string
	quantity decimal.Decimal
	price    decimal.Decimal
	regime   types.Regime
	fill     types.Fill
}

// New creates an analyzer. minTrades is the floor below which the review
// emits no recommendations.
func New(logger *zap.Logger, minTrades int) *Analyzer {
	return &Analyzer{
		logger:    logger.Named("analyzer"),
		minTrades: minTrades,
		openLots:  make(map[string][]*lot),
	}
}

// RecordFill folds a fill into the open-lot ledger. Buys open lots;
// sells consume lots FIFO, producing closed trades. entryRegime is the
// regime active when the fill happened.
func (a *Analyzer) RecordFill(fill types.Fill, entryRegime types.Regime) []types.ClosedTrade {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fill.Side == types.OrderSideBuy {
		a.openLots[fill.Symbol] = append(a.openLots[fill.Symbol], &lot{
			strategy: fill.Tag,
			quantity: fill.Quantity,
			price:    fill.Price,
			regime:   entryRegime,
			fill:     fill,
		})
		return nil
	}

	var closed []types.ClosedTrade
	remaining := fill.Quantity
	lots := a.openLots[fill.Symbol]

	for len(lots) > 0 && remaining.IsPositive() {
		entry := lots[0]
		matched := decimal.Min(entry.quantity, remaining)

		pnl := matched.Mul(fill.Price.Sub(entry.price))
		ret := 0.0
		if entry.price.IsPositive() {
			r, _ := fill.Price.Sub(entry.price).Div(entry.price).Float64()
			ret = r
		}

		trade := types.ClosedTrade{
			ID:          uuid.New().String(),
			Strategy:    entry.strategy,
			Symbol:      fill.Symbol,
			Quantity:    matched,
			EntryPrice:  entry.price,
			ExitPrice:   fill.Price,
			PnL:         pnl,
			Return:      ret,
			EntryRegime: entry.regime,
			EntryAt:     entry.fill.Timestamp,
			ExitAt:      fill.Timestamp,
		}
		closed = append(closed, trade)
		a.closed = append(a.closed, trade)

		entry.quantity = entry.quantity.Sub(matched)
		remaining = remaining.Sub(matched)
		if entry.quantity.IsZero() {
			lots = lots[1:]
		}
	}
	a.openLots[fill.Symbol] = lots

	return closed
}

// ClosedTrades returns a copy of all closed trades in close order.
func (a *Analyzer) ClosedTrades() []types.ClosedTrade {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.ClosedTrade, len(a.closed))
	copy(out, a.closed)
	return out
}

// Review analyzes the most recent windowSize closed trades together with
// the rejections seen since the last review.
func (a *Analyzer) Review(windowSize int, rejections []types.Rejection) *Report {
	a.mu.RLock()
	trades := a.closed
	if windowSize > 0 && len(trades) > windowSize {
		trades = trades[len(trades)-windowSize:]
	}
	window := make([]types.ClosedTrade, len(trades))
	copy(window, trades)
	a.mu.RUnlock()

	report := &Report{
		Stats:          make(map[string]*StrategyStats),
		TradesReviewed: len(window),
	}

	for _, trade := range window {
		stats, ok := report.Stats[trade.Strategy]
		if !ok {
			stats = &StrategyStats{
				Strategy: trade.Strategy,
				ByRegime: make(map[types.Regime]*RegimeOutcomes),
			}
			report.Stats[trade.Strategy] = stats
		}

		stats.TradeCount++
		stats.TotalPnL = stats.TotalPnL.Add(trade.PnL)
		if trade.PnL.IsPositive() {
			stats.WinCount++
		}

		bucket, ok := stats.ByRegime[trade.EntryRegime]
		if !ok {
			bucket = &RegimeOutcomes{}
			stats.ByRegime[trade.EntryRegime] = bucket
		}
		bucket.TradeCount++
		bucket.TotalPnL = bucket.TotalPnL.Add(trade.PnL)
		if trade.PnL.IsPositive() {
			bucket.WinCount++
		}
	}

	for _, stats := range report.Stats {
		if stats.TradeCount > 0 {
			stats.AvgPnL = stats.TotalPnL.Div(decimal.NewFromInt(int64(stats.TradeCount)))
			stats.WinRate = float64(stats.WinCount) / float64(stats.TradeCount)
		}
	}

	report.Anomalies = append(report.Anomalies, streakAnomalies(window)...)
	report.Anomalies = append(report.Anomalies, rejectionAnomalies(rejections)...)

	if len(window) >= a.minTrades {
		report.Recommendations = recommendations(report.Stats)
	}

	if len(report.Anomalies) > 0 {
		a.logger.Debug("anomalies flagged", zap.Int("count", len(report.Anomalies)))
	}
	return report
}

// streakAnomalies flags >=3 consecutive wins or >=2 consecutive losses
// per strategy, in trade close order.
func streakAnomalies(trades []types.ClosedTrade) []types.Anomaly {
	type streak struct {
		wins   int
		losses int
	}
	streaks := make(map[string]*streak)
	var anomalies []types.Anomaly

	for _, trade := range trades {
		s, ok := streaks[trade.Strategy]
		if !ok {
			s = &streak{}
			streaks[trade.Strategy] = s
		}

		if trade.PnL.IsPositive() {
			s.wins++
			s.losses = 0
		} else {
			// Break-even trades count as losses: a trade that does not pay
			// for its own costs extends the loss streak.
			s.losses++
			s.wins = 0
		}
	}

	ordered := make([]string, 0, len(streaks))
	for strategy := range streaks {
		ordered = append(ordered, strategy)
	}
	sort.Strings(ordered)

	for _, strategy := range ordered {
		s := streaks[strategy]
		switch {
		case s.losses >= lossStreakThreshold:
			anomalies = append(anomalies, types.Anomaly{
				Kind:     "loss_streak",
				Strategy: strategy,
				Length:   s.losses,
				Detail:   fmt.Sprintf("%d consecutive losing trades", s.losses),
			})
		case s.wins >= winStreakThreshold:
			anomalies = append(anomalies, types.Anomaly{
				Kind:     "win_streak",
				Strategy: strategy,
				Length:   s.wins,
				Detail:   fmt.Sprintf("%d consecutive winning trades", s.wins),
			})
		}
	}
	return anomalies
}

// rejectionAnomalies flags strategies whose orders keep bouncing off the
// broker: repeated rejections mean sizing is miscalibrated.
func rejectionAnomalies(rejections []types.Rejection) []types.Anomaly {
	counts := make(map[string]int)
	for _, r := range rejections {
		if r.Tag != "" {
			counts[r.Tag]++
		}
	}

	strategies := make([]string, 0, len(counts))
	for strategy := range counts {
		strategies = append(strategies, strategy)
	}
	sort.Strings(strategies)

	var anomalies []types.Anomaly
	for _, strategy := range strategies {
		if counts[strategy] >= rejectionThreshold {
			anomalies = append(anomalies, types.Anomaly{
				Kind:     "rejection_rate",
				Strategy: strategy,
				Length:   counts[strategy],
				Detail:   fmt.Sprintf("%d rejected orders in review window", counts[strategy]),
			})
		}
	}
	return anomalies
}

// recommendations proposes clamped entry-threshold deltas: a strategy
// winning under 40% of trades gets a tightening nudge, over 60% a
// relaxing one. Deltas never leave [deltaMin, deltaMax].
func recommendations(stats map[string]*StrategyStats) []types.ParameterDelta {
	strategies := make([]string, 0, len(stats))
	for strategy := range stats {
		strategies = append(strategies, strategy)
	}
	sort.Strings(strategies)

	var deltas []types.ParameterDelta
	for _, strategy := range strategies {
		s := stats[strategy]
		if s.TradeCount == 0 {
			continue
		}

		var delta float64
		var reason string
		switch {
		case s.WinRate < 0.40:
			delta = clamp(deltaStep, deltaMin, deltaMax)
			reason = fmt.Sprintf("win rate %.0f%% below 40%%, tighten entry", s.WinRate*100)
		case s.WinRate > 0.60:
			delta = clamp(-deltaStep, deltaMin, deltaMax)
			reason = fmt.Sprintf("win rate %.0f%% above 60%%, relax entry", s.WinRate*100)
		default:
			continue
		}

		deltas = append(deltas, types.ParameterDelta{
			Strategy:  strategy,
			Parameter: "entry_threshold",
			Delta:     delta,
			Min:       deltaMin,
			Max:       deltaMax,
			Reason:    reason,
		})
	}
	return deltas
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
