// Package engine runs the paper trading loop: one bar in, at most a few
// orders out, one audit trail entry per decision. The loop is strictly
// sequential; replaying the same bars with the same starting state
// produces an identical decision trail.
package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quantfold/papertrader/internal/analyzer"
	"github.com/quantfold/papertrader/internal/audit"
	"github.com/quantfold/papertrader/internal/broker"
	"github.com/quantfold/papertrader/internal/controller"
	"github.com/quantfold/papertrader/internal/ensemble"
	"github.com/quantfold/papertrader/internal/feed"
	"github.com/quantfold/papertrader/internal/perf"
	"github.com/quantfold/papertrader/internal/regime"
	"github.com/quantfold/papertrader/internal/strategy"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine wires the broker, strategies, learning ensemble, regime
// detector, analyzer and adaptive controller into one sequential loop.
type Engine struct {
	logger     *zap.Logger
	cfg        types.Config
	broker     *broker.Broker
	strategies []strategy.Strategy
	weighter   *ensemble.Weighter
	detector   *regime.Detector
	analyzer   *analyzer.Analyzer
	controller *controller.Controller
	perf       *perf.Calculator
	audit      audit.Log
	metrics    *Metrics

	history map[string][]types.Bar

	curveMu      sync.RWMutex
	curve        []types.EquityCurvePoint
	peakEquity   decimal.Decimal
	regimeBySym  map[string]types.Regime
	reviewedRejs int
}

// New assembles an engine from already constructed components.
func New(logger *zap.Logger, cfg types.Config, b *broker.Broker, strategies []strategy.Strategy,
	w *ensemble.Weighter, d *regime.Detector, a *analyzer.Analyzer, c *controller.Controller,
	p *perf.Calculator, log audit.Log, metrics *Metrics) *Engine {
	return &Engine{
		logger:      logger.Named("engine"),
		cfg:         cfg,
		broker:      b,
		strategies:  strategies,
		weighter:    w,
		detector:    d,
		analyzer:    a,
		controller:  c,
		perf:        p,
		audit:       log,
		metrics:     metrics,
		history:     make(map[string][]types.Bar),
		peakEquity:  cfg.InitialCash,
		regimeBySym: make(map[string]types.Regime),
	}
}

// Run consumes the feed until io.EOF or the context is cancelled. Any
// feed or audit error halts the run: a trail with holes is worthless.
func (e *Engine) Run(ctx context.Context, f feed.BarFeed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		bar, err := f.Next(ctx)
		if err == io.EOF {
			e.logger.Info("feed exhausted",
				zap.Int("curvePoints", len(e.Curve())),
				zap.String("equity", e.broker.Equity().StringFixed(2)))
			return nil
		}
		if err != nil {
			return fmt.Errorf("feed: %w", err)
		}

		if err := e.Tick(bar); err != nil {
			return fmt.Errorf("tick %s %s: %w", bar.Symbol, bar.Timestamp.Format("2006-01-02T15:04:05"), err)
		}
	}
}

// Tick processes one bar through the full pipeline.
func (e *Engine) Tick(bar *types.Bar) error {
	e.metrics.Ticks.Inc()
	now := bar.Timestamp

	// 1. Mark to market. This never fills anything on its own.
	e.broker.SetPrice(bar.Symbol, bar.Close)

	// A discontinuous feed restarts the lookback window: bars from before
	// the gap no longer describe current conditions, so the detector must
	// report insufficient data until the window refills.
	if tail := e.window(bar.Symbol); gapped(tail, *bar) {
		e.logger.Warn("feed gap, restarting lookback window",
			zap.String("symbol", bar.Symbol),
			zap.Time("lastBar", tail[len(tail)-1].Timestamp),
			zap.Time("bar", bar.Timestamp))
		e.history[bar.Symbol] = nil
	}
	e.history[bar.Symbol] = append(e.history[bar.Symbol], *bar)
	window := e.window(bar.Symbol)

	// 2. Risk exits fire before any new entry this tick.
	for _, order := range exitOrders(e.broker.Portfolio(), bar) {
		e.execute(order, now)
	}

	// 3. Classify the regime for this symbol's window.
	state := e.detector.Classify(window)
	e.regimeBySym[bar.Symbol] = state.Regime
	if err := e.audit.Append(audit.KindRegime, now, state); err != nil {
		return fmt.Errorf("audit regime state: %w", err)
	}

	// 4. Adapt ensemble weights from recent outcomes and the regime prior.
	rejections := e.broker.Rejections()
	newRejections := rejections[e.reviewedRejs:]
	e.reviewedRejs = len(rejections)

	decision := e.controller.Adapt(state, newRejections, now)
	for _, anomaly := range decision.Anomalies {
		e.metrics.Anomalies.WithLabelValues(anomaly.Kind).Inc()
		if anomaly.Kind == "weight_reset" {
			e.metrics.WeightResets.Inc()
		}
	}
	if err := e.audit.Append(audit.KindAdaptive, now, decision); err != nil {
		return fmt.Errorf("audit adaptive decision: %w", err)
	}

	// 5. Collect strategy votes and blend them.
	signals := make([]types.StrategySignal, 0, len(e.strategies))
	for _, s := range e.strategies {
		signals = append(signals, s.Evaluate(window))
	}
	blended := e.weighter.Combine(bar.Symbol, signals, now)

	// 6. Act on the blended vote.
	if order, ok := e.entryOrder(blended, bar); ok {
		e.execute(order, now)
	} else if exit, ok := e.exitOrder(blended, bar); ok {
		e.execute(exit, now)
	}

	// 7. Snapshot performance and extend the equity curve.
	equity := e.broker.Equity()
	if equity.GreaterThan(e.peakEquity) {
		e.peakEquity = equity
	}
	drawdown := decimal.Zero
	if e.peakEquity.IsPositive() {
		drawdown = e.peakEquity.Sub(equity).Div(e.peakEquity)
	}
	portfolio := e.broker.Portfolio()
	e.curveMu.Lock()
	e.curve = append(e.curve, types.EquityCurvePoint{
		Timestamp: now,
		Equity:    equity,
		Cash:      portfolio.Cash,
		Drawdown:  drawdown,
	})
	curve := make([]types.EquityCurvePoint, len(e.curve))
	copy(curve, e.curve)
	e.curveMu.Unlock()

	snapshot := e.perf.Snapshot(e.analyzer.ClosedTrades(), curve, now)
	if err := e.audit.Append(audit.KindPerformance, now, snapshot); err != nil {
		return fmt.Errorf("audit performance snapshot: %w", err)
	}

	equityF, _ := equity.Float64()
	cashF, _ := portfolio.Cash.Float64()
	e.metrics.Equity.Set(equityF)
	e.metrics.Cash.Set(cashF)

	return nil
}

// window returns the most recent LookbackBars bars for symbol, or fewer
// when history is still short.
func (e *Engine) window(symbol string) []types.Bar {
	history := e.history[symbol]
	if len(history) > e.cfg.LookbackBars {
		history = history[len(history)-e.cfg.LookbackBars:]
	}
	return history
}

// gapFactor is how many typical bar intervals may elapse before the feed
// counts as discontinuous.
const gapFactor = 3

// gapped reports whether bar arrives after a discontinuity in the
// symbol's feed. The typical cadence is the median inter-bar interval of
// the recent window, so a single irregular bar does not trip it.
func gapped(window []types.Bar, bar types.Bar) bool {
	if len(window) < 2 {
		return false
	}
	deltas := make([]time.Duration, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		deltas = append(deltas, window[i].Timestamp.Sub(window[i-1].Timestamp))
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	median := deltas[len(deltas)/2]
	if median <= 0 {
		return false
	}
	return bar.Timestamp.Sub(window[len(window)-1].Timestamp) > gapFactor*median
}

// entryOrder sizes a long entry when the blended vote clears the
// threshold and the symbol is flat. Position value is capped at
// MaxPositionPct of current equity, whole shares only.
func (e *Engine) entryOrder(decision types.EnsembleDecision, bar *types.Bar) (types.Order, bool) {
	if !e.weighter.IsLong(decision) {
		return types.Order{}, false
	}
	portfolio := e.broker.Portfolio()
	if position, ok := portfolio.Positions[bar.Symbol]; ok && position.Quantity.IsPositive() {
		return types.Order{}, false
	}

	budget := e.broker.Equity().Mul(e.cfg.MaxPositionPct)
	quantity := budget.Div(bar.Close).Floor()
	if !quantity.IsPositive() {
		return types.Order{}, false
	}

	return types.Order{
		ID:        uuid.New().String(),
		Symbol:    bar.Symbol,
		Side:      types.OrderSideBuy,
		Type:      types.OrderTypeMarket,
		Quantity:  quantity,
		Tag:       dominantStrategy(decision),
		CreatedAt: bar.Timestamp,
	}, true
}

// exitOrder closes the full position when the blended vote argues for it.
func (e *Engine) exitOrder(decision types.EnsembleDecision, bar *types.Bar) (types.Order, bool) {
	if !e.weighter.IsExit(decision) {
		return types.Order{}, false
	}
	position, ok := e.broker.Portfolio().Positions[bar.Symbol]
	if !ok || !position.Quantity.IsPositive() {
		return types.Order{}, false
	}

	return types.Order{
		ID:        uuid.New().String(),
		Symbol:    bar.Symbol,
		Side:      types.OrderSideSell,
		Type:      types.OrderTypeMarket,
		Quantity:  position.Quantity,
		Tag:       dominantStrategy(decision),
		CreatedAt: bar.Timestamp,
	}, true
}

// execute submits one order and routes the outcome: fills feed the
// analyzer, closed trades feed the reward update, rejections feed counters.
func (e *Engine) execute(order types.Order, now time.Time) {
	fill, rejection := e.broker.SubmitOrder(order)
	if rejection != nil {
		e.metrics.Rejections.WithLabelValues(string(rejection.Reason)).Inc()
		e.logger.Debug("order rejected",
			zap.String("symbol", rejection.Symbol),
			zap.String("reason", string(rejection.Reason)),
			zap.String("tag", rejection.Tag))
		return
	}
	e.metrics.Fills.Inc()

	if fill.Side == types.OrderSideBuy {
		one := decimal.NewFromInt(1)
		stop := fill.Price.Mul(one.Sub(e.cfg.StopLossPct))
		take := fill.Price.Mul(one.Add(e.cfg.TakeProfitPct))
		e.broker.SetExitLevels(fill.Symbol, stop, take)
	}

	for _, trade := range e.analyzer.RecordFill(*fill, e.regimeBySym[fill.Symbol]) {
		e.metrics.ClosedTrades.Inc()
		if anomaly := e.weighter.RecordReward(trade.Strategy, trade.Return); anomaly != nil {
			e.metrics.WeightResets.Inc()
			e.metrics.Anomalies.WithLabelValues(anomaly.Kind).Inc()
		}
	}

	e.logger.Debug("order filled",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.StringFixed(2)),
		zap.Time("at", now))
}

// dominantStrategy picks the strategy with the largest weighted
// contribution in the same direction as the blended signal, so outcome
// attribution credits the loudest voice behind the trade.
func dominantStrategy(decision types.EnsembleDecision) string {
	best := ""
	bestContribution := 0.0
	for _, sig := range decision.PerStrategySignals {
		contribution := decision.WeightsUsed[sig.StrategyName] * sig.Signal
		if decision.BlendedSignal < 0 {
			contribution = -contribution
		}
		if contribution > bestContribution {
			bestContribution = contribution
			best = sig.StrategyName
		}
	}
	return best
}

// Curve returns a copy of the equity curve so far. Safe to call while
// the loop is running.
func (e *Engine) Curve() []types.EquityCurvePoint {
	e.curveMu.RLock()
	defer e.curveMu.RUnlock()
	out := make([]types.EquityCurvePoint, len(e.curve))
	copy(out, e.curve)
	return out
}
