// Package regime classifies a window of bars into one of five market
// regimes and carries a static strategy-affinity prior per regime.
package regime

import (
	"math"
	"sync"

	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// annualization assumes daily bars.
const annualization = 252

// fast/slow moving-average windows for trend strength.
const (
	fastWindow = 5
	slowWindow = 20
)

// Detector classifies market windows. Classification is total: every
// valid window maps to exactly one regime, first match wins.
type Detector struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	volHigh    float64
	trendHigh  float64
	minBars    int
	history    []types.RegimeState
	affinities map[types.Regime]map[string]float64
}

// New creates a detector. minBars is the lookback below which the window
// is INSUFFICIENT_DATA.
func New(logger *zap.Logger, volHighThreshold, trendThreshold float64, minBars int) *Detector {
	return &Detector{
		logger:     logger.Named("regime"),
		volHigh:    volHighThreshold,
		trendHigh:  trendThreshold,
		minBars:    minBars,
		affinities: defaultAffinities(),
	}
}

// defaultAffinities returns the hand-tuned strategy-affinity prior per
// regime. These are static design constants, not learned: ranging favors
// mean reversion, trending favors momentum and breakout, volatile favors
// breakout with reduced momentum trust.
func defaultAffinities() map[types.Regime]map[string]float64 {
	return map[types.Regime]map[string]float64{
		types.RegimeRanging: {
			"mean_reversion": 0.60,
			"momentum":       0.15,
			"breakout":       0.25,
		},
		types.RegimeTrendingUp: {
			"mean_reversion": 0.10,
			"momentum":       0.55,
			"breakout":       0.35,
		},
		types.RegimeTrendingDown: {
			"mean_reversion": 0.15,
			"momentum":       0.55,
			"breakout":       0.30,
		},
		types.RegimeVolatile: {
			"mean_reversion": 0.20,
			"momentum":       0.20,
			"breakout":       0.60,
		},
	}
}

// Affinity returns the strategy-affinity prior for a regime, or nil when
// the regime carries no prior (INSUFFICIENT_DATA).
func (d *Detector) Affinity(regime types.Regime) map[string]float64 {
	prior, ok := d.affinities[regime]
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(prior))
	for k, v := range prior {
		out[k] = v
	}
	return out
}

// Classify maps the window to a regime state. Priority order:
//  1. fewer than minBars bars -> INSUFFICIENT_DATA, confidence 0
//  2. annualized true-range volatility above the high threshold -> VOLATILE
//  3. |trend strength| above the trend threshold -> TRENDING_UP/DOWN by sign
//  4. otherwise -> RANGING
func (d *Detector) Classify(window []types.Bar) types.RegimeState {
	state := d.classify(window)

	d.mu.Lock()
	d.history = append(d.history, state)
	d.mu.Unlock()

	d.logger.Debug("regime classified",
		zap.String("regime", string(state.Regime)),
		zap.Float64("confidence", state.Confidence),
		zap.Float64("volatility", state.Volatility),
		zap.Float64("trend", state.TrendStrength),
	)
	return state
}

func (d *Detector) classify(window []types.Bar) types.RegimeState {
	if len(window) < d.minBars {
		state := types.RegimeState{Regime: types.RegimeInsufficientData}
		if len(window) > 0 {
			state.Timestamp = window[len(window)-1].Timestamp
		}
		return state
	}

	vol := annualizedTrueRangeVol(window)
	trend := trendStrength(window)
	support, resistance := supportResistance(window)
	ts := window[len(window)-1].Timestamp

	state := types.RegimeState{
		Volatility:    vol,
		TrendStrength: trend,
		Support:       support,
		Resistance:    resistance,
		Timestamp:     ts,
	}

	switch {
	case vol > d.volHigh:
		state.Regime = types.RegimeVolatile
		state.Confidence = clipConfidence((vol - d.volHigh) / d.volHigh)
	case math.Abs(trend) > d.trendHigh:
		if trend > 0 {
			state.Regime = types.RegimeTrendingUp
		} else {
			state.Regime = types.RegimeTrendingDown
		}
		state.Confidence = clipConfidence((math.Abs(trend) - d.trendHigh) / d.trendHigh)
	default:
		state.Regime = types.RegimeRanging
		// Confidence grows as trend strength sits far under its threshold.
		if d.trendHigh > 0 {
			state.Confidence = clipConfidence(1 - math.Abs(trend)/d.trendHigh)
		}
	}

	return state
}

// History returns a copy of the append-only regime history.
func (d *Detector) History() []types.RegimeState {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]types.RegimeState, len(d.history))
	copy(out, d.history)
	return out
}

// clipConfidence maps distance past a threshold into [0, 1] with a soft
// 0.5 base so a bare-threshold crossing is still a half-confident call.
func clipConfidence(distance float64) float64 {
	conf := 0.5 + distance/2
	if conf < 0 {
		return 0
	}
	if conf > 1 {
		return 1
	}
	return conf
}

// annualizedTrueRangeVol computes a rolling true-range volatility,
// normalized by close and annualized.
func annualizedTrueRangeVol(window []types.Bar) float64 {
	if len(window) < 2 {
		return 0
	}

	sum := 0.0
	count := 0
	for i := 1; i < len(window); i++ {
		bar := window[i]
		prevClose := window[i-1].Close
		tr := trueRange(bar, prevClose)
		close, _ := bar.Close.Float64()
		if close <= 0 {
			continue
		}
		trf, _ := tr.Float64()
		sum += trf / close
		count++
	}
	if count == 0 {
		return 0
	}
	return (sum / float64(count)) * math.Sqrt(annualization)
}

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(bar types.Bar, prevClose decimal.Decimal) decimal.Decimal {
	hl := bar.High.Sub(bar.Low)
	hc := bar.High.Sub(prevClose).Abs()
	lc := bar.Low.Sub(prevClose).Abs()

	tr := hl
	if hc.GreaterThan(tr) {
		tr = hc
	}
	if lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// trendStrength is the fast/slow moving-average divergence normalized by
// the last close. Positive means the fast average leads upward.
func trendStrength(window []types.Bar) float64 {
	if len(window) < slowWindow {
		return 0
	}

	fast := averageClose(window[len(window)-fastWindow:])
	slow := averageClose(window[len(window)-slowWindow:])
	last, _ := window[len(window)-1].Close.Float64()
	if last <= 0 {
		return 0
	}
	return (fast - slow) / last
}

func averageClose(bars []types.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	sum := 0.0
	for _, bar := range bars {
		c, _ := bar.Close.Float64()
		sum += c
	}
	return sum / float64(len(bars))
}

// supportResistance returns min(low) and max(high) over the window.
func supportResistance(window []types.Bar) (support, resistance decimal.Decimal) {
	support = window[0].Low
	resistance = window[0].High
	for _, bar := range window[1:] {
		if bar.Low.LessThan(support) {
			support = bar.Low
		}
		if bar.High.GreaterThan(resistance) {
			resistance = bar.High
		}
	}
	return support, resistance
}
