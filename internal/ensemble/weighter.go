// Package ensemble combines per-strategy signals through a learned weight
// vector and updates the weights online from realized trade returns.
package ensemble

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/papertrader/pkg/types"
	"go.uber.org/zap"
)

// Weighter maintains the strategy weight vector. Invariants after every
// operation: weights sum to 1 and every weight >= the exploration floor.
type Weighter struct {
	mu           sync.RWMutex
	logger       *zap.Logger
	weights      map[string]float64
	learningRate float64
	floor        float64
	threshold    float64
	resets       int
}

// NewWeighter creates a weighter with uniform weights over the given
// strategy names.
func NewWeighter(logger *zap.Logger, strategies []string, learningRate, floor, threshold float64) *Weighter {
	w := &Weighter{
		logger:       logger.Named("ensemble"),
		weights:      make(map[string]float64, len(strategies)),
		learningRate: learningRate,
		floor:        floor,
		threshold:    threshold,
	}
	uniform := 1.0 / float64(len(strategies))
	for _, name := range strategies {
		w.weights[name] = uniform
	}
	return w
}

// Weights returns a copy of the current weight vector.
func (w *Weighter) Weights() map[string]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return copyWeights(w.weights)
}

// SetWeights replaces the working weight vector for this tick's decision,
// typically with the controller's regime-blended weights. The input is
// floored and renormalized; degenerate input resets to uniform.
func (w *Weighter) SetWeights(weights map[string]float64) *types.Anomaly {
	w.mu.Lock()
	defer w.mu.Unlock()

	for name := range w.weights {
		if v, ok := weights[name]; ok {
			w.weights[name] = v
		}
	}
	return w.normalizeLocked()
}

// Combine blends the given signals into one decision for the symbol:
// blended = sum of w_i * signal_i, confidence the weight-averaged strategy
// confidence. Strategies missing a weight contribute nothing.
func (w *Weighter) Combine(symbol string, signals []types.StrategySignal, now time.Time) types.EnsembleDecision {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var blended, confidence float64
	for _, sig := range signals {
		weight := w.weights[sig.StrategyName]
		blended += weight * sig.Signal
		confidence += weight * sig.Confidence
	}

	return types.EnsembleDecision{
		Symbol:             symbol,
		BlendedSignal:      blended,
		BlendedConfidence:  confidence,
		PerStrategySignals: signals,
		WeightsUsed:        copyWeights(w.weights),
		Timestamp:          now,
	}
}

// IsLong reports whether a blended signal clears the decision threshold.
func (w *Weighter) IsLong(decision types.EnsembleDecision) bool {
	return decision.BlendedSignal >= w.threshold
}

// IsExit reports whether a blended signal argues for closing a long.
func (w *Weighter) IsExit(decision types.EnsembleDecision) bool {
	return decision.BlendedSignal <= -w.threshold
}

// RecordReward applies the multiplicative-weights update after a trade
// from the named strategy closes with fractional return r:
// w_i <- w_i * exp(eta * r), then floor and renormalize. Profitable
// strategies gain trust, losers decay, and the floor keeps every strategy
// explorable. Returns an anomaly if degeneracy forced a uniform reset.
func (w *Weighter) RecordReward(strategy string, r float64) *types.Anomaly {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, ok := w.weights[strategy]
	if !ok {
		return nil
	}

	w.weights[strategy] = current * math.Exp(w.learningRate*r)
	anomaly := w.normalizeLocked()
	if anomaly == nil {
		w.logger.Debug("weight updated",
			zap.String("strategy", strategy),
			zap.Float64("return", r),
			zap.Float64("weight", w.weights[strategy]),
		)
	}
	return anomaly
}

// Resets returns how many times degeneracy forced a uniform reset.
func (w *Weighter) Resets() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.resets
}

// normalizeLocked enforces the floor and sum-to-one invariants, resetting
// to uniform on NaN/Inf/collapse. Lock held.
func (w *Weighter) normalizeLocked() *types.Anomaly {
	sum := 0.0
	degenerate := false
	for _, v := range w.weights {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			degenerate = true
			break
		}
		sum += v
	}
	if degenerate || sum <= 0 || math.IsInf(sum, 0) {
		w.resetUniformLocked()
		w.resets++
		w.logger.Warn("degenerate ensemble weights, reset to uniform",
			zap.Int("resets", w.resets))
		return &types.Anomaly{
			Kind:   "weight_reset",
			Detail: "degenerate weight vector reset to uniform",
		}
	}

	// Normalize, then lift anything under the floor and renormalize the
	// remainder so the floor holds alongside sum==1.
	for name := range w.weights {
		w.weights[name] /= sum
	}
	if w.floor <= 0 {
		return nil
	}

	names := w.sortedNames()
	excess := 0.0
	free := 0.0
	for _, name := range names {
		if w.weights[name] < w.floor {
			excess += w.floor - w.weights[name]
			w.weights[name] = w.floor
		} else {
			free += w.weights[name] - w.floor
		}
	}
	if excess > 0 && free >= excess {
		// Take the lifted mass proportionally from weights above the floor.
		scale := (free - excess) / free
		for _, name := range names {
			if w.weights[name] > w.floor {
				w.weights[name] = w.floor + (w.weights[name]-w.floor)*scale
			}
		}
	} else if excess > 0 {
		// The floor cannot hold for this many strategies. Falling back to
		// uniform is still a reset and must surface as one.
		w.resetUniformLocked()
		w.resets++
		w.logger.Warn("weight floor unsatisfiable, reset to uniform",
			zap.Float64("floor", w.floor),
			zap.Int("strategies", len(w.weights)),
			zap.Int("resets", w.resets))
		return &types.Anomaly{
			Kind:   "weight_reset",
			Detail: "weight floor unsatisfiable for strategy count, reset to uniform",
		}
	}
	return nil
}

func (w *Weighter) resetUniformLocked() {
	uniform := 1.0 / float64(len(w.weights))
	for name := range w.weights {
		w.weights[name] = uniform
	}
}

// sortedNames returns strategy names in deterministic order so repeated
// runs renormalize identically.
func (w *Weighter) sortedNames() []string {
	names := make([]string, 0, len(w.weights))
	for name := range w.weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyWeights(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
