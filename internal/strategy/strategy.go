// Package strategy provides the strategy capability contract and the
// built-in strategy set.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/quantfold/papertrader/pkg/types"
	"go.uber.org/zap"
)

// Strategy is the capability every strategy implements: a pure function
// from a price window to a vote. Implementations must be stateless across
// calls apart from explicitly supplied parameters, and must return a
// neutral zero-confidence signal on insufficient history rather than fail.
type Strategy interface {
	Name() string
	Evaluate(window []types.Bar) types.StrategySignal
}

// Params are the externally supplied, versioned tunables for a built-in
// strategy.
type Params struct {
	Version        int     `json:"version"`
	Lookback       int     `json:"lookback"`
	EntryThreshold float64 `json:"entryThreshold"`
}

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]func() Strategy
}

// NewRegistry creates a registry with the built-in strategies registered.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() Strategy),
	}

	r.Register("momentum", func() Strategy { return NewMomentum(Params{Version: 1, Lookback: 14, EntryThreshold: 0.02}) })
	r.Register("mean_reversion", func() Strategy { return NewMeanReversion(Params{Version: 1, Lookback: 20, EntryThreshold: 1.5}) })
	r.Register("breakout", func() Strategy { return NewBreakout(Params{Version: 1, Lookback: 10, EntryThreshold: 0.0}) })

	return r
}

// Register registers a strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a strategy by name.
func (r *Registry) Create(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(), nil
}

// List returns registered strategy names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// neutral is the insufficient-history response shared by the built-ins.
func neutral(name, why string) types.StrategySignal {
	return types.StrategySignal{
		StrategyName: name,
		Signal:       0,
		Confidence:   0,
		Explanation:  why,
	}
}

// Momentum votes with recent price momentum over the lookback.
type Momentum struct {
	params Params
}

// NewMomentum creates a momentum strategy.
func NewMomentum(params Params) *Momentum {
	return &Momentum{params: params}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) Evaluate(window []types.Bar) types.StrategySignal {
	if len(window) <= s.params.Lookback {
		return neutral(s.Name(), "insufficient history")
	}

	current, _ := window[len(window)-1].Close.Float64()
	past, _ := window[len(window)-1-s.params.Lookback].Close.Float64()
	if past <= 0 {
		return neutral(s.Name(), "no reference price")
	}

	momentum := (current - past) / past
	if math.Abs(momentum) < s.params.EntryThreshold {
		return types.StrategySignal{
			StrategyName: s.Name(),
			Signal:       0,
			Confidence:   0.2,
			Explanation:  fmt.Sprintf("momentum %.4f inside threshold %.4f", momentum, s.params.EntryThreshold),
		}
	}

	signal := 1.0
	if momentum < 0 {
		signal = -1.0
	}
	confidence := math.Min(math.Abs(momentum)/(2*s.params.EntryThreshold), 1)
	return types.StrategySignal{
		StrategyName: s.Name(),
		Signal:       signal,
		Confidence:   confidence,
		Explanation:  fmt.Sprintf("momentum %.4f over %d bars", momentum, s.params.Lookback),
	}
}

// MeanReversion votes against z-score extremes of the close relative to
// a rolling mean. EntryThreshold is the z-score magnitude that triggers.
type MeanReversion struct {
	params Params
}

// NewMeanReversion creates a mean-reversion strategy.
func NewMeanReversion(params Params) *MeanReversion {
	return &MeanReversion{params: params}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Evaluate(window []types.Bar) types.StrategySignal {
	if len(window) < s.params.Lookback {
		return neutral(s.Name(), "insufficient history")
	}

	closes := make([]float64, 0, s.params.Lookback)
	for _, bar := range window[len(window)-s.params.Lookback:] {
		c, _ := bar.Close.Float64()
		closes = append(closes, c)
	}

	mean := 0.0
	for _, c := range closes {
		mean += c
	}
	mean /= float64(len(closes))

	variance := 0.0
	for _, c := range closes {
		diff := c - mean
		variance += diff * diff
	}
	variance /= float64(len(closes) - 1)
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return neutral(s.Name(), "flat window")
	}

	z := (closes[len(closes)-1] - mean) / stdDev
	if math.Abs(z) < s.params.EntryThreshold {
		return types.StrategySignal{
			StrategyName: s.Name(),
			Signal:       0,
			Confidence:   0.2,
			Explanation:  fmt.Sprintf("z-score %.2f inside band %.2f", z, s.params.EntryThreshold),
		}
	}

	// Stretched above the mean argues for selling, below for buying.
	signal := -1.0
	if z < 0 {
		signal = 1.0
	}
	confidence := math.Min(math.Abs(z)/(2*s.params.EntryThreshold), 1)
	return types.StrategySignal{
		StrategyName: s.Name(),
		Signal:       signal,
		Confidence:   confidence,
		Explanation:  fmt.Sprintf("z-score %.2f over %d bars", z, s.params.Lookback),
	}
}

// Breakout votes when the close escapes the prior channel high/low.
type Breakout struct {
	params Params
}

// NewBreakout creates a breakout strategy.
func NewBreakout(params Params) *Breakout {
	return &Breakout{params: params}
}

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) Evaluate(window []types.Bar) types.StrategySignal {
	if len(window) <= s.params.Lookback {
		return neutral(s.Name(), "insufficient history")
	}

	channel := window[len(window)-1-s.params.Lookback : len(window)-1]
	high, _ := channel[0].High.Float64()
	low, _ := channel[0].Low.Float64()
	for _, bar := range channel[1:] {
		h, _ := bar.High.Float64()
		l, _ := bar.Low.Float64()
		if h > high {
			high = h
		}
		if l < low {
			low = l
		}
	}

	close, _ := window[len(window)-1].Close.Float64()
	width := high - low
	if width <= 0 {
		return neutral(s.Name(), "flat channel")
	}

	switch {
	case close > high:
		confidence := math.Min((close-high)/width+0.5, 1)
		return types.StrategySignal{
			StrategyName: s.Name(),
			Signal:       1,
			Confidence:   confidence,
			Explanation:  fmt.Sprintf("close %.2f above %d-bar high %.2f", close, s.params.Lookback, high),
		}
	case close < low:
		confidence := math.Min((low-close)/width+0.5, 1)
		return types.StrategySignal{
			StrategyName: s.Name(),
			Signal:       -1,
			Confidence:   confidence,
			Explanation:  fmt.Sprintf("close %.2f below %d-bar low %.2f", close, s.params.Lookback, low),
		}
	default:
		return types.StrategySignal{
			StrategyName: s.Name(),
			Signal:       0,
			Confidence:   0.2,
			Explanation:  "close inside channel",
		}
	}
}
