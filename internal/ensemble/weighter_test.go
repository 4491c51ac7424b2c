// Package ensemble_test provides tests for the ensemble weighter.
package ensemble_test

import (
	"math"
	"testing"
	"time"

	"github.com/quantfold/papertrader/internal/ensemble"
	"github.com/quantfold/papertrader/pkg/types"
	"go.uber.org/zap"
)

const epsilon = 1e-9

func sumWeights(weights map[string]float64) float64 {
	sum := 0.0
	for _, v := range weights {
		sum += v
	}
	return sum
}

func TestBlendedDecisionScenario(t *testing.T) {
	// Weights [0.6, 0.2, 0.2], signals [1, 1, -1], threshold 0.5:
	// blended = 0.6*1 + 0.2*1 + 0.2*(-1) = 0.6 -> long.
	w := ensemble.NewWeighter(zap.NewNop(), []string{"a", "b", "c"}, 0.1, 0.0, 0.5)
	if anomaly := w.SetWeights(map[string]float64{"a": 0.6, "b": 0.2, "c": 0.2}); anomaly != nil {
		t.Fatalf("unexpected anomaly: %+v", anomaly)
	}

	signals := []types.StrategySignal{
		{StrategyName: "a", Signal: 1, Confidence: 0.8},
		{StrategyName: "b", Signal: 1, Confidence: 0.6},
		{StrategyName: "c", Signal: -1, Confidence: 0.7},
	}
	decision := w.Combine("X", signals, time.Now())

	if math.Abs(decision.BlendedSignal-0.6) > epsilon {
		t.Errorf("blended signal incorrect: %v", decision.BlendedSignal)
	}
	if !w.IsLong(decision) {
		t.Error("blended 0.6 at threshold 0.5 should decide long")
	}
}

func TestRewardUpdateShiftsWeight(t *testing.T) {
	w := ensemble.NewWeighter(zap.NewNop(), []string{"winner", "loser"}, 0.5, 0.05, 0.5)

	for i := 0; i < 10; i++ {
		w.RecordReward("winner", 0.10)
		w.RecordReward("loser", -0.10)
	}

	weights := w.Weights()
	if weights["winner"] <= weights["loser"] {
		t.Errorf("winner should outweigh loser: %+v", weights)
	}
	if math.Abs(sumWeights(weights)-1) > epsilon {
		t.Errorf("weights do not sum to 1: %v", sumWeights(weights))
	}
}

func TestFloorPreservesExploration(t *testing.T) {
	w := ensemble.NewWeighter(zap.NewNop(), []string{"a", "b", "c"}, 1.0, 0.05, 0.5)

	// Hammer one strategy with losses; it must never drop below the floor.
	for i := 0; i < 200; i++ {
		w.RecordReward("c", -1.0)
	}

	weights := w.Weights()
	if weights["c"] < 0.05-epsilon {
		t.Errorf("weight fell below floor: %v", weights["c"])
	}
	if math.Abs(sumWeights(weights)-1) > epsilon {
		t.Errorf("weights do not sum to 1: %v", sumWeights(weights))
	}
}

func TestDegenerateWeightsResetToUniform(t *testing.T) {
	w := ensemble.NewWeighter(zap.NewNop(), []string{"a", "b"}, 0.1, 0.05, 0.5)

	anomaly := w.SetWeights(map[string]float64{"a": math.NaN(), "b": 0.5})
	if anomaly == nil {
		t.Fatal("expected weight_reset anomaly")
	}
	if anomaly.Kind != "weight_reset" {
		t.Errorf("anomaly kind incorrect: %s", anomaly.Kind)
	}

	weights := w.Weights()
	if math.Abs(weights["a"]-0.5) > epsilon || math.Abs(weights["b"]-0.5) > epsilon {
		t.Errorf("weights not uniform after reset: %+v", weights)
	}
	if w.Resets() != 1 {
		t.Errorf("reset count incorrect: %d", w.Resets())
	}
}

func TestUnsatisfiableFloorResetsWithAnomaly(t *testing.T) {
	// Three strategies at floor 0.4 need 1.2 of mass; the floor cannot
	// hold, so the fallback to uniform must surface as a reset.
	w := ensemble.NewWeighter(zap.NewNop(), []string{"a", "b", "c"}, 0.1, 0.4, 0.5)

	anomaly := w.SetWeights(map[string]float64{"a": 0.8, "b": 0.1, "c": 0.1})
	if anomaly == nil {
		t.Fatal("expected weight_reset anomaly")
	}
	if anomaly.Kind != "weight_reset" {
		t.Errorf("anomaly kind incorrect: %s", anomaly.Kind)
	}
	if w.Resets() != 1 {
		t.Errorf("reset count incorrect: %d", w.Resets())
	}

	weights := w.Weights()
	uniform := 1.0 / 3.0
	for name, v := range weights {
		if math.Abs(v-uniform) > epsilon {
			t.Errorf("weight %s not uniform after reset: %v", name, v)
		}
	}
}

func TestInfiniteRewardRecovers(t *testing.T) {
	w := ensemble.NewWeighter(zap.NewNop(), []string{"a", "b"}, 10, 0.05, 0.5)

	anomaly := w.RecordReward("a", math.Inf(1))
	if anomaly == nil {
		t.Fatal("expected reset anomaly on infinite reward")
	}
	if math.Abs(sumWeights(w.Weights())-1) > epsilon {
		t.Errorf("weights invalid after recovery: %+v", w.Weights())
	}
}

func TestUnknownStrategyRewardIgnored(t *testing.T) {
	w := ensemble.NewWeighter(zap.NewNop(), []string{"a", "b"}, 0.1, 0.05, 0.5)
	before := w.Weights()

	if anomaly := w.RecordReward("ghost", 1.0); anomaly != nil {
		t.Fatalf("unexpected anomaly: %+v", anomaly)
	}

	after := w.Weights()
	for name := range before {
		if math.Abs(before[name]-after[name]) > epsilon {
			t.Errorf("weight %s changed: %v -> %v", name, before[name], after[name])
		}
	}
}
