// Package controller closes the adaptation loop: it reads what the
// analyzer and regime detector observed and adjusts the ensemble's
// working weights, writing one self-explaining decision record per tick.
package controller

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantfold/papertrader/internal/analyzer"
	"github.com/quantfold/papertrader/internal/ensemble"
	"github.com/quantfold/papertrader/internal/regime"
	"github.com/quantfold/papertrader/pkg/types"
	"go.uber.org/zap"
)

// Controller blends learned ensemble weights with regime affinity priors
// and pushes the result back into the weighter every tick.
type Controller struct {
	logger     *zap.Logger
	weighter   *ensemble.Weighter
	detector   *regime.Detector
	analyzer   *analyzer.Analyzer
	blendAlpha float64
	windowSize int
}

// New creates a controller. blendAlpha is the share given to learned
// weights; the remainder goes to the regime's affinity prior.
func New(logger *zap.Logger, weighter *ensemble.Weighter, detector *regime.Detector,
	analyzer *analyzer.Analyzer, blendAlpha float64, windowSize int) *Controller {
	return &Controller{
		logger:     logger.Named("controller"),
		weighter:   weighter,
		detector:   detector,
		analyzer:   analyzer,
		blendAlpha: blendAlpha,
		windowSize: windowSize,
	}
}

// Adapt runs one adaptation pass for the given regime state and returns
// the decision record. The learned weights embedded in the record are the
// weighter's weights BEFORE blending, so the record alone reproduces
// AdjustedWeights.
func (c *Controller) Adapt(state types.RegimeState, rejections []types.Rejection, now time.Time) types.AdaptiveDecision {
	learned := c.weighter.Weights()
	affinity := c.detector.Affinity(state.Regime)

	decision := types.AdaptiveDecision{
		Timestamp:        now,
		Regime:           state.Regime,
		RegimeConfidence: state.Confidence,
		LearnedWeights:   learned,
		RegimeAffinity:   affinity,
		BlendAlpha:       c.blendAlpha,
	}

	report := c.analyzer.Review(c.windowSize, rejections)
	decision.Anomalies = append(decision.Anomalies, report.Anomalies...)
	decision.ParameterRecommendations = report.Recommendations

	var notes []string
	if affinity == nil {
		// No prior available: run on learned weights alone.
		decision.AdjustedWeights = learned
		notes = append(notes, fmt.Sprintf("regime %s has no affinity prior, using learned weights only", state.Regime))
	} else {
		decision.AdjustedWeights = c.blend(learned, affinity)
		notes = append(notes, fmt.Sprintf("blended learned weights with %s affinity at alpha %.2f", state.Regime, c.blendAlpha))
	}

	if anomaly := c.weighter.SetWeights(decision.AdjustedWeights); anomaly != nil {
		decision.Anomalies = append(decision.Anomalies, *anomaly)
		// The weighter recovered to uniform; report what actually applies.
		decision.AdjustedWeights = c.weighter.Weights()
		notes = append(notes, "degenerate blend, weights reset to uniform")
	} else {
		// SetWeights may floor and renormalize; echo the applied values.
		decision.AdjustedWeights = c.weighter.Weights()
	}

	notes = append(notes, describeWeights(decision.AdjustedWeights))
	for _, a := range decision.Anomalies {
		if a.Kind == "win_streak" || a.Kind == "loss_streak" {
			notes = append(notes, fmt.Sprintf("%s %s length %d", a.Strategy, a.Kind, a.Length))
		}
	}
	decision.Explanation = strings.Join(notes, "; ")

	c.logger.Debug("adaptation pass",
		zap.String("regime", string(state.Regime)),
		zap.Int("anomalies", len(decision.Anomalies)),
		zap.Int("recommendations", len(decision.ParameterRecommendations)))

	return decision
}

// blend computes alpha*learned + (1-alpha)*affinity per strategy over the
// union of keys. Normalization happens in the weighter on apply.
func (c *Controller) blend(learned, affinity map[string]float64) map[string]float64 {
	names := make(map[string]struct{}, len(learned))
	for name := range learned {
		names[name] = struct{}{}
	}
	for name := range affinity {
		names[name] = struct{}{}
	}

	out := make(map[string]float64, len(names))
	for name := range names {
		out[name] = c.blendAlpha*learned[name] + (1-c.blendAlpha)*affinity[name]
	}
	return out
}

func describeWeights(weights map[string]float64) string {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.3f", name, weights[name]))
	}
	return "applied " + strings.Join(parts, " ")
}
