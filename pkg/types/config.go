// Package types provides configuration types for the paper trading engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every recognized engine option. Everything else
// (scheduling, credentials, front-ends) stays outside the engine.
type Config struct {
	// Ensemble learning
	LearningRate float64 `mapstructure:"learning_rate"`
	WeightFloor  float64 `mapstructure:"weight_floor"`
	BlendAlpha   float64 `mapstructure:"blend_alpha"`

	// Regime detection
	VolatilityHighThreshold float64 `mapstructure:"volatility_high_threshold"`
	TrendStrengthThreshold  float64 `mapstructure:"trend_strength_threshold"`
	LookbackBars            int     `mapstructure:"lookback_bars"`

	// Broker friction
	FeeBps      decimal.Decimal `mapstructure:"fee_bps"`
	SlippageBps decimal.Decimal `mapstructure:"slippage_bps"`

	// Sizing and exits
	MaxPositionPct decimal.Decimal `mapstructure:"max_position_pct"`
	StopLossPct    decimal.Decimal `mapstructure:"stop_loss_pct"`
	TakeProfitPct  decimal.Decimal `mapstructure:"take_profit_pct"`

	// Analyzer
	MinTradesForAnalysis int `mapstructure:"min_trades_for_analysis"`
	AnalysisWindowTrades int `mapstructure:"analysis_window_trades"`

	// Run setup
	InitialCash       decimal.Decimal `mapstructure:"initial_cash"`
	Symbols           []string        `mapstructure:"symbols"`
	DecisionThreshold float64         `mapstructure:"decision_threshold"`
	DataDir           string          `mapstructure:"data_dir"`
	AuditPath         string          `mapstructure:"audit_path"`

	Server ServerConfig `mapstructure:"server"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the engine defaults. The 0.70 learned/regime blend
// and the 0.10 reward learning rate are tunable starting points, not law.
func DefaultConfig() Config {
	return Config{
		LearningRate:            0.10,
		WeightFloor:             0.05,
		BlendAlpha:              0.70,
		VolatilityHighThreshold: 0.40,
		TrendStrengthThreshold:  0.015,
		LookbackBars:            20,
		FeeBps:                  decimal.NewFromInt(10),
		SlippageBps:             decimal.NewFromInt(5),
		MaxPositionPct:          decimal.NewFromFloat(0.10),
		StopLossPct:             decimal.NewFromFloat(0.05),
		TakeProfitPct:           decimal.NewFromFloat(0.10),
		MinTradesForAnalysis:    5,
		AnalysisWindowTrades:    30,
		InitialCash:             decimal.NewFromInt(100000),
		DecisionThreshold:       0.5,
		DataDir:                 "./data",
		AuditPath:               "./data/audit.jsonl",
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// Validate rejects configurations the engine cannot honor.
func (c Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", c.LearningRate)
	}
	if c.WeightFloor < 0 || c.WeightFloor >= 0.5 {
		return fmt.Errorf("weight_floor must be in [0, 0.5), got %v", c.WeightFloor)
	}
	if c.BlendAlpha < 0 || c.BlendAlpha > 1 {
		return fmt.Errorf("blend_alpha must be in [0, 1], got %v", c.BlendAlpha)
	}
	if c.LookbackBars < 2 {
		return fmt.Errorf("lookback_bars must be at least 2, got %d", c.LookbackBars)
	}
	if c.FeeBps.IsNegative() || c.SlippageBps.IsNegative() {
		return fmt.Errorf("fee_bps and slippage_bps must be non-negative")
	}
	if c.InitialCash.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("initial_cash must be positive, got %s", c.InitialCash)
	}
	if c.MaxPositionPct.LessThanOrEqual(decimal.Zero) || c.MaxPositionPct.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("max_position_pct must be in (0, 1], got %s", c.MaxPositionPct)
	}
	return nil
}
