// Package config loads engine configuration from file and environment.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Load reads configuration from the given file (optional) with environment
// overrides prefixed PAPERTRADER_, on top of the engine defaults.
func Load(path string) (types.Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PAPERTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return types.Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := types.DefaultConfig()
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return types.Config{}, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return types.Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := types.DefaultConfig()

	v.SetDefault("learning_rate", d.LearningRate)
	v.SetDefault("weight_floor", d.WeightFloor)
	v.SetDefault("blend_alpha", d.BlendAlpha)
	v.SetDefault("volatility_high_threshold", d.VolatilityHighThreshold)
	v.SetDefault("trend_strength_threshold", d.TrendStrengthThreshold)
	v.SetDefault("lookback_bars", d.LookbackBars)
	v.SetDefault("fee_bps", d.FeeBps.String())
	v.SetDefault("slippage_bps", d.SlippageBps.String())
	v.SetDefault("max_position_pct", d.MaxPositionPct.String())
	v.SetDefault("stop_loss_pct", d.StopLossPct.String())
	v.SetDefault("take_profit_pct", d.TakeProfitPct.String())
	v.SetDefault("min_trades_for_analysis", d.MinTradesForAnalysis)
	v.SetDefault("analysis_window_trades", d.AnalysisWindowTrades)
	v.SetDefault("initial_cash", d.InitialCash.String())
	v.SetDefault("decision_threshold", d.DecisionThreshold)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("audit_path", d.AuditPath)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
}

// decimalDecodeHook converts string and numeric config values into
// decimal.Decimal fields.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		default:
			return data, nil
		}
	}
}
