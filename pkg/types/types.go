// Package types provides shared type definitions for the paper trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// RejectReason classifies why the broker refused an order
type RejectReason string

const (
	RejectNoPrice              RejectReason = "NO_PRICE"
	RejectInsufficientCash     RejectReason = "INSUFFICIENT_CASH"
	RejectInsufficientPosition RejectReason = "INSUFFICIENT_POSITION"
	RejectLimitNotMarketable   RejectReason = "LIMIT_NOT_MARKETABLE"
	RejectInvalidQuantity      RejectReason = "INVALID_QUANTITY"
	RejectInvalidSide          RejectReason = "INVALID_SIDE"
)

// Bar represents a single OHLCV candlestick
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Order is created by the decision layer and consumed exactly once:
// it is either filled or rejected, never mutated.
type Order struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	// Tag carries the originating strategy name so realized outcomes
	// can be attributed back to the strategy that voted for the trade.
	Tag       string    `json:"tag,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fill is produced only on a successful match. Immutable.
type Fill struct {
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fee       decimal.Decimal `json:"fee"`
	Slippage  decimal.Decimal `json:"slippage"`
	Tag       string          `json:"tag,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Rejection is the typed, non-exceptional outcome of a failed order
// validation. Rejections are signal for the learning layer: a rejection
// indicates miscalibrated sizing, not a fault.
type Rejection struct {
	OrderID   string       `json:"orderId"`
	Symbol    string       `json:"symbol"`
	Reason    RejectReason `json:"reason"`
	Detail    string       `json:"detail,omitempty"`
	Tag       string       `json:"tag,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Position is a long-only holding. Quantity is always >= 0; no shorting.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	StopLoss    decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit  decimal.Decimal `json:"takeProfit,omitempty"`
	OpenedAt    time.Time       `json:"openedAt"`
}

// Portfolio is a point-in-time snapshot of broker state.
// Invariant: Equity == Cash + sum over positions of qty*mark.
type Portfolio struct {
	Cash           decimal.Decimal      `json:"cash"`
	Equity         decimal.Decimal      `json:"equity"`
	Positions      map[string]*Position `json:"positions"`
	CumulativeFees decimal.Decimal      `json:"cumulativeFees"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// StrategySignal is the per-tick vote of a single strategy.
// Signal is in [-1, 1]; Confidence in [0, 1]. Ephemeral, embedded in the
// ensemble decision for audit.
type StrategySignal struct {
	StrategyName string  `json:"strategyName"`
	Signal       float64 `json:"signal"`
	Confidence   float64 `json:"confidence"`
	Explanation  string  `json:"explanation,omitempty"`
}

// EnsembleDecision is the blended vote for one symbol on one tick.
type EnsembleDecision struct {
	Symbol             string             `json:"symbol"`
	BlendedSignal      float64            `json:"blendedSignal"`
	BlendedConfidence  float64            `json:"blendedConfidence"`
	PerStrategySignals []StrategySignal   `json:"perStrategySignals"`
	WeightsUsed        map[string]float64 `json:"weightsUsed"`
	Timestamp          time.Time          `json:"timestamp"`
}

// Regime is a discrete classification of market behavior.
type Regime string

const (
	RegimeInsufficientData Regime = "INSUFFICIENT_DATA"
	RegimeVolatile         Regime = "VOLATILE"
	RegimeTrendingUp       Regime = "TRENDING_UP"
	RegimeTrendingDown     Regime = "TRENDING_DOWN"
	RegimeRanging          Regime = "RANGING"
)

// RegimeState is the per-tick regime classification. Append-only.
type RegimeState struct {
	Regime        Regime          `json:"regime"`
	Confidence    float64         `json:"confidence"`
	Volatility    float64         `json:"volatility"`
	TrendStrength float64         `json:"trendStrength"`
	Support       decimal.Decimal `json:"support"`
	Resistance    decimal.Decimal `json:"resistance"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ClosedTrade is a matched entry+exit pair attributed to a strategy,
// tagged with the regime active at entry.
type ClosedTrade struct {
	ID          string          `json:"id"`
	Strategy    string          `json:"strategy"`
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	PnL         decimal.Decimal `json:"pnl"`
	Return      float64         `json:"return"`
	EntryRegime Regime          `json:"entryRegime"`
	EntryAt     time.Time       `json:"entryAt"`
	ExitAt      time.Time       `json:"exitAt"`
}

// PerformanceSnapshot is derived from trade and equity history. Append-only.
type PerformanceSnapshot struct {
	Timestamp    time.Time       `json:"timestamp"`
	TotalReturn  decimal.Decimal `json:"totalReturn"`
	SharpeRatio  float64         `json:"sharpeRatio"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`
	WinRate      float64         `json:"winRate"`
	ProfitFactor float64         `json:"profitFactor"`
	TradeCount   int             `json:"tradeCount"`
}

// ParameterDelta is a bounded advisory adjustment for one strategy
// parameter. Deltas are always clamped to [Min, Max], never unbounded.
type ParameterDelta struct {
	Strategy  string  `json:"strategy"`
	Parameter string  `json:"parameter"`
	Delta     float64 `json:"delta"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Reason    string  `json:"reason"`
}

// Anomaly flags an unusual pattern found by the trade analyzer or a
// degenerate condition recovered by the learning layer.
type Anomaly struct {
	Kind     string `json:"kind"` // win_streak, loss_streak, weight_reset, rejection_rate
	Strategy string `json:"strategy,omitempty"`
	Length   int    `json:"length,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// AdaptiveDecision is the one audit record tying a tick's weighting
// decision together. Append-only and self-explaining: the embedded inputs
// are sufficient to reproduce AdjustedWeights without replaying the engine.
type AdaptiveDecision struct {
	Timestamp                time.Time          `json:"timestamp"`
	Regime                   Regime             `json:"regime"`
	RegimeConfidence         float64            `json:"regimeConfidence"`
	LearnedWeights           map[string]float64 `json:"learnedWeights"`
	RegimeAffinity           map[string]float64 `json:"regimeAffinity"`
	BlendAlpha               float64            `json:"blendAlpha"`
	AdjustedWeights          map[string]float64 `json:"adjustedWeights"`
	ParameterRecommendations []ParameterDelta   `json:"parameterRecommendations,omitempty"`
	Anomalies                []Anomaly          `json:"anomalies,omitempty"`
	Explanation              string             `json:"explanation"`
}

// EquityCurvePoint represents a point on the equity curve
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}
