package engine

import (
	"github.com/google/uuid"
	"github.com/quantfold/papertrader/pkg/types"
)

// exitOrders builds market sells for positions whose stop-loss or
// take-profit level the new bar has reached. Price updates alone never
// close a position; these explicit orders do.
func exitOrders(portfolio types.Portfolio, bar *types.Bar) []types.Order {
	position, ok := portfolio.Positions[bar.Symbol]
	if !ok || !position.Quantity.IsPositive() {
		return nil
	}

	var tag string
	switch {
	case !position.StopLoss.IsZero() && bar.Close.LessThanOrEqual(position.StopLoss):
		tag = "stop_loss"
	case !position.TakeProfit.IsZero() && bar.Close.GreaterThanOrEqual(position.TakeProfit):
		tag = "take_profit"
	default:
		return nil
	}

	return []types.Order{{
		ID:        uuid.New().String(),
		Symbol:    bar.Symbol,
		Side:      types.OrderSideSell,
		Type:      types.OrderTypeMarket,
		Quantity:  position.Quantity,
		Tag:       tag,
		CreatedAt: bar.Timestamp,
	}}
}
