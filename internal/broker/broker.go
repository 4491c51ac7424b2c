// Package broker provides the simulated order-matching and portfolio engine.
//
// Orders are matched instantaneously against the current mark price; there
// is no resting order book. Validation failures are typed rejections, never
// errors: trading friction is expected input for the learning layer.
package broker

import (
	"sync"
	"time"

	"github.com/quantfold/papertrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// bps is the divisor for basis-point friction parameters.
var bps = decimal.NewFromInt(10000)

// Broker tracks cash, positions and fills against externally supplied
// mark prices.
type Broker struct {
	mu             sync.RWMutex
	logger         *zap.Logger
	cash           decimal.Decimal
	initialCash    decimal.Decimal
	positions      map[string]*types.Position
	marks          map[string]decimal.Decimal
	markTimes      map[string]time.Time
	fills          []types.Fill
	rejections     []types.Rejection
	cumulativeFees decimal.Decimal
	feeBps         decimal.Decimal
	slippageBps    decimal.Decimal
	clock          func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock overrides the broker clock. Replayed runs inject the bar
// timestamp so fills are reproducible.
func WithClock(clock func() time.Time) Option {
	return func(b *Broker) { b.clock = clock }
}

// New creates a simulated broker with the given starting cash and
// friction in basis points.
func New(logger *zap.Logger, initialCash, feeBps, slippageBps decimal.Decimal, opts ...Option) *Broker {
	b := &Broker{
		logger:      logger.Named("broker"),
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*types.Position),
		marks:       make(map[string]decimal.Decimal),
		markTimes:   make(map[string]time.Time),
		feeBps:      feeBps,
		slippageBps: slippageBps,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetPrice updates the mark used for validation, fills and unrealized PnL.
// It never triggers fills itself; stop-loss/take-profit enforcement is the
// job of the engine's exit monitor, which issues explicit orders.
func (b *Broker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.marks[symbol] = price
	b.markTimes[symbol] = b.clock()
}

// MarkPrice returns the current mark for a symbol, if one exists.
func (b *Broker) MarkPrice(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	mark, ok := b.marks[symbol]
	return mark, ok
}

// SubmitOrder validates, prices and fills an order against the current
// mark. Exactly one of the return values is non-nil.
func (b *Broker) SubmitOrder(order types.Order) (*types.Fill, *types.Rejection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()

	reject := func(reason types.RejectReason, detail string) (*types.Fill, *types.Rejection) {
		rejection := types.Rejection{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Reason:    reason,
			Detail:    detail,
			Tag:       order.Tag,
			Timestamp: now,
		}
		b.rejections = append(b.rejections, rejection)
		b.logger.Debug("order rejected",
			zap.String("id", order.ID),
			zap.String("symbol", order.Symbol),
			zap.String("reason", string(reason)),
			zap.String("detail", detail),
		)
		return nil, &rejection
	}

	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return reject(types.RejectInvalidQuantity, "quantity must be positive")
	}
	if order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell {
		return reject(types.RejectInvalidSide, "side must be buy or sell")
	}

	mark, ok := b.marks[order.Symbol]
	if !ok || mark.LessThanOrEqual(decimal.Zero) {
		return reject(types.RejectNoPrice, "no mark price for symbol")
	}

	// Instantaneous-or-reject: a limit order fills only if marketable.
	if order.Type == types.OrderTypeLimit {
		if order.Side == types.OrderSideBuy && order.LimitPrice.LessThan(mark) {
			return reject(types.RejectLimitNotMarketable, "buy limit below mark")
		}
		if order.Side == types.OrderSideSell && order.LimitPrice.GreaterThan(mark) {
			return reject(types.RejectLimitNotMarketable, "sell limit above mark")
		}
	}

	fillPrice, slippage := b.applySlippage(order.Side, mark)
	notional := order.Quantity.Mul(fillPrice)
	fee := notional.Mul(b.feeBps).Div(bps)

	switch order.Side {
	case types.OrderSideBuy:
		cost := notional.Add(fee)
		if b.cash.LessThan(cost) {
			return reject(types.RejectInsufficientCash, "notional plus fee exceeds cash")
		}
		b.cash = b.cash.Sub(cost)
		b.applyBuy(order, fillPrice, now)

	case types.OrderSideSell:
		pos, held := b.positions[order.Symbol]
		if !held || pos.Quantity.LessThan(order.Quantity) {
			return reject(types.RejectInsufficientPosition, "sell quantity exceeds held position")
		}
		b.cash = b.cash.Add(notional).Sub(fee)
		b.applySell(order, fillPrice, fee)
	}

	b.cumulativeFees = b.cumulativeFees.Add(fee)

	fill := types.Fill{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     fillPrice,
		Fee:       fee,
		Slippage:  slippage,
		Tag:       order.Tag,
		Timestamp: now,
	}
	b.fills = append(b.fills, fill)

	b.logger.Debug("order filled",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()),
		zap.String("price", fillPrice.String()),
		zap.String("fee", fee.String()),
	)

	return &fill, nil
}

// applySlippage moves the mark adversely for the taker by the configured
// basis points.
func (b *Broker) applySlippage(side types.OrderSide, mark decimal.Decimal) (price, slippage decimal.Decimal) {
	if b.slippageBps.IsZero() {
		return mark, decimal.Zero
	}
	adj := mark.Mul(b.slippageBps).Div(bps)
	if side == types.OrderSideBuy {
		return mark.Add(adj), adj
	}
	return mark.Sub(adj), adj
}

// applyBuy adds to a position at weighted-average cost. Lock held.
func (b *Broker) applyBuy(order types.Order, price decimal.Decimal, now time.Time) {
	pos, ok := b.positions[order.Symbol]
	if !ok {
		b.positions[order.Symbol] = &types.Position{
			Symbol:   order.Symbol,
			Quantity: order.Quantity,
			AvgPrice: price,
			OpenedAt: now,
		}
		return
	}

	totalQty := pos.Quantity.Add(order.Quantity)
	totalCost := pos.Quantity.Mul(pos.AvgPrice).Add(order.Quantity.Mul(price))
	pos.AvgPrice = totalCost.Div(totalQty)
	pos.Quantity = totalQty
}

// applySell reduces a position, realizing PnL against average cost.
// The position is removed once quantity reaches zero. Lock held.
func (b *Broker) applySell(order types.Order, price, fee decimal.Decimal) {
	pos := b.positions[order.Symbol]

	realized := order.Quantity.Mul(price.Sub(pos.AvgPrice)).Sub(fee)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity = pos.Quantity.Sub(order.Quantity)

	if pos.Quantity.IsZero() {
		delete(b.positions, order.Symbol)
	}
}

// Portfolio returns a deep snapshot of broker state.
// Equity = cash + sum of qty*mark over open positions.
func (b *Broker) Portfolio() types.Portfolio {
	b.mu.RLock()
	defer b.mu.RUnlock()

	positions := make(map[string]*types.Position, len(b.positions))
	for symbol, pos := range b.positions {
		posCopy := *pos
		positions[symbol] = &posCopy
	}

	return types.Portfolio{
		Cash:           b.cash,
		Equity:         b.equityLocked(),
		Positions:      positions,
		CumulativeFees: b.cumulativeFees,
		UpdatedAt:      b.clock(),
	}
}

// Equity returns cash plus marked position value.
func (b *Broker) Equity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.equityLocked()
}

func (b *Broker) equityLocked() decimal.Decimal {
	equity := b.cash
	for symbol, pos := range b.positions {
		mark, ok := b.marks[symbol]
		if !ok {
			mark = pos.AvgPrice
		}
		equity = equity.Add(pos.Quantity.Mul(mark))
	}
	return equity
}

// LedgerEquity recomputes equity independently from the fill ledger:
// initial cash, minus buys, plus sells, minus fees, plus marked value of
// net holdings. Used by invariant checks against Equity().
func (b *Broker) LedgerEquity() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cash := b.initialCash
	holdings := make(map[string]decimal.Decimal)
	for _, f := range b.fills {
		notional := f.Quantity.Mul(f.Price)
		if f.Side == types.OrderSideBuy {
			cash = cash.Sub(notional).Sub(f.Fee)
			holdings[f.Symbol] = holdings[f.Symbol].Add(f.Quantity)
		} else {
			cash = cash.Add(notional).Sub(f.Fee)
			holdings[f.Symbol] = holdings[f.Symbol].Sub(f.Quantity)
		}
	}

	equity := cash
	for symbol, qty := range holdings {
		if qty.IsZero() {
			continue
		}
		if mark, ok := b.marks[symbol]; ok {
			equity = equity.Add(qty.Mul(mark))
		}
	}
	return equity
}

// Fills returns a copy of all fills in execution order.
func (b *Broker) Fills() []types.Fill {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fills := make([]types.Fill, len(b.fills))
	copy(fills, b.fills)
	return fills
}

// Rejections returns a copy of all rejections in submission order.
func (b *Broker) Rejections() []types.Rejection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rejections := make([]types.Rejection, len(b.rejections))
	copy(rejections, b.rejections)
	return rejections
}

// SetExitLevels attaches stop-loss/take-profit marks to an open position.
// The broker carries them as passive fields; crossing is evaluated by the
// exit monitor, which issues explicit orders.
func (b *Broker) SetExitLevels(symbol string, stopLoss, takeProfit decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pos, ok := b.positions[symbol]; ok {
		pos.StopLoss = stopLoss
		pos.TakeProfit = takeProfit
	}
}
