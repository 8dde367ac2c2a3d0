package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/pairs"
)

const defaultFee = 0.002

type BacktestConfig struct {
	Pairs    *pairs.Registry
	Balances map[string]float64
	Prices   map[string]float64
	// Fee is the one-sided limit fee rate, defaults to 0.002.
	Fee float64
	// TimeStep advances the virtual clock on every Feed, defaults to 1s.
	TimeStep time.Duration
}

type fillSub struct {
	symbol  string
	handler FillHandler
}

// Backtest is the deterministic simulation of the exchange. Market orders
// settle synchronously at the current price with the round-trip fee; limit
// orders queue and resolve on Feed under the price-crossing rule with the
// one-sided fee. A single Feed resolves every eligible order for that tick.
type Backtest struct {
	logger   logrus.FieldLogger
	pairs    *pairs.Registry
	fee      float64
	timeStep int64

	mu       sync.Mutex
	balances map[string]float64
	prices   map[string]float64
	orders   map[string]*Order
	// unfinished holds queued limit order ids in creation order, so a tick
	// resolves fills deterministically.
	unfinished []string
	history    map[string][]PricePoint
	subs       map[int]fillSub
	nextSub    int
	now        int64
}

func NewBacktest(cfg *BacktestConfig, logger logrus.FieldLogger) *Backtest {
	fee := cfg.Fee
	if fee == 0 {
		fee = defaultFee
	}
	step := cfg.TimeStep
	if step == 0 {
		step = time.Second
	}

	balances := make(map[string]float64, len(cfg.Balances))
	for asset, amount := range cfg.Balances {
		balances[asset] = amount
	}
	prices := make(map[string]float64, len(cfg.Prices))
	for symbol, price := range cfg.Prices {
		prices[symbol] = price
	}

	return &Backtest{
		logger:   logger.WithField("module", "backtest"),
		pairs:    cfg.Pairs,
		fee:      fee,
		timeStep: step.Milliseconds(),
		balances: balances,
		prices:   prices,
		orders:   make(map[string]*Order),
		history:  make(map[string][]PricePoint),
		subs:     make(map[int]fillSub),
	}
}

func (b *Backtest) Balance(asset string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[asset], nil
}

func (b *Backtest) BalancePair(symbol string) (float64, float64, error) {
	pair, err := b.pairs.Lookup(symbol)
	if err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[pair.Target], b.balances[pair.Base], nil
}

func (b *Backtest) NewestPrice(symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("newest price %q: %w", symbol, pairs.ErrUnknownSymbol)
	}
	return price, nil
}

func (b *Backtest) CreateOrder(symbol string, price float64, side, orderType string, amount, amountFraction float64) (string, error) {
	pair, err := b.pairs.Lookup(symbol)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if orderType == OrderTypeMarket {
		current, ok := b.prices[symbol]
		if !ok {
			return "", fmt.Errorf("market order %q: %w", symbol, pairs.ErrUnknownSymbol)
		}
		price = current
	} else if price <= 0 {
		return "", fmt.Errorf("limit order at %v: %w", price, ErrInvalidPrice)
	}

	switch side {
	case OrderSideBuy:
		balance := b.balances[pair.Base]
		if amount == 0 && amountFraction > 0 {
			amount = balance / price * amountFraction
		}
		amount -= pair.MinAmount()
		if amount <= 0 {
			return "", fmt.Errorf("resolved buy amount %v: %w", amount, ErrInvalidAmount)
		}
		if amount*price > balance {
			return "", fmt.Errorf("buying %v with %v %s available: %w",
				amount*price, balance, pair.Base, ErrInsufficientBalance)
		}
	case OrderSideSell:
		balance := b.balances[pair.Target]
		if amount == 0 && amountFraction > 0 {
			amount = balance * amountFraction
		}
		amount -= pair.MinAmount()
		if amount <= 0 {
			return "", fmt.Errorf("resolved sell amount %v: %w", amount, ErrInvalidAmount)
		}
		if amount > balance {
			return "", fmt.Errorf("selling %v with %v %s available: %w",
				amount, balance, pair.Target, ErrInsufficientBalance)
		}
	default:
		return "", fmt.Errorf("unknown order side: %s", side)
	}

	order := &Order{
		ID:     uuid.NewString(),
		Symbol: symbol,
		Side:   side,
		Type:   orderType,
		Price:  price,
		Amount: amount,
		Status: OrderStatusSubmitted,
	}
	b.orders[order.ID] = order

	if orderType == OrderTypeMarket {
		// Synchronous settlement, round-trip fee. No fill event is
		// dispatched: the creator observes the fill on the returned record.
		cash := amount * price
		if side == OrderSideBuy {
			b.balances[pair.Target] += amount * (1 - b.fee*2)
			b.balances[pair.Base] -= cash
			b.setFilled(order, amount, amount*b.fee*2, cash)
		} else {
			b.balances[pair.Target] -= amount
			b.balances[pair.Base] += cash * (1 - b.fee*2)
			b.setFilled(order, amount, cash*b.fee*2, cash)
		}
	} else {
		b.unfinished = append(b.unfinished, order.ID)
	}

	return order.ID, nil
}

func (b *Backtest) setFilled(order *Order, amount, fee, cash float64) {
	order.FilledAmount = amount
	order.FilledFee = fee
	order.FilledCashAmount = cash
	order.Status = OrderStatusFilled
}

func (b *Backtest) SubmitOrders(symbol string, prices, amounts []float64, side, orderType string) ([]string, error) {
	if len(prices) != len(amounts) {
		return nil, fmt.Errorf("submit orders: %d prices for %d amounts", len(prices), len(amounts))
	}

	ids := make([]string, 0, len(prices))
	for i := range prices {
		id, err := b.CreateOrder(symbol, prices[i], side, orderType, amounts[i], 0)
		if err != nil {
			return ids, fmt.Errorf("submit orders: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backtest) Order(orderID string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("order %q: %w", orderID, ErrOrderNotFound)
	}
	return *order, nil
}

// CancelOrders cancels each still-pending order. Ids already resolved or
// belonging to another symbol are skipped: canceling something that settled
// must never corrupt state. A genuinely unknown id is an error.
func (b *Backtest) CancelOrders(symbol string, orderIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range orderIDs {
		order, ok := b.orders[id]
		if !ok {
			return fmt.Errorf("cancel %q: %w", id, ErrOrderNotFound)
		}
		if order.Status != OrderStatusSubmitted || order.Symbol != symbol {
			continue
		}
		order.Status = OrderStatusCanceled
		b.removeUnfinished(id)
	}
	return nil
}

func (b *Backtest) removeUnfinished(orderID string) {
	for i, id := range b.unfinished {
		if id == orderID {
			b.unfinished = append(b.unfinished[:i], b.unfinished[i+1:]...)
			return
		}
	}
}

// Feed updates the current price and resolves every queued limit order whose
// trigger condition the new price satisfies: buys fill at price <= limit,
// sells at price >= limit, both settling at the fed price with the one-sided
// fee. Fill events are dispatched after the internal lock is released, so
// handlers may call back into the gateway.
func (b *Backtest) Feed(symbol string, price float64) error {
	pair, err := b.pairs.Lookup(symbol)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.now += b.timeStep
	b.prices[symbol] = price
	b.history[symbol] = append(b.history[symbol], PricePoint{Timestamp: b.now, Price: price})

	var fills []Fill
	var remaining []string
	for _, id := range b.unfinished {
		order := b.orders[id]
		if order.Symbol != symbol {
			remaining = append(remaining, id)
			continue
		}

		var filled bool
		cash := order.Amount * price
		switch {
		case order.Side == OrderSideBuy && price <= order.Price:
			b.balances[pair.Target] += order.Amount * (1 - b.fee)
			b.balances[pair.Base] -= cash
			b.setFilled(order, order.Amount, order.Amount*b.fee, cash)
			filled = true
		case order.Side == OrderSideSell && price >= order.Price:
			b.balances[pair.Target] -= order.Amount
			b.balances[pair.Base] += cash * (1 - b.fee)
			b.setFilled(order, order.Amount, cash*b.fee, cash)
			filled = true
		}

		if filled {
			fills = append(fills, Fill{
				Symbol:     symbol,
				OrderID:    order.ID,
				Side:       order.Side,
				Type:       order.Type,
				Amount:     order.FilledAmount,
				Price:      price,
				CashAmount: order.FilledCashAmount,
				Fee:        order.FilledFee,
			})
		} else {
			remaining = append(remaining, id)
		}
	}
	b.unfinished = remaining

	subs := make([]fillSub, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, fill := range fills {
		for _, sub := range subs {
			if sub.symbol == fill.Symbol {
				sub.handler(fill)
			}
		}
	}
	return nil
}

func (b *Backtest) SubscribeFills(symbol string, handler FillHandler) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs[b.nextSub] = fillSub{symbol: symbol, handler: handler}
	return b.nextSub, nil
}

func (b *Backtest) UnsubscribeFills(handle int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[handle]; !ok {
		return fmt.Errorf("unsubscribe handle %d: unknown subscription", handle)
	}
	delete(b.subs, handle)
	return nil
}

// PreviousPrices replays the most recent fed prices. The requested interval
// is ignored: the simulation has no candlesticks, only the tick history.
func (b *Backtest) PreviousPrices(symbol string, _ time.Duration, count int) ([]PricePoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	points := b.history[symbol]
	if len(points) > count {
		points = points[len(points)-count:]
	}
	out := make([]PricePoint, len(points))
	copy(out, points)
	return out, nil
}

func (b *Backtest) Time() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

func (b *Backtest) Fee() float64 {
	return b.fee
}
