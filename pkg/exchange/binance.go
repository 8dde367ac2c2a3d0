package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/pairs"
)

type BinanceConfig struct {
	ApiKey    string
	SecretKey string
	Pairs     *pairs.Registry
	// FeeRate is the one-sided fee rate of the account tier.
	FeeRate float64
	// PollInterval drives the fill-notification loop, defaults to 5s.
	PollInterval time.Duration
}

// Binance is the live gateway. Fill notifications are produced by a
// background loop polling the status of orders created through this gateway;
// resolved fills only need eventual delivery, and polling keeps the
// transport surface small.
type Binance struct {
	ctx        context.Context
	cancelFunc func()
	logger     logrus.FieldLogger
	connection *binance.Client
	pairs      *pairs.Registry
	fee        float64
	interval   time.Duration
	doneSig    chan struct{}

	mu      sync.Mutex
	symbols map[string]string // order id -> symbol
	pending map[string]struct{}
	subs    map[int]fillSub
	nextSub int
}

func NewBinance(cfg *BinanceConfig, logger logrus.FieldLogger) *Binance {
	gatewayCtx, cancel := context.WithCancel(context.Background())

	interval := cfg.PollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}

	return &Binance{
		ctx:        gatewayCtx,
		cancelFunc: cancel,
		logger:     logger.WithField("module", "binance"),
		connection: binance.NewClient(cfg.ApiKey, cfg.SecretKey),
		pairs:      cfg.Pairs,
		fee:        cfg.FeeRate,
		interval:   interval,
		doneSig:    make(chan struct{}),
		symbols:    make(map[string]string),
		pending:    make(map[string]struct{}),
		subs:       make(map[int]fillSub),
	}
}

func (b *Binance) Start() {
	go func() {
		for {
			select {
			case <-b.ctx.Done():
				b.doneSig <- struct{}{}
				return
			default:
				b.run()
				<-time.After(b.interval)
			}
		}
	}()

	b.logger.Info("gateway Binance successful start")
}

func (b *Binance) Stop() {
	b.cancelFunc()
	b.logger.Info("gateway Binance stopping ...")

	<-b.doneSig
	b.logger.Info("gateway Binance successful stop")
}

func (b *Binance) Balance(asset string) (float64, error) {
	account, err := b.connection.NewGetAccountService().Do(b.ctx)
	if err != nil {
		return 0, fmt.Errorf("binance account: %w", err)
	}

	for _, balance := range account.Balances {
		if balance.Asset == asset {
			free, err := strconv.ParseFloat(balance.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("binance balance %s: %w", asset, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

func (b *Binance) BalancePair(symbol string) (float64, float64, error) {
	pair, err := b.pairs.Lookup(symbol)
	if err != nil {
		return 0, 0, err
	}

	target, err := b.Balance(pair.Target)
	if err != nil {
		return 0, 0, err
	}
	base, err := b.Balance(pair.Base)
	if err != nil {
		return 0, 0, err
	}
	return target, base, nil
}

func (b *Binance) NewestPrice(symbol string) (float64, error) {
	prices, err := b.connection.NewListPricesService().Symbol(symbol).Do(b.ctx)
	if err != nil {
		return 0, fmt.Errorf("binance list prices %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance list prices %s: empty response", symbol)
	}
	return strconv.ParseFloat(prices[0].Price, 64)
}

func (b *Binance) CreateOrder(symbol string, price float64, side, orderType string, amount, amountFraction float64) (string, error) {
	pair, err := b.pairs.Lookup(symbol)
	if err != nil {
		return "", err
	}

	if amount == 0 && amountFraction > 0 {
		amount, err = b.resolveFraction(pair, price, side, amountFraction)
		if err != nil {
			return "", err
		}
	}
	if amount <= 0 {
		return "", fmt.Errorf("resolved amount %v: %w", amount, ErrInvalidAmount)
	}

	service := b.connection.NewCreateOrderService().
		Symbol(symbol).
		Quantity(fmt.Sprintf("%.*f", pair.AmountScale, amount))
	if side == OrderSideBuy {
		service.Side(binance.SideTypeBuy)
	} else {
		service.Side(binance.SideTypeSell)
	}
	if orderType == OrderTypeMarket {
		service.Type(binance.OrderTypeMarket)
	} else {
		if price <= 0 {
			return "", fmt.Errorf("limit order at %v: %w", price, ErrInvalidPrice)
		}
		service.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(fmt.Sprintf("%.*f", pair.PriceScale, price))
	}

	resp, err := service.Do(b.ctx)
	if err != nil {
		return "", fmt.Errorf("binance create order: %w", err)
	}

	id := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.symbols[id] = symbol
	if orderType == OrderTypeLimit {
		b.pending[id] = struct{}{}
	}
	b.mu.Unlock()

	return id, nil
}

func (b *Binance) resolveFraction(pair pairs.Pair, price float64, side string, fraction float64) (float64, error) {
	if side == OrderSideSell {
		balance, err := b.Balance(pair.Target)
		if err != nil {
			return 0, err
		}
		return balance * fraction, nil
	}

	balance, err := b.Balance(pair.Base)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("buy fraction without price: %w", ErrInvalidPrice)
	}
	return balance / price * fraction, nil
}

func (b *Binance) SubmitOrders(symbol string, prices, amounts []float64, side, orderType string) ([]string, error) {
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

func (b *Binance) Order(orderID string) (Order, error) {
	symbol, numericID, err := b.lookupOrder(orderID)
	if err != nil {
		return Order{}, err
	}

	resp, err := b.connection.NewGetOrderService().Symbol(symbol).OrderID(numericID).Do(b.ctx)
	if err != nil {
		return Order{}, fmt.Errorf("binance get order %s: %w", orderID, err)
	}
	return b.castOrder(resp), nil
}

func (b *Binance) lookupOrder(orderID string) (string, int64, error) {
	b.mu.Lock()
	symbol, ok := b.symbols[orderID]
	b.mu.Unlock()
	if !ok {
		return "", 0, fmt.Errorf("order %q: %w", orderID, ErrOrderNotFound)
	}

	numericID, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("order id %q: %w", orderID, err)
	}
	return symbol, numericID, nil
}

func (b *Binance) castOrder(o *binance.Order) Order {
	price, _ := strconv.ParseFloat(o.Price, 64)
	amount, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	executed, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	cash, _ := strconv.ParseFloat(o.CummulativeQuoteQuantity, 64)

	order := Order{
		ID:               strconv.FormatInt(o.OrderID, 10),
		Symbol:           o.Symbol,
		Price:            price,
		Amount:           amount,
		FilledAmount:     executed,
		FilledCashAmount: cash,
	}

	if o.Side == binance.SideTypeBuy {
		order.Side = OrderSideBuy
		order.FilledFee = executed * b.fee
	} else {
		order.Side = OrderSideSell
		order.FilledFee = cash * b.fee
	}
	if o.Type == binance.OrderTypeMarket {
		order.Type = OrderTypeMarket
		order.FilledFee *= 2
	} else {
		order.Type = OrderTypeLimit
	}

	switch o.Status {
	case binance.OrderStatusTypeFilled:
		order.Status = OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired, binance.OrderStatusTypeRejected:
		order.Status = OrderStatusCanceled
	default:
		order.Status = OrderStatusSubmitted
	}
	return order
}

// CancelOrders cancels each still-open order, skipping ids that resolved in
// the meantime.
func (b *Binance) CancelOrders(symbol string, orderIDs []string) error {
	for _, id := range orderIDs {
		_, numericID, err := b.lookupOrder(id)
		if err != nil {
			return err
		}

		_, err = b.connection.NewCancelOrderService().Symbol(symbol).OrderID(numericID).Do(b.ctx)
		if err == nil {
			b.mu.Lock()
			delete(b.pending, id)
			b.mu.Unlock()
			continue
		}

		// The cancel races fills: a rejected cancel of an already-resolved
		// order is a no-op, anything else is a real failure.
		order, getErr := b.Order(id)
		if getErr != nil || order.Status == OrderStatusSubmitted {
			return fmt.Errorf("binance cancel order %s: %w", id, err)
		}
	}
	return nil
}

func (b *Binance) SubscribeFills(symbol string, handler FillHandler) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.subs[b.nextSub] = fillSub{symbol: symbol, handler: handler}
	return b.nextSub, nil
}

func (b *Binance) UnsubscribeFills(handle int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[handle]; !ok {
		return fmt.Errorf("unsubscribe handle %d: unknown subscription", handle)
	}
	delete(b.subs, handle)
	return nil
}

// run polls pending orders and turns completions into fill events.
func (b *Binance) run() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		order, err := b.Order(id)
		if err != nil {
			b.logger.WithError(err).Errorf("fill poll: fail order details %s", id)
			continue
		}

		switch order.Status {
		case OrderStatusSubmitted:
			continue
		case OrderStatusCanceled:
			b.mu.Lock()
			delete(b.pending, id)
			b.mu.Unlock()
		case OrderStatusFilled:
			b.mu.Lock()
			delete(b.pending, id)
			subs := make([]fillSub, 0, len(b.subs))
			for _, sub := range b.subs {
				subs = append(subs, sub)
			}
			b.mu.Unlock()

			price := order.Price
			if order.FilledAmount > 0 {
				price = order.FilledCashAmount / order.FilledAmount
			}
			fill := Fill{
				Symbol:     order.Symbol,
				OrderID:    order.ID,
				Side:       order.Side,
				Type:       order.Type,
				Amount:     order.FilledAmount,
				Price:      price,
				CashAmount: order.FilledCashAmount,
				Fee:        order.FilledFee,
			}
			for _, sub := range subs {
				if sub.symbol == fill.Symbol {
					sub.handler(fill)
				}
			}
		}
	}
}

func (b *Binance) PreviousPrices(symbol string, interval time.Duration, count int) ([]PricePoint, error) {
	candleInterval, err := castCandleInterval(interval)
	if err != nil {
		return nil, err
	}

	klines, err := b.connection.NewKlinesService().
		Symbol(symbol).
		Interval(candleInterval).
		Limit(count).
		Do(b.ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}

	points := make([]PricePoint, 0, len(klines))
	for _, k := range klines {
		open, err := strconv.ParseFloat(k.Open, 64)
		if err != nil {
			return nil, fmt.Errorf("binance kline open: %w", err)
		}
		closePrice, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			return nil, fmt.Errorf("binance kline close: %w", err)
		}
		// mid point of open and close approximates the candle price
		points = append(points, PricePoint{
			Timestamp: k.OpenTime,
			Price:     (open + closePrice) / 2,
		})
	}
	return points, nil
}

func castCandleInterval(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "1m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 24 * time.Hour:
		return "1d", nil
	default:
		return "", fmt.Errorf("unsupported candlestick interval: %s", interval)
	}
}

func (b *Binance) Time() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func (b *Binance) Fee() float64 {
	return b.fee
}
