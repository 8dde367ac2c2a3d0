package strategy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/exchange"
	"github.com/3Dori/gridtrader/pkg/pairs"
	"github.com/3Dori/gridtrader/pkg/storage"
	"github.com/3Dori/gridtrader/pkg/streamaggr"
)

type ConfigBollinger struct {
	Symbol   string
	Pairs    *pairs.Registry
	Exchange exchange.Exchange
	Storer   storage.Storer // optional fill audit trail
	// WindowSize candles of WindowInterval form the statistics window.
	WindowSize     int
	WindowInterval time.Duration
	// MinOrderAmount is the smallest order value, in base units, the ladder
	// will be split into.
	MinOrderAmount float64
	LowerStdScale  float64
	UpperStdScale  float64
	// PriceModifier clamps the ladder band nearest to the market so resting
	// orders never cross the newest price.
	PriceModifier float64
	// TriggerInterval is the minimum time between ladder re-issues.
	TriggerInterval time.Duration
	LogErrors       bool
}

// Bollinger is a mean-reversion strategy: it maintains a sliding-window
// mean and standard deviation of the price and keeps a ladder of buy orders
// between [mean - upperScale*sigma, mean - lowerScale*sigma] and a ladder of
// sell orders in the mirrored band above the mean. Ladders are torn down and
// re-issued at most once per trigger interval.
type Bollinger struct {
	logger          logrus.FieldLogger
	symbol          string
	exch            exchange.Exchange
	storer          storage.Storer
	aggr            *streamaggr.Aggr
	windowSize      int
	windowInterval  time.Duration
	minOrderAmount  float64
	lowerStdScale   float64
	upperStdScale   float64
	priceModifier   float64
	triggerInterval int64
	logErrors       bool

	mu            sync.Mutex
	state         int
	newestPrice   float64
	buyOrders     []string
	sellOrders    []string
	lastTriggered int64
	sub           int
	subscribed    bool
}

func NewBollinger(cfg *ConfigBollinger, logger logrus.FieldLogger) (*Bollinger, error) {
	if _, err := cfg.Pairs.Lookup(cfg.Symbol); err != nil {
		return nil, err
	}
	if cfg.WindowSize <= 0 {
		return nil, errors.New("windowSize must be positive")
	}
	if cfg.MinOrderAmount <= 0 {
		return nil, errors.New("minOrderAmount must be positive")
	}
	if cfg.LowerStdScale <= 0 || cfg.UpperStdScale <= cfg.LowerStdScale {
		return nil, errors.New("require 0 < lowerStdScale < upperStdScale")
	}
	if cfg.PriceModifier <= 1 {
		return nil, errors.New("priceModifier must exceed 1")
	}
	if cfg.WindowInterval <= 0 {
		return nil, errors.New("windowInterval must be positive")
	}

	return &Bollinger{
		logger:          logger.WithField("module", "bollinger").WithField("symbol", cfg.Symbol),
		symbol:          cfg.Symbol,
		exch:            cfg.Exchange,
		storer:          cfg.Storer,
		aggr:            streamaggr.New(time.Duration(cfg.WindowSize) * cfg.WindowInterval),
		windowSize:      cfg.WindowSize,
		windowInterval:  cfg.WindowInterval,
		minOrderAmount:  cfg.MinOrderAmount,
		lowerStdScale:   cfg.LowerStdScale,
		upperStdScale:   cfg.UpperStdScale,
		priceModifier:   cfg.PriceModifier,
		triggerInterval: cfg.TriggerInterval.Milliseconds(),
		logErrors:       cfg.LogErrors,
	}, nil
}

func (b *Bollinger) Start(price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateUninitialized {
		return ErrAlreadyStarted
	}

	if price == 0 {
		newest, err := b.exch.NewestPrice(b.symbol)
		if err != nil {
			return fmt.Errorf("start: fail fetch newest price: %w", err)
		}
		price = newest
	}
	b.newestPrice = price

	sub, err := b.exch.SubscribeFills(b.symbol, b.onFill)
	if err != nil {
		return fmt.Errorf("start: fail subscribe fills: %w", err)
	}
	b.sub = sub
	b.subscribed = true

	// Seed the window from history so the band is meaningful from the
	// first tick instead of after windowSize candles.
	points, err := b.exch.PreviousPrices(b.symbol, b.windowInterval, b.windowSize)
	if err != nil {
		return fmt.Errorf("start: fail fetch previous prices: %w", err)
	}
	for _, p := range points {
		if err := b.aggr.Feed(p.Timestamp, p.Price); err != nil {
			return fmt.Errorf("start: fail seed window: %w", err)
		}
	}

	b.state = stateActive
	if err := b.failure("start: set orders", b.setOrders()); err != nil {
		return err
	}
	b.lastTriggered = b.exch.Time()

	b.logger.Infof("bollinger started at %v with %d seed prices", price, len(points))
	return nil
}

func (b *Bollinger) Feed(price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateActive {
		b.logger.Debugf("feed %v ignored: strategy not active", price)
		return nil
	}

	b.newestPrice = price
	now := b.exch.Time()
	if err := b.aggr.Feed(now, price); err != nil {
		return fmt.Errorf("feed: %w", err)
	}

	if now-b.lastTriggered >= b.triggerInterval {
		if err := b.failure("feed: set orders", b.setOrders()); err != nil {
			return err
		}
		b.lastTriggered = now
	}
	return nil
}

// setOrders tears down both ladders and re-issues them around the current
// band. Caller holds the lock.
func (b *Bollinger) setOrders() error {
	if err := b.cancelLadder(&b.buyOrders); err != nil {
		return err
	}
	if err := b.cancelLadder(&b.sellOrders); err != nil {
		return err
	}

	mean, err := b.aggr.Mean()
	if err != nil {
		return fmt.Errorf("band mean: %w", err)
	}
	std, err := b.aggr.StdDev()
	if err != nil {
		return fmt.Errorf("band stddev: %w", err)
	}

	lowerBuy := mean - std*b.upperStdScale
	upperBuy := mean - std*b.lowerStdScale
	if upperBuy >= b.newestPrice {
		upperBuy = b.newestPrice / b.priceModifier
	}
	buys, err := b.generateLadder(lowerBuy, upperBuy, exchange.OrderSideBuy)
	if err != nil {
		return err
	}
	b.buyOrders = buys

	lowerSell := mean + std*b.lowerStdScale
	upperSell := mean + std*b.upperStdScale
	if lowerSell <= b.newestPrice {
		lowerSell = b.newestPrice * b.priceModifier
	}
	sells, err := b.generateLadder(lowerSell, upperSell, exchange.OrderSideSell)
	if err != nil {
		return err
	}
	b.sellOrders = sells

	b.logger.Debugf("ladders re-issued: %d buys in [%v, %v], %d sells in [%v, %v]",
		len(buys), lowerBuy, upperBuy, len(sells), lowerSell, upperSell)
	return nil
}

// generateLadder splits the available balance into equally spaced orders of
// at least minOrderAmount base units each across [lower, upper].
func (b *Bollinger) generateLadder(lower, upper float64, side string) ([]string, error) {
	target, base, err := b.exch.BalancePair(b.symbol)
	if err != nil {
		return nil, fmt.Errorf("ladder: fail fetch balances: %w", err)
	}

	var numOrders int
	var amount float64
	if side == exchange.OrderSideBuy {
		perOrder := base * 2 / (lower + upper)
		numOrders = int(perOrder / b.minOrderAmount * lower)
		if numOrders > 0 {
			amount = perOrder / float64(numOrders)
		}
	} else {
		numOrders = int(target * lower / b.minOrderAmount)
		if numOrders > 0 {
			amount = target / float64(numOrders)
		}
	}
	if numOrders <= 0 {
		return nil, nil
	}

	prices := make([]float64, numOrders)
	amounts := make([]float64, numOrders)
	if numOrders == 1 {
		prices[0] = lower
	} else {
		step := (upper - lower) / float64(numOrders-1)
		for i := range prices {
			prices[i] = lower + float64(i)*step
		}
	}
	for i := range amounts {
		amounts[i] = amount
	}

	ids, err := b.exch.SubmitOrders(b.symbol, prices, amounts, side, exchange.OrderTypeLimit)
	if err != nil {
		return ids, fmt.Errorf("ladder: fail submit %s orders: %w", side, err)
	}
	return ids, nil
}

func (b *Bollinger) cancelLadder(orders *[]string) error {
	if len(*orders) == 0 {
		return nil
	}
	ids := *orders
	*orders = nil

	if err := b.exch.CancelOrders(b.symbol, ids); err != nil {
		// A filled rung surfaces as not-found on some gateways; the ladder
		// is rebuilt right after, so that is not fatal.
		if errors.Is(err, exchange.ErrOrderNotFound) {
			b.logger.WithError(err).Warn("ladder cancel skipped resolved orders")
			return nil
		}
		return fmt.Errorf("cancel ladder: %w", err)
	}
	return nil
}

func (b *Bollinger) onFill(fill exchange.Fill) {
	b.logger.Infof("fill %s %s %v at %v", fill.Side, fill.Symbol, fill.Amount, fill.Price)

	if b.storer == nil {
		return
	}
	err := b.storer.AddFill(storage.Fill{
		Symbol:     fill.Symbol,
		OrderID:    fill.OrderID,
		Side:       fill.Side,
		OrderType:  fill.Type,
		Amount:     fill.Amount,
		Price:      fill.Price,
		CashAmount: fill.CashAmount,
		Fee:        fill.Fee,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		b.logger.WithError(err).Error("fail record fill")
	}
}

func (b *Bollinger) Stop(liquidate bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateStopped {
		return nil
	}
	b.state = stateStopped

	if b.subscribed {
		if err := b.exch.UnsubscribeFills(b.sub); err != nil {
			b.logger.WithError(err).Error("stop: fail unsubscribe fills")
		}
		b.subscribed = false
	}

	if err := b.failure("stop: cancel buys", b.cancelLadder(&b.buyOrders)); err != nil {
		return err
	}
	if err := b.failure("stop: cancel sells", b.cancelLadder(&b.sellOrders)); err != nil {
		return err
	}

	if liquidate {
		target, _, err := b.exch.BalancePair(b.symbol)
		if err != nil {
			return fmt.Errorf("stop: fail fetch balances: %w", err)
		}
		if target > 0 {
			_, err := b.exch.CreateOrder(b.symbol, 0, exchange.OrderSideSell, exchange.OrderTypeMarket, 0, 0.999)
			if err := b.failure("stop: liquidate", err); err != nil {
				return err
			}
		}
	}

	b.logger.Info("bollinger stopped")
	return nil
}

func (b *Bollinger) failure(op string, err error) error {
	if err == nil {
		return nil
	}
	if b.logErrors {
		b.logger.WithError(err).Errorf("%s failed", op)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
