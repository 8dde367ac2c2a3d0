package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/exchange"
	"github.com/3Dori/gridtrader/pkg/pairs"
	"github.com/3Dori/gridtrader/pkg/sizing"
	"github.com/3Dori/gridtrader/pkg/storage"
	"github.com/3Dori/gridtrader/pkg/utils/metrics/exporter"
)

const (
	GridTypeArithmetic = "arithmetic"
	GridTypeGeometric  = "geometric"

	moveStay = 0
	moveUp   = 1
	moveDown = -1

	stateUninitialized = 0
	stateActive        = 1
	stateStopped       = 2

	// balanceTolerance bounds the allowed drift between the engine ledger
	// and the gateway-reported balances.
	balanceTolerance = 1e-4
)

var (
	ErrOutOfRange         = errors.New("current price is beyond the grid range")
	ErrAlreadyStarted     = errors.New("strategy already started")
	ErrInvariantViolation = errors.New("invariant violation")
)

var (
	// method: Feed()
	metricFeedLatency     = exporter.GetGauge("gridtrader", "grid_feed_latency", []string{"symbol"})
	metricCompletedOrders = exporter.GetCounter("gridtrader", "grid_completed_orders_total", []string{"symbol"})
	metricLedgerDrift     = exporter.GetGauge("gridtrader", "grid_ledger_drift", []string{"symbol"})
)

type ConfigGrid struct {
	Symbol     string
	Pairs      *pairs.Registry
	Exchange   exchange.Exchange
	Sizer      sizing.Sizer
	Storer     storage.Storer // optional fill audit trail
	LowerPrice float64
	UpperPrice float64
	NumGrids   int
	GridType   string // arithmetic (default) or geometric
	// Initial target/base amounts the grid expects to trade with; available
	// balances below these reject construction.
	TargetAsset float64
	BaseAsset   float64
	// TakeProfitPrice stops the strategy when crossed upward; zero disables.
	TakeProfitPrice float64
	// StopLossPrice stops the strategy and liquidates the target position
	// when crossed downward; zero disables.
	StopLossPrice        float64
	StartWithMarketOrder bool
	// LogErrors selects log-and-continue for runtime order failures and
	// invariant violations; when false they propagate to the caller.
	LogErrors bool
}

// Grid is the grid execution engine: it owns grid construction, order
// placement and cancellation policy, fill confirmation and asset
// rebalancing for one symbol.
//
// The asset ledger is never derived from order arithmetic: it mutates only on
// authoritative fill events pushed by the gateway (market fills applied
// synchronously from the returned order record) and is asserted against the
// gateway balances after every update.
type Grid struct {
	logger    logrus.FieldLogger
	symbol    string
	pair      pairs.Pair
	exch      exchange.Exchange
	sizer     sizing.Sizer
	storer    storage.Storer
	numGrids        int
	grids           []float64
	takeProfit      float64
	stopLoss        float64
	startWithMarket bool
	logErrors       bool

	mu    sync.Mutex
	state int
	// orders maps a boundary index to its outstanding order id, empty string
	// for a free slot. At most one resting buy and one resting sell exist.
	orders   []string
	buySlot  int
	sellSlot int

	targetAsset      float64
	baseAsset        float64
	initialTotalBase float64

	prevGrid        int
	prevMove        int
	completedOrders int

	sub        int
	subscribed bool
	pendingErr error
}

func NewGrid(cfg *ConfigGrid, logger logrus.FieldLogger) (*Grid, error) {
	pair, err := cfg.Pairs.Lookup(cfg.Symbol)
	if err != nil {
		return nil, err
	}

	g := &Grid{
		logger:          logger.WithField("module", "grid").WithField("symbol", cfg.Symbol),
		symbol:          cfg.Symbol,
		pair:            pair,
		exch:            cfg.Exchange,
		sizer:           cfg.Sizer,
		storer:          cfg.Storer,
		numGrids:        cfg.NumGrids,
		takeProfit:      cfg.TakeProfitPrice,
		stopLoss:        cfg.StopLossPrice,
		startWithMarket: cfg.StartWithMarketOrder,
		logErrors:       cfg.LogErrors,
		buySlot:         -1,
		sellSlot:        -1,
		prevMove:        moveStay,
	}

	if err := g.buildGrids(cfg); err != nil {
		return nil, err
	}
	g.orders = make([]string, len(g.grids))

	target, base, err := g.exch.BalancePair(g.symbol)
	if err != nil {
		return nil, fmt.Errorf("grid: fail fetch balances: %w", err)
	}
	if target < cfg.TargetAsset {
		return nil, fmt.Errorf("%s balance %v below requested %v: %w",
			pair.Target, target, cfg.TargetAsset, exchange.ErrInsufficientBalance)
	}
	if base < cfg.BaseAsset {
		return nil, fmt.Errorf("%s balance %v below requested %v: %w",
			pair.Base, base, cfg.BaseAsset, exchange.ErrInsufficientBalance)
	}

	return g, nil
}

func (g *Grid) buildGrids(cfg *ConfigGrid) error {
	if cfg.LowerPrice >= cfg.UpperPrice {
		return errors.New("lowerPrice must be less than upperPrice")
	}
	if cfg.NumGrids < 2 || cfg.NumGrids > 99 {
		return errors.New("numGrids must be between 2 and 99")
	}
	if cfg.Sizer == nil {
		return errors.New("sizer can not be nil")
	}

	n := cfg.NumGrids
	g.grids = make([]float64, n+1)
	switch cfg.GridType {
	case GridTypeArithmetic, "":
		step := (cfg.UpperPrice - cfg.LowerPrice) / float64(n)
		for i := 0; i <= n; i++ {
			g.grids[i] = cfg.LowerPrice + float64(i)*step
		}
	case GridTypeGeometric:
		ratio := cfg.UpperPrice / cfg.LowerPrice
		for i := 0; i <= n; i++ {
			g.grids[i] = cfg.LowerPrice * math.Pow(ratio, float64(i)/float64(n))
		}
	default:
		return fmt.Errorf("unknown grid type: %s", cfg.GridType)
	}
	g.grids[n] = cfg.UpperPrice

	// A cell narrower than the fee spread can never be profitable: that is a
	// configuration error, not a runtime condition.
	roundTrip := g.exch.Fee() * 2
	for i := 0; i < n; i++ {
		margin := g.grids[i+1]/g.grids[i] - 1
		if margin <= roundTrip*2 {
			return fmt.Errorf("grid cell margin %v at boundary %d does not exceed twice the round-trip fee %v",
				margin, i, roundTrip)
		}
	}

	return nil
}

// gridIndex returns the index of the first boundary at or above price.
func (g *Grid) gridIndex(price float64) int {
	return sort.SearchFloat64s(g.grids, price)
}

func (g *Grid) Start(price float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != stateUninitialized {
		return ErrAlreadyStarted
	}

	if price == 0 {
		newest, err := g.exch.NewestPrice(g.symbol)
		if err != nil {
			return fmt.Errorf("start: fail fetch newest price: %w", err)
		}
		price = newest
	}
	if price <= g.grids[0] || price >= g.grids[g.numGrids] {
		return fmt.Errorf("start at %v with range (%v, %v): %w",
			price, g.grids[0], g.grids[g.numGrids], ErrOutOfRange)
	}

	target, base, err := g.exch.BalancePair(g.symbol)
	if err != nil {
		return fmt.Errorf("start: fail fetch balances: %w", err)
	}
	g.targetAsset = target
	g.baseAsset = base
	g.initialTotalBase = base + target*price

	sub, err := g.exch.SubscribeFills(g.symbol, g.onFill)
	if err != nil {
		return fmt.Errorf("start: fail subscribe fills: %w", err)
	}
	g.sub = sub
	g.subscribed = true

	curr := g.gridIndex(price)
	if g.startWithMarket {
		if err := g.rebalance(curr, price); err != nil {
			if failErr := g.failure("start: rebalance", err); failErr != nil {
				return failErr
			}
		}
	}

	if curr-1 >= 0 {
		if err := g.failure("start: place buy", g.placeBuy(curr-1)); err != nil {
			return err
		}
	}
	if curr <= g.numGrids {
		if err := g.failure("start: place sell", g.placeSell(curr)); err != nil {
			return err
		}
	}

	g.prevGrid = curr
	g.prevMove = moveStay
	g.state = stateActive

	g.logger.Infof("grid started at %v, index %d, %d boundaries", price, curr, len(g.grids))

	return g.failure("start: reconcile", g.reconcile())
}

// rebalance issues a market order moving the target/base split toward the
// proportion implied by the grid index before resting orders are placed.
func (g *Grid) rebalance(curr int, price float64) error {
	total := g.baseAsset + g.targetAsset*price
	desiredBase := total * float64(curr) / float64(g.numGrids+1)
	diff := desiredBase - g.baseAsset

	amount := math.Abs(diff) / price
	if amount <= g.pair.MinAmount()*2 {
		return nil
	}

	if diff > 0 {
		return g.marketOrder(exchange.OrderSideSell, amount, 0)
	}
	return g.marketOrder(exchange.OrderSideBuy, amount, 0)
}

// marketOrder creates a market order and applies its synchronous fill to the
// ledger from the returned order record.
func (g *Grid) marketOrder(side string, amount, fraction float64) error {
	id, err := g.exch.CreateOrder(g.symbol, 0, side, exchange.OrderTypeMarket, amount, fraction)
	if err != nil {
		return err
	}

	order, err := g.exch.Order(id)
	if err != nil {
		return err
	}
	if order.Status != exchange.OrderStatusFilled {
		return fmt.Errorf("market order %s settled as %s: %w", id, order.Status, ErrInvariantViolation)
	}

	g.applyFill(order.Side, order.FilledAmount, order.FilledCashAmount, order.FilledFee)
	g.record(exchange.Fill{
		Symbol:     g.symbol,
		OrderID:    order.ID,
		Side:       order.Side,
		Type:       order.Type,
		Amount:     order.FilledAmount,
		Price:      order.Price,
		CashAmount: order.FilledCashAmount,
		Fee:        order.FilledFee,
	})
	return nil
}

func (g *Grid) placeBuy(slot int) error {
	if g.orders[slot] != "" {
		return fmt.Errorf("buy slot %d already occupied by order %s: %w",
			slot, g.orders[slot], ErrInvariantViolation)
	}

	// slots at or below the boundary
	amount, err := g.sizer.BuyAmount(g.baseAsset, g.grids[slot], slot+1)
	if err != nil {
		return fmt.Errorf("size buy at %d: %w", slot, err)
	}

	id, err := g.exch.CreateOrder(g.symbol, g.grids[slot], exchange.OrderSideBuy, exchange.OrderTypeLimit, amount, 0)
	if err != nil {
		return fmt.Errorf("place buy at %d: %w", slot, err)
	}
	g.orders[slot] = id
	g.buySlot = slot
	g.logger.Debugf("buy order %s resting at boundary %d (%v)", id, slot, g.grids[slot])
	return nil
}

func (g *Grid) placeSell(slot int) error {
	if g.orders[slot] != "" {
		return fmt.Errorf("sell slot %d already occupied by order %s: %w",
			slot, g.orders[slot], ErrInvariantViolation)
	}

	// slots at or above the boundary
	amount, err := g.sizer.SellAmount(g.targetAsset, g.numGrids+1-slot)
	if err != nil {
		return fmt.Errorf("size sell at %d: %w", slot, err)
	}

	id, err := g.exch.CreateOrder(g.symbol, g.grids[slot], exchange.OrderSideSell, exchange.OrderTypeLimit, amount, 0)
	if err != nil {
		return fmt.Errorf("place sell at %d: %w", slot, err)
	}
	g.orders[slot] = id
	g.sellSlot = slot
	g.logger.Debugf("sell order %s resting at boundary %d (%v)", id, slot, g.grids[slot])
	return nil
}

// Feed is the per-tick transition: check take-profit/stop-loss, confirm
// fills of the resting orders, re-arm the grid around the new index and
// reconcile the ledger.
func (g *Grid) Feed(price float64) error {
	time0 := time.Now().UnixNano() / int64(time.Millisecond)
	defer func() {
		time1 := time.Now().UnixNano() / int64(time.Millisecond)
		metricFeedLatency.With(prometheus.Labels{"symbol": g.symbol}).Set(float64(time1 - time0))
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != stateActive {
		g.logger.Debugf("feed %v ignored: strategy not active", price)
		return nil
	}
	if g.pendingErr != nil {
		err := g.pendingErr
		g.pendingErr = nil
		return err
	}

	if g.takeProfit > 0 && price >= g.takeProfit {
		g.logger.Infof("take profit triggered at %v", price)
		return g.stopLocked(false)
	}
	if g.stopLoss > 0 && price <= g.stopLoss {
		g.logger.Warnf("stop loss triggered at %v", price)
		return g.stopLocked(true)
	}

	curr := g.gridIndex(price)

	handled, err := g.confirmSellFill(&curr)
	if err := g.failure("feed: sell side", err); err != nil {
		return err
	}
	if !handled {
		_, err := g.confirmBuyFill(&curr)
		if err := g.failure("feed: buy side", err); err != nil {
			return err
		}
	}

	if curr > g.numGrids && g.prevGrid <= g.numGrids {
		g.logger.Warnf("price %v moved above the grid range without a take profit", price)
	}
	if curr == 0 && g.prevGrid > 0 {
		g.logger.Warnf("price %v moved below the grid range without a stop loss", price)
	}

	switch {
	case curr > g.prevGrid:
		g.prevMove = moveUp
	case curr < g.prevGrid:
		g.prevMove = moveDown
	default:
		g.prevMove = moveStay
	}
	g.prevGrid = curr

	return g.failure("feed: reconcile", g.reconcile())
}

// confirmSellFill handles a filled resting sell: cancel the sibling buy (the
// grid never holds two resting orders once one side fills), then re-arm with
// a sell one boundary up and a buy two boundaries below it. A stationary
// index despite the fill means the tick lagged the execution; nudge the
// index up so the just-filled boundary is not re-armed.
func (g *Grid) confirmSellFill(curr *int) (bool, error) {
	if g.sellSlot < 0 {
		return false, nil
	}

	order, err := g.exch.Order(g.orders[g.sellSlot])
	if err != nil {
		return false, fmt.Errorf("fail fetch sell order: %w", err)
	}
	if order.Status != exchange.OrderStatusFilled {
		return false, nil
	}

	g.orders[g.sellSlot] = ""
	g.sellSlot = -1
	g.completedOrders++
	metricCompletedOrders.With(prometheus.Labels{"symbol": g.symbol}).Inc()

	if err := g.cancelSlot(&g.buySlot); err != nil {
		return true, err
	}

	if *curr == g.prevGrid {
		*curr++
	}

	if *curr <= g.numGrids {
		if err := g.placeSell(*curr); err != nil {
			return true, err
		}
	}
	if *curr-2 >= 0 && g.orders[*curr-2] == "" {
		if err := g.placeBuy(*curr - 2); err != nil {
			return true, err
		}
	}
	return true, nil
}

// confirmBuyFill mirrors confirmSellFill downward: re-arm with a buy one
// boundary below the index and a sell two boundaries above it.
func (g *Grid) confirmBuyFill(curr *int) (bool, error) {
	if g.buySlot < 0 {
		return false, nil
	}

	order, err := g.exch.Order(g.orders[g.buySlot])
	if err != nil {
		return false, fmt.Errorf("fail fetch buy order: %w", err)
	}
	if order.Status != exchange.OrderStatusFilled {
		return false, nil
	}

	g.orders[g.buySlot] = ""
	g.buySlot = -1
	g.completedOrders++
	metricCompletedOrders.With(prometheus.Labels{"symbol": g.symbol}).Inc()

	if err := g.cancelSlot(&g.sellSlot); err != nil {
		return true, err
	}

	if *curr == g.prevGrid {
		*curr--
	}

	if *curr-1 >= 0 {
		if err := g.placeBuy(*curr - 1); err != nil {
			return true, err
		}
	}
	if *curr+1 <= g.numGrids && g.orders[*curr+1] == "" {
		if err := g.placeSell(*curr + 1); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (g *Grid) cancelSlot(slot *int) error {
	if *slot < 0 {
		return nil
	}

	id := g.orders[*slot]
	g.orders[*slot] = ""
	*slot = -1

	if err := g.exch.CancelOrders(g.symbol, []string{id}); err != nil {
		return fmt.Errorf("cancel order %s: %w", id, err)
	}
	return nil
}

// onFill applies an authoritative settlement event to the ledger.
func (g *Grid) onFill(fill exchange.Fill) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.applyFill(fill.Side, fill.Amount, fill.CashAmount, fill.Fee)
	g.record(fill)

	if err := g.reconcile(); err != nil {
		if g.logErrors {
			g.logger.WithError(err).Error("fill reconcile failed")
		} else if g.pendingErr == nil {
			g.pendingErr = err
		}
	}
}

// applyFill mutates the ledger. The fee is denominated in the received
// asset: target for buys, base for sells.
func (g *Grid) applyFill(side string, amount, cash, fee float64) {
	if side == exchange.OrderSideBuy {
		g.targetAsset += amount - fee
		g.baseAsset -= cash
	} else {
		g.targetAsset -= amount
		g.baseAsset += cash - fee
	}
}

func (g *Grid) record(fill exchange.Fill) {
	if g.storer == nil {
		return
	}

	err := g.storer.AddFill(storage.Fill{
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
		// recording is an audit trail, never a reason to halt trading
		g.logger.WithError(err).Error("fail record fill")
	}
}

// reconcile asserts the ledger against the gateway-reported balances. Any
// divergence beyond tolerance is a bookkeeping bug.
func (g *Grid) reconcile() error {
	target, base, err := g.exch.BalancePair(g.symbol)
	if err != nil {
		return fmt.Errorf("reconcile: fail fetch balances: %w", err)
	}

	drift := math.Max(math.Abs(target-g.targetAsset), math.Abs(base-g.baseAsset))
	metricLedgerDrift.With(prometheus.Labels{"symbol": g.symbol}).Set(drift)

	if drift > balanceTolerance {
		return fmt.Errorf("ledger target=%v base=%v diverged from exchange target=%v base=%v: %w",
			g.targetAsset, g.baseAsset, target, base, ErrInvariantViolation)
	}
	return nil
}

// failure applies the configured error policy: log-and-continue when
// diagnostic logging is enabled, propagate otherwise.
func (g *Grid) failure(op string, err error) error {
	if err == nil {
		return nil
	}
	if g.logErrors {
		g.logger.WithError(err).Errorf("%s failed", op)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (g *Grid) Stop(liquidate bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked(liquidate)
}

func (g *Grid) stopLocked(liquidate bool) error {
	if g.state == stateStopped {
		return nil
	}
	g.state = stateStopped

	if g.subscribed {
		if err := g.exch.UnsubscribeFills(g.sub); err != nil {
			g.logger.WithError(err).Error("stop: fail unsubscribe fills")
		}
		g.subscribed = false
	}

	if err := g.failure("stop: cancel buy", g.cancelSlot(&g.buySlot)); err != nil {
		return err
	}
	if err := g.failure("stop: cancel sell", g.cancelSlot(&g.sellSlot)); err != nil {
		return err
	}

	if liquidate && g.targetAsset > g.pair.MinAmount()*2 {
		if err := g.failure("stop: liquidate", g.marketOrder(exchange.OrderSideSell, 0, 0.999)); err != nil {
			return err
		}
	}

	g.logger.Infof("grid stopped after %d completed orders", g.completedOrders)
	return nil
}

// TotalAsset values the ledger at the newest price, in base or target units.
func (g *Grid) TotalAsset(inBase bool) (float64, error) {
	price, err := g.exch.NewestPrice(g.symbol)
	if err != nil {
		return 0, fmt.Errorf("total asset: fail fetch newest price: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	total := g.baseAsset + g.targetAsset*price
	if inBase {
		return total, nil
	}
	return total / price, nil
}

func (g *Grid) ProfitPercentage() (float64, error) {
	total, err := g.TotalAsset(true)
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initialTotalBase == 0 {
		return 0, errors.New("profit percentage: strategy was never started")
	}
	return (total - g.initialTotalBase) / g.initialTotalBase * 100, nil
}

// CompletedOrders returns the number of confirmed limit fills.
func (g *Grid) CompletedOrders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completedOrders
}
