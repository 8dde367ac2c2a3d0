package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3Dori/gridtrader/pkg/exchange"
	"github.com/3Dori/gridtrader/pkg/pairs"
)

// newBollingerFixture builds a backtest whose tick history alternates
// 2400/2600, which gives the seeded window mean 2500 and stddev 100 exactly.
func newBollingerFixture(t *testing.T, cfg *ConfigBollinger) (*Bollinger, *exchange.Backtest) {
	t.Helper()

	registry := pairs.Default()
	bt := exchange.NewBacktest(&exchange.BacktestConfig{
		Pairs:    registry,
		Balances: map[string]float64{"usdt": 1000, "eth": 0.4},
		Prices:   map[string]float64{"ethusdt": 2500},
	}, testLogger())
	for i := 0; i < 20; i++ {
		price := 2400.0
		if i%2 == 1 {
			price = 2600.0
		}
		require.NoError(t, bt.Feed("ethusdt", price))
	}

	if cfg == nil {
		cfg = &ConfigBollinger{}
	}
	cfg.Symbol = "ethusdt"
	cfg.Pairs = registry
	cfg.Exchange = bt
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 20
	}
	if cfg.WindowInterval == 0 {
		cfg.WindowInterval = time.Second
	}
	if cfg.MinOrderAmount == 0 {
		cfg.MinOrderAmount = 50
	}
	if cfg.LowerStdScale == 0 {
		cfg.LowerStdScale = 1.5
	}
	if cfg.UpperStdScale == 0 {
		cfg.UpperStdScale = 2.2
	}
	if cfg.PriceModifier == 0 {
		cfg.PriceModifier = 1.01
	}
	if cfg.TriggerInterval == 0 {
		cfg.TriggerInterval = 5 * time.Second
	}

	b, err := NewBollinger(cfg, testLogger())
	require.NoError(t, err)
	return b, bt
}

func TestNewBollingerValidation(t *testing.T) {
	registry := pairs.Default()
	base := func() *ConfigBollinger {
		return &ConfigBollinger{
			Symbol:          "ethusdt",
			Pairs:           registry,
			WindowSize:      20,
			WindowInterval:  time.Minute,
			MinOrderAmount:  50,
			LowerStdScale:   1.5,
			UpperStdScale:   2.2,
			PriceModifier:   1.01,
			TriggerInterval: time.Minute,
		}
	}

	_, err := NewBollinger(base(), testLogger())
	require.NoError(t, err)

	cfg := base()
	cfg.Symbol = "nosuchpair"
	_, err = NewBollinger(cfg, testLogger())
	assert.ErrorIs(t, err, pairs.ErrUnknownSymbol)

	cfg = base()
	cfg.WindowSize = 0
	_, err = NewBollinger(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.MinOrderAmount = -1
	_, err = NewBollinger(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.UpperStdScale = 1.0
	_, err = NewBollinger(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.PriceModifier = 0.99
	_, err = NewBollinger(cfg, testLogger())
	assert.Error(t, err)
}

// TestBollingerStartSeedsAndLadders checks that Start seeds the window from
// history and issues both ladders sized by the minimum order amount.
func TestBollingerStartSeedsAndLadders(t *testing.T) {
	b, bt := newBollingerFixture(t, nil)

	require.NoError(t, b.Start(0))
	assert.Equal(t, 20, b.aggr.Count())

	// base 1000 across the buy band [2280, 2350] in >= 50 usdt orders
	assert.Len(t, b.buyOrders, 19)
	// target 0.4 across the sell band [2650, 2720] in >= 50 usdt orders
	assert.Len(t, b.sellOrders, 21)

	for _, id := range b.buyOrders {
		order, err := bt.Order(id)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderSideBuy, order.Side)
		assert.GreaterOrEqual(t, order.Price, 2280.0)
		assert.LessOrEqual(t, order.Price, 2350.0)
	}
	for _, id := range b.sellOrders {
		order, err := bt.Order(id)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderSideSell, order.Side)
		assert.GreaterOrEqual(t, order.Price, 2650.0)
		assert.LessOrEqual(t, order.Price, 2720.0)
	}
}

// TestBollingerTriggerInterval checks that ladders are only re-issued after
// the trigger interval elapses, and the stale ladder is canceled first.
func TestBollingerTriggerInterval(t *testing.T) {
	b, bt := newBollingerFixture(t, nil)
	require.NoError(t, b.Start(0))

	firstBuys := append([]string(nil), b.buyOrders...)

	// one second is below the five second trigger interval
	require.NoError(t, bt.Feed("ethusdt", 2500))
	require.NoError(t, b.Feed(2500))
	assert.Equal(t, firstBuys, b.buyOrders)

	for i := 0; i < 4; i++ {
		require.NoError(t, bt.Feed("ethusdt", 2500))
		require.NoError(t, b.Feed(2500))
	}
	assert.NotEqual(t, firstBuys, b.buyOrders)

	for _, id := range firstBuys {
		order, err := bt.Order(id)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusCanceled, order.Status)
	}
}

func TestBollingerStop(t *testing.T) {
	b, bt := newBollingerFixture(t, nil)
	require.NoError(t, b.Start(0))

	buys := append([]string(nil), b.buyOrders...)
	sells := append([]string(nil), b.sellOrders...)

	require.NoError(t, b.Stop(false))
	require.NoError(t, b.Stop(false))

	for _, id := range append(buys, sells...) {
		order, err := bt.Order(id)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusCanceled, order.Status)
	}

	eth, _, err := bt.BalancePair("ethusdt")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, eth, 1e-9)

	// a stopped strategy ignores further ticks
	require.NoError(t, b.Feed(2000))
}

func TestBollingerStopLiquidates(t *testing.T) {
	b, bt := newBollingerFixture(t, nil)
	require.NoError(t, b.Start(0))
	require.NoError(t, b.Stop(true))

	eth, _, err := bt.BalancePair("ethusdt")
	require.NoError(t, err)
	assert.Less(t, eth, 0.01)
}
