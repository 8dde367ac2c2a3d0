package strategy

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3Dori/gridtrader/pkg/exchange"
	"github.com/3Dori/gridtrader/pkg/pairs"
	"github.com/3Dori/gridtrader/pkg/sizing"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newGridFixture(t *testing.T, cfg *ConfigGrid) (*Grid, *exchange.Backtest) {
	t.Helper()

	registry := pairs.Default()
	bt := exchange.NewBacktest(&exchange.BacktestConfig{
		Pairs:    registry,
		Balances: map[string]float64{"usdt": 1000, "eth": 0.4},
		Prices:   map[string]float64{"ethusdt": 2501},
	}, testLogger())

	if cfg == nil {
		cfg = &ConfigGrid{}
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "ethusdt"
	}
	cfg.Pairs = registry
	cfg.Exchange = bt
	if cfg.Sizer == nil {
		cfg.Sizer = sizing.NewEven()
	}
	if cfg.LowerPrice == 0 && cfg.UpperPrice == 0 {
		cfg.LowerPrice = 2000
		cfg.UpperPrice = 3000
	}
	if cfg.NumGrids == 0 {
		cfg.NumGrids = 10
	}

	g, err := NewGrid(cfg, testLogger())
	require.NoError(t, err)
	return g, bt
}

func assertLedgerMatches(t *testing.T, g *Grid, bt *exchange.Backtest) {
	t.Helper()
	target, base, err := bt.BalancePair(g.symbol)
	require.NoError(t, err)
	assert.InDelta(t, target, g.targetAsset, 1e-4)
	assert.InDelta(t, base, g.baseAsset, 1e-4)
}

// TestGridScenario drives the engine through a price path that exercises
// up-fills, down-fills, lagging ticks and the re-arm policy, checking the
// occupied order slots, the tracked grid index and the ledger at every step.
func TestGridScenario(t *testing.T) {
	g, bt := newGridFixture(t, &ConfigGrid{TargetAsset: 0.4, BaseAsset: 1000})

	require.NoError(t, g.Start(2501))
	assert.Equal(t, 5, g.buySlot)
	assert.Equal(t, 6, g.sellSlot)
	assert.Equal(t, 6, g.prevGrid)
	assertLedgerMatches(t, g, bt)

	steps := []struct {
		price             float64
		buySlot, sellSlot int
		prevGrid          int
	}{
		{2501, 5, 6, 6},
		{2510, 5, 6, 6},
		{2610, 5, 7, 7},
		{2710, 6, 8, 8},
		{2610, 6, 8, 7},
		{2710, 6, 8, 8},
		{2610, 6, 8, 7},
		{2510, 5, 7, 6},
	}

	for i, step := range steps {
		require.NoError(t, bt.Feed("ethusdt", step.price))
		require.NoError(t, g.Feed(step.price))

		assert.Equal(t, step.buySlot, g.buySlot, "buy slot after step %d (%v)", i, step.price)
		assert.Equal(t, step.sellSlot, g.sellSlot, "sell slot after step %d (%v)", i, step.price)
		assert.Equal(t, step.prevGrid, g.prevGrid, "grid index after step %d (%v)", i, step.price)
		assertLedgerMatches(t, g, bt)
	}

	// two sells and one buy completed along the path
	assert.Equal(t, 3, g.CompletedOrders())
}

// TestGridOverflowDrainsTarget walks the price through the top of the range:
// every sell boundary fills once and the target position drains to dust.
func TestGridOverflowDrainsTarget(t *testing.T) {
	g, bt := newGridFixture(t, &ConfigGrid{TargetAsset: 0.4, BaseAsset: 1000})

	require.NoError(t, g.Start(2501))
	for _, price := range []float64{2501, 2610, 2710, 2810, 2910, 3010, 3110} {
		require.NoError(t, bt.Feed("ethusdt", price))
		require.NoError(t, g.Feed(price))
		assertLedgerMatches(t, g, bt)
	}

	eth, _, err := bt.BalancePair("ethusdt")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, eth, 1e-2)
	assert.InDelta(t, 0.0, g.targetAsset, 1e-2)
	assert.Equal(t, 5, g.CompletedOrders())
}

func TestNewGridValidation(t *testing.T) {
	registry := pairs.Default()
	bt := exchange.NewBacktest(&exchange.BacktestConfig{
		Pairs:    registry,
		Balances: map[string]float64{"usdt": 1000, "eth": 0.4},
		Prices:   map[string]float64{"ethusdt": 2501},
	}, testLogger())

	base := func() *ConfigGrid {
		return &ConfigGrid{
			Symbol:     "ethusdt",
			Pairs:      registry,
			Exchange:   bt,
			Sizer:      sizing.NewEven(),
			LowerPrice: 2000,
			UpperPrice: 3000,
			NumGrids:   10,
		}
	}

	_, err := NewGrid(base(), testLogger())
	require.NoError(t, err)

	cfg := base()
	cfg.Symbol = "nosuchpair"
	_, err = NewGrid(cfg, testLogger())
	assert.ErrorIs(t, err, pairs.ErrUnknownSymbol)

	cfg = base()
	cfg.LowerPrice, cfg.UpperPrice = 3000, 2000
	_, err = NewGrid(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.NumGrids = 1
	_, err = NewGrid(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.NumGrids = 100
	_, err = NewGrid(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.Sizer = nil
	_, err = NewGrid(cfg, testLogger())
	assert.Error(t, err)

	cfg = base()
	cfg.GridType = "harmonic"
	_, err = NewGrid(cfg, testLogger())
	assert.Error(t, err)

	// cells narrower than the fee spread are rejected
	cfg = base()
	cfg.LowerPrice, cfg.UpperPrice = 2000, 2100
	cfg.NumGrids = 50
	_, err = NewGrid(cfg, testLogger())
	assert.Error(t, err)

	// requesting more than the account holds is rejected
	cfg = base()
	cfg.TargetAsset = 5
	_, err = NewGrid(cfg, testLogger())
	assert.ErrorIs(t, err, exchange.ErrInsufficientBalance)

	cfg = base()
	cfg.BaseAsset = 5000
	_, err = NewGrid(cfg, testLogger())
	assert.ErrorIs(t, err, exchange.ErrInsufficientBalance)
}

func TestGeometricBoundaries(t *testing.T) {
	g, _ := newGridFixture(t, &ConfigGrid{
		LowerPrice: 2000,
		UpperPrice: 3000,
		NumGrids:   4,
		GridType:   GridTypeGeometric,
	})

	require.Len(t, g.grids, 5)
	assert.InDelta(t, 2000.0, g.grids[0], 1e-9)
	assert.InDelta(t, 3000.0, g.grids[4], 1e-9)
	for i := 0; i < 4; i++ {
		assert.InDelta(t, g.grids[1]/g.grids[0], g.grids[i+1]/g.grids[i], 1e-9)
	}
}

func TestGridStartOutOfRange(t *testing.T) {
	g, _ := newGridFixture(t, nil)
	assert.ErrorIs(t, g.Start(1999), ErrOutOfRange)
	assert.ErrorIs(t, g.Start(2000), ErrOutOfRange)
	assert.ErrorIs(t, g.Start(3000), ErrOutOfRange)
	assert.ErrorIs(t, g.Start(3500), ErrOutOfRange)
}

func TestGridStartTwice(t *testing.T) {
	g, _ := newGridFixture(t, nil)
	require.NoError(t, g.Start(2501))
	assert.ErrorIs(t, g.Start(2501), ErrAlreadyStarted)
}

// TestTakeProfit checks that crossing the take-profit price stops the
// strategy without liquidating and cancels the resting orders.
func TestTakeProfit(t *testing.T) {
	g, bt := newGridFixture(t, &ConfigGrid{TakeProfitPrice: 2900})

	require.NoError(t, g.Start(2501))
	buyID := g.orders[g.buySlot]
	sellID := g.orders[g.sellSlot]

	require.NoError(t, g.Feed(2950))
	assert.Equal(t, stateStopped, g.state)

	for _, id := range []string{buyID, sellID} {
		order, err := bt.Order(id)
		require.NoError(t, err)
		assert.Equal(t, exchange.OrderStatusCanceled, order.Status)
	}

	eth, _, err := bt.BalancePair("ethusdt")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, eth, 1e-9)

	// further ticks are ignored
	require.NoError(t, g.Feed(2000))
	assert.Equal(t, stateStopped, g.state)
}

// TestStopLoss checks that crossing the stop-loss price stops the strategy
// and liquidates the target position at market.
func TestStopLoss(t *testing.T) {
	g, bt := newGridFixture(t, &ConfigGrid{StopLossPrice: 2200})

	require.NoError(t, g.Start(2501))
	require.NoError(t, g.Feed(2100))
	assert.Equal(t, stateStopped, g.state)

	eth, _, err := bt.BalancePair("ethusdt")
	require.NoError(t, err)
	assert.Less(t, eth, 0.01)
	assertLedgerMatches(t, g, bt)
}

func TestStopIdempotent(t *testing.T) {
	g, _ := newGridFixture(t, nil)
	require.NoError(t, g.Start(2501))
	require.NoError(t, g.Stop(false))
	require.NoError(t, g.Stop(false))
	require.NoError(t, g.Stop(true))
}

func TestStartWithMarketOrderRebalances(t *testing.T) {
	g, bt := newGridFixture(t, &ConfigGrid{StartWithMarketOrder: true})

	require.NoError(t, g.Start(2501))
	assertLedgerMatches(t, g, bt)

	// index 6 of 11 slots wants roughly 6/11 of the total in base
	total := g.baseAsset + g.targetAsset*2501
	assert.InDelta(t, total*6/11, g.baseAsset, total*0.01)
}

func TestProfitSurface(t *testing.T) {
	g, bt := newGridFixture(t, nil)
	require.NoError(t, g.Start(2501))

	totalBase, err := g.TotalAsset(true)
	require.NoError(t, err)
	assert.InDelta(t, 1000+0.4*2501, totalBase, 1e-6)

	totalTarget, err := g.TotalAsset(false)
	require.NoError(t, err)
	assert.InDelta(t, totalBase/2501, totalTarget, 1e-9)

	profit, err := g.ProfitPercentage()
	require.NoError(t, err)
	assert.InDelta(t, 0.0, profit, 1e-9)

	// a favorable move shows up as unrealized profit
	require.NoError(t, bt.Feed("ethusdt", 2550))
	require.NoError(t, g.Feed(2550))
	profit, err = g.ProfitPercentage()
	require.NoError(t, err)
	assert.Greater(t, profit, 0.0)
}
