package pairs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()

	pair, err := r.Lookup("ethusdt")
	require.NoError(t, err)
	assert.Equal(t, "eth", pair.Target)
	assert.Equal(t, "usdt", pair.Base)
	assert.Equal(t, 2, pair.PriceScale)
	assert.Equal(t, 4, pair.AmountScale)

	_, err = r.Lookup("nosuchpair")
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestAddOverridesLookup(t *testing.T) {
	r := New()
	_, err := r.Lookup("xrpusdt")
	require.ErrorIs(t, err, ErrUnknownSymbol)

	r.Add("xrpusdt", Pair{PriceScale: 4, AmountScale: 1, Target: "xrp", Base: "usdt"})
	pair, err := r.Lookup("xrpusdt")
	require.NoError(t, err)
	assert.Equal(t, "xrp", pair.Target)
}

func TestMinAmount(t *testing.T) {
	assert.InDelta(t, 1e-4, Pair{AmountScale: 4}.MinAmount(), 1e-12)
	assert.InDelta(t, 1e-2, Pair{AmountScale: 2}.MinAmount(), 1e-12)
	assert.InDelta(t, 1.0, Pair{AmountScale: 0}.MinAmount(), 1e-12)
}
