package sizing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvenBuyAmount(t *testing.T) {
	s := NewEven()

	amount, err := s.BuyAmount(1200, 2000, 6)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, amount, 1e-9)

	// last remaining slot spends the whole balance
	amount, err = s.BuyAmount(1200, 2000, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, amount, 1e-9)

	_, err = s.BuyAmount(0, 2000, 6)
	assert.ErrorIs(t, err, ErrInvalidBalance)
	_, err = s.BuyAmount(1200, 0, 6)
	assert.Error(t, err)
	_, err = s.BuyAmount(1200, 2000, 0)
	assert.Error(t, err)
}

func TestEvenSellAmount(t *testing.T) {
	s := NewEven()

	amount, err := s.SellAmount(0.4, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, amount, 1e-9)

	amount, err = s.SellAmount(0.4, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, amount, 1e-9)

	_, err = s.SellAmount(-1, 5)
	assert.ErrorIs(t, err, ErrInvalidBalance)
	_, err = s.SellAmount(0.4, 0)
	assert.Error(t, err)
}

func TestRatioAmounts(t *testing.T) {
	s, err := NewRatio(4)
	require.NoError(t, err)

	// ratio sizing ignores the slot count
	for _, slots := range []int{1, 5, 10} {
		amount, err := s.BuyAmount(1000, 2500, slots)
		require.NoError(t, err)
		assert.InDelta(t, 0.1, amount, 1e-9)

		amount, err = s.SellAmount(0.4, slots)
		require.NoError(t, err)
		assert.InDelta(t, 0.1, amount, 1e-9)
	}
}

func TestRatioValidation(t *testing.T) {
	_, err := NewRatio(1)
	assert.Error(t, err)
	_, err = NewRatio(0.5)
	assert.Error(t, err)

	s, err := NewRatio(2)
	require.NoError(t, err)
	_, err = s.BuyAmount(0, 2500, 1)
	assert.ErrorIs(t, err, ErrInvalidBalance)
	_, err = s.SellAmount(0, 1)
	assert.ErrorIs(t, err, ErrInvalidBalance)
}
