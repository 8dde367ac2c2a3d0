package sizing

import (
	"errors"
	"fmt"
)

// Even divides the current balance evenly across the remaining grid slots on
// the order's side, so a one-directional price run spends the whole balance
// by the time the last slot fills.
type Even struct{}

func NewEven() *Even {
	return &Even{}
}

func (s *Even) BuyAmount(baseBalance, price float64, slots int) (float64, error) {
	if baseBalance <= 0 {
		return 0, ErrInvalidBalance
	}
	if price <= 0 {
		return 0, fmt.Errorf("price must be greater than 0, got %v", price)
	}
	if slots < 1 {
		return 0, errors.New("no grid slots remaining on the buy side")
	}
	return baseBalance / float64(slots) / price, nil
}

func (s *Even) SellAmount(targetBalance float64, slots int) (float64, error) {
	if targetBalance <= 0 {
		return 0, ErrInvalidBalance
	}
	if slots < 1 {
		return 0, errors.New("no grid slots remaining on the sell side")
	}
	return targetBalance / float64(slots), nil
}
