package sizing

import "fmt"

// Ratio spends a fixed fraction (1/ratio) of the current balance on every
// order regardless of remaining slots, leaving a geometric tail of balance
// in reserve.
type Ratio struct {
	ratio float64
}

func NewRatio(ratio float64) (*Ratio, error) {
	if ratio <= 1 {
		return nil, fmt.Errorf("ratio must be greater than 1, got %v", ratio)
	}
	return &Ratio{ratio: ratio}, nil
}

func (s *Ratio) BuyAmount(baseBalance, price float64, slots int) (float64, error) {
	if baseBalance <= 0 {
		return 0, ErrInvalidBalance
	}
	if price <= 0 {
		return 0, fmt.Errorf("price must be greater than 0, got %v", price)
	}
	return baseBalance / s.ratio / price, nil
}

func (s *Ratio) SellAmount(targetBalance float64, slots int) (float64, error) {
	if targetBalance <= 0 {
		return 0, ErrInvalidBalance
	}
	return targetBalance / s.ratio, nil
}
