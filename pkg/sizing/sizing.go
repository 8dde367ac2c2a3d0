// Package sizing holds the order-sizing policies used by grid strategies to
// translate an available balance into the amount of a single resting order.
package sizing

import "errors"

var ErrInvalidBalance = errors.New("balance must be greater than 0")

type Sizer interface {
	// BuyAmount sizes a buy order out of the base-asset balance, given the
	// number of grid slots remaining on the buy side.
	BuyAmount(baseBalance, price float64, slots int) (float64, error)
	// SellAmount sizes a sell order out of the target-asset balance, given
	// the number of grid slots remaining on the sell side.
	SellAmount(targetBalance float64, slots int) (float64, error)
}
