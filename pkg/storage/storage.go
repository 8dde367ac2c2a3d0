package storage

import "time"

// Storer records confirmed fills as an append-only audit trail. Strategy
// state is not persisted: a restarted process starts a fresh strategy.
type Storer interface {
	AddFill(fill Fill) error
	Fills(symbol string) ([]Fill, error)
}

type Fill struct {
	ID         int
	Symbol     string
	OrderID    string
	Side       string
	OrderType  string
	Amount     float64
	Price      float64
	CashAmount float64
	Fee        float64
	CreatedAt  time.Time
}
