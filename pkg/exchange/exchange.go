package exchange

import (
	"errors"
	"time"
)

const (
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusFilled    = "FILLED"
	OrderStatusCanceled  = "CANCELED"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid order amount")
	ErrInvalidPrice        = errors.New("invalid order price")
	ErrOrderNotFound       = errors.New("order not found")
)

// Order is the exchange-owned order record. Strategies hold only the ID and
// read the rest back through Exchange.Order.
type Order struct {
	ID     string
	Symbol string
	Side   string
	Type   string
	// Price is zero for market orders.
	Price            float64
	Amount           float64
	FilledAmount     float64
	FilledFee        float64
	FilledCashAmount float64
	Status           string
}

// Fill is the authoritative settlement notification for a resolved order.
// Fee is denominated in the asset received by the order side: target for
// buys, base for sells.
type Fill struct {
	Symbol     string
	OrderID    string
	Side       string
	Type       string
	Amount     float64
	Price      float64
	CashAmount float64
	Fee        float64
}

type FillHandler func(Fill)

type PricePoint struct {
	Timestamp int64 // milliseconds
	Price     float64
}

// Exchange is the gateway capability surface consumed by strategies. Balance
// and price reads must be safe under concurrent use; order mutations are
// serialized per symbol by the implementation.
type Exchange interface {
	Balance(asset string) (float64, error)
	BalancePair(symbol string) (target, base float64, err error)
	NewestPrice(symbol string) (float64, error)

	// CreateOrder resolves the traded quantity from exactly one of amount and
	// amountFraction (fraction of the available balance); the unused one is
	// zero. Price is ignored for market orders.
	CreateOrder(symbol string, price float64, side, orderType string, amount, amountFraction float64) (string, error)
	// SubmitOrders is the batch variant: one order per prices[i]/amounts[i].
	SubmitOrders(symbol string, prices, amounts []float64, side, orderType string) ([]string, error)
	Order(orderID string) (Order, error)
	CancelOrders(symbol string, orderIDs []string) error

	SubscribeFills(symbol string, handler FillHandler) (int, error)
	UnsubscribeFills(handle int) error

	PreviousPrices(symbol string, interval time.Duration, count int) ([]PricePoint, error)

	// Time returns the exchange clock in milliseconds.
	Time() int64
	// Fee is the one-sided fee rate charged on limit fills; market orders
	// pay the round trip (twice this rate).
	Fee() float64
}
