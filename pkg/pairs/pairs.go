package pairs

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Pair describes the fixed precision and the two assets of a market symbol.
// PriceScale and AmountScale are decimal places accepted by the exchange.
type Pair struct {
	PriceScale  int
	AmountScale int
	Target      string
	Base        string
}

// MinAmount returns one unit of the smallest representable amount.
func (p Pair) MinAmount() float64 {
	return math.Pow(10, -float64(p.AmountScale))
}

type Registry struct {
	pairs map[string]Pair
}

func New() *Registry {
	return &Registry{
		pairs: make(map[string]Pair),
	}
}

// Default returns a registry populated with the built-in symbol table.
func Default() *Registry {
	r := New()
	r.Add("ethusdt", Pair{PriceScale: 2, AmountScale: 4, Target: "eth", Base: "usdt"})
	r.Add("btcusdt", Pair{PriceScale: 2, AmountScale: 6, Target: "btc", Base: "usdt"})
	r.Add("shibusdt", Pair{PriceScale: 8, AmountScale: 2, Target: "shib", Base: "usdt"})
	r.Add("dogeusdt", Pair{PriceScale: 6, AmountScale: 2, Target: "doge", Base: "usdt"})
	r.Add("eosusdt", Pair{PriceScale: 4, AmountScale: 4, Target: "eos", Base: "usdt"})
	r.Add("linkusdt", Pair{PriceScale: 4, AmountScale: 2, Target: "link", Base: "usdt"})
	r.Add("ethbtc", Pair{PriceScale: 6, AmountScale: 4, Target: "eth", Base: "btc"})
	return r
}

func (r *Registry) Add(symbol string, pair Pair) {
	r.pairs[symbol] = pair
}

func (r *Registry) Lookup(symbol string) (Pair, error) {
	p, ok := r.pairs[symbol]
	if !ok {
		return Pair{}, fmt.Errorf("lookup %q: %w", symbol, ErrUnknownSymbol)
	}
	return p, nil
}
