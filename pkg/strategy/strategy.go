package strategy

// Strategy is the capability surface shared by all strategy variants. Each
// variant owns its private state; callers drive one instance from a single
// goroutine (Feed is not reentrant and must not race Start or Stop).
type Strategy interface {
	// Start transitions the strategy to active. A zero price means "read the
	// newest price from the gateway".
	Start(price float64) error
	// Feed is the per-tick transition function.
	Feed(price float64) error
	// Stop cancels resting orders and halts the strategy; with liquidate set
	// it also market-sells the entire target-asset position. Idempotent.
	Stop(liquidate bool) error
}
