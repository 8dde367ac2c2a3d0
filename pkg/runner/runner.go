package runner

// package runner is responsible for:
// - starting a strategy at the newest market price
// - polling the market and feeding prices at a fixed interval
// - stopping the strategy and optionally liquidating on shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/exchange"
	"github.com/3Dori/gridtrader/pkg/strategy"
)

type ConfigRunner struct {
	Symbol   string
	Exchange exchange.Exchange
	Strategy strategy.Strategy
	// Interval between price polls. Zero or negative selects the passive
	// mode: the owner drives ticks through Feed directly.
	Interval time.Duration
}

type Runner struct {
	ctx        context.Context
	cancelFunc func()
	logger     logrus.FieldLogger
	symbol     string
	exch       exchange.Exchange
	strat      strategy.Strategy
	interval   time.Duration
	doneSig    chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

func New(cfg *ConfigRunner, logger logrus.FieldLogger) (*Runner, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("symbol can not be empty")
	}
	if cfg.Exchange == nil {
		return nil, errors.New("exchange can not be nil")
	}
	if cfg.Strategy == nil {
		return nil, errors.New("strategy can not be nil")
	}

	runnerCtx, cancel := context.WithCancel(context.Background())

	return &Runner{
		ctx:        runnerCtx,
		cancelFunc: cancel,
		logger:     logger.WithField("module", "runner").WithField("symbol", cfg.Symbol),
		symbol:     cfg.Symbol,
		exch:       cfg.Exchange,
		strat:      cfg.Strategy,
		interval:   cfg.Interval,
		doneSig:    make(chan struct{}),
	}, nil
}

func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("runner already started")
	}

	price, err := r.exch.NewestPrice(r.symbol)
	if err != nil {
		return fmt.Errorf("runner: fail fetch newest price: %w", err)
	}

	if err := r.strat.Start(price); err != nil {
		return fmt.Errorf("runner: fail start strategy: %w", err)
	}
	r.started = true

	if r.interval <= 0 {
		r.logger.Info("runner started in passive mode")
		return nil
	}

	go func() {
		for {
			select {
			case <-r.ctx.Done():
				r.doneSig <- struct{}{}
				return
			default:
				r.run()
				<-time.After(r.interval)
			}
		}
	}()

	r.logger.Infof("runner starts with success, interval %s", r.interval)

	return nil
}

func (r *Runner) run() {
	price, err := r.exch.NewestPrice(r.symbol)
	if err != nil {
		r.logger.WithError(err).Error("fail fetch newest price")
		return
	}

	if err := r.strat.Feed(price); err != nil {
		r.logger.WithError(err).Error("strategy feed failed")
	}
}

// Feed forwards a tick to the strategy. Intended for passive mode; with the
// poll loop active the strategy serializes concurrent ticks itself.
func (r *Runner) Feed(price float64) error {
	return r.strat.Feed(price)
}

func (r *Runner) Stop(liquidate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		return nil
	}
	r.stopped = true

	r.logger.Info("runner stopping ...")
	r.cancelFunc()
	if r.interval > 0 {
		<-r.doneSig
	}

	if err := r.strat.Stop(liquidate); err != nil {
		return fmt.Errorf("runner: fail stop strategy: %w", err)
	}

	r.logger.Info("runner stops with success")
	return nil
}
