package service

// package service is responsible for:
// - init pairs registry, exchange gateway, storage and metrics
// - init the configured strategy
// - start the runner and expose a graceful shutdown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/exchange"
	"github.com/3Dori/gridtrader/pkg/pairs"
	"github.com/3Dori/gridtrader/pkg/runner"
	"github.com/3Dori/gridtrader/pkg/sizing"
	"github.com/3Dori/gridtrader/pkg/storage"
	"github.com/3Dori/gridtrader/pkg/strategy"
	"github.com/3Dori/gridtrader/pkg/utils/metrics/exporter"
)

const (
	StrategyTypeGrid      = "GRID"
	StrategyTypeBollinger = "BOLLINGER"

	SizingTypeEven  = "EVEN"
	SizingTypeRatio = "RATIO"
)

type ConfigService struct {
	Symbol       string
	ApiKey       string
	SecretKey    string
	FeeRate      float64
	Interval     time.Duration
	StrategyType string

	// grid settings
	LowerPrice           float64
	UpperPrice           float64
	NumGrids             int
	GridType             string
	SizingType           string
	SizingRatio          float64
	TargetAsset          float64
	BaseAsset            float64
	TakeProfitPrice      float64
	StopLossPrice        float64
	StartWithMarketOrder bool

	// bollinger settings
	WindowSize      int
	WindowInterval  time.Duration
	MinOrderAmount  float64
	LowerStdScale   float64
	UpperStdScale   float64
	PriceModifier   float64
	TriggerInterval time.Duration

	// LiquidateOnStop sells the target position at market on shutdown.
	LiquidateOnStop bool

	// StorageConnectionString enables the mysql fill audit trail when set.
	StorageConnectionString string
	// MetricsPort enables the prometheus exporter when set.
	MetricsPort string
}

type Service struct {
	ctx       context.Context
	logger    *logrus.Logger
	cfg       *ConfigService
	exch      *exchange.Binance
	runner    *runner.Runner
	liquidate bool
	done      chan struct{}
}

func New(ctx context.Context, cfg *ConfigService, logger *logrus.Logger) *Service {
	return &Service{
		ctx:       ctx,
		logger:    logger,
		cfg:       cfg,
		liquidate: cfg.LiquidateOnStop,
		done:      make(chan struct{}),
	}
}

func (s *Service) Start() error {
	if s.cfg.MetricsPort != "" {
		go exporter.GetMetricsExporter(s.cfg.MetricsPort)
	}

	var storer storage.Storer
	if s.cfg.StorageConnectionString != "" {
		sql, err := storage.NewMysql(s.cfg.StorageConnectionString)
		if err != nil {
			return fmt.Errorf("service: fail init storage: %w", err)
		}
		storer = sql
	}

	registry := pairs.Default()

	s.exch = exchange.NewBinance(&exchange.BinanceConfig{
		ApiKey:    s.cfg.ApiKey,
		SecretKey: s.cfg.SecretKey,
		Pairs:     registry,
		FeeRate:   s.cfg.FeeRate,
	}, s.logger)
	s.exch.Start()

	strat, err := s.initStrategy(registry, storer)
	if err != nil {
		return err
	}

	r, err := runner.New(&runner.ConfigRunner{
		Symbol:   s.cfg.Symbol,
		Exchange: s.exch,
		Strategy: strat,
		Interval: s.cfg.Interval,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("service: fail init runner: %w", err)
	}
	if err := r.Start(); err != nil {
		return fmt.Errorf("service: fail start runner: %w", err)
	}
	s.runner = r

	go func() {
		<-s.ctx.Done()
		if err := s.runner.Stop(s.liquidate); err != nil {
			s.logger.WithError(err).Error("runner stop failed")
		}
		s.exch.Stop()
		s.done <- struct{}{}
	}()

	return nil
}

func (s *Service) Done() {
	<-s.done
}

func (s *Service) initStrategy(registry *pairs.Registry, storer storage.Storer) (strategy.Strategy, error) {
	switch s.cfg.StrategyType {
	case StrategyTypeGrid:
		sizer, err := s.initSizer()
		if err != nil {
			return nil, err
		}
		return strategy.NewGrid(&strategy.ConfigGrid{
			Symbol:               s.cfg.Symbol,
			Pairs:                registry,
			Exchange:             s.exch,
			Sizer:                sizer,
			Storer:               storer,
			LowerPrice:           s.cfg.LowerPrice,
			UpperPrice:           s.cfg.UpperPrice,
			NumGrids:             s.cfg.NumGrids,
			GridType:             s.cfg.GridType,
			TargetAsset:          s.cfg.TargetAsset,
			BaseAsset:            s.cfg.BaseAsset,
			TakeProfitPrice:      s.cfg.TakeProfitPrice,
			StopLossPrice:        s.cfg.StopLossPrice,
			StartWithMarketOrder: s.cfg.StartWithMarketOrder,
			LogErrors:            true,
		}, s.logger)
	case StrategyTypeBollinger:
		return strategy.NewBollinger(&strategy.ConfigBollinger{
			Symbol:          s.cfg.Symbol,
			Pairs:           registry,
			Exchange:        s.exch,
			Storer:          storer,
			WindowSize:      s.cfg.WindowSize,
			WindowInterval:  s.cfg.WindowInterval,
			MinOrderAmount:  s.cfg.MinOrderAmount,
			LowerStdScale:   s.cfg.LowerStdScale,
			UpperStdScale:   s.cfg.UpperStdScale,
			PriceModifier:   s.cfg.PriceModifier,
			TriggerInterval: s.cfg.TriggerInterval,
			LogErrors:       true,
		}, s.logger)
	default:
		return nil, fmt.Errorf("unknown strategy type: %s", s.cfg.StrategyType)
	}
}

func (s *Service) initSizer() (sizing.Sizer, error) {
	switch s.cfg.SizingType {
	case SizingTypeEven, "":
		return sizing.NewEven(), nil
	case SizingTypeRatio:
		return sizing.NewRatio(s.cfg.SizingRatio)
	default:
		return nil, errors.New("unknown sizing type: " + s.cfg.SizingType)
	}
}
