package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sirupsen/logrus"

	"github.com/3Dori/gridtrader/pkg/service"
)

type Config struct {
	Symbol       string        `env:"SYMBOL" env-default:"ethusdt"`
	ApiKey       string        `env:"API_KEY" env-default:""`
	SecretKey    string        `env:"SECRET_KEY" env-default:""`
	FeeRate      float64       `env:"FEE_RATE" env-default:"0.002"`
	Interval     time.Duration `env:"INTERVAL" env-default:"5s"`
	StrategyType string        `env:"STRATEGY_TYPE" env-default:"GRID"`

	LowerPrice           float64 `env:"LOWER_PRICE" env-default:"0"`
	UpperPrice           float64 `env:"UPPER_PRICE" env-default:"0"`
	NumGrids             int     `env:"NUM_GRIDS" env-default:"10"`
	GridType             string  `env:"GRID_TYPE" env-default:"arithmetic"`
	SizingType           string  `env:"SIZING_TYPE" env-default:"EVEN"`
	SizingRatio          float64 `env:"SIZING_RATIO" env-default:"0"`
	TargetAsset          float64 `env:"TARGET_ASSET" env-default:"0"`
	BaseAsset            float64 `env:"BASE_ASSET" env-default:"0"`
	TakeProfitPrice      float64 `env:"TAKE_PROFIT_PRICE" env-default:"0"`
	StopLossPrice        float64 `env:"STOP_LOSS_PRICE" env-default:"0"`
	StartWithMarketOrder bool    `env:"START_WITH_MARKET_ORDER" env-default:"false"`

	WindowSize      int           `env:"WINDOW_SIZE" env-default:"20"`
	WindowInterval  time.Duration `env:"WINDOW_INTERVAL" env-default:"15m"`
	MinOrderAmount  float64       `env:"MIN_ORDER_AMOUNT" env-default:"50"`
	LowerStdScale   float64       `env:"LOWER_STD_SCALE" env-default:"1.5"`
	UpperStdScale   float64       `env:"UPPER_STD_SCALE" env-default:"2.2"`
	PriceModifier   float64       `env:"PRICE_MODIFIER" env-default:"1.01"`
	TriggerInterval time.Duration `env:"TRIGGER_INTERVAL" env-default:"10m"`

	LiquidateOnStop         bool   `env:"LIQUIDATE_ON_STOP" env-default:"false"`
	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING" env-default:""`
	MetricsPort             string `env:"METRICS_PORT" env-default:""`
}

func (c *Config) validate() error {
	if c.Symbol == "" {
		return errors.New("[CONFIG] Symbol can not be empty")
	}

	if c.ApiKey == "" || c.SecretKey == "" {
		return errors.New("[CONFIG] ApiKey and SecretKey can not be empty")
	}

	if c.Interval < 100*time.Millisecond {
		return errors.New("[CONFIG] Interval should be greater than 100ms")
	}

	if c.StrategyType == service.StrategyTypeGrid && c.LowerPrice >= c.UpperPrice {
		return errors.New("[CONFIG] LowerPrice should be less than UpperPrice")
	}

	return nil
}

func main() {
	logger := logger()

	// cfg
	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		logger.WithError(err).Fatal("can not read env vars")
	}
	if err := cfg.validate(); err != nil {
		logger.WithError(err).Fatal("can not validate config")
	}

	ctx, cancel := context.WithCancel(context.Background())

	configService := &service.ConfigService{
		Symbol:                  cfg.Symbol,
		ApiKey:                  cfg.ApiKey,
		SecretKey:               cfg.SecretKey,
		FeeRate:                 cfg.FeeRate,
		Interval:                cfg.Interval,
		StrategyType:            cfg.StrategyType,
		LowerPrice:              cfg.LowerPrice,
		UpperPrice:              cfg.UpperPrice,
		NumGrids:                cfg.NumGrids,
		GridType:                cfg.GridType,
		SizingType:              cfg.SizingType,
		SizingRatio:             cfg.SizingRatio,
		TargetAsset:             cfg.TargetAsset,
		BaseAsset:               cfg.BaseAsset,
		TakeProfitPrice:         cfg.TakeProfitPrice,
		StopLossPrice:           cfg.StopLossPrice,
		StartWithMarketOrder:    cfg.StartWithMarketOrder,
		WindowSize:              cfg.WindowSize,
		WindowInterval:          cfg.WindowInterval,
		MinOrderAmount:          cfg.MinOrderAmount,
		LowerStdScale:           cfg.LowerStdScale,
		UpperStdScale:           cfg.UpperStdScale,
		PriceModifier:           cfg.PriceModifier,
		TriggerInterval:         cfg.TriggerInterval,
		LiquidateOnStop:         cfg.LiquidateOnStop,
		StorageConnectionString: cfg.StorageConnectionString,
		MetricsPort:             cfg.MetricsPort,
	}

	s := service.New(ctx, configService, logger)
	if err := s.Start(); err != nil {
		logger.WithError(err).Fatal("unsuccessful start, everything stopped.")
	}

	logger.Info("successful start, press Ctrl + C to graceful shutdown")
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	logger.Info("gridtrader stopping ...")
	cancel()
	s.Done()

	logger.Info("gridtrader successful stop.")
}

type UTCFormatter struct {
	logrus.Formatter
}

func logger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(
		UTCFormatter{
			&logrus.TextFormatter{
				TimestampFormat: time.RFC3339,
				FullTimestamp:   true,
				DisableColors:   false,
				DisableSorting:  false,
			},
		},
	)

	return logger
}
