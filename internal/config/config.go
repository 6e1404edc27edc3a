package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bot-orchestrator-go/internal/ledger"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/risk"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig 表示配置校验失败
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig 从指定路径加载配置文件, 按扩展名选择 JSON 或 YAML, 填充默认值后校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(file).Decode(config)
	default:
		decoder := json.NewDecoder(file)
		decoder.DisallowUnknownFields()
		err = decoder.Decode(config)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Default 返回演示用配置: USDC/BTC/ETH/SOL 组合与三个机器人
func Default() *models.Config {
	config := &models.Config{
		Account: models.AccountConfig{
			ID:                "demo",
			ReferenceCurrency: "USD",
			Holdings: []models.HoldingSpec{
				{Ticker: "USDC", Name: "USD Coin", Kind: models.AssetStable, Quantity: 4500, Price: 1, TargetWeight: 0.40},
				{Ticker: "BTC", Name: "Bitcoin", Kind: models.AssetCrypto, Quantity: 0.055, Price: 65000, TargetWeight: 0.25},
				{Ticker: "ETH", Name: "Ethereum", Kind: models.AssetCrypto, Quantity: 0.5, Price: 3000, TargetWeight: 0.20},
				{Ticker: "SOL", Name: "Solana", Kind: models.AssetCrypto, Quantity: 3.5, Price: 121.43, TargetWeight: 0.15},
			},
		},
		Bots: []models.BotSpec{
			{
				ID: "bot-rebal", Name: "Rebalancer", Type: models.StrategyRebalancing,
				State: models.StateActive, AllocationPct: 40,
				Params: map[string]interface{}{"threshold": 0.03, "reserve": "USDC"},
			},
			{
				ID: "bot-grid", Name: "Grid Spot", Type: models.StrategyGrid,
				State: models.StateActive, AllocationPct: 40,
				Params: map[string]interface{}{"pairs": []interface{}{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, "levels": 10, "spacing": "0.75%"},
			},
			{
				ID: "bot-futures", Name: "Swing Futures", Type: models.StrategyFutures,
				State: models.StateSimulating, AllocationPct: 20,
				Params: map[string]interface{}{"asset": "BTC", "leverage": 3, "maxDailyLoss": "2.0%", "targets": []interface{}{0.5, 1.0, 1.5}},
			},
		},
		Risk: models.RiskConfig{
			Profile:            models.ProfileModerate,
			LiquidityWhitelist: []string{"BTC", "ETH", "USDT", "USDC", "SOL", "BNB", "XRP", "DOGE", "ADA", "TRX"},
			ClearedStrategies:  []models.StrategyType{models.StrategyRebalancing, models.StrategyGrid},
		},
		Exchange: models.ExchangeConfig{
			Mode:        "paper",
			PriceSource: "static",
		},
		LogConfig: models.LogConfig{Level: "info", Output: "console"},
	}
	ApplyDefaults(config)
	return config
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(c *models.Config) {
	if c.Account.ID == "" {
		c.Account.ID = "default"
	}
	if c.Account.ReferenceCurrency == "" {
		c.Account.ReferenceCurrency = "USD"
	}
	for i := range c.Account.Holdings {
		if c.Account.Holdings[i].Kind == "" {
			c.Account.Holdings[i].Kind = models.AssetCrypto
		}
		if c.Account.Holdings[i].Name == "" {
			c.Account.Holdings[i].Name = c.Account.Holdings[i].Ticker
		}
	}

	if c.Risk.Profile == "" {
		c.Risk.Profile = models.ProfileModerate
	}
	if c.Risk.ProfileLimits == nil {
		c.Risk.ProfileLimits = risk.DefaultProfileLimits()
	}
	if c.Risk.MinTrackRecord == 0 {
		c.Risk.MinTrackRecord = risk.DefaultMinTrackRecord
	}
	if c.Risk.TopN == 0 {
		c.Risk.TopN = risk.DefaultTopN
	}

	if c.Scheduler.TickIntervalSec <= 0 {
		c.Scheduler.TickIntervalSec = 10
	}
	if c.Scheduler.EvalTimeoutMs <= 0 {
		c.Scheduler.EvalTimeoutMs = 2000
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Scheduler.RolloverCron == "" {
		c.Scheduler.RolloverCron = "1 0 0 * * *" // 每日 00:00:01
	}
	if c.Scheduler.ReportCron == "" {
		c.Scheduler.ReportCron = "0 55 23 * * *"
	}

	if c.Exchange.Mode == "" {
		c.Exchange.Mode = "paper"
	}
	if c.Exchange.QuoteAsset == "" {
		c.Exchange.QuoteAsset = "USDT"
	}
	if c.Exchange.PriceSource == "" {
		c.Exchange.PriceSource = "static"
	}
	if c.Exchange.OrdersPerSecond <= 0 {
		c.Exchange.OrdersPerSecond = 5
	}
	if c.Exchange.TimeoutMs <= 0 {
		c.Exchange.TimeoutMs = 10000
	}

	if c.LogConfig.Level == "" {
		c.LogConfig.Level = "info"
	}
	if c.LogConfig.Output == "" {
		c.LogConfig.Output = "console"
	}
}

// Validate 校验配置的一致性, 机器人参数在创建时由编排器校验
func Validate(c *models.Config) error {
	if len(c.Account.Holdings) == 0 {
		return fmt.Errorf("%w: account has no holdings", ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	weights := 0.0
	for _, h := range c.Account.Holdings {
		if h.Ticker == "" {
			return fmt.Errorf("%w: holding without ticker", ErrInvalidConfig)
		}
		if seen[h.Ticker] {
			return fmt.Errorf("%w: duplicate holding %s", ErrInvalidConfig, h.Ticker)
		}
		seen[h.Ticker] = true
		if h.Quantity < 0 || !(h.Price > 0) || h.TargetWeight < 0 {
			return fmt.Errorf("%w: holding %s needs quantity >= 0, price > 0 and target weight >= 0", ErrInvalidConfig, h.Ticker)
		}
		if h.Kind != models.AssetStable && h.Kind != models.AssetCrypto {
			return fmt.Errorf("%w: holding %s has unknown kind %q", ErrInvalidConfig, h.Ticker, h.Kind)
		}
		weights += h.TargetWeight
	}
	if math.Abs(weights-1) > ledger.WeightEpsilon {
		return fmt.Errorf("%w: target weights sum to %v", ErrInvalidConfig, weights)
	}

	alloc := 0.0
	for _, b := range c.Bots {
		if !b.Type.Valid() {
			return fmt.Errorf("%w: bot %q has unknown type %q", ErrInvalidConfig, b.Name, b.Type)
		}
		alloc += b.AllocationPct
	}
	if alloc > 100+1e-9 {
		return fmt.Errorf("%w: bots allocate %.2f%%", ErrInvalidConfig, alloc)
	}

	if !c.Risk.Profile.Valid() {
		return fmt.Errorf("%w: unknown risk profile %q", ErrInvalidConfig, c.Risk.Profile)
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("%w: timezone: %v", ErrInvalidConfig, err)
	}
	switch c.Exchange.Mode {
	case "paper", "binance":
	default:
		return fmt.Errorf("%w: unknown exchange mode %q", ErrInvalidConfig, c.Exchange.Mode)
	}
	if c.Exchange.TakerFeeRate < 0 || c.Exchange.SlippageRate < 0 || c.Exchange.MinNotional < 0 {
		return fmt.Errorf("%w: negative exchange rate or min_notional", ErrInvalidConfig)
	}
	switch c.Exchange.PriceSource {
	case "static", "binance":
	case "csv":
		if len(c.Exchange.CSVFiles) == 0 {
			return fmt.Errorf("%w: csv price source needs csv_files", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown price source %q", ErrInvalidConfig, c.Exchange.PriceSource)
	}
	return nil
}
