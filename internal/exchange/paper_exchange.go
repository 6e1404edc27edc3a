package exchange

import (
	"context"
	"fmt"
	"sync"

	"bot-orchestrator-go/internal/models"
)

// PaperExchange 实现了 Exchange 接口, 以意图的参考价格模拟市价成交。
type PaperExchange struct {
	TakerFeeRate     float64 // 吃单手续费率
	SlippageRate     float64 // 滑点率
	MinNotionalValue float64 // 最小名义价值

	mu        sync.Mutex
	totalFees float64 // 累积总手续费
	fills     int
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
func NewPaperExchange(cfg models.ExchangeConfig) *PaperExchange {
	return &PaperExchange{
		TakerFeeRate:     cfg.TakerFeeRate,
		SlippageRate:     cfg.SlippageRate,
		MinNotionalValue: cfg.MinNotional,
	}
}

func (e *PaperExchange) Name() string { return "paper" }

// Execute 按参考价格加滑点成交, 手续费以资金资产计。
func (e *PaperExchange) Execute(ctx context.Context, intent models.TradeIntent) (models.Fill, error) {
	if err := ctx.Err(); err != nil {
		return models.Fill{}, err
	}
	if !(intent.Price > 0) || !(intent.Quantity > 0) {
		return models.Fill{}, fmt.Errorf("%w: %s %v %s @ %v", ErrOrderRejected, intent.Side, intent.Quantity, intent.Asset, intent.Price)
	}

	// --- 1. 计算包含滑点的成交价 ---
	executionPrice := intent.Price * (1 + e.SlippageRate)
	if intent.Side == models.Sell {
		executionPrice = intent.Price * (1 - e.SlippageRate)
	}

	notional := executionPrice * intent.Quantity
	if e.MinNotionalValue > 0 && notional < e.MinNotionalValue {
		return models.Fill{}, fmt.Errorf("%w: notional %.4f below minimum %.4f", ErrOrderRejected, notional, e.MinNotionalValue)
	}

	// --- 2. 计算手续费 ---
	fee := notional * e.TakerFeeRate

	e.mu.Lock()
	e.totalFees += fee
	e.fills++
	e.mu.Unlock()

	return models.Fill{Quantity: intent.Quantity, AvgPrice: executionPrice, Fee: fee}, nil
}

// TotalFees 返回累积的手续费与成交笔数
func (e *PaperExchange) TotalFees() (float64, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFees, e.fills
}
