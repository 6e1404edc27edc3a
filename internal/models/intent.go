package models

import (
	"errors"
	"fmt"
	"math"
)

// Action 定义了交易意图的动作
type Action string

const (
	ActionBuy       Action = "buy"
	ActionSell      Action = "sell"
	ActionRebalance Action = "rebalance"
	ActionStopLoss  Action = "stop_loss"
	ActionEvaluate  Action = "evaluate" // 策略评估失败时没有具体的交易意图
	ActionDeposit   Action = "deposit"  // 开户时的初始持仓
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ErrInvalidIntent 表示策略产生了不合法的交易意图
var ErrInvalidIntent = errors.New("invalid trade intent")

// TradeIntent 是策略产生的临时交易意图, 立即交由风控处理
type TradeIntent struct {
	BotID        string  `json:"bot_id"`
	Action       Action  `json:"action"`
	Side         Side    `json:"side"`
	Asset        string  `json:"asset"`
	Quantity     float64 `json:"quantity"`      // 基础资产数量
	Notional     float64 `json:"notional"`      // 名义价值 (估值货币)
	Price        float64 `json:"price"`         // 生成意图时的参考价格
	FundingAsset string  `json:"funding_asset"` // 资金来源或去向
	Rationale    string  `json:"rationale"`     // 人类可读的决策理由
	Level        int     `json:"level,omitempty"` // 引擎内部的层级或目标序号, 提交工作状态时使用
	Paper        bool    `json:"paper,omitempty"` // 平掉模拟仓位的意图, 永远不会实盘执行
}

// Validate 校验交易意图的基本形状
func (i TradeIntent) Validate() error {
	switch i.Action {
	case ActionBuy, ActionSell, ActionRebalance, ActionStopLoss:
	default:
		return fmt.Errorf("%w: unsupported action %q", ErrInvalidIntent, i.Action)
	}
	if i.Side != Buy && i.Side != Sell {
		return fmt.Errorf("%w: unsupported side %q", ErrInvalidIntent, i.Side)
	}
	if i.Asset == "" || i.FundingAsset == "" {
		return fmt.Errorf("%w: asset and funding asset are required", ErrInvalidIntent)
	}
	if i.Asset == i.FundingAsset {
		return fmt.Errorf("%w: asset %s cannot fund itself", ErrInvalidIntent, i.Asset)
	}
	if !(i.Quantity > 0) || math.IsInf(i.Quantity, 0) {
		return fmt.Errorf("%w: quantity must be positive, got %v", ErrInvalidIntent, i.Quantity)
	}
	if !(i.Price > 0) || math.IsInf(i.Price, 0) {
		return fmt.Errorf("%w: reference price must be positive, got %v", ErrInvalidIntent, i.Price)
	}
	if i.Rationale == "" {
		return fmt.Errorf("%w: rationale is required", ErrInvalidIntent)
	}
	return nil
}

// Fill 是执行适配器返回的成交结果
type Fill struct {
	Quantity float64 `json:"filled_qty"`
	AvgPrice float64 `json:"avg_price"`
	Fee      float64 `json:"fee"` // 以资金资产计的手续费
}
