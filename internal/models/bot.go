package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StrategyType 定义了策略类型
type StrategyType string

const (
	StrategyRebalancing StrategyType = "rebalancing"
	StrategyGrid        StrategyType = "grid"
	StrategyFutures     StrategyType = "futures"
)

// Valid 判断策略类型是否受支持
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyRebalancing, StrategyGrid, StrategyFutures:
		return true
	}
	return false
}

// DefaultRiskScore 返回各策略类型的默认风险评分
func (t StrategyType) DefaultRiskScore() int {
	switch t {
	case StrategyRebalancing:
		return 20
	case StrategyGrid:
		return 45
	case StrategyFutures:
		return 80
	}
	return 50
}

// LifecycleState 定义了机器人的生命周期状态
type LifecycleState string

const (
	StateActive     LifecycleState = "active"     // 每个周期评估, 真实执行
	StatePaused     LifecycleState = "paused"     // 不评估
	StateSimulating LifecycleState = "simulating" // 每个周期评估, 只记录不改账本
)

// Valid 判断状态是否合法
func (s LifecycleState) Valid() bool {
	switch s {
	case StateActive, StatePaused, StateSimulating:
		return true
	}
	return false
}

// Next 返回一次切换后的状态: active -> paused -> simulating -> active
func (s LifecycleState) Next() LifecycleState {
	switch s {
	case StateActive:
		return StatePaused
	case StatePaused:
		return StateSimulating
	default:
		return StateActive
	}
}

// Evaluated 判断该状态下是否参与周期评估
func (s LifecycleState) Evaluated() bool {
	return s == StateActive || s == StateSimulating
}

// Bot 是一个已配置的策略实例
type Bot struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Name          string         `json:"name"`
	Type          StrategyType   `json:"type"`
	State         LifecycleState `json:"state"`
	AllocationPct float64        `json:"allocation_pct"` // 资金分配比例 (0-100)
	Params        StrategyParams `json:"-"`              // 按策略类型区分的参数
	RealizedPnL   float64        `json:"realized_pnl"`   // 累计已实现盈亏
	RiskScore     int            `json:"risk_score"`     // 风险评分 [0,100]
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// botJSON 是 Bot 的序列化形式, 参数以原始 JSON 保存并按 type 还原
type botJSON struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Name          string          `json:"name"`
	Type          StrategyType    `json:"type"`
	State         LifecycleState  `json:"state"`
	AllocationPct float64         `json:"allocation_pct"`
	Params        json.RawMessage `json:"params"`
	RealizedPnL   float64         `json:"realized_pnl"`
	RiskScore     int             `json:"risk_score"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarshalJSON 将参数与机器人一起序列化
func (b Bot) MarshalJSON() ([]byte, error) {
	var params json.RawMessage
	if b.Params != nil {
		raw, err := json.Marshal(b.Params)
		if err != nil {
			return nil, err
		}
		params = raw
	}
	return json.Marshal(botJSON{
		ID:            b.ID,
		AccountID:     b.AccountID,
		Name:          b.Name,
		Type:          b.Type,
		State:         b.State,
		AllocationPct: b.AllocationPct,
		Params:        params,
		RealizedPnL:   b.RealizedPnL,
		RiskScore:     b.RiskScore,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	})
}

// UnmarshalJSON 根据 type 字段还原具体的参数类型
func (b *Bot) UnmarshalJSON(data []byte) error {
	var raw botJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Bot{
		ID:            raw.ID,
		AccountID:     raw.AccountID,
		Name:          raw.Name,
		Type:          raw.Type,
		State:         raw.State,
		AllocationPct: raw.AllocationPct,
		RealizedPnL:   raw.RealizedPnL,
		RiskScore:     raw.RiskScore,
		CreatedAt:     raw.CreatedAt,
		UpdatedAt:     raw.UpdatedAt,
	}
	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		params, err := DecodeParamsJSON(raw.Type, raw.Params)
		if err != nil {
			return fmt.Errorf("bot %s: %w", raw.ID, err)
		}
		b.Params = params
	}
	return nil
}

// Clone 返回机器人的深拷贝
func (b Bot) Clone() Bot {
	c := b
	if b.Params != nil {
		c.Params = b.Params.clone()
	}
	return c
}
