package models

import "time"

// Outcome 是一次准入决策的最终结果
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSimulated Outcome = "simulated"
)

// ErrorClass 是被拒绝条目的错误分类
type ErrorClass string

const (
	ClassEngineError      ErrorClass = "engine_error"
	ClassRejectedByPolicy ErrorClass = "rejected_by_policy"
	ClassAdapterError     ErrorClass = "adapter_error"
)

// 触发拒绝的规则名称
const (
	RuleDrawdownBreaker     = "drawdown_breaker"
	RuleIlliquidAsset       = "illiquid_asset"
	RuleEngineError         = "engine_error"
	RuleAdapterError        = "adapter_error"
	RuleInsufficientBalance = "insufficient_balance"
)

// SystemBotID 是非机器人产生的审计条目 (如初始入金) 的归属
const SystemBotID = "system"

// AuditEntry 是不可变的审计记录
type AuditEntry struct {
	ID           string     `json:"id"`
	Seq          uint64     `json:"seq"`
	Timestamp    time.Time  `json:"timestamp"`
	BotID        string     `json:"bot_id"`
	Action       Action     `json:"action"`
	Side         Side       `json:"side,omitempty"`
	Asset        string     `json:"asset"`
	Quantity     float64    `json:"quantity"`
	Price        float64    `json:"price"`
	FundingAsset string     `json:"funding_asset,omitempty"`
	FundingQty   float64    `json:"funding_qty"` // 资金资产的实际变动数量
	Outcome      Outcome    `json:"outcome"`
	Rule         string     `json:"rule,omitempty"`  // 被拒绝时触发的规则
	Class        ErrorClass `json:"class,omitempty"` // 被拒绝时的错误分类; 成交后按账本截断对账的条目为 adapter_error
	Rationale    string     `json:"rationale"`
	RealizedPnL  float64    `json:"realized_pnl"`
}

// AuditFilter 定义了审计日志的查询条件, 零值字段不参与过滤
type AuditFilter struct {
	BotID   string    `json:"bot_id,omitempty"`
	Action  Action    `json:"action,omitempty"`
	Outcome Outcome   `json:"outcome,omitempty"`
	From    time.Time `json:"from,omitempty"` // 含
	To      time.Time `json:"to,omitempty"`   // 不含
	Limit   int       `json:"limit,omitempty"`
}

// Match 判断条目是否满足过滤条件 (不考虑 Limit)
func (f AuditFilter) Match(e AuditEntry) bool {
	if f.BotID != "" && e.BotID != f.BotID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}
