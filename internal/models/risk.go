package models

import "time"

// RiskProfile 风险偏好档位
type RiskProfile string

const (
	ProfileConservative RiskProfile = "conservative"
	ProfileModerate     RiskProfile = "moderate"
	ProfileAggressive   RiskProfile = "aggressive"
)

// Valid 判断档位是否合法
func (p RiskProfile) Valid() bool {
	switch p {
	case ProfileConservative, ProfileModerate, ProfileAggressive:
		return true
	}
	return false
}

// Verdict 是风控闸门的裁决
type Verdict string

const (
	VerdictExecute  Verdict = "execute"
	VerdictSimulate Verdict = "simulate"
	VerdictReject   Verdict = "reject"
)

// Admission 是一次准入检查的结果
type Admission struct {
	Verdict Verdict `json:"verdict"`
	Rule    string  `json:"rule,omitempty"` // 拒绝时触发的规则
	Reason  string  `json:"reason"`
}

// RiskState 由风控独占, 其他组件只读取副本
type RiskState struct {
	Day              time.Time      `json:"day"`                // 当前交易日起点
	DayStartCapital  float64        `json:"day_start_capital"`  // 交易日开始时的总资产
	DailyRealizedPnL float64        `json:"daily_realized_pnl"` // 当日已实现盈亏
	DailyDrawdownPct float64        `json:"daily_drawdown_pct"` // 当日回撤 (%)
	MaxDrawdownPct   float64        `json:"max_drawdown_pct"`   // 日回撤上限 (%)
	Profile          RiskProfile    `json:"profile"`
	TrackRecord      map[string]int `json:"track_record"` // 每个机器人已完成的交易笔数
}

// BreakerTripped 判断熔断是否已触发
func (s RiskState) BreakerTripped() bool {
	return s.MaxDrawdownPct > 0 && s.DailyDrawdownPct >= s.MaxDrawdownPct
}

// Clone 返回风险状态的深拷贝
func (s RiskState) Clone() RiskState {
	c := s
	c.TrackRecord = make(map[string]int, len(s.TrackRecord))
	for k, v := range s.TrackRecord {
		c.TrackRecord[k] = v
	}
	return c
}
