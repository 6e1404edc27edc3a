package models

import "time"

// Snapshot 是每个评估周期结束时对外发布的不可变状态
type Snapshot struct {
	Tick         uint64           `json:"tick"`
	Time         time.Time        `json:"time"`
	AccountID    string           `json:"account_id"`
	TotalCapital float64          `json:"total_capital"`
	Bots         []Bot            `json:"bots"`
	Assets       []PortfolioAsset `json:"assets"`
	Risk         RiskState        `json:"risk"`
	RecentAudit  []AuditEntry     `json:"recent_audit"`
}

// Clone 返回快照的深拷贝, 供并发读取
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Bots != nil {
		c.Bots = make([]Bot, len(s.Bots))
		for i, b := range s.Bots {
			c.Bots[i] = b.Clone()
		}
	}
	if s.Assets != nil {
		c.Assets = make([]PortfolioAsset, len(s.Assets))
		copy(c.Assets, s.Assets)
	}
	if s.RecentAudit != nil {
		c.RecentAudit = make([]AuditEntry, len(s.RecentAudit))
		copy(c.RecentAudit, s.RecentAudit)
	}
	c.Risk = s.Risk.Clone()
	return &c
}

// ActiveBotNames 返回处于 active 状态的机器人名称
func (s *Snapshot) ActiveBotNames() []string {
	var names []string
	for _, b := range s.Bots {
		if b.State == StateActive {
			names = append(names, b.Name)
		}
	}
	return names
}
