package models

import "time"

// AssetKind 区分稳定币与加密资产
type AssetKind string

const (
	AssetStable AssetKind = "stable"
	AssetCrypto AssetKind = "crypto"
)

// PortfolioAsset 是账本中的一项资产
type PortfolioAsset struct {
	Ticker        string    `json:"ticker"`
	Name          string    `json:"name"`
	Kind          AssetKind `json:"kind"`
	Quantity      float64   `json:"quantity"`       // 持有数量
	Price         float64   `json:"price"`          // 最新价格
	Value         float64   `json:"value"`          // 估值 = 数量 * 价格
	TargetWeight  float64   `json:"target_weight"`  // 目标权重
	CurrentWeight float64   `json:"current_weight"` // 当前权重 = 估值 / 组合总值
	AvgCost       float64   `json:"avg_cost"`       // 平均持仓成本
}

// Holding 是可由审计日志重放得到的账本状态
type Holding struct {
	Ticker   string  `json:"ticker"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// LedgerView 是按机器人分配比例缩放后的只读账本切片
type LedgerView struct {
	BotID         string           `json:"bot_id"`
	AllocationPct float64          `json:"allocation_pct"`
	TotalValue    float64          `json:"total_value"` // 切片总值
	Assets        []PortfolioAsset `json:"assets"`
	Time          time.Time        `json:"time"`      // 交易日所在时区的当前时间
	CostRate      float64          `json:"cost_rate"` // 预估的买入成本率 (手续费与滑点), 储备上限按此折算
}

// BuyCap 返回储备价值在扣除预估成本后可用于买入的名义价值
func (v LedgerView) BuyCap(reserveValue float64) float64 {
	if reserveValue <= 0 {
		return 0
	}
	return reserveValue / (1 + v.CostRate)
}

// Asset 按代码查找切片中的资产
func (v LedgerView) Asset(ticker string) (PortfolioAsset, bool) {
	for _, a := range v.Assets {
		if a.Ticker == ticker {
			return a, true
		}
	}
	return PortfolioAsset{}, false
}
