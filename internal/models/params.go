package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultReserve 是未指定储备资产时使用的稳定币
const DefaultReserve = "USDC"

// ErrInvalidParams 表示策略参数不合法
var ErrInvalidParams = errors.New("invalid strategy params")

// StrategyParams 是按策略类型区分的参数集合。
// 只有本包中的三种参数类型实现了该接口。
type StrategyParams interface {
	Strategy() StrategyType
	Validate() error
	clone() StrategyParams
}

// Percent 是以百分数表示的数值, 2.0 表示 2%。
// JSON 中既可以写成数字也可以写成 "2.0%" 字符串。
type Percent float64

// Fraction 返回小数形式, 2.0% -> 0.02
func (p Percent) Fraction() float64 { return float64(p) / 100 }

// UnmarshalJSON 同时接受数字和带%的字符串
func (p *Percent) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSuffix(strings.TrimSpace(str), "%")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("invalid percent %q: %w", string(data), err)
	}
	*p = Percent(v)
	return nil
}

// RebalancingParams 再平衡策略参数
type RebalancingParams struct {
	Threshold float64 `json:"threshold"` // 偏离阈值 (小数), e.g., 0.03
	Reserve   string  `json:"reserve"`   // 储备资产, e.g., "USDC"
}

func (p *RebalancingParams) Strategy() StrategyType { return StrategyRebalancing }

func (p *RebalancingParams) Validate() error {
	if p.Threshold <= 0 || p.Threshold >= 1 {
		return fmt.Errorf("%w: threshold must be in (0, 1), got %v", ErrInvalidParams, p.Threshold)
	}
	if p.Reserve == "" {
		return fmt.Errorf("%w: reserve asset is required", ErrInvalidParams)
	}
	return nil
}

func (p *RebalancingParams) clone() StrategyParams {
	c := *p
	return &c
}

// GridParams 网格策略参数
type GridParams struct {
	Asset         string   `json:"asset"`                   // 网格标的
	Pairs         []string `json:"pairs,omitempty"`         // 交易对, 每个基础资产各运行一套网格; asset 为空时取第一个
	Levels        int      `json:"levels"`                  // 网格数量
	Spacing       Percent  `json:"spacing"`                 // 网格间距 (%)
	AnchorPrice   float64  `json:"anchorPrice,omitempty"`   // asset 的网格中心价格, 为0时取首次观测价格; 其他交易对总是取首次观测价格
	OrderNotional float64  `json:"orderNotional,omitempty"` // 每格交易价值, 为0时按分配资金均分
	Reserve       string   `json:"reserve,omitempty"`       // 资金来源
}

func (p *GridParams) Strategy() StrategyType { return StrategyGrid }

// Assets 返回网格交易的所有基础资产: 先是 asset, 然后是各交易对的基础资产 (去重)
func (p *GridParams) Assets() []string {
	out := []string{p.Asset}
	seen := map[string]bool{p.Asset: true}
	for _, pair := range p.Pairs {
		base := pairBase(pair)
		if base != "" && !seen[base] {
			seen[base] = true
			out = append(out, base)
		}
	}
	return out
}

func pairBase(pair string) string {
	return strings.TrimSpace(strings.SplitN(pair, "/", 2)[0])
}

func (p *GridParams) Validate() error {
	if p.Asset == "" {
		return fmt.Errorf("%w: grid asset is required", ErrInvalidParams)
	}
	if p.Levels < 2 || p.Levels > 200 {
		return fmt.Errorf("%w: levels must be in [2, 200], got %d", ErrInvalidParams, p.Levels)
	}
	if p.Spacing <= 0 || p.Spacing >= 50 {
		return fmt.Errorf("%w: spacing must be in (0%%, 50%%), got %v%%", ErrInvalidParams, float64(p.Spacing))
	}
	if p.AnchorPrice < 0 || p.OrderNotional < 0 {
		return fmt.Errorf("%w: anchor price and order notional must not be negative", ErrInvalidParams)
	}
	if p.Reserve == "" {
		return fmt.Errorf("%w: reserve asset is required", ErrInvalidParams)
	}
	for _, pair := range p.Pairs {
		if base := pairBase(pair); base == "" || base == p.Reserve {
			return fmt.Errorf("%w: pair %q has no tradable base asset", ErrInvalidParams, pair)
		}
	}
	return nil
}

func (p *GridParams) clone() StrategyParams {
	c := *p
	c.Pairs = append([]string(nil), p.Pairs...)
	return &c
}

// FuturesParams 合约波段策略参数
type FuturesParams struct {
	Asset         string    `json:"asset"`
	Leverage      float64   `json:"leverage"`                // 杠杆倍数
	MaxDailyLoss  Percent   `json:"maxDailyLoss"`            // 单个持仓最大回撤 (%)
	Targets       []float64 `json:"targets"`                 // 分级止盈目标 (%)
	EntryFraction float64   `json:"entryFraction,omitempty"` // 每次开仓使用的储备比例
	Reserve       string    `json:"reserve,omitempty"`
}

func (p *FuturesParams) Strategy() StrategyType { return StrategyFutures }

func (p *FuturesParams) Validate() error {
	if p.Asset == "" {
		return fmt.Errorf("%w: futures asset is required", ErrInvalidParams)
	}
	if p.Leverage < 1 || p.Leverage > 125 {
		return fmt.Errorf("%w: leverage must be in [1, 125], got %v", ErrInvalidParams, p.Leverage)
	}
	if p.MaxDailyLoss <= 0 || p.MaxDailyLoss >= 100 {
		return fmt.Errorf("%w: maxDailyLoss must be in (0%%, 100%%), got %v%%", ErrInvalidParams, float64(p.MaxDailyLoss))
	}
	if len(p.Targets) == 0 {
		return fmt.Errorf("%w: at least one target is required", ErrInvalidParams)
	}
	prev := 0.0
	for _, t := range p.Targets {
		if t <= prev {
			return fmt.Errorf("%w: targets must be positive and strictly increasing", ErrInvalidParams)
		}
		prev = t
	}
	if p.EntryFraction <= 0 || p.EntryFraction > 1 {
		return fmt.Errorf("%w: entryFraction must be in (0, 1], got %v", ErrInvalidParams, p.EntryFraction)
	}
	if p.Reserve == "" {
		return fmt.Errorf("%w: reserve asset is required", ErrInvalidParams)
	}
	return nil
}

func (p *FuturesParams) clone() StrategyParams {
	c := *p
	c.Targets = append([]float64(nil), p.Targets...)
	return &c
}

// DecodeParams 将配置文件中的动态参数转换为对应策略类型的参数
func DecodeParams(t StrategyType, raw map[string]interface{}) (StrategyParams, error) {
	if raw == nil {
		raw = map[string]interface{}{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return DecodeParamsJSON(t, data)
}

// DecodeParamsJSON 按策略类型解析参数, 填充默认值后校验
func DecodeParamsJSON(t StrategyType, data []byte) (StrategyParams, error) {
	var params StrategyParams
	switch t {
	case StrategyRebalancing:
		p := &RebalancingParams{}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Reserve == "" {
			p.Reserve = DefaultReserve
		}
		params = p
	case StrategyGrid:
		p := &GridParams{}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Asset == "" && len(p.Pairs) > 0 {
			p.Asset = pairBase(p.Pairs[0])
		}
		if p.Reserve == "" {
			p.Reserve = DefaultReserve
		}
		params = p
	case StrategyFutures:
		p := &FuturesParams{}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Leverage == 0 {
			p.Leverage = 1
		}
		if p.EntryFraction == 0 {
			p.EntryFraction = 1
		}
		if p.Reserve == "" {
			p.Reserve = DefaultReserve
		}
		params = p
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", ErrInvalidParams, t)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}
