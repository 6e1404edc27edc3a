package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentAcceptsNumbersAndStrings(t *testing.T) {
	var p struct {
		A Percent `json:"a"`
		B Percent `json:"b"`
		C Percent `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 2.0, "b": "0.75%", "c": " 1.5 "}`), &p))
	assert.Equal(t, Percent(2.0), p.A)
	assert.Equal(t, Percent(0.75), p.B)
	assert.Equal(t, Percent(1.5), p.C)
	assert.InDelta(t, 0.0075, p.B.Fraction(), 1e-12)

	err := json.Unmarshal([]byte(`{"a": "two percent"}`), &p)
	assert.Error(t, err)
}

func TestDecodeParamsFromOriginalShapes(t *testing.T) {
	grid, err := DecodeParams(StrategyGrid, map[string]interface{}{
		"pairs":   []interface{}{"SOL/USDT", "ETH/USDT"},
		"levels":  10,
		"spacing": "0.75%",
	})
	require.NoError(t, err)
	gp := grid.(*GridParams)
	assert.Equal(t, "SOL", gp.Asset)
	assert.Equal(t, DefaultReserve, gp.Reserve)
	assert.Equal(t, Percent(0.75), gp.Spacing)
	assert.Equal(t, []string{"SOL", "ETH"}, gp.Assets())

	fut, err := DecodeParams(StrategyFutures, map[string]interface{}{
		"asset":        "BTC",
		"leverage":     3,
		"maxDailyLoss": "2.0%",
		"targets":      []interface{}{0.5, 1.0, 1.5},
	})
	require.NoError(t, err)
	fp := fut.(*FuturesParams)
	assert.Equal(t, 3.0, fp.Leverage)
	assert.Equal(t, 1.0, fp.EntryFraction)
	assert.Equal(t, []float64{0.5, 1.0, 1.5}, fp.Targets)

	rebal, err := DecodeParams(StrategyRebalancing, map[string]interface{}{"threshold": 0.03})
	require.NoError(t, err)
	assert.Equal(t, StrategyRebalancing, rebal.Strategy())
}

func TestDecodeParamsRejectsInvalidShapes(t *testing.T) {
	tests := []struct {
		name string
		t    StrategyType
		raw  map[string]interface{}
	}{
		{"threshold out of range", StrategyRebalancing, map[string]interface{}{"threshold": 1.5}},
		{"grid without asset", StrategyGrid, map[string]interface{}{"levels": 10, "spacing": 1}},
		{"grid with one level", StrategyGrid, map[string]interface{}{"asset": "BTC", "levels": 1, "spacing": 1}},
		{"grid pair on the reserve", StrategyGrid, map[string]interface{}{
			"asset": "BTC", "pairs": []interface{}{"USDC/DAI"}, "levels": 4, "spacing": 1, "reserve": "USDC",
		}},
		{"grid pair without base", StrategyGrid, map[string]interface{}{
			"asset": "BTC", "pairs": []interface{}{"/USDT"}, "levels": 4, "spacing": 1,
		}},
		{"futures targets not increasing", StrategyFutures, map[string]interface{}{
			"asset": "BTC", "maxDailyLoss": 2, "targets": []interface{}{1.0, 0.5},
		}},
		{"futures wrong field type", StrategyFutures, map[string]interface{}{"asset": 42}},
		{"unknown strategy", StrategyType("arbitrage"), map[string]interface{}{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeParams(tt.t, tt.raw)
			assert.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestGridAssetsDeduplicatePairs(t *testing.T) {
	p := &GridParams{Asset: "ETH", Pairs: []string{"ETH/USDT", " SOL /USDT", "SOL/BTC"}}
	assert.Equal(t, []string{"ETH", "SOL"}, p.Assets())
}

func TestBuyCapLeavesRoomForCosts(t *testing.T) {
	v := LedgerView{CostRate: 0.0025}
	assert.InDelta(t, 1000/1.0025, v.BuyCap(1000), 1e-9)
	assert.Equal(t, 0.0, v.BuyCap(-5))
	assert.Equal(t, 1000.0, LedgerView{}.BuyCap(1000))
}

func TestBotJSONRestoresTypedParams(t *testing.T) {
	params, err := DecodeParams(StrategyFutures, map[string]interface{}{
		"asset": "ETH", "leverage": 2, "maxDailyLoss": 2, "targets": []interface{}{1.0},
	})
	require.NoError(t, err)
	bot := Bot{ID: "bot-futures", Type: StrategyFutures, State: StateSimulating, AllocationPct: 20, Params: params, RiskScore: 80}

	data, err := json.Marshal(bot)
	require.NoError(t, err)

	var restored Bot
	require.NoError(t, json.Unmarshal(data, &restored))
	require.IsType(t, &FuturesParams{}, restored.Params)
	assert.Equal(t, params, restored.Params)
	assert.Equal(t, StateSimulating, restored.State)
}

func TestBotCloneDoesNotShareParams(t *testing.T) {
	bot := Bot{ID: "b", Type: StrategyFutures, Params: &FuturesParams{Asset: "BTC", Targets: []float64{1, 2}}}
	c := bot.Clone()
	c.Params.(*FuturesParams).Targets[0] = 99
	assert.Equal(t, 1.0, bot.Params.(*FuturesParams).Targets[0])
}

func TestLifecycleCycle(t *testing.T) {
	s := StateActive
	var seen []LifecycleState
	for i := 0; i < 6; i++ {
		s = s.Next()
		seen = append(seen, s)
	}
	assert.Equal(t, []LifecycleState{
		StatePaused, StateSimulating, StateActive,
		StatePaused, StateSimulating, StateActive,
	}, seen)
	assert.False(t, StatePaused.Evaluated())
	assert.True(t, StateSimulating.Evaluated())
}

func TestTradeIntentValidate(t *testing.T) {
	ok := TradeIntent{Action: ActionBuy, Side: Buy, Asset: "ETH", FundingAsset: "USDC", Quantity: 1, Price: 3000, Rationale: "r"}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Quantity = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidIntent)

	bad = ok
	bad.FundingAsset = "ETH"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidIntent)
}
