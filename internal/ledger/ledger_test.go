package ledger

import (
	"testing"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func demoHoldings() []models.HoldingSpec {
	return []models.HoldingSpec{
		{Ticker: "USDC", Name: "USD Coin", Kind: models.AssetStable, Quantity: 4500, Price: 1, TargetWeight: 0.40},
		{Ticker: "BTC", Name: "Bitcoin", Kind: models.AssetCrypto, Quantity: 0.055, Price: 65000, TargetWeight: 0.25},
		{Ticker: "ETH", Name: "Ethereum", Kind: models.AssetCrypto, Quantity: 0.5, Price: 3000, TargetWeight: 0.20},
		{Ticker: "SOL", Name: "Solana", Kind: models.AssetCrypto, Quantity: 3.5, Price: 121.42857142857143, TargetWeight: 0.15},
	}
}

func TestNewRejectsTargetsThatDoNotSumToOne(t *testing.T) {
	specs := demoHoldings()
	specs[0].TargetWeight = 0.5
	_, err := New(specs)
	assert.ErrorIs(t, err, ErrInvalidWeights)
}

func TestSnapshotDerivesWeights(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)

	total := l.TotalValue()
	assert.InDelta(t, 10000, total, 1e-6)

	sum := 0.0
	for _, a := range l.Snapshot() {
		assert.GreaterOrEqual(t, a.CurrentWeight, 0.0)
		assert.InDelta(t, a.Value/total, a.CurrentWeight, 1e-12)
		sum += a.CurrentWeight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestViewScalesQuantitiesButNotWeights(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)

	view := l.View("bot-rebal", 40, time.Now())
	assert.InDelta(t, 4000, view.TotalValue, 1e-6)

	eth, ok := view.Asset("ETH")
	require.True(t, ok)
	assert.InDelta(t, 0.2, eth.Quantity, 1e-12)
	assert.InDelta(t, 0.15, eth.CurrentWeight, 1e-12)
	assert.Equal(t, 0.20, eth.TargetWeight)
}

func TestApplyTradeBuyAndSell(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)

	_, err = l.ApplyTrade(Trade{Side: models.Buy, Asset: "ETH", Quantity: 0.5, Price: 3200, FundingAsset: "USDC", FundingQty: 1600})
	require.NoError(t, err)

	h := holdingsByTicker(l)
	assert.InDelta(t, 1.0, h["ETH"].Quantity, 1e-12)
	assert.InDelta(t, 3100, h["ETH"].AvgCost, 1e-9)
	assert.InDelta(t, 2900, h["USDC"].Quantity, 1e-9)

	realized, err := l.ApplyTrade(Trade{Side: models.Sell, Asset: "ETH", Quantity: 1.0, Price: 3000, FundingAsset: "USDC", FundingQty: 2999})
	require.NoError(t, err)
	// 100 below cost on one ETH plus a 1 USDC fee.
	assert.InDelta(t, -101, realized, 1e-9)

	h = holdingsByTicker(l)
	assert.Equal(t, 0.0, h["ETH"].Quantity)
	assert.Equal(t, 0.0, h["ETH"].AvgCost)
	assert.InDelta(t, 5899, h["USDC"].Quantity, 1e-9)
}

func TestApplyTradeRejectsOverspend(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)
	before := l.Holdings()

	_, err = l.ApplyTrade(Trade{Side: models.Buy, Asset: "BTC", Quantity: 1, Price: 65000, FundingAsset: "USDC", FundingQty: 65000})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.ApplyTrade(Trade{Side: models.Sell, Asset: "SOL", Quantity: 10, Price: 120, FundingAsset: "USDC", FundingQty: 1200})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = l.ApplyTrade(Trade{Side: models.Buy, Asset: "DOGE", Quantity: 1, Price: 1, FundingAsset: "USDC", FundingQty: 1})
	assert.ErrorIs(t, err, ErrUnknownAsset)

	assert.Equal(t, before, l.Holdings(), "failed trades must not mutate the ledger")
}

func TestClampTradeFitsHoldings(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)

	buy := Trade{Side: models.Buy, Asset: "ETH", Quantity: 1.5, Price: 3000, FundingAsset: "USDC", FundingQty: 4506.75}
	clamped, cut := l.ClampTrade(buy)
	require.True(t, cut)
	assert.Equal(t, 1.5, clamped.Quantity)
	assert.Equal(t, 4500.0, clamped.FundingQty)
	_, err = l.ApplyTrade(clamped)
	require.NoError(t, err)
	assert.Equal(t, 0.0, holdingsByTicker(l)["USDC"].Quantity)

	sell := Trade{Side: models.Sell, Asset: "SOL", Quantity: 7, Price: 120, FundingAsset: "USDC", FundingQty: 840}
	clamped, cut = l.ClampTrade(sell)
	require.True(t, cut)
	assert.Equal(t, 3.5, clamped.Quantity)
	assert.InDelta(t, 420, clamped.FundingQty, 1e-9)

	within := Trade{Side: models.Buy, Asset: "BTC", Quantity: 0.001, Price: 65000, FundingAsset: "ETH", FundingQty: 0.02}
	clamped, cut = l.ClampTrade(within)
	assert.False(t, cut)
	assert.Equal(t, within, clamped)
}

func TestRefreshPricesIgnoresUnknownAndInvalid(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)

	applied := l.RefreshPrices(map[string]float64{"BTC": 70000, "ETH": -1, "DOGE": 0.1}, time.Now())
	assert.Equal(t, 1, applied)

	p, ok := l.Price("BTC")
	require.True(t, ok)
	assert.Equal(t, 70000.0, p)
	p, _ = l.Price("ETH")
	assert.Equal(t, 3000.0, p)
}

func TestDepositIntoEmptyLedgerKeepsExactCost(t *testing.T) {
	specs := demoHoldings()
	l, err := NewEmpty(specs)
	require.NoError(t, err)
	assert.Equal(t, 0.0, l.TotalValue())

	for _, s := range specs {
		require.NoError(t, l.Deposit(s.Ticker, s.Quantity, s.Price))
	}
	h := holdingsByTicker(l)
	assert.Equal(t, 65000.0, h["BTC"].AvgCost)
	assert.Equal(t, 0.055, h["BTC"].Quantity)
}

func TestSetTargets(t *testing.T) {
	l, err := New(demoHoldings())
	require.NoError(t, err)

	err = l.SetTargets(map[string]float64{"USDC": 0.5, "BTC": 0.5})
	assert.ErrorIs(t, err, ErrInvalidWeights)

	require.NoError(t, l.SetTargets(map[string]float64{"USDC": 0.25, "BTC": 0.25, "ETH": 0.25, "SOL": 0.25}))
	for _, a := range l.Snapshot() {
		assert.Equal(t, 0.25, a.TargetWeight)
	}
}

func holdingsByTicker(l *Ledger) map[string]models.Holding {
	out := make(map[string]models.Holding)
	for _, h := range l.Holdings() {
		out[h.Ticker] = h
	}
	return out
}
