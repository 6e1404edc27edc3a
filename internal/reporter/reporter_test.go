package reporter

import (
	"bytes"
	"testing"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executed(bot string, pnl float64, at time.Time) models.AuditEntry {
	return models.AuditEntry{BotID: bot, Action: models.ActionSell, Side: models.Sell, Asset: "ETH",
		Quantity: 1, Price: 1000, Outcome: models.OutcomeExecuted, RealizedPnL: pnl, Timestamp: at, Rationale: "x"}
}

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{100}))
	assert.InDelta(t, 0.25, calculateMaxDrawdown([]float64{100, 120, 90, 110}), 1e-12)
	assert.Equal(t, 0.0, calculateMaxDrawdown([]float64{100, 110, 120}))
}

func TestBuild(t *testing.T) {
	at := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	entries := []models.AuditEntry{
		{BotID: models.SystemBotID, Action: models.ActionDeposit, Outcome: models.OutcomeExecuted, Timestamp: at},
		executed("bot-a", 100, at.Add(time.Minute)),
		executed("bot-a", -50, at.Add(2*time.Minute)),
		executed("bot-a", 20, at.Add(3*time.Minute)),
		{BotID: "bot-a", Action: models.ActionBuy, Outcome: models.OutcomeExecuted, Quantity: 1, Price: 1000, Timestamp: at.Add(4 * time.Minute)},
		{BotID: "bot-b", Action: models.ActionBuy, Outcome: models.OutcomeSimulated, Timestamp: at.Add(5 * time.Minute)},
		{BotID: "bot-b", Action: models.ActionBuy, Outcome: models.OutcomeRejected, Rule: models.RuleIlliquidAsset, Timestamp: at.Add(6 * time.Minute)},
	}

	r := Build(entries, 1000)
	require.Len(t, r.Bots, 2)
	a := r.Bots[0]
	assert.Equal(t, "bot-a", a.BotID)
	assert.Equal(t, 4, a.Executed)
	assert.Equal(t, 3, a.ClosingTrades)
	assert.InDelta(t, 70, a.RealizedPnL, 1e-12)
	assert.InDelta(t, 66.6667, a.WinRate, 1e-3)
	// 1000 -> 1100 -> 1050: 50 / 1100
	assert.InDelta(t, 50.0/1100*100, a.MaxDrawdown, 1e-9)
	assert.NotZero(t, a.SharpeRatio)

	b := r.Bots[1]
	assert.Equal(t, 1, b.Simulated)
	assert.Equal(t, 1, b.Rejected)
	assert.Equal(t, map[string]int{models.RuleIlliquidAsset: 1}, r.Rejections)

	assert.Equal(t, 4, r.Total.Executed)
	assert.Equal(t, at.Add(time.Minute), r.From, "deposits are not part of the report window")
	assert.Equal(t, at.Add(6*time.Minute), r.To)
}

func TestWriteTables(t *testing.T) {
	at := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	entries := []models.AuditEntry{executed("bot-a", 12.5, at)}
	var buf bytes.Buffer

	WriteBots(&buf, Build(entries, 1000))
	WriteAssets(&buf, []models.PortfolioAsset{{Ticker: "ETH", Kind: models.AssetCrypto, Quantity: 1, Price: 2000, Value: 2000, CurrentWeight: 1, TargetWeight: 1}})
	WriteAudit(&buf, entries)

	out := buf.String()
	assert.Contains(t, out, "bot-a")
	assert.Contains(t, out, "12.50")
	assert.Contains(t, out, "2000.00")
	assert.Contains(t, out, "executed")
	assert.Contains(t, Summary(Build(entries, 1000)), "executed=1")
}
