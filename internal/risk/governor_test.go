package risk

import (
	"testing"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() models.RiskConfig {
	return models.RiskConfig{
		Profile:            models.ProfileModerate,
		MinTrackRecord:     3,
		TopN:               3,
		LiquidityWhitelist: []string{"BTC", "ETH", "SOL", "DOGE"},
		ClearedStrategies:  []models.StrategyType{models.StrategyRebalancing},
	}
}

func intentFor(asset string) models.TradeIntent {
	return models.TradeIntent{BotID: "bot-1", Action: models.ActionBuy, Side: models.Buy, Asset: asset, Quantity: 1, Price: 1, FundingAsset: "USDC", Rationale: "test"}
}

func TestAdmitRuleOrder(t *testing.T) {
	g := NewGovernor(testConfig(), time.UTC, zap.NewNop())
	g.StartDay(time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC), 10000)
	active := models.Bot{ID: "bot-1", State: models.StateActive}

	// Top-N truncation keeps DOGE out of the whitelist.
	adm := g.Admit(intentFor("DOGE"), active)
	assert.Equal(t, models.VerdictReject, adm.Verdict)
	assert.Equal(t, models.RuleIlliquidAsset, adm.Rule)

	// Paper-trading floor forces simulation even for an active bot.
	adm = g.Admit(intentFor("ETH"), active)
	assert.Equal(t, models.VerdictSimulate, adm.Verdict)

	for i := 0; i < 3; i++ {
		g.RecordOutcome("bot-1", models.OutcomeSimulated, 0)
	}
	adm = g.Admit(intentFor("ETH"), active)
	assert.Equal(t, models.VerdictExecute, adm.Verdict)

	simulating := active
	simulating.State = models.StateSimulating
	adm = g.Admit(intentFor("ETH"), simulating)
	assert.Equal(t, models.VerdictSimulate, adm.Verdict)
}

func TestFloorNeverExecutes(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrackRecord = 10
	g := NewGovernor(cfg, time.UTC, zap.NewNop())
	g.StartDay(time.Now(), 10000)
	bot := models.Bot{ID: "fresh", State: models.StateActive}

	for i := 0; i < 9; i++ {
		adm := g.Admit(intentFor("BTC"), bot)
		require.NotEqual(t, models.VerdictExecute, adm.Verdict, "trade %d", i)
		g.RecordOutcome(bot.ID, models.OutcomeSimulated, 0)
	}
	// Rejections do not count towards the track record.
	g.RecordOutcome(bot.ID, models.OutcomeRejected, 0)
	assert.Equal(t, models.VerdictSimulate, g.Admit(intentFor("BTC"), bot).Verdict)

	g.RecordOutcome(bot.ID, models.OutcomeSimulated, 0)
	assert.Equal(t, models.VerdictExecute, g.Admit(intentFor("BTC"), bot).Verdict)
}

func TestDrawdownBreakerRejectsEverythingUntilRollover(t *testing.T) {
	cfg := testConfig()
	cfg.MinTrackRecord = 0
	g := NewGovernor(cfg, time.UTC, zap.NewNop())
	day := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	g.StartDay(day, 10000)

	// 2% limit for the moderate profile: a 200 loss on 10000 trips it.
	g.RecordOutcome("bot-1", models.OutcomeExecuted, -150)
	assert.False(t, g.State().BreakerTripped())
	g.RecordOutcome("bot-1", models.OutcomeExecuted, -50)
	state := g.State()
	assert.InDelta(t, 2.0, state.DailyDrawdownPct, 1e-9)
	assert.True(t, state.BreakerTripped())

	bots := []models.Bot{
		{ID: "a", State: models.StateActive},
		{ID: "b", State: models.StateSimulating},
	}
	for _, b := range bots {
		for _, asset := range []string{"BTC", "DOGE"} {
			adm := g.Admit(intentFor(asset), b)
			assert.Equal(t, models.VerdictReject, adm.Verdict)
			assert.Equal(t, models.RuleDrawdownBreaker, adm.Rule)
		}
	}

	// Same day: no rollover, breaker stays.
	assert.False(t, g.MaybeRollover(day.Add(10*time.Hour), 9800))
	assert.True(t, g.State().BreakerTripped())

	assert.True(t, g.MaybeRollover(day.Add(24*time.Hour), 9800))
	state = g.State()
	assert.False(t, state.BreakerTripped())
	assert.Equal(t, 9800.0, state.DayStartCapital)
	assert.Equal(t, models.VerdictExecute, g.Admit(intentFor("BTC"), bots[0]).Verdict)
}

func TestProfitsDoNotCreateDrawdown(t *testing.T) {
	g := NewGovernor(testConfig(), time.UTC, zap.NewNop())
	g.StartDay(time.Now(), 10000)
	g.RecordOutcome("bot-1", models.OutcomeExecuted, 500)
	g.RecordOutcome("bot-1", models.OutcomeExecuted, -300)
	assert.Equal(t, 0.0, g.State().DailyDrawdownPct)
}

func TestSetProfileChangesLimit(t *testing.T) {
	g := NewGovernor(testConfig(), time.UTC, zap.NewNop())
	assert.Equal(t, 2.0, g.State().MaxDrawdownPct)

	require.NoError(t, g.SetProfile(models.ProfileConservative))
	assert.Equal(t, 1.0, g.State().MaxDrawdownPct)
	assert.Equal(t, models.ProfileConservative, g.State().Profile)

	assert.Error(t, g.SetProfile("yolo"))
}

func TestClearedForLive(t *testing.T) {
	g := NewGovernor(testConfig(), time.UTC, zap.NewNop())
	assert.True(t, g.ClearedForLive(models.StrategyRebalancing))
	assert.False(t, g.ClearedForLive(models.StrategyFutures))
}

func TestRolloverUsesConfiguredTimezone(t *testing.T) {
	loc := time.FixedZone("UTC-3", -3*60*60)
	g := NewGovernor(testConfig(), loc, zap.NewNop())
	g.StartDay(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC), 10000)

	// 01:00 UTC on the 17th is still the 16th at UTC-3.
	assert.False(t, g.MaybeRollover(time.Date(2026, 10, 17, 1, 0, 0, 0, time.UTC), 10000))
	assert.True(t, g.MaybeRollover(time.Date(2026, 10, 17, 4, 0, 0, 0, time.UTC), 10000))
}
