package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"bot-orchestrator-go/internal/audit"
	"bot-orchestrator-go/internal/exchange"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var futuresParams = map[string]interface{}{
	"asset": "ETH", "leverage": 1.0, "maxDailyLoss": 2.0, "targets": []interface{}{1.0, 2.0},
	"entryFraction": 0.5, "reserve": "USDC",
}

var gridParams = map[string]interface{}{
	"asset": "ETH", "levels": 10.0, "spacing": 1.0, "anchorPrice": 2000.0, "orderNotional": 100.0, "reserve": "USDC",
}

func (f *fixture) createSpec(t *testing.T, id string, typ models.StrategyType, params map[string]interface{}) models.Bot {
	t.Helper()
	b, err := f.m.CreateBot(models.BotSpec{ID: id, Type: typ, AllocationPct: 50, Params: params})
	require.NoError(t, err)
	return b
}

func (f *fixture) tripBreaker(t *testing.T) {
	t.Helper()
	state := f.m.Governor().State()
	state.DailyRealizedPnL = -250
	f.m.Governor().Restore(state)
	require.True(t, f.m.Governor().State().BreakerTripped())
}

func (f *fixture) holding(t *testing.T, ticker string) float64 {
	t.Helper()
	for _, h := range f.m.Ledger().Holdings() {
		if h.Ticker == ticker {
			return h.Quantity
		}
	}
	t.Fatalf("no holding %s", ticker)
	return 0
}

func stateful(t *testing.T, reg *strategy.Registry, typ models.StrategyType) strategy.StatefulEngine {
	t.Helper()
	e, err := reg.Get(typ)
	require.NoError(t, err)
	se, ok := e.(strategy.StatefulEngine)
	require.True(t, ok)
	return se
}

func TestRejectedFuturesEntryOpensNoPosition(t *testing.T) {
	reg := strategy.DefaultRegistry()
	f := newFixture(t, fixtureOptions{registry: reg})
	f.createSpec(t, "fut", models.StrategyFutures, futuresParams)
	f.tripBreaker(t)
	ctx := context.Background()

	report, err := f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	// A rally that would hit both targets of an open position proposes another entry instead.
	f.prices.Set("ETH", 2100)
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	entries := f.entriesFor(t, "fut")
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, models.ActionBuy, e.Action)
		assert.Equal(t, models.RuleDrawdownBreaker, e.Rule)
	}
	assert.Equal(t, 1.0, f.holding(t, "ETH"))
	_, ok, err := stateful(t, reg, models.StrategyFutures).ExportState("fut")
	require.NoError(t, err)
	assert.False(t, ok)

	// After rollover the entry executes and the first take-profit sells half of what was filled.
	f.clock.Advance(24 * time.Hour)
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	bought := f.holding(t, "ETH") - 1
	assert.InDelta(t, 1250.0/2100, bought, 1e-12)

	f.prices.Set("ETH", 2130)
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.InDelta(t, 1+bought/2, f.holding(t, "ETH"), 1e-12)
}

func TestRejectedGridBuyIsNeverSold(t *testing.T) {
	reg := strategy.DefaultRegistry()
	f := newFixture(t, fixtureOptions{registry: reg})
	f.createSpec(t, "grid", models.StrategyGrid, gridParams)
	ctx := context.Background()

	_, err := f.m.Tick(ctx)
	require.NoError(t, err)

	// Level 6 sits at 1990.
	f.tripBreaker(t)
	f.prices.Set("ETH", 1985)
	report, err := f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	// Its take-profit at 2009.9 is crossed on the next day, but the level was never filled.
	f.clock.Advance(24 * time.Hour)
	f.prices.Set("ETH", 2015)
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Tick: 3, Evaluated: 1}, report)

	entries := f.entriesFor(t, "grid")
	require.Len(t, entries, 1)
	assert.Equal(t, models.Buy, entries[0].Side)
	assert.Equal(t, models.OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, 1.0, f.holding(t, "ETH"))
}

// slowFutures blocks its first evaluation until released.
type slowFutures struct {
	*strategy.Futures
	release chan struct{}
	calls   atomic.Int32
}

func (s *slowFutures) Evaluate(ctx context.Context, view models.LedgerView, bot models.Bot) ([]models.TradeIntent, error) {
	if s.calls.Add(1) == 1 {
		<-s.release
	}
	return s.Futures.Evaluate(ctx, view, bot)
}

func TestTimedOutEvaluationOpensNoPosition(t *testing.T) {
	slow := &slowFutures{Futures: strategy.NewFutures(), release: make(chan struct{})}
	f := newFixture(t, fixtureOptions{registry: strategy.NewRegistry(slow), evalTimeout: 20 * time.Millisecond})
	f.createSpec(t, "fut", models.StrategyFutures, futuresParams)
	ctx := context.Background()

	report, err := f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	close(slow.release)
	rec, ok := f.m.record("fut")
	require.True(t, ok)
	require.Eventually(t, func() bool { return !rec.inFlight.Load() }, time.Second, 5*time.Millisecond)

	_, ok, err = slow.ExportState("fut")
	require.NoError(t, err)
	assert.False(t, ok, "the late intents were never settled")
	assert.Equal(t, 1.0, f.holding(t, "ETH"))

	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	entries := f.entriesFor(t, "fut")
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionBuy, entries[1].Action)
}

func TestPaperPositionIsClosedInSimulation(t *testing.T) {
	cfg := testRisk()
	cfg.MinTrackRecord = 1
	f := newFixture(t, fixtureOptions{risk: cfg, registry: strategy.DefaultRegistry()})
	f.createSpec(t, "fut", models.StrategyFutures, futuresParams)
	ctx := context.Background()

	report, err := f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Simulated, "paper-trading floor")

	f.prices.Set("ETH", 2025)
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Simulated)
	assert.Equal(t, 0, report.Executed)

	f.prices.Set("ETH", 2045)
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Simulated)
	assert.Equal(t, 1.0, f.holding(t, "ETH"), "simulated exits never sell real holdings")

	entries := f.entriesFor(t, "fut")
	require.Len(t, entries, 3)
	for _, e := range entries[1:] {
		assert.Equal(t, models.Sell, e.Side)
		assert.Equal(t, models.OutcomeSimulated, e.Outcome)
		assert.Contains(t, e.Rationale, "opened in simulation")
	}

	// The paper position is closed; the next entry is live.
	report, err = f.m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Executed)
	assert.Greater(t, f.holding(t, "ETH"), 1.0)
}

// reserveBoundAccount holds almost no reserve: BTC must be bought with exactly the 50 USDC on hand.
func reserveBoundAccount() *models.AccountConfig {
	return &models.AccountConfig{
		ID: "acct-2",
		Holdings: []models.HoldingSpec{
			{Ticker: "USDC", Kind: models.AssetStable, Quantity: 50, Price: 1, TargetWeight: 0.05},
			{Ticker: "ETH", Quantity: 0.475, Price: 2000, TargetWeight: 0.50},
			{Ticker: "BTC", Quantity: 0, Price: 60000, TargetWeight: 0.45},
		},
	}
}

func feeExchange() *exchange.PaperExchange {
	return exchange.NewPaperExchange(models.ExchangeConfig{TakerFeeRate: 0.001, SlippageRate: 0.0005})
}

func TestReserveLimitedBuyWithFeesExecutes(t *testing.T) {
	account := reserveBoundAccount()
	f := newFixture(t, fixtureOptions{
		registry: strategy.DefaultRegistry(),
		exchange: feeExchange(),
		account:  account,
		costRate: (1+0.001)*(1+0.0005) - 1,
	})
	f.createBot(t, "rebalancer", 100)

	report, err := f.m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickReport{Tick: 1, Evaluated: 1, Executed: 2}, report)

	entries := f.entriesFor(t, "rebalancer")
	require.Len(t, entries, 2)
	buy := entries[0]
	assert.Equal(t, "BTC", buy.Asset)
	assert.Equal(t, models.OutcomeExecuted, buy.Outcome)
	assert.Empty(t, buy.Class)
	assert.LessOrEqual(t, buy.FundingQty, 50+1e-9)
	assert.Greater(t, f.holding(t, "BTC"), 0.0)

	all, err := f.log.All()
	require.NoError(t, err)
	replayed, err := audit.Replay(all, account.Holdings)
	require.NoError(t, err)
	assert.Equal(t, f.m.Ledger().Holdings(), replayed.Holdings())
}

func TestOverfilledBuyIsRecordedAsReconciledExecution(t *testing.T) {
	account := reserveBoundAccount()
	// No cost margin: the pre-check passes at 50 USDC but the fill costs more.
	f := newFixture(t, fixtureOptions{
		registry: strategy.DefaultRegistry(),
		exchange: feeExchange(),
		account:  account,
	})
	f.createBot(t, "rebalancer", 100)

	report, err := f.m.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Executed)
	assert.Equal(t, 0, report.Rejected)

	entries := f.entriesFor(t, "rebalancer")
	require.Len(t, entries, 2)
	buy := entries[0]
	assert.Equal(t, "BTC", buy.Asset)
	assert.Equal(t, models.OutcomeExecuted, buy.Outcome)
	assert.Equal(t, models.ClassAdapterError, buy.Class)
	assert.Contains(t, buy.Rationale, "reconcile")
	assert.InDelta(t, 50, buy.FundingQty, 1e-9)
	assert.InDelta(t, 50.0/60000, f.holding(t, "BTC"), 1e-12)

	all, err := f.log.All()
	require.NoError(t, err)
	replayed, err := audit.Replay(all, account.Holdings)
	require.NoError(t, err)
	assert.Equal(t, f.m.Ledger().Holdings(), replayed.Holdings())
}

func TestViewTimeIsInTradingDayLocation(t *testing.T) {
	tokyo := time.FixedZone("UTC+9", 9*3600)
	f := newFixture(t, fixtureOptions{location: tokyo, costRate: 0.0015})
	f.createBot(t, "bot-a", 50)

	var seen models.LedgerView
	f.engine.set(func(ctx context.Context, view models.LedgerView, bot models.Bot) ([]models.TradeIntent, error) {
		seen = view
		return nil, nil
	})
	_, err := f.m.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tokyo, seen.Time.Location())
	assert.Equal(t, 18, seen.Time.Hour())
	assert.True(t, seen.Time.Equal(f.clock.Now()))
	assert.Equal(t, 0.0015, seen.CostRate)
}
