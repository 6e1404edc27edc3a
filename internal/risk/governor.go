// Package risk implements the Risk Governor: the admission gate every trade intent passes
// through, the daily drawdown circuit breaker and the paper-trading floor.
package risk

import (
	"fmt"
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"

	"go.uber.org/zap"
)

// RuleBotPaused is returned when an intent arrives for a bot that is not being evaluated.
const RuleBotPaused = "bot_paused"

const (
	DefaultMinTrackRecord = 10
	DefaultTopN           = 50
)

// DefaultProfileLimits maps each risk profile to its daily drawdown limit in percent.
func DefaultProfileLimits() map[models.RiskProfile]float64 {
	return map[models.RiskProfile]float64{
		models.ProfileConservative: 1.0,
		models.ProfileModerate:     2.0,
		models.ProfileAggressive:   4.0,
	}
}

// Governor owns the RiskState. All reads return copies.
type Governor struct {
	mu        sync.RWMutex
	cfg       models.RiskConfig
	loc       *time.Location
	whitelist map[string]struct{}
	cleared   map[models.StrategyType]bool
	state     models.RiskState
	logger    *zap.Logger
}

// NewGovernor creates a governor. The trading day starts on the first StartDay call.
func NewGovernor(cfg models.RiskConfig, loc *time.Location, logger *zap.Logger) *Governor {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProfileLimits == nil {
		cfg.ProfileLimits = DefaultProfileLimits()
	}
	if !cfg.Profile.Valid() {
		cfg.Profile = models.ProfileModerate
	}
	if cfg.MinTrackRecord < 0 {
		cfg.MinTrackRecord = 0
	}

	g := &Governor{
		cfg:       cfg,
		loc:       loc,
		whitelist: make(map[string]struct{}),
		cleared:   make(map[models.StrategyType]bool),
		logger:    logger,
	}

	list := cfg.LiquidityWhitelist
	if cfg.TopN > 0 && cfg.TopN < len(list) {
		list = list[:cfg.TopN]
	}
	for _, t := range list {
		g.whitelist[t] = struct{}{}
	}
	for _, s := range cfg.ClearedStrategies {
		g.cleared[s] = true
	}

	limit := cfg.MaxDrawdownPct
	if limit <= 0 {
		limit = g.limitFor(cfg.Profile)
	}
	g.state = models.RiskState{
		MaxDrawdownPct: limit,
		Profile:        cfg.Profile,
		TrackRecord:    make(map[string]int),
	}
	return g
}

func (g *Governor) limitFor(p models.RiskProfile) float64 {
	if v, ok := g.cfg.ProfileLimits[p]; ok && v > 0 {
		return v
	}
	return DefaultProfileLimits()[p]
}

// Admit decides what happens to an intent. Rules are evaluated in order and the first
// match wins: drawdown breaker, liquidity whitelist, paper-trading floor, lifecycle state.
func (g *Governor) Admit(intent models.TradeIntent, bot models.Bot) models.Admission {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state.BreakerTripped() {
		return models.Admission{
			Verdict: models.VerdictReject,
			Rule:    models.RuleDrawdownBreaker,
			Reason: fmt.Sprintf("daily drawdown %.2f%% reached the %.2f%% limit; trading halted until day rollover",
				g.state.DailyDrawdownPct, g.state.MaxDrawdownPct),
		}
	}
	if _, ok := g.whitelist[intent.Asset]; !ok {
		return models.Admission{
			Verdict: models.VerdictReject,
			Rule:    models.RuleIlliquidAsset,
			Reason:  fmt.Sprintf("%s is not in the top-%d liquidity whitelist", intent.Asset, len(g.whitelist)),
		}
	}
	if n := g.state.TrackRecord[bot.ID]; n < g.cfg.MinTrackRecord {
		return models.Admission{
			Verdict: models.VerdictSimulate,
			Reason:  fmt.Sprintf("paper-trading floor: %d of %d simulated trades recorded", n, g.cfg.MinTrackRecord),
		}
	}
	switch bot.State {
	case models.StateActive:
		return models.Admission{Verdict: models.VerdictExecute, Reason: "bot is active and cleared by risk policy"}
	case models.StateSimulating:
		return models.Admission{Verdict: models.VerdictSimulate, Reason: "bot is in simulation mode"}
	default:
		return models.Admission{Verdict: models.VerdictReject, Rule: RuleBotPaused, Reason: "bot is paused"}
	}
}

// RecordOutcome updates the track record and, for executed fills, the realized PnL of the day.
func (g *Governor) RecordOutcome(botID string, outcome models.Outcome, realizedPnL float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch outcome {
	case models.OutcomeExecuted:
		g.state.TrackRecord[botID]++
		g.state.DailyRealizedPnL += realizedPnL
		g.recomputeLocked()
		if g.state.BreakerTripped() {
			g.logger.Warn("drawdown circuit breaker tripped",
				zap.Float64("drawdown_pct", g.state.DailyDrawdownPct),
				zap.Float64("limit_pct", g.state.MaxDrawdownPct))
		}
	case models.OutcomeSimulated:
		g.state.TrackRecord[botID]++
	}
}

func (g *Governor) recomputeLocked() {
	if g.state.DayStartCapital <= 0 || g.state.DailyRealizedPnL >= 0 {
		g.state.DailyDrawdownPct = 0
		return
	}
	g.state.DailyDrawdownPct = -g.state.DailyRealizedPnL / g.state.DayStartCapital * 100
}

// StartDay begins a new trading day: realized PnL and drawdown reset, the breaker clears.
// Track records survive the rollover.
func (g *Governor) StartDay(now time.Time, capital float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.startDayLocked(now, capital)
}

func (g *Governor) startDayLocked(now time.Time, capital float64) {
	wasTripped := g.state.BreakerTripped() && !g.state.Day.IsZero()
	g.state.Day = g.dayOf(now)
	g.state.DayStartCapital = capital
	g.state.DailyRealizedPnL = 0
	g.state.DailyDrawdownPct = 0
	g.logger.Info("trading day started",
		zap.Time("day", g.state.Day),
		zap.Float64("capital", capital),
		zap.Bool("breaker_reset", wasTripped))
}

// MaybeRollover starts a new day if now falls after the current trading day.
func (g *Governor) MaybeRollover(now time.Time, capital float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.state.Day.IsZero() && !g.dayOf(now).After(g.state.Day) {
		return false
	}
	g.startDayLocked(now, capital)
	return true
}

func (g *Governor) dayOf(t time.Time) time.Time {
	local := t.In(g.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
}

// Location is the timezone that defines the trading-day boundary.
func (g *Governor) Location() *time.Location { return g.loc }

// SetProfile changes the risk tier and the drawdown limit that goes with it.
func (g *Governor) SetProfile(p models.RiskProfile) error {
	if !p.Valid() {
		return fmt.Errorf("unknown risk profile %q", p)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.Profile = p
	g.state.MaxDrawdownPct = g.limitFor(p)
	g.logger.Info("risk profile changed", zap.String("profile", string(p)), zap.Float64("max_drawdown_pct", g.state.MaxDrawdownPct))
	return nil
}

// ClearedForLive reports whether bots of this strategy type may start outside simulation.
func (g *Governor) ClearedForLive(t models.StrategyType) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cleared[t]
}

// Whitelisted reports whether an asset passes the liquidity rule.
func (g *Governor) Whitelisted(asset string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.whitelist[asset]
	return ok
}

// Forget drops the track record of a removed bot.
func (g *Governor) Forget(botID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.state.TrackRecord, botID)
}

// State returns a copy of the risk state.
func (g *Governor) State() models.RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Clone()
}

// Restore replaces the risk state with a persisted copy.
func (g *Governor) Restore(s models.RiskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := s.Clone()
	if !c.Profile.Valid() {
		c.Profile = g.state.Profile
	}
	if c.MaxDrawdownPct <= 0 {
		c.MaxDrawdownPct = g.state.MaxDrawdownPct
	}
	g.state = c
	g.recomputeLocked()
}
