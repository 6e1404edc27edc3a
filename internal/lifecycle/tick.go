package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bot-orchestrator-go/internal/ledger"
	"bot-orchestrator-go/internal/metrics"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/statemanager"
	"bot-orchestrator-go/internal/strategy"

	"go.uber.org/zap"
)

// TickReport summarizes one evaluation tick.
type TickReport struct {
	Tick      uint64 `json:"tick"`
	Evaluated int    `json:"evaluated"`
	Executed  int    `json:"executed"`
	Simulated int    `json:"simulated"`
	Rejected  int    `json:"rejected"`
	Discarded int    `json:"discarded"`
}

type evalResult struct {
	rec     *botRecord
	bot     models.Bot
	engine  strategy.Engine
	intents []models.TradeIntent
	err     error
	elapsed time.Duration
}

// Run drives ticks on a fixed interval until ctx is cancelled. A failed tick is logged
// and the loop goes on.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("evaluation loop started", zap.Duration("interval", m.cfg.TickInterval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("evaluation loop stopped")
			return nil
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				m.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Rollover starts a new trading day if now falls after the current one.
func (m *Manager) Rollover(now time.Time) (bool, error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	if m.ledger == nil {
		return false, ErrNotProvisioned
	}
	rolled := m.governor.MaybeRollover(now, m.ledger.TotalValue())
	if rolled {
		state := m.governor.State()
		metrics.SetRisk(state.DailyDrawdownPct, state.BreakerTripped())
		m.dispatch(statemanager.RiskChangedEvent, state)
	}
	return rolled, nil
}

// Tick runs one evaluation cycle. Engines of distinct bots run in parallel; admission,
// execution and ledger mutation happen sequentially in ascending bot id order.
func (m *Manager) Tick(ctx context.Context) (TickReport, error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if m.ledger == nil {
		return TickReport{}, ErrNotProvisioned
	}
	now := m.now()
	m.refreshPrices(ctx, now)
	if m.governor.MaybeRollover(now, m.ledger.TotalValue()) {
		m.dispatch(statemanager.RiskChangedEvent, m.governor.State())
	}

	m.tick++
	report := TickReport{Tick: m.tick}

	var pending []*evalResult
	for _, rec := range m.records() {
		bot := rec.get()
		if !bot.State.Evaluated() {
			continue
		}
		res := &evalResult{rec: rec, bot: bot}
		engine, err := m.registry.Get(bot.Type)
		if err != nil {
			res.err = err
		}
		res.engine = engine
		pending = append(pending, res)
	}

	var wg sync.WaitGroup
	for _, res := range pending {
		if res.err != nil {
			continue
		}
		view := m.ledger.View(res.bot.ID, res.bot.AllocationPct, now.In(m.governor.Location()))
		view.CostRate = m.cfg.CostRate
		wg.Add(1)
		go func(res *evalResult) {
			defer wg.Done()
			m.evaluate(ctx, res, view)
		}(res)
	}
	wg.Wait()

	for _, res := range pending {
		report.Evaluated++
		m.apply(ctx, res, now, &report)
		m.exportEngineState(res)
	}

	state := m.governor.State()
	metrics.TicksTotal.Inc()
	metrics.SetRisk(state.DailyDrawdownPct, state.BreakerTripped())

	recent, err := m.audit.Query(models.AuditFilter{Limit: m.cfg.RecentAudit})
	if err != nil {
		m.logger.Error("query recent audit entries", zap.Error(err))
	}
	m.dispatch(statemanager.TickCompletedEvent, m.snapshotAt(m.tick, now, recent))

	m.logger.Debug("tick completed",
		zap.Uint64("tick", report.Tick),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("executed", report.Executed),
		zap.Int("simulated", report.Simulated),
		zap.Int("rejected", report.Rejected))
	return report, nil
}

func (m *Manager) refreshPrices(ctx context.Context, now time.Time) {
	if m.prices == nil {
		return
	}
	prices, err := m.prices.Prices(ctx, m.ledger.Tickers())
	if err != nil {
		m.logger.Warn("price refresh failed, keeping last prices", zap.Error(err))
		return
	}
	m.ledger.RefreshPrices(prices, now)
}

// evaluate runs one engine under the evaluation budget. A bot whose previous
// evaluation is still running is not evaluated again.
func (m *Manager) evaluate(ctx context.Context, res *evalResult, view models.LedgerView) {
	if !res.rec.inFlight.CompareAndSwap(false, true) {
		res.err = errEvalInFlight
		return
	}

	ectx, cancel := context.WithTimeout(ctx, m.cfg.EvalTimeout)
	defer cancel()

	type outcome struct {
		intents []models.TradeIntent
		err     error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fmt.Errorf("engine panic: %v", r)}
			}
			res.rec.inFlight.Store(false)
			done <- out
		}()
		out.intents, out.err = res.engine.Evaluate(ectx, view, res.bot)
	}()

	select {
	case out := <-done:
		res.intents, res.err = out.intents, out.err
	case <-ectx.Done():
		res.err = fmt.Errorf("evaluation exceeded %s: %w", m.cfg.EvalTimeout, ectx.Err())
	}
	res.elapsed = time.Since(start)
	metrics.EngineEvalSeconds.WithLabelValues(string(res.bot.Type)).Observe(res.elapsed.Seconds())
}

func (m *Manager) apply(ctx context.Context, res *evalResult, now time.Time, report *TickReport) {
	res.rec.mu.Lock()
	removed := res.rec.removed
	bot := res.rec.bot.Clone()
	res.rec.mu.Unlock()
	if removed {
		report.Discarded++
		m.logger.Info("discarding evaluation of removed bot", zap.String("bot_id", bot.ID))
		return
	}

	if res.err != nil {
		report.Rejected++
		m.logger.Warn("engine evaluation failed", zap.String("bot_id", bot.ID), zap.Error(res.err))
		m.writeAudit(models.AuditEntry{
			BotID:     bot.ID,
			Action:    models.ActionEvaluate,
			Outcome:   models.OutcomeRejected,
			Rule:      models.RuleEngineError,
			Class:     models.ClassEngineError,
			Rationale: fmt.Sprintf("%s engine failed: %v", bot.Type, res.err),
		})
		return
	}

	for _, intent := range res.intents {
		intent.BotID = bot.ID
		if err := intent.Validate(); err != nil {
			report.Rejected++
			m.writeAudit(intentEntry(intent, models.OutcomeRejected, models.RuleEngineError, models.ClassEngineError,
				fmt.Sprintf("%s engine produced an invalid intent: %v", bot.Type, err)))
			continue
		}

		adm := m.governor.Admit(intent, bot)
		if adm.Verdict == models.VerdictExecute && intent.Paper {
			adm = models.Admission{Verdict: models.VerdictSimulate, Reason: "closes a position that was opened in simulation"}
		}
		switch adm.Verdict {
		case models.VerdictReject:
			report.Rejected++
			m.writeAudit(intentEntry(intent, models.OutcomeRejected, adm.Rule, models.ClassRejectedByPolicy,
				intent.Rationale+"; rejected: "+adm.Reason))

		case models.VerdictSimulate:
			report.Simulated++
			e := intentEntry(intent, models.OutcomeSimulated, "", "", intent.Rationale+"; simulated: "+adm.Reason)
			e.FundingQty = intent.Quantity * intent.Price
			m.writeAudit(e)
			m.governor.RecordOutcome(bot.ID, models.OutcomeSimulated, 0)
			m.settle(res.engine, strategy.Settlement{
				Bot: bot, Intent: intent, Outcome: models.OutcomeSimulated,
				Fill: models.Fill{Quantity: intent.Quantity, AvgPrice: intent.Price},
				Time: now.In(m.governor.Location()),
			})

		case models.VerdictExecute:
			fill, ok := m.execute(ctx, res.rec, intent, adm)
			if !ok {
				report.Rejected++
				continue
			}
			report.Executed++
			m.settle(res.engine, strategy.Settlement{
				Bot: bot, Intent: intent, Outcome: models.OutcomeExecuted,
				Fill: fill, Time: now.In(m.governor.Location()),
			})
		}
	}
}

// settle lets a stateful engine move its positions by what actually happened.
func (m *Manager) settle(engine strategy.Engine, s strategy.Settlement) {
	if se, ok := engine.(strategy.StatefulEngine); ok {
		se.Settle(s)
	}
}

// execute sends an admitted intent to the exchange and applies the fill. It returns the
// fill as recorded in the ledger and whether the trade reached it.
func (m *Manager) execute(ctx context.Context, rec *botRecord, intent models.TradeIntent, adm models.Admission) (models.Fill, bool) {
	pre := ledger.Trade{
		Side:         intent.Side,
		Asset:        intent.Asset,
		Quantity:     intent.Quantity,
		Price:        intent.Price,
		FundingAsset: intent.FundingAsset,
	}
	if intent.Side == models.Buy {
		pre.FundingQty = intent.Quantity * intent.Price * (1 + m.cfg.CostRate)
	}
	if err := m.ledger.CheckTrade(pre); err != nil {
		m.writeAudit(intentEntry(intent, models.OutcomeRejected, models.RuleInsufficientBalance, models.ClassRejectedByPolicy,
			fmt.Sprintf("%s; rejected: %v", intent.Rationale, err)))
		return models.Fill{}, false
	}

	ectx, cancel := context.WithTimeout(ctx, m.cfg.ExecTimeout)
	defer cancel()
	fill, err := m.exchange.Execute(ectx, intent)
	if err == nil && (!(fill.Quantity > 0) || !(fill.AvgPrice > 0)) {
		err = fmt.Errorf("empty fill %+v", fill)
	}
	if err != nil {
		m.logger.Warn("exchange execution failed", zap.String("bot_id", intent.BotID), zap.String("asset", intent.Asset), zap.Error(err))
		m.writeAudit(intentEntry(intent, models.OutcomeRejected, models.RuleAdapterError, models.ClassAdapterError,
			fmt.Sprintf("%s; %s adapter failed: %v", intent.Rationale, m.exchange.Name(), err)))
		return models.Fill{}, false
	}

	trade := ledger.Trade{
		Side:         intent.Side,
		Asset:        intent.Asset,
		Quantity:     fill.Quantity,
		Price:        fill.AvgPrice,
		FundingAsset: intent.FundingAsset,
	}
	if intent.Side == models.Buy {
		trade.FundingQty = fill.Quantity*fill.AvgPrice + fill.Fee
	} else {
		trade.FundingQty = fill.Quantity*fill.AvgPrice - fill.Fee
		if trade.FundingQty < 0 {
			trade.FundingQty = 0
		}
	}

	// The exchange has filled; the ledger follows even when the fill overshoots what it
	// holds. The entry stays executed so replay reproduces the clamped trade.
	class := models.ErrorClass("")
	rationale := fmt.Sprintf("%s; executed on %s: %s", intent.Rationale, m.exchange.Name(), adm.Reason)
	if clamped, cut := m.ledger.ClampTrade(trade); cut {
		m.logger.Error("fill exceeds ledger holdings, clamping for reconciliation",
			zap.String("bot_id", intent.BotID), zap.String("asset", intent.Asset),
			zap.Float64("filled_qty", trade.Quantity), zap.Float64("funding_qty", trade.FundingQty),
			zap.Float64("recorded_qty", clamped.Quantity), zap.Float64("recorded_funding_qty", clamped.FundingQty))
		class = models.ClassAdapterError
		rationale = fmt.Sprintf("%s; reconcile: fill of %v %s @ %v for %v %s exceeded holdings, recorded %v %s for %v %s",
			rationale, trade.Quantity, trade.Asset, trade.Price, trade.FundingQty, trade.FundingAsset,
			clamped.Quantity, clamped.Asset, clamped.FundingQty, clamped.FundingAsset)
		trade = clamped
	}
	pnl, err := m.ledger.ApplyTrade(trade)
	if err != nil {
		m.logger.Error("CRITICAL: filled trade could not be applied to the ledger", zap.String("bot_id", intent.BotID), zap.Error(err))
		m.writeAudit(intentEntry(intent, models.OutcomeRejected, models.RuleAdapterError, models.ClassAdapterError,
			fmt.Sprintf("%s; fill of %v @ %v not applied, needs operator reconciliation: %v", intent.Rationale, fill.Quantity, fill.AvgPrice, err)))
		return models.Fill{}, false
	}

	e := intentEntry(intent, models.OutcomeExecuted, "", class, rationale)
	e.Quantity = trade.Quantity
	e.Price = trade.Price
	e.FundingQty = trade.FundingQty
	e.RealizedPnL = pnl
	if _, err := m.appendAudit(e); err != nil {
		m.logger.Error("CRITICAL: executed trade missing from audit log", zap.String("bot_id", intent.BotID), zap.Error(err))
	}

	rec.mu.Lock()
	rec.bot.RealizedPnL += pnl
	rec.mu.Unlock()
	m.governor.RecordOutcome(intent.BotID, models.OutcomeExecuted, pnl)
	return models.Fill{Quantity: trade.Quantity, AvgPrice: trade.Price, Fee: fill.Fee}, true
}

func (m *Manager) exportEngineState(res *evalResult) {
	se, ok := res.engine.(strategy.StatefulEngine)
	if !ok || errors.Is(res.err, errEvalInFlight) {
		return
	}
	res.rec.mu.Lock()
	removed := res.rec.removed
	res.rec.mu.Unlock()
	if removed {
		return
	}
	data, ok, err := se.ExportState(res.bot.ID)
	if err != nil {
		m.logger.Warn("export engine state", zap.String("bot_id", res.bot.ID), zap.Error(err))
		return
	}
	if ok {
		m.dispatch(statemanager.EngineStateEvent, statemanager.EngineStateEventData{BotID: res.bot.ID, State: data})
	}
}

// writeAudit appends an audit entry and logs failures; audit errors never stop a tick.
func (m *Manager) writeAudit(e models.AuditEntry) {
	if _, err := m.appendAudit(e); err != nil {
		m.logger.Error("append audit entry", zap.String("bot_id", e.BotID), zap.Error(err))
	}
}

func (m *Manager) appendAudit(e models.AuditEntry) (models.AuditEntry, error) {
	stored, err := m.audit.Append(e)
	if err != nil {
		return stored, err
	}
	metrics.ObserveAdmission(string(stored.Outcome), stored.Rule)
	return stored, nil
}

func intentEntry(i models.TradeIntent, outcome models.Outcome, rule string, class models.ErrorClass, rationale string) models.AuditEntry {
	return models.AuditEntry{
		BotID:        i.BotID,
		Action:       i.Action,
		Side:         i.Side,
		Asset:        i.Asset,
		Quantity:     i.Quantity,
		Price:        i.Price,
		FundingAsset: i.FundingAsset,
		Outcome:      outcome,
		Rule:         rule,
		Class:        class,
		Rationale:    rationale,
	}
}
