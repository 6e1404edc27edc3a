// Package lifecycle is the Bot Lifecycle Manager. It owns the bots and their engine
// working state, drives the evaluation tick and is the only writer of the ledger and
// the audit log.
package lifecycle

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"bot-orchestrator-go/internal/audit"
	"bot-orchestrator-go/internal/exchange"
	"bot-orchestrator-go/internal/ledger"
	"bot-orchestrator-go/internal/metrics"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/pricefeed"
	"bot-orchestrator-go/internal/risk"
	"bot-orchestrator-go/internal/statemanager"
	"bot-orchestrator-go/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultEvalTimeout  = 2 * time.Second
	DefaultTickInterval = 10 * time.Second
	DefaultRecentAudit  = 50

	allocationEpsilon = 1e-9
)

// Config holds the manager's tunables.
type Config struct {
	AccountID    string
	TickInterval time.Duration
	EvalTimeout  time.Duration
	ExecTimeout  time.Duration
	RecentAudit  int     // audit entries included in each snapshot
	CostRate     float64 // expected fee and slippage on a buy, as a fraction of notional
}

// Deps are the collaborators of the manager. Prices and State may be nil.
type Deps struct {
	Governor *risk.Governor
	Registry *strategy.Registry
	Exchange exchange.Exchange
	Audit    audit.Log
	Prices   pricefeed.Source
	State    *statemanager.StateManager
	Logger   *zap.Logger
	Now      func() time.Time
}

type botRecord struct {
	mu       sync.Mutex
	bot      models.Bot
	removed  bool
	inFlight atomic.Bool
}

func (r *botRecord) get() models.Bot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bot.Clone()
}

// ReconfigureRequest changes a bot's allocation, parameters and/or risk score.
// Nil fields are left unchanged.
type ReconfigureRequest struct {
	AllocationPct *float64               `json:"allocation_pct,omitempty"`
	Params        map[string]interface{} `json:"params,omitempty"`
	RiskScore     *int                   `json:"risk_score,omitempty"`
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	governor *risk.Governor
	registry *strategy.Registry
	exchange exchange.Exchange
	audit    audit.Log
	prices   pricefeed.Source
	state    *statemanager.StateManager
	logger   *zap.Logger
	now      func() time.Time

	ledger *ledger.Ledger

	tickMu  sync.Mutex // serializes ticks, provisioning and rollover
	tick    uint64
	allocMu sync.Mutex // serializes allocation changes so the sum check is atomic
	botsMu  sync.RWMutex
	bots    map[string]*botRecord
}

// NewManager wires a manager. Provision must be called before the first tick.
func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = DefaultEvalTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	if cfg.RecentAudit <= 0 {
		cfg.RecentAudit = DefaultRecentAudit
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Registry == nil {
		deps.Registry = strategy.DefaultRegistry()
	}
	return &Manager{
		cfg:      cfg,
		governor: deps.Governor,
		registry: deps.Registry,
		exchange: deps.Exchange,
		audit:    deps.Audit,
		prices:   deps.Prices,
		state:    deps.State,
		logger:   deps.Logger,
		now:      deps.Now,
		bots:     make(map[string]*botRecord),
	}
}

// Provision builds the ledger. With a non-empty audit log the ledger is rebuilt by
// replaying it; otherwise each holding is deposited and recorded as an audit entry.
func (m *Manager) Provision(account models.AccountConfig) error {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	if account.ID != "" {
		m.cfg.AccountID = account.ID
	}

	if m.audit.Len() > 0 {
		entries, err := m.audit.All()
		if err != nil {
			return fmt.Errorf("read audit log: %w", err)
		}
		l, err := audit.Replay(entries, account.Holdings)
		if err != nil {
			return fmt.Errorf("rebuild ledger from audit log: %w", err)
		}
		m.ledger = l
		m.logger.Info("ledger rebuilt from audit log", zap.Int("entries", len(entries)), zap.Float64("total_value", l.TotalValue()))
	} else {
		l, err := ledger.NewEmpty(account.Holdings)
		if err != nil {
			return fmt.Errorf("provision account %s: %w", account.ID, err)
		}
		for _, h := range account.Holdings {
			if h.Quantity <= 0 {
				continue
			}
			if err := l.Deposit(h.Ticker, h.Quantity, h.Price); err != nil {
				return fmt.Errorf("deposit %s: %w", h.Ticker, err)
			}
			_, err := m.appendAudit(models.AuditEntry{
				BotID:     models.SystemBotID,
				Action:    models.ActionDeposit,
				Asset:     h.Ticker,
				Quantity:  h.Quantity,
				Price:     h.Price,
				Outcome:   models.OutcomeExecuted,
				Rationale: fmt.Sprintf("initial holding of %v %s at %v for account %s", h.Quantity, h.Ticker, h.Price, m.cfg.AccountID),
			})
			if err != nil {
				return fmt.Errorf("audit deposit %s: %w", h.Ticker, err)
			}
		}
		m.ledger = l
		m.logger.Info("account provisioned", zap.String("account", m.cfg.AccountID), zap.Float64("total_value", l.TotalValue()))
	}

	now := m.now()
	if m.governor.State().Day.IsZero() {
		m.governor.StartDay(now, m.ledger.TotalValue())
	} else {
		m.governor.MaybeRollover(now, m.ledger.TotalValue())
	}
	return nil
}

// Ledger exposes the ledger for read-only use (reports, replay checks).
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Governor exposes the risk governor.
func (m *Manager) Governor() *risk.Governor { return m.governor }

// CreateBot validates a bot spec and adds it. Bots of a strategy type that is not
// cleared for live trading start in simulation.
func (m *Manager) CreateBot(spec models.BotSpec) (models.Bot, error) {
	if _, err := m.registry.Get(spec.Type); err != nil {
		return models.Bot{}, invariant(RuleUnknownStrategy, err)
	}
	params, err := models.DecodeParams(spec.Type, spec.Params)
	if err != nil {
		return models.Bot{}, invariant(RuleInvalidParams, err)
	}
	if spec.AllocationPct < 0 || spec.AllocationPct > 100 || math.IsNaN(spec.AllocationPct) {
		return models.Bot{}, invariant(RuleAllocationLimit, fmt.Errorf("%w: allocation %v out of [0, 100]", ErrAllocationExceeded, spec.AllocationPct))
	}
	score := spec.Type.DefaultRiskScore()
	if spec.RiskScore != nil {
		score = *spec.RiskScore
	}
	if score < 0 || score > 100 {
		return models.Bot{}, invariant(RuleRiskScoreRange, fmt.Errorf("risk score %d out of [0, 100]", score))
	}
	state := spec.State
	if state == "" {
		state = models.StateActive
	}
	if !state.Valid() {
		return models.Bot{}, fmt.Errorf("unknown lifecycle state %q", state)
	}
	if state == models.StateActive && !m.governor.ClearedForLive(spec.Type) {
		state = models.StateSimulating
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := spec.Name
	if name == "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		name = string(spec.Type) + "-" + short
	}
	now := m.now()
	bot := models.Bot{
		ID:            id,
		AccountID:     m.cfg.AccountID,
		Name:          name,
		Type:          spec.Type,
		State:         state,
		AllocationPct: spec.AllocationPct,
		Params:        params,
		RiskScore:     score,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	if sum := m.allocationSum(""); sum+bot.AllocationPct > 100+allocationEpsilon {
		return models.Bot{}, invariant(RuleAllocationLimit,
			fmt.Errorf("%w: %.2f%% allocated, %.2f%% requested", ErrAllocationExceeded, sum, bot.AllocationPct))
	}

	m.botsMu.Lock()
	if _, exists := m.bots[id]; exists {
		m.botsMu.Unlock()
		return models.Bot{}, invariant(RuleDuplicateBot, fmt.Errorf("%w: %s", ErrDuplicateBot, id))
	}
	m.bots[id] = &botRecord{bot: bot}
	m.botsMu.Unlock()

	m.logger.Info("bot created",
		zap.String("bot_id", id),
		zap.String("type", string(bot.Type)),
		zap.String("state", string(bot.State)),
		zap.Float64("allocation_pct", bot.AllocationPct))
	m.botsChanged()
	return bot.Clone(), nil
}

// RestoreBots reinstates persisted bots and their engine state after a restart.
func (m *Manager) RestoreBots(bots []models.Bot, engineStates map[string][]byte) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	sum := m.allocationSum("")
	for _, b := range bots {
		sum += b.AllocationPct
	}
	if sum > 100+allocationEpsilon {
		return invariant(RuleAllocationLimit, fmt.Errorf("%w: restored bots allocate %.2f%%", ErrAllocationExceeded, sum))
	}

	m.botsMu.Lock()
	for _, b := range bots {
		if b.Params == nil || b.Params.Strategy() != b.Type {
			m.botsMu.Unlock()
			return invariant(RuleInvalidParams, fmt.Errorf("bot %s has no %s params", b.ID, b.Type))
		}
		m.bots[b.ID] = &botRecord{bot: b.Clone()}
	}
	m.botsMu.Unlock()

	for id, data := range engineStates {
		rec, ok := m.record(id)
		if !ok {
			continue
		}
		engine, err := m.registry.Get(rec.get().Type)
		if err != nil {
			continue
		}
		if se, ok := engine.(strategy.StatefulEngine); ok {
			if err := se.ImportState(id, data); err != nil {
				m.logger.Warn("discarding engine state", zap.String("bot_id", id), zap.Error(err))
			}
		}
	}
	m.logger.Info("bots restored", zap.Int("count", len(bots)), zap.Int("engine_states", len(engineStates)))
	m.botsChanged()
	return nil
}

// Toggle advances a bot one step along active -> paused -> simulating -> active.
// Concurrent toggles on one bot serialize; each request performs exactly one transition.
func (m *Manager) Toggle(id string) (models.Bot, error) {
	rec, ok := m.record(id)
	if !ok {
		return models.Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return models.Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	from := rec.bot.State
	rec.bot.State = from.Next()
	rec.bot.UpdatedAt = m.now()
	bot := rec.bot.Clone()
	rec.mu.Unlock()

	m.logger.Info("bot toggled", zap.String("bot_id", id), zap.String("from", string(from)), zap.String("to", string(bot.State)))
	m.botsChanged()
	return bot, nil
}

// Reconfigure changes allocation, parameters and/or risk score. New parameters reset
// the engine's working state for the bot.
func (m *Manager) Reconfigure(id string, req ReconfigureRequest) (models.Bot, error) {
	rec, ok := m.record(id)
	if !ok {
		return models.Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	current := rec.get()

	var params models.StrategyParams
	if req.Params != nil {
		p, err := models.DecodeParams(current.Type, req.Params)
		if err != nil {
			return models.Bot{}, invariant(RuleInvalidParams, err)
		}
		params = p
	}
	if req.RiskScore != nil && (*req.RiskScore < 0 || *req.RiskScore > 100) {
		return models.Bot{}, invariant(RuleRiskScoreRange, fmt.Errorf("risk score %d out of [0, 100]", *req.RiskScore))
	}

	if req.AllocationPct != nil {
		alloc := *req.AllocationPct
		if alloc < 0 || alloc > 100 || math.IsNaN(alloc) {
			return models.Bot{}, invariant(RuleAllocationLimit, fmt.Errorf("%w: allocation %v out of [0, 100]", ErrAllocationExceeded, alloc))
		}
		m.allocMu.Lock()
		defer m.allocMu.Unlock()
		if others := m.allocationSum(id); others+alloc > 100+allocationEpsilon {
			return models.Bot{}, invariant(RuleAllocationLimit,
				fmt.Errorf("%w: other bots hold %.2f%%, %.2f%% requested", ErrAllocationExceeded, others, alloc))
		}
	}

	rec.mu.Lock()
	if rec.removed {
		rec.mu.Unlock()
		return models.Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	if req.AllocationPct != nil {
		rec.bot.AllocationPct = *req.AllocationPct
	}
	if params != nil {
		rec.bot.Params = params
	}
	if req.RiskScore != nil {
		rec.bot.RiskScore = *req.RiskScore
	}
	rec.bot.UpdatedAt = m.now()
	bot := rec.bot.Clone()
	rec.mu.Unlock()

	if params != nil {
		m.forgetEngineState(bot)
	}
	m.logger.Info("bot reconfigured", zap.String("bot_id", id), zap.Float64("allocation_pct", bot.AllocationPct), zap.Bool("params_changed", params != nil))
	m.botsChanged()
	return bot, nil
}

// RemoveBot deletes a paused bot. An evaluation in flight for it is discarded.
func (m *Manager) RemoveBot(id string) error {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	rec, ok := m.record(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	rec.mu.Lock()
	if rec.bot.State != models.StatePaused {
		state := rec.bot.State
		rec.mu.Unlock()
		return invariant(RuleRemoveRequiresPause, fmt.Errorf("%w: %s is %s", ErrBotNotPaused, id, state))
	}
	rec.removed = true
	bot := rec.bot.Clone()
	rec.mu.Unlock()

	m.botsMu.Lock()
	delete(m.bots, id)
	m.botsMu.Unlock()

	m.forgetEngineState(bot)
	m.governor.Forget(id)
	m.logger.Info("bot removed", zap.String("bot_id", id))
	m.botsChanged()
	return nil
}

// SetRiskProfile changes the governor's risk tier.
func (m *Manager) SetRiskProfile(p models.RiskProfile) (models.RiskState, error) {
	if err := m.governor.SetProfile(p); err != nil {
		return models.RiskState{}, invariant(RuleInvalidProfile, err)
	}
	state := m.governor.State()
	m.dispatch(statemanager.RiskChangedEvent, state)
	return state, nil
}

// Bots returns copies of all bots ordered by id.
func (m *Manager) Bots() []models.Bot {
	recs := m.records()
	out := make([]models.Bot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.get())
	}
	return out
}

// Bot returns a copy of one bot.
func (m *Manager) Bot(id string) (models.Bot, error) {
	rec, ok := m.record(id)
	if !ok {
		return models.Bot{}, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	return rec.get(), nil
}

// AllocationTotal is the sum of all bot allocations.
func (m *Manager) AllocationTotal() float64 {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	return m.allocationSum("")
}

// Snapshot assembles the read-only state published to the display layer.
func (m *Manager) Snapshot() (*models.Snapshot, error) {
	if m.ledger == nil {
		return nil, ErrNotProvisioned
	}
	recent, err := m.audit.Query(models.AuditFilter{Limit: m.cfg.RecentAudit})
	if err != nil {
		return nil, err
	}
	m.tickMu.Lock()
	tick := m.tick
	m.tickMu.Unlock()
	return m.snapshotAt(tick, m.now(), recent), nil
}

func (m *Manager) snapshotAt(tick uint64, at time.Time, recent []models.AuditEntry) *models.Snapshot {
	return &models.Snapshot{
		Tick:         tick,
		Time:         at,
		AccountID:    m.cfg.AccountID,
		TotalCapital: m.ledger.TotalValue(),
		Bots:         m.Bots(),
		Assets:       m.ledger.Snapshot(),
		Risk:         m.governor.State(),
		RecentAudit:  recent,
	}
}

// allocationSum reads each record under its own lock. Callers that act on the result
// hold allocMu.
func (m *Manager) allocationSum(exclude string) float64 {
	sum := 0.0
	for _, r := range m.records() {
		r.mu.Lock()
		if r.bot.ID != exclude {
			sum += r.bot.AllocationPct
		}
		r.mu.Unlock()
	}
	return sum
}

func (m *Manager) record(id string) (*botRecord, bool) {
	m.botsMu.RLock()
	defer m.botsMu.RUnlock()
	r, ok := m.bots[id]
	return r, ok
}

// records returns the bot records ordered by id.
func (m *Manager) records() []*botRecord {
	m.botsMu.RLock()
	ids := make([]string, 0, len(m.bots))
	for id := range m.bots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*botRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.bots[id])
	}
	m.botsMu.RUnlock()
	return out
}

func (m *Manager) forgetEngineState(bot models.Bot) {
	engine, err := m.registry.Get(bot.Type)
	if err != nil {
		return
	}
	engine.Forget(bot.ID)
	if _, ok := engine.(strategy.StatefulEngine); ok {
		m.dispatch(statemanager.EngineStateEvent, statemanager.EngineStateEventData{BotID: bot.ID, Deleted: true})
	}
}

// botsChanged may run with allocMu held.
func (m *Manager) botsChanged() {
	metrics.AllocationPctTotal.Set(m.allocationSum(""))
	m.dispatch(statemanager.BotsChangedEvent, m.Bots())
}

func (m *Manager) dispatch(t statemanager.EventType, data interface{}) {
	if m.state == nil {
		return
	}
	m.state.DispatchEvent(statemanager.NormalizedEvent{Type: t, Timestamp: m.now(), Data: data})
}
