// Package strategy holds the strategy engines. An engine is shared by every bot of its
// strategy type and keeps per-bot working state keyed by bot id.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bot-orchestrator-go/internal/models"
)

// dustQuantity is treated as a closed position.
const dustQuantity = 1e-12

var (
	// ErrWrongParams is returned when a bot reaches an engine with params of another strategy.
	ErrWrongParams = errors.New("params do not match engine")
	// ErrMissingAsset is returned when the ledger view lacks an asset the params refer to.
	ErrMissingAsset = errors.New("asset missing from ledger view")
)

// Engine turns a read-only ledger view into trade intents.
type Engine interface {
	Type() models.StrategyType
	Evaluate(ctx context.Context, view models.LedgerView, bot models.Bot) ([]models.TradeIntent, error)
	// Forget drops the working state of a bot (removal or parameter change).
	Forget(botID string)
}

// Settlement is what became of one intent after admission and execution. Only
// simulated and executed intents are settled; rejected or discarded ones never are.
type Settlement struct {
	Bot     models.Bot
	Intent  models.TradeIntent
	Outcome models.Outcome
	Fill    models.Fill // the paper fill at the reference price for simulated intents
	Time    time.Time   // in the trading-day location
}

// StatefulEngine keeps positions between ticks. Evaluate only proposes; positions move
// when the manager settles an intent, so a rejected entry leaves nothing behind.
type StatefulEngine interface {
	Engine
	Settle(s Settlement)
	ExportState(botID string) ([]byte, bool, error)
	ImportState(botID string, data []byte) error
}

// Registry maps strategy types to engines.
type Registry struct {
	engines map[models.StrategyType]Engine
}

// NewRegistry builds a registry from the given engines. A later engine of the same type wins.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[models.StrategyType]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Type()] = e
	}
	return r
}

// DefaultRegistry returns a registry with the three built-in engines.
func DefaultRegistry() *Registry {
	return NewRegistry(NewRebalancing(), NewGrid(), NewFutures())
}

// Get returns the engine bound to a strategy type.
func (r *Registry) Get(t models.StrategyType) (Engine, error) {
	e, ok := r.engines[t]
	if !ok {
		return nil, fmt.Errorf("no engine registered for strategy %q", t)
	}
	return e, nil
}

// Types returns the registered strategy types in a stable order.
func (r *Registry) Types() []models.StrategyType {
	out := make([]models.StrategyType, 0, len(r.engines))
	for t := range r.engines {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// tradingDay keys the day a stop-loss happened, in the location of the view time.
func tradingDay(t time.Time) string { return t.Format("2006-01-02") }

func priceOf(view models.LedgerView, ticker string) (models.PortfolioAsset, error) {
	a, ok := view.Asset(ticker)
	if !ok {
		return models.PortfolioAsset{}, fmt.Errorf("%w: %s", ErrMissingAsset, ticker)
	}
	return a, nil
}
