// Package ledger owns the portfolio composition: holdings, prices and target weights.
// Quantities change only through ApplyTrade and Deposit; prices only through RefreshPrices.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"
)

// WeightEpsilon is the tolerance on the sum of target weights.
const WeightEpsilon = 1e-6

// dustQuantity is treated as an empty position.
const dustQuantity = 1e-12

var (
	ErrUnknownAsset        = errors.New("unknown asset")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidWeights      = errors.New("invalid target weights")
	ErrInvalidTrade        = errors.New("invalid trade")
)

// Trade is a fill to be applied to the ledger. FundingQty is the exact amount of the
// funding asset debited (buy) or credited (sell), fees included.
type Trade struct {
	Side         models.Side
	Asset        string
	Quantity     float64
	Price        float64
	FundingAsset string
	FundingQty   float64
}

type entry struct {
	name    string
	kind    models.AssetKind
	qty     float64
	price   float64
	target  float64
	avgCost float64
}

// Ledger is safe for concurrent use. Writers are expected to be serialized by the caller
// per tick; the internal lock only protects readers from torn state.
type Ledger struct {
	mu        sync.RWMutex
	assets    map[string]*entry
	order     []string
	updatedAt time.Time
}

// New builds a ledger from the account's holding specs.
func New(specs []models.HoldingSpec) (*Ledger, error) {
	l := &Ledger{assets: make(map[string]*entry)}
	for _, s := range specs {
		if err := l.addAsset(s); err != nil {
			return nil, err
		}
	}
	if err := l.checkTargets(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewEmpty builds a ledger with the same assets, prices and targets as specs but no
// quantities. It is the starting point for audit replay.
func NewEmpty(specs []models.HoldingSpec) (*Ledger, error) {
	empty := make([]models.HoldingSpec, len(specs))
	for i, s := range specs {
		s.Quantity = 0
		empty[i] = s
	}
	return New(empty)
}

func (l *Ledger) addAsset(s models.HoldingSpec) error {
	if s.Ticker == "" {
		return fmt.Errorf("%w: empty ticker", ErrUnknownAsset)
	}
	if _, exists := l.assets[s.Ticker]; exists {
		return fmt.Errorf("duplicate asset %s", s.Ticker)
	}
	if s.Quantity < 0 || s.Price < 0 || s.TargetWeight < 0 {
		return fmt.Errorf("asset %s: quantity, price and target weight must not be negative", s.Ticker)
	}
	kind := s.Kind
	if kind == "" {
		kind = models.AssetCrypto
	}
	l.assets[s.Ticker] = &entry{
		name:    s.Name,
		kind:    kind,
		qty:     s.Quantity,
		price:   s.Price,
		target:  s.TargetWeight,
		avgCost: s.Price,
	}
	l.order = append(l.order, s.Ticker)
	return nil
}

func (l *Ledger) checkTargets() error {
	if len(l.assets) == 0 {
		return nil
	}
	sum := 0.0
	for _, e := range l.assets {
		sum += e.target
	}
	if math.Abs(sum-1.0) > WeightEpsilon {
		return fmt.Errorf("%w: target weights sum to %.6f, expected 1.0", ErrInvalidWeights, sum)
	}
	return nil
}

// SetTargets replaces all target weights at once. The new weights must cover every
// asset and sum to 1.0.
func (l *Ledger) SetTargets(targets map[string]float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := 0.0
	for ticker, w := range targets {
		if _, ok := l.assets[ticker]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, ticker)
		}
		if w < 0 {
			return fmt.Errorf("%w: negative weight for %s", ErrInvalidWeights, ticker)
		}
		sum += w
	}
	if len(targets) != len(l.assets) || math.Abs(sum-1.0) > WeightEpsilon {
		return fmt.Errorf("%w: weights must cover all %d assets and sum to 1.0", ErrInvalidWeights, len(l.assets))
	}
	for ticker, w := range targets {
		l.assets[ticker].target = w
	}
	return nil
}

// RefreshPrices applies an external price update. Unknown tickers and non-positive
// prices are ignored; the number of applied prices is returned.
func (l *Ledger) RefreshPrices(prices map[string]float64, at time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	applied := 0
	for ticker, p := range prices {
		e, ok := l.assets[ticker]
		if !ok || !(p > 0) || math.IsInf(p, 0) {
			continue
		}
		e.price = p
		applied++
	}
	l.updatedAt = at
	return applied
}

// PricedAt is the time of the last price refresh.
func (l *Ledger) PricedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updatedAt
}

// Price returns the last known price of an asset.
func (l *Ledger) Price(ticker string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.assets[ticker]
	if !ok {
		return 0, false
	}
	return e.price, true
}

// Tickers returns the asset tickers in provisioning order.
func (l *Ledger) Tickers() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.order...)
}

// TotalValue is the portfolio value in the reference currency.
func (l *Ledger) TotalValue() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalValueLocked()
}

func (l *Ledger) totalValueLocked() float64 {
	total := 0.0
	for _, e := range l.assets {
		total += e.qty * e.price
	}
	return total
}

// Snapshot returns a copy of all assets with derived valuations and weights.
func (l *Ledger) Snapshot() []models.PortfolioAsset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked(1.0)
}

func (l *Ledger) snapshotLocked(scale float64) []models.PortfolioAsset {
	total := l.totalValueLocked()
	out := make([]models.PortfolioAsset, 0, len(l.order))
	for _, ticker := range l.order {
		e := l.assets[ticker]
		value := e.qty * e.price
		weight := 0.0
		if total > 0 {
			weight = value / total
		}
		out = append(out, models.PortfolioAsset{
			Ticker:        ticker,
			Name:          e.name,
			Kind:          e.kind,
			Quantity:      e.qty * scale,
			Price:         e.price,
			Value:         value * scale,
			TargetWeight:  e.target,
			CurrentWeight: weight,
			AvgCost:       e.avgCost,
		})
	}
	return out
}

// View returns the slice of the portfolio that corresponds to a bot's allocation.
// Weights are portfolio-wide; quantities and values are scaled to the slice.
func (l *Ledger) View(botID string, allocationPct float64, at time.Time) models.LedgerView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	scale := allocationPct / 100
	return models.LedgerView{
		BotID:         botID,
		AllocationPct: allocationPct,
		TotalValue:    l.totalValueLocked() * scale,
		Assets:        l.snapshotLocked(scale),
		Time:          at,
	}
}

// Holdings returns the replayable part of the ledger state, sorted by ticker.
func (l *Ledger) Holdings() []models.Holding {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Holding, 0, len(l.assets))
	for ticker, e := range l.assets {
		out = append(out, models.Holding{Ticker: ticker, Quantity: e.qty, AvgCost: e.avgCost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Deposit credits an asset at the given cost price.
func (l *Ledger) Deposit(ticker string, qty, price float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.assets[ticker]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, ticker)
	}
	if !(qty > 0) || price < 0 {
		return fmt.Errorf("%w: deposit of %v %s at %v", ErrInvalidTrade, qty, ticker, price)
	}
	e.avgCost = blendCost(e.qty, e.avgCost, qty, price)
	e.qty += qty
	return nil
}

// CheckTrade reports whether a trade could be applied without mutating anything.
func (l *Ledger) CheckTrade(t Trade) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, _, err := l.resolveLocked(t)
	return err
}

func (l *Ledger) resolveLocked(t Trade) (*entry, *entry, error) {
	asset, ok := l.assets[t.Asset]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAsset, t.Asset)
	}
	funding, ok := l.assets[t.FundingAsset]
	if !ok {
		return nil, nil, fmt.Errorf("%w: funding asset %s", ErrUnknownAsset, t.FundingAsset)
	}
	if t.Asset == t.FundingAsset || !(t.Quantity > 0) || !(t.Price > 0) || t.FundingQty < 0 {
		return nil, nil, fmt.Errorf("%w: %s %v %s @ %v", ErrInvalidTrade, t.Side, t.Quantity, t.Asset, t.Price)
	}
	switch t.Side {
	case models.Buy:
		if funding.qty+dustQuantity < t.FundingQty {
			return nil, nil, fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientBalance, t.FundingQty, t.FundingAsset, funding.qty)
		}
	case models.Sell:
		if asset.qty+dustQuantity < t.Quantity {
			return nil, nil, fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientBalance, t.Quantity, t.Asset, asset.qty)
		}
	default:
		return nil, nil, fmt.Errorf("%w: side %q", ErrInvalidTrade, t.Side)
	}
	return asset, funding, nil
}

// ClampTrade shrinks a trade to what the holdings can cover: a buy debits at most the
// funding balance, a sell delivers at most the held quantity with its proceeds scaled
// down in proportion. It reports whether anything was cut.
func (l *Ledger) ClampTrade(t Trade) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	asset, ok1 := l.assets[t.Asset]
	funding, ok2 := l.assets[t.FundingAsset]
	if !ok1 || !ok2 {
		return t, false
	}
	switch t.Side {
	case models.Buy:
		if t.FundingQty > funding.qty+dustQuantity {
			t.FundingQty = funding.qty
			return t, true
		}
	case models.Sell:
		if t.Quantity > asset.qty+dustQuantity && asset.qty > 0 {
			t.FundingQty = t.FundingQty * asset.qty / t.Quantity
			t.Quantity = asset.qty
			return t, true
		}
	}
	return t, false
}

// ApplyTrade mutates holdings and returns the realized PnL of a sell (zero for buys).
func (l *Ledger) ApplyTrade(t Trade) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	asset, funding, err := l.resolveLocked(t)
	if err != nil {
		return 0, err
	}

	realized := 0.0
	switch t.Side {
	case models.Buy:
		asset.avgCost = blendCost(asset.qty, asset.avgCost, t.Quantity, t.Price)
		asset.qty += t.Quantity
		funding.qty = clampDust(funding.qty - t.FundingQty)
	case models.Sell:
		realized = (t.Price-asset.avgCost)*t.Quantity - (t.Quantity*t.Price - t.FundingQty)
		asset.qty = clampDust(asset.qty - t.Quantity)
		if asset.qty == 0 {
			asset.avgCost = 0
		}
		funding.qty += t.FundingQty
	}
	return realized, nil
}

func blendCost(qty, cost, addQty, addPrice float64) float64 {
	if qty == 0 {
		return addPrice
	}
	return (qty*cost + addQty*addPrice) / (qty + addQty)
}

func clampDust(v float64) float64 {
	if math.Abs(v) < dustQuantity {
		return 0
	}
	return v
}
