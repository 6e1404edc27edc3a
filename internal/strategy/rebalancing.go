package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"bot-orchestrator-go/internal/models"
)

// Rebalancing moves assets back toward their target weights once drift exceeds the
// threshold. It holds no working state.
type Rebalancing struct{}

func NewRebalancing() *Rebalancing { return &Rebalancing{} }

func (r *Rebalancing) Type() models.StrategyType { return models.StrategyRebalancing }

func (r *Rebalancing) Forget(string) {}

type drift struct {
	asset models.PortfolioAsset
	value float64
}

func (r *Rebalancing) Evaluate(ctx context.Context, view models.LedgerView, bot models.Bot) ([]models.TradeIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := bot.Params.(*models.RebalancingParams)
	if !ok {
		return nil, fmt.Errorf("%w: bot %s has %T", ErrWrongParams, bot.ID, bot.Params)
	}
	reserve, err := priceOf(view, p.Reserve)
	if err != nil {
		return nil, err
	}

	var drifts []drift
	for _, a := range view.Assets {
		if a.Ticker == p.Reserve || !(a.Price > 0) {
			continue
		}
		d := a.CurrentWeight - a.TargetWeight
		if math.Abs(d) > p.Threshold {
			drifts = append(drifts, drift{asset: a, value: d})
		}
	}
	sort.Slice(drifts, func(i, j int) bool {
		di, dj := math.Abs(drifts[i].value), math.Abs(drifts[j].value)
		if di != dj {
			return di > dj
		}
		return drifts[i].asset.Ticker < drifts[j].asset.Ticker
	})

	available := reserve.Value
	intents := make([]models.TradeIntent, 0, len(drifts))
	for _, d := range drifts {
		notional := math.Abs(d.value) * view.TotalValue
		side := models.Sell
		if d.value < 0 {
			side = models.Buy
			notional = math.Min(notional, view.BuyCap(available))
			if notional <= 0 {
				continue
			}
			available -= notional * (1 + view.CostRate)
		} else {
			notional = math.Min(notional, d.asset.Value)
			available += notional * math.Max(0, 1-view.CostRate)
		}
		intents = append(intents, models.TradeIntent{
			BotID:        bot.ID,
			Action:       models.ActionRebalance,
			Side:         side,
			Asset:        d.asset.Ticker,
			Quantity:     notional / d.asset.Price,
			Notional:     notional,
			Price:        d.asset.Price,
			FundingAsset: p.Reserve,
			Rationale: fmt.Sprintf("%s weight %.2f%% vs target %.2f%%: drift %+.2fpp exceeds %.2fpp threshold, %s %.2f of %s against %s",
				d.asset.Ticker, d.asset.CurrentWeight*100, d.asset.TargetWeight*100, d.value*100, p.Threshold*100,
				side, notional, d.asset.Ticker, p.Reserve),
		})
	}
	return intents, nil
}
