package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"

	"bot-orchestrator-go/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

// FuturesState is the position of one futures bot. It only changes through Settle.
type FuturesState struct {
	Open       bool    `msgpack:"open"`
	Paper      bool    `msgpack:"paper"`    // opened by a simulated entry
	Entry      float64 `msgpack:"entry"`
	Quantity   float64 `msgpack:"quantity"` // remaining quantity
	Initial    float64 `msgpack:"initial"`  // quantity at entry
	TargetsHit int     `msgpack:"targets"`  // targets consumed for the open position
	StoppedDay string  `msgpack:"stopped"`  // trading day of the last stop-loss
}

// Futures runs a long-only leveraged swing: one entry, tiered take-profits and a
// stop-loss on leveraged drawdown. Leverage scales PnL percentages, not quantities.
type Futures struct {
	mu     sync.Mutex
	states map[string]*FuturesState
}

func NewFutures() *Futures {
	return &Futures{states: make(map[string]*FuturesState)}
}

func (f *Futures) Type() models.StrategyType { return models.StrategyFutures }

func (f *Futures) Evaluate(ctx context.Context, view models.LedgerView, bot models.Bot) ([]models.TradeIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := bot.Params.(*models.FuturesParams)
	if !ok {
		return nil, fmt.Errorf("%w: bot %s has %T", ErrWrongParams, bot.ID, bot.Params)
	}
	asset, err := priceOf(view, p.Asset)
	if err != nil {
		return nil, err
	}
	reserve, err := priceOf(view, p.Reserve)
	if err != nil {
		return nil, err
	}
	price := asset.Price
	if !(price > 0) {
		return nil, nil
	}

	f.mu.Lock()
	var st FuturesState
	if cur, ok := f.states[bot.ID]; ok {
		st = *cur
	}
	f.mu.Unlock()

	if !st.Open {
		if st.StoppedDay == tradingDay(view.Time) {
			return nil, nil
		}
		notional := math.Min(reserve.Value*p.EntryFraction, view.BuyCap(reserve.Value))
		if !(notional > 0) {
			return nil, nil
		}
		qty := notional / price
		return []models.TradeIntent{{
			BotID:        bot.ID,
			Action:       models.ActionBuy,
			Side:         models.Buy,
			Asset:        p.Asset,
			Quantity:     qty,
			Notional:     notional,
			Price:        price,
			FundingAsset: p.Reserve,
			Rationale: fmt.Sprintf("open long %.8f %s at %.4f with %.0fx leverage, stop at -%.2f%%, targets %v%%",
				qty, p.Asset, price, p.Leverage, float64(p.MaxDailyLoss), p.Targets),
		}}, nil
	}

	move := (price - st.Entry) / st.Entry * 100 * p.Leverage
	if -move > float64(p.MaxDailyLoss) {
		return []models.TradeIntent{{
			BotID:        bot.ID,
			Action:       models.ActionStopLoss,
			Side:         models.Sell,
			Asset:        p.Asset,
			Quantity:     st.Quantity,
			Notional:     st.Quantity * price,
			Price:        price,
			FundingAsset: p.Reserve,
			Paper:        st.Paper,
			Rationale: fmt.Sprintf("leveraged drawdown %.2f%% exceeds maxDailyLoss %.2f%% (entry %.4f, now %.4f), close %.8f %s; no re-entry until next trading day",
				-move, float64(p.MaxDailyLoss), st.Entry, price, st.Quantity, p.Asset),
		}}, nil
	}

	// Walk the targets on a copy; the position itself moves when the sells settle.
	var intents []models.TradeIntent
	remaining := st.Quantity
	for hit := st.TargetsHit; hit < len(p.Targets) && move >= p.Targets[hit] && remaining > 0; hit++ {
		qty := st.Initial / float64(len(p.Targets))
		if hit+1 == len(p.Targets) || qty > remaining {
			qty = remaining
		}
		remaining -= qty
		intents = append(intents, models.TradeIntent{
			BotID:        bot.ID,
			Action:       models.ActionSell,
			Side:         models.Sell,
			Asset:        p.Asset,
			Quantity:     qty,
			Notional:     qty * price,
			Price:        price,
			FundingAsset: p.Reserve,
			Level:        hit + 1,
			Paper:        st.Paper,
			Rationale: fmt.Sprintf("take-profit %d/%d: leveraged gain %.2f%% reached target %.2f%%, sell %.8f %s",
				hit+1, len(p.Targets), move, p.Targets[hit], qty, p.Asset),
		})
	}
	return intents, nil
}

// Settle moves the position by what was actually filled or simulated.
func (f *Futures) Settle(s Settlement) {
	p, ok := s.Bot.Params.(*models.FuturesParams)
	if !ok || !(s.Fill.Quantity > 0) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.states[s.Bot.ID]
	if !ok {
		st = &FuturesState{}
		f.states[s.Bot.ID] = st
	}
	switch s.Intent.Action {
	case models.ActionBuy:
		if st.Open {
			return
		}
		*st = FuturesState{
			Open:       true,
			Paper:      s.Outcome == models.OutcomeSimulated,
			Entry:      s.Fill.AvgPrice,
			Quantity:   s.Fill.Quantity,
			Initial:    s.Fill.Quantity,
			StoppedDay: st.StoppedDay,
		}
	case models.ActionStopLoss:
		*st = FuturesState{StoppedDay: tradingDay(s.Time)}
	case models.ActionSell:
		if !st.Open {
			return
		}
		if s.Intent.Level > st.TargetsHit {
			st.TargetsHit = s.Intent.Level
		} else {
			st.TargetsHit++
		}
		st.Quantity -= s.Fill.Quantity
		if st.TargetsHit >= len(p.Targets) || st.Quantity <= dustQuantity {
			*st = FuturesState{StoppedDay: st.StoppedDay}
		}
	}
}

func (f *Futures) Forget(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, botID)
}

func (f *Futures) ExportState(botID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[botID]
	if !ok {
		return nil, false, nil
	}
	data, err := msgpack.Marshal(st)
	return data, true, err
}

func (f *Futures) ImportState(botID string, data []byte) error {
	var st FuturesState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode futures state for %s: %w", botID, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[botID] = &st
	return nil
}
