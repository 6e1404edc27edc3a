package strategy

import (
	"context"
	"fmt"
	"sync"

	"bot-orchestrator-go/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

// GridFill is a bought level waiting for its take-profit.
type GridFill struct {
	Quantity float64 `msgpack:"quantity"`
	Paper    bool    `msgpack:"paper"` // bought by a simulated intent
}

// GridBook is the grid of one base asset.
type GridBook struct {
	Anchor    float64          `msgpack:"anchor"`
	LastPrice float64          `msgpack:"last_price"`
	Filled    map[int]GridFill `msgpack:"filled"` // level index -> settled buy
}

// GridState is the working state of one grid bot, one book per traded asset.
type GridState struct {
	Books map[string]*GridBook `msgpack:"books"`
}

// Grid buys when the price crosses a level downward and sells the same quantity when
// it later crosses that level's take-profit upward. Levels fill only when a buy settles.
type Grid struct {
	mu     sync.Mutex
	states map[string]*GridState
}

func NewGrid() *Grid {
	return &Grid{states: make(map[string]*GridState)}
}

func (g *Grid) Type() models.StrategyType { return models.StrategyGrid }

// GridLevels returns the level prices, highest first, centred on the anchor.
// Level k (1-based) sits at anchor * (1 + spacing * ((n+1)/2 - k)).
func GridLevels(anchor float64, n int, spacing models.Percent) []float64 {
	levels := make([]float64, n)
	mid := float64(n+1) / 2
	for k := 1; k <= n; k++ {
		levels[k-1] = anchor * (1 + spacing.Fraction()*(mid-float64(k)))
	}
	return levels
}

func (g *Grid) Evaluate(ctx context.Context, view models.LedgerView, bot models.Bot) ([]models.TradeIntent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := bot.Params.(*models.GridParams)
	if !ok {
		return nil, fmt.Errorf("%w: bot %s has %T", ErrWrongParams, bot.ID, bot.Params)
	}
	reserve, err := priceOf(view, p.Reserve)
	if err != nil {
		return nil, err
	}
	assets := p.Assets()
	prices := make(map[string]float64, len(assets))
	for _, ticker := range assets {
		a, err := priceOf(view, ticker)
		if err != nil {
			return nil, err
		}
		prices[ticker] = a.Price
	}

	notional := p.OrderNotional
	if notional <= 0 {
		notional = view.TotalValue / float64(p.Levels*len(assets))
	}
	budget := view.BuyCap(reserve.Value)

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[bot.ID]
	if !ok {
		st = &GridState{Books: make(map[string]*GridBook)}
		g.states[bot.ID] = st
	}

	var intents []models.TradeIntent
	for _, ticker := range assets {
		price := prices[ticker]
		if !(price > 0) {
			continue
		}
		book, ok := st.Books[ticker]
		if !ok {
			anchor := price
			if ticker == p.Asset && p.AnchorPrice > 0 {
				anchor = p.AnchorPrice
			}
			st.Books[ticker] = &GridBook{Anchor: anchor, LastPrice: price, Filled: make(map[int]GridFill)}
			continue
		}
		// LastPrice is an observation; it moves even if the intents below are rejected.
		prev := book.LastPrice
		book.LastPrice = price
		if price == prev {
			continue
		}

		for i, level := range GridLevels(book.Anchor, p.Levels, p.Spacing) {
			k := i + 1
			fill, filled := book.Filled[k]
			if !filled && prev > level && price <= level {
				q := notional / level
				if !(q > 0) || q*price > budget {
					continue
				}
				budget -= q * price
				intents = append(intents, models.TradeIntent{
					BotID:        bot.ID,
					Action:       models.ActionBuy,
					Side:         models.Buy,
					Asset:        ticker,
					Quantity:     q,
					Notional:     q * price,
					Price:        price,
					FundingAsset: p.Reserve,
					Level:        k,
					Rationale: fmt.Sprintf("grid level %d/%d at %.4f crossed downward (%.4f -> %.4f), buy %.8f %s",
						k, p.Levels, level, prev, price, q, ticker),
				})
				continue
			}
			takeProfit := level * (1 + p.Spacing.Fraction())
			if filled && prev < takeProfit && price >= takeProfit {
				intents = append(intents, models.TradeIntent{
					BotID:        bot.ID,
					Action:       models.ActionSell,
					Side:         models.Sell,
					Asset:        ticker,
					Quantity:     fill.Quantity,
					Notional:     fill.Quantity * price,
					Price:        price,
					FundingAsset: p.Reserve,
					Level:        k,
					Paper:        fill.Paper,
					Rationale: fmt.Sprintf("grid level %d/%d take-profit %.4f crossed upward (%.4f -> %.4f), sell %.8f %s bought at %.4f",
						k, p.Levels, takeProfit, prev, price, fill.Quantity, ticker, level),
				})
			}
		}
	}
	return intents, nil
}

// Settle fills or frees the level the intent refers to.
func (g *Grid) Settle(s Settlement) {
	if s.Intent.Level <= 0 || !(s.Fill.Quantity > 0) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[s.Bot.ID]
	if !ok {
		return
	}
	book, ok := st.Books[s.Intent.Asset]
	if !ok {
		return
	}
	switch s.Intent.Side {
	case models.Buy:
		book.Filled[s.Intent.Level] = GridFill{Quantity: s.Fill.Quantity, Paper: s.Outcome == models.OutcomeSimulated}
	case models.Sell:
		delete(book.Filled, s.Intent.Level)
	}
}

func (g *Grid) Forget(botID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, botID)
}

func (g *Grid) ExportState(botID string) ([]byte, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[botID]
	if !ok {
		return nil, false, nil
	}
	data, err := msgpack.Marshal(st)
	return data, true, err
}

func (g *Grid) ImportState(botID string, data []byte) error {
	var st GridState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode grid state for %s: %w", botID, err)
	}
	if st.Books == nil {
		st.Books = make(map[string]*GridBook)
	}
	for _, book := range st.Books {
		if book.Filled == nil {
			book.Filled = make(map[int]GridFill)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[botID] = &st
	return nil
}
