// Package pricefeed refreshes ledger prices at the start of every tick.
package pricefeed

import (
	"context"
	"sync"
)

// Source returns the latest known price per ticker. Tickers it cannot price are left out
// of the result; the ledger keeps their previous price.
type Source interface {
	Prices(ctx context.Context, tickers []string) (map[string]float64, error)
}

// StaticSource serves fixed prices. It is the default when no market data is configured.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticSource(prices map[string]float64) *StaticSource {
	s := &StaticSource{prices: make(map[string]float64, len(prices))}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

// Set changes one price.
func (s *StaticSource) Set(ticker string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
}

func (s *StaticSource) Prices(ctx context.Context, tickers []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if p, ok := s.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}
