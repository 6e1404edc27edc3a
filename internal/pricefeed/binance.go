package pricefeed

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"
)

// BinanceSource prices tickers from the spot ticker endpoint as <ticker><quote> pairs.
// The quote asset itself prices at 1.
type BinanceSource struct {
	client *binance.Client
	quote  string
}

func NewBinanceSource(client *binance.Client, quoteAsset string) *BinanceSource {
	return &BinanceSource{client: client, quote: quoteAsset}
}

func (s *BinanceSource) Prices(ctx context.Context, tickers []string) (map[string]float64, error) {
	all, err := s.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	bySymbol := make(map[string]string, len(all))
	for _, p := range all {
		bySymbol[p.Symbol] = p.Price
	}

	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if t == s.quote {
			out[t] = 1
			continue
		}
		raw, ok := bySymbol[t+s.quote]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse price of %s%s %q: %w", t, s.quote, raw, err)
		}
		out[t] = price
	}
	return out, nil
}
