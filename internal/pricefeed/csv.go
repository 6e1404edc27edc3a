package pricefeed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// Kline is one candle of the kline CSV format written by KlineDownloader.
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// CSVSource replays kline files, one row per Prices call. Once a file is exhausted the
// ticker keeps its last close.
type CSVSource struct {
	mu     sync.Mutex
	series map[string][]Kline
	pos    map[string]int
}

// NewCSVSource loads one kline file per ticker.
func NewCSVSource(files map[string]string) (*CSVSource, error) {
	s := &CSVSource{series: make(map[string][]Kline), pos: make(map[string]int)}
	for ticker, path := range files {
		klines, err := LoadKlines(path)
		if err != nil {
			return nil, fmt.Errorf("load klines for %s: %w", ticker, err)
		}
		s.series[ticker] = klines
	}
	return s, nil
}

// LoadKlines reads a kline CSV file with a header row.
func LoadKlines(path string) ([]Kline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var out []Kline
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("line %d: expected at least 5 columns, got %d", line, len(rec))
		}
		openTime, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: open_time: %w", line, err)
		}
		var vals [4]float64
		for i := range vals {
			if vals[i], err = strconv.ParseFloat(rec[i+1], 64); err != nil {
				return nil, fmt.Errorf("line %d: column %d: %w", line, i+2, err)
			}
		}
		out = append(out, Kline{
			OpenTime: time.UnixMilli(openTime).UTC(),
			Open:     vals[0],
			High:     vals[1],
			Low:      vals[2],
			Close:    vals[3],
		})
	}
	return out, nil
}

func (s *CSVSource) Prices(ctx context.Context, tickers []string) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		klines := s.series[t]
		if len(klines) == 0 {
			continue
		}
		i := s.pos[t]
		if i >= len(klines) {
			i = len(klines) - 1
		} else {
			s.pos[t] = i + 1
		}
		out[t] = klines[i].Close
	}
	return out, nil
}

// Exhausted reports whether every series has been fully replayed.
func (s *CSVSource) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for t, klines := range s.series {
		if s.pos[t] < len(klines) {
			return false
		}
	}
	return true
}
