package pricefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticSource(t *testing.T) {
	s := NewStaticSource(map[string]float64{"BTC": 65000, "USDC": 1})
	s.Set("ETH", 3000)

	prices, err := s.Prices(context.Background(), []string{"BTC", "ETH", "DOGE"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC": 65000, "ETH": 3000}, prices)
}

func writeCSV(t *testing.T, rows string) string {
	path := filepath.Join(t.TempDir(), "klines.csv")
	header := "open_time,open,high,low,close,volume,close_time,quote_asset_volume,number_of_trades,taker_buy_base_asset_volume,taker_buy_quote_asset_volume\n"
	require.NoError(t, os.WriteFile(path, []byte(header+rows), 0644))
	return path
}

func TestCSVSourceReplaysOneRowPerTick(t *testing.T) {
	path := writeCSV(t, "1700000000000,100,101,99,100.5,1,1700000059999,1,1,1,1\n"+
		"1700000060000,100.5,102,100,101.5,1,1700000119999,1,1,1,1\n")
	s, err := NewCSVSource(map[string]string{"SOL": path})
	require.NoError(t, err)

	ctx := context.Background()
	var closes []float64
	for i := 0; i < 3; i++ {
		prices, err := s.Prices(ctx, []string{"SOL", "BTC"})
		require.NoError(t, err)
		assert.NotContains(t, prices, "BTC")
		closes = append(closes, prices["SOL"])
	}
	assert.Equal(t, []float64{100.5, 101.5, 101.5}, closes)
	assert.True(t, s.Exhausted())
}

func TestLoadKlinesRejectsBadRows(t *testing.T) {
	path := writeCSV(t, "1700000000000,100,abc,99,100.5\n")
	_, err := LoadKlines(path)
	assert.Error(t, err)
}

func TestBinanceSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		w.Write([]byte(`[{"symbol":"BTCUSDT","price":"65000.10"},{"symbol":"ETHUSDT","price":"3000.5"},{"symbol":"ETHBTC","price":"0.05"}]`))
	}))
	defer srv.Close()

	client := binance.NewClient("", "")
	client.BaseURL = srv.URL
	s := NewBinanceSource(client, "USDT")

	prices, err := s.Prices(context.Background(), []string{"BTC", "ETH", "USDT", "SOL"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTC": 65000.10, "ETH": 3000.5, "USDT": 1}, prices)
}

func TestDownloaderWritesReplayableCSV(t *testing.T) {
	start := time.UnixMilli(1700000000000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		if from > start.UnixMilli() {
			w.Write([]byte(`[]`))
			return
		}
		w.Write([]byte(`[
			[1700000000000,"100","101","99","100.5","1",1700000059999,"1",1,"1","1","0"],
			[1700000060000,"100.5","102","100","101.5","1",1700000119999,"1",1,"1","1","0"]]`))
	}))
	defer srv.Close()

	client := binance.NewClient("", "")
	client.BaseURL = srv.URL
	d := NewKlineDownloader(client, zap.NewNop())
	d.pause = 0

	path := filepath.Join(t.TempDir(), "data", "SOLUSDT.csv")
	require.NoError(t, d.DownloadKlines(context.Background(), "SOLUSDT", "1m", path, start, start.Add(time.Hour)))

	klines, err := LoadKlines(path)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, 101.5, klines[1].Close)
	assert.Equal(t, start.UTC(), klines[0].OpenTime)

	// A cached file is not downloaded again.
	srv.Close()
	assert.NoError(t, d.DownloadKlines(context.Background(), "SOLUSDT", "1m", path, start, start.Add(time.Hour)))
}
