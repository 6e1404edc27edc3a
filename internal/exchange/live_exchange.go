package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LiveExchange 实现了 Exchange 接口，通过币安现货接口下市价单。
type LiveExchange struct {
	client     *binance.Client
	quoteAsset string
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu       sync.Mutex
	lotSizes map[string]lotSize // 交易对 -> 数量精度
}

type lotSize struct {
	step     float64
	decimals int
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。
func NewLiveExchange(apiKey, secretKey string, cfg models.ExchangeConfig, logger *zap.Logger) *LiveExchange {
	if cfg.IsTestnet {
		binance.UseTestnet = true
	}
	perSecond := cfg.OrdersPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveExchange{
		client:     binance.NewClient(apiKey, secretKey),
		quoteAsset: cfg.QuoteAsset,
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:     logger,
		lotSizes:   make(map[string]lotSize),
	}
}

// SetBaseURL 指向另一个接口地址 (测试时使用)
func (e *LiveExchange) SetBaseURL(url string) { e.client.BaseURL = url }

func (e *LiveExchange) Name() string { return "binance" }

// Symbol 返回资产对应的交易对, e.g., ETH -> ETHUSDT
func (e *LiveExchange) Symbol(asset string) string { return asset + e.quoteAsset }

// Execute 限速后下市价单，并根据成交明细计算均价与手续费。
func (e *LiveExchange) Execute(ctx context.Context, intent models.TradeIntent) (models.Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.limiter.Wait(ctx); err != nil {
		return models.Fill{}, fmt.Errorf("rate limit wait: %w", err)
	}

	symbol := e.Symbol(intent.Asset)
	lot, err := e.lotSize(ctx, symbol)
	if err != nil {
		return models.Fill{}, err
	}
	qty := intent.Quantity
	decimals := -1
	if lot.step > 0 {
		qty = math.Floor(qty/lot.step+1e-9) * lot.step
		decimals = lot.decimals
	}
	if !(qty > 0) {
		return models.Fill{}, fmt.Errorf("%w: quantity %v below step size %v for %s", ErrOrderRejected, intent.Quantity, lot.step, symbol)
	}

	side := binance.SideTypeBuy
	if intent.Side == models.Sell {
		side = binance.SideTypeSell
	}

	res, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', decimals, 64)).
		NewOrderRespType(binance.NewOrderRespTypeFULL).
		Do(ctx)
	if err != nil {
		return models.Fill{}, fmt.Errorf("place %s order on %s: %w", side, symbol, err)
	}

	executed, _ := strconv.ParseFloat(res.ExecutedQuantity, 64)
	quote, _ := strconv.ParseFloat(res.CummulativeQuoteQuantity, 64)
	if !(executed > 0) {
		return models.Fill{}, fmt.Errorf("%w: order %d on %s not filled (status %s)", ErrOrderRejected, res.OrderID, symbol, res.Status)
	}
	avg := quote / executed

	fee := 0.0
	for _, f := range res.Fills {
		commission, _ := strconv.ParseFloat(f.Commission, 64)
		switch f.CommissionAsset {
		case e.quoteAsset:
			fee += commission
		case intent.Asset:
			fee += commission * avg
		}
	}

	e.logger.Info("order filled",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int64("order_id", res.OrderID),
		zap.Float64("filled_qty", executed),
		zap.Float64("avg_price", avg),
		zap.Float64("fee", fee))

	return models.Fill{Quantity: executed, AvgPrice: avg, Fee: fee}, nil
}

// lotSize 查询并缓存交易对的 LOT_SIZE 精度
func (e *LiveExchange) lotSize(ctx context.Context, symbol string) (lotSize, error) {
	e.mu.Lock()
	lot, ok := e.lotSizes[symbol]
	e.mu.Unlock()
	if ok {
		return lot, nil
	}

	info, err := e.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return lotSize{}, fmt.Errorf("exchange info for %s: %w", symbol, err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if f := s.LotSizeFilter(); f != nil {
			lot.step, _ = strconv.ParseFloat(f.StepSize, 64)
			lot.decimals = stepDecimals(f.StepSize)
		}
	}

	e.mu.Lock()
	e.lotSizes[symbol] = lot
	e.mu.Unlock()
	return lot, nil
}

// stepDecimals 返回精度字符串的小数位数, "0.00010000" -> 4
func stepDecimals(step string) int {
	i := strings.IndexByte(step, '.')
	if i < 0 {
		return 0
	}
	return len(strings.TrimRight(step[i+1:], "0"))
}
