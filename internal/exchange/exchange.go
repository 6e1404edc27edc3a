package exchange

import (
	"context"
	"errors"

	"bot-orchestrator-go/internal/models"
)

// ErrOrderRejected 表示交易所拒绝了订单 (最小名义价值, 数量精度等)
var ErrOrderRejected = errors.New("order rejected by exchange")

// Exchange 定义了执行适配器必须提供的方法。
// 这使得编排器可以在模拟成交和真实交易所之间轻松切换。
// 返回错误时编排器会记录 adapter_error, 不会中断评估循环。
type Exchange interface {
	Name() string
	Execute(ctx context.Context, intent models.TradeIntent) (models.Fill, error)
}
