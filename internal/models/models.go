package models

// Config 结构体定义了编排器的所有配置参数
type Config struct {
	Account   AccountConfig   `json:"account" yaml:"account"`
	Bots      []BotSpec       `json:"bots" yaml:"bots"`         // 账户开通时创建的机器人
	Risk      RiskConfig      `json:"risk" yaml:"risk"`         // 风控配置
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"` // 调度配置
	Exchange  ExchangeConfig  `json:"exchange" yaml:"exchange"`   // 执行与行情配置
	Storage   StorageConfig   `json:"storage" yaml:"storage"`     // 持久化配置
	HTTP      HTTPConfig      `json:"http" yaml:"http"`           // 展示层接口配置
	LogConfig LogConfig       `json:"log" yaml:"log"`             // 日志配置
}

// AccountConfig 定义了账户及其初始持仓
type AccountConfig struct {
	ID                string        `json:"id" yaml:"id"`
	ReferenceCurrency string        `json:"reference_currency" yaml:"reference_currency"` // 估值货币, e.g., "USD"
	Holdings          []HoldingSpec `json:"holdings" yaml:"holdings"`
}

// HoldingSpec 定义了一项初始持仓
type HoldingSpec struct {
	Ticker       string    `json:"ticker" yaml:"ticker"`
	Name         string    `json:"name" yaml:"name"`
	Kind         AssetKind `json:"kind" yaml:"kind"`                   // stable 或 crypto
	Quantity     float64   `json:"quantity" yaml:"quantity"`           // 持有数量
	Price        float64   `json:"price" yaml:"price"`                 // 初始价格 (以估值货币计)
	TargetWeight float64   `json:"target_weight" yaml:"target_weight"` // 目标权重, 所有资产之和为 1.0
}

// BotSpec 定义了一个待创建机器人的配置
type BotSpec struct {
	ID            string                 `json:"id,omitempty" yaml:"id,omitempty"` // 为空时自动生成
	Name          string                 `json:"name" yaml:"name"`
	Type          StrategyType           `json:"type" yaml:"type"`
	State         LifecycleState         `json:"state,omitempty" yaml:"state,omitempty"` // 为空时默认为 active
	AllocationPct float64                `json:"allocation_pct" yaml:"allocation_pct"`
	RiskScore     *int                   `json:"risk_score,omitempty" yaml:"risk_score,omitempty"` // 为空时按策略类型取默认值
	Params        map[string]interface{} `json:"params" yaml:"params"`
}

// RiskConfig 定义了风控相关的配置
type RiskConfig struct {
	Profile            RiskProfile             `json:"profile" yaml:"profile"`                             // 风险偏好档位
	MaxDrawdownPct     float64                 `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`           // 大于0时覆盖档位对应的回撤上限
	ProfileLimits      map[RiskProfile]float64 `json:"profile_limits" yaml:"profile_limits"`               // 各档位的日回撤上限 (%)
	MinTrackRecord     int                     `json:"min_track_record" yaml:"min_track_record"`           // 模拟盘最少成交笔数
	TopN               int                     `json:"top_n" yaml:"top_n"`                                 // 流动性白名单取前N个
	LiquidityWhitelist []string                `json:"liquidity_whitelist" yaml:"liquidity_whitelist"`     // 按流动性排序的资产列表
	ClearedStrategies  []StrategyType          `json:"cleared_strategies" yaml:"cleared_strategies"`       // 允许实盘的策略类型
}

// SchedulerConfig 定义了评估循环与定时任务
type SchedulerConfig struct {
	TickIntervalSec int    `json:"tick_interval_sec" yaml:"tick_interval_sec"` // 评估周期 (秒)
	EvalTimeoutMs   int    `json:"eval_timeout_ms" yaml:"eval_timeout_ms"`     // 单个策略评估的时间预算 (毫秒)
	Timezone        string `json:"timezone" yaml:"timezone"`                   // 交易日边界所在时区
	RolloverCron    string `json:"rollover_cron" yaml:"rollover_cron"`         // 日切任务
	ReportCron      string `json:"report_cron" yaml:"report_cron"`             // 日报任务
}

// ExchangeConfig 定义了执行适配器与行情来源
type ExchangeConfig struct {
	Mode            string            `json:"mode" yaml:"mode"`                             // paper 或 binance
	IsTestnet       bool              `json:"is_testnet" yaml:"is_testnet"`                 // 是否使用测试网
	QuoteAsset      string            `json:"quote_asset" yaml:"quote_asset"`               // 交易对计价资产, e.g., "USDT"
	PriceSource     string            `json:"price_source" yaml:"price_source"`             // static, binance 或 csv
	CSVFiles        map[string]string `json:"csv_files" yaml:"csv_files"`                   // ticker -> K线文件路径
	TakerFeeRate    float64           `json:"taker_fee_rate" yaml:"taker_fee_rate"`         // 吃单手续费率
	SlippageRate    float64           `json:"slippage_rate" yaml:"slippage_rate"`           // 滑点率
	MinNotional     float64           `json:"min_notional" yaml:"min_notional"`             // 模拟撮合的最小名义价值, 0 表示不限制
	OrdersPerSecond float64           `json:"orders_per_second" yaml:"orders_per_second"`   // 下单限速
	TimeoutMs       int               `json:"timeout_ms" yaml:"timeout_ms"`                 // 单次执行超时
}

// StorageConfig 定义了持久化路径
type StorageConfig struct {
	BadgerPath string `json:"badger_path" yaml:"badger_path"` // 为空时使用内存模式
	AuditDB    string `json:"audit_db" yaml:"audit_db"`       // SQLite 审计库, 为空时仅保存在内存
}

// HTTPConfig 定义了展示层接口
type HTTPConfig struct {
	Addr string `json:"addr" yaml:"addr"` // 为空时不启动
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}
