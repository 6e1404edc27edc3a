package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bot-orchestrator-go/internal/api"
	"bot-orchestrator-go/internal/audit"
	"bot-orchestrator-go/internal/config"
	"bot-orchestrator-go/internal/exchange"
	"bot-orchestrator-go/internal/lifecycle"
	"bot-orchestrator-go/internal/logger"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/persistence"
	"bot-orchestrator-go/internal/pricefeed"
	"bot-orchestrator-go/internal/reporter"
	"bot-orchestrator-go/internal/risk"
	"bot-orchestrator-go/internal/scheduler"
	"bot-orchestrator-go/internal/statemanager"

	"github.com/adshao/go-binance/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "", "path to the config file (yaml or json); empty uses the built-in demo portfolio")
	mode := flag.String("mode", "run", "running mode: run, report, replay or download")
	symbol := flag.String("symbol", "", "symbol to download (e.g., ETHUSDT)")
	interval := flag.String("interval", "1h", "kline interval to download")
	startDate := flag.String("start", "", "download start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "download end date (YYYY-MM-DD)")
	flag.Parse()

	// --- 先用默认配置初始化日志，加载配置时即可记录 ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载配置 ---
	var cfg *models.Config
	if *configPath == "" {
		cfg = config.Default()
		logger.S().Info("未指定配置文件，使用内置的演示组合。")
	} else {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			logger.S().Fatalf("无法加载配置文件: %v", err)
		}
		cfg = loaded
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	// --- 根据模式执行 ---
	var err error
	switch *mode {
	case "run":
		err = runOrchestrator(cfg)
	case "report":
		err = runReport(cfg)
	case "replay":
		err = runReplay(cfg)
	case "download":
		err = runDownload(*symbol, *interval, *startDate, *endDate)
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'run', 'report', 'replay' 或 'download'。", *mode)
	}
	if err != nil {
		logger.S().Fatal(err)
	}
}

// openAudit 打开审计日志: 配置了 SQLite 路径时落盘，否则仅保存在内存
func openAudit(cfg *models.Config) (audit.Log, error) {
	if cfg.Storage.AuditDB == "" {
		logger.S().Warn("未配置 storage.audit_db，审计日志仅保存在内存中，重启后无法重建账本。")
		return audit.NewMemoryLog(), nil
	}
	l, err := audit.OpenSQLite(cfg.Storage.AuditDB)
	if err != nil {
		return nil, fmt.Errorf("打开审计库失败: %w", err)
	}
	return l, nil
}

// newPriceSource 根据配置创建行情来源
func newPriceSource(cfg *models.Config) (pricefeed.Source, error) {
	switch cfg.Exchange.PriceSource {
	case "binance":
		client := binance.NewClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_SECRET_KEY"))
		return pricefeed.NewBinanceSource(client, cfg.Exchange.QuoteAsset), nil
	case "csv":
		src, err := pricefeed.NewCSVSource(cfg.Exchange.CSVFiles)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		prices := make(map[string]float64, len(cfg.Account.Holdings))
		for _, h := range cfg.Account.Holdings {
			prices[h.Ticker] = h.Price
		}
		return pricefeed.NewStaticSource(prices), nil
	}
}

// newExchange 根据配置创建执行适配器
func newExchange(cfg *models.Config) (exchange.Exchange, error) {
	if cfg.Exchange.Mode != "binance" {
		logger.S().Info("使用模拟撮合执行交易。")
		return exchange.NewPaperExchange(cfg.Exchange), nil
	}

	// 从环境变量加载API密钥
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}
	if cfg.Exchange.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}
	return exchange.NewLiveExchange(apiKey, secretKey, cfg.Exchange, logger.L()), nil
}

// runOrchestrator 运行编排器直到收到退出信号
func runOrchestrator(cfg *models.Config) error {
	logger.S().Info("--- 启动编排器 ---")

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("无效的时区 %s: %w", cfg.Scheduler.Timezone, err)
	}

	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	repo, err := persistence.NewBadgerRepository(cfg.Storage.BadgerPath)
	if err != nil {
		return fmt.Errorf("打开状态库失败: %w", err)
	}
	defer repo.Close()

	prices, err := newPriceSource(cfg)
	if err != nil {
		return fmt.Errorf("初始化行情来源失败: %w", err)
	}
	exch, err := newExchange(cfg)
	if err != nil {
		return err
	}

	governor := risk.NewGovernor(cfg.Risk, loc, logger.L())
	if state, err := repo.LoadRiskState(); err != nil {
		logger.S().Warnf("无法加载风控状态: %v，将以全新状态启动。", err)
	} else if state != nil {
		governor.Restore(*state)
		logger.S().Infof("已恢复风控状态，档位 %s，熔断=%v。", state.Profile, state.BreakerTripped())
	}

	sm := statemanager.NewStateManager(nil, repo, logger.L())
	manager := lifecycle.NewManager(lifecycle.Config{
		AccountID:    cfg.Account.ID,
		TickInterval: time.Duration(cfg.Scheduler.TickIntervalSec) * time.Second,
		EvalTimeout:  time.Duration(cfg.Scheduler.EvalTimeoutMs) * time.Millisecond,
		ExecTimeout:  time.Duration(cfg.Exchange.TimeoutMs) * time.Millisecond,
		// 买入预留手续费与滑点
		CostRate: (1+cfg.Exchange.TakerFeeRate)*(1+cfg.Exchange.SlippageRate) - 1,
	}, lifecycle.Deps{
		Governor: governor,
		Exchange: exch,
		Audit:    auditLog,
		Prices:   prices,
		State:    sm,
		Logger:   logger.L(),
	})

	if err := manager.Provision(cfg.Account); err != nil {
		return fmt.Errorf("账户开通失败: %w", err)
	}
	if err := restoreOrCreateBots(manager, repo, cfg.Bots); err != nil {
		return err
	}

	snap, err := manager.Snapshot()
	if err != nil {
		return err
	}
	sm.Start()
	sm.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.TickCompletedEvent, Timestamp: time.Now(), Data: snap})

	// --- 定时任务 ---
	sched := scheduler.New(loc, logger.L())
	if err := sched.AddJob(cfg.Scheduler.RolloverCron, scheduler.NewRolloverJob(manager, logger.L())); err != nil {
		return err
	}
	reportJob := scheduler.NewReportJob(auditLog, func() float64 { return manager.Governor().State().DayStartCapital }, logger.L())
	if err := sched.AddJob(cfg.Scheduler.ReportCron, reportJob); err != nil {
		return err
	}
	sched.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 展示层接口 ---
	var server *api.Server
	if cfg.HTTP.Addr != "" {
		server = api.New(api.Config{
			Addr:    cfg.HTTP.Addr,
			Manager: manager,
			State:   sm,
			Audit:   auditLog,
			Log:     logger.L(),
		})
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.S().Errorf("HTTP 服务异常退出: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := manager.Run(ctx); err != nil {
			logger.S().Errorf("评估循环异常退出: %v", err)
		}
	}()
	logger.S().Infof("编排器已启动，账户 %s，%d 个机器人。", cfg.Account.ID, len(manager.Bots()))

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("收到退出信号，正在停止...")

	sched.Stop()
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.S().Warnf("HTTP 服务关闭失败: %v", err)
		}
		shutdownCancel()
	}
	cancel()
	<-done
	// 停止前的最后一次快照保证状态被持久化
	if snap, err := manager.Snapshot(); err == nil {
		sm.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.TickCompletedEvent, Timestamp: time.Now(), Data: snap})
	}
	sm.Stop()
	logger.S().Info("编排器已成功停止，状态已保存。")
	return nil
}

// restoreOrCreateBots 优先从状态库恢复机器人，没有存档时按配置创建
func restoreOrCreateBots(manager *lifecycle.Manager, repo persistence.Repository, specs []models.BotSpec) error {
	bots, err := repo.LoadBots()
	if err != nil {
		logger.S().Warnf("无法加载机器人: %v，将按配置重新创建。", err)
	}
	if len(bots) > 0 {
		engineStates, err := repo.LoadEngineStates()
		if err != nil {
			logger.S().Warnf("无法加载策略状态: %v，策略将从头开始。", err)
			engineStates = nil
		}
		if err := manager.RestoreBots(bots, engineStates); err != nil {
			return fmt.Errorf("恢复机器人失败: %w", err)
		}
		logger.S().Infof("已从状态库恢复 %d 个机器人。", len(bots))
		return nil
	}

	for _, spec := range specs {
		if _, err := manager.CreateBot(spec); err != nil {
			return fmt.Errorf("创建机器人 %s 失败: %w", spec.Name, err)
		}
	}
	return nil
}

// runReport 根据审计日志打印绩效报告
func runReport(cfg *models.Config) error {
	logger.S().Info("--- 生成绩效报告 ---")
	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	entries, err := auditLog.All()
	if err != nil {
		return err
	}
	l, err := audit.Replay(entries, cfg.Account.Holdings)
	if err != nil {
		return err
	}

	initialCapital := 0.0
	for _, h := range cfg.Account.Holdings {
		initialCapital += h.Quantity * h.Price
	}
	r := reporter.Build(entries, initialCapital)
	reporter.WriteBots(os.Stdout, r)
	reporter.WriteAssets(os.Stdout, l.Snapshot())

	recent, err := auditLog.Query(models.AuditFilter{Limit: 20})
	if err != nil {
		return err
	}
	reporter.WriteAudit(os.Stdout, recent)
	logger.S().Info(reporter.Summary(r))
	return nil
}

// runReplay 仅凭审计日志重建账本并打印持仓
func runReplay(cfg *models.Config) error {
	logger.S().Info("--- 重放审计日志 ---")
	auditLog, err := openAudit(cfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	entries, err := auditLog.All()
	if err != nil {
		return err
	}
	l, err := audit.Replay(entries, cfg.Account.Holdings)
	if err != nil {
		return fmt.Errorf("重放失败: %w", err)
	}
	reporter.WriteAssets(os.Stdout, l.Snapshot())
	logger.L().Info("replay finished", zap.Int("entries", len(entries)), zap.Float64("total_value", l.TotalValue()))
	return nil
}

// runDownload 下载K线数据供 csv 行情来源使用
func runDownload(symbol, interval, startDate, endDate string) error {
	if symbol == "" || startDate == "" || endDate == "" {
		return fmt.Errorf("下载模式需要 --symbol, --start 和 --end 参数")
	}
	startTime, err1 := time.Parse("2006-01-02", startDate)
	endTime, err2 := time.Parse("2006-01-02", endDate)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}

	// 确保数据目录存在
	if err := os.MkdirAll("data", 0755); err != nil {
		return fmt.Errorf("创建 data 目录失败: %v", err)
	}

	d := pricefeed.NewKlineDownloader(binance.NewClient("", ""), logger.L())
	fileName := fmt.Sprintf("data/%s-%s-%s.csv", symbol, startDate, endDate)
	logger.S().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startDate, endDate)
	if err := d.DownloadKlines(context.Background(), symbol, interval, fileName, startTime, endTime); err != nil {
		return fmt.Errorf("下载数据失败: %v", err)
	}
	logger.S().Infof("数据已保存到 %s", fileName)
	return nil
}
