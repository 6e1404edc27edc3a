package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gonum.org/v1/gonum/stat"
)

// BotMetrics 存储单个机器人 (或整个账户) 的审计统计指标
type BotMetrics struct {
	BotID         string
	Executed      int
	Simulated     int
	Rejected      int
	ClosingTrades int // 产生已实现盈亏的成交
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // %
	RealizedPnL   float64
	AvgProfitLoss float64
	MaxDrawdown   float64 // 已实现权益曲线的最大回撤 (%)
	SharpeRatio   float64 // 单笔收益率的均值 / 标准差

	equity  []float64
	returns []float64
}

// Report 汇总一段时间内的审计日志
type Report struct {
	From           time.Time
	To             time.Time
	InitialCapital float64
	Bots           []BotMetrics
	Total          BotMetrics
	Rejections     map[string]int // 规则 -> 次数
}

// Build 根据审计条目计算报告, initialCapital 作为权益曲线的起点
func Build(entries []models.AuditEntry, initialCapital float64) Report {
	r := Report{InitialCapital: initialCapital, Rejections: make(map[string]int)}
	r.Total.BotID = "TOTAL"
	r.Total.equity = []float64{initialCapital}

	byBot := make(map[string]*BotMetrics)
	for _, e := range entries {
		if e.BotID == models.SystemBotID {
			continue
		}
		if r.From.IsZero() || e.Timestamp.Before(r.From) {
			r.From = e.Timestamp
		}
		if e.Timestamp.After(r.To) {
			r.To = e.Timestamp
		}

		m, ok := byBot[e.BotID]
		if !ok {
			m = &BotMetrics{BotID: e.BotID, equity: []float64{initialCapital}}
			byBot[e.BotID] = m
		}
		for _, target := range []*BotMetrics{m, &r.Total} {
			target.add(e)
		}
		if e.Outcome == models.OutcomeRejected {
			r.Rejections[e.Rule]++
		}
	}

	for _, m := range byBot {
		m.finish()
		r.Bots = append(r.Bots, *m)
	}
	sort.Slice(r.Bots, func(i, j int) bool { return r.Bots[i].BotID < r.Bots[j].BotID })
	r.Total.finish()
	return r
}

func (m *BotMetrics) add(e models.AuditEntry) {
	switch e.Outcome {
	case models.OutcomeSimulated:
		m.Simulated++
		return
	case models.OutcomeRejected:
		m.Rejected++
		return
	}
	m.Executed++
	if e.RealizedPnL == 0 {
		return
	}
	m.ClosingTrades++
	m.RealizedPnL += e.RealizedPnL
	m.equity = append(m.equity, m.equity[len(m.equity)-1]+e.RealizedPnL)
	if notional := e.Quantity * e.Price; notional > 0 {
		m.returns = append(m.returns, e.RealizedPnL/notional)
	}
	if e.RealizedPnL > 0 {
		m.WinningTrades++
	} else {
		m.LosingTrades++
	}
}

func (m *BotMetrics) finish() {
	var totalProfit, totalLoss float64
	for i := 1; i < len(m.equity); i++ {
		pnl := m.equity[i] - m.equity[i-1]
		if pnl > 0 {
			totalProfit += pnl
		} else {
			totalLoss += pnl
		}
	}
	if m.ClosingTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.ClosingTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	m.MaxDrawdown = calculateMaxDrawdown(m.equity) * 100
	m.SharpeRatio = sharpeRatio(m.returns)
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// sharpeRatio 不做年化, 样本少于两笔或没有波动时为0
func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	return t
}

// WriteBots 输出机器人指标表
func WriteBots(w io.Writer, r Report) {
	t := newTable(w, fmt.Sprintf("审计报告 %s ~ %s", r.From.Format("2006-01-02 15:04"), r.To.Format("2006-01-02 15:04")))
	t.AppendHeader(table.Row{"Bot", "Executed", "Simulated", "Rejected", "Win %", "Realized PnL", "Max DD %", "Sharpe"})
	row := func(m BotMetrics) table.Row {
		return table.Row{m.BotID, m.Executed, m.Simulated, m.Rejected,
			fmt.Sprintf("%.2f", m.WinRate), fmt.Sprintf("%.2f", m.RealizedPnL),
			fmt.Sprintf("%.2f", m.MaxDrawdown), fmt.Sprintf("%.2f", m.SharpeRatio)}
	}
	for _, m := range r.Bots {
		t.AppendRow(row(m))
	}
	t.AppendFooter(row(r.Total))
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	t.Render()

	if len(r.Rejections) == 0 {
		return
	}
	rules := make([]string, 0, len(r.Rejections))
	for rule := range r.Rejections {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	rt := newTable(w, "拒绝原因")
	rt.AppendHeader(table.Row{"Rule", "Count"})
	for _, rule := range rules {
		rt.AppendRow(table.Row{rule, r.Rejections[rule]})
	}
	rt.Render()
}

// WriteAssets 输出账本持仓表
func WriteAssets(w io.Writer, assets []models.PortfolioAsset) {
	t := newTable(w, "持仓")
	t.AppendHeader(table.Row{"Ticker", "Kind", "Quantity", "Price", "Value", "Weight %", "Target %", "Avg Cost"})
	total := 0.0
	for _, a := range assets {
		total += a.Value
		t.AppendRow(table.Row{a.Ticker, a.Kind,
			fmt.Sprintf("%.8f", a.Quantity), fmt.Sprintf("%.4f", a.Price), fmt.Sprintf("%.2f", a.Value),
			fmt.Sprintf("%.2f", a.CurrentWeight*100), fmt.Sprintf("%.2f", a.TargetWeight*100), fmt.Sprintf("%.4f", a.AvgCost)})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", fmt.Sprintf("%.2f", total), "", "", ""})
	t.Render()
}

// WriteAudit 输出审计条目表
func WriteAudit(w io.Writer, entries []models.AuditEntry) {
	t := newTable(w, "审计日志")
	t.AppendHeader(table.Row{"Seq", "Time", "Bot", "Action", "Asset", "Qty", "Price", "Outcome", "Rule", "Rationale"})
	for _, e := range entries {
		t.AppendRow(table.Row{e.Seq, e.Timestamp.Format(time.RFC3339), e.BotID, e.Action, e.Asset,
			fmt.Sprintf("%.6f", e.Quantity), fmt.Sprintf("%.4f", e.Price), e.Outcome, e.Rule, text.Trim(e.Rationale, 80)})
	}
	t.Render()
}

// Summary 返回一行日报摘要, 供定时任务写入日志
func Summary(r Report) string {
	return fmt.Sprintf("bots=%d executed=%d simulated=%d rejected=%d realized_pnl=%.2f win_rate=%.2f%% max_drawdown=%.2f%%",
		len(r.Bots), r.Total.Executed, r.Total.Simulated, r.Total.Rejected, r.Total.RealizedPnL, r.Total.WinRate, r.Total.MaxDrawdown)
}
