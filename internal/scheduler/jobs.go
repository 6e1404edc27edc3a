package scheduler

import (
	"time"

	"bot-orchestrator-go/internal/audit"
	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/reporter"

	"go.uber.org/zap"
)

// Roller starts a new trading day when now is past the current one.
type Roller interface {
	Rollover(now time.Time) (bool, error)
}

// RolloverJob resets the daily drawdown at the trading-day boundary.
type RolloverJob struct {
	roller Roller
	now    func() time.Time
	log    *zap.Logger
}

func NewRolloverJob(r Roller, log *zap.Logger) *RolloverJob {
	return &RolloverJob{roller: r, now: time.Now, log: log}
}

func (j *RolloverJob) Name() string { return "day_rollover" }

func (j *RolloverJob) Run() error {
	rolled, err := j.roller.Rollover(j.now())
	if err != nil {
		return err
	}
	if rolled {
		j.log.Info("trading day rolled over")
	}
	return nil
}

// ReportJob logs a summary of the last 24 hours of audit entries.
type ReportJob struct {
	log     audit.Log
	capital func() float64
	now     func() time.Time
	logger  *zap.Logger

	last reporter.Report
}

func NewReportJob(log audit.Log, capital func() float64, logger *zap.Logger) *ReportJob {
	return &ReportJob{log: log, capital: capital, now: time.Now, logger: logger}
}

func (j *ReportJob) Name() string { return "daily_report" }

func (j *ReportJob) Run() error {
	to := j.now()
	entries, err := j.log.Query(models.AuditFilter{From: to.Add(-24 * time.Hour), To: to})
	if err != nil {
		return err
	}
	j.last = reporter.Build(entries, j.capital())
	j.logger.Info("daily report", zap.String("summary", reporter.Summary(j.last)))
	return nil
}
