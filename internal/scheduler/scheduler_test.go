package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"bot-orchestrator-go/internal/audit"
	"bot-orchestrator-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRoller struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRoller) Rollover(now time.Time) (bool, error) {
	r.calls.Add(1)
	return r.err == nil, r.err
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(time.UTC, zap.NewNop())
	assert.Error(t, s.AddJob("every day", NewRolloverJob(&fakeRoller{}, zap.NewNop())))
	assert.Error(t, s.AddJob("0 0 * * *", NewRolloverJob(&fakeRoller{}, zap.NewNop())), "six fields are required")
	assert.NoError(t, s.AddJob("1 0 0 * * *", NewRolloverJob(&fakeRoller{}, zap.NewNop())))
	assert.Equal(t, 1, s.Entries())
}

func TestScheduledJobRuns(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	s := New(loc, zap.NewNop())
	roller := &fakeRoller{}
	require.NoError(t, s.AddJob("@every 1s", NewRolloverJob(roller, zap.NewNop())))

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return roller.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestRunNowPropagatesErrors(t *testing.T) {
	s := New(nil, nil)
	roller := &fakeRoller{err: errors.New("not provisioned")}
	assert.EqualError(t, s.RunNow(NewRolloverJob(roller, zap.NewNop())), "not provisioned")
}

func TestReportJobCoversLastDay(t *testing.T) {
	log := audit.NewMemoryLog()
	now := time.Date(2026, 10, 16, 23, 55, 0, 0, time.UTC)
	for _, at := range []time.Time{now.Add(-30 * time.Hour), now.Add(-time.Hour)} {
		_, err := log.Append(models.AuditEntry{Timestamp: at, BotID: "bot-a", Action: models.ActionBuy, Asset: "ETH",
			Quantity: 1, Price: 100, Outcome: models.OutcomeSimulated, Rationale: "test"})
		require.NoError(t, err)
	}

	job := NewReportJob(log, func() float64 { return 1000 }, zap.NewNop())
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run())
	assert.Equal(t, 1, job.last.Total.Simulated)
	assert.Equal(t, 1000.0, job.last.InitialCapital)
}
