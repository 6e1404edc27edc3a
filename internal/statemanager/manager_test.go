package statemanager

import (
	"sync"
	"testing"
	"time"

	"bot-orchestrator-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockRepository is a mock implementation of the Repository interface for testing.
type mockRepository struct {
	sync.Mutex
	savedBots    []models.Bot
	savedRisk    *models.RiskState
	engineStates map[string][]byte
	saveCalls    int
	saveDoneChan chan bool // Channel to signal when a save is done
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		engineStates: make(map[string][]byte),
		saveDoneChan: make(chan bool, 16),
	}
}

func (m *mockRepository) done() {
	m.saveCalls++
	m.saveDoneChan <- true
}

func (m *mockRepository) SaveBots(bots []models.Bot) error {
	m.Lock()
	defer m.Unlock()
	m.savedBots = bots
	m.done()
	return nil
}

func (m *mockRepository) LoadBots() ([]models.Bot, error) { return nil, nil }

func (m *mockRepository) SaveEngineState(botID string, data []byte) error {
	m.Lock()
	defer m.Unlock()
	m.engineStates[botID] = data
	m.done()
	return nil
}

func (m *mockRepository) DeleteEngineState(botID string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.engineStates, botID)
	m.done()
	return nil
}

func (m *mockRepository) LoadEngineStates() (map[string][]byte, error) { return nil, nil }

func (m *mockRepository) SaveRiskState(state models.RiskState) error {
	m.Lock()
	defer m.Unlock()
	m.savedRisk = &state
	m.done()
	return nil
}

func (m *mockRepository) LoadRiskState() (*models.RiskState, error) { return nil, nil }

func (m *mockRepository) Close() error { return nil }

func (m *mockRepository) calls() int {
	m.Lock()
	defer m.Unlock()
	return m.saveCalls
}

func waitSaves(t *testing.T, repo *mockRepository, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-repo.saveDoneChan:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for save %d of %d", i+1, n)
		}
	}
}

func testSnapshot(tick uint64) *models.Snapshot {
	return &models.Snapshot{
		Tick:         tick,
		Time:         time.Now(),
		AccountID:    "acct",
		TotalCapital: 10000,
		Bots: []models.Bot{{ID: "bot-a", Name: "Rebalancer", State: models.StateActive,
			Params: &models.RebalancingParams{Threshold: 0.03, Reserve: "USDC"}}},
		Risk: models.RiskState{MaxDrawdownPct: 2, Profile: models.ProfileModerate, TrackRecord: map[string]int{"bot-a": 3}},
	}
}

// TestNewStateManager verifies that the StateManager is initialized correctly.
func TestNewStateManager(t *testing.T) {
	sm := NewStateManager(testSnapshot(7), newMockRepository(), zap.NewNop())
	require.NotNil(t, sm, "StateManager should not be nil")

	snapshot := sm.GetStateSnapshot()
	require.NotNil(t, snapshot, "Initial snapshot should not be nil")
	assert.Equal(t, uint64(7), snapshot.Tick)

	assert.NotNil(t, sm.eventChannel, "eventChannel should be created")
	assert.NotNil(t, sm.persistenceChan, "persistenceChan should be created")
	assert.NotNil(t, sm.stopChan, "stopChan should be created")
}

// TestTickCompletedEvent publishes the snapshot and persists bots and risk state.
func TestTickCompletedEvent(t *testing.T) {
	repo := newMockRepository()
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	snap := testSnapshot(1)
	sm.DispatchEvent(NormalizedEvent{Type: TickCompletedEvent, Timestamp: time.Now(), Data: snap})
	waitSaves(t, repo, 2)

	got := sm.GetStateSnapshot()
	assert.Equal(t, uint64(1), got.Tick)
	assert.Equal(t, []string{"Rebalancer"}, got.ActiveBotNames())

	// The published snapshot is a copy.
	snap.Risk.TrackRecord["bot-a"] = 99
	assert.Equal(t, 3, sm.GetStateSnapshot().Risk.TrackRecord["bot-a"])

	repo.Lock()
	defer repo.Unlock()
	require.Len(t, repo.savedBots, 1)
	assert.Equal(t, "bot-a", repo.savedBots[0].ID)
	require.NotNil(t, repo.savedRisk)
	assert.Equal(t, models.ProfileModerate, repo.savedRisk.Profile)
}

// TestEngineStateEvent saves and deletes engine state.
func TestEngineStateEvent(t *testing.T) {
	repo := newMockRepository()
	sm := NewStateManager(nil, repo, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	sm.DispatchEvent(NormalizedEvent{Type: EngineStateEvent, Data: EngineStateEventData{BotID: "bot-grid", State: []byte{1, 2}}})
	waitSaves(t, repo, 1)
	repo.Lock()
	assert.Equal(t, []byte{1, 2}, repo.engineStates["bot-grid"])
	repo.Unlock()

	sm.DispatchEvent(NormalizedEvent{Type: EngineStateEvent, Data: EngineStateEventData{BotID: "bot-grid", Deleted: true}})
	waitSaves(t, repo, 1)
	repo.Lock()
	assert.NotContains(t, repo.engineStates, "bot-grid")
	repo.Unlock()
}

// TestAsyncPersistence verifies that persistence happens asynchronously.
func TestAsyncPersistence(t *testing.T) {
	repo := newMockRepository()
	sm := NewStateManager(nil, repo, zap.NewNop())

	// Not started: the event is only queued.
	sm.DispatchEvent(NormalizedEvent{Type: RiskChangedEvent, Timestamp: time.Now(), Data: models.RiskState{Profile: models.ProfileAggressive}})
	assert.Equal(t, 0, repo.calls(), "SaveRiskState should not be called synchronously with DispatchEvent")

	sm.Start()
	defer sm.Stop()
	waitSaves(t, repo, 1)

	repo.Lock()
	defer repo.Unlock()
	require.NotNil(t, repo.savedRisk)
	assert.Equal(t, models.ProfileAggressive, repo.savedRisk.Profile)
}

// TestStopFlushesPendingEvents makes sure nothing queued before Stop is lost.
func TestStopFlushesPendingEvents(t *testing.T) {
	repo := newMockRepository()
	sm := NewStateManager(nil, repo, zap.NewNop())
	for i := 0; i < 5; i++ {
		sm.DispatchEvent(NormalizedEvent{Type: EngineStateEvent, Data: EngineStateEventData{BotID: "bot", State: []byte{byte(i)}}})
	}
	sm.Start()
	sm.Stop()

	assert.Equal(t, 5, repo.calls())
	assert.Equal(t, []byte{4}, repo.engineStates["bot"])
}

// TestSubscribersReceiveSnapshots checks the fan-out used by the websocket hub.
func TestSubscribersReceiveSnapshots(t *testing.T) {
	sm := NewStateManager(nil, nil, zap.NewNop())
	sm.Start()
	defer sm.Stop()

	ch, cancel := sm.Subscribe()
	sm.DispatchEvent(NormalizedEvent{Type: TickCompletedEvent, Data: testSnapshot(3)})

	select {
	case snap := <-ch:
		assert.Equal(t, uint64(3), snap.Tick)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	sm.DispatchEvent(NormalizedEvent{Type: BotsChangedEvent, Data: []models.Bot{{ID: "bot-a", State: models.StatePaused}}})
	select {
	case snap := <-ch:
		require.Len(t, snap.Bots, 1)
		assert.Equal(t, models.StatePaused, snap.Bots[0].State)
		assert.Equal(t, uint64(3), snap.Tick)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	cancel()
	_, open := <-ch
	assert.False(t, open)
}
