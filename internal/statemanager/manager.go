package statemanager

import (
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	TickCompletedEvent EventType = iota
	BotsChangedEvent
	RiskChangedEvent
	EngineStateEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// EngineStateEventData carries the exported working state of one bot's engine.
// Deleted removes the stored state.
type EngineStateEventData struct {
	BotID   string
	State   []byte
	Deleted bool
}

// persistJob is one unit of work for the persistence loop.
type persistJob struct {
	bots   []models.Bot
	risk   *models.RiskState
	engine *EngineStateEventData
}

// StateManager owns the published snapshot. Events are processed serially, snapshots are
// fanned out to subscribers and persistence happens asynchronously.
type StateManager struct {
	snapshot        *models.Snapshot
	mu              sync.RWMutex
	repo            persistence.Repository
	eventChannel    chan NormalizedEvent
	persistenceChan chan persistJob
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	subMu           sync.Mutex
	subscribers     map[int]chan *models.Snapshot
	nextSub         int
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil.
func NewStateManager(initial *models.Snapshot, repo persistence.Repository, logger *zap.Logger) *StateManager {
	if initial == nil {
		initial = &models.Snapshot{}
	}
	return &StateManager{
		snapshot:        initial.Clone(),
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024), // Buffered channel
		persistenceChan: make(chan persistJob, 128),       // Buffered channel for snapshots to be persisted
		stopChan:        make(chan struct{}),
		subscribers:     make(map[int]chan *models.Snapshot),
		logger:          logger,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop gracefully shuts down the StateManager. Queued events are processed and pending
// persistence jobs are flushed before it returns.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.subMu.Lock()
		for id, ch := range sm.subscribers {
			close(ch)
			delete(sm.subscribers, id)
		}
		sm.subMu.Unlock()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// DispatchEvent sends an event to the StateManager for processing.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) {
	select {
	case sm.eventChannel <- event:
	case <-sm.stopChan:
		sm.logger.Sugar().Warnf("StateManager stopped, dropping event %d", event.Type)
	}
}

// GetStateSnapshot returns a deep copy of the current snapshot for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshot.Clone()
}

// Subscribe returns a channel receiving every published snapshot and a cancel function.
// Slow subscribers miss snapshots rather than blocking the event loop.
func (sm *StateManager) Subscribe() (<-chan *models.Snapshot, func()) {
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	id := sm.nextSub
	sm.nextSub++
	ch := make(chan *models.Snapshot, 8)
	sm.subscribers[id] = ch
	return ch, func() {
		sm.subMu.Lock()
		defer sm.subMu.Unlock()
		if c, ok := sm.subscribers[id]; ok {
			close(c)
			delete(sm.subscribers, id)
		}
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			for {
				select {
				case event := <-sm.eventChannel:
					sm.processEvent(event)
				default:
					close(sm.persistenceChan)
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state. It exits once the event
// loop has closed the channel and every queued job is saved.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for job := range sm.persistenceChan {
		sm.save(job)
	}
}

func (sm *StateManager) save(job persistJob) {
	if sm.repo == nil {
		return
	}
	if job.bots != nil {
		if err := sm.repo.SaveBots(job.bots); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save bots: %v", err)
		}
	}
	if job.risk != nil {
		if err := sm.repo.SaveRiskState(*job.risk); err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save risk state: %v", err)
		}
	}
	if e := job.engine; e != nil {
		var err error
		if e.Deleted {
			err = sm.repo.DeleteEngineState(e.BotID)
		} else {
			err = sm.repo.SaveEngineState(e.BotID, e.State)
		}
		if err != nil {
			sm.logger.Sugar().Errorf("CRITICAL: Failed to save engine state of %s: %v", e.BotID, err)
		}
	}
}

// processEvent mutates the published snapshot based on an event.
func (sm *StateManager) processEvent(event NormalizedEvent) {
	switch event.Type {
	case TickCompletedEvent:
		snap, ok := event.Data.(*models.Snapshot)
		if !ok || snap == nil {
			sm.logger.Sugar().Warnf("Received TickCompletedEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.mu.Lock()
		sm.snapshot = snap.Clone()
		sm.mu.Unlock()
		sm.publish()
		risk := snap.Risk.Clone()
		sm.persistenceChan <- persistJob{bots: cloneBots(snap.Bots), risk: &risk}

	case BotsChangedEvent:
		bots, ok := event.Data.([]models.Bot)
		if !ok {
			sm.logger.Sugar().Warnf("Received BotsChangedEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.mu.Lock()
		sm.snapshot.Bots = cloneBots(bots)
		sm.mu.Unlock()
		sm.publish()
		sm.persistenceChan <- persistJob{bots: cloneBots(bots)}

	case RiskChangedEvent:
		risk, ok := event.Data.(models.RiskState)
		if !ok {
			sm.logger.Sugar().Warnf("Received RiskChangedEvent with unexpected data type: %T", event.Data)
			return
		}
		sm.mu.Lock()
		sm.snapshot.Risk = risk.Clone()
		sm.mu.Unlock()
		sm.publish()
		c := risk.Clone()
		sm.persistenceChan <- persistJob{risk: &c}

	case EngineStateEvent:
		data, ok := event.Data.(EngineStateEventData)
		if !ok {
			sm.logger.Sugar().Warnf("Received EngineStateEvent with unexpected data type: %T", event.Data)
			return
		}
		data.State = append([]byte(nil), data.State...)
		sm.persistenceChan <- persistJob{engine: &data}

	default:
		sm.logger.Sugar().Warnf("Received unknown event type %d", event.Type)
	}
}

func (sm *StateManager) publish() {
	snap := sm.GetStateSnapshot()
	sm.subMu.Lock()
	defer sm.subMu.Unlock()
	for _, ch := range sm.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
}

func cloneBots(bots []models.Bot) []models.Bot {
	out := make([]models.Bot, len(bots))
	for i, b := range bots {
		out[i] = b.Clone()
	}
	return out
}
