package persistence

import "bot-orchestrator-go/internal/models"

// Repository defines the interface for orchestrator state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type Repository interface {
	// SaveBots atomically replaces the stored bot set.
	SaveBots(bots []models.Bot) error

	// LoadBots loads all stored bots, ordered by id.
	// If nothing was stored yet, it returns (nil, nil).
	LoadBots() ([]models.Bot, error)

	// SaveEngineState stores the opaque working state of one bot's engine.
	SaveEngineState(botID string, data []byte) error

	// DeleteEngineState removes the working state of a removed bot.
	DeleteEngineState(botID string) error

	// LoadEngineStates returns every stored engine state keyed by bot id.
	LoadEngineStates() (map[string][]byte, error)

	// SaveRiskState stores the governor's risk state.
	SaveRiskState(state models.RiskState) error

	// LoadRiskState loads the risk state. If none is found, it returns (nil, nil).
	LoadRiskState() (*models.RiskState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
