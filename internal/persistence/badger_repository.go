package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bot-orchestrator-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	botPrefix    = "bot/"
	enginePrefix = "engine/"
	riskKey      = "risk_state"
)

// badgerRepository is the BadgerDB implementation of the Repository.
type badgerRepository struct {
	db *badger.DB
}

// engineRecord wraps an engine blob so the stored value is self-describing.
type engineRecord struct {
	BotID string `msgpack:"bot_id"`
	State []byte `msgpack:"state"`
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
// An empty dbPath opens an in-memory database.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// SaveBots replaces every stored bot within one transaction, so removed bots disappear.
func (r *badgerRepository) SaveBots(bots []models.Bot) error {
	return r.db.Update(func(txn *badger.Txn) error {
		keep := make(map[string]bool, len(bots))
		for _, b := range bots {
			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("encode bot %s: %w", b.ID, err)
			}
			key := botPrefix + b.ID
			keep[key] = true
			if err := txn.Set([]byte(key), data); err != nil {
				return err
			}
		}
		for _, key := range r.keysLocked(txn, botPrefix) {
			if !keep[key] {
				if err := txn.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *badgerRepository) keysLocked(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys []string
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Item().KeyCopy(nil)))
	}
	return keys
}

func (r *badgerRepository) LoadBots() ([]models.Bot, error) {
	var bots []models.Bot
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(botPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var b models.Bot
				if err := json.Unmarshal(val, &b); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				bots = append(bots, b)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	return bots, nil
}

func (r *badgerRepository) SaveEngineState(botID string, data []byte) error {
	val, err := msgpack.Marshal(engineRecord{BotID: botID, State: data})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(enginePrefix+botID), val)
	})
}

func (r *badgerRepository) DeleteEngineState(botID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(enginePrefix + botID))
	})
}

func (r *badgerRepository) LoadEngineStates() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(enginePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var rec engineRecord
				if err := msgpack.Unmarshal(val, &rec); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				if rec.BotID == "" {
					rec.BotID = strings.TrimPrefix(string(item.Key()), enginePrefix)
				}
				out[rec.BotID] = rec.State
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRiskState marshals the risk state into JSON and saves it under a predefined key.
func (r *badgerRepository) SaveRiskState(state models.RiskState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(riskKey), data)
	})
}

// LoadRiskState loads the risk state from storage.
// If the key is not found, it returns (nil, nil) to indicate no state is present.
func (r *badgerRepository) LoadRiskState() (*models.RiskState, error) {
	var state models.RiskState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(riskKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("risk state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	// After the transaction, check for the specific "key not found" error.
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
