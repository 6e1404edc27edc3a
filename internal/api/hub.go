package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"bot-orchestrator-go/internal/models"
	"bot-orchestrator-go/internal/statemanager"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub pushes every published snapshot to the connected WebSocket clients.
// Clients only receive; anything they send is ignored.
type Hub struct {
	clients map[*websocket.Conn]bool
	lock    sync.Mutex
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		log:     log,
	}
}

// Run forwards snapshots from the state manager until ctx ends or the manager stops.
func (h *Hub) Run(ctx context.Context, sm *statemanager.StateManager) {
	snapshots, cancel := sm.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			h.Broadcast(snap)
		}
	}
}

// Broadcast sends one snapshot to every client, dropping clients that fail.
func (h *Hub) Broadcast(snap *models.Snapshot) {
	msg, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("marshal snapshot", zap.Error(err))
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		if err := h.write(client, msg); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		client.Close()
		delete(h.clients, client)
	}
}

func (h *Hub) write(conn *websocket.Conn, msg []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

// ServeWS upgrades the connection, sends the current snapshot and registers the client.
func (h *Hub) ServeWS(current func() (*models.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("WS upgrade failed", zap.Error(err))
			return
		}

		h.lock.Lock()
		if snap, err := current(); err == nil {
			if msg, err := json.Marshal(snap); err == nil {
				if err := h.write(conn, msg); err != nil {
					h.lock.Unlock()
					conn.Close()
					return
				}
			}
		}
		h.clients[conn] = true
		h.lock.Unlock()

		// The read loop only notices the client going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.lock.Lock()
					if h.clients[conn] {
						conn.Close()
						delete(h.clients, conn)
					}
					h.lock.Unlock()
					return
				}
			}
		}()
	}
}
