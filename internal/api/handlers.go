package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"bot-orchestrator-go/internal/assistant"
	"bot-orchestrator-go/internal/lifecycle"
	"bot-orchestrator-go/internal/models"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var errBadRequest = errors.New("bad request")

const maxAuditLimit = 1000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Bots())
}

func (s *Server) handleBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.manager.Bot(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap.Assets)
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Governor().State())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	bot, err := s.manager.Toggle(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bot)
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ReconfigureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	bot, err := s.manager.Reconfigure(chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bot)
}

type riskProfileRequest struct {
	Profile models.RiskProfile `json:"profile"`
}

func (s *Server) handleRiskProfile(w http.ResponseWriter, r *http.Request) {
	var req riskProfileRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	state, err := s.manager.SetRiskProfile(req.Profile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	entries, err := s.audit.Query(f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func parseAuditFilter(r *http.Request) (models.AuditFilter, error) {
	q := r.URL.Query()
	f := models.AuditFilter{
		BotID:   q.Get("bot"),
		Action:  models.Action(q.Get("action")),
		Outcome: models.Outcome(q.Get("outcome")),
		Limit:   100,
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be RFC3339: %v", errBadRequest, name, err)
		}
		*dst = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
		f.Limit = n
	}
	if f.Limit == 0 || f.Limit > maxAuditLimit {
		f.Limit = maxAuditLimit
	}
	return f, nil
}

func (s *Server) handleAssistantContext(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	c := assistant.FromSnapshot(snap)
	s.writeJSON(w, http.StatusOK, struct {
		assistant.Context
		Rendered string `json:"rendered"`
	}{c, c.Render()})
}

type chatRequest struct {
	Message string           `json:"message"`
	History []assistant.Turn `json:"history,omitempty"`
}

// handleAssistantChat streams the reply as plain text. The context is always built
// here from the current snapshot, never taken from the client.
func (s *Server) handleAssistantChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	snap, err := s.snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	stream, err := s.assistant.Stream(r.Context(), assistant.Request{
		Message: req.Message,
		History: req.History,
		Context: assistant.FromSnapshot(snap),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for chunk := range stream {
		if _, err := w.Write([]byte(chunk)); err != nil {
			s.log.Debug("assistant client went away", zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
