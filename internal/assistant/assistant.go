// Package assistant defines the read-only boundary to an external assistant service.
// The assistant sees an explicit context object built from a snapshot and never
// mutates orchestrator state.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bot-orchestrator-go/internal/models"
)

// ErrEmptyMessage is returned for requests without a user message.
var ErrEmptyMessage = errors.New("message is required")

// Context is what the assistant knows about the orchestrator.
type Context struct {
	Profile          models.RiskProfile `json:"risk_profile"`
	TotalCapital     float64            `json:"total_capital"`
	DailyDrawdownPct float64            `json:"daily_drawdown_pct"`
	MaxDrawdownPct   float64            `json:"max_drawdown_pct"`
	BreakerTripped   bool               `json:"breaker_tripped"`
	ActiveBots       []string           `json:"active_bots"`
}

// FromSnapshot extracts the assistant context from a published snapshot.
func FromSnapshot(s *models.Snapshot) Context {
	if s == nil {
		return Context{}
	}
	names := s.ActiveBotNames()
	sort.Strings(names)
	return Context{
		Profile:          s.Risk.Profile,
		TotalCapital:     s.TotalCapital,
		DailyDrawdownPct: s.Risk.DailyDrawdownPct,
		MaxDrawdownPct:   s.Risk.MaxDrawdownPct,
		BreakerTripped:   s.Risk.BreakerTripped(),
		ActiveBots:       names,
	}
}

// Render formats the context as the block handed to the assistant with each message.
func (c Context) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk profile: %s\n", c.Profile)
	fmt.Fprintf(&b, "Total capital: %.2f\n", c.TotalCapital)
	fmt.Fprintf(&b, "Daily drawdown: %.2f%% (limit %.2f%%)\n", c.DailyDrawdownPct, c.MaxDrawdownPct)
	if c.BreakerTripped {
		b.WriteString("Circuit breaker: TRIPPED, trading halted until day rollover\n")
	}
	if len(c.ActiveBots) == 0 {
		b.WriteString("Active bots: none\n")
	} else {
		fmt.Fprintf(&b, "Active bots: %s\n", strings.Join(c.ActiveBots, ", "))
	}
	return b.String()
}

// Turn is one message of a conversation.
type Turn struct {
	Role    string `json:"role"` // user or model
	Content string `json:"content"`
}

// Request is a user message with the conversation so far and the orchestrator context.
type Request struct {
	Message string  `json:"message"`
	History []Turn  `json:"history,omitempty"`
	Context Context `json:"context"`
}

// Service streams the assistant's reply. The channel is closed when the reply ends.
type Service interface {
	Stream(ctx context.Context, req Request) (<-chan string, error)
}

// Offline answers without a language model by echoing the context it would send.
// It is the service used when no external assistant is configured.
type Offline struct{}

func (Offline) Stream(ctx context.Context, req Request) (<-chan string, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	lines := strings.SplitAfter(req.Context.Render(), "\n")
	out := make(chan string)
	go func() {
		defer close(out)
		for _, chunk := range append([]string{"No assistant is connected. Current orchestrator state:\n"}, lines...) {
			if chunk == "" {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Collect drains a reply stream into one string.
func Collect(ctx context.Context, stream <-chan string) (string, error) {
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return b.String(), nil
			}
			b.WriteString(chunk)
		case <-ctx.Done():
			return b.String(), ctx.Err()
		}
	}
}
