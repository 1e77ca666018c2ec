// Package executor talks to the external agent that performs work sessions.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/awm/internal/config"
	"github.com/p-blackswan/awm/internal/project"
)

// Cleanup policies understood by the agent.
const (
	CleanupKeep   = "keep"
	CleanupDelete = "delete"
)

// SpawnRequest asks the agent to start a session.
type SpawnRequest struct {
	Task              string `json:"task"`
	Label             string `json:"label,omitempty"`
	Model             string `json:"model,omitempty"`
	Cleanup           string `json:"cleanup,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty"`
}

// SpawnResult identifies a started session.
type SpawnResult struct {
	SessionKey string `json:"sessionKey"`
	Status     string `json:"status"`
}

// Message is one history record of a session.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts content either as a string or as a list of text parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      string          `json:"role"`
		Content   json.RawMessage `json:"content"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Timestamp = raw.Timestamp
	m.Content = ""

	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Content, &s); err == nil {
		m.Content = s
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw.Content, &parts); err != nil {
		return fmt.Errorf("unsupported message content: %w", err)
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	m.Content = strings.Join(texts, "\n")
	return nil
}

// Executor spawns agent sessions and reads their history. An empty history
// means the session has not produced output yet.
type Executor interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	History(ctx context.Context, sessionKey string, limit int) ([]Message, error)
}

// New builds the executor selected by cfg.ExecutorMode. It returns nil for
// the "none" mode; the scheduler simulates sessions in that case.
func New(cfg *config.Config, logger zerolog.Logger) (Executor, error) {
	switch cfg.ExecutorMode {
	case config.ExecutorNone, "":
		return nil, nil
	case config.ExecutorGateway:
		return NewGatewayClient(cfg.GatewayURL, cfg.GatewayToken, cfg.ExecutorTimeout, logger), nil
	case config.ExecutorCLI:
		return NewCLI(cfg.OpenClawBin, cfg.ExecutorTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.ExecutorMode)
	}
}

func truncate(s string, max int) string {
	if out, cut := project.Truncate(s, max); cut {
		return out + "…"
	}
	return s
}
