package session

import "time"

type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusReplay  Status = "replay"
)

func ValidStatus(s Status) bool {
	switch s {
	case StatusRunning, StatusPaused, StatusStopped, StatusReplay:
		return true
	default:
		return false
	}
}

// Record is one tracked agent working context. The persistent store is the
// source of truth across restarts; while a session is attached in-process
// the engine's in-memory copy is authoritative and is only written back,
// never re-read.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	WorkingDir  string    `json:"working_dir,omitempty"`
	AgentType   string    `json:"agent_type"`
	TokensUsed  int64     `json:"tokens_used"`
	TokensLimit int64     `json:"tokens_limit"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary is a Record with its rolled-up event count, as returned by
// session listings.
type Summary struct {
	Record
	EventCount int64 `json:"event_count"`
}
