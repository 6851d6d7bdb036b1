package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const VersionV1 = "v1"

type Type string

const (
	TypeMessage        Type = "message"
	TypeToolCall       Type = "tool_call"
	TypeToolResult     Type = "tool_result"
	TypeThinking       Type = "thinking"
	TypeSkillActivated Type = "skill_activated"
	TypeMCPCall        Type = "mcp_call"
	TypeContextUpdate  Type = "context_update"
	TypeError          Type = "error"
	TypeLoopEvent      Type = "loop_event"
)

// Event is one immutable fact about agent or tool activity within a
// session. It is the vocabulary every component speaks; nothing in the
// engine mutates one after creation.
type Event struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Tokens    *TokenUsage     `json:"tokens,omitempty"`
}

func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return errors.New("event has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// TokenBreakdown names the non-negative token quantities tracked per
// session. The components need not sum to the total: buffer is headroom,
// not an additive part.
type TokenBreakdown struct {
	System   int64 `json:"system"`
	Skills   int64 `json:"skills"`
	MCP      int64 `json:"mcp"`
	Messages int64 `json:"messages"`
	Buffer   int64 `json:"buffer"`
}

// TokenUsage is the token-accounting sub-record an event may carry.
// Total <= Limit is expected from producers but not enforced here.
type TokenUsage struct {
	Added     int64          `json:"added"`
	Total     int64          `json:"total"`
	Limit     int64          `json:"limit"`
	Breakdown TokenBreakdown `json:"breakdown"`
}

func ValidType(t Type) bool {
	switch t {
	case TypeMessage,
		TypeToolCall,
		TypeToolResult,
		TypeThinking,
		TypeSkillActivated,
		TypeMCPCall,
		TypeContextUpdate,
		TypeError,
		TypeLoopEvent:
		return true
	default:
		return false
	}
}

// Validate checks an event at the ingest boundary. Rejecting malformed
// events is the producing adapter's responsibility; the engine itself
// never validates what it is handed.
func Validate(e Event) error {
	if e.Version != VersionV1 {
		return fmt.Errorf("unsupported version %q", e.Version)
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if strings.TrimSpace(string(e.Type)) == "" {
		return errors.New("type is required")
	}
	if !ValidType(e.Type) {
		return fmt.Errorf("unsupported type %q", e.Type)
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if len(e.Data) > 0 && !json.Valid(e.Data) {
		return errors.New("data must be valid json")
	}
	return nil
}
