package session

import (
	"time"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

// maxRecentTools caps the most-recent-first tool invocation list.
const maxRecentTools = 50

type ToolCallStatus string

const (
	ToolCallStatusRunning ToolCallStatus = "running"
	ToolCallStatusDone    ToolCallStatus = "done"
	ToolCallStatusError   ToolCallStatus = "error"
)

type TokenState struct {
	Used      int64                `json:"used"`
	Limit     int64                `json:"limit"`
	Breakdown event.TokenBreakdown `json:"breakdown"`
}

type SkillActivation struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
	Tokens int64  `json:"tokens,omitempty"`
}

type MCPServer struct {
	Name  string   `json:"name"`
	Tools []string `json:"tools"`
}

type ToolInvocation struct {
	CallID    string         `json:"call_id,omitempty"`
	Name      string         `json:"name"`
	Status    ToolCallStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// Aggregate is the derived rollup of one session's event stream: token
// usage, activated skills, MCP servers with the tools used on each, the
// most recent tool invocations, and every file touched by a mutating
// tool. It is a pure function of event history: folding the persisted log
// from an empty aggregate reproduces the live in-memory value exactly,
// which is how state is recovered after a restart.
type Aggregate struct {
	Tokens        TokenState        `json:"tokens"`
	Skills        []SkillActivation `json:"skills"`
	MCPServers    []MCPServer       `json:"mcp_servers"`
	RecentTools   []ToolInvocation  `json:"recent_tools"`
	ModifiedFiles []string          `json:"modified_files"`
}

func NewAggregate() *Aggregate {
	return &Aggregate{
		Skills:        []SkillActivation{},
		MCPServers:    []MCPServer{},
		RecentTools:   []ToolInvocation{},
		ModifiedFiles: []string{},
	}
}

// fileMutatingTools are the write/edit-class tools whose inputs name a
// file that ends up in the modified-files set.
var fileMutatingTools = map[string]struct{}{
	"Write":        {},
	"Edit":         {},
	"MultiEdit":    {},
	"NotebookEdit": {},
}

// filePathKeys are checked in order on a mutating tool's input.
var filePathKeys = []string{"file_path", "path", "notebook_path"}

// Apply folds one event into the aggregate. Events the aggregate does not
// track leave it structurally unchanged; they still flow through the log,
// cache and broadcast untouched.
func (a *Aggregate) Apply(e event.Event) {
	if e.Tokens != nil {
		a.Tokens = TokenState{
			Used:      e.Tokens.Total,
			Limit:     e.Tokens.Limit,
			Breakdown: e.Tokens.Breakdown,
		}
	}

	switch e.Type {
	case event.TypeSkillActivated:
		var payload event.SkillActivatedPayload
		if err := e.DecodeData(&payload); err != nil {
			return
		}
		a.Skills = append(a.Skills, SkillActivation{
			Name:   payload.Name,
			Source: payload.Source,
			Tokens: payload.Tokens,
		})

	case event.TypeMCPCall:
		var payload event.MCPCallPayload
		if err := e.DecodeData(&payload); err != nil {
			return
		}
		a.recordMCPCall(payload.Server, payload.Tool)

	case event.TypeToolCall:
		var payload event.ToolCallPayload
		if err := e.DecodeData(&payload); err != nil {
			return
		}
		a.RecentTools = append([]ToolInvocation{{
			CallID:    payload.CallID,
			Name:      payload.Name,
			Status:    ToolCallStatusRunning,
			Timestamp: e.Timestamp,
		}}, a.RecentTools...)
		if len(a.RecentTools) > maxRecentTools {
			a.RecentTools = a.RecentTools[:maxRecentTools]
		}
		if _, ok := fileMutatingTools[payload.Name]; ok {
			if path := filePathFromInput(payload.Input); path != "" {
				a.recordModifiedFile(path)
			}
		}

	case event.TypeToolResult:
		var payload event.ToolResultPayload
		if err := e.DecodeData(&payload); err != nil {
			return
		}
		status := ToolCallStatusDone
		if payload.IsError {
			status = ToolCallStatusError
		}
		a.resolveToolCall(payload.CallID, status)

	case event.TypeContextUpdate:
		var payload event.ContextUpdatePayload
		if err := e.DecodeData(&payload); err != nil {
			return
		}
		// Authoritative for usage: overrides the Tokens field applied
		// above when both are present on the same event.
		a.Tokens = TokenState{
			Used:      payload.Total,
			Limit:     payload.Limit,
			Breakdown: payload.Breakdown,
		}
	}
}

// Rebuild folds an ordered event sequence from empty state. Replaying the
// full persisted log for a session yields the same aggregate the live
// incremental fold produced.
func Rebuild(events []event.Event) *Aggregate {
	agg := NewAggregate()
	for _, e := range events {
		agg.Apply(e)
	}
	return agg
}

// Clone returns a deep copy, safe to hand out while the original keeps
// being folded.
func (a *Aggregate) Clone() *Aggregate {
	out := &Aggregate{
		Tokens:        a.Tokens,
		Skills:        append([]SkillActivation{}, a.Skills...),
		MCPServers:    make([]MCPServer, 0, len(a.MCPServers)),
		RecentTools:   append([]ToolInvocation{}, a.RecentTools...),
		ModifiedFiles: append([]string{}, a.ModifiedFiles...),
	}
	for _, server := range a.MCPServers {
		out.MCPServers = append(out.MCPServers, MCPServer{
			Name:  server.Name,
			Tools: append([]string{}, server.Tools...),
		})
	}
	return out
}

func (a *Aggregate) recordMCPCall(server, tool string) {
	for i := range a.MCPServers {
		if a.MCPServers[i].Name != server {
			continue
		}
		for _, existing := range a.MCPServers[i].Tools {
			if existing == tool {
				return
			}
		}
		a.MCPServers[i].Tools = append(a.MCPServers[i].Tools, tool)
		return
	}
	a.MCPServers = append(a.MCPServers, MCPServer{Name: server, Tools: []string{tool}})
}

// resolveToolCall marks the originating call done or errored. The call id
// is the sole matching key when the result carries one; results without
// an id settle the most recent invocation still running.
func (a *Aggregate) resolveToolCall(callID string, status ToolCallStatus) {
	for i := range a.RecentTools {
		if callID != "" {
			if a.RecentTools[i].CallID == callID {
				a.RecentTools[i].Status = status
				return
			}
			continue
		}
		if a.RecentTools[i].Status == ToolCallStatusRunning {
			a.RecentTools[i].Status = status
			return
		}
	}
}

func (a *Aggregate) recordModifiedFile(path string) {
	for _, existing := range a.ModifiedFiles {
		if existing == path {
			return
		}
	}
	a.ModifiedFiles = append(a.ModifiedFiles, path)
}

func filePathFromInput(input map[string]any) string {
	for _, key := range filePathKeys {
		if value, ok := input[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
