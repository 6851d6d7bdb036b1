package session

import (
	"encoding/json"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

func foldEvent(t *testing.T, typ event.Type, payload any) event.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return event.Event{
		Version:   event.VersionV1,
		ID:        "evt_" + string(typ),
		SessionID: "sess_1",
		Type:      typ,
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Data:      data,
	}
}

func TestApplyTokensField(t *testing.T) {
	agg := NewAggregate()
	e := foldEvent(t, event.TypeMessage, event.MessagePayload{Role: event.MessageRoleAssistant, Text: "hi"})
	e.Tokens = &event.TokenUsage{
		Added: 10,
		Total: 1200,
		Limit: 200000,
		Breakdown: event.TokenBreakdown{
			System:   400,
			Messages: 800,
		},
	}
	agg.Apply(e)

	if agg.Tokens.Used != 1200 || agg.Tokens.Limit != 200000 {
		t.Fatalf("unexpected token state: %+v", agg.Tokens)
	}
	if agg.Tokens.Breakdown.Messages != 800 {
		t.Fatalf("expected breakdown messages 800, got %d", agg.Tokens.Breakdown.Messages)
	}
}

func TestApplySkillActivatedAllowsDuplicates(t *testing.T) {
	agg := NewAggregate()
	skill := foldEvent(t, event.TypeSkillActivated, event.SkillActivatedPayload{Name: "code-review", Source: "project", Tokens: 300})
	agg.Apply(skill)
	agg.Apply(skill)

	if len(agg.Skills) != 2 {
		t.Fatalf("expected 2 skill activations, got %d", len(agg.Skills))
	}
	if agg.Skills[0].Name != "code-review" || agg.Skills[0].Tokens != 300 {
		t.Fatalf("unexpected skill entry: %+v", agg.Skills[0])
	}
}

func TestApplyMCPCallAccumulatesTools(t *testing.T) {
	agg := NewAggregate()
	agg.Apply(foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "github", Tool: "search_issues"}))
	agg.Apply(foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "github", Tool: "get_pr"}))
	agg.Apply(foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "github", Tool: "search_issues"}))
	agg.Apply(foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "postgres", Tool: "query"}))

	if len(agg.MCPServers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(agg.MCPServers))
	}
	if !reflect.DeepEqual(agg.MCPServers[0].Tools, []string{"search_issues", "get_pr"}) {
		t.Fatalf("unexpected github tools: %v", agg.MCPServers[0].Tools)
	}
	if agg.MCPServers[1].Name != "postgres" {
		t.Fatalf("unexpected second server: %+v", agg.MCPServers[1])
	}
}

func TestApplyToolCallThenResultByCallID(t *testing.T) {
	agg := NewAggregate()
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{
		CallID: "call_1",
		Name:   "Write",
		Input:  map[string]any{"file_path": "a.ts", "content": "export {}"},
	}))
	agg.Apply(foldEvent(t, event.TypeToolResult, event.ToolResultPayload{CallID: "call_1", IsError: false}))

	if len(agg.ModifiedFiles) != 1 || agg.ModifiedFiles[0] != "a.ts" {
		t.Fatalf("expected modified files [a.ts], got %v", agg.ModifiedFiles)
	}
	if agg.RecentTools[0].Status != ToolCallStatusDone {
		t.Fatalf("expected done status, got %s", agg.RecentTools[0].Status)
	}
}

func TestApplyToolResultWithoutIDSettlesMostRecentRunning(t *testing.T) {
	agg := NewAggregate()
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{Name: "Bash", Input: map[string]any{"command": "ls"}}))
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{Name: "Bash", Input: map[string]any{"command": "pwd"}}))
	agg.Apply(foldEvent(t, event.TypeToolResult, event.ToolResultPayload{IsError: true}))

	// RecentTools is most-recent-first, so index 0 is the second call.
	if agg.RecentTools[0].Status != ToolCallStatusError {
		t.Fatalf("expected most recent call errored, got %s", agg.RecentTools[0].Status)
	}
	if agg.RecentTools[1].Status != ToolCallStatusRunning {
		t.Fatalf("expected older call still running, got %s", agg.RecentTools[1].Status)
	}
}

func TestApplyToolResultByIDSkipsNewerCalls(t *testing.T) {
	agg := NewAggregate()
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{CallID: "call_1", Name: "Bash"}))
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{CallID: "call_2", Name: "Bash"}))
	agg.Apply(foldEvent(t, event.TypeToolResult, event.ToolResultPayload{CallID: "call_1", IsError: false}))

	if agg.RecentTools[1].Status != ToolCallStatusDone {
		t.Fatalf("expected call_1 done, got %s", agg.RecentTools[1].Status)
	}
	if agg.RecentTools[0].Status != ToolCallStatusRunning {
		t.Fatalf("expected call_2 still running, got %s", agg.RecentTools[0].Status)
	}
}

func TestApplyRecentToolsCapped(t *testing.T) {
	agg := NewAggregate()
	for i := 0; i < maxRecentTools+10; i++ {
		agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{
			CallID: fmt.Sprintf("call_%d", i),
			Name:   "Read",
		}))
	}
	if len(agg.RecentTools) != maxRecentTools {
		t.Fatalf("expected %d recent tools, got %d", maxRecentTools, len(agg.RecentTools))
	}
	if agg.RecentTools[0].CallID != fmt.Sprintf("call_%d", maxRecentTools+9) {
		t.Fatalf("expected newest call first, got %s", agg.RecentTools[0].CallID)
	}
}

func TestApplyModifiedFilesDeduplicated(t *testing.T) {
	agg := NewAggregate()
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{Name: "Write", Input: map[string]any{"file_path": "a.ts"}}))
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{Name: "Edit", Input: map[string]any{"file_path": "b.ts"}}))
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{Name: "Edit", Input: map[string]any{"file_path": "a.ts"}}))
	agg.Apply(foldEvent(t, event.TypeToolCall, event.ToolCallPayload{Name: "Read", Input: map[string]any{"file_path": "c.ts"}}))

	if !reflect.DeepEqual(agg.ModifiedFiles, []string{"a.ts", "b.ts"}) {
		t.Fatalf("unexpected modified files: %v", agg.ModifiedFiles)
	}
}

func TestApplyContextUpdateAuthoritative(t *testing.T) {
	agg := NewAggregate()
	e := foldEvent(t, event.TypeContextUpdate, event.ContextUpdatePayload{
		Total: 5000,
		Limit: 200000,
		Breakdown: event.TokenBreakdown{
			System: 1000,
			Skills: 500,
			Buffer: 20000,
		},
	})
	// Stale tokens field on the same event must lose to the explicit
	// context_update payload.
	e.Tokens = &event.TokenUsage{Total: 1, Limit: 2}
	agg.Apply(e)

	if agg.Tokens.Used != 5000 || agg.Tokens.Limit != 200000 {
		t.Fatalf("expected context_update to win, got %+v", agg.Tokens)
	}
	if agg.Tokens.Breakdown.Buffer != 20000 {
		t.Fatalf("expected buffer 20000, got %d", agg.Tokens.Breakdown.Buffer)
	}
}

func TestApplyUntrackedTypesLeaveAggregateUnchanged(t *testing.T) {
	agg := NewAggregate()
	before := agg.Clone()

	agg.Apply(foldEvent(t, event.TypeThinking, event.ThinkingPayload{Text: "hmm"}))
	agg.Apply(foldEvent(t, event.TypeError, event.ErrorPayload{Message: "boom"}))
	agg.Apply(foldEvent(t, event.TypeLoopEvent, event.LoopEventPayload{Phase: "start"}))

	if !reflect.DeepEqual(before, agg.Clone()) {
		t.Fatalf("expected aggregate unchanged, got %+v", agg)
	}
}

func TestRebuildMatchesIncrementalFold(t *testing.T) {
	events := []event.Event{
		foldEvent(t, event.TypeSkillActivated, event.SkillActivatedPayload{Name: "tdd", Source: "user"}),
		foldEvent(t, event.TypeToolCall, event.ToolCallPayload{CallID: "c1", Name: "Write", Input: map[string]any{"file_path": "main.go"}}),
		foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "github", Tool: "get_pr"}),
		foldEvent(t, event.TypeToolResult, event.ToolResultPayload{CallID: "c1"}),
		foldEvent(t, event.TypeContextUpdate, event.ContextUpdatePayload{Total: 900, Limit: 1000}),
	}

	live := NewAggregate()
	for _, e := range events {
		live.Apply(e)
	}
	replayed := Rebuild(events)

	if !reflect.DeepEqual(live, replayed) {
		t.Fatalf("replayed aggregate diverged:\nlive=%+v\nreplayed=%+v", live, replayed)
	}
}

func TestCloneIsDeep(t *testing.T) {
	agg := NewAggregate()
	agg.Apply(foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "github", Tool: "get_pr"}))
	clone := agg.Clone()

	agg.Apply(foldEvent(t, event.TypeMCPCall, event.MCPCallPayload{Server: "github", Tool: "search"}))
	if len(clone.MCPServers[0].Tools) != 1 {
		t.Fatalf("clone mutated by later fold: %v", clone.MCPServers[0].Tools)
	}
}
