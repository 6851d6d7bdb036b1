package event

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

type MessagePayload struct {
	Role MessageRole `json:"role"`
	Text string      `json:"text"`
}

type ThinkingPayload struct {
	Text string `json:"text"`
}

type ToolCallPayload struct {
	CallID string         `json:"call_id,omitempty"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input,omitempty"`
}

type ToolResultPayload struct {
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error"`
}

type SkillActivatedPayload struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
	Tokens int64  `json:"tokens,omitempty"`
}

type MCPCallPayload struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

type ContextUpdatePayload struct {
	Total     int64          `json:"total"`
	Limit     int64          `json:"limit"`
	Breakdown TokenBreakdown `json:"breakdown"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type LoopEventPayload struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration,omitempty"`
}
