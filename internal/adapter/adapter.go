// Package adapter defines the contract between the engine and the
// external producers that drive agent CLIs. Adapters validate and
// normalize whatever the agent tool emits before handing events to the
// engine; the engine never sees raw output.
package adapter

import (
	"context"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
	"github.com/NissanOhana/dev-agent-day2day/internal/session"
)

// Sink receives one normalized event. It must not be called with
// malformed input; it never returns an error to the adapter.
type Sink func(event.Event)

// Adapter launches agent instances of one agent type.
type Adapter interface {
	AgentType() string
	Start(ctx context.Context, rec session.Record, sink Sink) (Instance, error)
}

// Instance is one live agent run bound to a session. Stop must release
// the underlying resources; afterwards the instance is dead.
type Instance interface {
	SendPrompt(ctx context.Context, text string) error
	Pause() error
	Resume() error
	Stop() error
}
