// Package subscribers defines process-wide event taps: consumers that
// observe every broadcast event regardless of session, after the
// per-session viewer fan-out.
package subscribers

import (
	"context"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, event.Event) error
}
