package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

var ErrNotFound = errors.New("not found")

// EventQuery selects a page of a session's persisted events. Results are
// newest-first; Limit <= 0 falls back to DefaultEventPageSize.
type EventQuery struct {
	Offset int
	Limit  int
	Type   event.Type
}

const DefaultEventPageSize = 100

// Store is the durable side of the engine. Every call is assumed
// crash-consistent on its own; the engine never retries, and a failed
// append does not block delivery.
type Store interface {
	CreateSession(context.Context, Record) error
	GetSession(context.Context, string) (Record, error)
	ListSessions(context.Context) ([]Summary, error)
	SaveSession(context.Context, Record) error
	// DeleteSession removes the session row and cascades to its events.
	DeleteSession(context.Context, string) error

	AppendEvent(context.Context, event.Event) error
	// ListEvents returns a newest-first page of the session's log.
	ListEvents(context.Context, string, EventQuery) ([]event.Event, error)
	// ReplayEvents returns the full log oldest-first, the order the
	// aggregate fold consumes on recovery.
	ReplayEvents(context.Context, string) ([]event.Event, error)

	Close() error
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("session id is required")
	}
	return nil
}

func normalizeQuery(q EventQuery) EventQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultEventPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
