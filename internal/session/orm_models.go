package session

import (
	"time"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

type sessionRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Name        string    `gorm:"size:191;not null"`
	Status      string    `gorm:"size:32;not null"`
	WorkingDir  string    `gorm:"size:512"`
	AgentType   string    `gorm:"size:64;not null"`
	TokensUsed  int64     `gorm:"not null"`
	TokensLimit int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() Record {
	return Record{
		ID:          r.ID,
		Name:        r.Name,
		Status:      Status(r.Status),
		WorkingDir:  r.WorkingDir,
		AgentType:   r.AgentType,
		TokensUsed:  r.TokensUsed,
		TokensLimit: r.TokensLimit,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func sessionRowFromRecord(rec Record) sessionRow {
	return sessionRow{
		ID:          rec.ID,
		Name:        rec.Name,
		Status:      string(rec.Status),
		WorkingDir:  rec.WorkingDir,
		AgentType:   rec.AgentType,
		TokensUsed:  rec.TokensUsed,
		TokensLimit: rec.TokensLimit,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// eventRow persists one event. Seq is the autoincrement insertion order,
// the only ordering the log guarantees; producer timestamps are not
// assumed monotonic.
type eventRow struct {
	Seq       int64     `gorm:"primaryKey;autoIncrement"`
	EventID   string    `gorm:"size:64;uniqueIndex;not null"`
	SessionID string    `gorm:"size:64;index:idx_events_session_type,priority:1;not null"`
	Type      string    `gorm:"size:32;index:idx_events_session_type,priority:2;not null"`
	Timestamp time.Time `gorm:"not null"`
	Payload   string    `gorm:"type:text;not null"`
}

func (eventRow) TableName() string {
	return "events"
}

func eventRowFromEvent(e event.Event, payload []byte) eventRow {
	return eventRow{
		EventID:   e.ID,
		SessionID: e.SessionID,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Payload:   string(payload),
	}
}
