package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	dbpkg "github.com/NissanOhana/dev-agent-day2day/internal/db"
	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &eventRow{})
}

func (s *GormStore) CreateSession(ctx context.Context, rec Record) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}
	row := sessionRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, id string) (Record, error) {
	if err := validateSessionID(id); err != nil {
		return Record{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListSessions(ctx context.Context) ([]Summary, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("created_at DESC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	type countRow struct {
		SessionID string
		Count     int64
	}
	var counts []countRow
	err := s.db.WithContext(ctx).
		Model(&eventRow{}).
		Select("session_id, COUNT(*) AS count").
		Group("session_id").
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	countByID := make(map[string]int64, len(counts))
	for _, c := range counts {
		countByID[c.SessionID] = c.Count
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, Summary{Record: row.toRecord(), EventCount: countByID[row.ID]})
	}
	return out, nil
}

func (s *GormStore) SaveSession(ctx context.Context, rec Record) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}
	row := sessionRowFromRecord(rec)
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"name":         row.Name,
		"status":       row.Status,
		"working_dir":  row.WorkingDir,
		"agent_type":   row.AgentType,
		"tokens_used":  row.TokensUsed,
		"tokens_limit": row.TokensLimit,
		"updated_at":   row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("save session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, id string) error {
	if err := validateSessionID(id); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&sessionRow{})
		if res.Error != nil {
			return fmt.Errorf("delete session: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("session_id = ?", id).Delete(&eventRow{}).Error; err != nil {
			return fmt.Errorf("delete session events: %w", err)
		}
		return nil
	})
}

func (s *GormStore) AppendEvent(ctx context.Context, e event.Event) error {
	if err := validateSessionID(e.SessionID); err != nil {
		return err
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	row := eventRowFromEvent(e, payload)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, sessionID string, q EventQuery) ([]event.Event, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	q = normalizeQuery(q)

	query := s.db.WithContext(ctx).
		Model(&eventRow{}).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Offset(q.Offset).
		Limit(q.Limit)
	if q.Type != "" {
		query = query.Where("type = ?", string(q.Type))
	}

	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return decodeEventRows(rows)
}

func (s *GormStore) ReplayEvents(ctx context.Context, sessionID string) ([]event.Event, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	var rows []eventRow
	err := s.db.WithContext(ctx).
		Model(&eventRow{}).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}
	return decodeEventRows(rows)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func decodeEventRows(rows []eventRow) ([]event.Event, error) {
	out := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		var e event.Event
		if err := json.Unmarshal([]byte(row.Payload), &e); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", row.EventID, err)
		}
		out = append(out, e)
	}
	return out, nil
}
