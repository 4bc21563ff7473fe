package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/pkg/logger"
)

// CallRecord is one call session in the history. Media credentials are never stored.
type CallRecord struct {
	ID              string         `json:"id"`
	ServiceID       string         `json:"service_id"`
	ServiceName     string         `json:"service_name"`
	StaffUnitID     string         `json:"staff_unit_id"`
	RoomName        string         `json:"room_name"`
	Status          string         `json:"status"`
	EndReason       string         `json:"end_reason,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
	Events          []CallEvent    `json:"events,omitempty"`
}

// CallEvent is one applied status change of a call session
type CallEvent struct {
	ID        string    `json:"id"`
	SessionID string    `json:"call_session_id"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CallStorage persists call history
type CallStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewCallStorage creates the call history tables on db
func NewCallStorage(db *sql.DB, log *logger.Logger) (*CallStorage, error) {
	s := &CallStorage{
		db:     db,
		logger: log.Named("sqlite-calls"),
	}
	if err := s.initDB(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CallStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS call_sessions (
			id TEXT PRIMARY KEY,
			service_id TEXT,
			service_name TEXT,
			staff_unit_id TEXT NOT NULL,
			room_name TEXT,
			status TEXT NOT NULL,
			end_reason TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create call_sessions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS call_events (
			id TEXT PRIMARY KEY,
			call_session_id TEXT NOT NULL REFERENCES call_sessions(id) ON DELETE CASCADE,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create call_events table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_call_sessions_started_at ON call_sessions(started_at)`)
	if err != nil {
		return fmt.Errorf("failed to create started_at index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_call_events_session ON call_events(call_session_id, at)`)
	if err != nil {
		return fmt.Errorf("failed to create call_events index: %w", err)
	}

	return nil
}

// RecordStart stores a new call session
func (s *CallStorage) RecordStart(ctx context.Context, session calls.CallSession) error {
	var metadata []byte
	if len(session.Metadata) > 0 {
		b, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode call metadata: %w", err)
		}
		metadata = b
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions
		(id, service_id, service_name, staff_unit_id, room_name, status, metadata, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		session.ID,
		session.ServiceID,
		session.ServiceName,
		session.StaffUnitID,
		session.RoomName,
		string(session.Status),
		nullString(string(metadata)),
		formatTime(session.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert call session: %w", err)
	}
	return nil
}

// RecordEvent stores an applied status change
func (s *CallStorage) RecordEvent(ctx context.Context, sessionID string, source calls.Source, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_events (id, call_session_id, source, status, at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, string(source), status, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("failed to insert call event: %w", err)
	}
	return nil
}

// RecordEnd marks a call session as finished
func (s *CallStorage) RecordEnd(ctx context.Context, sessionID string, status calls.SessionStatus, reason string, durationSeconds int, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_sessions SET status = ?, end_reason = ?, duration_seconds = ?, ended_at = ? WHERE id = ?`,
		string(status), nullString(reason), durationSeconds, formatTime(at), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update call session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Warn("Call end recorded for unknown session", logger.String("call_session_id", sessionID))
	}
	return nil
}

// ListHistory returns the most recent call sessions with their events, newest first
func (s *CallStorage) ListHistory(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_id, service_name, staff_unit_id, room_name, status, end_reason,
			duration_seconds, metadata, started_at, ended_at
		FROM call_sessions
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query call history: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var (
			r                                    CallRecord
			serviceID, serviceName, room, reason sql.NullString
			metadata, startedAt, endedAt         sql.NullString
		)
		if err := rows.Scan(&r.ID, &serviceID, &serviceName, &r.StaffUnitID, &room, &r.Status,
			&reason, &r.DurationSeconds, &metadata, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan call session: %w", err)
		}
		r.ServiceID = serviceID.String
		r.ServiceName = serviceName.String
		r.RoomName = room.String
		r.EndReason = reason.String
		r.StartedAt = parseTime(startedAt.String)
		if endedAt.Valid {
			t := parseTime(endedAt.String)
			r.EndedAt = &t
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
				s.logger.Warn("Invalid stored call metadata",
					logger.String("call_session_id", r.ID),
					logger.Error(err))
			}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read call history: %w", err)
	}

	for i := range records {
		events, err := s.Events(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Events = events
	}
	return records, nil
}

// Events returns the status changes of one call session in order
func (s *CallStorage) Events(ctx context.Context, sessionID string) ([]CallEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_session_id, source, status, at FROM call_events
		WHERE call_session_id = ? ORDER BY at, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query call events: %w", err)
	}
	defer rows.Close()

	var events []CallEvent
	for rows.Next() {
		var e CallEvent
		var at string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Source, &e.Status, &at); err != nil {
			return nil, fmt.Errorf("failed to scan call event: %w", err)
		}
		e.At = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
