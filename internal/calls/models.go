package calls

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrStaffUnitRequired = errors.New("staff unit id is required")
	ErrCallInProgress    = errors.New("a call session is already active")
	ErrNoActiveSession   = errors.New("no active call session")
	ErrEndRejected       = errors.New("backend refused to end the call")
	ErrCallFailed        = errors.New("call failed")
	ErrUnknownStatus     = errors.New("unknown call status")
	ErrStaleUpdate       = errors.New("status update is older than the current state")
	ErrStateSocketLost   = errors.New("call state socket lost")
)

// SessionStatus is the backend-side lifecycle of a call session
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionAccepted   SessionStatus = "accepted"
	SessionInProgress SessionStatus = "in-progress"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Valid reports whether s is one of the known session statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionAccepted, SessionInProgress, SessionCompleted, SessionCancelled:
		return true
	}
	return false
}

// CallStatus is the UI-facing projection of a call
type CallStatus string

const (
	StatusIdle            CallStatus = "idle"
	StatusRinging         CallStatus = "ringing"
	StatusConnecting      CallStatus = "connecting"
	StatusAIActive        CallStatus = "ai_active"
	StatusStaffUnitActive CallStatus = "staffunit_active"
	StatusConnected       CallStatus = "connected"
	StatusEnded           CallStatus = "ended"
	StatusFailed          CallStatus = "failed"
)

// Source identifies who produced a status update
type Source string

const (
	SourcePoll   Source = "poll"
	SourceSocket Source = "socket"
	SourceLocal  Source = "local"
)

// CallSession is the single active call owned by a Controller.
// Token and ServerURL are realtime-media credentials and must never be logged.
type CallSession struct {
	ID          string         `json:"id"`
	ServiceID   string         `json:"service_id"`
	ServiceName string         `json:"service_name"`
	StaffUnitID string         `json:"staff_unit_id"`
	RoomName    string         `json:"room_name"`
	Status      SessionStatus  `json:"status"`
	Token       string         `json:"token,omitempty"`
	ServerURL   string         `json:"server_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InitiateRequest describes the call to place
type InitiateRequest struct {
	ServiceID   string         `json:"service_id"`
	ServiceName string         `json:"service_name"`
	StaffUnitID string         `json:"staff_unit_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StatusUpdate is a status observation from polling, the state socket or a local caller.
// At is the observation time on the clock of its source: the backend clock for
// socket updates, the local clock at request time for polls. Updates are only
// ordered against others read from the same clock.
type StatusUpdate struct {
	SessionID    string
	Status       string
	Source       Source
	At           time.Time
	Participants json.RawMessage
	Duration     *float64
}

// Snapshot is a consistent view of the controller state. Version increases
// with every applied change.
type Snapshot struct {
	Version         uint64          `json:"version"`
	Status          CallStatus      `json:"status"`
	Session         *CallSession    `json:"session,omitempty"`
	DurationSeconds int             `json:"duration"`
	Polling         bool            `json:"polling"`
	DurationRunning bool            `json:"duration_running"`
	StateSocket     bool            `json:"state_socket"`
	Participants    json.RawMessage `json:"participants,omitempty"`
	Error           string          `json:"error,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Redacted returns a copy without realtime-media credentials
func (s Snapshot) Redacted() Snapshot {
	if s.Session != nil {
		cp := *s.Session
		cp.Token = ""
		cp.ServerURL = ""
		s.Session = &cp
	}
	return s
}
