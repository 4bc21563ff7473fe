package backend

import (
	"encoding/json"
	"strconv"
)

// InitiateCallRequest is the body of POST /calls/initiate/
type InitiateCallRequest struct {
	StaffUnitID string         `json:"staff_unit_id"`
	ServiceType string         `json:"service_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// InitiateCallResponse carries the new session and its realtime-media credentials
type InitiateCallResponse struct {
	CallSessionID FlexibleID     `json:"call_session_id"`
	RoomName      string         `json:"room_name"`
	Token         string         `json:"token"`
	ServerURL     string         `json:"server_url"`
	Status        string         `json:"status"`
	ServiceName   string         `json:"service_name,omitempty"`
	ServiceType   string         `json:"service_type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// EndCallRequest is the body of POST /calls/end/
type EndCallRequest struct {
	CallSessionID string `json:"call_session_id"`
	Reason        string `json:"reason,omitempty"`
}

// EndCallResponse reports whether the backend ended the session
type EndCallResponse struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	EndedAt      string   `json:"ended_at,omitempty"`
	CallDuration *float64 `json:"call_duration,omitempty"`
}

// CallStatusResponse is the body of GET /calls/status/{id}/
type CallStatusResponse struct {
	CallSessionID FlexibleID      `json:"call_session_id"`
	Status        string          `json:"status"`
	Participants  json.RawMessage `json:"participants,omitempty"`
	Duration      *float64        `json:"duration,omitempty"`
	StartedAt     string          `json:"started_at,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// StaffUnit is a callable department within a branch
type StaffUnit struct {
	ID          FlexibleID `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Icon        string     `json:"icon"`
	IsActive    bool       `json:"isActive"`
}

// FlexibleID accepts both numeric and string identifiers
type FlexibleID string

// UnmarshalJSON implements json.Unmarshaler
func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = FlexibleID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = FlexibleID(n.String())
	return nil
}
