package chat

import (
	"encoding/json"
	"time"
)

// Inbound frame types of the assistant channel
const (
	FrameConnectionEstablished = "connection_established"
	FrameUserMessage           = "user_message"
	FrameAssistantMetadata     = "assistant_metadata"
	FrameAssistantChunk        = "assistant_message_chunk"
	FrameSessionState          = "session_state"
	FrameResponseComplete      = "response_complete"
)

// Event types published to subscribers. Frame types are passed through as is.
const (
	EventAssistantMessage = "assistant_message"
	EventCard             = "card"
	EventRaw              = "raw"
	EventConnection       = "connection"
	EventUnknown          = "unknown"
)

// Role of a transcript entry
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one completed entry of the conversation
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Event is what the session reports to subscribers for every inbound frame
// and connection change
type Event struct {
	Type      string            `json:"type"`
	MessageID string            `json:"message_id,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	State     string            `json:"state,omitempty"`
	Items     []json.RawMessage `json:"items,omitempty"`
	Raw       string            `json:"raw,omitempty"`
	At        time.Time         `json:"at"`
}

// frame is the union of fields used by the inbound frame types
type frame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id"`
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Chunk     string         `json:"chunk"`
	Delta     string         `json:"delta"`
	Message   string         `json:"message"`
	State     string         `json:"state"`
	Metadata  map[string]any `json:"metadata"`
	Payload   *cardPayload   `json:"payload"`
}

type cardPayload struct {
	Items []json.RawMessage `json:"items"`
}

func (f frame) messageID() string {
	if f.MessageID != "" {
		return f.MessageID
	}
	return f.ID
}

func (f frame) text() string {
	for _, s := range []string{f.Content, f.Chunk, f.Delta, f.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

// outbound user message
type userMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}
