// Package chat relays the guest assistant conversation over the realtime
// client and assembles streamed assistant replies.
package chat

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yegors/staffcall/internal/realtime"
	"github.com/yegors/staffcall/pkg/logger"
)

const maxTranscript = 200

var (
	ErrNotConnected = errors.New("chat session is not connected")
	ErrEmptyMessage = errors.New("message content is empty")
)

type pendingReply struct {
	content  strings.Builder
	metadata map[string]any
}

// Session is one assistant conversation
type Session struct {
	client *realtime.Client
	logger *logger.Logger

	mu         sync.Mutex
	sessionID  string
	pending    map[string]*pendingReply
	transcript []Message
	listeners  []func(Event)
}

// NewSession creates a session over a realtime client. Call Start to connect.
func NewSession(client *realtime.Client, log *logger.Logger) *Session {
	s := &Session{
		client:  client,
		logger:  log.Named("chat-session"),
		pending: make(map[string]*pendingReply),
	}
	client.OnMessage(s.handleMessage)
	client.OnOpen(func() {
		s.publish(Event{Type: EventConnection, State: "open"})
	})
	client.OnClose(func(code int, reason string) {
		s.publish(Event{Type: EventConnection, State: "closed", Content: reason})
	})
	client.OnError(func(err error) {
		if errors.Is(err, realtime.ErrReconnectExhausted) {
			s.publish(Event{Type: EventConnection, State: "failed", Content: err.Error()})
		}
	})
	return s
}

// OnEvent registers fn for every event. Events are delivered on the read goroutine.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Start connects to the assistant channel
func (s *Session) Start() error {
	return s.client.Connect("")
}

// Stop disconnects and drops partially received replies
func (s *Session) Stop() {
	s.client.Disconnect()
	s.mu.Lock()
	s.pending = make(map[string]*pendingReply)
	s.mu.Unlock()
}

// Connected reports whether the assistant channel is open
func (s *Session) Connected() bool {
	return s.client.Connected()
}

// SessionID returns the id assigned by connection_established, if any
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SendUserMessage sends content to the assistant and records it in the transcript
func (s *Session) SendUserMessage(content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if !s.client.Send(userMessage{Type: FrameUserMessage, MessageID: msg.ID, Content: content}) {
		return Message{}, ErrNotConnected
	}

	s.mu.Lock()
	s.appendLocked(msg)
	s.mu.Unlock()
	return msg, nil
}

// Transcript returns the completed messages, oldest first
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.transcript...)
}

func (s *Session) handleMessage(msg realtime.Message) {
	if msg.Type == realtime.TypeRaw {
		s.publish(Event{Type: EventRaw, Raw: msg.Raw})
		return
	}

	var f frame
	if err := msg.Decode(&f); err != nil {
		s.logger.Warn("Undecodable chat frame", logger.String("type", msg.Type), logger.Error(err))
		s.publish(Event{Type: EventRaw, Raw: string(msg.Data)})
		return
	}

	switch f.Type {
	case FrameConnectionEstablished:
		s.mu.Lock()
		s.sessionID = f.SessionID
		s.mu.Unlock()
		s.logger.Info("Chat session established", logger.String("session_id", f.SessionID))
		s.publish(Event{Type: f.Type, Content: f.text(), Metadata: map[string]any{"session_id": f.SessionID}})

	case FrameUserMessage:
		s.publish(Event{Type: f.Type, MessageID: f.messageID(), Content: f.text()})

	case FrameAssistantMetadata:
		id := f.messageID()
		s.mu.Lock()
		p := s.pendingLocked(id)
		if p.metadata == nil {
			p.metadata = make(map[string]any)
		}
		for k, v := range f.Metadata {
			p.metadata[k] = v
		}
		s.mu.Unlock()
		s.publish(Event{Type: f.Type, MessageID: id, Metadata: f.Metadata})

	case FrameAssistantChunk:
		id := f.messageID()
		chunk := f.text()
		s.mu.Lock()
		s.pendingLocked(id).content.WriteString(chunk)
		s.mu.Unlock()
		s.publish(Event{Type: f.Type, MessageID: id, Content: chunk})

	case FrameResponseComplete:
		s.complete(f)

	case FrameSessionState:
		s.publish(Event{Type: f.Type, State: f.State, Metadata: f.Metadata})

	default:
		if f.Payload != nil && len(f.Payload.Items) > 0 {
			s.publish(Event{Type: EventCard, MessageID: f.messageID(), Items: f.Payload.Items})
			return
		}
		s.logger.Debug("Unhandled chat frame", logger.String("type", f.Type))
		s.publish(Event{Type: EventUnknown, State: f.Type, Raw: string(msg.Data)})
	}
}

// complete publishes the assembled reply of a finished response. A reply
// without chunks falls back to the content of the completion frame.
func (s *Session) complete(f frame) {
	id := f.messageID()

	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	content := f.text()
	var metadata map[string]any
	if ok {
		if p.content.Len() > 0 {
			content = p.content.String()
		}
		metadata = p.metadata
	}
	for k, v := range f.Metadata {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata[k] = v
	}
	if id == "" {
		id = uuid.NewString()
	}
	msg := Message{ID: id, Role: RoleAssistant, Content: content, Metadata: metadata, CreatedAt: time.Now().UTC()}
	if content != "" {
		s.appendLocked(msg)
	}
	s.mu.Unlock()

	s.publish(Event{Type: FrameResponseComplete, MessageID: id})
	if content != "" {
		s.publish(Event{Type: EventAssistantMessage, MessageID: id, Content: content, Metadata: metadata})
	}
}

func (s *Session) pendingLocked(id string) *pendingReply {
	p, ok := s.pending[id]
	if !ok {
		p = &pendingReply{}
		s.pending[id] = p
	}
	return p
}

func (s *Session) appendLocked(msg Message) {
	s.transcript = append(s.transcript, msg)
	if n := len(s.transcript); n > maxTranscript {
		s.transcript = append([]Message(nil), s.transcript[n-maxTranscript:]...)
	}
}

func (s *Session) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
