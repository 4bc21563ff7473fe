// Package callsocket subscribes to the per-call state channel of the backend
// and feeds its updates into the call controller.
package callsocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/yegors/staffcall/internal/backend"
	"github.com/yegors/staffcall/internal/backoff"
	"github.com/yegors/staffcall/internal/realtime"
	"github.com/yegors/staffcall/pkg/logger"
)

// MessageTypeStateUpdate is the only inbound frame type the socket acts on
const MessageTypeStateUpdate = "call_state_update"

// CallState is the state reported on the call channel
type CallState string

const (
	StateCalling   CallState = "calling"
	StateRinging   CallState = "ringing"
	StateConnected CallState = "connected"
	StateEnded     CallState = "ended"
	StateFailed    CallState = "failed"
)

var stateRank = map[CallState]int{
	StateCalling:   0,
	StateRinging:   1,
	StateConnected: 2,
	StateEnded:     3,
	StateFailed:    3,
}

// Terminal reports whether no further transitions are accepted from s
func (s CallState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// canTransition allows forward moves along calling, ringing, connected, ended
// and failed from any non-terminal state. Repeats are accepted so updated
// data still reaches subscribers.
func canTransition(from, to CallState) bool {
	if from == to {
		return !from.Terminal()
	}
	if from.Terminal() {
		return false
	}
	return stateRank[to] > stateRank[from]
}

// StateUpdate is an inbound call_state_update frame
type StateUpdate struct {
	Type          string             `json:"type"`
	CallState     CallState          `json:"call_state"`
	CallSessionID backend.FlexibleID `json:"call_session_id"`
	Timestamp     string             `json:"timestamp"`
	Data          *StateData         `json:"data,omitempty"`
}

// StateData carries optional details of a state update
type StateData struct {
	Participants json.RawMessage `json:"participants,omitempty"`
	Duration     *float64        `json:"duration,omitempty"`
}

// Time parses the frame timestamp, falling back to now
func (u StateUpdate) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, u.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// Options configures a Socket
type Options struct {
	Policy           backoff.Policy
	HandshakeTimeout time.Duration
	AccessToken      string
	Schedule         realtime.Schedule
	// TokenSource, when set, supplies the bearer token at connect time and
	// takes precedence over AccessToken
	TokenSource func() string
}

// Socket tracks the state of one call session over its state channel.
// A clean close (code 1000) ends it; any other close reconnects with the
// call-socket backoff policy.
type Socket struct {
	sessionID string
	client    *realtime.Client
	logger    *logger.Logger

	mu       sync.Mutex
	state    CallState
	closed   bool
	handlers []func(CallState, StateUpdate)
}

// URL returns the state channel address of a call session
func URL(wsBase, sessionID string) string {
	return strings.TrimRight(wsBase, "/") + fmt.Sprintf(backend.CallStatePathFmt, sessionID)
}

// New creates a socket for a call session. It does not connect.
func New(wsBase, sessionID string, opts Options, log *logger.Logger) *Socket {
	policy := opts.Policy
	if policy.MaxAttempts == 0 && policy.Base == 0 {
		policy = backoff.CallSocketPolicy
	}
	rtOpts := realtime.Options{
		Policy:           policy,
		HandshakeTimeout: opts.HandshakeTimeout,
		CleanCloseEnds:   true,
		Schedule:         opts.Schedule,
		Name:             "call-socket",
	}
	if opts.TokenSource != nil {
		opts.AccessToken = opts.TokenSource()
	}
	if opts.AccessToken != "" {
		rtOpts.Header = http.Header{"Authorization": {"Bearer " + opts.AccessToken}}
	}

	s := &Socket{
		sessionID: sessionID,
		client:    realtime.NewClient(URL(wsBase, sessionID), rtOpts, log),
		logger:    log.Named("call-socket").With(logger.String("call_session_id", sessionID)),
		state:     StateCalling,
	}
	s.client.OnMessage(s.handleMessage)
	return s
}

// OnStateUpdate registers fn for every accepted state change
func (s *Socket) OnStateUpdate(fn func(state CallState, update StateUpdate)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// OnOpen registers fn for every established connection
func (s *Socket) OnOpen(fn func()) func() { return s.client.OnOpen(fn) }

// OnClose registers fn for every closed connection
func (s *Socket) OnClose(fn func(code int, reason string)) func() { return s.client.OnClose(fn) }

// OnError registers fn for transport errors. Errors do not reconnect by
// themselves; the close that follows does.
func (s *Socket) OnError(fn func(error)) func() { return s.client.OnError(fn) }

// Connect opens the channel in the background
func (s *Socket) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("call socket for %s is closed", s.sessionID)
	}
	return s.client.Connect("")
}

// Disconnect closes the channel for good. Safe to call more than once and
// from inside a state handler.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.client.Disconnect()
}

// State returns the last accepted call state
func (s *Socket) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) handleMessage(msg realtime.Message) {
	if msg.Type != MessageTypeStateUpdate {
		s.logger.Debug("Ignoring call socket frame", logger.String("type", msg.Type))
		return
	}

	var update StateUpdate
	if err := msg.Decode(&update); err != nil {
		s.logger.Warn("Malformed call state update", logger.Error(err))
		return
	}
	if update.CallSessionID != "" && string(update.CallSessionID) != s.sessionID {
		return
	}
	if _, known := stateRank[update.CallState]; !known {
		s.logger.Warn("Unknown call state", logger.String("call_state", string(update.CallState)))
		return
	}

	s.mu.Lock()
	if s.closed || !canTransition(s.state, update.CallState) {
		from := s.state
		s.mu.Unlock()
		s.logger.Debug("Ignoring call state transition",
			logger.String("from", string(from)),
			logger.String("to", string(update.CallState)))
		return
	}
	s.state = update.CallState
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(update.CallState, update)
	}
}
