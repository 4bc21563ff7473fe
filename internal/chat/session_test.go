package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/staffcall/internal/realtime"
	"github.com/yegors/staffcall/pkg/logger"
)

func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newSession(t *testing.T, url string) (*Session, *eventLog) {
	t.Helper()
	client := realtime.NewClient(url, realtime.Options{Name: "chat-test"}, logger.NewNop())
	s := NewSession(client, logger.NewNop())
	log := &eventLog{}
	s.OnEvent(log.add)
	t.Cleanup(s.Stop)
	return s, log
}

func TestAssistantReplyIsAssembled(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		frames := []string{
			`{"type":"connection_established","session_id":"chat-1"}`,
			`{"type":"assistant_metadata","message_id":"m1","metadata":{"model":"concierge"}}`,
			`{"type":"assistant_message_chunk","message_id":"m1","content":"Breakfast is "}`,
			`{"type":"assistant_message_chunk","message_id":"m1","content":"served until 10."}`,
			`{"type":"session_state","state":"idle"}`,
			`{"type":"response_complete","message_id":"m1"}`,
			`{"type":"menu","payload":{"items":[{"id":1},{"id":2}]}}`,
			`plain text`,
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, log := newSession(t, url)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "raw frame", func() bool { return len(log.ofType(EventRaw)) == 1 })

	if s.SessionID() != "chat-1" {
		t.Fatalf("unexpected session id %q", s.SessionID())
	}
	if n := len(log.ofType(FrameAssistantChunk)); n != 2 {
		t.Fatalf("expected 2 chunk events, got %d", n)
	}

	replies := log.ofType(EventAssistantMessage)
	if len(replies) != 1 {
		t.Fatalf("expected 1 assembled reply, got %d", len(replies))
	}
	if replies[0].Content != "Breakfast is served until 10." {
		t.Fatalf("unexpected reply %q", replies[0].Content)
	}
	if replies[0].Metadata["model"] != "concierge" {
		t.Fatalf("metadata not carried: %+v", replies[0].Metadata)
	}

	states := log.ofType(FrameSessionState)
	if len(states) != 1 || states[0].State != "idle" {
		t.Fatalf("unexpected session states: %+v", states)
	}

	cards := log.ofType(EventCard)
	if len(cards) != 1 || len(cards[0].Items) != 2 {
		t.Fatalf("unexpected cards: %+v", cards)
	}
	if raw := log.ofType(EventRaw); raw[0].Raw != "plain text" {
		t.Fatalf("unexpected raw event: %+v", raw[0])
	}

	transcript := s.Transcript()
	if len(transcript) != 1 || transcript[0].Role != RoleAssistant || transcript[0].ID != "m1" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
}

func TestResponseCompleteWithoutChunks(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response_complete","message_id":"m2","content":"Done."}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, log := newSession(t, url)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reply", func() bool { return len(log.ofType(EventAssistantMessage)) == 1 })
	if got := log.ofType(EventAssistantMessage)[0].Content; got != "Done." {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestSendUserMessage(t *testing.T) {
	received := make(chan userMessage, 1)
	url := newServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m userMessage
			if json.Unmarshal(data, &m) == nil {
				received <- m
			}
		}
	})

	s, log := newSession(t, url)
	if _, err := s.SendUserMessage("hello"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before start, got %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "open", s.Connected)

	if _, err := s.SendUserMessage("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	msg, err := s.SendUserMessage("Can I get towels?")
	if err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	select {
	case m := <-received:
		if m.Type != FrameUserMessage || m.Content != "Can I get towels?" || m.MessageID != msg.ID {
			t.Fatalf("unexpected outbound frame: %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the message")
	}

	if tr := s.Transcript(); len(tr) != 1 || tr[0].Role != RoleUser {
		t.Fatalf("unexpected transcript: %+v", tr)
	}

	opened := log.ofType(EventConnection)
	if len(opened) == 0 || opened[0].State != "open" {
		t.Fatalf("expected connection open event, got %+v", opened)
	}
}
