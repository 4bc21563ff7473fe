package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/pkg/logger"
)

type recordingHandler struct {
	mu    sync.Mutex
	types []string
	data  []map[string]any
	err   error
}

func (h *recordingHandler) HandleMessage(client *Client, messageType string, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, messageType)
	h.data = append(h.data, data)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.types)
}

func startHub(t *testing.T) (*Server, string) {
	t.Helper()
	hub := NewServer(nil, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
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

func TestConnectHookAndRedactedBroadcast(t *testing.T) {
	hub, url := startHub(t)
	hub.SetConnectHook(func(c *Client) {
		c.SendMessage(&Message{Type: "hello", Data: map[string]any{"client_id": c.ID()}})
	})

	conn := dial(t, url)
	if msg := readMessage(t, conn); msg["type"] != "hello" {
		t.Fatalf("expected hello, got %v", msg)
	}

	hub.BroadcastCallStatus(calls.Snapshot{
		Version: 3,
		Status:  calls.StatusConnected,
		Session: &calls.CallSession{ID: "cs-1", Token: "media-secret", ServerURL: "wss://media.example.com"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "media-secret") || strings.Contains(string(data), "media.example.com") {
		t.Fatalf("broadcast leaked media credentials: %s", data)
	}
	var msg struct {
		Type string         `json:"type"`
		Data calls.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeCallStatus || msg.Data.Status != calls.StatusConnected || msg.Data.Session.ID != "cs-1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSessionExpiredBroadcast(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })

	hub.SessionExpired(errors.New("401"))
	if msg := readMessage(t, conn); msg["type"] != MessageTypeSessionExpired {
		t.Fatalf("unexpected message: %v", msg)
	}
}

func TestInboundMessagesReachHandler(t *testing.T) {
	hub, url := startHub(t)
	handler := &recordingHandler{}
	hub.SetMessageHandler(handler)
	conn := dial(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_send","data":{"content":"hi"}}`)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "handler", func() bool { return handler.count() == 1 })

	handler.mu.Lock()
	if handler.types[0] != MessageTypeChatSend || handler.data[0]["content"] != "hi" {
		t.Fatalf("unexpected dispatch: %v %v", handler.types, handler.data)
	}
	handler.err = errors.New("chat offline")
	handler.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"call_retry"}`)); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg["type"] != MessageTypeError {
		t.Fatalf("expected error reply, got %v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg["type"] != MessageTypeError {
		t.Fatalf("expected error reply, got %v", msg)
	}
}

func TestClientUnregistersOnClose(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	waitFor(t, "registration", func() bool { return hub.ClientCount() == 1 })

	conn.Close()
	waitFor(t, "unregistration", func() bool { return hub.ClientCount() == 0 })
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://kiosk.example.com"})
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://kiosk.example.com")
	if !check(req) {
		t.Fatal("allowed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("unknown origin accepted")
	}
}
