package api

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

	"github.com/yegors/staffcall/internal/backend"
	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/internal/chat"
	"github.com/yegors/staffcall/internal/payload"
	"github.com/yegors/staffcall/internal/storage/sqlite"
	"github.com/yegors/staffcall/pkg/logger"
)

type fakeCalls struct {
	mu          sync.Mutex
	snap        calls.Snapshot
	initiateErr error
	endErr      error
	retryErr    error
	statusErr   error
	lastReq     calls.InitiateRequest
	endReason   string
	statuses    []calls.SessionStatus
	retries     int
}

func (f *fakeCalls) InitiateCall(ctx context.Context, req calls.InitiateRequest) (*calls.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.initiateErr != nil {
		return nil, f.initiateErr
	}
	session := &calls.CallSession{ID: "cs-1", StaffUnitID: req.StaffUnitID, Status: calls.SessionStatus("pending")}
	f.snap = calls.Snapshot{Version: 1, Status: calls.StatusConnecting, Session: session}
	return session, nil
}

func (f *fakeCalls) EndCall(ctx context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endReason = reason
	if f.endErr != nil {
		return f.endErr
	}
	f.snap = calls.Snapshot{Version: f.snap.Version + 1, Status: calls.StatusIdle}
	return nil
}

func (f *fakeCalls) CancelCall(ctx context.Context) error {
	return f.EndCall(ctx, calls.ReasonCancelled)
}

func (f *fakeCalls) UpdateCallStatus(next calls.SessionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	f.statuses = append(f.statuses, next)
	return nil
}

func (f *fakeCalls) RetryCall() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return f.retryErr
}

func (f *fakeCalls) Snapshot() calls.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakeStaff struct {
	units []backend.StaffUnit
	err   error
	token string
	query string
}

func (f *fakeStaff) ListStaffUnits(ctx context.Context, branchServiceID string) ([]backend.StaffUnit, error) {
	f.query = branchServiceID
	return f.units, f.err
}

func (f *fakeStaff) SetAccessToken(token string) { f.token = token }

type fakeHistory struct {
	records []sqlite.CallRecord
	limit   int
}

func (f *fakeHistory) ListHistory(ctx context.Context, limit int) ([]sqlite.CallRecord, error) {
	f.limit = limit
	return f.records, nil
}

type fakeChat struct {
	connected bool
	sent      []string
}

func (f *fakeChat) SendUserMessage(content string) (chat.Message, error) {
	if strings.TrimSpace(content) == "" {
		return chat.Message{}, chat.ErrEmptyMessage
	}
	if !f.connected {
		return chat.Message{}, chat.ErrNotConnected
	}
	f.sent = append(f.sent, content)
	return chat.Message{ID: "m-1", Role: chat.RoleUser, Content: content}, nil
}

func (f *fakeChat) Transcript() []chat.Message { return nil }

func (f *fakeChat) Connected() bool { return f.connected }

type fixture struct {
	calls   *fakeCalls
	staff   *fakeStaff
	history *fakeHistory
	chat    *fakeChat
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		calls:   &fakeCalls{snap: calls.Snapshot{Status: calls.StatusIdle}},
		staff:   &fakeStaff{},
		history: &fakeHistory{},
		chat:    &fakeChat{connected: true},
	}
	h := NewHandler(Deps{
		Calls:          f.calls,
		Staff:          f.staff,
		History:        f.history,
		Chat:           f.chat,
		AllowedOrigins: []string{"https://kiosk.example.com"},
	}, logger.NewNop())
	f.server = httptest.NewServer(h.Routes())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil && len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &out)
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["call_status"] != "idle" {
		t.Fatalf("unexpected health response: %d %v", resp.StatusCode, body)
	}
}

func TestInitiateCall(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/calls", `{"service_id":"svc","staff_unit_id":" su-1 "}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", resp.StatusCode, body)
	}
	if body["id"] != "cs-1" || f.calls.lastReq.StaffUnitID != "su-1" {
		t.Fatalf("unexpected session %v / request %+v", body, f.calls.lastReq)
	}
}

func TestInitiateCallErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing staff unit", calls.ErrStaffUnitRequired, http.StatusBadRequest},
		{"already active", calls.ErrCallInProgress, http.StatusConflict},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"unauthorized", &backend.APIError{StatusCode: http.StatusUnauthorized, Message: "expired"}, http.StatusUnauthorized},
		{"backend rejection", &backend.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "staff unit busy"}, http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.calls.initiateErr = tt.err
			resp, body := f.do(t, http.MethodPost, "/api/calls", `{"staff_unit_id":"su-1"}`)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d %v", tt.want, resp.StatusCode, body)
			}
			if body["error"] == "" {
				t.Fatal("expected an error message")
			}
		})
	}
}

func TestInvalidBody(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/calls", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestEndCallWithAndWithoutBody(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/calls/end", `{"reason":"guest left"}`)
	if resp.StatusCode != http.StatusOK || body["status"] != "idle" {
		t.Fatalf("unexpected response: %d %v", resp.StatusCode, body)
	}
	if f.calls.endReason != "guest left" {
		t.Fatalf("reason not forwarded: %q", f.calls.endReason)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/calls/end", "")
	if resp.StatusCode != http.StatusOK || f.calls.endReason != "" {
		t.Fatalf("empty end failed: %d %q", resp.StatusCode, f.calls.endReason)
	}

	f.calls.endErr = calls.ErrEndRejected
	resp, _ = f.do(t, http.MethodPost, "/api/calls/end", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

func TestCancelCall(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/calls/cancel", "")
	if resp.StatusCode != http.StatusOK || f.calls.endReason != calls.ReasonCancelled {
		t.Fatalf("unexpected cancel: %d %q", resp.StatusCode, f.calls.endReason)
	}
}

func TestRetryAndStatusUpdate(t *testing.T) {
	f := newFixture(t)
	f.calls.retryErr = calls.ErrNoActiveSession
	resp, _ := f.do(t, http.MethodPost, "/api/calls/retry", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPut, "/api/calls/status", `{"status":"in-progress"}`)
	if resp.StatusCode != http.StatusOK || len(f.calls.statuses) != 1 || f.calls.statuses[0] != "in-progress" {
		t.Fatalf("status not applied: %d %v", resp.StatusCode, f.calls.statuses)
	}

	f.calls.statusErr = calls.ErrUnknownStatus
	resp, _ = f.do(t, http.MethodPut, "/api/calls/status", `{"status":"dancing"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestStaffUnits(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/staff-units", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without branch_service, got %d", resp.StatusCode)
	}

	f.staff.units = []backend.StaffUnit{{ID: "su-1", Name: "Front desk"}}
	resp, _ = f.do(t, http.MethodGet, "/api/staff-units?branch_service=bs-9", "")
	if resp.StatusCode != http.StatusOK || f.staff.query != "bs-9" {
		t.Fatalf("unexpected response: %d query=%q", resp.StatusCode, f.staff.query)
	}

	f.staff.err = &backend.APIError{StatusCode: http.StatusUnauthorized}
	resp, _ = f.do(t, http.MethodGet, "/api/staff-units?branch_service=bs-9", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCallHistoryLimit(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/calls/history", "")
	if resp.StatusCode != http.StatusOK || f.history.limit != 50 {
		t.Fatalf("unexpected default: %d limit=%d", resp.StatusCode, f.history.limit)
	}
	f.do(t, http.MethodGet, "/api/calls/history?limit=5", "")
	if f.history.limit != 5 {
		t.Fatalf("limit not forwarded: %d", f.history.limit)
	}
	resp, _ = f.do(t, http.MethodGet, "/api/calls/history?limit=abc", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBootstrap(t *testing.T) {
	f := newFixture(t)
	encoded, err := payload.Encode(payload.Payload{
		BranchID:        "b-1",
		BranchServiceID: "bs-1",
		AccessToken:     "tok-secret",
		ExpiresAt:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	req, _ := json.Marshal(map[string]string{"payload": encoded})
	resp, body := f.do(t, http.MethodPost, "/api/bootstrap", string(req))
	if resp.StatusCode != http.StatusOK || body["branch_id"] != "b-1" {
		t.Fatalf("unexpected response: %d %v", resp.StatusCode, body)
	}
	if f.staff.token != "tok-secret" {
		t.Fatalf("token not installed: %q", f.staff.token)
	}
	if _, ok := body["access_token"]; ok {
		t.Fatal("access token echoed to the client")
	}

	resp, _ = f.do(t, http.MethodPost, "/api/bootstrap", `{"payload":"%%%"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	expired, _ := payload.Encode(payload.Payload{BranchID: "b-1", AccessToken: "t", ExpiresAt: time.Now().Add(-time.Minute)})
	req, _ = json.Marshal(map[string]string{"payload": expired})
	resp, _ = f.do(t, http.MethodPost, "/api/bootstrap", string(req))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestChatMessages(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/chat/messages", `{"content":"where is the pool?"}`)
	if resp.StatusCode != http.StatusCreated || body["content"] != "where is the pool?" {
		t.Fatalf("unexpected response: %d %v", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/chat/messages", `{"content":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	f.chat.connected = false
	resp, _ = f.do(t, http.MethodPost, "/api/chat/messages", `{"content":"hello"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/chat/messages", "")
	if resp.StatusCode != http.StatusOK || body["connected"] != false {
		t.Fatalf("unexpected transcript: %d %v", resp.StatusCode, body)
	}
}

func TestOptionalFeaturesDisabled(t *testing.T) {
	h := NewHandler(Deps{Calls: &fakeCalls{}, Staff: &fakeStaff{}}, logger.NewNop())
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	for _, path := range []string{"/api/calls/history", "/api/chat/messages"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodOptions, f.server.URL+"/api/calls", nil)
	req.Header.Set("Origin", "https://kiosk.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://kiosk.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unknown origin allowed: %q", got)
	}
}
