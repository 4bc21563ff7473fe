package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yegors/staffcall/internal/backend"
	"github.com/yegors/staffcall/internal/calls"
	"github.com/yegors/staffcall/internal/chat"
	"github.com/yegors/staffcall/internal/payload"
	"github.com/yegors/staffcall/internal/storage/sqlite"
	"github.com/yegors/staffcall/pkg/logger"
)

const maxBodyBytes = 1 << 20

// CallController is the call session surface exposed over HTTP
type CallController interface {
	InitiateCall(ctx context.Context, req calls.InitiateRequest) (*calls.CallSession, error)
	EndCall(ctx context.Context, reason string) error
	CancelCall(ctx context.Context) error
	UpdateCallStatus(next calls.SessionStatus) error
	RetryCall() error
	Snapshot() calls.Snapshot
}

// StaffDirectory lists staff units and holds the backend access token
type StaffDirectory interface {
	ListStaffUnits(ctx context.Context, branchServiceID string) ([]backend.StaffUnit, error)
	SetAccessToken(token string)
}

// HistoryStore reads recorded calls
type HistoryStore interface {
	ListHistory(ctx context.Context, limit int) ([]sqlite.CallRecord, error)
}

// ChatSession is the assistant conversation
type ChatSession interface {
	SendUserMessage(content string) (chat.Message, error)
	Transcript() []chat.Message
	Connected() bool
}

// Deps are the collaborators of a Handler. History, Chat and Hub are optional.
type Deps struct {
	Calls          CallController
	Staff          StaffDirectory
	History        HistoryStore
	Chat           ChatSession
	Hub            http.Handler
	HistoryLimit   int
	AllowedOrigins []string
}

// Handler contains the API handlers
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 50
	}
	return &Handler{
		deps:   deps,
		logger: log.Named("api-handler"),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type initiateCallRequest struct {
	ServiceID   string         `json:"service_id"`
	ServiceName string         `json:"service_name"`
	StaffUnitID string         `json:"staff_unit_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type endCallRequest struct {
	Reason string `json:"reason"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type bootstrapRequest struct {
	Payload string `json:"payload"`
}

type bootstrapResponse struct {
	BranchID        string     `json:"branch_id"`
	BranchServiceID string     `json:"branch_service_id"`
	SessionID       string     `json:"session_id,omitempty"`
	ServiceType     string     `json:"service_type,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

type chatMessageRequest struct {
	Content string `json:"content"`
}

// Health reports liveness and the current call status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"call_status": h.deps.Calls.Snapshot().Status,
	})
}

// ListStaffUnits returns the staff units of a branch service
func (h *Handler) ListStaffUnits(w http.ResponseWriter, r *http.Request) {
	branchService := strings.TrimSpace(r.URL.Query().Get("branch_service"))
	if branchService == "" {
		writeError(w, http.StatusBadRequest, "branch_service is required")
		return
	}

	units, err := h.deps.Staff.ListStaffUnits(r.Context(), branchService)
	if err != nil {
		h.logger.Error("Failed to list staff units",
			logger.String("branch_service", branchService),
			logger.Error(err))
		h.writeBackendError(w, err)
		return
	}
	if units == nil {
		units = []backend.StaffUnit{}
	}
	writeJSON(w, http.StatusOK, units)
}

// InitiateCall starts a call against a staff unit
func (h *Handler) InitiateCall(w http.ResponseWriter, r *http.Request) {
	var req initiateCallRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := h.deps.Calls.InitiateCall(r.Context(), calls.InitiateRequest{
		ServiceID:   strings.TrimSpace(req.ServiceID),
		ServiceName: strings.TrimSpace(req.ServiceName),
		StaffUnitID: strings.TrimSpace(req.StaffUnitID),
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// CurrentCall returns the controller snapshot
func (h *Handler) CurrentCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Calls.Snapshot())
}

// EndCall ends the active call with an optional reason
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.deps.Calls.EndCall(r.Context(), strings.TrimSpace(req.Reason)); err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Calls.Snapshot())
}

// CancelCall cancels the active call
func (h *Handler) CancelCall(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Calls.CancelCall(r.Context()); err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Calls.Snapshot())
}

// RetryCall puts the active call back into ringing
func (h *Handler) RetryCall(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Calls.RetryCall(); err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Calls.Snapshot())
}

// UpdateCallStatus applies a status observed by the UI
func (h *Handler) UpdateCallStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.deps.Calls.UpdateCallStatus(calls.SessionStatus(strings.TrimSpace(req.Status))); err != nil {
		h.writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Calls.Snapshot())
}

// CallHistory returns recorded calls, newest first
func (h *Handler) CallHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "call history is not enabled")
		return
	}

	limit := h.deps.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	records, err := h.deps.History.ListHistory(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read call history", logger.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read call history")
		return
	}
	if records == nil {
		records = []sqlite.CallRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Bootstrap decodes a routing payload and installs its access token
func (h *Handler) Bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := payload.Decode(req.Payload)
	switch {
	case errors.Is(err, payload.ErrExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.deps.Staff.SetAccessToken(p.AccessToken)
	h.logger.Info("Routing payload accepted",
		logger.String("branch_id", p.BranchID),
		logger.String("branch_service_id", p.BranchServiceID),
		logger.String("service_type", p.ServiceType))

	resp := bootstrapResponse{
		BranchID:        p.BranchID,
		BranchServiceID: p.BranchServiceID,
		SessionID:       p.SessionID,
		ServiceType:     p.ServiceType,
	}
	if !p.ExpiresAt.IsZero() {
		resp.ExpiresAt = &p.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// SendChatMessage forwards a guest message to the assistant
func (h *Handler) SendChatMessage(w http.ResponseWriter, r *http.Request) {
	if h.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not enabled")
		return
	}
	var req chatMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	msg, err := h.deps.Chat.SendUserMessage(req.Content)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, chat.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// ChatTranscript returns the completed chat messages
func (h *Handler) ChatTranscript(w http.ResponseWriter, r *http.Request) {
	if h.deps.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, "chat is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": h.deps.Chat.Connected(),
		"messages":  h.deps.Chat.Transcript(),
	})
}

func (h *Handler) writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calls.ErrStaffUnitRequired), errors.Is(err, calls.ErrUnknownStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calls.ErrCallInProgress), errors.Is(err, calls.ErrNoActiveSession):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, calls.ErrEndRejected):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.writeBackendError(w, err)
	}
}

// writeBackendError maps backend failures onto gateway statuses so the UI can
// tell network, timeout and rejection apart
func (h *Handler) writeBackendError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	switch {
	case backend.IsTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "backend request timed out")
	case backend.IsUnauthorized(err):
		writeError(w, http.StatusUnauthorized, "backend session expired")
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, apiErr.Message)
	case backend.IsNetworkError(err):
		writeError(w, http.StatusBadGateway, "backend unreachable")
	default:
		h.logger.Error("Unexpected error", logger.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
