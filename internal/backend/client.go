// Package backend is the REST client for the staff-unit call backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yegors/staffcall/pkg/logger"
)

const (
	initiatePath   = "/api/v1/staffunits/calls/initiate/"
	endPath        = "/api/v1/staffunits/calls/end/"
	statusPathFmt  = "/api/v1/staffunits/calls/status/%s/"
	staffUnitsPath = "/api/v1/staffunits/staff-units/"

	// CallStatePathFmt is the websocket path of a call's state channel
	CallStatePathFmt = "/api/v1/staffunits/calls/%s/"
)

// ExpiryNotifier is told when the backend rejects the access token
type ExpiryNotifier interface {
	SessionExpired(err error)
}

// Options configures a Client
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	AccessToken string
	Expiry      ExpiryNotifier
	HTTPClient  *http.Client
}

// Client talks to the staff-unit REST backend
type Client struct {
	baseURL    string
	httpClient *http.Client
	expiry     ExpiryNotifier
	logger     *logger.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient creates a new backend client
func NewClient(opts Options, log *logger.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		httpClient:  httpClient,
		expiry:      opts.Expiry,
		accessToken: opts.AccessToken,
		logger:      log.Named("backend-client"),
	}
}

// SetAccessToken installs the bearer token used for subsequent requests
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the installed bearer token
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// HasAccessToken reports whether a bearer token is installed
func (c *Client) HasAccessToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken != ""
}

// InitiateCall asks the backend to open a call session against a staff unit
func (c *Client) InitiateCall(ctx context.Context, req InitiateCallRequest) (*InitiateCallResponse, error) {
	if req.StaffUnitID == "" {
		return nil, fmt.Errorf("staff_unit_id is required")
	}

	var resp InitiateCallResponse
	if err := c.do(ctx, http.MethodPost, initiatePath, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to initiate call: %w", err)
	}
	if resp.CallSessionID == "" {
		return nil, fmt.Errorf("failed to initiate call: response has no call_session_id")
	}

	c.logger.Info("Call session initiated",
		logger.String("call_session_id", string(resp.CallSessionID)),
		logger.String("room_name", resp.RoomName),
		logger.String("status", resp.Status),
		logger.String("token", "[REDACTED]"))

	return &resp, nil
}

// EndCall asks the backend to terminate a call session
func (c *Client) EndCall(ctx context.Context, req EndCallRequest) (*EndCallResponse, error) {
	var resp EndCallResponse
	if err := c.do(ctx, http.MethodPost, endPath, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to end call: %w", err)
	}
	return &resp, nil
}

// GetCallStatus reads the current state of a call session
func (c *Client) GetCallStatus(ctx context.Context, callSessionID string) (*CallStatusResponse, error) {
	if callSessionID == "" {
		return nil, fmt.Errorf("call session id is required")
	}

	var resp CallStatusResponse
	path := fmt.Sprintf(statusPathFmt, url.PathEscape(callSessionID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get call status: %w", err)
	}
	return &resp, nil
}

// ListStaffUnits returns the staff units of a branch service. Both a bare JSON
// array and a paginated {"results": [...]} body are accepted.
func (c *Client) ListStaffUnits(ctx context.Context, branchServiceID string) ([]StaffUnit, error) {
	path := staffUnitsPath
	if branchServiceID != "" {
		path += "?branch_service=" + url.QueryEscape(branchServiceID)
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list staff units: %w", err)
	}

	units := make([]StaffUnit, 0)
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &units); err != nil {
			return nil, fmt.Errorf("failed to decode staff units: %w", err)
		}
		return units, nil
	}

	var page struct {
		Results []StaffUnit `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, fmt.Errorf("failed to decode staff units: %w", err)
	}
	if page.Results != nil {
		units = page.Results
	}
	return units, nil
}

// do executes a JSON request and decodes the response into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug("Backend request completed",
		logger.String("method", method),
		logger.String("path", path),
		logger.Int("status_code", resp.StatusCode),
		logger.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := newAPIError(resp.StatusCode, respBody)
		if resp.StatusCode == http.StatusUnauthorized && c.expiry != nil {
			c.logger.Warn("Backend rejected access token", logger.String("path", path))
			c.expiry.SessionExpired(apiErr)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
