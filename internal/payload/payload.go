// Package payload decodes the routing payload handed to the kiosk in its
// launch URL. The payload is base64url encoded JSON carrying branch and
// session identity plus the backend access token.
package payload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yegors/staffcall/internal/backend"
)

var (
	ErrMalformed = errors.New("malformed routing payload")
	ErrExpired   = errors.New("routing payload has expired")
)

// Payload is the decoded routing payload
type Payload struct {
	BranchID        string    `json:"branch_id"`
	BranchServiceID string    `json:"branch_service_id"`
	SessionID       string    `json:"session_id"`
	AccessToken     string    `json:"-"`
	ServiceType     string    `json:"service_type"`
	ExpiresAt       time.Time `json:"expires_at,omitzero"`
}

type wirePayload struct {
	BranchID        backend.FlexibleID `json:"branch_id"`
	BranchServiceID backend.FlexibleID `json:"branch_service_id"`
	SessionID       string             `json:"session_id"`
	AccessToken     string             `json:"access_token"`
	ServiceType     string             `json:"service_type"`
	ExpiresAt       json.RawMessage    `json:"expires_at"`
}

// Decode parses and validates s against the current time
func Decode(s string) (*Payload, error) {
	return DecodeAt(s, time.Now())
}

// DecodeAt parses s and rejects it when it expired before now
func DecodeAt(s string, now time.Time) (*Payload, error) {
	raw, err := decodeBase64(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	p := &Payload{
		BranchID:        string(w.BranchID),
		BranchServiceID: string(w.BranchServiceID),
		SessionID:       w.SessionID,
		AccessToken:     w.AccessToken,
		ServiceType:     w.ServiceType,
	}
	if p.BranchID == "" || p.AccessToken == "" {
		return nil, fmt.Errorf("%w: branch_id and access_token are required", ErrMalformed)
	}

	if len(w.ExpiresAt) > 0 && string(w.ExpiresAt) != "null" {
		exp, err := parseExpiry(w.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at: %v", ErrMalformed, err)
		}
		p.ExpiresAt = exp
		if !now.Before(exp) {
			return nil, fmt.Errorf("%w at %s", ErrExpired, exp.Format(time.RFC3339))
		}
	}
	return p, nil
}

// Encode is the inverse of Decode, used by tooling and tests
func Encode(p Payload) (string, error) {
	w := map[string]any{
		"branch_id":         p.BranchID,
		"branch_service_id": p.BranchServiceID,
		"session_id":        p.SessionID,
		"access_token":      p.AccessToken,
		"service_type":      p.ServiceType,
	}
	if !p.ExpiresAt.IsZero() {
		w["expires_at"] = p.ExpiresAt.Unix()
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty payload")
	}
	trimmed := strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(trimmed); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(trimmed)
}

// parseExpiry accepts unix seconds or milliseconds, or an RFC 3339 string
func parseExpiry(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), nil
		}
		raw = json.RawMessage(s)
	}

	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unsupported value %s", raw)
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}
