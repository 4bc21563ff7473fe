package payload

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

func encodeRaw(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestDecode(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		wantErr error
		check   func(t *testing.T, p *Payload)
	}{
		{
			name:  "numeric ids and unix expiry",
			input: encodeRaw(`{"branch_id":12,"branch_service_id":34,"session_id":"s-1","access_token":"tok","service_type":"lodging","expires_at":1772452800}`),
			check: func(t *testing.T, p *Payload) {
				if p.BranchID != "12" || p.BranchServiceID != "34" {
					t.Fatalf("unexpected ids: %+v", p)
				}
				if p.AccessToken != "tok" || p.ServiceType != "lodging" {
					t.Fatalf("unexpected fields: %+v", p)
				}
				if !p.ExpiresAt.Equal(time.Unix(1772452800, 0)) {
					t.Fatalf("unexpected expiry %v", p.ExpiresAt)
				}
			},
		},
		{
			name:  "string ids with padding and RFC 3339 expiry",
			input: base64.URLEncoding.EncodeToString([]byte(`{"branch_id":"br-7","access_token":"tok","expires_at":"2026-03-02T00:00:00Z"}`)),
			check: func(t *testing.T, p *Payload) {
				if p.BranchID != "br-7" {
					t.Fatalf("unexpected branch: %s", p.BranchID)
				}
			},
		},
		{
			name:  "millisecond expiry",
			input: encodeRaw(`{"branch_id":"1","access_token":"tok","expires_at":1772452800000}`),
			check: func(t *testing.T, p *Payload) {
				if !p.ExpiresAt.Equal(time.UnixMilli(1772452800000)) {
					t.Fatalf("unexpected expiry %v", p.ExpiresAt)
				}
			},
		},
		{
			name:  "no expiry",
			input: encodeRaw(`{"branch_id":"1","access_token":"tok"}`),
			check: func(t *testing.T, p *Payload) {
				if !p.ExpiresAt.IsZero() {
					t.Fatal("expected zero expiry")
				}
			},
		},
		{name: "expired", input: encodeRaw(`{"branch_id":"1","access_token":"tok","expires_at":1772366400}`), wantErr: ErrExpired},
		{name: "empty", input: "", wantErr: ErrMalformed},
		{name: "not base64", input: "%%%", wantErr: ErrMalformed},
		{name: "not json", input: encodeRaw("hello"), wantErr: ErrMalformed},
		{name: "missing token", input: encodeRaw(`{"branch_id":"1"}`), wantErr: ErrMalformed},
		{name: "bad expiry", input: encodeRaw(`{"branch_id":"1","access_token":"tok","expires_at":"soon"}`), wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodeAt(tt.input, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second).UTC()
	in := Payload{BranchID: "3", BranchServiceID: "9", SessionID: "s", AccessToken: "tok", ServiceType: "restaurant", ExpiresAt: exp}
	s, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(s)
	if err != nil {
		t.Fatal(err)
	}
	if !out.ExpiresAt.Equal(in.ExpiresAt) {
		t.Fatalf("expiry: expected %v, got %v", in.ExpiresAt, out.ExpiresAt)
	}
	out.ExpiresAt = in.ExpiresAt
	if *out != in {
		t.Fatalf("expected %+v, got %+v", in, *out)
	}
}
