package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/takarun/takaledger/internal/crypto"
	"github.com/takarun/takaledger/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoIdentity writes the context identity back as JSON.
var echoIdentity = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(IdentityFrom(r.Context()))
})

func TestIdentity_VerifiedHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := &crypto.IdentityAuth{Secret: "s3cret", MaxSkew: 5 * time.Minute}
	h := Identity(auth, func() time.Time { return now })(echoIdentity)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
	for k, v := range auth.HeadersAt("user-1", true, now.Unix()) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var got domain.Identity
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.UID != "user-1" || !got.Admin {
		t.Errorf("identity = %+v", got)
	}
}

func TestIdentity_Anonymous(t *testing.T) {
	auth := &crypto.IdentityAuth{Secret: "s3cret"}
	rec := httptest.NewRecorder()
	Identity(auth, nil)(echoIdentity).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got domain.Identity
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if got.UID != "" {
		t.Errorf("anonymous request got identity %+v", got)
	}
}

func TestIdentity_Rejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := &crypto.IdentityAuth{Secret: "s3cret", MaxSkew: 5 * time.Minute}
	tests := []struct {
		name   string
		mutate func(h map[string]string)
	}{
		{"forged admin flag", func(h map[string]string) { h[crypto.HeaderAdmin] = "true" }},
		{"other uid", func(h map[string]string) { h[crypto.HeaderUID] = "user-2" }},
		{"missing signature", func(h map[string]string) { delete(h, crypto.HeaderSignature) }},
		{"stale", func(h map[string]string) {
			for k, v := range auth.HeadersAt("user-1", false, now.Add(-time.Hour).Unix()) {
				h[k] = v
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := auth.HeadersAt("user-1", false, now.Unix())
			tt.mutate(headers)
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			Identity(auth, func() time.Time { return now })(echoIdentity).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			var body map[string]string
			_ = json.NewDecoder(rec.Body).Decode(&body)
			if body["code"] != string(domain.CodeUnauthenticated) {
				t.Errorf("body = %v", body)
			}
		})
	}
}

type countingLimiter struct {
	keys  []string
	allow int
	err   error
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	c.keys = append(c.keys, key)
	if c.err != nil {
		return false, c.err
	}
	c.allow--
	return c.allow >= 0, nil
}

func TestRateLimit_KeysByUIDThenIP(t *testing.T) {
	lim := &countingLimiter{allow: 1}
	h := RateLimit(lim, 1, time.Minute, discardLogger())(echoIdentity)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/placeBet", nil)
	req = req.WithContext(WithIdentity(req.Context(), domain.Identity{UID: "u1"}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	anon := httptest.NewRequest(http.MethodPost, "/api/v1/placeBet", nil)
	anon.RemoteAddr = "10.0.0.7:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, anon)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if lim.keys[0] != "api:uid:u1" || lim.keys[1] != "api:ip:10.0.0.7" {
		t.Errorf("keys = %v", lim.keys)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestClientAddr(t *testing.T) {
	cases := []struct {
		name   string
		xff    string
		realIP string
		remote string
		want   string
	}{
		{"forwarded first hop", "203.0.113.9, 10.0.0.1", "", "10.0.0.1:80", "203.0.113.9"},
		{"garbage forwarded", "unknown", "198.51.100.4", "10.0.0.1:80", "198.51.100.4"},
		{"remote only", "", "", "192.0.2.1:4000", "192.0.2.1"},
		{"remote without port", "", "", "pipe", "pipe"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := clientAddr(r); got != tc.want {
				t.Errorf("clientAddr = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRateLimit_FailsOpen(t *testing.T) {
	lim := &countingLimiter{err: errors.New("redis down")}
	rec := httptest.NewRecorder()
	RateLimit(lim, 1, time.Minute, discardLogger())(echoIdentity).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want pass-through", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/placeBet", nil)
	req.Header.Set("Origin", "https://app.taka.run")
	rec := httptest.NewRecorder()
	CORS([]string{"https://app.taka.run"})(echoIdentity).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.taka.run" {
		t.Errorf("allow origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestLogging_RecordsCallerAndStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := &crypto.IdentityAuth{Secret: "s3cret", MaxSkew: 5 * time.Minute}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	teapot := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("{}"))
	})
	h := Logging(logger)(Identity(auth, func() time.Time { return now })(teapot))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/placeBet", nil)
	for k, v := range auth.HeadersAt("runner-9", false, now.Unix()) {
		req.Header.Set(k, v)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	for _, want := range []string{"level=WARN", "status=409", "uid=runner-9", "bytes=2"} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}
