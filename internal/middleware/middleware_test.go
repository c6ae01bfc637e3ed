package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeValidator struct{}

func (fakeValidator) ValidateToken(token string) (int64, string, error) {
	if token != "good" {
		return 0, "", errors.New("bad token")
	}
	return 7, "alice", nil
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	id, name, ok := UserFromContext(r.Context())
	if !ok || id != 7 || name != "alice" {
		http.Error(w, "no user", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestAuthMiddleware(t *testing.T) {
	h := NewAuthMiddleware(fakeValidator{}).Handle(http.HandlerFunc(echoUser))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer header", "Bearer good", "", http.StatusNoContent},
		{"lowercase scheme", "bearer good", "", http.StatusNoContent},
		{"query fallback", "", "?token=good", http.StatusNoContent},
		{"missing token", "", "", http.StatusUnauthorized},
		{"invalid token", "Bearer nope", "", http.StatusUnauthorized},
		{"malformed header", "good", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLimiterStore_Allow(t *testing.T) {
	s := NewLimiterStore(60, 2, time.Hour)
	defer s.Stop()

	if !s.Allow("a") || !s.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if s.Allow("a") {
		t.Fatal("third immediate call should be limited")
	}
	if !s.Allow("b") {
		t.Fatal("keys must be limited independently")
	}
	if !s.AllowUser(1) {
		t.Fatal("fresh user should be allowed")
	}
	s.Stop()
}

func TestLimiterStore_SweepDropsIdleBuckets(t *testing.T) {
	s := NewLimiterStore(60, 1, time.Minute)
	defer s.Stop()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if !s.Allow("a") || s.Allow("a") {
		t.Fatal("burst of 1 should allow exactly one call")
	}
	clock = clock.Add(30 * time.Second)
	s.Allow("b")

	clock = clock.Add(45 * time.Second)
	if left := s.sweep(); left != 1 {
		t.Fatalf("sweep left %d buckets, want 1", left)
	}
	if !s.Allow("a") {
		t.Fatal("swept key should start with a full bucket")
	}
}

func TestLimiterStore_IdleCoversRefill(t *testing.T) {
	s := NewLimiterStore(1, 10, time.Minute)
	defer s.Stop()
	if s.idle != 10*time.Minute {
		t.Fatalf("idle = %s, want 10m", s.idle)
	}
}

func TestRateLimit(t *testing.T) {
	s := NewLimiterStore(60, 1, time.Hour)
	defer s.Stop()

	h := RateLimit(s, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if got := do("10.0.0.1:1234"); got != http.StatusOK {
		t.Fatalf("first request = %d", got)
	}
	if got := do("10.0.0.1:5678"); got != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP = %d, want 429", got)
	}
	if got := do("10.0.0.2:1234"); got != http.StatusOK {
		t.Fatalf("other IP = %d", got)
	}
}
