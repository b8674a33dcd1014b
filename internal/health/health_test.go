package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	h := New(Checker{Name: "never", Check: func(context.Context) error { return errors.New("down") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "tts", Check: ok},
				{Name: "cache", Check: ok},
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"tts": "ok", "cache": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "tts", Check: func(context.Context) error { return errors.New("no eligible backend") }},
				{Name: "cache", Check: ok},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"tts": "fail: no eligible backend", "cache": "ok"},
		},
		{
			name: "predicate",
			checkers: []Checker{
				Func("warm", func() bool { return false }, "still loading"),
				Func("cold", func() bool { return true }, "unused"),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"warm": "fail: still loading", "cold": "ok"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			New(tc.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			body := decode(t, rec)
			for name, want := range tc.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %q = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	var running atomic.Int32
	both := make(chan struct{})
	slow := func(ctx context.Context) error {
		if running.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (checks serialised?)", rec.Code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	mux := http.NewServeMux()
	New().Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
