package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dealcycle/identity-gateway/internal/identity"
)

// recordingSink captures emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	panic  bool
}

func (s *recordingSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panic {
		panic("sink exploded")
	}
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Name
	}
	return out
}

// steppedClock returns start on the first call and start+elapsed afterwards.
func steppedClock(elapsed time.Duration) func() time.Time {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	return func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(elapsed)
	}
}

func runTracker(t *testing.T, sink Sink, id *identity.Identity, elapsed time.Duration, h http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	tr := NewTracker(sink)
	tr.now = steppedClock(elapsed)

	req := httptest.NewRequest(http.MethodGet, "/api/leads?page=2", nil)
	if id != nil {
		req = req.WithContext(identity.ContextWithIdentity(req.Context(), *id))
	}
	w := httptest.NewRecorder()
	tr.Middleware(h).ServeHTTP(w, req)
	return w
}

var fullIdentity = identity.Identity{
	TenantID:  "t1",
	UserID:    "u1",
	SessionID: "s1",
	IPAddress: "203.0.113.5",
	UserAgent: "test-agent",
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTracker_Events(t *testing.T) {
	tests := []struct {
		name    string
		id      *identity.Identity
		status  int
		elapsed time.Duration
		want    []string
	}{
		{
			name:    "fast success with full identity",
			id:      &fullIdentity,
			status:  http.StatusOK,
			elapsed: 40 * time.Millisecond,
			want:    []string{EventActivity, EventResponse},
		},
		{
			name:    "slow success emits slow only",
			id:      &fullIdentity,
			status:  http.StatusOK,
			elapsed: 6200 * time.Millisecond,
			want:    []string{EventActivity, EventResponse, EventSlowResponse},
		},
		{
			name:    "partial identity suppresses activity",
			id:      &identity.Identity{TenantID: "t1", IPAddress: "10.0.0.1"},
			status:  http.StatusOK,
			elapsed: time.Millisecond,
			want:    []string{EventResponse},
		},
		{
			name:    "no identity at all",
			status:  http.StatusOK,
			elapsed: time.Millisecond,
			want:    []string{EventResponse},
		},
		{
			name:    "401 is error and suspicious",
			status:  http.StatusUnauthorized,
			elapsed: time.Millisecond,
			want:    []string{EventResponse, EventErrorResponse, EventSuspiciousResponse},
		},
		{
			name:    "404 is error but not suspicious",
			status:  http.StatusNotFound,
			elapsed: time.Millisecond,
			want:    []string{EventResponse, EventErrorResponse},
		},
		{
			name:    "slow 503 carries every flag",
			id:      &fullIdentity,
			status:  http.StatusServiceUnavailable,
			elapsed: 7 * time.Second,
			want:    []string{EventActivity, EventResponse, EventErrorResponse, EventSlowResponse, EventSuspiciousResponse},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			runTracker(t, sink, tt.id, tt.elapsed, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			if got := sink.names(); !equalNames(got, tt.want) {
				t.Errorf("events = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTracker_ResponseEventFields(t *testing.T) {
	sink := &recordingSink{}
	runTracker(t, sink, &fullIdentity, 6200*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	var resp *ResponseEvent
	for _, ev := range sink.events {
		if ev.Name == EventResponse {
			resp = ev.Response
		}
	}
	if resp == nil {
		t.Fatal("expected a response event")
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 for implicit write", resp.StatusCode)
	}
	if resp.ResponseTimeMs != 6200 {
		t.Errorf("response time = %d, want 6200", resp.ResponseTimeMs)
	}
	if !resp.IsSlowResponse || resp.IsErrorResponse || resp.IsSuspiciousStatus {
		t.Errorf("unexpected flags: %+v", resp)
	}
	if resp.TenantID != "t1" || resp.SessionID != "s1" || resp.URL != "/api/leads?page=2" {
		t.Errorf("unexpected snapshot: %+v", resp)
	}
	if resp.ID == "" {
		t.Error("expected event id")
	}
}

func TestTracker_SinkFailureDoesNotAffectResponse(t *testing.T) {
	for name, sink := range map[string]*recordingSink{
		"error": {err: errors.New("broker down")},
		"panic": {panic: true},
	} {
		t.Run(name, func(t *testing.T) {
			w := runTracker(t, sink, &fullIdentity, time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				w.Write([]byte(`{"id":"1"}`))
			})
			if w.Code != http.StatusCreated {
				t.Errorf("status = %d, want 201", w.Code)
			}
			if w.Body.String() != `{"id":"1"}` {
				t.Errorf("body = %q", w.Body.String())
			}
		})
	}
}

func TestTracker_RecoveredPanicStillEmits(t *testing.T) {
	sink := &recordingSink{}
	tr := NewTracker(sink)
	h := tr.Middleware(middleware.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler bug")
	})))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/leads", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	want := []string{EventResponse, EventErrorResponse, EventSuspiciousResponse}
	if got := sink.names(); !equalNames(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status  int
		elapsed time.Duration
		want    Classification
	}{
		{200, time.Second, Classification{}},
		{200, 5000 * time.Millisecond, Classification{}},
		{200, 5001 * time.Millisecond, Classification{Slow: true}},
		{400, 0, Classification{Error: true}},
		{403, 0, Classification{Error: true, Suspicious: true}},
		{500, 0, Classification{Error: true, Suspicious: true}},
		{502, 0, Classification{Error: true, Suspicious: true}},
		{504, 0, Classification{Error: true}},
		{302, 0, Classification{}},
		{204, 0, Classification{}},
		{399, 0, Classification{}},
		{401, 0, Classification{Error: true, Suspicious: true}},
		{503, 0, Classification{Error: true, Suspicious: true}},
		{404, 0, Classification{Error: true}},
		{401, 6200 * time.Millisecond, Classification{Error: true, Slow: true, Suspicious: true}},
	}
	for _, tt := range tests {
		if got := Classify(tt.status, tt.elapsed); got != tt.want {
			t.Errorf("Classify(%d, %s) = %+v, want %+v", tt.status, tt.elapsed, got, tt.want)
		}
	}
}
