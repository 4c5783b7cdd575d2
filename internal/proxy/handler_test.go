package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/dealcycle/identity-gateway/internal/config"
	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
)

type countingInvalidator struct {
	calls    atomic.Int32
	rejected atomic.Value
}

func (c *countingInvalidator) Invalidate(_ context.Context, rejected string) {
	c.rejected.Store(rejected)
	c.calls.Add(1)
}

func newTestHandler(t *testing.T, baseURL string, opts HandlerOptions) *Handler {
	t.Helper()
	reg, err := BuildFromConfig(servicesConfig(baseURL))
	if err != nil {
		t.Fatal(err)
	}
	return NewHandler(reg, NewForwarder(nil, nil), opts)
}

func do(h http.Handler, method, target string, id identity.Identity) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req = req.WithContext(identity.ContextWithIdentity(req.Context(), id))
	w := httptest.NewRecorder()
	w.Header().Set(httputil.HeaderRequestID, "req-1")
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandler_ForwardsWithPathParams(t *testing.T) {
	up := newUpstream(t)
	up.respond(http.StatusOK, `{"id":"42","name":"Ada"}`)
	h := newTestHandler(t, up.URL, HandlerOptions{})

	w := do(h, http.MethodGet, "/api/leads/42?page=9", caller)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := decode(t, w); body["name"] != "Ada" {
		t.Errorf("unexpected body: %v", body)
	}
	got, _ := up.seen()
	if got.URL.Path != "/leads/42" {
		t.Errorf("upstream path = %q", got.URL.Path)
	}
	if got.URL.RawQuery != "" {
		t.Errorf("query not on allow list should be dropped, got %q", got.URL.RawQuery)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	up := newUpstream(t)
	h := newTestHandler(t, up.URL, HandlerOptions{})

	w := do(h, http.MethodPut, "/api/leads/42", caller)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "GET, PATCH, DELETE" {
		t.Errorf("Allow = %q", allow)
	}
	if got, _ := up.seen(); got != nil {
		t.Error("405 must not reach the downstream service")
	}
}

func TestHandler_MethodCheckRunsBeforeGuards(t *testing.T) {
	up := newUpstream(t)
	guardCalls := 0
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			guardCalls++
			httputil.WriteAuthRequiredError(w, "", "no")
		})
	}
	h := newTestHandler(t, up.URL, HandlerOptions{Guards: []func(http.Handler) http.Handler{guard}})

	if w := do(h, http.MethodPut, "/api/leads", caller); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if w := do(h, http.MethodGet, "/api/leads", caller); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want guard's 401", w.Code)
	}
	if guardCalls != 1 {
		t.Errorf("guard calls = %d, want 1", guardCalls)
	}
}

func TestHandler_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, "http://unused:1", HandlerOptions{})
	w := do(h, http.MethodGet, "/api/unknown", caller)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandler_UpstreamErrorDiagnostics(t *testing.T) {
	t.Run("non-production adds upstream detail", func(t *testing.T) {
		up := newUpstream(t)
		up.respond(http.StatusNotFound, `{"message":"Lead not found"}`)
		h := newTestHandler(t, up.URL, HandlerOptions{})

		w := do(h, http.MethodGet, "/api/leads/1", caller)
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404 passed through", w.Code)
		}
		body := decode(t, w)
		if body["message"] != "Lead not found" {
			t.Errorf("original body lost: %v", body)
		}
		diag, ok := body["upstream"].(map[string]any)
		if !ok || diag["service"] != "leads" {
			t.Errorf("expected upstream diagnostics, got %v", body)
		}
	})

	t.Run("production passes through unchanged", func(t *testing.T) {
		up := newUpstream(t)
		up.respond(http.StatusNotFound, `{"message":"Lead not found"}`)
		h := newTestHandler(t, up.URL, HandlerOptions{Production: true})

		w := do(h, http.MethodGet, "/api/leads/1", caller)
		body := decode(t, w)
		if _, ok := body["upstream"]; ok {
			t.Error("production responses must not carry diagnostics")
		}
	})
}

func TestHandler_ServiceUnavailable(t *testing.T) {
	h := newTestHandler(t, closedServerURL(t), HandlerOptions{Production: true})

	w := do(h, http.MethodGet, "/api/leads", caller)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var apiErr httputil.APIError
	json.NewDecoder(w.Body).Decode(&apiErr)
	if apiErr.Error.Code != httputil.CodeServiceUnavailable {
		t.Errorf("code = %q", apiErr.Error.Code)
	}
	if apiErr.Error.Detail != "" {
		t.Error("production errors must not carry detail")
	}
}

func TestHandler_NoContent(t *testing.T) {
	up := newUpstream(t)
	up.respond(http.StatusNoContent, "")
	h := newTestHandler(t, up.URL, HandlerOptions{})

	w := do(h, http.MethodDelete, "/api/leads/7", caller)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("204 must not have a body, got %q", w.Body.String())
	}
}

func TestHandler_BypassTokenRejectedInvalidates(t *testing.T) {
	up := newUpstream(t)
	up.respond(http.StatusUnauthorized, `{"message":"expired"}`)
	inv := &countingInvalidator{}
	h := newTestHandler(t, up.URL, HandlerOptions{Invalidator: inv})

	bypassCaller := caller
	bypassCaller.Token = "admin"
	bypassCaller.TokenSource = identity.TokenBypass

	if w := do(h, http.MethodGet, "/api/leads", bypassCaller); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 passed through", w.Code)
	}
	if inv.calls.Load() != 1 {
		t.Errorf("invalidations = %d, want 1", inv.calls.Load())
	}
	if got, _ := inv.rejected.Load().(string); got != "admin" {
		t.Errorf("rejected token = %q, want the token the request carried", got)
	}

	// A user's own token being rejected says nothing about the bypass token.
	do(h, http.MethodGet, "/api/leads", caller)
	if inv.calls.Load() != 1 {
		t.Errorf("invalidations = %d, want still 1", inv.calls.Load())
	}
}

func TestHandler_Reload(t *testing.T) {
	up := newUpstream(t)
	h := newTestHandler(t, up.URL, HandlerOptions{})

	if w := do(h, http.MethodGet, "/api/timesheets", caller); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before reload", w.Code)
	}

	cfg := servicesConfig(up.URL)
	cfg.Services["timesheets"] = config.ServiceConfig{
		BaseURL: up.URL,
		Routes: []config.RouteConfig{
			{Name: "timesheets", Path: "/api/timesheets", Upstream: "/timesheets", Methods: []string{"GET"}},
		},
	}
	if err := h.Reload(cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if w := do(h, http.MethodGet, "/api/timesheets", caller); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after reload", w.Code)
	}

	bad := &config.ServicesConfig{Services: map[string]config.ServiceConfig{"x": {BaseURL: "not a url"}}}
	if err := h.Reload(bad); err == nil {
		t.Fatal("expected reload error")
	}
	if w := do(h, http.MethodGet, "/api/timesheets", caller); w.Code != http.StatusOK {
		t.Errorf("failed reload must keep the previous table, got %d", w.Code)
	}
}

func TestHandler_MountedUnderOuterRouter(t *testing.T) {
	up := newUpstream(t)
	h := newTestHandler(t, up.URL, HandlerOptions{})

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})
	r.Handle("/*", h)

	req := httptest.NewRequest(http.MethodGet, "/api/leads/99", nil)
	req = req.WithContext(identity.ContextWithIdentity(req.Context(), caller))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got, _ := up.seen(); got == nil || !strings.HasSuffix(got.URL.Path, "/leads/99") {
		t.Errorf("upstream path = %v", got)
	}
}
