package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/dealcycle/identity-gateway/internal/config"
	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
)

// Invalidator drops a cached credential once a downstream service has rejected it.
type Invalidator interface {
	Invalidate(ctx context.Context, rejected string)
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Production suppresses diagnostic detail in error bodies.
	Production bool
	// Guards wrap every matched route, after the method check.
	Guards []func(http.Handler) http.Handler
	// Invalidator, when set, is told about downstream 401s for bypass-token requests.
	Invalidator  Invalidator
	MaxBodyBytes int64
}

type table struct {
	registry *Registry
	mux      chi.Router
}

// Handler serves every configured proxy route. The route table can be swapped at
// runtime with Reload.
type Handler struct {
	forwarder *Forwarder
	opts      HandlerOptions
	current   atomic.Pointer[table]
}

func NewHandler(registry *Registry, forwarder *Forwarder, opts HandlerOptions) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	h := &Handler{forwarder: forwarder, opts: opts}
	h.install(registry)
	return h
}

// Reload rebuilds the route table from cfg. On error the current table stays in place.
func (h *Handler) Reload(cfg *config.ServicesConfig) error {
	reg, err := BuildFromConfig(cfg)
	if err != nil {
		return err
	}
	old := h.install(reg)
	if old != nil {
		old.registry.Close()
	}
	slog.Info("proxy routes reloaded", "routes", len(reg.Routes()), "services", reg.ServiceNames())
	return nil
}

// Registry returns the registry currently serving requests.
func (h *Handler) Registry() *Registry {
	return h.current.Load().registry
}

func (h *Handler) install(reg *Registry) *table {
	mux := chi.NewRouter()
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, w.Header().Get(httputil.HeaderRequestID), "No route for "+r.URL.Path)
	})
	for _, rt := range reg.Routes() {
		svc, ok := reg.Service(rt.Service)
		if !ok {
			continue
		}
		var guarded http.Handler = h.forward(svc, rt)
		for i := len(h.opts.Guards) - 1; i >= 0; i-- {
			guarded = h.opts.Guards[i](guarded)
		}
		mux.Handle(rt.Path, h.methodCheck(rt, guarded))
	}
	return h.current.Swap(&table{registry: reg, mux: mux})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := h.current.Load()
	// Hide the outer routing context so the inner table matches on the full path.
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, (*chi.Context)(nil))
	t.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) methodCheck(rt *Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rt.Allows(r.Method) {
			httputil.WriteMethodNotAllowedError(w, w.Header().Get(httputil.HeaderRequestID), rt.Methods)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) forward(svc *Service, rt *Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := w.Header().Get(httputil.HeaderRequestID)
		id, _ := identity.FromContext(r.Context())

		params := make(map[string]string, len(rt.Params))
		for _, p := range rt.Params {
			params[p] = chi.URLParam(r, p)
		}

		req := Request{
			Method:      r.Method,
			Params:      params,
			Query:       r.URL.Query(),
			ContentType: r.Header.Get("Content-Type"),
			Accept:      r.Header.Get("Accept"),
			RequestID:   reqID,
		}
		if r.Body != nil && r.Body != http.NoBody {
			req.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
		}

		res, err := h.forwarder.Forward(r.Context(), svc, rt, req, id)
		if err != nil {
			h.writeError(w, reqID, err)
			return
		}

		if res.Status == http.StatusUnauthorized && id.TokenSource == identity.TokenBypass && h.opts.Invalidator != nil {
			slog.Warn("bypass token rejected downstream",
				"request_id", reqID,
				"service", svc.Name,
				"route", rt.Name,
			)
			h.opts.Invalidator.Invalidate(r.Context(), id.Token)
		}

		body := res.Body
		if res.Status >= 300 && !h.opts.Production {
			body = WithDiagnostics(body, svc.Name, res.Status, res.URL)
		}

		if res.Location != "" {
			w.Header().Set("Location", res.Location)
		}
		if res.Status == http.StatusNoContent || res.Status == http.StatusNotModified {
			w.Header().Set(httputil.HeaderRequestID, reqID)
			w.WriteHeader(res.Status)
			return
		}
		httputil.WriteJSON(w, reqID, res.Status, body)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, reqID string, err error) {
	var fe *Error
	if !errors.As(err, &fe) {
		fe = &Error{Kind: KindInternal, Err: err}
	}

	detail := ""
	if !h.opts.Production {
		detail = fe.Error()
	}

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		httputil.WriteBadRequestError(w, reqID, "Request body too large")
	case fe.Kind == KindMissingTenant:
		httputil.WriteMissingTenantError(w, reqID, "Tenant could not be resolved.")
	case fe.Kind == KindServiceUnavailable:
		httputil.WriteServiceUnavailableError(w, reqID, "The "+serviceLabel(fe.Service)+" is unavailable. Please try again later.", detail)
	default:
		slog.Error("proxy request failed", "request_id", reqID, "service", fe.Service, "error", err)
		httputil.WriteInternalError(w, reqID, "An unexpected error occurred while contacting the "+serviceLabel(fe.Service)+".", detail)
	}
}

func serviceLabel(name string) string {
	if name == "" {
		return "downstream service"
	}
	return strings.ReplaceAll(name, "-", " ") + " service"
}
