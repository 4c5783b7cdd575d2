package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

const maxUpstreamBody = 10 << 20

// ErrCircuitOpen is returned without dialing when a service's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrorKind is the caller-facing class of a forwarding failure.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindServiceUnavailable
	KindMissingTenant
)

func (k ErrorKind) String() string {
	switch k {
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindMissingTenant:
		return "missing_tenant"
	default:
		return "internal_error"
	}
}

// Error is returned by Forward for failures that produced no upstream response.
type Error struct {
	Kind    ErrorKind
	Service string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Status is the HTTP status returned to the client.
func (e *Error) Status() int {
	switch e.Kind {
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	case KindMissingTenant:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Request is the inbound call reduced to what the forwarder may pass on.
type Request struct {
	Method      string
	Params      map[string]string
	Query       url.Values
	Body        io.Reader
	ContentType string
	Accept      string
	RequestID   string
}

// Result is a downstream response. Body is always valid JSON.
type Result struct {
	Status   int
	Body     json.RawMessage
	Location string
	URL      string
	Duration time.Duration
}

// Forwarder issues downstream calls on behalf of an identified caller.
type Forwarder struct {
	health  *HealthTracker
	metrics *telemetry.Metrics
}

func NewForwarder(health *HealthTracker, metrics *telemetry.Metrics) *Forwarder {
	return &Forwarder{health: health, metrics: metrics}
}

// Forward never issues a call for an identity without tenant. The outbound request is
// bound to ctx, so a disconnecting client cancels it.
func (f *Forwarder) Forward(ctx context.Context, svc *Service, rt *Route, req Request, id identity.Identity) (*Result, error) {
	if id.TenantID == "" {
		return nil, &Error{Kind: KindMissingTenant, Service: svc.Name, Err: identity.ErrMissingTenant}
	}

	target, err := rt.TargetURL(svc.BaseURL, req.Params, req.Query)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Service: svc.Name, Err: err}
	}

	if f.health != nil && !f.health.IsAvailable(svc.Name) {
		f.record(svc, rt, "circuit_open", 0)
		return nil, &Error{Kind: KindServiceUnavailable, Service: svc.Name, Err: ErrCircuitOpen}
	}

	var body io.Reader
	if hasBody(req.Method) && req.Body != nil {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Service: svc.Name, Err: err}
	}
	setHeaders(out, svc, req, id, body != nil)

	start := time.Now()
	resp, err := svc.Client.Do(out)
	elapsed := time.Since(start)
	if err != nil {
		kind := classify(err)
		if f.health != nil {
			if ctx.Err() != nil {
				// The caller went away; that says nothing about the service.
				f.health.Release(svc.Name)
			} else {
				f.health.RecordFailure(svc.Name)
			}
		}
		f.record(svc, rt, kind.String(), elapsed)
		slog.Warn("downstream call failed",
			"request_id", req.RequestID,
			"service", svc.Name,
			"route", rt.Name,
			"kind", kind.String(),
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
		)
		return nil, &Error{Kind: kind, Service: svc.Name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		if f.health != nil {
			f.health.RecordFailure(svc.Name)
		}
		f.record(svc, rt, "read_error", elapsed)
		return nil, &Error{Kind: KindInternal, Service: svc.Name, Err: fmt.Errorf("read upstream body: %w", err)}
	}

	// Any HTTP answer, 5xx included, proves the service reachable; its status is
	// relayed unchanged.
	if f.health != nil {
		f.health.RecordSuccess(svc.Name)
	}
	f.record(svc, rt, telemetry.StatusClass(resp.StatusCode), elapsed)

	return &Result{
		Status:   resp.StatusCode,
		Body:     jsonBody(raw),
		Location: resp.Header.Get("Location"),
		URL:      stripQuery(target),
		Duration: elapsed,
	}, nil
}

func (f *Forwarder) record(svc *Service, rt *Route, outcome string, elapsed time.Duration) {
	if f.metrics == nil {
		return
	}
	f.metrics.RecordUpstream(telemetry.UpstreamLabels{
		Service:    svc.Name,
		Route:      rt.Name,
		Outcome:    outcome,
		DurationMs: float64(elapsed.Milliseconds()),
	})
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func setHeaders(out *http.Request, svc *Service, req Request, id identity.Identity, withBody bool) {
	for k, v := range svc.Headers {
		out.Header.Set(k, v)
	}
	if id.Token != "" {
		out.Header.Set(identity.HeaderAuthorization, "Bearer "+id.Token)
	}
	out.Header.Set(identity.HeaderTenantID, id.TenantID)
	if id.UserID != "" {
		out.Header.Set(identity.HeaderUserID, id.UserID)
	}
	if id.SessionID != "" {
		out.Header.Set(identity.HeaderSessionID, id.SessionID)
	}
	if id.IPAddress != "" && id.IPAddress != identity.Unknown {
		out.Header.Set(identity.HeaderForwardedFor, id.IPAddress)
	}
	if req.RequestID != "" {
		out.Header.Set(httputil.HeaderRequestID, req.RequestID)
	}
	accept := req.Accept
	if accept == "" {
		accept = "application/json"
	}
	out.Header.Set("Accept", accept)
	if withBody {
		ct := req.ContentType
		if ct == "" {
			ct = "application/json"
		}
		out.Header.Set("Content-Type", ct)
	}
}

// classify maps transport errors: unreachable hosts are 503, anything else 500.
func classify(err error) ErrorKind {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindServiceUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindServiceUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && !opErr.Timeout() {
		return KindServiceUnavailable
	}
	return KindInternal
}

var emptyObject = json.RawMessage(`{}`)

// jsonBody passes valid JSON through and replaces anything else with {}.
func jsonBody(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return emptyObject
	}
	return json.RawMessage(raw)
}

func stripQuery(target string) string {
	if u, err := url.Parse(target); err == nil {
		u.RawQuery = ""
		return u.String()
	}
	return target
}

// WithDiagnostics adds an "upstream" object to a JSON object body. Other bodies are
// returned unchanged.
func WithDiagnostics(body json.RawMessage, service string, status int, target string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}
	diag, err := json.Marshal(map[string]any{
		"service": service,
		"status":  status,
		"url":     target,
	})
	if err != nil {
		return body
	}
	obj["upstream"] = diag
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}
