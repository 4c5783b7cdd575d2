package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dealcycle/identity-gateway/internal/httputil"
	"github.com/dealcycle/identity-gateway/internal/identity"
)

// Tracker observes every request passing through it and publishes session events.
// It must sit inside identity.Middleware and outside anything that may reject.
type Tracker struct {
	sink Sink
	now  func() time.Time
}

func NewTracker(sink Sink) *Tracker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Tracker{sink: sink, now: time.Now}
}

func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := t.now()
		reqID := w.Header().Get(httputil.HeaderRequestID)
		id, _ := identity.FromContext(r.Context())
		url := r.URL.RequestURI()

		// Emission outlives the request; sinks must not see its cancellation.
		ctx := context.WithoutCancel(r.Context())

		if id.Complete() {
			t.emit(ctx, Event{
				Name:     EventActivity,
				Activity: newActivity(reqID, id, r.Method, url, start),
			})
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rec := recover()
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
				if rec != nil {
					status = http.StatusInternalServerError
				}
			}
			end := t.now()
			t.publishResponse(ctx, newResponse(reqID, id, r.Method, url, status, end.Sub(start), end))
			if rec != nil {
				panic(rec)
			}
		}()

		next.ServeHTTP(ww, r)
	})
}

func (t *Tracker) publishResponse(ctx context.Context, resp *ResponseEvent) {
	t.emit(ctx, Event{Name: EventResponse, Response: resp})
	if resp.IsErrorResponse {
		t.emit(ctx, Event{Name: EventErrorResponse, Response: resp})
	}
	if resp.IsSlowResponse {
		t.emit(ctx, Event{Name: EventSlowResponse, Response: resp})
	}
	if resp.IsSuspiciousStatus {
		t.emit(ctx, Event{Name: EventSuspiciousResponse, Response: resp})
	}
}

// emit never lets a sink failure reach the caller.
func (t *Tracker) emit(ctx context.Context, ev Event) {
	if err := safeEmit(ctx, t.sink, ev); err != nil {
		slog.Warn("session event not published", "event", ev.Name, "event_id", ev.EventID(), "error", err)
	}
}
