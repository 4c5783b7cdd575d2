package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/dealcycle/identity-gateway/internal/identity"
)

// Event names published to sinks.
const (
	EventActivity           = "session.activity"
	EventResponse           = "session.response"
	EventErrorResponse      = "session.error_response"
	EventSlowResponse       = "session.slow_response"
	EventSuspiciousResponse = "session.suspicious_response"
)

// SlowThreshold is the response time above which a response counts as slow.
const SlowThreshold = 5000 * time.Millisecond

// Snapshot is the identity portion of an event. Empty fields mean unresolved.
type Snapshot struct {
	TenantID  string `json:"tenantId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

func snapshotOf(id identity.Identity) Snapshot {
	return Snapshot{
		TenantID:  id.TenantID,
		UserID:    id.UserID,
		SessionID: id.SessionID,
		IPAddress: id.IPAddress,
		UserAgent: id.UserAgent,
	}
}

// ActivityEvent is emitted once on entry for fully identified requests.
type ActivityEvent struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId,omitempty"`
	Snapshot
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
}

// ResponseEvent is emitted once per completed response.
type ResponseEvent struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId,omitempty"`
	Snapshot
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	Timestamp      time.Time `json:"timestamp"`

	IsErrorResponse    bool `json:"isErrorResponse"`
	IsSlowResponse     bool `json:"isSlowResponse"`
	IsSuspiciousStatus bool `json:"isSuspiciousStatus"`
}

// Classification holds the derived flags of a response.
type Classification struct {
	Error      bool
	Slow       bool
	Suspicious bool
}

var suspiciousStatuses = map[int]bool{
	401: true,
	403: true,
	500: true,
	502: true,
	503: true,
}

// Classify derives the response flags. Each flag is independent of the others.
func Classify(status int, elapsed time.Duration) Classification {
	return Classification{
		Error:      status >= 400,
		Slow:       elapsed.Milliseconds() > SlowThreshold.Milliseconds(),
		Suspicious: suspiciousStatuses[status],
	}
}

// Event is the envelope handed to a Sink. Exactly one of Activity and Response is set.
type Event struct {
	Name     string
	Activity *ActivityEvent
	Response *ResponseEvent
}

// Payload returns the populated event body.
func (e Event) Payload() any {
	if e.Activity != nil {
		return e.Activity
	}
	return e.Response
}

// Snapshot returns the identity carried by the event.
func (e Event) Snapshot() Snapshot {
	if e.Activity != nil {
		return e.Activity.Snapshot
	}
	if e.Response != nil {
		return e.Response.Snapshot
	}
	return Snapshot{}
}

// EventID returns the unique id of the underlying event.
func (e Event) EventID() string {
	if e.Activity != nil {
		return e.Activity.ID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

func newActivity(reqID string, id identity.Identity, method, url string, at time.Time) *ActivityEvent {
	return &ActivityEvent{
		ID:        uuid.NewString(),
		RequestID: reqID,
		Snapshot:  snapshotOf(id),
		Method:    method,
		URL:       url,
		Timestamp: at,
	}
}

func newResponse(reqID string, id identity.Identity, method, url string, status int, elapsed time.Duration, at time.Time) *ResponseEvent {
	c := Classify(status, elapsed)
	return &ResponseEvent{
		ID:                 uuid.NewString(),
		RequestID:          reqID,
		Snapshot:           snapshotOf(id),
		Method:             method,
		URL:                url,
		StatusCode:         status,
		ResponseTimeMs:     elapsed.Milliseconds(),
		Timestamp:          at,
		IsErrorResponse:    c.Error,
		IsSlowResponse:     c.Slow,
		IsSuspiciousStatus: c.Suspicious,
	}
}
