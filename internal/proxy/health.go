package proxy

import (
	"sync"
	"time"

	"github.com/dealcycle/identity-gateway/internal/telemetry"
)

// HealthTracker manages circuit breakers for all downstream services. Breakers survive
// service config reloads because they are keyed by service name.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	metrics               *telemetry.Metrics
}

// NewHealthTracker creates a health tracker with the given circuit breaker config.
func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration, metrics *telemetry.Metrics) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
		metrics:               metrics,
	}
}

// GetBreaker returns (or lazily creates) the circuit breaker for a service.
func (ht *HealthTracker) GetBreaker(service string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[service]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	// Double-check after acquiring write lock
	if cb, ok := ht.breakers[service]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	ht.breakers[service] = cb
	return cb
}

// IsAvailable returns true if the service's circuit breaker allows requests.
func (ht *HealthTracker) IsAvailable(service string) bool {
	return ht.GetBreaker(service).Allow()
}

func (ht *HealthTracker) RecordSuccess(service string) {
	cb := ht.GetBreaker(service)
	cb.RecordSuccess()
	ht.publish(service, cb)
}

func (ht *HealthTracker) RecordFailure(service string) {
	cb := ht.GetBreaker(service)
	cb.RecordFailure()
	ht.publish(service, cb)
}

func (ht *HealthTracker) Release(service string) {
	ht.GetBreaker(service).Release()
}

// States snapshots every known breaker, for the health endpoint.
func (ht *HealthTracker) States() map[string]string {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	out := make(map[string]string, len(ht.breakers))
	for name, cb := range ht.breakers {
		out[name] = cb.State().String()
	}
	return out
}

func (ht *HealthTracker) publish(service string, cb *CircuitBreaker) {
	if ht.metrics != nil {
		ht.metrics.SetCircuitState(service, int(cb.State()))
	}
}
