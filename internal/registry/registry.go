package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/domain"
)

// unreachableAfter is the consecutive-failure count at which a backend
// is declared UNREACHABLE. Anything between one failure and that
// threshold is DEGRADED; a single success recovers to HEALTHY.
const unreachableAfter = 3

// BindingObserver is notified when a backend leaves or rejoins the
// usable pool so bound accounts can be rebound. Callbacks run outside
// the registry lock.
type BindingObserver interface {
	OnBackendDown(backendID string)
	OnBackendUp(backendID string)
}

type entry struct {
	backend          domain.Backend
	consecutiveFails int
}

// Registry tracks the pool of protocol backends, their health and the
// number of accounts bound to each. It is the only piece of state
// mutated by multiple account workers; every mutation goes through its
// accessor methods.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*entry
	observer BindingObserver
	logger   *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[string]*entry),
		logger:   logger,
	}
}

// SetObserver wires the component that reacts to pool membership
// changes. Must be called before probing starts.
func (r *Registry) SetObserver(obs BindingObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = obs
}

// Register adds a backend to the pool or refreshes its address and
// weight. Idempotent: load and health counters of a known backend are
// preserved.
func (r *Registry) Register(b domain.Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b.CapacityWeight <= 0 {
		b.CapacityWeight = 1
	}

	if existing, ok := r.backends[b.ID]; ok {
		existing.backend.BaseURL = b.BaseURL
		existing.backend.CapacityWeight = b.CapacityWeight
		return
	}

	b.HealthStatus = domain.HealthHealthy
	b.CurrentLoad = 0
	r.backends[b.ID] = &entry{backend: b}
	r.logger.Info("backend registered", "backendId", b.ID, "baseUrl", b.BaseURL, "weight", b.CapacityWeight)
}

// Deregister removes a backend from the pool. Idempotent. Accounts
// bound to it are rebound through the observer rather than failed.
func (r *Registry) Deregister(backendID string) {
	r.mu.Lock()
	e, ok := r.backends[backendID]
	if ok {
		delete(r.backends, backendID)
	}
	obs := r.observer
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info("backend deregistered", "backendId", backendID, "boundAccounts", e.backend.CurrentLoad)
	if obs != nil {
		obs.OnBackendDown(backendID)
	}
}

// SelectForNewAccount picks the HEALTHY backend with the lowest
// load-to-weight ratio. Ties break on the lowest id so selection is
// deterministic.
func (r *Registry) SelectForNewAccount() (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, e := range r.backends {
		if e.backend.HealthStatus != domain.HealthHealthy {
			continue
		}
		if best == nil || less(e.backend, best.backend) {
			best = e
		}
	}
	if best == nil {
		return domain.Backend{}, domain.ErrNoBackendAvailable
	}

	return best.backend, nil
}

func less(a, b domain.Backend) bool {
	ar := float64(a.CurrentLoad) / float64(a.CapacityWeight)
	br := float64(b.CurrentLoad) / float64(b.CapacityWeight)
	if ar != br {
		return ar < br
	}
	return a.ID < b.ID
}

// Get returns a snapshot of the backend with the given id.
func (r *Registry) Get(backendID string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.backends[backendID]
	if !ok {
		return domain.Backend{}, domain.NewBackendNotFound(backendID)
	}
	return e.backend, nil
}

// Health returns the current health status of a backend.
func (r *Registry) Health(backendID string) (domain.HealthStatus, error) {
	b, err := r.Get(backendID)
	if err != nil {
		return "", err
	}
	return b.HealthStatus, nil
}

// Bind increments the bound-account count of a backend.
func (r *Registry) Bind(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.backends[backendID]; ok {
		e.backend.CurrentLoad++
	}
}

// Unbind decrements the bound-account count. Tolerates ids that are no
// longer registered.
func (r *Registry) Unbind(backendID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.backends[backendID]; ok && e.backend.CurrentLoad > 0 {
		e.backend.CurrentLoad--
	}
}

// Snapshot returns a copy of every known backend.
func (r *Registry) Snapshot() []domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Backend, 0, len(r.backends))
	for _, e := range r.backends {
		out = append(out, e.backend)
	}
	return out
}

// ReportProbe records the outcome of one liveness probe and applies
// the health ladder: failures step HEALTHY through DEGRADED down to
// UNREACHABLE, one success snaps straight back to HEALTHY. Transitions
// into UNREACHABLE and back into HEALTHY notify the observer.
func (r *Registry) ReportProbe(backendID string, ok bool, at time.Time) {
	r.mu.Lock()

	e, found := r.backends[backendID]
	if !found {
		r.mu.Unlock()
		return
	}

	prev := e.backend.HealthStatus
	if ok {
		e.consecutiveFails = 0
		e.backend.HealthStatus = domain.HealthHealthy
	} else {
		e.consecutiveFails++
		if e.consecutiveFails >= unreachableAfter {
			e.backend.HealthStatus = domain.HealthUnreachable
		} else {
			e.backend.HealthStatus = domain.HealthDegraded
		}
	}
	e.backend.LastHealthCheckAt = at
	next := e.backend.HealthStatus
	obs := r.observer
	r.mu.Unlock()

	if prev == next {
		return
	}
	r.logger.Info("backend health changed", "backendId", backendID, "from", string(prev), "to", string(next))

	if obs == nil {
		return
	}
	switch {
	case next == domain.HealthUnreachable:
		obs.OnBackendDown(backendID)
	case next == domain.HealthHealthy:
		obs.OnBackendUp(backendID)
	}
}
