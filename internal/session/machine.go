package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/domain"
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evClose
	evBackend
	evTransportFailure
	evRebind
	evRebindRetry
)

type event struct {
	kind    eventKind
	backend domain.BackendEvent
	reply   chan error
}

// machine owns the lifecycle of a single account. All transitions run
// on one worker goroutine fed through the events channel, so
// transitions for an account are totally ordered. Callers only read
// snapshots.
type machine struct {
	cfg    Config
	deps   deps
	logger *slog.Logger

	events chan event
	quit   chan struct{}
	exited chan struct{}
	halted sync.Once

	mtx  sync.RWMutex
	acct domain.Account

	// worker-owned, never touched outside the run loop
	retryAttempts int
	manualStop    bool
	pendingRebind bool
}

func newMachine(id string, req ConnectRequest, cfg Config, d deps, logger *slog.Logger) *machine {
	return &machine{
		cfg:    cfg,
		deps:   d,
		logger: logger.With(slog.String("accountId", id)),
		events: make(chan event, 32),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		acct: domain.Account{
			ID:                id,
			State:             domain.StateUninitialized,
			WebhookURL:        req.WebhookURL,
			UsePairingCode:    req.UsePairingCode,
			LastStateChangeAt: d.clock.Now(),
		},
	}
}

func (m *machine) run() {
	defer close(m.exited)

	var graceCh, retryCh <-chan time.Time

	for {
		select {
		case ev := <-m.events:
			if m.handle(ev, &graceCh, &retryCh) {
				return
			}
		case <-graceCh:
			graceCh = nil
			m.onGraceExpired(&retryCh)
		case <-retryCh:
			retryCh = nil
			m.onRetryTimer(&retryCh)
		case <-m.quit:
			return
		}
	}
}

// handle applies one event. Returns true when the worker must exit.
func (m *machine) handle(ev event, graceCh, retryCh *<-chan time.Time) bool {
	var err error

	switch ev.kind {
	case evConnect:
		err = m.doConnect(retryCh)
	case evDisconnect:
		*graceCh, *retryCh = nil, nil
		m.doDisconnect("disconnect requested")
	case evClose:
		m.doClose()
		reply(ev, nil)
		return true
	case evBackend:
		m.onBackendEvent(ev.backend, graceCh, retryCh)
	case evTransportFailure:
		if m.snapshot().State == domain.StateConnected {
			m.toDegraded("backend unreachable", graceCh)
		}
	case evRebind:
		m.doRebind(graceCh, retryCh)
	case evRebindRetry:
		if m.pendingRebind {
			m.doRebind(graceCh, retryCh)
		}
	}

	reply(ev, err)
	return false
}

func reply(ev event, err error) {
	if ev.reply != nil {
		ev.reply <- err
	}
}

func (m *machine) doConnect(retryCh *<-chan time.Time) error {
	acct := m.snapshot()

	switch acct.State {
	case domain.StateClosed:
		return domain.ErrAccountClosed
	case domain.StateConnecting, domain.StateAwaitingQR, domain.StateAwaitingPairingCode,
		domain.StateConnected, domain.StateDegraded:
		// already running a session, idempotent
		return nil
	}

	m.manualStop = false
	m.retryAttempts = 0

	if acct.BoundBackendID == "" {
		backend, err := m.deps.pool.SelectForNewAccount()
		if err != nil {
			return err
		}
		m.deps.pool.Bind(backend.ID)
		m.update(func(a *domain.Account) {
			a.BoundBackendID = backend.ID
		})
	}

	m.transition(domain.StateConnecting, "connect requested")
	m.connectAttempt(retryCh)

	return nil
}

// connectAttempt asks the bound backend to start a session. Transport
// failures do not surface to the caller; they park the account in
// DISCONNECTED and arm the backoff timer.
func (m *machine) connectAttempt(retryCh *<-chan time.Time) {
	acct := m.snapshot()

	backend, err := m.deps.pool.Get(acct.BoundBackendID)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
		err = m.deps.client.Connect(ctx, backend, acct.ID, acct.UsePairingCode)
		cancel()
	}
	if err == nil {
		// stay in CONNECTING, the backend drives progress from here
		return
	}

	var protoErr *domain.ProtocolError
	if errors.As(err, &protoErr) {
		m.transition(domain.StateError, "backend rejected connect: "+protoErr.Message)
	} else {
		m.logger.Warn("connect attempt failed", "error", err.Error())
		m.transition(domain.StateDisconnected, "backend unreachable")
	}
	m.scheduleRetry(retryCh)
}

func (m *machine) scheduleRetry(retryCh *<-chan time.Time) {
	if m.manualStop {
		return
	}
	if m.retryAttempts >= m.cfg.ReconnectBudget {
		if m.snapshot().State != domain.StateError {
			m.transition(domain.StateError, "reconnect budget exhausted")
		}
		m.logger.Error("reconnect budget exhausted, awaiting manual connect",
			"attempts", m.retryAttempts)
		return
	}

	m.retryAttempts++
	delay := m.reconnectDelay(m.retryAttempts)
	m.logger.Info("scheduling reconnect", "attempt", m.retryAttempts, "delay", delay.String())
	*retryCh = m.deps.clock.After(delay)
}

// reconnectDelay doubles the base delay per attempt up to the cap.
func (m *machine) reconnectDelay(attempt int) time.Duration {
	delay := m.cfg.ReconnectBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.cfg.ReconnectMaxDelay {
			return m.cfg.ReconnectMaxDelay
		}
	}
	if delay > m.cfg.ReconnectMaxDelay {
		return m.cfg.ReconnectMaxDelay
	}
	return delay
}

func (m *machine) onRetryTimer(retryCh *<-chan time.Time) {
	switch m.snapshot().State {
	case domain.StateDisconnected, domain.StateError:
	default:
		// a backend event got there first, retry is superseded
		return
	}

	m.transition(domain.StateConnecting, "reconnecting")
	m.connectAttempt(retryCh)
}

func (m *machine) onGraceExpired(retryCh *<-chan time.Time) {
	if m.snapshot().State != domain.StateDegraded {
		return
	}
	m.transition(domain.StateDisconnected, "grace window expired")
	m.scheduleRetry(retryCh)
}

func (m *machine) onBackendEvent(be domain.BackendEvent, graceCh, retryCh *<-chan time.Time) {
	state := m.snapshot().State
	if state == domain.StateClosed || state == domain.StateUninitialized {
		return
	}

	switch be.Kind {
	case domain.BackendEventQR:
		if !awaitingAuth(state) {
			return
		}
		m.update(func(a *domain.Account) {
			a.QRArtifact = be.QRArtifact
			a.PairingCode = ""
		})
		m.cacheArtifact(be.QRArtifact)
		m.transition(domain.StateAwaitingQR, "qr issued")

	case domain.BackendEventPairingCode:
		if !awaitingAuth(state) {
			return
		}
		m.update(func(a *domain.Account) {
			a.PairingCode = be.PairingCode
			a.QRArtifact = ""
		})
		m.cacheArtifact(be.PairingCode)
		m.transition(domain.StateAwaitingPairingCode, "pairing code issued")

	case domain.BackendEventConnected:
		*graceCh, *retryCh = nil, nil
		m.retryAttempts = 0
		m.update(func(a *domain.Account) {
			a.PhoneIdentity = be.PhoneIdentity
		})
		m.touchLastSeen()
		m.transition(domain.StateConnected, "authenticated")

	case domain.BackendEventDegraded:
		if state != domain.StateConnected {
			return
		}
		m.toDegraded(orDefault(be.Reason, "transient network failure"), graceCh)

	case domain.BackendEventRecovered:
		if state != domain.StateDegraded {
			return
		}
		*graceCh = nil
		m.transition(domain.StateConnected, "recovered within grace window")

	case domain.BackendEventDisconnected:
		switch state {
		case domain.StateDisconnected, domain.StateError:
			// already down, a repeat must not re-emit or burn retry budget
			return
		}
		*graceCh = nil
		m.transition(domain.StateDisconnected, orDefault(be.Reason, "backend reported disconnect"))
		m.scheduleRetry(retryCh)

	case domain.BackendEventLoggedOut:
		*graceCh, *retryCh = nil, nil
		m.manualStop = true
		m.transition(domain.StateDisconnected, "logged out")
		m.emit(domain.EventAccountDisconnected, domain.AccountDisconnectedData{Reason: "logged-out"})

	case domain.BackendEventError:
		if state == domain.StateError {
			return
		}
		*graceCh = nil
		m.transition(domain.StateError, orDefault(be.Reason, "backend reported unrecoverable error"))
		m.scheduleRetry(retryCh)

	case domain.BackendEventMessage:
		m.touchLastSeen()
		m.emit(domain.EventMessageReceived, domain.MessageReceivedData{
			From:    be.From,
			Message: be.Message,
		})
	}
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

func awaitingAuth(state domain.AccountState) bool {
	switch state {
	case domain.StateConnecting, domain.StateAwaitingQR, domain.StateAwaitingPairingCode:
		return true
	}
	return false
}

func (m *machine) toDegraded(reason string, graceCh *<-chan time.Time) {
	m.transition(domain.StateDegraded, reason)
	*graceCh = m.deps.clock.After(m.cfg.GraceWindow)
}

// doRebind moves the account to a freshly selected backend after its
// current one left the pool. With no healthy backend available the
// account parks in DEGRADED, without a grace timer, until the registry
// reports one coming back.
func (m *machine) doRebind(graceCh, retryCh *<-chan time.Time) {
	acct := m.snapshot()
	if acct.State == domain.StateClosed || acct.State == domain.StateUninitialized {
		return
	}

	*graceCh, *retryCh = nil, nil
	if acct.State != domain.StateDegraded {
		m.transition(domain.StateDegraded, "bound backend unavailable")
	}

	backend, err := m.deps.pool.SelectForNewAccount()
	if err != nil {
		m.pendingRebind = true
		m.logger.Warn("no healthy backend to rebind to, account parked")
		return
	}
	m.pendingRebind = false

	if acct.BoundBackendID != backend.ID {
		m.deps.pool.Unbind(acct.BoundBackendID)
		m.deps.pool.Bind(backend.ID)
		m.update(func(a *domain.Account) {
			a.BoundBackendID = backend.ID
		})
	}

	m.retryAttempts = 0
	m.transition(domain.StateConnecting, "rebinding to backend "+backend.ID)
	m.connectAttempt(retryCh)
}

func (m *machine) doDisconnect(reason string) {
	acct := m.snapshot()

	switch acct.State {
	case domain.StateUninitialized, domain.StateDisconnected, domain.StateClosed:
		return
	}

	m.manualStop = true
	m.disconnectBackend(acct)
	m.transition(domain.StateDisconnected, reason)
}

func (m *machine) doClose() {
	acct := m.snapshot()
	if acct.State == domain.StateClosed {
		return
	}

	m.manualStop = true
	if acct.State != domain.StateUninitialized && acct.State != domain.StateDisconnected {
		m.disconnectBackend(acct)
	}
	if acct.BoundBackendID != "" {
		m.deps.pool.Unbind(acct.BoundBackendID)
	}
	m.update(func(a *domain.Account) {
		a.BoundBackendID = ""
	})
	m.transition(domain.StateClosed, "closed")
	m.emit(domain.EventAccountDisconnected, domain.AccountDisconnectedData{Reason: "closed"})
}

func (m *machine) disconnectBackend(acct domain.Account) {
	backend, err := m.deps.pool.Get(acct.BoundBackendID)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CommandTimeout)
	defer cancel()
	if err := m.deps.client.Disconnect(ctx, backend, acct.ID); err != nil {
		m.logger.Warn("backend disconnect failed", "error", err.Error())
	}
}

// transition is the single place state changes. It stamps the change,
// emits exactly one connection.update and persists the snapshot.
// Artifacts only live in the awaiting states; leaving them clears both
// fields and invalidates the cached copy.
func (m *machine) transition(next domain.AccountState, reason string) {
	m.mtx.Lock()
	m.acct.State = next
	m.acct.LastStateChangeAt = m.deps.clock.Now()
	hadArtifact := m.acct.QRArtifact != "" || m.acct.PairingCode != ""
	awaiting := next == domain.StateAwaitingQR || next == domain.StateAwaitingPairingCode
	if !awaiting {
		m.acct.QRArtifact = ""
		m.acct.PairingCode = ""
	}
	acct := m.acct
	m.mtx.Unlock()

	if hadArtifact && !awaiting {
		m.dropArtifact()
	}

	m.logger.Info("account state changed", "state", string(next), "reason", reason)
	m.emit(domain.EventConnectionUpdate, domain.ConnectionUpdateData{
		Connection: domain.ConnectionFor(next),
		State:      next,
		Reason:     reason,
	})
	m.persist(acct)
}

func (m *machine) emit(eventType domain.EventType, data domain.EventData) {
	acct := m.snapshot()
	m.deps.sink.Dispatch(domain.WebhookEvent{
		Type:        eventType,
		AccountID:   acct.ID,
		TimestampMs: m.deps.clock.Now().UnixMilli(),
		Data:        data,
	}, acct.WebhookURL)
}

func (m *machine) persist(acct domain.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.store.SaveAccount(ctx, acct); err != nil {
		m.logger.Error("failed to persist account snapshot", "error", err.Error())
	}
}

func (m *machine) cacheArtifact(artifact string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.store.CacheArtifact(ctx, m.snapshot().ID, artifact); err != nil {
		m.logger.Error("failed to cache pairing artifact", "error", err.Error())
	}
}

func (m *machine) dropArtifact() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.store.DropArtifact(ctx, m.snapshot().ID); err != nil {
		m.logger.Error("failed to drop cached pairing artifact", "error", err.Error())
	}
}

func (m *machine) touchLastSeen() {
	m.update(func(a *domain.Account) {
		now := m.deps.clock.Now()
		a.LastSeenAt = &now
	})
}

func (m *machine) update(fn func(a *domain.Account)) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	fn(&m.acct)
}

func (m *machine) snapshot() domain.Account {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.acct
}

// send delivers an event to the worker and, when the event carries a
// reply channel, waits for the outcome.
func (m *machine) send(ctx context.Context, ev event) error {
	select {
	case m.events <- ev:
	case <-m.exited:
		return domain.ErrAccountClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if ev.reply == nil {
		return nil
	}
	select {
	case err := <-ev.reply:
		return err
	case <-m.exited:
		// the close handler replies before exiting, drain if it did
		select {
		case err := <-ev.reply:
			return err
		default:
			return domain.ErrAccountClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify is the fire-and-forget variant of send; drops when the worker
// is gone or its queue is saturated.
func (m *machine) notify(ev event) {
	select {
	case m.events <- ev:
	case <-m.exited:
	default:
	}
}

// halt terminates the worker without a CLOSED transition. Used for
// process shutdown and for discarding machines that never bound.
func (m *machine) halt() {
	m.halted.Do(func() {
		close(m.quit)
	})
}
