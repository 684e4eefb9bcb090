package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/clock"
	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/google/uuid"
)

// BackendPool is the slice of the registry the session layer needs.
type BackendPool interface {
	SelectForNewAccount() (domain.Backend, error)
	Get(backendID string) (domain.Backend, error)
	Bind(backendID string)
	Unbind(backendID string)
}

// BackendClient issues session commands against a protocol backend.
type BackendClient interface {
	Connect(ctx context.Context, backend domain.Backend, accountID string, usePairingCode bool) error
	Disconnect(ctx context.Context, backend domain.Backend, accountID string) error
}

// EventSink receives webhook events without blocking the caller.
type EventSink interface {
	Dispatch(event domain.WebhookEvent, webhookURL string)
}

// Store persists account snapshots and short-lived pairing artifacts.
type Store interface {
	SaveAccount(ctx context.Context, acct domain.Account) error
	ListActive(ctx context.Context) ([]domain.Account, error)
	CacheArtifact(ctx context.Context, accountID, artifact string) error
	DropArtifact(ctx context.Context, accountID string) error
}

type Config struct {
	GraceWindow        time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectBudget    int
	CommandTimeout     time.Duration
}

type ConnectRequest struct {
	ID             string
	WebhookURL     string
	UsePairingCode bool
}

type deps struct {
	pool   BackendPool
	client BackendClient
	sink   EventSink
	store  Store
	clock  clock.Clock
}

// Manager owns the account table: one state machine worker per
// account. It also implements the registry's BindingObserver so pool
// membership changes rebind affected accounts.
type Manager struct {
	cfg    Config
	deps   deps
	logger *slog.Logger

	mtx      sync.RWMutex
	machines map[string]*machine
}

func NewManager(pool BackendPool, client BackendClient, sink EventSink, store Store, clk clock.Clock, logger *slog.Logger, cfg Config) *Manager {
	return &Manager{
		cfg: cfg,
		deps: deps{
			pool:   pool,
			client: client,
			sink:   sink,
			store:  store,
			clock:  clk,
		},
		logger:   logger,
		machines: make(map[string]*machine),
	}
}

// Connect creates the account if needed, binds it to a backend and
// starts the session handshake. Calling it again on a live account is
// an idempotent retry; CLOSED accounts reject it.
func (mgr *Manager) Connect(ctx context.Context, req ConnectRequest) (domain.Account, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	mgr.mtx.Lock()
	m, exists := mgr.machines[id]
	if !exists {
		m = newMachine(id, req, mgr.cfg, mgr.deps, mgr.logger)
		mgr.machines[id] = m
		go m.run()
	}
	mgr.mtx.Unlock()

	if exists && m.snapshot().State == domain.StateClosed {
		return domain.Account{}, fmt.Errorf("account %q: %w", id, domain.ErrAccountClosed)
	}

	err := m.send(ctx, event{kind: evConnect, reply: make(chan error, 1)})
	if err != nil {
		// an account that never got bound leaves no trace behind
		if !exists && m.snapshot().State == domain.StateUninitialized {
			m.halt()
			mgr.mtx.Lock()
			delete(mgr.machines, id)
			mgr.mtx.Unlock()
		}
		return domain.Account{}, err
	}

	return m.snapshot(), nil
}

// Disconnect tears down the backend session but keeps the account
// around for a later connect.
func (mgr *Manager) Disconnect(ctx context.Context, accountID string) error {
	m, err := mgr.machine(accountID)
	if err != nil {
		return err
	}
	return m.send(ctx, event{kind: evDisconnect, reply: make(chan error, 1)})
}

// Close terminates the account. Terminal and idempotent: repeating it
// on a CLOSED account is a no-op.
func (mgr *Manager) Close(ctx context.Context, accountID string) error {
	m, err := mgr.machine(accountID)
	if err != nil {
		return err
	}
	if m.snapshot().State == domain.StateClosed {
		return nil
	}
	if err := m.send(ctx, event{kind: evClose, reply: make(chan error, 1)}); err != nil {
		if err == domain.ErrAccountClosed {
			return nil
		}
		return err
	}
	return nil
}

// Get returns the current snapshot of an account.
func (mgr *Manager) Get(accountID string) (domain.Account, error) {
	m, err := mgr.machine(accountID)
	if err != nil {
		return domain.Account{}, err
	}
	return m.snapshot(), nil
}

// List returns snapshots of every known account ordered by id.
func (mgr *Manager) List() []domain.Account {
	mgr.mtx.RLock()
	accounts := make([]domain.Account, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		accounts = append(accounts, m.snapshot())
	}
	mgr.mtx.RUnlock()

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID < accounts[j].ID
	})
	return accounts
}

// QR returns the current QR artifact. Callers poll: accounts that have
// not reached AWAITING_QR yield ErrNotAvailableYet.
func (mgr *Manager) QR(accountID string) (string, error) {
	acct, err := mgr.Get(accountID)
	if err != nil {
		return "", err
	}
	if acct.State != domain.StateAwaitingQR || acct.QRArtifact == "" {
		return "", domain.ErrNotAvailableYet
	}
	return acct.QRArtifact, nil
}

// PairingCode mirrors QR for the pairing-code handshake path.
func (mgr *Manager) PairingCode(accountID string) (string, error) {
	acct, err := mgr.Get(accountID)
	if err != nil {
		return "", err
	}
	if acct.State != domain.StateAwaitingPairingCode || acct.PairingCode == "" {
		return "", domain.ErrNotAvailableYet
	}
	return acct.PairingCode, nil
}

// Ingest feeds a backend-pushed event into the account's worker.
// Events for CLOSED accounts are dropped silently.
func (mgr *Manager) Ingest(ctx context.Context, accountID string, be domain.BackendEvent) error {
	m, err := mgr.machine(accountID)
	if err != nil {
		return err
	}
	if m.snapshot().State == domain.StateClosed {
		return nil
	}
	if err := m.send(ctx, event{kind: evBackend, backend: be}); err != nil {
		if err == domain.ErrAccountClosed {
			return nil
		}
		return err
	}
	return nil
}

// ReportTransportFailure marks a transient delivery-path failure
// against the account. Non-blocking; drives CONNECTED into DEGRADED.
func (mgr *Manager) ReportTransportFailure(accountID string) {
	m, err := mgr.machine(accountID)
	if err != nil {
		return
	}
	m.notify(event{kind: evTransportFailure})
}

// OnBackendDown rebinds every account bound to the lost backend. Each
// account re-enters the connecting path independently.
func (mgr *Manager) OnBackendDown(backendID string) {
	for _, m := range mgr.all() {
		acct := m.snapshot()
		if acct.BoundBackendID != backendID {
			continue
		}
		switch acct.State {
		case domain.StateUninitialized, domain.StateClosed:
			continue
		}
		go mgr.pushRebind(m, evRebind)
	}
}

// OnBackendUp replays parked rebinds once a backend is usable again.
func (mgr *Manager) OnBackendUp(string) {
	for _, m := range mgr.all() {
		go mgr.pushRebind(m, evRebindRetry)
	}
}

func (mgr *Manager) pushRebind(m *machine, kind eventKind) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.send(ctx, event{kind: kind}); err != nil && err != domain.ErrAccountClosed {
		mgr.logger.Error("failed to deliver rebind event",
			"accountId", m.snapshot().ID, "error", err.Error())
	}
}

// CountsByState aggregates account states for introspection.
func (mgr *Manager) CountsByState() map[domain.AccountState]int {
	counts := make(map[domain.AccountState]int)
	for _, m := range mgr.all() {
		counts[m.snapshot().State]++
	}
	return counts
}

// Restore re-creates accounts persisted by a previous run and kicks
// off their reconnection. Bindings are not trusted across restarts;
// every account re-enters backend selection.
func (mgr *Manager) Restore(ctx context.Context) error {
	accounts, err := mgr.deps.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list persisted accounts: %w", err)
	}

	for _, acct := range accounts {
		if acct.State == domain.StateClosed {
			continue
		}
		req := ConnectRequest{
			ID:             acct.ID,
			WebhookURL:     acct.WebhookURL,
			UsePairingCode: acct.UsePairingCode,
		}
		go func() {
			connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := mgr.Connect(connectCtx, req); err != nil {
				mgr.logger.Warn("failed to restore account session",
					"accountId", req.ID, "error", err.Error())
			}
		}()
	}
	mgr.logger.Info("restoring persisted accounts", "count", len(accounts))

	return nil
}

// Shutdown halts every worker without transitioning accounts, so they
// resume where they left off on the next start.
func (mgr *Manager) Shutdown(ctx context.Context) error {
	for _, m := range mgr.all() {
		m.halt()
	}
	for _, m := range mgr.all() {
		select {
		case <-m.exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (mgr *Manager) machine(accountID string) (*machine, error) {
	mgr.mtx.RLock()
	defer mgr.mtx.RUnlock()

	m, ok := mgr.machines[accountID]
	if !ok {
		return nil, domain.NewAccountNotFound(accountID)
	}
	return m, nil
}

func (mgr *Manager) all() []*machine {
	mgr.mtx.RLock()
	defer mgr.mtx.RUnlock()

	machines := make([]*machine, 0, len(mgr.machines))
	for _, m := range mgr.machines {
		machines = append(machines, m)
	}
	return machines
}
