package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	failures []string
}

func (a *fakeAccounts) Get(accountID string) (domain.Account, error) {
	acct, ok := a.accounts[accountID]
	if !ok {
		return domain.Account{}, domain.NewAccountNotFound(accountID)
	}
	return acct, nil
}

func (a *fakeAccounts) ReportTransportFailure(accountID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, accountID)
}

func (a *fakeAccounts) reported() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

type fakePool struct {
	backends map[string]domain.Backend
}

func (p *fakePool) Get(backendID string) (domain.Backend, error) {
	b, ok := p.backends[backendID]
	if !ok {
		return domain.Backend{}, domain.NewBackendNotFound(backendID)
	}
	return b, nil
}

type fakeSender struct {
	mu      sync.Mutex
	calls   int
	result  domain.SendResult
	err     error
	payload json.RawMessage
}

func (s *fakeSender) SendMessage(_ context.Context, _ domain.Backend, _ string, payload json.RawMessage) (domain.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.payload = payload
	return s.result, s.err
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
	urls   []string
}

func (s *fakeSink) Dispatch(event domain.WebhookEvent, webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.urls = append(s.urls, webhookURL)
}

type fakeReceipts struct {
	mu     sync.Mutex
	cached []string
	err    error
}

func (r *fakeReceipts) CacheReceipt(_ context.Context, messageID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = append(r.cached, messageID)
	return r.err
}

type fixture struct {
	router   *Router
	accounts *fakeAccounts
	sender   *fakeSender
	sink     *fakeSink
	receipts *fakeReceipts
}

func newFixture(accounts map[string]domain.Account) *fixture {
	f := &fixture{
		accounts: &fakeAccounts{accounts: accounts},
		sender:   &fakeSender{result: domain.SendResult{MessageID: "msg-1", Status: "sent"}},
		sink:     &fakeSink{},
		receipts: &fakeReceipts{},
	}
	pool := &fakePool{backends: map[string]domain.Backend{
		"b1": {ID: "b1", BaseURL: "http://b1", HealthStatus: domain.HealthHealthy},
	}}
	f.router = New(f.accounts, pool, f.sender, f.sink, f.receipts,
		fixedClock{}, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	return f
}

type fixedClock struct{}

func (fixedClock) Now() time.Time                             { return time.UnixMilli(1700000000000).UTC() }
func (fixedClock) After(time.Duration) <-chan time.Time       { return nil }
func (fixedClock) Sleep(context.Context, time.Duration) error { return nil }

func connected(id string) domain.Account {
	return domain.Account{
		ID:             id,
		State:          domain.StateConnected,
		BoundBackendID: "b1",
		WebhookURL:     "http://hook",
	}
}

func TestSend_Success(t *testing.T) {
	f := newFixture(map[string]domain.Account{"acc1": connected("acc1")})

	payload := json.RawMessage(`{"to":"+905551112233","text":"hi"}`)
	result, err := f.router.Send(context.Background(), "acc1", payload)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", result.MessageID)
	assert.Equal(t, "sent", result.Status)
	assert.JSONEq(t, string(payload), string(f.sender.payload))

	// side channels: one message.status webhook plus a cached receipt
	require.Len(t, f.sink.events, 1)
	evt := f.sink.events[0]
	assert.Equal(t, domain.EventMessageStatus, evt.Type)
	assert.Equal(t, "acc1", evt.AccountID)
	assert.Equal(t, int64(1700000000000), evt.TimestampMs)
	assert.Equal(t, "http://hook", f.sink.urls[0])
	data := evt.Data.(domain.MessageStatusData)
	assert.Equal(t, "msg-1", data.MessageID)
	assert.Equal(t, "sent", data.Status)

	assert.Equal(t, []string{"msg-1"}, f.receipts.cached)
}

func TestSend_UnknownAccount(t *testing.T) {
	f := newFixture(nil)

	_, err := f.router.Send(context.Background(), "ghost", nil)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 0, f.sender.callCount())
}

func TestSend_RejectsNonConnectedStates(t *testing.T) {
	for _, state := range []domain.AccountState{
		domain.StateConnecting,
		domain.StateAwaitingQR,
		domain.StateDegraded,
		domain.StateDisconnected,
		domain.StateError,
	} {
		t.Run(string(state), func(t *testing.T) {
			acct := connected("acc1")
			acct.State = state
			f := newFixture(map[string]domain.Account{"acc1": acct})

			_, err := f.router.Send(context.Background(), "acc1", json.RawMessage(`{}`))

			var notReady *domain.AccountNotReadyError
			require.ErrorAs(t, err, &notReady)
			assert.Equal(t, state, notReady.State)
			assert.Contains(t, err.Error(), string(state))
			assert.Equal(t, 0, f.sender.callCount(), "backend must not be contacted")
			assert.Empty(t, f.sink.events)
		})
	}
}

func TestSend_BoundBackendGone(t *testing.T) {
	acct := connected("acc1")
	acct.BoundBackendID = "vanished"
	f := newFixture(map[string]domain.Account{"acc1": acct})

	_, err := f.router.Send(context.Background(), "acc1", json.RawMessage(`{}`))

	var unreachable *domain.BackendUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "vanished", unreachable.BackendID)
	assert.Equal(t, []string{"acc1"}, f.accounts.reported())
	assert.Equal(t, 0, f.sender.callCount())
}

func TestSend_TransportFailureDegradesAccount(t *testing.T) {
	f := newFixture(map[string]domain.Account{"acc1": connected("acc1")})
	f.sender.err = &domain.BackendUnreachableError{BackendID: "b1", Err: errors.New("connection reset")}

	_, err := f.router.Send(context.Background(), "acc1", json.RawMessage(`{}`))

	var unreachable *domain.BackendUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, []string{"acc1"}, f.accounts.reported())
	assert.Empty(t, f.sink.events, "no message.status for a failed send")
	assert.Empty(t, f.receipts.cached)
}

func TestSend_ProtocolErrorPassesThrough(t *testing.T) {
	f := newFixture(map[string]domain.Account{"acc1": connected("acc1")})
	f.sender.err = &domain.ProtocolError{Code: 422, Message: "invalid recipient jid"}

	_, err := f.router.Send(context.Background(), "acc1", json.RawMessage(`{}`))

	var protoErr *domain.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "invalid recipient jid", protoErr.Message)
	assert.Empty(t, f.accounts.reported(), "domain rejections are not transport failures")
}

func TestSend_ReceiptFailureDoesNotFailTheSend(t *testing.T) {
	f := newFixture(map[string]domain.Account{"acc1": connected("acc1")})
	f.receipts.err = errors.New("redis down")

	result, err := f.router.Send(context.Background(), "acc1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "msg-1", result.MessageID)
	require.Len(t, f.sink.events, 1)
}
