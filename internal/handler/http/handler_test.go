package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/aniladanir/messenger-gateway/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubGateway struct {
	connectResult domain.Account
	connectErr    error
	connectReq    session.ConnectRequest
	getResult     domain.Account
	getErr        error
	qrResult      string
	qrErr         error
	pairingResult string
	pairingErr    error
	disconnectErr error
	closeErr      error
	list          []domain.Account
	ingested      []domain.BackendEvent
	ingestedIDs   []string
	ingestErr     error
}

func (g *stubGateway) Connect(_ context.Context, req session.ConnectRequest) (domain.Account, error) {
	g.connectReq = req
	return g.connectResult, g.connectErr
}

func (g *stubGateway) Disconnect(context.Context, string) error { return g.disconnectErr }
func (g *stubGateway) Close(context.Context, string) error      { return g.closeErr }

func (g *stubGateway) Get(string) (domain.Account, error) { return g.getResult, g.getErr }
func (g *stubGateway) List() []domain.Account             { return g.list }

func (g *stubGateway) QR(string) (string, error)          { return g.qrResult, g.qrErr }
func (g *stubGateway) PairingCode(string) (string, error) { return g.pairingResult, g.pairingErr }

func (g *stubGateway) Ingest(_ context.Context, accountID string, be domain.BackendEvent) error {
	g.ingestedIDs = append(g.ingestedIDs, accountID)
	g.ingested = append(g.ingested, be)
	return g.ingestErr
}

func (g *stubGateway) CountsByState() map[domain.AccountState]int {
	return map[domain.AccountState]int{domain.StateConnected: 2}
}

type stubSender struct {
	result  domain.SendResult
	err     error
	payload json.RawMessage
}

func (s *stubSender) Send(_ context.Context, _ string, payload json.RawMessage) (domain.SendResult, error) {
	s.payload = payload
	return s.result, s.err
}

type stubPool struct{ backends []domain.Backend }

func (p *stubPool) Snapshot() []domain.Backend { return p.backends }

type stubStats struct{ depth int }

func (s *stubStats) QueueDepth() int { return s.depth }

type testServer struct {
	handler *Handler
	gateway *stubGateway
	sender  *stubSender
}

func newTestServer() *testServer {
	gateway := &stubGateway{}
	sender := &stubSender{result: domain.SendResult{MessageID: "msg-1", Status: "sent"}}
	pool := &stubPool{backends: []domain.Backend{
		{ID: "b1", BaseURL: "http://b1", CapacityWeight: 1, HealthStatus: domain.HealthHealthy},
	}}
	return &testServer{
		handler: NewHttpHandler(":0", gateway, sender, pool, &stubStats{depth: 3}),
		gateway: gateway,
		sender:  sender,
	}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.handler.server.Handler.ServeHTTP(w, req)

	var envelope response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return w, envelope
}

func TestConnectAccount(t *testing.T) {
	ts := newTestServer()
	ts.gateway.connectResult = domain.Account{ID: "acc1", State: domain.StateConnecting}

	w, envelope := ts.do(t, http.MethodPost, "/accounts/connect",
		`{"id":"acc1","webhookUrl":"http://hook","usePairingCode":true}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, "acc1", data["id"])
	assert.Equal(t, "CONNECTING", data["status"])

	assert.Equal(t, session.ConnectRequest{
		ID:             "acc1",
		WebhookURL:     "http://hook",
		UsePairingCode: true,
	}, ts.gateway.connectReq)
}

func TestConnectAccount_EmptyBodyIsAllowed(t *testing.T) {
	ts := newTestServer()
	ts.gateway.connectResult = domain.Account{ID: "generated", State: domain.StateConnecting}

	w, envelope := ts.do(t, http.MethodPost, "/accounts/connect", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
}

func TestConnectAccount_NoBackendAvailable(t *testing.T) {
	ts := newTestServer()
	ts.gateway.connectErr = domain.ErrNoBackendAvailable

	w, envelope := ts.do(t, http.MethodPost, "/accounts/connect", `{}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, domain.ErrNoBackendAvailable.Error(), envelope.Error)
}

func TestConnectAccount_ClosedConflict(t *testing.T) {
	ts := newTestServer()
	ts.gateway.connectErr = domain.ErrAccountClosed

	w, envelope := ts.do(t, http.MethodPost, "/accounts/connect", `{"id":"acc1"}`)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, envelope.Success)
}

func TestAccountStatus_NotFoundShape(t *testing.T) {
	ts := newTestServer()
	ts.gateway.getErr = domain.NewAccountNotFound("ghost")

	w, envelope := ts.do(t, http.MethodGet, "/accounts/ghost/status", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "Account not found", envelope.Error)
	assert.Nil(t, envelope.Data)
}

func TestAccountStatus_OmitsEmptyArtifacts(t *testing.T) {
	ts := newTestServer()
	ts.gateway.getResult = domain.Account{ID: "acc1", State: domain.StateConnected, PhoneIdentity: "+905551112233"}

	w, envelope := ts.do(t, http.MethodGet, "/accounts/acc1/status", "")

	assert.Equal(t, http.StatusOK, w.Code)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, "CONNECTED", data["status"])
	assert.Equal(t, "+905551112233", data["phoneNumber"])
	assert.NotContains(t, data, "qrCode")
	assert.NotContains(t, data, "pairingCode")
}

func TestAccountQR_NotAvailableYet(t *testing.T) {
	ts := newTestServer()
	ts.gateway.qrErr = domain.ErrNotAvailableYet

	w, envelope := ts.do(t, http.MethodGet, "/accounts/acc1/qr", "")

	// polling contract: 200 with success=false, never an error status
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, envelope.Success)
	assert.Equal(t, "NotAvailableYet", envelope.Error)
}

func TestAccountQR_Available(t *testing.T) {
	ts := newTestServer()
	ts.gateway.qrResult = "qr-artifact"

	w, envelope := ts.do(t, http.MethodGet, "/accounts/acc1/qr", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
	assert.Equal(t, "qr-artifact", envelope.Data.(map[string]any)["qrCode"])
}

func TestAccountPairingCode(t *testing.T) {
	ts := newTestServer()
	ts.gateway.pairingResult = "ABCD-1234"

	w, envelope := ts.do(t, http.MethodGet, "/accounts/acc1/pairing-code", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ABCD-1234", envelope.Data.(map[string]any)["pairingCode"])
}

func TestSendMessage_Success(t *testing.T) {
	ts := newTestServer()

	payload := `{"to":"+905551112233","text":"hi"}`
	w, envelope := ts.do(t, http.MethodPost, "/accounts/acc1/send-message", payload)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)
	assert.Equal(t, "msg-1", envelope.Data.(map[string]any)["messageId"])
	assert.JSONEq(t, payload, string(ts.sender.payload))
}

func TestSendMessage_MissingPayload(t *testing.T) {
	ts := newTestServer()

	w, envelope := ts.do(t, http.MethodPost, "/accounts/acc1/send-message", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, envelope.Success)
}

func TestSendMessage_NotReady(t *testing.T) {
	ts := newTestServer()
	ts.sender.err = &domain.AccountNotReadyError{AccountID: "acc1", State: domain.StateDegraded}

	w, envelope := ts.do(t, http.MethodPost, "/accounts/acc1/send-message", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, envelope.Error, "DEGRADED")
}

func TestSendMessage_ProtocolErrorVerbatim(t *testing.T) {
	ts := newTestServer()
	ts.sender.err = &domain.ProtocolError{Code: 422, Message: "invalid recipient jid"}

	w, envelope := ts.do(t, http.MethodPost, "/accounts/acc1/send-message", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid recipient jid", envelope.Error)
}

func TestSendMessage_BackendUnreachable(t *testing.T) {
	ts := newTestServer()
	ts.sender.err = &domain.BackendUnreachableError{BackendID: "b1", Err: errors.New("timeout")}

	w, envelope := ts.do(t, http.MethodPost, "/accounts/acc1/send-message", `{}`)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.False(t, envelope.Success)
}

func TestListAccounts(t *testing.T) {
	ts := newTestServer()
	ts.gateway.list = []domain.Account{
		{ID: "acc1", State: domain.StateConnected},
		{ID: "acc2", State: domain.StateDisconnected},
	}

	w, envelope := ts.do(t, http.MethodGet, "/accounts", "")

	assert.Equal(t, http.StatusOK, w.Code)
	accounts := envelope.Data.([]any)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acc1", accounts[0].(map[string]any)["id"])
}

func TestListBackends(t *testing.T) {
	ts := newTestServer()

	w, envelope := ts.do(t, http.MethodGet, "/backends", "")

	assert.Equal(t, http.StatusOK, w.Code)
	backends := envelope.Data.([]any)
	require.Len(t, backends, 1)
	b := backends[0].(map[string]any)
	assert.Equal(t, "b1", b["id"])
	assert.Equal(t, "HEALTHY", b["healthStatus"])
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer()

	w, envelope := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, envelope.Success)

	w, envelope = ts.do(t, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := envelope.Data.(map[string]any)
	assert.Equal(t, float64(3), data["webhookQueueDepth"])
	accounts := data["accounts"].(map[string]any)
	assert.Equal(t, float64(2), accounts["CONNECTED"])
}

func TestIngestBackendEvent(t *testing.T) {
	ts := newTestServer()

	w, envelope := ts.do(t, http.MethodPost, "/internal/backend-events",
		`{"accountId":"acc1","event":"qr","qrCode":"qr-artifact"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, envelope.Success)
	require.Equal(t, []string{"acc1"}, ts.gateway.ingestedIDs)
	assert.Equal(t, domain.BackendEventQR, ts.gateway.ingested[0].Kind)
	assert.Equal(t, "qr-artifact", ts.gateway.ingested[0].QRArtifact)
}

func TestIngestBackendEvent_Validation(t *testing.T) {
	ts := newTestServer()

	w, _ := ts.do(t, http.MethodPost, "/internal/backend-events", `{"event":"qr"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/internal/backend-events", `{"accountId":"acc1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngestBackendEvent_UnknownAccount(t *testing.T) {
	ts := newTestServer()
	ts.gateway.ingestErr = domain.NewAccountNotFound("ghost")

	w, envelope := ts.do(t, http.MethodPost, "/internal/backend-events",
		`{"accountId":"ghost","event":"connected"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Account not found", envelope.Error)
}
