package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	_ "github.com/aniladanir/messenger-gateway/docs"
	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/aniladanir/messenger-gateway/internal/session"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Gateway is the account-lifecycle surface the handler exposes.
type Gateway interface {
	Connect(ctx context.Context, req session.ConnectRequest) (domain.Account, error)
	Disconnect(ctx context.Context, accountID string) error
	Close(ctx context.Context, accountID string) error
	Get(accountID string) (domain.Account, error)
	List() []domain.Account
	QR(accountID string) (string, error)
	PairingCode(accountID string) (string, error)
	Ingest(ctx context.Context, accountID string, be domain.BackendEvent) error
	CountsByState() map[domain.AccountState]int
}

// Sender routes outbound messages.
type Sender interface {
	Send(ctx context.Context, accountID string, payload json.RawMessage) (domain.SendResult, error)
}

// BackendPool exposes read-only pool introspection.
type BackendPool interface {
	Snapshot() []domain.Backend
}

// DispatcherStats exposes webhook queue introspection.
type DispatcherStats interface {
	QueueDepth() int
}

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type connectRequest struct {
	ID             string `json:"id"`
	WebhookURL     string `json:"webhookUrl"`
	UsePairingCode bool   `json:"usePairingCode"`
}

type Handler struct {
	gateway   Gateway
	sender    Sender
	pool      BackendPool
	stats     DispatcherStats
	server    *http.Server
	startedAt time.Time
}

// @title Messenger Gateway API
// @version 1.0
// @description Session orchestration and delivery API for messaging-protocol accounts
// @host localhost:8080
// @BasePath /
func NewHttpHandler(addr string, gateway Gateway, sender Sender, pool BackendPool, stats DispatcherStats) *Handler {
	h := &Handler{
		gateway:   gateway,
		sender:    sender,
		pool:      pool,
		stats:     stats,
		startedAt: time.Now(),
	}

	// create router
	router := gin.Default()

	// register routes
	router.POST("/accounts/connect", h.connectAccount)
	router.DELETE("/accounts/:id/disconnect", h.disconnectAccount)
	router.DELETE("/accounts/:id", h.closeAccount)
	router.GET("/accounts/:id/status", h.accountStatus)
	router.GET("/accounts/:id/qr", h.accountQR)
	router.GET("/accounts/:id/pairing-code", h.accountPairingCode)
	router.GET("/accounts", h.listAccounts)
	router.POST("/accounts/:id/send-message", h.sendMessage)
	router.GET("/backends", h.listBackends)
	router.GET("/health", h.health)
	router.GET("/stats", h.getStats)
	router.POST("/internal/backend-events", h.ingestBackendEvent)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// create http server
	h.server = &http.Server{
		Addr:    addr,
		Handler: router.Handler(),
	}

	return h
}

func (h *Handler) Run() error {
	return h.server.ListenAndServe()
}

func (h *Handler) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// ConnectAccount godoc
// @Summary Create and connect an account
// @Description Binds the account to a backend and starts the protocol session
// @Tags Accounts
// @Accept json
// @Param request body connectRequest false "connection options"
// @Success 200 {object} response
// @Failure 503 {object} response
// @Router /accounts/connect [post]
func (h *Handler) connectAccount(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, response{Success: false, Error: "invalid request body"})
		return
	}

	acct, err := h.gateway.Connect(c.Request.Context(), session.ConnectRequest{
		ID:             req.ID,
		WebhookURL:     req.WebhookURL,
		UsePairingCode: req.UsePairingCode,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{
		"id":     acct.ID,
		"status": acct.State,
	}})
}

// DisconnectAccount godoc
// @Summary Disconnect an account
// @Description Tears the protocol session down; the account can be reconnected later
// @Tags Accounts
// @Param id path string true "account id"
// @Success 200 {object} response
// @Failure 404 {object} response
// @Router /accounts/{id}/disconnect [delete]
func (h *Handler) disconnectAccount(c *gin.Context) {
	if err := h.gateway.Disconnect(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true})
}

// CloseAccount godoc
// @Summary Close an account
// @Description Terminal teardown; the account id stays reserved until cleanup
// @Tags Accounts
// @Param id path string true "account id"
// @Success 200 {object} response
// @Failure 404 {object} response
// @Router /accounts/{id} [delete]
func (h *Handler) closeAccount(c *gin.Context) {
	if err := h.gateway.Close(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true})
}

// AccountStatus godoc
// @Summary Poll account state
// @Tags Accounts
// @Param id path string true "account id"
// @Success 200 {object} response
// @Failure 404 {object} response
// @Router /accounts/{id}/status [get]
func (h *Handler) accountStatus(c *gin.Context) {
	acct, err := h.gateway.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	data := gin.H{
		"id":     acct.ID,
		"status": acct.State,
	}
	if acct.PhoneIdentity != "" {
		data["phoneNumber"] = acct.PhoneIdentity
	}
	if acct.QRArtifact != "" {
		data["qrCode"] = acct.QRArtifact
	}
	if acct.PairingCode != "" {
		data["pairingCode"] = acct.PairingCode
	}

	c.JSON(http.StatusOK, response{Success: true, Data: data})
}

// AccountQR godoc
// @Summary Poll the QR artifact
// @Description Returns NotAvailableYet until the backend issues a QR; callers poll
// @Tags Accounts
// @Param id path string true "account id"
// @Success 200 {object} response
// @Router /accounts/{id}/qr [get]
func (h *Handler) accountQR(c *gin.Context) {
	qr, err := h.gateway.QR(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{"qrCode": qr}})
}

// AccountPairingCode godoc
// @Summary Poll the pairing code
// @Tags Accounts
// @Param id path string true "account id"
// @Success 200 {object} response
// @Router /accounts/{id}/pairing-code [get]
func (h *Handler) accountPairingCode(c *gin.Context) {
	code, err := h.gateway.PairingCode(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{"pairingCode": code}})
}

// ListAccounts godoc
// @Summary List all accounts
// @Tags Accounts
// @Success 200 {object} response
// @Router /accounts [get]
func (h *Handler) listAccounts(c *gin.Context) {
	c.JSON(http.StatusOK, response{Success: true, Data: h.gateway.List()})
}

// SendMessage godoc
// @Summary Send a message through an account
// @Description Fails with 400 unless the account is CONNECTED
// @Tags Messages
// @Accept json
// @Param id path string true "account id"
// @Success 200 {object} response
// @Failure 400 {object} response
// @Failure 404 {object} response
// @Router /accounts/{id}/send-message [post]
func (h *Handler) sendMessage(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil || len(payload) == 0 {
		c.JSON(http.StatusBadRequest, response{Success: false, Error: "missing message payload"})
		return
	}

	result, err := h.sender.Send(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{"messageId": result.MessageID}})
}

// ListBackends godoc
// @Summary List protocol backends
// @Tags Backends
// @Success 200 {object} response
// @Router /backends [get]
func (h *Handler) listBackends(c *gin.Context) {
	c.JSON(http.StatusOK, response{Success: true, Data: h.pool.Snapshot()})
}

// Health godoc
// @Summary Process liveness
// @Tags Introspection
// @Success 200 {object} response
// @Router /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{"status": "ok"}})
}

// Stats godoc
// @Summary Process and registry statistics
// @Tags Introspection
// @Success 200 {object} response
// @Router /stats [get]
func (h *Handler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, response{Success: true, Data: gin.H{
		"uptimeSeconds":     int64(time.Since(h.startedAt).Seconds()),
		"accounts":          h.gateway.CountsByState(),
		"backends":          h.pool.Snapshot(),
		"webhookQueueDepth": h.stats.QueueDepth(),
	}})
}

// IngestBackendEvent godoc
// @Summary Ingest a backend-pushed session event
// @Description Internal endpoint protocol backends push status, artifact and message events to
// @Tags Internal
// @Accept json
// @Success 202 {object} response
// @Failure 404 {object} response
// @Router /internal/backend-events [post]
func (h *Handler) ingestBackendEvent(c *gin.Context) {
	var req struct {
		AccountID string `json:"accountId"`
		domain.BackendEvent
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Success: false, Error: "invalid request body"})
		return
	}
	if req.AccountID == "" || req.Kind == "" {
		c.JSON(http.StatusBadRequest, response{Success: false, Error: "accountId and event are required"})
		return
	}

	if err := h.gateway.Ingest(c.Request.Context(), req.AccountID, req.BackendEvent); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, response{Success: true})
}

// writeError maps the error taxonomy onto HTTP statuses and the
// uniform failure envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		notFound    *domain.NotFoundError
		notReady    *domain.AccountNotReadyError
		unreachable *domain.BackendUnreachableError
		protocol    *domain.ProtocolError
	)

	switch {
	case errors.As(err, &notFound):
		msg := "Account not found"
		if notFound.Kind == "backend" {
			msg = "Backend not found"
		}
		c.JSON(http.StatusNotFound, response{Success: false, Error: msg})
	case errors.As(err, &notReady):
		c.JSON(http.StatusBadRequest, response{Success: false, Error: notReady.Error()})
	case errors.Is(err, domain.ErrNoBackendAvailable):
		c.JSON(http.StatusServiceUnavailable, response{Success: false, Error: domain.ErrNoBackendAvailable.Error()})
	case errors.Is(err, domain.ErrNotAvailableYet):
		c.JSON(http.StatusOK, response{Success: false, Error: "NotAvailableYet"})
	case errors.Is(err, domain.ErrAccountClosed):
		c.JSON(http.StatusConflict, response{Success: false, Error: err.Error()})
	case errors.As(err, &protocol):
		c.JSON(http.StatusBadRequest, response{Success: false, Error: protocol.Message})
	case errors.As(err, &unreachable):
		c.JSON(http.StatusServiceUnavailable, response{Success: false, Error: "backend temporarily unreachable"})
	default:
		c.JSON(http.StatusInternalServerError, response{Success: false, Error: "internal error"})
	}
}
