package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/clock"
	"github.com/aniladanir/messenger-gateway/internal/domain"
)

// Accounts is the slice of the session manager the router depends on.
type Accounts interface {
	Get(accountID string) (domain.Account, error)
	ReportTransportFailure(accountID string)
}

// BackendPool resolves an account's bound backend.
type BackendPool interface {
	Get(backendID string) (domain.Backend, error)
}

// BackendSender forwards a payload to the backend owning the session.
type BackendSender interface {
	SendMessage(ctx context.Context, backend domain.Backend, accountID string, payload json.RawMessage) (domain.SendResult, error)
}

// EventSink receives the best-effort message.status notification.
type EventSink interface {
	Dispatch(event domain.WebhookEvent, webhookURL string)
}

// Receipts caches delivery receipts for successful sends.
type Receipts interface {
	CacheReceipt(ctx context.Context, messageID string, sentAt time.Time) error
}

// Router validates that an account can send, forwards the payload to
// its bound backend and normalizes the result. The synchronous return
// value is authoritative; the message.status webhook it fires on
// success is best-effort and may race with it.
type Router struct {
	accounts    Accounts
	pool        BackendPool
	sender      BackendSender
	sink        EventSink
	receipts    Receipts
	clock       clock.Clock
	logger      *slog.Logger
	sendTimeout time.Duration
}

func New(accounts Accounts, pool BackendPool, sender BackendSender, sink EventSink, receipts Receipts, clk clock.Clock, logger *slog.Logger, sendTimeout time.Duration) *Router {
	return &Router{
		accounts:    accounts,
		pool:        pool,
		sender:      sender,
		sink:        sink,
		receipts:    receipts,
		clock:       clk,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// Send dispatches one outbound payload through the account's session.
// Accounts outside CONNECTED fail fast without any backend contact.
func (r *Router) Send(ctx context.Context, accountID string, payload json.RawMessage) (domain.SendResult, error) {
	acct, err := r.accounts.Get(accountID)
	if err != nil {
		return domain.SendResult{}, err
	}
	if !acct.State.Sendable() {
		return domain.SendResult{}, &domain.AccountNotReadyError{
			AccountID: accountID,
			State:     acct.State,
		}
	}

	backend, err := r.pool.Get(acct.BoundBackendID)
	if err != nil {
		r.accounts.ReportTransportFailure(accountID)
		return domain.SendResult{}, &domain.BackendUnreachableError{
			BackendID: acct.BoundBackendID,
			Err:       fmt.Errorf("bound backend left the pool: %w", err),
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	result, err := r.sender.SendMessage(sendCtx, backend, accountID, payload)
	if err != nil {
		var unreachable *domain.BackendUnreachableError
		if errors.As(err, &unreachable) {
			r.accounts.ReportTransportFailure(accountID)
		}
		return domain.SendResult{}, err
	}

	r.logger.Info("message routed",
		"accountId", accountID, "backendId", backend.ID, "messageId", result.MessageID)

	// best-effort side channels, independent of the synchronous result
	r.sink.Dispatch(domain.WebhookEvent{
		Type:        domain.EventMessageStatus,
		AccountID:   accountID,
		TimestampMs: r.clock.Now().UnixMilli(),
		Data: domain.MessageStatusData{
			MessageID: result.MessageID,
			Status:    result.Status,
		},
	}, acct.WebhookURL)

	if err := r.receipts.CacheReceipt(ctx, result.MessageID, r.clock.Now()); err != nil {
		r.logger.Error("failed to cache send receipt",
			"accountId", accountID, "messageId", result.MessageID, "error", err.Error())
	}

	return result, nil
}
