package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/clock"
	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/aniladanir/retry"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	Workers        int
	QueueSize      int
}

type delivery struct {
	event domain.WebhookEvent
	url   string
}

// Dispatcher pushes lifecycle and message events to per-account
// webhook receivers. Dispatch never blocks the caller; deliveries run
// on a bounded worker pool, each event retried on its own backoff
// chain. Exhausted events are logged and dropped, never escalated.
type Dispatcher struct {
	cfg        Config
	queue      chan delivery
	pool       *ants.Pool
	retrier    *retry.Retrier
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	mtx       sync.Mutex
	closed    bool
	forwarder sync.WaitGroup
	inflight  sync.WaitGroup
}

func NewDispatcher(cfg Config, clk clock.Clock, logger *slog.Logger) (*Dispatcher, error) {
	retrier, err := retry.New(retry.WithMaxAttemps(cfg.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("encountered error when initializing retrier: %w", err)
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("encountered error when initializing worker pool: %w", err)
	}

	d := &Dispatcher{
		cfg:     cfg,
		queue:   make(chan delivery, cfg.QueueSize),
		pool:    pool,
		retrier: retrier,
		httpClient: &http.Client{
			Timeout: cfg.AttemptTimeout,
		},
		clock:  clk,
		logger: logger,
	}

	d.forwarder.Go(d.forward)

	return d, nil
}

// Dispatch enqueues an event for delivery and returns immediately.
// A missing webhook url makes it a no-op; a full queue drops the event
// with a log line rather than blocking the state machine.
func (d *Dispatcher) Dispatch(event domain.WebhookEvent, webhookURL string) {
	if webhookURL == "" {
		return
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- delivery{event: event, url: webhookURL}:
	default:
		d.logger.Error("webhook queue full, dropping event",
			"accountId", event.AccountID, "event", string(event.Type))
	}
}

// QueueDepth reports how many events are waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Close drains the queue, waits for in-flight deliveries and releases
// the worker pool.
func (d *Dispatcher) Close() {
	d.mtx.Lock()
	if d.closed {
		d.mtx.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mtx.Unlock()

	d.forwarder.Wait()
	d.inflight.Wait()
	d.pool.Release()
}

func (d *Dispatcher) forward() {
	for item := range d.queue {
		d.inflight.Add(1)
		if err := d.pool.Submit(func() {
			defer d.inflight.Done()
			d.deliver(item)
		}); err != nil {
			d.inflight.Done()
			d.logger.Error("failed to submit webhook delivery",
				"accountId", item.event.AccountID, "error", err.Error())
		}
	}
}

func (d *Dispatcher) deliver(item delivery) {
	evtLogger := d.logger.With(
		slog.String("accountId", item.event.AccountID),
		slog.String("event", string(item.event.Type)),
	)

	jsonPayload, err := json.Marshal(item.event)
	if err != nil {
		evtLogger.Error("failed to encode webhook event", "error", err.Error())
		return
	}

	delivered := false
	retryFunc := func(attempt int) (terminate bool) {
		retryLogger := evtLogger.With(slog.Int("attempt", attempt))

		if attempt > 1 {
			if err := d.clock.Sleep(context.Background(), d.backoff(attempt)); err != nil {
				return true
			}
		}

		resp, err := d.doDelivery(item.url, jsonPayload)
		if err != nil {
			retryLogger.Error("failed to send webhook request", "error", err.Error())
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			delivered = true
			retryLogger.Debug("webhook delivered")
			return true
		} else if resp.StatusCode >= http.StatusInternalServerError {
			// 5XX indicates a receiver-side failure, try retry
			retryLogger.Error("webhook receiver returned error", "statusCode", resp.StatusCode)
			return false
		}

		// 4XX means the receiver rejected the event, no need to retry
		retryLogger.Error("webhook receiver rejected event", "statusCode", resp.StatusCode)
		return true
	}

	<-d.retrier.Retry(context.Background(), retryFunc, true)

	if !delivered {
		evtLogger.Error("webhook delivery exhausted, dropping event",
			"maxAttempts", d.cfg.MaxAttempts)
	}
}

// backoff doubles the base delay on every attempt after the second.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (d *Dispatcher) doDelivery(url string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Request-ID", uuid.NewString())

	return d.httpClient.Do(req)
}
