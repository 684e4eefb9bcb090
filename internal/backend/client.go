package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/domain"
	"github.com/google/uuid"
)

// HTTPClient talks to the small control API every protocol backend
// exposes. Sends use a shorter timeout than session commands since
// they sit on a synchronous caller-facing path.
type HTTPClient struct {
	client     *http.Client
	sendClient *http.Client
}

func NewHTTPClient(commandTimeout, sendTimeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: commandTimeout,
		},
		sendClient: &http.Client{
			Timeout: sendTimeout,
		},
	}
}

// Connect instructs the backend to start a protocol session for the
// account. The backend reports progress (QR, pairing code, ready)
// asynchronously through the ingestion endpoint.
func (c *HTTPClient) Connect(ctx context.Context, backend domain.Backend, accountID string, usePairingCode bool) error {
	body := map[string]any{
		"usePairingCode": usePairingCode,
	}
	resp, err := c.do(ctx, c.client, http.MethodPost, fmt.Sprintf("%s/sessions/%s/connect", backend.BaseURL, accountID), body)
	if err != nil {
		return &domain.BackendUnreachableError{BackendID: backend.ID, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return &domain.BackendUnreachableError{BackendID: backend.ID, Err: fmt.Errorf("connect returned status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &domain.ProtocolError{Code: resp.StatusCode, Message: readError(resp.Body)}
	}

	return nil
}

// Disconnect tears the backend session down. Best effort: callers
// treat failures as advisory.
func (c *HTTPClient) Disconnect(ctx context.Context, backend domain.Backend, accountID string) error {
	resp, err := c.do(ctx, c.client, http.MethodDelete, fmt.Sprintf("%s/sessions/%s", backend.BaseURL, accountID), nil)
	if err != nil {
		return &domain.BackendUnreachableError{BackendID: backend.ID, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return &domain.BackendUnreachableError{BackendID: backend.ID, Err: fmt.Errorf("disconnect returned status %d", resp.StatusCode)}
	}

	return nil
}

// SendMessage forwards an outbound payload to the backend session and
// normalizes its response: 2xx yields a SendResult, 4xx a
// ProtocolError carried verbatim, anything else BackendUnreachable.
func (c *HTTPClient) SendMessage(ctx context.Context, backend domain.Backend, accountID string, payload json.RawMessage) (domain.SendResult, error) {
	resp, err := c.do(ctx, c.sendClient, http.MethodPost, fmt.Sprintf("%s/sessions/%s/messages", backend.BaseURL, accountID), payload)
	if err != nil {
		return domain.SendResult{}, &domain.BackendUnreachableError{BackendID: backend.ID, Err: err}
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.SendResult{}, &domain.BackendUnreachableError{BackendID: backend.ID, Err: fmt.Errorf("send returned status %d", resp.StatusCode)}
	case resp.StatusCode >= http.StatusBadRequest:
		return domain.SendResult{}, &domain.ProtocolError{Code: resp.StatusCode, Message: readError(resp.Body)}
	}

	var result domain.SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.SendResult{}, &domain.BackendUnreachableError{BackendID: backend.ID, Err: fmt.Errorf("decode send response: %w", err)}
	}
	if result.Status == "" {
		result.Status = "sent"
	}

	return result, nil
}

// Health probes the backend liveness endpoint. Any non-2xx answer
// counts as a failed probe.
func (c *HTTPClient) Health(ctx context.Context, backend domain.Backend) error {
	resp, err := c.do(ctx, c.client, http.MethodGet, backend.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}

	return nil
}

func (c *HTTPClient) do(ctx context.Context, client *http.Client, method, url string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Request-ID", uuid.NewString())

	return client.Do(req)
}

func readError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return "backend rejected request"
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
