package domain

import (
	"encoding/json"
)

type EventType string

const (
	EventConnectionUpdate    EventType = "connection.update"
	EventMessageReceived     EventType = "message.received"
	EventMessageStatus       EventType = "message.status"
	EventAccountDisconnected EventType = "account.disconnected"
)

// EventData is the closed set of webhook payloads. The dispatcher only
// touches the envelope; payloads pass through it opaque.
type EventData interface {
	eventData()
}

// ConnectionUpdateData describes a lifecycle transition. Connection is
// "open" once authenticated, "connecting" during the handshake states
// and "close" otherwise.
type ConnectionUpdateData struct {
	Connection string       `json:"connection"`
	State      AccountState `json:"state"`
	Reason     string       `json:"reason,omitempty"`
}

func (ConnectionUpdateData) eventData() {}

type MessageReceivedData struct {
	From    string          `json:"from,omitempty"`
	Message json.RawMessage `json:"message"`
}

func (MessageReceivedData) eventData() {}

type MessageStatusData struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (MessageStatusData) eventData() {}

type AccountDisconnectedData struct {
	Reason string `json:"reason,omitempty"`
}

func (AccountDisconnectedData) eventData() {}

// WebhookEvent is the envelope POSTed to an account's receiver.
type WebhookEvent struct {
	Type        EventType `json:"event"`
	AccountID   string    `json:"accountId"`
	TimestampMs int64     `json:"timestampMs"`
	Data        EventData `json:"data"`
}

// ConnectionFor maps an account state onto the wire-level connection
// field of connection.update payloads.
func ConnectionFor(state AccountState) string {
	switch state {
	case StateConnected:
		return "open"
	case StateConnecting, StateAwaitingQR, StateAwaitingPairingCode:
		return "connecting"
	default:
		return "close"
	}
}

type BackendEventKind string

// Events pushed by protocol backends into the gateway.
const (
	BackendEventQR           BackendEventKind = "qr"
	BackendEventPairingCode  BackendEventKind = "pairing-code"
	BackendEventConnected    BackendEventKind = "connected"
	BackendEventDegraded     BackendEventKind = "degraded"
	BackendEventRecovered    BackendEventKind = "recovered"
	BackendEventDisconnected BackendEventKind = "disconnected"
	BackendEventLoggedOut    BackendEventKind = "logged-out"
	BackendEventError        BackendEventKind = "error"
	BackendEventMessage      BackendEventKind = "message"
)

// BackendEvent is the body a backend posts to the internal ingestion
// endpoint. Only the fields relevant to the kind are populated.
type BackendEvent struct {
	Kind          BackendEventKind `json:"event"`
	QRArtifact    string           `json:"qrCode,omitempty"`
	PairingCode   string           `json:"pairingCode,omitempty"`
	PhoneIdentity string           `json:"phoneNumber,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	From          string           `json:"from,omitempty"`
	Message       json.RawMessage  `json:"message,omitempty"`
}
