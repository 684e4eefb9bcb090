package domain

import (
	"time"
)

type AccountState string

const (
	StateUninitialized       AccountState = "UNINITIALIZED"
	StateConnecting          AccountState = "CONNECTING"
	StateAwaitingQR          AccountState = "AWAITING_QR"
	StateAwaitingPairingCode AccountState = "AWAITING_PAIRING_CODE"
	StateConnected           AccountState = "CONNECTED"
	StateDegraded            AccountState = "DEGRADED"
	StateDisconnected        AccountState = "DISCONNECTED"
	StateError               AccountState = "ERROR"
	StateClosed              AccountState = "CLOSED"
)

// Sendable reports whether outbound messages may be routed for an
// account in this state.
func (s AccountState) Sendable() bool {
	return s == StateConnected
}

// Terminal reports whether the state admits no further transitions.
func (s AccountState) Terminal() bool {
	return s == StateClosed
}

// Account is one managed messaging identity. The session manager owns
// the authoritative copy; rows in the store are snapshots upserted on
// every transition.
type Account struct {
	ID                string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	State             AccountState `gorm:"type:varchar(32);not null" json:"status"`
	BoundBackendID    string       `gorm:"type:varchar(64)" json:"boundBackendId,omitempty"`
	QRArtifact        string       `gorm:"type:text" json:"qrCode,omitempty"`
	PairingCode       string       `gorm:"type:varchar(32)" json:"pairingCode,omitempty"`
	PhoneIdentity     string       `gorm:"type:varchar(32)" json:"phoneNumber,omitempty"`
	WebhookURL        string       `gorm:"type:varchar(512)" json:"webhookUrl,omitempty"`
	UsePairingCode    bool         `gorm:"not null" json:"usePairingCode,omitempty"`
	LastStateChangeAt time.Time    `json:"lastStateChangeAt"`
	LastSeenAt        *time.Time   `json:"lastSeenAt,omitempty"`
}

type HealthStatus string

const (
	HealthHealthy     HealthStatus = "HEALTHY"
	HealthDegraded    HealthStatus = "DEGRADED"
	HealthUnreachable HealthStatus = "UNREACHABLE"
)

// Backend is one protocol-handling process the gateway can bind
// accounts to.
type Backend struct {
	ID                string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BaseURL           string       `gorm:"type:varchar(512);not null" json:"baseUrl"`
	CapacityWeight    int          `gorm:"not null" json:"capacityWeight"`
	HealthStatus      HealthStatus `gorm:"type:varchar(16);not null" json:"healthStatus"`
	CurrentLoad       int          `gorm:"not null" json:"currentLoad"`
	LastHealthCheckAt time.Time    `json:"lastHealthCheckAt"`
}

// SendResult is the normalized outcome of a routed send. It is
// transient and never persisted.
type SendResult struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status,omitempty"`
}
