package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBackendAvailable is returned at bind time when no backend is
	// HEALTHY. Retryable by the caller.
	ErrNoBackendAvailable = errors.New("no healthy backend available")

	// ErrNotAvailableYet is returned when a QR or pairing artifact is
	// requested before the account reached the awaiting state.
	ErrNotAvailableYet = errors.New("NotAvailableYet")

	// ErrAccountClosed is returned for commands against a closed account.
	ErrAccountClosed = errors.New("account is closed")
)

// NotFoundError covers unknown account or backend ids.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func NewAccountNotFound(id string) error {
	return &NotFoundError{Kind: "account", ID: id}
}

func NewBackendNotFound(id string) error {
	return &NotFoundError{Kind: "backend", ID: id}
}

// AccountNotReadyError rejects a send attempted outside CONNECTED. It
// carries the observed state for caller diagnostics.
type AccountNotReadyError struct {
	AccountID string
	State     AccountState
}

func (e *AccountNotReadyError) Error() string {
	return fmt.Sprintf("account %q is not ready to send: state is %s", e.AccountID, e.State)
}

// BackendUnreachableError is a transient transport failure talking to a
// bound backend. It drives the account toward DEGRADED rather than
// surfacing as a hard API error.
type BackendUnreachableError struct {
	BackendID string
	Err       error
}

func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("backend %q unreachable: %v", e.BackendID, e.Err)
}

func (e *BackendUnreachableError) Unwrap() error {
	return e.Err
}

// ProtocolError is a domain failure reported by a backend during a
// send (invalid recipient and the like). Never retried by the router.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}
