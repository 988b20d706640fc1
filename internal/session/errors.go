package session

import (
	"fmt"
	"time"
)

// ActiveSessionExistsError is returned by Connect when the tenant already has
// a connected or in-progress session; the caller must disconnect it first.
type ActiveSessionExistsError struct {
	TenantID  string
	SessionID string
	State     State
}

func (e *ActiveSessionExistsError) Error() string {
	return fmt.Sprintf("tenant %s already has a session in state %s; disconnect it first", e.TenantID, e.State)
}

// CooldownActiveError is returned by Connect while a ban cooldown is active.
type CooldownActiveError struct {
	TenantID  string
	Remaining time.Duration
	ExpiresAt time.Time
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("tenant %s is in cooldown for another %.1f hours", e.TenantID, e.Remaining.Hours())
}

// RemainingHours returns the remaining cooldown rounded to whole hours, for
// user-facing messages.
func (e *CooldownActiveError) RemainingHours() int {
	return int(e.Remaining.Hours())
}

// HandshakeTimeoutError indicates the pairing artifact was not consumed
// within the handshake time budget.
type HandshakeTimeoutError struct {
	TenantID string
	Timeout  time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("pairing for tenant %s was not completed within %s", e.TenantID, e.Timeout)
}

// NoActiveSessionError is returned by Send when the tenant has no connected
// session.
type NoActiveSessionError struct {
	TenantID string
}

func (e *NoActiveSessionError) Error() string {
	return fmt.Sprintf("tenant %s has no connected session; connect first", e.TenantID)
}

// ExternalServiceError wraps a failure from the messaging provider or another
// external collaborator.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service failure during %s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }
