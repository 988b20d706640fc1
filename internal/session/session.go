// Package session owns the lifecycle of one outbound-messaging connection per
// tenant: pairing handshake, credential recovery, reconnection, ban cooldown
// handling, and humanized send pacing.
package session

import (
	"time"
)

// State is the lifecycle state of a channel session.
type State string

const (
	StateConnecting        State = "connecting"
	StateAwaitingHandshake State = "awaiting_handshake"
	StateConnected         State = "connected"
	StateDisconnected      State = "disconnected"
	StateBannedCooldown    State = "banned_cooldown"
)

// Session is the persisted record of one connection attempt. At most one
// session per tenant may be connected at a time.
type Session struct {
	TenantID       string    `json:"tenantId"`
	SessionID      string    `json:"sessionId"`
	State          State     `json:"state"`
	CredentialsRef string    `json:"credentialsRef,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt,omitempty"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

// CooldownMark is a tenant-scoped block with an expiry, set when the provider
// signals abuse. While active, connection attempts are rejected locally
// without contacting the provider.
type CooldownMark struct {
	TenantID  string    `json:"tenantId"`
	Reason    string    `json:"reason"`
	Code      int       `json:"code,omitempty"`
	SetAt     time.Time `json:"setAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Active reports whether the mark still blocks connections at time now.
func (m *CooldownMark) Active(now time.Time) bool {
	return m != nil && now.Before(m.ExpiresAt)
}

// InboundMessage is a message received on the side channel.
type InboundMessage struct {
	From       string    `json:"from"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Status is the externally visible connection status of a tenant.
type Status struct {
	TenantID       string    `json:"tenantId"`
	SessionID      string    `json:"sessionId,omitempty"`
	State          State     `json:"state"`
	PairingCode    string    `json:"pairingCode,omitempty"`
	ConnectedAt    time.Time `json:"connectedAt,omitempty"`
	CooldownUntil  time.Time `json:"cooldownUntil,omitempty"`
	CooldownReason string    `json:"cooldownReason,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}
