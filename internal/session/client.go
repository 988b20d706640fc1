package session

import "context"

// EventType identifies a connection or message event from the protocol
// client.
type EventType string

const (
	// EventPairingCode carries a fresh scannable pairing payload.
	EventPairingCode EventType = "pairing_code"
	// EventConnected signals handshake success or silent credential recovery.
	EventConnected EventType = "connected"
	// EventDisconnected signals the connection dropped.
	EventDisconnected EventType = "disconnected"
	// EventLoggedOut signals the provider invalidated the credentials.
	EventLoggedOut EventType = "logged_out"
	// EventBanned signals a provider-reported abuse block.
	EventBanned EventType = "banned"
	// EventMessage carries an inbound message.
	EventMessage EventType = "message"
)

// Event is one occurrence on a client's event stream.
type Event struct {
	Type EventType

	// Code is the pairing payload for EventPairingCode.
	Code string

	// Reason describes a disconnect or ban.
	Reason string

	// StatusCode is the provider's numeric code, when it reports one
	// (e.g. abuse code 515).
	StatusCode int

	// Message is set for EventMessage.
	Message *InboundMessage
}

// Client is a single tenant's connection to the messaging provider. It is a
// minimal capability interface so the protocol SDK stays behind a seam and
// can be faked in tests.
type Client interface {
	// Connect starts connecting. Progress (pairing codes, connected,
	// disconnects, bans) arrives on Events.
	Connect(ctx context.Context) error

	// SendMessage delivers text to a destination address.
	SendMessage(ctx context.Context, destination, text string) error

	// SendComposing toggles the "composing" presence indicator.
	SendComposing(ctx context.Context, destination string, composing bool) error

	// HasCredentials reports whether persisted authentication material is
	// available for silent recovery without a new handshake.
	HasCredentials() bool

	// CredentialsRef is an opaque handle to the persisted credentials.
	// Never log its contents.
	CredentialsRef() string

	// Logout invalidates the credentials upstream and disconnects.
	Logout(ctx context.Context) error

	// Disconnect drops the connection without invalidating credentials.
	Disconnect()

	// Events is the stream of connection and message events. It is closed
	// by Close.
	Events() <-chan Event

	// Close releases all client resources.
	Close() error
}

// Dialer creates protocol clients per tenant.
type Dialer interface {
	Dial(ctx context.Context, tenantID string) (Client, error)
}
