// Package whatsapp backs the session client seam with whatsmeow. Each tenant
// gets its own credential store file, so one process can hold many tenant
// connections.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow

	"github.com/cargoops/courier/internal/session"
)

// abuseStreamCode is the provider stream error that signals an abuse block.
const abuseStreamCode = 515

// Config configures the whatsmeow dialer.
type Config struct {
	// SessionDir holds per-tenant credential databases.
	SessionDir string `yaml:"session_dir"`
}

// DefaultConfig returns the default whatsmeow configuration.
func DefaultConfig() Config {
	return Config{SessionDir: "data/whatsapp"}
}

// Dialer creates whatsmeow-backed clients, one credential store per tenant.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.SessionDir == "" {
		cfg.SessionDir = DefaultConfig().SessionDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial opens the tenant's credential store and builds a client around it.
func (d *Dialer) Dial(ctx context.Context, tenantID string) (session.Client, error) {
	if err := os.MkdirAll(d.cfg.SessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	dbPath := filepath.Join(d.cfg.SessionDir, tenantID+".db")

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	c := &Client{
		tenantID:  tenantID,
		container: container,
		wa:        whatsmeow.NewClient(device, waLog.Noop),
		events:    make(chan session.Event, 32),
		logger:    d.logger.With("tenant_id", tenantID),
	}
	c.handlerID = c.wa.AddEventHandler(c.handleEvent)
	return c, nil
}

// Client is a whatsmeow-backed session.Client for one tenant.
type Client struct {
	tenantID  string
	container *sqlstore.Container
	wa        *whatsmeow.Client
	handlerID uint32
	logger    *slog.Logger

	events    chan session.Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ session.Client = (*Client)(nil)

// Connect starts connecting. Without stored credentials it also subscribes to
// the pairing channel and forwards each fresh code as an event.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		qrChan, err := c.wa.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get pairing channel: %w", err)
		}
		if err := c.wa.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item, ok := <-qrChan:
					if !ok {
						return
					}
					switch item.Event {
					case "code":
						c.emit(session.Event{Type: session.EventPairingCode, Code: item.Code})
					case "timeout":
						c.emit(session.Event{Type: session.EventDisconnected, Reason: "pairing channel timeout"})
					}
				}
			}
		}()
		return nil
	}
	if err := c.wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// SendMessage sends text to a destination, which is either a full JID or a
// bare phone number.
func (c *Client) SendMessage(ctx context.Context, destination, text string) error {
	jid, err := parseDestination(destination)
	if err != nil {
		return err
	}
	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendComposing toggles the typing indicator for a destination.
func (c *Client) SendComposing(ctx context.Context, destination string, composing bool) error {
	jid, err := parseDestination(destination)
	if err != nil {
		return err
	}
	state := types.ChatPresencePaused
	if composing {
		state = types.ChatPresenceComposing
	}
	return c.wa.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (c *Client) HasCredentials() bool {
	return c.wa.Store.ID != nil
}

func (c *Client) CredentialsRef() string {
	if c.wa.Store.ID == nil {
		return ""
	}
	return "sqlstore:" + c.tenantID + ".db"
}

// Logout invalidates the upstream pairing and wipes the stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	if c.wa.Store.ID == nil {
		return nil
	}
	if err := c.wa.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

func (c *Client) Disconnect() {
	c.wa.Disconnect()
}

func (c *Client) Events() <-chan session.Event {
	return c.events
}

// Close disconnects and releases the credential store. Events is closed once
// no more events can be produced.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wa.RemoveEventHandler(c.handlerID)
		c.wa.Disconnect()
		c.wg.Wait()
		close(c.events)
		err = c.container.Close()
	})
	return err
}

// handleEvent maps whatsmeow events onto the session event stream.
func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.emit(session.Event{Type: session.EventConnected})

	case *events.Disconnected:
		c.emit(session.Event{Type: session.EventDisconnected, Reason: "stream closed"})

	case *events.LoggedOut:
		c.emit(session.Event{
			Type:       session.EventLoggedOut,
			Reason:     v.Reason.String(),
			StatusCode: int(v.Reason),
		})

	case *events.TemporaryBan:
		c.emit(session.Event{
			Type:       session.EventBanned,
			Reason:     v.String(),
			StatusCode: int(v.Code),
		})

	case *events.ConnectFailure:
		if int(v.Reason) == abuseStreamCode {
			c.emit(session.Event{
				Type:       session.EventBanned,
				Reason:     v.Message,
				StatusCode: abuseStreamCode,
			})
			return
		}
		c.emit(session.Event{
			Type:       session.EventDisconnected,
			Reason:     fmt.Sprintf("connect failure: %s", v.Message),
			StatusCode: int(v.Reason),
		})

	case *events.StreamError:
		c.emit(session.Event{Type: session.EventDisconnected, Reason: "stream error: " + v.Code})

	case *events.Message:
		c.handleMessage(v)
	}
}

// handleMessage forwards inbound text messages. Broadcasts, own messages,
// and non-text payloads are dropped.
func (c *Client) handleMessage(evt *events.Message) {
	if evt.Info.Chat.Server == types.BroadcastServer || evt.Info.IsFromMe {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	}
	if text == "" {
		return
	}

	c.emit(session.Event{
		Type: session.EventMessage,
		Message: &session.InboundMessage{
			From:       evt.Info.Sender.ToNonAD().String(),
			SenderName: evt.Info.PushName,
			Text:       text,
			ReceivedAt: evt.Info.Timestamp,
		},
	})
}

// emit delivers an event without ever blocking the whatsmeow handler thread.
func (c *Client) emit(evt session.Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event channel full, dropping event", "type", evt.Type)
	}
}

// parseDestination accepts either a full JID ("5511...@s.whatsapp.net") or a
// bare phone number and returns the target JID.
func parseDestination(destination string) (types.JID, error) {
	if strings.ContainsRune(destination, '@') {
		jid, err := types.ParseJID(destination)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid destination %q: %w", destination, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, destination)
	if digits == "" {
		return types.EmptyJID, fmt.Errorf("invalid destination %q", destination)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
