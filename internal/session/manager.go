package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/observability"
	"github.com/cargoops/courier/internal/ratelimit"
	"github.com/cargoops/courier/internal/responder"
	"github.com/cargoops/courier/internal/retry"
	"github.com/cargoops/courier/internal/store"
)

// Config tunes the session lifecycle.
type Config struct {
	// HandshakeTimeout bounds how long a pairing artifact may go unconsumed
	// before the connect attempt is abandoned.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// RecoveryTimeout bounds silent reconnection from persisted
	// credentials; recovery should be fast when credentials are valid.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// MaxPairingCodes caps pairing artifact regeneration per attempt,
	// bounding resource use against a stuck client.
	MaxPairingCodes int `yaml:"max_pairing_codes"`

	// BanCooldown is how long connections stay blocked after the provider
	// reports abuse.
	BanCooldown time.Duration `yaml:"ban_cooldown"`

	// ReconnectAttempts bounds automatic reconnection after an unexpected
	// disconnect.
	ReconnectAttempts int `yaml:"reconnect_attempts"`

	Pacing PacingConfig `yaml:"pacing"`

	// FallbackReply is sent when the auto-responder fails.
	FallbackReply string `yaml:"fallback_reply"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  30 * time.Second,
		RecoveryTimeout:   10 * time.Second,
		MaxPairingCodes:   3,
		BanCooldown:       48 * time.Hour,
		ReconnectAttempts: 5,
		Pacing:            DefaultPacingConfig(),
		FallbackReply:     "We received your message and will get back to you shortly.",
	}
}

// ConnectResult reports the outcome of a Connect call.
type ConnectResult struct {
	SessionID string `json:"sessionId"`
	State     State  `json:"state"`

	// PairingCode is set when a fresh handshake is required; the caller
	// must have it scanned before the handshake timeout.
	PairingCode string `json:"pairingCode,omitempty"`
}

const (
	channelCollection  = "channel"
	messagesCollection = "messages"

	sessionDocID  = "session"
	cooldownDocID = "cooldown"
	settingsDocID = "settings"
)

// slot is the in-memory handle for one tenant's connection attempt. A tenant
// has at most one slot; holding the slot is what enforces session
// exclusivity.
type slot struct {
	tenantID string
	client   Client
	cancel   context.CancelFunc

	mu          sync.Mutex
	session     Session
	pairingCode string
}

func (s *slot) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *slot) setState(state State, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.State = state
	s.session.LastActivityAt = at
	switch state {
	case StateConnected:
		s.session.ConnectedAt = at
		s.session.LastError = ""
	case StateDisconnected:
		s.session.DisconnectedAt = at
	}
}

// Manager owns every tenant's channel session. It is the only writer of
// session and cooldown records in the store.
type Manager struct {
	cfg       Config
	dialer    Dialer
	store     store.Store
	audit     audit.Recorder
	logger    *slog.Logger
	governor  *ratelimit.Governor
	responder responder.Responder
	metrics   *observability.Metrics

	mu    sync.Mutex
	slots map[string]*slot

	pacer *pacer
	now   func() time.Time
	wg    sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGovernor attaches a rate governor consulted by the auto-responder.
func WithGovernor(g *ratelimit.Governor) ManagerOption {
	return func(m *Manager) { m.governor = g }
}

// WithResponder attaches the external auto-responder.
func WithResponder(r responder.Responder) ManagerOption {
	return func(m *Manager) { m.responder = r }
}

// WithMetrics attaches session and message metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(cfg Config, dialer Dialer, st store.Store, rec audit.Recorder, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.MaxPairingCodes <= 0 {
		cfg.MaxPairingCodes = DefaultConfig().MaxPairingCodes
	}
	if cfg.BanCooldown <= 0 {
		cfg.BanCooldown = DefaultConfig().BanCooldown
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultConfig().ReconnectAttempts
	}
	if cfg.FallbackReply == "" {
		cfg.FallbackReply = DefaultConfig().FallbackReply
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		dialer: dialer,
		store:  st,
		audit:  rec,
		logger: logger,
		slots:  map[string]*slot{},
		pacer:  newPacer(cfg.Pacing),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes the tenant's channel session. It rejects immediately if
// a ban cooldown is active or the tenant already holds a session slot. With
// valid persisted credentials the session recovers silently; otherwise a
// fresh handshake starts and the returned pairing code must be scanned
// before the handshake timeout.
func (m *Manager) Connect(ctx context.Context, tenantID string) (*ConnectResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	now := m.now()

	if mark, err := m.loadCooldown(ctx, tenantID); err == nil && mark.Active(now) {
		return nil, &CooldownActiveError{
			TenantID:  tenantID,
			Remaining: mark.ExpiresAt.Sub(now),
			ExpiresAt: mark.ExpiresAt,
		}
	}

	// Reserve the tenant's singleton slot before any slow work so a
	// concurrent Connect is rejected synchronously, never queued.
	s := &slot{tenantID: tenantID}
	m.mu.Lock()
	if existing, ok := m.slots[tenantID]; ok {
		snap := existing.snapshot()
		m.mu.Unlock()
		return nil, &ActiveSessionExistsError{
			TenantID:  tenantID,
			SessionID: snap.SessionID,
			State:     snap.State,
		}
	}
	m.slots[tenantID] = s
	m.mu.Unlock()

	result, err := m.establish(ctx, s)
	if err != nil {
		m.releaseSlot(s)
		return nil, err
	}
	return result, nil
}

// establish dials the client and drives the connect flow for a freshly
// reserved slot.
func (m *Manager) establish(ctx context.Context, s *slot) (*ConnectResult, error) {
	slotCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	client, err := m.dialer.Dial(ctx, s.tenantID)
	if err != nil {
		return nil, &ExternalServiceError{Op: "dial", Err: err}
	}
	s.client = client

	s.mu.Lock()
	s.session = Session{
		TenantID:       s.tenantID,
		SessionID:      uuid.NewString(),
		State:          StateConnecting,
		CredentialsRef: client.CredentialsRef(),
		LastActivityAt: m.now(),
	}
	s.mu.Unlock()
	m.persistSession(slotCtx, s)

	if err := client.Connect(slotCtx); err != nil {
		return nil, &ExternalServiceError{Op: "connect", Err: err}
	}

	if client.HasCredentials() {
		result, err := m.awaitRecovery(ctx, slotCtx, s)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, errCredentialsRejected) {
			// Cancellation or a transient recovery failure. The persisted
			// credentials may still be good, so keep them for the next
			// attempt instead of forcing a re-pair.
			return nil, err
		}
		// The provider refused the credentials: discard them and fall
		// back to a fresh handshake with a rebuilt client.
		m.logger.Warn("credentials rejected, falling back to pairing",
			"tenant_id", s.tenantID)
		_ = client.Logout(slotCtx)
		_ = client.Close()
		client, err = m.dialer.Dial(ctx, s.tenantID)
		if err != nil {
			return nil, &ExternalServiceError{Op: "dial", Err: err}
		}
		s.client = client
		if err := client.Connect(slotCtx); err != nil {
			return nil, &ExternalServiceError{Op: "connect", Err: err}
		}
	}

	return m.awaitPairing(ctx, slotCtx, s)
}

// errCredentialsRejected marks a recovery failure where the provider
// explicitly refused the persisted credentials. Only this failure wipes them;
// everything else leaves them in place for a later recovery attempt.
var errCredentialsRejected = errors.New("credentials rejected by provider")

// awaitRecovery waits for a silent reconnect from persisted credentials.
func (m *Manager) awaitRecovery(ctx, slotCtx context.Context, s *slot) (*ConnectResult, error) {
	deadline := time.NewTimer(m.cfg.RecoveryTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &ExternalServiceError{
				Op:  "recovery",
				Err: fmt.Errorf("credential recovery timed out after %s", m.cfg.RecoveryTimeout),
			}
		case evt, ok := <-s.client.Events():
			if !ok {
				return nil, &ExternalServiceError{Op: "recovery", Err: errors.New("client closed during recovery")}
			}
			switch evt.Type {
			case EventConnected:
				m.markConnected(slotCtx, s)
				m.startPump(slotCtx, s)
				snap := s.snapshot()
				return &ConnectResult{SessionID: snap.SessionID, State: StateConnected}, nil
			case EventBanned:
				return nil, m.applyBan(slotCtx, s, evt)
			case EventLoggedOut:
				return nil, errCredentialsRejected
			case EventDisconnected:
				return nil, &ExternalServiceError{
					Op:  "recovery",
					Err: fmt.Errorf("disconnected during recovery: %s", evt.Reason),
				}
			}
		}
	}
}

// awaitPairing runs a fresh handshake: it returns once the first pairing
// code arrives (handshake completion continues in the background), or fails
// if the handshake times out, the code regeneration cap is hit, or the
// provider reports a ban.
func (m *Manager) awaitPairing(ctx, slotCtx context.Context, s *slot) (*ConnectResult, error) {
	s.setState(StateAwaitingHandshake, m.now())
	m.persistSession(slotCtx, s)

	deadlineAt := time.Now().Add(m.cfg.HandshakeTimeout)
	deadline := time.NewTimer(m.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-slotCtx.Done():
			return nil, slotCtx.Err()
		case <-deadline.C:
			m.auditHandshakeTimeout(slotCtx, s)
			return nil, &HandshakeTimeoutError{TenantID: s.tenantID, Timeout: m.cfg.HandshakeTimeout}
		case evt, ok := <-s.client.Events():
			if !ok {
				return nil, errors.New("client closed during pairing")
			}
			switch evt.Type {
			case EventPairingCode:
				s.mu.Lock()
				s.pairingCode = evt.Code
				snap := s.session
				s.mu.Unlock()
				// Handshake completion, further code regenerations, and
				// the timeout are handled in the background from here.
				m.wg.Add(1)
				go m.awaitHandshake(slotCtx, s, time.Until(deadlineAt))
				return &ConnectResult{
					SessionID:   snap.SessionID,
					State:       StateAwaitingHandshake,
					PairingCode: evt.Code,
				}, nil
			case EventConnected:
				m.markConnected(slotCtx, s)
				m.startPump(slotCtx, s)
				snap := s.snapshot()
				return &ConnectResult{SessionID: snap.SessionID, State: StateConnected}, nil
			case EventBanned:
				return nil, m.applyBan(slotCtx, s, evt)
			case EventDisconnected, EventLoggedOut:
				return nil, &ExternalServiceError{Op: "handshake", Err: fmt.Errorf("connection lost: %s", evt.Reason)}
			}
		}
	}
}

// awaitHandshake finishes a pairing attempt in the background after the
// first code was handed to the caller.
func (m *Manager) awaitHandshake(slotCtx context.Context, s *slot, remaining time.Duration) {
	defer m.wg.Done()

	deadline := time.NewTimer(remaining)
	defer deadline.Stop()

	codes := 1 // the code already handed out
	for {
		select {
		case <-slotCtx.Done():
			return
		case <-deadline.C:
			m.auditHandshakeTimeout(slotCtx, s)
			m.teardown(context.Background(), s, "handshake timeout")
			return
		case evt, ok := <-s.client.Events():
			if !ok {
				m.teardown(context.Background(), s, "client closed")
				return
			}
			switch evt.Type {
			case EventPairingCode:
				codes++
				if codes > m.cfg.MaxPairingCodes {
					m.logger.Warn("pairing code regeneration cap reached",
						"tenant_id", s.tenantID, "codes", codes)
					m.teardown(context.Background(), s, "pairing code cap reached")
					return
				}
				s.mu.Lock()
				s.pairingCode = evt.Code
				s.mu.Unlock()
			case EventConnected:
				m.markConnected(slotCtx, s)
				m.pump(slotCtx, s)
				return
			case EventBanned:
				_ = m.applyBan(slotCtx, s, evt)
				return
			case EventDisconnected, EventLoggedOut:
				m.teardown(context.Background(), s, "connection lost during handshake")
				return
			}
		}
	}
}

// startPump hands the slot's event stream to a background goroutine.
func (m *Manager) startPump(slotCtx context.Context, s *slot) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pump(slotCtx, s)
	}()
}

// pump consumes steady-state events for a connected session until the slot
// is torn down.
func (m *Manager) pump(slotCtx context.Context, s *slot) {
	for {
		select {
		case <-slotCtx.Done():
			return
		case evt, ok := <-s.client.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case EventMessage:
				if evt.Message != nil {
					m.handleInbound(slotCtx, s, evt.Message)
				}
			case EventBanned:
				_ = m.applyBan(slotCtx, s, evt)
				return
			case EventLoggedOut:
				// Explicit provider-side logout: do not reconnect.
				m.clearCredentialsRef(s)
				m.teardown(context.Background(), s, "logged out by provider")
				return
			case EventDisconnected:
				if !m.reconnect(slotCtx, s, evt.Reason) {
					return
				}
			}
		}
	}
}

// reconnect tries to re-establish a dropped connection with backoff. It
// reports whether the pump should keep running.
func (m *Manager) reconnect(slotCtx context.Context, s *slot, reason string) bool {
	s.setState(StateDisconnected, m.now())
	m.persistSession(slotCtx, s)
	m.updateActiveGauge()
	m.audit.Record(slotCtx, &audit.Event{
		Type:      audit.EventSessionDisconnected,
		TenantID:  s.tenantID,
		SessionID: s.snapshot().SessionID,
		Action:    "disconnected, attempting reconnect",
		Details:   map[string]any{"reason": reason},
	})

	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		delay := retry.Backoff(attempt, 2*time.Second, 30*time.Second, 2.0)
		select {
		case <-slotCtx.Done():
			return false
		case <-time.After(delay):
		}

		s.setState(StateConnecting, m.now())
		if err := s.client.Connect(slotCtx); err != nil {
			m.logger.Warn("reconnect attempt failed",
				"tenant_id", s.tenantID, "attempt", attempt, "error", err)
			continue
		}
		if m.waitConnected(slotCtx, s) {
			m.markConnected(slotCtx, s)
			return true
		}
	}

	m.teardown(context.Background(), s, "reconnect attempts exhausted")
	return false
}

// waitConnected waits for the next EventConnected within the recovery
// ceiling.
func (m *Manager) waitConnected(slotCtx context.Context, s *slot) bool {
	deadline := time.NewTimer(m.cfg.RecoveryTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-slotCtx.Done():
			return false
		case <-deadline.C:
			return false
		case evt, ok := <-s.client.Events():
			if !ok {
				return false
			}
			if evt.Type == EventConnected {
				return true
			}
			if evt.Type == EventBanned {
				_ = m.applyBan(slotCtx, s, evt)
				return false
			}
		}
	}
}

// Disconnect performs an explicit logout, clearing persisted credentials for
// the session. Disconnecting an already-disconnected session is a no-op. A
// disconnect during a pending handshake interrupts it and frees the slot
// immediately.
func (m *Manager) Disconnect(ctx context.Context, tenantID, sessionID string) error {
	m.mu.Lock()
	s, ok := m.slots[tenantID]
	m.mu.Unlock()
	if !ok {
		// Crash leftovers: make sure the persisted record is not stuck
		// in a live state.
		m.finalizePersisted(ctx, tenantID)
		return nil
	}
	if sessionID != "" && s.snapshot().SessionID != sessionID {
		return nil
	}

	_ = s.client.Logout(ctx)
	m.clearCredentialsRef(s)
	m.teardown(ctx, s, "")
	m.audit.Record(ctx, &audit.Event{
		Type:      audit.EventSessionDisconnected,
		TenantID:  tenantID,
		SessionID: sessionID,
		Action:    "explicit logout",
	})
	return nil
}

// Send delivers text to a destination through the tenant's connected
// session, applying humanized pacing first.
func (m *Manager) Send(ctx context.Context, tenantID, destination, text string) error {
	m.mu.Lock()
	s, ok := m.slots[tenantID]
	m.mu.Unlock()
	if !ok || s.snapshot().State != StateConnected {
		return &NoActiveSessionError{TenantID: tenantID}
	}

	// Simulate a human composing the message. Pacing failures other than
	// cancellation are ignored; the presence toggle is best effort.
	_ = s.client.SendComposing(ctx, destination, true)
	if err := m.pacer.wait(ctx); err != nil {
		_ = s.client.SendComposing(ctx, destination, false)
		return err
	}
	_ = s.client.SendComposing(ctx, destination, false)

	if err := s.client.SendMessage(ctx, destination, text); err != nil {
		return &ExternalServiceError{Op: "send", Err: err}
	}

	now := m.now()
	s.mu.Lock()
	s.session.LastActivityAt = now
	s.mu.Unlock()
	m.persistSession(ctx, s)
	m.persistMessage(ctx, tenantID, store.Document{
		"direction": "out",
		"to":        destination,
		"text":      text,
		"sentAt":    now.UTC().Format(time.RFC3339Nano),
	})
	m.audit.Record(ctx, &audit.Event{
		Type:      audit.EventMessageSent,
		TenantID:  tenantID,
		SessionID: s.snapshot().SessionID,
		Action:    "message sent",
		Details:   map[string]any{"destination": destination},
	})
	if m.metrics != nil {
		m.metrics.MessageCounter.WithLabelValues("outbound").Inc()
	}
	return nil
}

// GetStatus reports the tenant's current session state, pairing code if a
// handshake is pending, and any active cooldown.
func (m *Manager) GetStatus(ctx context.Context, tenantID string) (*Status, error) {
	status := &Status{TenantID: tenantID, State: StateDisconnected}

	m.mu.Lock()
	s, ok := m.slots[tenantID]
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		status.SessionID = s.session.SessionID
		status.State = s.session.State
		status.PairingCode = s.pairingCode
		status.ConnectedAt = s.session.ConnectedAt
		status.LastError = s.session.LastError
		s.mu.Unlock()
	} else if sess, err := m.loadSession(ctx, tenantID); err == nil {
		status.SessionID = sess.SessionID
		status.State = sess.State
		status.ConnectedAt = sess.ConnectedAt
		status.LastError = sess.LastError
		if sess.State == StateConnected {
			// Persisted as connected but no live slot: the process
			// restarted and the session has not been recovered yet.
			status.State = StateDisconnected
		}
	}

	if mark, err := m.loadCooldown(ctx, tenantID); err == nil && mark.Active(m.now()) {
		status.State = StateBannedCooldown
		status.CooldownUntil = mark.ExpiresAt
		status.CooldownReason = mark.Reason
	}
	return status, nil
}

// Restore reconnects tenants whose persisted session was connected before a
// restart, so they do not have to re-pair.
func (m *Manager) Restore(ctx context.Context, tenantIDs []string) {
	for _, tenantID := range tenantIDs {
		sess, err := m.loadSession(ctx, tenantID)
		if err != nil || sess.State != StateConnected {
			continue
		}
		if _, err := m.Connect(ctx, tenantID); err != nil {
			m.logger.Warn("session restore failed",
				"tenant_id", tenantID, "error", err)
		}
	}
}

// Close tears down every live slot and waits for background goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.Unlock()

	for _, s := range slots {
		m.teardown(context.Background(), s, "shutdown")
	}
	m.wg.Wait()
	return nil
}

// handleInbound persists an incoming message and, when the tenant has the
// auto-responder enabled, relays a reply through Send. Responder failures
// degrade to the configured fallback message rather than silence.
func (m *Manager) handleInbound(slotCtx context.Context, s *slot, msg *InboundMessage) {
	tenantID := s.tenantID
	m.persistMessage(slotCtx, tenantID, store.Document{
		"direction":  "in",
		"from":       msg.From,
		"senderName": msg.SenderName,
		"text":       msg.Text,
		"receivedAt": msg.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
	m.audit.Record(slotCtx, &audit.Event{
		Type:     audit.EventMessageReceived,
		TenantID: tenantID,
		Action:   "message received",
		Details:  map[string]any{"from": msg.From},
	})
	if m.metrics != nil {
		m.metrics.MessageCounter.WithLabelValues("inbound").Inc()
	}

	if m.responder == nil || !m.autoReplyEnabled(slotCtx, tenantID) {
		return
	}
	if m.governor != nil {
		subj := ratelimit.Subject{UserID: msg.From}
		if d := m.governor.Check(slotCtx, tenantID, ratelimit.LimitAIPerMinute, ratelimit.Subject{}); !d.Allowed {
			return
		}
		if d := m.governor.Check(slotCtx, tenantID, ratelimit.LimitAIDaily, subj); !d.Allowed {
			return
		}
		m.governor.Increment(slotCtx, tenantID, ratelimit.LimitAIPerMinute, ratelimit.Subject{})
		m.governor.Increment(slotCtx, tenantID, ratelimit.LimitAIDaily, subj)
	}

	replyStart := time.Now()
	reply, err := m.responder.Reply(slotCtx, tenantID, msg.Text)
	if m.metrics != nil {
		m.metrics.ResponderDuration.Observe(time.Since(replyStart).Seconds())
	}
	if err != nil {
		m.logger.Warn("responder failed, using fallback reply",
			"tenant_id", tenantID, "error", err)
		reply = m.cfg.FallbackReply
	}
	if reply == "" {
		return
	}
	if err := m.Send(slotCtx, tenantID, msg.From, reply); err != nil {
		m.logger.Error("auto-reply send failed",
			"tenant_id", tenantID, "error", err)
	}
}

// applyBan sets the tenant's cooldown mark, tears the session down, and
// returns the matching CooldownActiveError.
func (m *Manager) applyBan(ctx context.Context, s *slot, evt Event) error {
	now := m.now()
	mark := CooldownMark{
		TenantID:  s.tenantID,
		Reason:    evt.Reason,
		Code:      evt.StatusCode,
		SetAt:     now,
		ExpiresAt: now.Add(m.cfg.BanCooldown),
	}
	if doc, err := store.Encode(&mark); err == nil {
		if err := m.store.Set(ctx, store.Collection(s.tenantID, channelCollection), cooldownDocID, doc); err != nil {
			m.logger.Error("failed to persist cooldown mark",
				"tenant_id", s.tenantID, "error", err)
		}
	}

	m.audit.Record(ctx, &audit.Event{
		Type:      audit.EventSessionBanned,
		TenantID:  s.tenantID,
		SessionID: s.snapshot().SessionID,
		Action:    "provider reported abuse, cooldown set",
		Details: map[string]any{
			"code":       evt.StatusCode,
			"reason":     evt.Reason,
			"expires_at": mark.ExpiresAt,
		},
	})

	s.setState(StateBannedCooldown, now)
	m.persistSession(ctx, s)
	m.removeSlot(s)
	m.recordSessionEvent("banned")
	m.updateActiveGauge()
	_ = s.client.Close()
	if s.cancel != nil {
		s.cancel()
	}

	return &CooldownActiveError{
		TenantID:  s.tenantID,
		Remaining: m.cfg.BanCooldown,
		ExpiresAt: mark.ExpiresAt,
	}
}

// markConnected transitions the slot to connected and persists it.
func (m *Manager) markConnected(ctx context.Context, s *slot) {
	s.setState(StateConnected, m.now())
	s.mu.Lock()
	s.pairingCode = ""
	s.session.CredentialsRef = s.client.CredentialsRef()
	snap := s.session
	s.mu.Unlock()
	m.persistSession(ctx, s)
	m.recordSessionEvent("connected")
	m.updateActiveGauge()
	m.audit.Record(ctx, &audit.Event{
		Type:      audit.EventSessionConnected,
		TenantID:  s.tenantID,
		SessionID: snap.SessionID,
		Action:    "session connected",
	})
	m.logger.Info("channel session connected",
		"tenant_id", s.tenantID, "session_id", snap.SessionID)
}

// teardown releases a slot: cancels its context, closes the client, marks
// the session disconnected, and frees the tenant for a fresh Connect.
func (m *Manager) teardown(ctx context.Context, s *slot, lastError string) {
	m.removeSlot(s)
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		s.client.Disconnect()
		_ = s.client.Close()
	}
	s.mu.Lock()
	s.session.State = StateDisconnected
	s.session.DisconnectedAt = m.now()
	if lastError != "" {
		s.session.LastError = lastError
	}
	s.mu.Unlock()
	m.persistSession(ctx, s)
	m.recordSessionEvent("disconnected")
	m.updateActiveGauge()
}

// releaseSlot frees a slot after a failed connect attempt, leaving the
// persisted session in a terminal state.
func (m *Manager) releaseSlot(s *slot) {
	m.removeSlot(s)
	if s.cancel != nil {
		s.cancel()
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	s.mu.Lock()
	hasSession := s.session.SessionID != ""
	if hasSession && s.session.State != StateBannedCooldown {
		s.session.State = StateDisconnected
		s.session.DisconnectedAt = m.now()
	}
	s.mu.Unlock()
	if hasSession {
		m.persistSession(context.Background(), s)
	}
}

func (m *Manager) removeSlot(s *slot) {
	m.mu.Lock()
	if current, ok := m.slots[s.tenantID]; ok && current == s {
		delete(m.slots, s.tenantID)
	}
	m.mu.Unlock()
}

func (m *Manager) clearCredentialsRef(s *slot) {
	s.mu.Lock()
	s.session.CredentialsRef = ""
	s.mu.Unlock()
}

func (m *Manager) recordSessionEvent(event string) {
	if m.metrics == nil {
		return
	}
	m.metrics.SessionEvents.WithLabelValues(event).Inc()
}

// updateActiveGauge recomputes the connected-session gauge from the live
// slots, so inc/dec pairs never drift.
func (m *Manager) updateActiveGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	active := 0
	for _, s := range m.slots {
		if s.snapshot().State == StateConnected {
			active++
		}
	}
	m.mu.Unlock()
	m.metrics.SessionsActive.Set(float64(active))
}

func (m *Manager) auditHandshakeTimeout(ctx context.Context, s *slot) {
	m.recordSessionEvent("handshake_timeout")
	m.audit.Record(ctx, &audit.Event{
		Type:      audit.EventHandshakeTimeout,
		TenantID:  s.tenantID,
		SessionID: s.snapshot().SessionID,
		Action:    "handshake abandoned",
		Details:   map[string]any{"timeout": m.cfg.HandshakeTimeout.String()},
	})
}

func (m *Manager) persistSession(ctx context.Context, s *slot) {
	snap := s.snapshot()
	doc, err := store.Encode(&snap)
	if err != nil {
		m.logger.Error("failed to encode session", "tenant_id", s.tenantID, "error", err)
		return
	}
	if err := m.store.Set(ctx, store.Collection(s.tenantID, channelCollection), sessionDocID, doc); err != nil {
		m.logger.Error("failed to persist session",
			"tenant_id", s.tenantID, "error", err)
	}
}

func (m *Manager) persistMessage(ctx context.Context, tenantID string, doc store.Document) {
	if err := m.store.Set(ctx, store.Collection(tenantID, messagesCollection), uuid.NewString(), doc); err != nil {
		m.logger.Error("failed to persist message",
			"tenant_id", tenantID, "error", err)
	}
}

func (m *Manager) finalizePersisted(ctx context.Context, tenantID string) {
	sess, err := m.loadSession(ctx, tenantID)
	if err != nil || sess.State == StateDisconnected {
		return
	}
	sess.State = StateDisconnected
	sess.DisconnectedAt = m.now()
	sess.CredentialsRef = ""
	if doc, err := store.Encode(sess); err == nil {
		_ = m.store.Set(ctx, store.Collection(tenantID, channelCollection), sessionDocID, doc)
	}
}

func (m *Manager) loadSession(ctx context.Context, tenantID string) (*Session, error) {
	doc, err := m.store.Get(ctx, store.Collection(tenantID, channelCollection), sessionDocID)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := store.Decode(doc, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (m *Manager) loadCooldown(ctx context.Context, tenantID string) (*CooldownMark, error) {
	doc, err := m.store.Get(ctx, store.Collection(tenantID, channelCollection), cooldownDocID)
	if err != nil {
		return nil, err
	}
	var mark CooldownMark
	if err := store.Decode(doc, &mark); err != nil {
		return nil, err
	}
	return &mark, nil
}

func (m *Manager) autoReplyEnabled(ctx context.Context, tenantID string) bool {
	doc, err := m.store.Get(ctx, store.Collection(tenantID, channelCollection), settingsDocID)
	if err != nil {
		return false
	}
	enabled, _ := doc["autoReplyEnabled"].(bool)
	return enabled
}
