// Package ratelimit enforces per-tenant request ceilings and cooldowns for
// outbound messaging and AI usage. Limits are advisory: check and increment
// are separate calls, and storage failures fail open so a broken limiter
// never blocks traffic.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/store"
)

// LimitType identifies one governed ceiling.
type LimitType string

const (
	// LimitDaily caps outbound messages per tenant per calendar day (UTC).
	LimitDaily LimitType = "daily"
	// LimitPerMinute caps outbound messages per tenant per minute.
	LimitPerMinute LimitType = "per_minute"
	// LimitCooldown enforces a minimum gap between sends to one destination.
	LimitCooldown LimitType = "cooldown"
	// LimitAIPerMinute caps responder requests per tenant per minute.
	LimitAIPerMinute LimitType = "ai_per_minute"
	// LimitAIDaily caps responder requests per user per day.
	LimitAIDaily LimitType = "ai_daily"
)

// Limits holds the ceilings for one tenant.
type Limits struct {
	MessagesPerDay          int           `yaml:"messages_per_day"`
	MessagesPerMinute       int           `yaml:"messages_per_minute"`
	SendCooldown            time.Duration `yaml:"send_cooldown"`
	AIRequestsPerMinute     int           `yaml:"ai_requests_per_minute"`
	AIRequestsPerDayPerUser int           `yaml:"ai_requests_per_day_per_user"`
}

// DefaultLimits returns the system default ceilings.
func DefaultLimits() Limits {
	return Limits{
		MessagesPerDay:          1000,
		MessagesPerMinute:       10,
		SendCooldown:            30 * time.Second,
		AIRequestsPerMinute:     60,
		AIRequestsPerDayPerUser: 500,
	}
}

// Overrides replaces individual limit fields for one tenant. Nil fields fall
// back to the defaults.
type Overrides struct {
	MessagesPerDay          *int           `yaml:"messages_per_day"`
	MessagesPerMinute       *int           `yaml:"messages_per_minute"`
	SendCooldown            *time.Duration `yaml:"send_cooldown"`
	AIRequestsPerMinute     *int           `yaml:"ai_requests_per_minute"`
	AIRequestsPerDayPerUser *int           `yaml:"ai_requests_per_day_per_user"`
}

// Subject narrows a limit to a user and/or destination.
type Subject struct {
	UserID      string
	Destination string
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	Remaining         int       `json:"remaining,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"`
}

// RateLimitExceededError is returned by helpers that convert a denied
// Decision into an error for API boundaries.
type RateLimitExceededError struct {
	LimitType         LimitType
	RetryAfterSeconds int
	ResetAt           time.Time
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit %s exceeded, retry after %ds", e.LimitType, e.RetryAfterSeconds)
}

// Err converts a denied decision into a RateLimitExceededError, or nil when
// allowed.
func (d Decision) Err(lt LimitType) error {
	if d.Allowed {
		return nil
	}
	return &RateLimitExceededError{
		LimitType:         lt,
		RetryAfterSeconds: d.RetryAfterSeconds,
		ResetAt:           d.ResetAt,
	}
}

// counter is the persisted per-window record.
type counter struct {
	TenantID      string    `json:"tenantId"`
	LimitType     LimitType `json:"limitType"`
	WindowKey     string    `json:"windowKey"`
	UserID        string    `json:"userId,omitempty"`
	Destination   string    `json:"destination,omitempty"`
	Count         int       `json:"count"`
	WindowStart   time.Time `json:"windowStart"`
	LastRequestAt time.Time `json:"lastRequestAt"`
}

const countersCollection = "rate_counters"

// Governor enforces rate limits backed by the document store.
//
// Check and Increment are deliberately separate, non-transactional calls:
// concurrent requests can both pass Check before either Increments, allowing
// brief over-limit bursts. The limits are advisory, so the race is accepted
// rather than paying for a cross-process lock.
type Governor struct {
	store     store.Store
	audit     audit.Recorder
	logger    *slog.Logger
	defaults  Limits
	overrides map[string]Overrides

	mu      sync.Mutex
	tenants map[string]struct{} // tenants seen, for sweeping

	now func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithDefaults replaces the system default limits.
func WithDefaults(l Limits) Option {
	return func(g *Governor) { g.defaults = l }
}

// WithOverrides installs per-tenant limit overrides.
func WithOverrides(o map[string]Overrides) Option {
	return func(g *Governor) { g.overrides = o }
}

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// NewGovernor creates a rate governor.
func NewGovernor(st store.Store, rec audit.Recorder, logger *slog.Logger, opts ...Option) *Governor {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Governor{
		store:     st,
		audit:     rec,
		logger:    logger,
		defaults:  DefaultLimits(),
		overrides: map[string]Overrides{},
		tenants:   map[string]struct{}{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ResolveLimits returns the effective limits for a tenant: defaults with any
// configured overrides applied field-wise.
func (g *Governor) ResolveLimits(tenantID string) Limits {
	limits := g.defaults
	o, ok := g.overrides[tenantID]
	if !ok {
		return limits
	}
	if o.MessagesPerDay != nil {
		limits.MessagesPerDay = *o.MessagesPerDay
	}
	if o.MessagesPerMinute != nil {
		limits.MessagesPerMinute = *o.MessagesPerMinute
	}
	if o.SendCooldown != nil {
		limits.SendCooldown = *o.SendCooldown
	}
	if o.AIRequestsPerMinute != nil {
		limits.AIRequestsPerMinute = *o.AIRequestsPerMinute
	}
	if o.AIRequestsPerDayPerUser != nil {
		limits.AIRequestsPerDayPerUser = *o.AIRequestsPerDayPerUser
	}
	return limits
}

// Check reports whether a request under the given limit would be allowed. It
// does not consume quota; callers follow a permitted request with Increment.
//
// If the governor's storage is unreachable, Check fails open: the request is
// allowed and the failure is logged.
func (g *Governor) Check(ctx context.Context, tenantID string, lt LimitType, subj Subject) Decision {
	g.markTenant(tenantID)
	now := g.now()
	limits := g.ResolveLimits(tenantID)

	c, err := g.load(ctx, tenantID, lt, subj)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("rate governor storage unreachable, failing open",
			"tenant_id", tenantID, "limit_type", lt, "error", err)
		return Decision{Allowed: true}
	}

	var d Decision
	if lt == LimitCooldown {
		d = checkCooldown(c, limits.SendCooldown, now)
	} else {
		d = checkWindow(c, limitFor(limits, lt), lt, now)
	}

	if !d.Allowed {
		g.audit.Record(ctx, &audit.Event{
			Type:     audit.EventRateLimitExceeded,
			TenantID: tenantID,
			UserID:   subj.UserID,
			Action:   fmt.Sprintf("%s limit exceeded", lt),
			Details: map[string]any{
				"limit_type":          string(lt),
				"destination":         subj.Destination,
				"retry_after_seconds": d.RetryAfterSeconds,
			},
		})
	}
	return d
}

// Increment consumes one unit of quota. The counter is created on first use,
// incremented within the current window, or reset to 1 when the window has
// expired. Storage failures are logged and swallowed (fail open).
func (g *Governor) Increment(ctx context.Context, tenantID string, lt LimitType, subj Subject) {
	g.markTenant(tenantID)
	now := g.now()

	c, err := g.load(ctx, tenantID, lt, subj)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c = &counter{
			TenantID:    tenantID,
			LimitType:   lt,
			UserID:      subj.UserID,
			Destination: subj.Destination,
			Count:       1,
			WindowStart: truncateWindow(now, lt),
		}
	case err != nil:
		g.logger.Warn("rate governor increment failed",
			"tenant_id", tenantID, "limit_type", lt, "error", err)
		return
	default:
		dur := windowDuration(lt)
		if dur > 0 && now.After(c.WindowStart.Add(dur)) {
			c.Count = 1
			c.WindowStart = truncateWindow(now, lt)
		} else {
			c.Count++
		}
	}
	c.LastRequestAt = now
	c.WindowKey = windowKey(c.WindowStart, lt)

	doc, err := store.Encode(c)
	if err != nil {
		g.logger.Warn("rate governor encode failed", "error", err)
		return
	}
	coll := store.Collection(tenantID, countersCollection)
	if err := g.store.Set(ctx, coll, counterID(lt, subj), doc); err != nil {
		g.logger.Warn("rate governor increment failed",
			"tenant_id", tenantID, "limit_type", lt, "error", err)
	}
}

// Sweep deletes counters for a tenant that have been idle longer than
// olderThan, bounding storage growth. Returns the number deleted.
func (g *Governor) Sweep(ctx context.Context, tenantID string, olderThan time.Duration) (int, error) {
	cutoff := g.now().Add(-olderThan)
	coll := store.Collection(tenantID, countersCollection)
	docs, err := g.store.Query(ctx, coll, store.Query{})
	if err != nil {
		return 0, fmt.Errorf("sweep counters: %w", err)
	}
	deleted := 0
	for _, doc := range docs {
		var c counter
		if err := store.Decode(doc, &c); err != nil {
			continue
		}
		last := c.LastRequestAt
		if c.WindowStart.After(last) {
			last = c.WindowStart
		}
		if last.Before(cutoff) {
			id := counterID(c.LimitType, Subject{UserID: c.UserID, Destination: c.Destination})
			if err := g.store.Delete(ctx, coll, id); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// SweepAll sweeps every tenant seen by this governor instance.
func (g *Governor) SweepAll(ctx context.Context, olderThan time.Duration) int {
	g.mu.Lock()
	tenants := make([]string, 0, len(g.tenants))
	for t := range g.tenants {
		tenants = append(tenants, t)
	}
	g.mu.Unlock()

	total := 0
	for _, t := range tenants {
		n, err := g.Sweep(ctx, t, olderThan)
		if err != nil {
			g.logger.Warn("counter sweep failed", "tenant_id", t, "error", err)
			continue
		}
		total += n
	}
	return total
}

func (g *Governor) markTenant(tenantID string) {
	g.mu.Lock()
	g.tenants[tenantID] = struct{}{}
	g.mu.Unlock()
}

func (g *Governor) load(ctx context.Context, tenantID string, lt LimitType, subj Subject) (*counter, error) {
	coll := store.Collection(tenantID, countersCollection)
	doc, err := g.store.Get(ctx, coll, counterID(lt, subj))
	if err != nil {
		return nil, err
	}
	var c counter
	if err := store.Decode(doc, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func checkWindow(c *counter, limit int, lt LimitType, now time.Time) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	dur := windowDuration(lt)
	windowStart := truncateWindow(now, lt)
	count := 0
	if c != nil && !now.After(c.WindowStart.Add(dur)) {
		count = c.Count
		windowStart = c.WindowStart
	}
	resetAt := windowStart.Add(dur)
	if count < limit {
		return Decision{Allowed: true, Remaining: limit - count, ResetAt: resetAt}
	}
	retry := int(resetAt.Sub(now).Seconds())
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt, RetryAfterSeconds: retry}
}

func checkCooldown(c *counter, cooldown time.Duration, now time.Time) Decision {
	if cooldown <= 0 || c == nil || c.LastRequestAt.IsZero() {
		return Decision{Allowed: true}
	}
	elapsed := now.Sub(c.LastRequestAt)
	if elapsed >= cooldown {
		return Decision{Allowed: true}
	}
	retry := int((cooldown - elapsed).Seconds())
	if retry < 1 {
		retry = 1
	}
	return Decision{Allowed: false, RetryAfterSeconds: retry}
}

func limitFor(l Limits, lt LimitType) int {
	switch lt {
	case LimitDaily:
		return l.MessagesPerDay
	case LimitPerMinute:
		return l.MessagesPerMinute
	case LimitAIPerMinute:
		return l.AIRequestsPerMinute
	case LimitAIDaily:
		return l.AIRequestsPerDayPerUser
	}
	return 0
}

// windowDuration returns the window length for a limit type; zero for
// cooldown-style limits, which are not windowed.
func windowDuration(lt LimitType) time.Duration {
	switch lt {
	case LimitDaily, LimitAIDaily:
		return 24 * time.Hour
	case LimitPerMinute, LimitAIPerMinute:
		return time.Minute
	}
	return 0
}

func truncateWindow(now time.Time, lt LimitType) time.Time {
	switch lt {
	case LimitDaily, LimitAIDaily:
		return now.UTC().Truncate(24 * time.Hour)
	case LimitPerMinute, LimitAIPerMinute:
		return now.UTC().Truncate(time.Minute)
	}
	return now.UTC()
}

func windowKey(windowStart time.Time, lt LimitType) string {
	switch lt {
	case LimitDaily, LimitAIDaily:
		return windowStart.UTC().Format("2006-01-02")
	case LimitPerMinute, LimitAIPerMinute:
		return windowStart.UTC().Format("2006-01-02T15:04")
	}
	return ""
}

func counterID(lt LimitType, subj Subject) string {
	parts := []string{string(lt)}
	if subj.UserID != "" {
		parts = append(parts, "u:"+subj.UserID)
	}
	if subj.Destination != "" {
		parts = append(parts, "d:"+subj.Destination)
	}
	return strings.Join(parts, ":")
}
