// Package syncq replays queues of mutations recorded while the primary store
// was unreachable, resolving conflicts against records that changed in the
// meantime.
package syncq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cargoops/courier/internal/audit"
	"github.com/cargoops/courier/internal/conflict"
	"github.com/cargoops/courier/internal/store"
)

// Kind is the type of a queued mutation.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status is the lifecycle state of a queued mutation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

// MaxAttempts bounds how often a failing mutation is retried before it is
// parked permanently.
const MaxAttempts = 3

// PendingMutation is an operation queued while the primary store was
// unreachable.
type PendingMutation struct {
	ID               string         `json:"id"`
	Kind             Kind           `json:"kind"`
	TargetCollection string         `json:"targetCollection"`
	TargetID         string         `json:"targetId"`
	Payload          map[string]any `json:"payload,omitempty"`
	EnqueuedAt       time.Time      `json:"enqueuedAt"`
	OwnerID          string         `json:"ownerId,omitempty"`
	TenantID         string         `json:"tenantId"`
	AttemptCount     int            `json:"attemptCount"`
	Status           Status         `json:"status"`
	LastError        string         `json:"lastError,omitempty"`
}

// Report aggregates the outcome of one drain pass.
type Report struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

const mutationsCollection = "pending_mutations"

// Document metadata fields maintained by the coordinator on target records.
const (
	fieldUpdatedAt = "updatedAt"
	fieldVersion   = "version"
)

// Coordinator drains per-tenant queues of pending mutations. One tenant's
// queue is processed sequentially to preserve the FIFO causal order of a
// single client's edits; different tenants may drain concurrently.
type Coordinator struct {
	store    store.Store
	resolver *conflict.Resolver
	audit    audit.Recorder
	logger   *slog.Logger

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
	tenants     map[string]struct{}

	now func() time.Time
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(st store.Store, resolver *conflict.Resolver, rec audit.Recorder, logger *slog.Logger) *Coordinator {
	if rec == nil {
		rec = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = conflict.NewResolver(rec)
	}
	return &Coordinator{
		store:       st,
		resolver:    resolver,
		audit:       rec,
		logger:      logger,
		tenantLocks: map[string]*sync.Mutex{},
		tenants:     map[string]struct{}{},
		now:         time.Now,
	}
}

// Enqueue appends a mutation with status pending. A missing ID or EnqueuedAt
// is filled in.
func (c *Coordinator) Enqueue(ctx context.Context, m *PendingMutation) error {
	if m.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if m.TargetCollection == "" || m.TargetID == "" {
		return fmt.Errorf("mutation target is required")
	}
	switch m.Kind {
	case KindCreate, KindUpdate, KindDelete:
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = c.now()
	}
	m.Status = StatusPending
	m.AttemptCount = 0
	c.markTenant(m.TenantID)

	doc, err := store.Encode(m)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, store.Collection(m.TenantID, mutationsCollection), m.ID, doc)
}

// Drain replays the tenant's pending and retryable failed mutations oldest
// first. Mutations that fail MaxAttempts times are parked permanently and
// excluded from later drains.
func (c *Coordinator) Drain(ctx context.Context, tenantID string) (Report, error) {
	lock := c.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	var report Report
	pending, err := c.loadDrainable(ctx, tenantID)
	if err != nil {
		return report, fmt.Errorf("load pending mutations: %w", err)
	}

	coll := store.Collection(tenantID, mutationsCollection)
	for i := range pending {
		m := &pending[i]
		if err := ctx.Err(); err != nil {
			return report, err
		}

		m.Status = StatusInFlight
		if err := c.saveMutation(ctx, coll, m); err != nil {
			return report, err
		}

		conflicted, applyErr := c.apply(ctx, tenantID, m)
		if conflicted {
			report.Conflicts++
		}
		if applyErr == nil {
			m.Status = StatusDone
			m.LastError = ""
			report.Synced++
		} else {
			m.AttemptCount++
			m.Status = StatusFailed
			m.LastError = applyErr.Error()
			report.Failed++
			c.logger.Warn("mutation apply failed",
				"tenant_id", tenantID,
				"mutation_id", m.ID,
				"attempt", m.AttemptCount,
				"error", applyErr)
			if m.AttemptCount >= MaxAttempts {
				c.audit.Record(ctx, &audit.Event{
					Type:     audit.EventMutationParked,
					TenantID: tenantID,
					UserID:   m.OwnerID,
					Action:   "mutation parked after max attempts",
					Details: map[string]any{
						"mutation_id": m.ID,
						"kind":        string(m.Kind),
						"target":      m.TargetCollection + "/" + m.TargetID,
					},
					Error: applyErr.Error(),
				})
			}
		}
		if err := c.saveMutation(ctx, coll, m); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Cleanup deletes done mutations older than retention. Returns the number
// deleted.
func (c *Coordinator) Cleanup(ctx context.Context, tenantID string, retention time.Duration) (int, error) {
	cutoff := c.now().Add(-retention)
	coll := store.Collection(tenantID, mutationsCollection)
	docs, err := c.store.Query(ctx, coll, store.Query{}.Where("status", store.OpEq, string(StatusDone)))
	if err != nil {
		return 0, fmt.Errorf("cleanup mutations: %w", err)
	}
	deleted := 0
	for _, doc := range docs {
		var m PendingMutation
		if err := store.Decode(doc, &m); err != nil {
			continue
		}
		if m.EnqueuedAt.Before(cutoff) {
			if err := c.store.Delete(ctx, coll, m.ID); err == nil {
				deleted++
			}
		}
	}
	return deleted, nil
}

// CleanupAll cleans every tenant seen by this coordinator instance.
func (c *Coordinator) CleanupAll(ctx context.Context, retention time.Duration) int {
	c.mu.Lock()
	tenants := make([]string, 0, len(c.tenants))
	for t := range c.tenants {
		tenants = append(tenants, t)
	}
	c.mu.Unlock()

	total := 0
	for _, t := range tenants {
		n, err := c.Cleanup(ctx, t, retention)
		if err != nil {
			c.logger.Warn("mutation cleanup failed", "tenant_id", t, "error", err)
			continue
		}
		total += n
	}
	return total
}

// apply executes one mutation against the target record. It reports whether
// conflict resolution was involved.
func (c *Coordinator) apply(ctx context.Context, tenantID string, m *PendingMutation) (bool, error) {
	switch m.Kind {
	case KindCreate:
		doc := store.Document{}
		for k, v := range m.Payload {
			doc[k] = v
		}
		doc[fieldUpdatedAt] = c.now().UTC().Format(time.RFC3339Nano)
		doc[fieldVersion] = 1
		return false, c.store.Set(ctx, m.TargetCollection, m.TargetID, doc)

	case KindDelete:
		return false, c.store.Delete(ctx, m.TargetCollection, m.TargetID)

	case KindUpdate:
		remote, err := c.store.Get(ctx, m.TargetCollection, m.TargetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Target vanished while offline; the update becomes a create.
				return false, c.applyPayload(ctx, m, 1)
			}
			return false, err
		}

		remoteUpdated, version := recordMeta(remote)
		if remoteUpdated.After(m.EnqueuedAt) {
			res := c.resolver.Resolve(ctx, tenantID,
				conflict.VersionedRecord{Data: m.Payload, Timestamp: m.EnqueuedAt, Author: m.OwnerID, Version: version},
				conflict.VersionedRecord{Data: stripMeta(remote), Timestamp: remoteUpdated, Version: version},
			)
			final, ok := res.FinalData.(map[string]any)
			if !ok {
				final = m.Payload
			}
			return true, c.applyData(ctx, m, final, version+1)
		}
		return false, c.applyPayload(ctx, m, version+1)
	}
	return false, fmt.Errorf("unknown mutation kind %q", m.Kind)
}

func (c *Coordinator) applyPayload(ctx context.Context, m *PendingMutation, version int) error {
	return c.applyData(ctx, m, m.Payload, version)
}

func (c *Coordinator) applyData(ctx context.Context, m *PendingMutation, data map[string]any, version int) error {
	fields := store.Document{}
	for k, v := range data {
		fields[k] = v
	}
	fields[fieldUpdatedAt] = c.now().UTC().Format(time.RFC3339Nano)
	fields[fieldVersion] = version
	return c.store.Merge(ctx, m.TargetCollection, m.TargetID, fields)
}

// loadDrainable returns pending mutations plus failed ones still under the
// attempt bound, ordered FIFO by enqueue time.
func (c *Coordinator) loadDrainable(ctx context.Context, tenantID string) ([]PendingMutation, error) {
	c.markTenant(tenantID)
	coll := store.Collection(tenantID, mutationsCollection)
	docs, err := c.store.Query(ctx, coll, store.Query{})
	if err != nil {
		return nil, err
	}
	var out []PendingMutation
	for _, doc := range docs {
		var m PendingMutation
		if err := store.Decode(doc, &m); err != nil {
			c.logger.Warn("skipping undecodable mutation", "tenant_id", tenantID, "error", err)
			continue
		}
		switch m.Status {
		case StatusPending:
			out = append(out, m)
		case StatusFailed:
			if m.AttemptCount < MaxAttempts {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (c *Coordinator) saveMutation(ctx context.Context, coll string, m *PendingMutation) error {
	doc, err := store.Encode(m)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, coll, m.ID, doc)
}

func (c *Coordinator) tenantLock(tenantID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.tenantLocks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		c.tenantLocks[tenantID] = lock
	}
	return lock
}

func (c *Coordinator) markTenant(tenantID string) {
	c.mu.Lock()
	c.tenants[tenantID] = struct{}{}
	c.mu.Unlock()
}

// recordMeta extracts the updatedAt timestamp and version of a stored record.
func recordMeta(doc store.Document) (time.Time, int) {
	var updated time.Time
	if s, ok := doc[fieldUpdatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			updated = t
		}
	}
	version := 0
	if f, ok := doc[fieldVersion].(float64); ok {
		version = int(f)
	}
	return updated, version
}

// stripMeta returns the record's data without coordinator-maintained fields.
func stripMeta(doc store.Document) map[string]any {
	data := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == fieldUpdatedAt || k == fieldVersion {
			continue
		}
		data[k] = v
	}
	return data
}
