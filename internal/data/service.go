// Package data is the facade the local API surface talks to. Writes
// always land in the local store and the mutation queue first; reads
// prefer the backend when it is reachable and fall back to the local
// store when it is not. Callers never need to know which path served
// them.
package data

import (
	"bytes"
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/netmon"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	"github.com/kimhsiao/practicesync/backend/internal/remote"
	"github.com/kimhsiao/practicesync/backend/internal/store"
	"github.com/kimhsiao/practicesync/backend/internal/sync"
	"github.com/kimhsiao/practicesync/backend/internal/telemetry"
	"github.com/kimhsiao/practicesync/backend/internal/uuid"
)

// Service coordinates the store, the queue, and the backend for one
// signed-in session. It implements sync.IDMapper so confirmed creates
// keep old ids resolvable.
type Service struct {
	store   store.Store
	queue   *queue.Queue
	client  remote.Client
	monitor *netmon.Monitor
	metrics *telemetry.Metrics
	session models.SessionContext
	log     *logging.Logger

	engine *sync.Engine
	idMap  gosync.Map // tempID -> serverID
}

// New creates the facade. Call AttachEngine before serving writes so
// online mutations trigger an immediate drain.
func New(s store.Store, q *queue.Queue, client remote.Client, monitor *netmon.Monitor,
	metrics *telemetry.Metrics, session models.SessionContext) *Service {
	return &Service{
		store:   s,
		queue:   q,
		client:  client,
		monitor: monitor,
		metrics: metrics,
		session: session,
		log:     logging.Get().Component("data"),
	}
}

// AttachEngine wires the sync engine used for post-write drain nudges.
func (s *Service) AttachEngine(e *sync.Engine) {
	s.engine = e
}

// Session returns the bound session context.
func (s *Service) Session() models.SessionContext {
	return s.session
}

// RecordMapping remembers a temporary-to-permanent id assignment so
// callers holding the temporary id keep resolving the entity.
func (s *Service) RecordMapping(tenantID, entityType, tempID, serverID string) {
	if tenantID != s.session.TenantID {
		return
	}
	s.idMap.Store(tempID, serverID)
}

// MapID resolves an id through recorded reconciliations.
func (s *Service) MapID(id string) string {
	if mapped, ok := s.idMap.Load(id); ok {
		return mapped.(string)
	}
	return id
}

// Collection scopes operations to one entity type.
func (s *Service) Collection(entityType string) *Collection {
	return &Collection{svc: s, entityType: entityType}
}

// nudge triggers an immediate background drain after a write when the
// backend is reachable. Offline writes wait for the monitor to flip.
func (s *Service) nudge() {
	if s.engine == nil || !s.monitor.Online() {
		return
	}
	go func() {
		if _, err := s.engine.Drain(context.Background(), s.session.TenantID); err != nil {
			s.log.Error("post-write drain", err)
		}
	}()
}

// Collection provides CRUD over one entity type.
type Collection struct {
	svc        *Service
	entityType string
}

// Create stores a new entity under a temporary id and queues its
// creation. The returned record is immediately readable.
func (c *Collection) Create(ctx context.Context, payload json.RawMessage) (*models.EntityRecord, error) {
	if err := validateDocument(payload); err != nil {
		return nil, err
	}
	s := c.svc
	now := time.Now().UnixMilli()
	rec := &models.EntityRecord{
		TenantID:     s.session.TenantID,
		EntityType:   c.entityType,
		ID:           models.EntityID(uuid.NewTemp()),
		Payload:      payload,
		PracticeID:   s.session.PracticeID,
		UserID:       s.session.UserID,
		SyncStatus:   models.SyncStatusPending,
		LastModified: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// The optimistic write must land before the caller returns; a
	// storage failure here is surfaced, not queued.
	if err := s.store.Put(rec); err != nil {
		return nil, err
	}

	result, err := s.queue.Enqueue(&models.MutationOperation{
		TenantID:   s.session.TenantID,
		EntityType: c.entityType,
		EntityID:   rec.ID,
		OpKind:     models.OpCreate,
		Payload:    payload,
	})
	if err != nil {
		return nil, err
	}
	c.countOutcome(result.Outcome)
	s.nudge()
	return rec, nil
}

// Get reads one entity. Online reads consult the backend and refresh
// the local copy; offline reads serve the local copy.
func (c *Collection) Get(ctx context.Context, id string) (*models.EntityRecord, error) {
	s := c.svc
	id = s.MapID(id)

	if s.monitor.Online() && !uuid.IsTemp(id) {
		doc, err := s.client.Fetch(ctx, s.session, c.entityType, id)
		switch {
		case err == nil:
			return c.refreshOne(id, doc)
		case apperrors.CodeOf(err) == apperrors.ErrNotFound:
			return nil, err
		default:
			// Serve local. Only a transport failure means the backend
			// is unreachable; a 5xx answer still confirms connectivity.
			s.monitor.ReportOutcome(apperrors.CodeOf(err) != apperrors.ErrNetwork)
		}
	}

	rec, err := s.store.Get(s.session.TenantID, c.entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, apperrors.New(apperrors.ErrNotFound, c.entityType+" "+id+" not found")
	}
	return rec, nil
}

// List reads entities of the collection's type. Online lists refresh
// the local store from the backend first, then serve the merged local
// view so optimistic writes are included.
func (c *Collection) List(ctx context.Context, opts store.ListOptions) ([]*models.EntityRecord, error) {
	s := c.svc

	if s.monitor.Online() {
		docs, err := s.client.List(ctx, s.session, c.entityType, opts.ModifiedSince)
		if err == nil {
			c.refreshMany(docs)
		} else {
			s.monitor.ReportOutcome(apperrors.CodeOf(err) != apperrors.ErrNetwork)
		}
	}

	return s.store.List(s.session.TenantID, c.entityType, opts)
}

// Update merges a partial document into the entity and queues the
// change. The merged record is immediately readable.
func (c *Collection) Update(ctx context.Context, id string, patch json.RawMessage) (*models.EntityRecord, error) {
	if err := validateDocument(patch); err != nil {
		return nil, err
	}
	s := c.svc
	id = s.MapID(id)

	rec, err := s.store.Get(s.session.TenantID, c.entityType, id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, apperrors.New(apperrors.ErrNotFound, c.entityType+" "+id+" not found")
	}

	merged, err := models.MergePayload(rec.Payload, patch)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "merge update", err)
	}
	rec.Payload = merged
	rec.SyncStatus = models.SyncStatusPending
	rec.Touch()
	if err := s.store.Put(rec); err != nil {
		return nil, err
	}

	result, err := s.queue.Enqueue(&models.MutationOperation{
		TenantID:   s.session.TenantID,
		EntityType: c.entityType,
		EntityID:   rec.ID,
		OpKind:     models.OpUpdate,
		Payload:    patch,
	})
	if err != nil {
		return nil, err
	}
	c.countOutcome(result.Outcome)
	s.nudge()
	return rec, nil
}

// Delete tombstones the entity and queues its removal. When the queued
// create for a never-synced entity is cancelled outright, the local
// record is removed instead of tombstoned.
func (c *Collection) Delete(ctx context.Context, id string) error {
	s := c.svc
	id = s.MapID(id)

	if _, err := s.store.Get(s.session.TenantID, c.entityType, id); err != nil {
		return err
	}

	result, err := s.queue.Enqueue(&models.MutationOperation{
		TenantID:   s.session.TenantID,
		EntityType: c.entityType,
		EntityID:   models.EntityID(id),
		OpKind:     models.OpDelete,
	})
	if err != nil {
		return err
	}
	c.countOutcome(result.Outcome)

	if result.Outcome == queue.OutcomeCancelled {
		// The backend never saw this entity; erase it completely.
		if err := s.store.Remove(s.session.TenantID, c.entityType, id); err != nil {
			return err
		}
		return nil
	}

	if err := s.store.SoftDelete(s.session.TenantID, c.entityType, id, time.Now().UnixMilli()); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// refreshOne writes an authoritative backend document into the store,
// unless local operations for the entity are still in flight, in which
// case the optimistic local copy wins.
func (c *Collection) refreshOne(id string, doc json.RawMessage) (*models.EntityRecord, error) {
	s := c.svc
	unfinished, err := s.queue.HasUnfinished(s.session.TenantID, c.entityType, id)
	if err != nil {
		return nil, err
	}
	if unfinished {
		rec, err := s.store.Get(s.session.TenantID, c.entityType, id)
		if err == nil && !rec.IsDeleted {
			return rec, nil
		}
		return nil, apperrors.New(apperrors.ErrNotFound, c.entityType+" "+id+" not found")
	}

	now := time.Now().UnixMilli()
	rec := &models.EntityRecord{
		TenantID:     s.session.TenantID,
		EntityType:   c.entityType,
		ID:           models.EntityID(id),
		Payload:      doc,
		PracticeID:   s.session.PracticeID,
		UserID:       s.session.UserID,
		SyncStatus:   models.SyncStatusSynced,
		LastModified: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if prev, err := s.store.Get(s.session.TenantID, c.entityType, id); err == nil {
		rec.CreatedAt = prev.CreatedAt
		// An unchanged document keeps its timestamps; otherwise every
		// poll would churn modified_since listings.
		if !prev.IsDeleted && bytes.Equal(prev.Payload, doc) {
			rec.LastModified = prev.LastModified
			rec.UpdatedAt = prev.UpdatedAt
		}
	}
	if err := s.store.Put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *Collection) refreshMany(docs []json.RawMessage) {
	for _, doc := range docs {
		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(doc, &envelope); err != nil || envelope.ID == "" {
			c.svc.log.Warn("backend document without id skipped", map[string]interface{}{
				"entity_type": c.entityType,
			})
			continue
		}
		if _, err := c.refreshOne(envelope.ID, doc); err != nil {
			c.svc.log.Error("refresh entity from backend", err, map[string]interface{}{
				"entity_type": c.entityType,
				"entity_id":   envelope.ID,
			})
		}
	}
}

func (c *Collection) countOutcome(outcome queue.Outcome) {
	if c.svc.metrics == nil {
		return
	}
	switch outcome {
	case queue.OutcomeInserted:
		c.svc.metrics.OpsEnqueued.Inc()
	case queue.OutcomeCoalesced, queue.OutcomeSuperseded:
		c.svc.metrics.OpsCoalesced.Inc()
	}
}

func validateDocument(doc json.RawMessage) error {
	if len(doc) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "empty document")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(doc, &obj); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "document must be a JSON object", err)
	}
	return nil
}
