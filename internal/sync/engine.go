// Package sync drains the mutation queue to the backend. The engine is
// the only writer of synced and error statuses in the local store; the
// data facade only ever stamps records pending.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/netmon"
	"github.com/kimhsiao/practicesync/backend/internal/queue"
	"github.com/kimhsiao/practicesync/backend/internal/remote"
	"github.com/kimhsiao/practicesync/backend/internal/store"
	"github.com/kimhsiao/practicesync/backend/internal/telemetry"
	"github.com/kimhsiao/practicesync/backend/internal/uuid"
)

// Events receives engine notifications. Implemented by the websocket
// hub so the UI can react to sync progress.
type Events interface {
	SyncStarted(tenantID string)
	SyncCompleted(tenantID string, result *DrainResult)
	OperationFailed(tenantID string, op *models.MutationOperation, terminal bool)
}

// IDMapper learns temporary-to-permanent id assignments as creates are
// confirmed. Implemented by the data facade.
type IDMapper interface {
	RecordMapping(tenantID, entityType, tempID, serverID string)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) SyncStarted(string)                                  {}
func (NopEvents) SyncCompleted(string, *DrainResult)                  {}
func (NopEvents) OperationFailed(string, *models.MutationOperation, bool) {}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Completed    int  `json:"completed"`
	Requeued     int  `json:"requeued"`
	DeadLettered int  `json:"dead_lettered"`
	Remapped     int  `json:"remapped"`
	Skipped      bool `json:"skipped"`
	Aborted      bool `json:"aborted"`
}

// Engine delivers queued operations. A single drain runs at a time;
// overlapping triggers are no-ops.
type Engine struct {
	queue   *queue.Queue
	store   store.Store
	client  remote.Client
	monitor *netmon.Monitor
	events  Events
	mapper  IDMapper
	metrics *telemetry.Metrics
	log     *logging.Logger

	concurrency int
	batchSize   int
	draining    atomic.Bool
}

// Options configures the engine.
type Options struct {
	// Concurrency bounds parallel deliveries. Each batch holds at most
	// one operation per entity, so parallelism never reorders an
	// entity's operations.
	Concurrency int
	// BatchSize caps operations fetched per queue pass.
	BatchSize int
}

// New creates an engine. events and mapper may be nil.
func New(q *queue.Queue, s store.Store, client remote.Client, monitor *netmon.Monitor,
	events Events, mapper IDMapper, metrics *telemetry.Metrics, opts Options) *Engine {
	if events == nil {
		events = NopEvents{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 32
	}
	return &Engine{
		queue:       q,
		store:       s,
		client:      client,
		monitor:     monitor,
		events:      events,
		mapper:      mapper,
		metrics:     metrics,
		log:         logging.Get().Component("sync"),
		concurrency: opts.Concurrency,
		batchSize:   opts.BatchSize,
	}
}

// Draining reports whether a drain pass is in progress.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// Drain delivers dispatchable operations for a tenant until the queue
// is empty, an abort condition hits, or ctx is cancelled. A concurrent
// call while a drain runs returns a skipped result.
func (e *Engine) Drain(ctx context.Context, tenantID string) (*DrainResult, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return &DrainResult{Skipped: true}, nil
	}
	defer e.draining.Store(false)

	result := &DrainResult{}
	e.events.SyncStarted(tenantID)
	if e.metrics != nil {
		e.metrics.Drains.Inc()
	}

	var mu sync.Mutex
	var stop atomic.Bool
	for !stop.Load() && ctx.Err() == nil {
		batch, err := e.queue.NextBatch(tenantID, time.Now(), e.batchSize)
		if err != nil {
			e.finish(tenantID, result)
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, op := range batch {
			op := op
			g.Go(func() error {
				if stop.Load() {
					return nil
				}
				e.deliverOne(gctx, op, result, &mu, &stop)
				return nil
			})
		}
		g.Wait()
	}
	if ctx.Err() != nil {
		result.Aborted = true
	}

	e.finish(tenantID, result)
	return result, nil
}

func (e *Engine) finish(tenantID string, result *DrainResult) {
	if e.metrics != nil {
		if stats, err := e.queue.Stats(tenantID); err == nil {
			e.metrics.QueueDepth.Set(float64(stats.Pending + stats.Processing))
		}
	}
	e.events.SyncCompleted(tenantID, result)
	e.log.Info("drain finished", map[string]interface{}{
		"completed":     result.Completed,
		"requeued":      result.Requeued,
		"dead_lettered": result.DeadLettered,
		"remapped":      result.Remapped,
		"aborted":       result.Aborted,
	})
}

func (e *Engine) deliverOne(ctx context.Context, op *models.MutationOperation,
	result *DrainResult, mu *sync.Mutex, stop *atomic.Bool) {

	now := time.Now()
	if err := e.queue.MarkProcessing(op.Seq, now); err != nil {
		// Raced with a user action on a dead letter; skip.
		e.log.Debug("operation no longer dispatchable", map[string]interface{}{
			"seq": op.Seq,
		})
		return
	}

	res, err := e.client.Deliver(ctx, op)
	if err == nil {
		e.monitor.ReportOutcome(true)
		e.confirm(op, res, result, mu)
		return
	}

	code := apperrors.CodeOf(err)
	switch {
	case code == apperrors.ErrSyncAuthFailed:
		// The credential is bad for every operation; pause the drain
		// without charging this op an attempt.
		if relErr := e.queue.Release(op.Seq); relErr != nil {
			e.log.Error("release after auth failure", relErr)
		}
		stop.Store(true)
		mu.Lock()
		result.Aborted = true
		mu.Unlock()
		e.log.Warn("sync paused: backend rejected credentials")

	case code.Retryable():
		if code == apperrors.ErrNetwork {
			e.monitor.ReportOutcome(false)
			// Connectivity is gone; later deliveries would fail too.
			stop.Store(true)
			mu.Lock()
			result.Aborted = true
			mu.Unlock()
		}
		dead, retryErr := e.queue.MarkRetry(op.Seq, err.Error(), now)
		if retryErr != nil {
			e.log.Error("schedule retry", retryErr, map[string]interface{}{"seq": op.Seq})
			return
		}
		if dead {
			e.deadLetter(op, result, mu)
		} else {
			mu.Lock()
			result.Requeued++
			mu.Unlock()
			if e.metrics != nil {
				e.metrics.OpsRequeued.Inc()
			}
		}

	default:
		// Terminal rejection: validation failure, conflict, or an
		// entity the backend refuses to accept. Retrying cannot help.
		// A conflict carries the server's document; it rides into the
		// dead letter.
		if failErr := e.queue.MarkFailed(op.Seq, err.Error(), apperrors.PayloadOf(err)); failErr != nil {
			e.log.Error("mark failed", failErr, map[string]interface{}{"seq": op.Seq})
			return
		}
		e.deadLetter(op, result, mu)
	}
}

// confirm applies a successful delivery: completes the queue entry,
// reconciles ids for creates, and settles the store record.
func (e *Engine) confirm(op *models.MutationOperation, res *remote.Result,
	result *DrainResult, mu *sync.Mutex) {

	if err := e.queue.MarkCompleted(op.Seq, res.Payload); err != nil {
		e.log.Error("mark completed", err, map[string]interface{}{"seq": op.Seq})
		return
	}

	finalID := string(op.EntityID)
	if op.OpKind == models.OpCreate && uuid.IsTemp(finalID) &&
		res.ServerID != "" && res.ServerID != finalID {
		if err := e.store.ReplaceID(op.TenantID, op.EntityType, finalID, res.ServerID); err != nil {
			e.log.Error("replace entity id", err, map[string]interface{}{
				"temp_id":   finalID,
				"server_id": res.ServerID,
			})
		}
		if _, err := e.queue.RewriteEntityID(op.TenantID, op.EntityType, finalID, res.ServerID); err != nil {
			e.log.Error("rewrite queued ids", err)
		}
		if e.mapper != nil {
			e.mapper.RecordMapping(op.TenantID, op.EntityType, finalID, res.ServerID)
		}
		finalID = res.ServerID
		mu.Lock()
		result.Remapped++
		mu.Unlock()
	}

	if op.OpKind == models.OpDelete {
		// The backend confirmed the delete; drop the local tombstone.
		if err := e.store.Remove(op.TenantID, op.EntityType, finalID); err != nil &&
			apperrors.CodeOf(err) != apperrors.ErrNotFound {
			e.log.Error("remove tombstone", err)
		}
	} else {
		// Only settle to synced when nothing else is queued for the
		// entity; otherwise newer local changes are still pending.
		unfinished, err := e.queue.HasUnfinished(op.TenantID, op.EntityType, finalID)
		if err != nil {
			e.log.Error("check unfinished", err)
		} else if !unfinished {
			if err := e.store.SetSyncStatus(op.TenantID, op.EntityType, finalID,
				models.SyncStatusSynced); err != nil &&
				apperrors.CodeOf(err) != apperrors.ErrNotFound {
				e.log.Error("settle record", err)
			}
		}
	}

	mu.Lock()
	result.Completed++
	mu.Unlock()
	if e.metrics != nil {
		e.metrics.OpsCompleted.Inc()
	}
}

func (e *Engine) deadLetter(op *models.MutationOperation, result *DrainResult, mu *sync.Mutex) {
	if err := e.store.SetSyncStatus(op.TenantID, op.EntityType, string(op.EntityID),
		models.SyncStatusError); err != nil &&
		apperrors.CodeOf(err) != apperrors.ErrNotFound {
		e.log.Error("flag record error status", err)
	}
	e.events.OperationFailed(op.TenantID, op, true)
	mu.Lock()
	result.DeadLettered++
	mu.Unlock()
	if e.metrics != nil {
		e.metrics.OpsDeadLettered.Inc()
	}
}
