// Package queue implements the durable mutation queue: the write-ahead
// log of local changes awaiting delivery to the backend. Operations are
// persisted before the caller returns, coalesced where redundant, and
// delivered per-entity in FIFO order.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/practicesync/backend/internal/errors"
	"github.com/kimhsiao/practicesync/backend/internal/logging"
	"github.com/kimhsiao/practicesync/backend/internal/models"
	"github.com/kimhsiao/practicesync/backend/internal/uuid"
)

// Outcome describes what Enqueue did with a submitted operation.
type Outcome string

const (
	// OutcomeInserted means a new queue row was created.
	OutcomeInserted Outcome = "inserted"
	// OutcomeCoalesced means the operation was merged into an existing
	// pending row; no new row was created.
	OutcomeCoalesced Outcome = "coalesced"
	// OutcomeCancelled means a delete annihilated a pending create that
	// the backend never saw. The entity no longer needs to exist
	// anywhere.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeSuperseded means a delete replaced a pending update in
	// place.
	OutcomeSuperseded Outcome = "superseded"
)

// EnqueueResult reports the effect of an Enqueue call.
type EnqueueResult struct {
	Outcome       Outcome
	Seq           int64
	CorrelationID string
}

// Stats summarizes queue health for the status surface.
type Stats struct {
	Pending         int   `json:"pending"`
	Processing      int   `json:"processing"`
	Failed          int   `json:"failed"`
	OldestPendingAt int64 `json:"oldest_pending_at,omitempty"` // unix millis, 0 = empty
}

// Queue is the durable mutation queue over the mutation_queue table.
// Enqueue and the Mark* methods may be called from different goroutines;
// SQLite serializes the writes.
type Queue struct {
	db          *sql.DB
	backoff     Backoff
	maxAttempts int
	log         *logging.Logger
}

// New creates a queue. maxAttempts is the dead-letter ceiling.
func New(db *sql.DB, backoff Backoff, maxAttempts int) *Queue {
	return &Queue{
		db:          db,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		log:         logging.Get().Component("queue"),
	}
}

const opColumns = `seq, tenant_id, entity_type, entity_id, op_kind, payload,
	status, attempts, enqueued_at, last_attempt_at, next_attempt_at,
	correlation_id, last_error, server_payload`

// Enqueue persists an operation, applying the coalescing rules against
// rows that are still pending. Rows in flight (processing) or
// dead-lettered (failed) are never touched; a new row queues behind
// them instead.
func (q *Queue) Enqueue(op *models.MutationOperation) (*EnqueueResult, error) {
	if op.TenantID == "" || op.EntityType == "" || op.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "operation missing tenant, type or id")
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "begin enqueue", err)
	}
	defer tx.Rollback()

	result, err := q.enqueueTx(tx, op)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "commit enqueue", err)
	}

	q.log.Debug("operation enqueued", map[string]interface{}{
		"outcome":     string(result.Outcome),
		"entity_type": op.EntityType,
		"entity_id":   string(op.EntityID),
		"op_kind":     string(op.OpKind),
	})
	return result, nil
}

func (q *Queue) enqueueTx(tx *sql.Tx, op *models.MutationOperation) (*EnqueueResult, error) {
	// Latest pending row for the same entity, if any.
	row := tx.QueryRow(`
		SELECT `+opColumns+` FROM mutation_queue
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND status = 'pending'
		ORDER BY seq DESC LIMIT 1`,
		op.TenantID, op.EntityType, op.EntityID)
	existing, err := scanOp(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "load pending head", err)
	}
	hasPending := err == nil

	if hasPending {
		switch {
		case op.OpKind == models.OpUpdate &&
			(existing.OpKind == models.OpCreate || existing.OpKind == models.OpUpdate):
			// Merge the new fields into the queued payload. The queued
			// row keeps its position and correlation id.
			merged, err := models.MergePayload(existing.Payload, op.Payload)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalid, "merge payloads", err)
			}
			if _, err := tx.Exec(
				"UPDATE mutation_queue SET payload = ? WHERE seq = ?",
				string(merged), existing.Seq); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrStorage, "coalesce update", err)
			}
			return &EnqueueResult{
				Outcome:       OutcomeCoalesced,
				Seq:           existing.Seq,
				CorrelationID: existing.CorrelationID,
			}, nil

		case op.OpKind == models.OpDelete && existing.OpKind == models.OpCreate &&
			uuid.IsTemp(string(op.EntityID)):
			// The backend never saw this entity; drop the create and
			// enqueue nothing.
			if _, err := tx.Exec(
				"DELETE FROM mutation_queue WHERE seq = ?", existing.Seq); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrStorage, "cancel pending create", err)
			}
			return &EnqueueResult{Outcome: OutcomeCancelled}, nil

		case op.OpKind == models.OpDelete && existing.OpKind == models.OpUpdate:
			// The update's effects would be erased by the delete anyway;
			// rewrite the row in place, keeping its queue position.
			if _, err := tx.Exec(
				"UPDATE mutation_queue SET op_kind = 'delete', payload = NULL WHERE seq = ?",
				existing.Seq); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrStorage, "supersede pending update", err)
			}
			return &EnqueueResult{
				Outcome:       OutcomeSuperseded,
				Seq:           existing.Seq,
				CorrelationID: existing.CorrelationID,
			}, nil
		}
	}

	correlationID := uuid.NewCorrelationID()
	now := time.Now().UnixMilli()
	var payload interface{}
	if len(op.Payload) > 0 {
		payload = string(op.Payload)
	}
	res, err := tx.Exec(`
		INSERT INTO mutation_queue (tenant_id, entity_type, entity_id, op_kind,
			payload, status, attempts, enqueued_at, correlation_id)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		op.TenantID, op.EntityType, op.EntityID, op.OpKind, payload, now, correlationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "insert operation", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "operation seq", err)
	}
	return &EnqueueResult{
		Outcome:       OutcomeInserted,
		Seq:           seq,
		CorrelationID: correlationID,
	}, nil
}

// NextBatch returns up to limit dispatchable operations for a tenant.
// An operation is dispatchable when it is the oldest unfinished entry
// for its entity, it is pending, and its backoff window has elapsed.
// Failed entries block later operations on the same entity until the
// user retries or discards them.
func (q *Queue) NextBatch(tenantID string, now time.Time, limit int) ([]*models.MutationOperation, error) {
	rows, err := q.db.Query(`
		SELECT `+opColumns+` FROM mutation_queue q
		WHERE q.tenant_id = ?
		  AND q.status = 'pending'
		  AND q.next_attempt_at <= ?
		  AND q.seq = (
			SELECT MIN(h.seq) FROM mutation_queue h
			WHERE h.tenant_id = q.tenant_id
			  AND h.entity_type = q.entity_type
			  AND h.entity_id = q.entity_id
			  AND h.status IN ('pending', 'processing', 'failed'))
		ORDER BY q.seq
		LIMIT ?`,
		tenantID, now.UnixMilli(), limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "select batch", err)
	}
	defer rows.Close()

	var batch []*models.MutationOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueCorruption, "scan operation", err)
		}
		batch = append(batch, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "select batch", err)
	}
	return batch, nil
}

// MarkProcessing transitions a pending operation to processing.
func (q *Queue) MarkProcessing(seq int64, now time.Time) error {
	res, err := q.db.Exec(`
		UPDATE mutation_queue SET status = 'processing', last_attempt_at = ?
		WHERE seq = ? AND status = 'pending'`,
		now.UnixMilli(), seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark processing", err)
	}
	return q.checkTransition(res, seq, "processing")
}

// MarkCompleted records server confirmation for an in-flight operation.
// The server's response payload is kept for id reconciliation.
func (q *Queue) MarkCompleted(seq int64, serverPayload []byte) error {
	var payload interface{}
	if len(serverPayload) > 0 {
		payload = string(serverPayload)
	}
	res, err := q.db.Exec(`
		UPDATE mutation_queue SET status = 'completed', last_error = '', server_payload = ?
		WHERE seq = ? AND status = 'processing'`,
		payload, seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark completed", err)
	}
	return q.checkTransition(res, seq, "completed")
}

// MarkRetry records a retryable failure. The attempt counter increases
// and the operation returns to pending with a backoff window, unless
// the ceiling is reached, in which case it is dead-lettered.
func (q *Queue) MarkRetry(seq int64, attemptErr string, now time.Time) (deadLettered bool, err error) {
	tx, err := q.db.Begin()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "begin retry", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRow(
		"SELECT attempts FROM mutation_queue WHERE seq = ? AND status = 'processing'",
		seq).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return false, apperrors.New(apperrors.ErrNotFound,
				fmt.Sprintf("no in-flight operation %d", seq))
		}
		return false, apperrors.Wrap(apperrors.ErrStorage, "load attempts", err)
	}

	attempts++
	if attempts >= q.maxAttempts {
		if _, err := tx.Exec(`
			UPDATE mutation_queue SET status = 'failed', attempts = ?, last_error = ?
			WHERE seq = ?`,
			attempts, attemptErr, seq); err != nil {
			return false, apperrors.Wrap(apperrors.ErrStorage, "dead letter", err)
		}
		if err := tx.Commit(); err != nil {
			return false, apperrors.Wrap(apperrors.ErrStorage, "commit retry", err)
		}
		q.log.Warn("operation dead-lettered", map[string]interface{}{
			"seq":      seq,
			"attempts": attempts,
			"error":    attemptErr,
		})
		return true, nil
	}

	next := now.Add(q.backoff.Delay(attempts)).UnixMilli()
	if _, err := tx.Exec(`
		UPDATE mutation_queue SET status = 'pending', attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE seq = ?`,
		attempts, attemptErr, next, seq); err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "schedule retry", err)
	}
	if err := tx.Commit(); err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "commit retry", err)
	}
	return false, nil
}

// MarkFailed dead-letters an in-flight operation immediately. Used for
// non-retryable rejections such as server-side validation failures.
// serverPayload, when present, is the authoritative document the
// backend returned with the rejection, kept for the dead-letter
// surface.
func (q *Queue) MarkFailed(seq int64, attemptErr string, serverPayload []byte) error {
	var payload interface{}
	if len(serverPayload) > 0 {
		payload = string(serverPayload)
	}
	res, err := q.db.Exec(`
		UPDATE mutation_queue
		SET status = 'failed', attempts = attempts + 1, last_error = ?, server_payload = ?
		WHERE seq = ? AND status = 'processing'`,
		attemptErr, payload, seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "mark failed", err)
	}
	return q.checkTransition(res, seq, "failed")
}

// Release returns an in-flight operation to pending without charging
// an attempt. Used when a drain aborts for reasons unrelated to the
// operation itself, such as an authentication failure.
func (q *Queue) Release(seq int64) error {
	res, err := q.db.Exec(`
		UPDATE mutation_queue SET status = 'pending'
		WHERE seq = ? AND status = 'processing'`,
		seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "release operation", err)
	}
	return q.checkTransition(res, seq, "pending")
}

// HasUnfinished reports whether any queue entry for the entity still
// awaits delivery or user action.
func (q *Queue) HasUnfinished(tenantID, entityType, entityID string) (bool, error) {
	var n int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM mutation_queue
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		  AND status IN ('pending', 'processing', 'failed')`,
		tenantID, entityType, entityID).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "count unfinished", err)
	}
	return n > 0, nil
}

// RewriteEntityID repoints queued operations from a temporary id to the
// id the backend assigned.
func (q *Queue) RewriteEntityID(tenantID, entityType, tempID, serverID string) (int, error) {
	res, err := q.db.Exec(`
		UPDATE mutation_queue SET entity_id = ?
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
		  AND status IN ('pending', 'failed')`,
		serverID, tenantID, entityType, tempID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "rewrite entity id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "rewrite entity id", err)
	}
	return int(n), nil
}

// ResetProcessing returns crashed in-flight operations to pending.
// Called once at startup; delivery is idempotent via correlation ids,
// so re-sending a possibly-delivered operation is safe.
func (q *Queue) ResetProcessing() (int, error) {
	res, err := q.db.Exec(
		"UPDATE mutation_queue SET status = 'pending' WHERE status = 'processing'")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "reset processing", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "reset processing", err)
	}
	if n > 0 {
		q.log.Warn("recovered in-flight operations after restart", map[string]interface{}{
			"count": n,
		})
	}
	return int(n), nil
}

// DeadLetters returns all dead-lettered operations for a tenant.
func (q *Queue) DeadLetters(tenantID string) ([]*models.MutationOperation, error) {
	rows, err := q.db.Query(`
		SELECT `+opColumns+` FROM mutation_queue
		WHERE tenant_id = ? AND status = 'failed' ORDER BY seq`,
		tenantID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "list dead letters", err)
	}
	defer rows.Close()

	var ops []*models.MutationOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrQueueCorruption, "scan dead letter", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// RetryDeadLetter returns a dead-lettered operation to the queue with a
// fresh attempt budget.
func (q *Queue) RetryDeadLetter(seq int64) error {
	res, err := q.db.Exec(`
		UPDATE mutation_queue
		SET status = 'pending', attempts = 0, next_attempt_at = 0, last_error = ''
		WHERE seq = ? AND status = 'failed'`,
		seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "retry dead letter", err)
	}
	return q.checkTransition(res, seq, "pending")
}

// DiscardDeadLetter permanently drops a dead-lettered operation,
// unblocking later operations on the same entity.
func (q *Queue) DiscardDeadLetter(seq int64) error {
	res, err := q.db.Exec(
		"DELETE FROM mutation_queue WHERE seq = ? AND status = 'failed'", seq)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "discard dead letter", err)
	}
	return q.checkTransition(res, seq, "discarded")
}

// Stats returns queue counters for a tenant.
func (q *Queue) Stats(tenantID string) (*Stats, error) {
	rows, err := q.db.Query(`
		SELECT status, COUNT(*) FROM mutation_queue
		WHERE tenant_id = ? AND status != 'completed'
		GROUP BY status`,
		tenantID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "queue stats", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "queue stats", err)
		}
		switch models.OpStatus(status) {
		case models.OpPending:
			stats.Pending = count
		case models.OpProcessing:
			stats.Processing = count
		case models.OpFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "queue stats", err)
	}

	if stats.Pending > 0 {
		err = q.db.QueryRow(`
			SELECT COALESCE(MIN(enqueued_at), 0) FROM mutation_queue
			WHERE tenant_id = ? AND status = 'pending'`,
			tenantID).Scan(&stats.OldestPendingAt)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "queue stats", err)
		}
	}
	return stats, nil
}

// PruneCompleted removes confirmed operations older than the cutoff.
func (q *Queue) PruneCompleted(before time.Time) (int, error) {
	res, err := q.db.Exec(
		"DELETE FROM mutation_queue WHERE status = 'completed' AND enqueued_at < ?",
		before.UnixMilli())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "prune completed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "prune completed", err)
	}
	return int(n), nil
}

func (q *Queue) checkTransition(res sql.Result, seq int64, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "rows affected", err)
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("operation %d not eligible for %s", seq, target))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOp(row rowScanner) (*models.MutationOperation, error) {
	var op models.MutationOperation
	var payload, serverPayload sql.NullString
	err := row.Scan(&op.Seq, &op.TenantID, &op.EntityType, &op.EntityID,
		&op.OpKind, &payload, &op.Status, &op.Attempts, &op.EnqueuedAt,
		&op.LastAttemptAt, &op.NextAttemptAt, &op.CorrelationID,
		&op.LastError, &serverPayload)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		op.Payload = []byte(payload.String)
	}
	if serverPayload.Valid && serverPayload.String != "" {
		op.ServerPayload = []byte(serverPayload.String)
	}
	return &op, nil
}
