package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_operations (
    operation_id    TEXT PRIMARY KEY,
    partner_id      TEXT NOT NULL,
    device_id       TEXT NOT NULL,
    op_type         TEXT NOT NULL,
    entity_type     TEXT NOT NULL,
    entity_id       TEXT NOT NULL,
    data            TEXT,
    original_data   TEXT,
    status          TEXT NOT NULL DEFAULT 'pending',
    priority        TEXT NOT NULL DEFAULT 'normal',
    has_conflict    INTEGER NOT NULL DEFAULT 0,
    conflict_type   TEXT,
    server_data     TEXT,
    local_data      TEXT,
    resolution      TEXT,
    resolved_by     TEXT,
    resolved_at     TEXT,
    error_code      TEXT,
    error_message   TEXT,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 3,
    last_retry_at   TEXT,
    batch_id        TEXT,
    sequence_number INTEGER,
    batch_size      INTEGER,
    created_at      TEXT NOT NULL,
    processed_at    TEXT,
    completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_ops_partner_status ON sync_operations(partner_id, status);
CREATE INDEX IF NOT EXISTS idx_ops_status ON sync_operations(status);
CREATE INDEX IF NOT EXISTS idx_ops_entity ON sync_operations(partner_id, entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_ops_batch ON sync_operations(batch_id);
CREATE INDEX IF NOT EXISTS idx_ops_created_at ON sync_operations(created_at);
`

// Fixed-width UTC layout so string comparisons in SQL order chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dbOperation is the flat row shape scanned from SQLite. Timestamps are
// stored as fixed-width UTC strings.
type dbOperation struct {
	OperationID    string         `db:"operation_id"`
	PartnerID      string         `db:"partner_id"`
	DeviceID       string         `db:"device_id"`
	OpType         string         `db:"op_type"`
	EntityType     string         `db:"entity_type"`
	EntityID       string         `db:"entity_id"`
	Data           sql.NullString `db:"data"`
	OriginalData   sql.NullString `db:"original_data"`
	Status         string         `db:"status"`
	Priority       string         `db:"priority"`
	HasConflict    bool           `db:"has_conflict"`
	ConflictType   sql.NullString `db:"conflict_type"`
	ServerData     sql.NullString `db:"server_data"`
	LocalData      sql.NullString `db:"local_data"`
	Resolution     sql.NullString `db:"resolution"`
	ResolvedBy     sql.NullString `db:"resolved_by"`
	ResolvedAt     sql.NullString `db:"resolved_at"`
	ErrorCode      sql.NullString `db:"error_code"`
	ErrorMessage   sql.NullString `db:"error_message"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	LastRetryAt    sql.NullString `db:"last_retry_at"`
	BatchID        sql.NullString `db:"batch_id"`
	SequenceNumber sql.NullInt64  `db:"sequence_number"`
	BatchSize      sql.NullInt64  `db:"batch_size"`
	CreatedAt      string         `db:"created_at"`
	ProcessedAt    sql.NullString `db:"processed_at"`
	CompletedAt    sql.NullString `db:"completed_at"`
}

const allColumns = `operation_id, partner_id, device_id, op_type, entity_type, entity_id,
data, original_data, status, priority,
has_conflict, conflict_type, server_data, local_data, resolution, resolved_by, resolved_at,
error_code, error_message, retry_count, max_retries, last_retry_at,
batch_id, sequence_number, batch_size, created_at, processed_at, completed_at`

// priorityRank orders pending rows for dispatch: critical first, then by age.
const priorityRank = `CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END`

// Store is the durable record of every sync operation and its status
// history. All status transitions happen through guarded single-statement
// updates so concurrent dispatchers cannot double-claim or resurrect
// terminal rows.
type Store struct {
	db *sqlx.DB
}

// NewStore initializes the store schema on an open database.
func NewStore(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initialize operations schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullPayload(p Payload) sql.NullString {
	if p.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}

func payloadOf(v sql.NullString) Payload {
	if !v.Valid {
		return nil
	}
	return Payload(v.String)
}

func (r *dbOperation) toOperation() (*Operation, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", r.OperationID, err)
	}
	processedAt, err := parseNullTime(r.ProcessedAt)
	if err != nil {
		return nil, fmt.Errorf("parse processed_at for %s: %w", r.OperationID, err)
	}
	completedAt, err := parseNullTime(r.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("parse completed_at for %s: %w", r.OperationID, err)
	}
	resolvedAt, err := parseNullTime(r.ResolvedAt)
	if err != nil {
		return nil, fmt.Errorf("parse resolved_at for %s: %w", r.OperationID, err)
	}
	lastRetryAt, err := parseNullTime(r.LastRetryAt)
	if err != nil {
		return nil, fmt.Errorf("parse last_retry_at for %s: %w", r.OperationID, err)
	}

	return &Operation{
		ID:           r.OperationID,
		PartnerID:    r.PartnerID,
		DeviceID:     r.DeviceID,
		Type:         OpType(r.OpType),
		Entity:       EntityType(r.EntityType),
		EntityID:     r.EntityID,
		Data:         payloadOf(r.Data),
		OriginalData: payloadOf(r.OriginalData),
		Status:       OpStatus(r.Status),
		Priority:     Priority(r.Priority),
		Conflict: ConflictRecord{
			HasConflict: r.HasConflict,
			Type:        ConflictType(r.ConflictType.String),
			ServerData:  payloadOf(r.ServerData),
			LocalData:   payloadOf(r.LocalData),
			Resolution:  Resolution(r.Resolution.String),
			ResolvedBy:  r.ResolvedBy.String,
			ResolvedAt:  resolvedAt,
		},
		Error: ErrorRecord{
			Code:        r.ErrorCode.String,
			Message:     r.ErrorMessage.String,
			RetryCount:  r.RetryCount,
			MaxRetries:  r.MaxRetries,
			LastRetryAt: lastRetryAt,
		},
		Batch: BatchRecord{
			BatchID:        r.BatchID.String,
			SequenceNumber: int(r.SequenceNumber.Int64),
			BatchSize:      int(r.BatchSize.Int64),
		},
		CreatedAt:   createdAt,
		ProcessedAt: processedAt,
		CompletedAt: completedAt,
	}, nil
}

func rowOf(op *Operation) *dbOperation {
	row := &dbOperation{
		OperationID:  op.ID,
		PartnerID:    op.PartnerID,
		DeviceID:     op.DeviceID,
		OpType:       string(op.Type),
		EntityType:   string(op.Entity),
		EntityID:     op.EntityID,
		Data:         nullPayload(op.Data),
		OriginalData: nullPayload(op.OriginalData),
		Status:       string(op.Status),
		Priority:     string(op.Priority),
		RetryCount:   op.Error.RetryCount,
		MaxRetries:   op.Error.MaxRetries,
		CreatedAt:    formatTime(op.CreatedAt),
	}
	if op.Batch.BatchID != "" {
		row.BatchID = sql.NullString{String: op.Batch.BatchID, Valid: true}
		row.SequenceNumber = sql.NullInt64{Int64: int64(op.Batch.SequenceNumber), Valid: true}
		row.BatchSize = sql.NullInt64{Int64: int64(op.Batch.BatchSize), Valid: true}
	}
	return row
}

const insertSQL = `INSERT INTO sync_operations
(operation_id, partner_id, device_id, op_type, entity_type, entity_id,
 data, original_data, status, priority, retry_count, max_retries,
 batch_id, sequence_number, batch_size, created_at)
VALUES (:operation_id, :partner_id, :device_id, :op_type, :entity_type, :entity_id,
 :data, :original_data, :status, :priority, :retry_count, :max_retries,
 :batch_id, :sequence_number, :batch_size, :created_at)`

// Enqueue persists a new pending operation.
func (s *Store) Enqueue(op *Operation) error {
	if _, err := s.db.NamedExec(insertSQL, rowOf(op)); err != nil {
		return fmt.Errorf("enqueue operation %s: %w", op.ID, err)
	}
	slog.Debug("store enqueue", "op", op.ID, "entity", op.EntityKey(), "priority", op.Priority)
	return nil
}

// EnqueueAll persists a set of operations in one transaction; either the
// whole set becomes visible or none of it does.
func (s *Store) EnqueueAll(ops []*Operation) error {
	if len(ops) == 0 {
		return ErrEmptyBatch
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}

	for _, op := range ops {
		if _, err := tx.NamedExec(insertSQL, rowOf(op)); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert operation %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch insert: %w", err)
	}
	return nil
}

// Get retrieves one operation by ID.
func (s *Store) Get(operationID string) (*Operation, error) {
	var row dbOperation
	err := s.db.Get(&row, `SELECT `+allColumns+` FROM sync_operations WHERE operation_id = ?`, operationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get operation %s: %w", operationID, err)
	}
	return row.toOperation()
}

// Exists reports whether an operation ID has ever been submitted.
func (s *Store) Exists(operationID string) (bool, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM sync_operations WHERE operation_id = ?`, operationID); err != nil {
		return false, fmt.Errorf("check operation %s: %w", operationID, err)
	}
	return n > 0, nil
}

// Claim atomically transitions one operation from pending to processing.
// The guard is a single conditional UPDATE: it succeeds only when the row
// is still pending AND no other operation for the same
// (partner, entity_type, entity_id) is currently processing. This is the
// compare-and-set that makes concurrent dispatchers safe.
func (s *Store) Claim(operationID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations AS s
SET status = 'processing', processed_at = ?
WHERE s.operation_id = ?
  AND s.status = 'pending'
  AND NOT EXISTS (
      SELECT 1 FROM sync_operations p
      WHERE p.partner_id = s.partner_id
        AND p.entity_type = s.entity_type
        AND p.entity_id = s.entity_id
        AND p.status = 'processing')`,
		formatTime(now), operationID)
	if err != nil {
		return false, fmt.Errorf("claim operation %s: %w", operationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim operation %s: %w", operationID, err)
	}
	return n == 1, nil
}

// ReleaseStale returns claims held past the lease cutoff to pending.
// A processing row that old belongs to a worker that died or was shut
// down between claim and completion; domains apply idempotently per
// operation ID, so replaying it is safe. Without this, a stranded claim
// would block its entity's queue forever.
func (s *Store) ReleaseStale(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'pending', processed_at = NULL
WHERE status = 'processing' AND processed_at <= ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return res.RowsAffected()
}

// NextEligible returns pending operations ready for dispatch, ordered by
// priority then age. A row is eligible when no sibling for the same entity
// is processing, and, for batch members, every lower sequence number
// targeting the same entity has reached a terminal state.
func (s *Store) NextEligible(limit int) ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows, `
SELECT `+allColumns+` FROM sync_operations AS s
WHERE s.status = 'pending'
  AND NOT EXISTS (
      SELECT 1 FROM sync_operations p
      WHERE p.partner_id = s.partner_id
        AND p.entity_type = s.entity_type
        AND p.entity_id = s.entity_id
        AND p.status = 'processing')
  AND (s.batch_id IS NULL OR NOT EXISTS (
      SELECT 1 FROM sync_operations b
      WHERE b.batch_id = s.batch_id
        AND b.entity_type = s.entity_type
        AND b.entity_id = s.entity_id
        AND b.sequence_number < s.sequence_number
        AND b.status NOT IN ('completed', 'cancelled')))
ORDER BY `+priorityRank+`, s.created_at
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("select eligible operations: %w", err)
	}
	return toOperations(rows)
}

// FindPending returns all pending operations for a partner, dispatch-ordered.
func (s *Store) FindPending(partnerID string) ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows, `
SELECT `+allColumns+` FROM sync_operations
WHERE partner_id = ? AND status = 'pending'
ORDER BY `+priorityRank+`, created_at`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("find pending for %s: %w", partnerID, err)
	}
	return toOperations(rows)
}

// FindByEntity returns all operations targeting one entity, oldest first.
func (s *Store) FindByEntity(partnerID string, entity EntityType, entityID string) ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows, `
SELECT `+allColumns+` FROM sync_operations
WHERE partner_id = ? AND entity_type = ? AND entity_id = ?
ORDER BY created_at`, partnerID, string(entity), entityID)
	if err != nil {
		return nil, fmt.Errorf("find by entity %s/%s/%s: %w", partnerID, entity, entityID, err)
	}
	return toOperations(rows)
}

// FindByBatch returns a batch's operations ordered by sequence number,
// for ordered replay and audit.
func (s *Store) FindByBatch(batchID string) ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows, `
SELECT `+allColumns+` FROM sync_operations
WHERE batch_id = ?
ORDER BY sequence_number`, batchID)
	if err != nil {
		return nil, fmt.Errorf("find batch %s: %w", batchID, err)
	}
	return toOperations(rows)
}

// FindConflicts returns a partner's unresolved conflicts, oldest first.
func (s *Store) FindConflicts(partnerID string) ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows, `
SELECT `+allColumns+` FROM sync_operations
WHERE partner_id = ? AND status = 'conflict'
ORDER BY created_at`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("find conflicts for %s: %w", partnerID, err)
	}
	return toOperations(rows)
}

func toOperations(rows []dbOperation) ([]*Operation, error) {
	ops := make([]*Operation, 0, len(rows))
	for i := range rows {
		op, err := rows[i].toOperation()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// MarkCompleted finishes a processing operation, storing the applied data.
func (s *Store) MarkCompleted(operationID string, applied Payload, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'completed', data = COALESCE(?, data), completed_at = ?
WHERE operation_id = ? AND status = 'processing'`,
		nullPayload(applied), formatTime(now), operationID)
	if err != nil {
		return false, fmt.Errorf("complete operation %s: %w", operationID, err)
	}
	return oneRow(res)
}

// MarkFailed records a transient failure: exactly one retry-count
// increment per attempt. The guard on retry_count preserves the
// retry_count <= max_retries invariant even under races.
func (s *Store) MarkFailed(operationID, code, message string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'failed', error_code = ?, error_message = ?,
    retry_count = retry_count + 1, last_retry_at = ?
WHERE operation_id = ? AND status = 'processing' AND retry_count < max_retries`,
		code, message, formatTime(now), operationID)
	if err != nil {
		return false, fmt.Errorf("fail operation %s: %w", operationID, err)
	}
	return oneRow(res)
}

// MarkFailedPermanent terminal-fails an operation and exhausts its retry
// budget so no automatic process re-enqueues it.
func (s *Store) MarkFailedPermanent(operationID, code, message string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'failed', error_code = ?, error_message = ?,
    retry_count = max_retries, last_retry_at = ?
WHERE operation_id = ? AND status = 'processing'`,
		code, message, formatTime(now), operationID)
	if err != nil {
		return false, fmt.Errorf("fail operation %s: %w", operationID, err)
	}
	return oneRow(res)
}

// Retry transitions failed back to pending for another dispatcher pass.
// It does NOT touch retry_count: the count moves exactly once per failed
// attempt, in MarkFailed.
func (s *Store) Retry(operationID string) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'pending'
WHERE operation_id = ? AND status = 'failed' AND retry_count < max_retries`,
		operationID)
	if err != nil {
		return false, fmt.Errorf("retry operation %s: %w", operationID, err)
	}
	return oneRow(res)
}

// ResetRetries is the manual-intervention escape hatch for terminally
// failed operations: clears the error record and re-opens the budget.
func (s *Store) ResetRetries(operationID string) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'pending', retry_count = 0, error_code = NULL, error_message = NULL
WHERE operation_id = ? AND status = 'failed'`,
		operationID)
	if err != nil {
		return false, fmt.Errorf("reset retries for %s: %w", operationID, err)
	}
	return oneRow(res)
}

// MarkConflict flags a processing operation as conflicted with both state
// snapshots retained. Conflict status and has_conflict move together.
func (s *Store) MarkConflict(operationID string, ctype ConflictType, serverData, localData Payload) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'conflict', has_conflict = 1, conflict_type = ?,
    server_data = ?, local_data = ?
WHERE operation_id = ? AND status = 'processing'`,
		string(ctype), nullPayload(serverData), nullPayload(localData), operationID)
	if err != nil {
		return false, fmt.Errorf("mark conflict %s: %w", operationID, err)
	}
	return oneRow(res)
}

// MarkResolved records a settled conflict. Non-manual resolutions rewrite
// the effective data and return the operation to pending for one more
// dispatcher pass; manual leaves it in conflict awaiting an external actor.
func (s *Store) MarkResolved(operationID string, resolution Resolution, resolvedBy string, effective Payload, now time.Time) (bool, error) {
	nextStatus := string(StatusPending)
	if resolution == ResolutionManual {
		nextStatus = string(StatusConflict)
	}
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = ?, has_conflict = ?, resolution = ?, resolved_by = ?, resolved_at = ?,
    data = COALESCE(?, data)
WHERE operation_id = ? AND status = 'conflict'`,
		nextStatus, resolution == ResolutionManual, string(resolution), resolvedBy,
		formatTime(now), nullPayload(effective), operationID)
	if err != nil {
		return false, fmt.Errorf("resolve conflict %s: %w", operationID, err)
	}
	return oneRow(res)
}

// Cancel terminally cancels a non-terminal operation.
func (s *Store) Cancel(operationID, reason string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE sync_operations
SET status = 'cancelled', has_conflict = 0, completed_at = ?,
    error_code = 'cancelled', error_message = ?
WHERE operation_id = ? AND status NOT IN ('completed', 'cancelled')`,
		formatTime(now), reason, operationID)
	if err != nil {
		return false, fmt.Errorf("cancel operation %s: %w", operationID, err)
	}
	return oneRow(res)
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Stats summarizes a partner's operations: counts by status, pending
// counts by priority, and the overdue count.
type Stats struct {
	ByStatus   map[OpStatus]int
	ByPriority map[Priority]int
	Overdue    int
}

// Stats folds grouped counts over the indexed status column.
func (s *Store) Stats(partnerID string, now time.Time) (*Stats, error) {
	stats := &Stats{
		ByStatus:   make(map[OpStatus]int),
		ByPriority: make(map[Priority]int),
	}

	type countRow struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	var byStatus []countRow
	err := s.db.Select(&byStatus, `
SELECT status AS key, COUNT(*) AS count FROM sync_operations
WHERE partner_id = ? GROUP BY status`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("count by status for %s: %w", partnerID, err)
	}
	for _, r := range byStatus {
		stats.ByStatus[OpStatus(r.Key)] = r.Count
	}

	var byPriority []countRow
	err = s.db.Select(&byPriority, `
SELECT priority AS key, COUNT(*) AS count FROM sync_operations
WHERE partner_id = ? AND status = 'pending' GROUP BY priority`, partnerID)
	if err != nil {
		return nil, fmt.Errorf("count by priority for %s: %w", partnerID, err)
	}
	for _, r := range byPriority {
		stats.ByPriority[Priority(r.Key)] = r.Count
	}

	overdue, err := s.countOverdue(partnerID, now)
	if err != nil {
		return nil, err
	}
	stats.Overdue = overdue

	return stats, nil
}

func (s *Store) countOverdue(partnerID string, now time.Time) (int, error) {
	var n int
	err := s.db.Get(&n, overdueWhere(`SELECT COUNT(*) FROM sync_operations WHERE partner_id = ? AND status = 'pending'`),
		partnerID,
		formatTime(now.Add(-PriorityCritical.SLA())),
		formatTime(now.Add(-PriorityHigh.SLA())),
		formatTime(now.Add(-PriorityNormal.SLA())))
	if err != nil {
		return 0, fmt.Errorf("count overdue for %s: %w", partnerID, err)
	}
	return n, nil
}

// Overdue returns all pending operations past their priority's SLA window.
func (s *Store) Overdue(now time.Time) ([]*Operation, error) {
	var rows []dbOperation
	err := s.db.Select(&rows, overdueWhere(`SELECT `+allColumns+` FROM sync_operations WHERE status = 'pending'`)+` ORDER BY created_at`,
		formatTime(now.Add(-PriorityCritical.SLA())),
		formatTime(now.Add(-PriorityHigh.SLA())),
		formatTime(now.Add(-PriorityNormal.SLA())))
	if err != nil {
		return nil, fmt.Errorf("select overdue operations: %w", err)
	}
	return toOperations(rows)
}

func overdueWhere(base string) string {
	return base + ` AND (
    (priority = 'critical' AND created_at <= ?)
 OR (priority = 'high' AND created_at <= ?)
 OR (priority IN ('normal', 'low') AND created_at <= ?))`
}
