package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/noetl/noetl/internal/config"
)

const (
	// DefaultLeaseSeconds is the lease TTL applied when the worker does not ask
	// for a specific one.
	DefaultLeaseSeconds = 60

	// DefaultMaxAttempts bounds retries when the enqueue request does not set one.
	DefaultMaxAttempts = 3
)

const queueColumns = `
	id, execution_id, node_id, action, context, status, priority,
	attempts, max_attempts, available_at, lease_until, last_heartbeat,
	worker_id, catalog_id, created_at, updated_at
`

// QueueStore is the durable FIFO-with-priority work queue. Jobs are leased
// with a TTL, heartbeated while running, and acked or nacked with a worker-id
// proof so that a reaped lease cannot complete another worker's job.
type QueueStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewQueueStore creates a queue store over the given connection.
func NewQueueStore(conn *Connection) (*QueueStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &QueueStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Enqueue inserts a queued job row. On (execution_id, node_id) conflict it
// does nothing and returns the existing row id, so the broker can re-evaluate
// freely: duplicate enqueues of the same step converge on one row.
func (s *QueueStore) Enqueue(ctx context.Context, job *QueueJob) (int64, error) {
	if job == nil || job.ExecutionID == 0 || job.NodeID == "" {
		return 0, fmt.Errorf("%w: execution_id and node_id are required", ErrQueueStoreFailed)
	}

	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	if job.AvailableAt.IsZero() {
		job.AvailableAt = time.Now().UTC()
	}

	actionJSON, err := marshalJSONB(job.Action)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to marshal action: %w", ErrQueueStoreFailed, err)
	}

	contextJSON, err := marshalJSONB(job.Context)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to marshal context: %w", ErrQueueStoreFailed, err)
	}

	insert := `
		INSERT INTO queue (
			execution_id, node_id, action, context, status, priority,
			attempts, max_attempts, available_at, catalog_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'queued', $5, 0, $6, $7, NULLIF($8, 0), NOW(), NOW())
		ON CONFLICT (execution_id, node_id) DO NOTHING
		RETURNING id
	`

	var id int64

	err = s.conn.QueryRowContext(ctx, insert,
		job.ExecutionID, job.NodeID, actionJSON, contextJSON,
		job.Priority, job.MaxAttempts, job.AvailableAt, job.CatalogID,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: another enqueue won. Return the existing row id.
		query := `SELECT id FROM queue WHERE execution_id = $1 AND node_id = $2`
		if err := s.conn.QueryRowContext(ctx, query, job.ExecutionID, job.NodeID).Scan(&id); err != nil {
			return 0, fmt.Errorf("%w: failed to resolve existing job: %w", ErrQueueStoreFailed, err)
		}

		return id, nil
	}

	if err != nil {
		return 0, fmt.Errorf("%w: failed to enqueue: %w", ErrQueueStoreFailed, err)
	}

	s.logger.Debug("job enqueued",
		slog.Int64("queue_id", id),
		slog.Int64("execution_id", job.ExecutionID),
		slog.String("node_id", job.NodeID),
	)

	return id, nil
}

// Lease atomically claims the oldest eligible queued job for a worker.
//
// Eligibility: status = queued and available_at <= now. Ordering: priority
// descending, then insertion id ascending (stable FIFO within a priority).
// Row-level locking with SKIP LOCKED guarantees two concurrent lease calls
// never claim the same row. Returns (nil, nil) when no job is eligible.
func (s *QueueStore) Lease(ctx context.Context, workerID string, leaseSeconds int) (*QueueJob, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", ErrQueueStoreFailed)
	}

	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}

	query := `
		WITH next AS (
			SELECT id FROM queue
			WHERE status = 'queued' AND available_at <= NOW()
			ORDER BY priority DESC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue q SET
			status = 'leased',
			worker_id = $1,
			lease_until = NOW() + ($2 * INTERVAL '1 second'),
			attempts = attempts + 1,
			last_heartbeat = NOW(),
			updated_at = NOW()
		FROM next
		WHERE q.id = next.id
		RETURNING ` + qualifyColumns("q", queueColumns)

	row := s.conn.QueryRowContext(ctx, query, workerID, leaseSeconds)

	job, err := scanQueueJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return job, nil
}

// Heartbeat touches last_heartbeat and optionally extends the lease. It fails
// with ErrJobNotFound when the row does not exist and ErrWorkerMismatch when
// the row is no longer leased by the calling worker - the signal a slow worker
// uses to discard its in-flight result.
func (s *QueueStore) Heartbeat(ctx context.Context, queueID int64, workerID string, extendSeconds int) error {
	query := `
		UPDATE queue SET
			last_heartbeat = NOW(),
			lease_until = CASE
				WHEN $3 > 0 THEN NOW() + ($3 * INTERVAL '1 second')
				ELSE lease_until
			END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'leased' AND worker_id = $2
	`

	result, err := s.conn.ExecContext(ctx, query, queueID, workerID, extendSeconds)
	if err != nil {
		return fmt.Errorf("%w: heartbeat failed: %w", ErrQueueStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	if affected == 0 {
		return s.classifyMiss(ctx, queueID)
	}

	return nil
}

// Complete marks a leased job done and clears its lease. An empty workerID
// bypasses the ownership check; only the broker's completion path uses that
// form (e.g. closing a parent iterator's own row after aggregation).
func (s *QueueStore) Complete(ctx context.Context, queueID int64, workerID string) error {
	query := `
		UPDATE queue SET
			status = 'done',
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND status IN ('queued', 'leased')
		  AND ($2 = '' OR worker_id = $2)
	`

	result, err := s.conn.ExecContext(ctx, query, queueID, workerID)
	if err != nil {
		return fmt.Errorf("%w: complete failed: %w", ErrQueueStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	if affected == 0 {
		return s.classifyMiss(ctx, queueID)
	}

	return nil
}

// Fail nacks a job. If retry is false or the retry budget is exhausted the
// row transitions to dead; otherwise it is re-queued with availability
// deferred by retryDelay. The worker-id proof prevents a stolen lease from
// nacking another worker's job.
func (s *QueueStore) Fail(ctx context.Context, queueID int64, workerID string, retry bool, retryDelay time.Duration) error {
	query := `
		UPDATE queue SET
			status = CASE
				WHEN $3 = FALSE OR attempts >= max_attempts THEN 'dead'
				ELSE 'queued'
			END,
			available_at = CASE
				WHEN $3 = FALSE OR attempts >= max_attempts THEN available_at
				ELSE NOW() + ($4 * INTERVAL '1 second')
			END,
			worker_id = CASE
				WHEN $3 = FALSE OR attempts >= max_attempts THEN worker_id
				ELSE NULL
			END,
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'leased'
		  AND ($2 = '' OR worker_id = $2)
	`

	result, err := s.conn.ExecContext(ctx, query, queueID, workerID, retry, int(retryDelay.Seconds()))
	if err != nil {
		return fmt.Errorf("%w: fail transition failed: %w", ErrQueueStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	if affected == 0 {
		return s.classifyMiss(ctx, queueID)
	}

	return nil
}

// ReapExpired resets every leased row whose lease has expired back to queued
// with the worker cleared, recovering jobs from dead workers. Returns the
// number of reclaimed rows.
func (s *QueueStore) ReapExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE queue SET
			status = 'queued',
			worker_id = NULL,
			lease_until = NULL,
			updated_at = NOW()
		WHERE status = 'leased' AND lease_until < NOW()
	`

	result, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%w: reap failed: %w", ErrQueueStoreFailed, err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	if reclaimed > 0 {
		s.logger.Info("reclaimed expired leases", slog.Int64("count", reclaimed))
	}

	return reclaimed, nil
}

// GetByID returns a queue job by its row id.
func (s *QueueStore) GetByID(ctx context.Context, queueID int64) (*QueueJob, error) {
	query := `SELECT ` + queueColumns + ` FROM queue WHERE id = $1`

	row := s.conn.QueryRowContext(ctx, query, queueID)

	job, err := scanQueueJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}

	return job, err
}

// JobForNode returns the queue row for (execution_id, node_id), or nil when
// no job has been enqueued for that step yet. The broker uses this to decide
// whether a frontier step is already in flight.
func (s *QueueStore) JobForNode(ctx context.Context, executionID int64, nodeID string) (*QueueJob, error) {
	query := `SELECT ` + queueColumns + ` FROM queue WHERE execution_id = $1 AND node_id = $2`

	row := s.conn.QueryRowContext(ctx, query, executionID, nodeID)

	job, err := scanQueueJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return job, err
}

// ListByExecution returns all queue rows of an execution, terminal included;
// rows are retained after completion for inspection.
func (s *QueueStore) ListByExecution(ctx context.Context, executionID int64) ([]*QueueJob, error) {
	query := `SELECT ` + queueColumns + ` FROM queue WHERE execution_id = $1 ORDER BY id ASC`

	rows, err := s.conn.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list jobs: %w", ErrQueueStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var jobs []*QueueJob

	for rows.Next() {
		job, err := scanQueueJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	return jobs, nil
}

// classifyMiss distinguishes "row does not exist" from "row exists but the
// caller no longer owns it" after a zero-row update.
func (s *QueueStore) classifyMiss(ctx context.Context, queueID int64) error {
	var status string

	err := s.conn.QueryRowContext(ctx, `SELECT status FROM queue WHERE id = $1`, queueID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueueStoreFailed, err)
	}

	return fmt.Errorf("%w: job %d is %s", ErrWorkerMismatch, queueID, status)
}

func scanQueueJob(sc scanner) (*QueueJob, error) {
	var (
		job                       QueueJob
		actionJSON, contextJSON   []byte
		leaseUntil, lastHeartbeat sql.NullTime
		workerID                  sql.NullString
		catalogID                 sql.NullInt64
	)

	err := sc.Scan(
		&job.ID, &job.ExecutionID, &job.NodeID, &actionJSON, &contextJSON,
		&job.Status, &job.Priority, &job.Attempts, &job.MaxAttempts,
		&job.AvailableAt, &leaseUntil, &lastHeartbeat,
		&workerID, &catalogID, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: failed to scan queue job: %w", ErrQueueStoreFailed, err)
	}

	if leaseUntil.Valid {
		job.LeaseUntil = &leaseUntil.Time
	}

	if lastHeartbeat.Valid {
		job.LastHeartbeat = &lastHeartbeat.Time
	}

	job.WorkerID = workerID.String
	job.CatalogID = catalogID.Int64

	if len(actionJSON) > 0 {
		if err := json.Unmarshal(actionJSON, &job.Action); err != nil {
			return nil, fmt.Errorf("%w: malformed action payload: %w", ErrQueueStoreFailed, err)
		}
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &job.Context); err != nil {
			return nil, fmt.Errorf("%w: malformed context payload: %w", ErrQueueStoreFailed, err)
		}
	}

	return &job, nil
}

// qualifyColumns prefixes each column in a comma-separated list with a table
// alias, for RETURNING clauses on aliased updates.
func qualifyColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}

	return strings.Join(parts, ", ")
}
