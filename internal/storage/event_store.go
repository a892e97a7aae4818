package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/noetl/noetl/internal/config"
)

// eventColumns is the canonical select list shared by all event readers.
const eventColumns = `
	execution_id, event_id, parent_event_id, parent_execution_id, timestamp,
	event_type, node_id, node_name, node_type, status, duration,
	context, result, metadata, error, stack_trace,
	loop_id, loop_name, iterator, current_index, current_item
`

// EventStore is the append-only event log. The log is the only source of
// truth for execution state: the broker recomputes the frontier from it on
// every evaluation instead of caching state in the server process.
type EventStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewEventStore creates an event store over the given connection.
func NewEventStore(conn *Connection) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &EventStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Append inserts one event row keyed by (execution_id, event_id).
// A duplicate key is a no-op: at-least-once emitters may retry freely.
// Returns (true, nil) when the row was newly inserted, (false, nil) when it
// already existed.
//
// DB failures surface as retriable errors to the caller; the event log never
// retries internally.
func (s *EventStore) Append(ctx context.Context, event *Event) (bool, error) {
	if event == nil {
		return false, fmt.Errorf("%w: event is nil", ErrEventStoreFailed)
	}

	if event.ExecutionID == 0 || event.EventID == 0 {
		return false, fmt.Errorf("%w: execution_id and event_id are required", ErrEventStoreFailed)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	contextJSON, err := marshalJSONB(event.Context)
	if err != nil {
		return false, fmt.Errorf("%w: failed to marshal context: %w", ErrEventStoreFailed, err)
	}

	resultJSON, err := marshalJSONBValue(event.Result)
	if err != nil {
		return false, fmt.Errorf("%w: failed to marshal result: %w", ErrEventStoreFailed, err)
	}

	metadataJSON, err := marshalJSONB(event.Metadata)
	if err != nil {
		return false, fmt.Errorf("%w: failed to marshal metadata: %w", ErrEventStoreFailed, err)
	}

	itemJSON, err := marshalJSONBValue(event.CurrentItem)
	if err != nil {
		return false, fmt.Errorf("%w: failed to marshal current_item: %w", ErrEventStoreFailed, err)
	}

	query := `
		INSERT INTO event (
			execution_id, event_id, parent_event_id, parent_execution_id, timestamp,
			event_type, node_id, node_name, node_type, status, duration,
			context, result, metadata, error, stack_trace,
			loop_id, loop_name, iterator, current_index, current_item
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, NULLIF($15, ''), NULLIF($16, ''),
			NULLIF($17, ''), NULLIF($18, ''), NULLIF($19, ''), $20, $21
		)
		ON CONFLICT (execution_id, event_id) DO NOTHING
	`

	result, err := s.conn.ExecContext(ctx, query,
		event.ExecutionID, event.EventID, event.ParentEventID, event.ParentExecutionID,
		event.Timestamp, event.EventType, event.NodeID, event.NodeName, event.NodeType,
		event.Status, event.Duration,
		contextJSON, resultJSON, metadataJSON, event.Error, event.StackTrace,
		event.LoopID, event.LoopName, event.Iterator, event.CurrentIndex, itemJSON,
	)
	if err != nil {
		return false, fmt.Errorf("%w: failed to append event: %w", ErrEventStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	if affected == 0 {
		s.logger.Debug("duplicate event append ignored",
			slog.Int64("execution_id", event.ExecutionID),
			slog.Int64("event_id", event.EventID),
		)

		return false, nil
	}

	return true, nil
}

// ListByExecution returns the full ordered event log for an execution.
func (s *EventStore) ListByExecution(ctx context.Context, executionID int64) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM event WHERE execution_id = $1 ORDER BY event_id ASC`

	rows, err := s.conn.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list events: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var events []*Event

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return events, nil
}

// GetByID returns a single event by its event id.
func (s *EventStore) GetByID(ctx context.Context, eventID int64) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM event WHERE event_id = $1`

	row := s.conn.QueryRowContext(ctx, query, eventID)

	event, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %d", ErrEventNotFound, eventID)
	}

	return event, err
}

// EarliestEvent returns the first event of an execution (lowest event_id).
// The context service uses it to recover the workload and the broker uses its
// context/metadata to resolve the playbook path and version.
func (s *EventStore) EarliestEvent(ctx context.Context, executionID int64) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM event
		WHERE execution_id = $1 ORDER BY event_id ASC LIMIT 1`

	row := s.conn.QueryRowContext(ctx, query, executionID)

	event, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no events for execution %d", ErrEventStoreFailed, executionID)
	}

	return event, err
}

// HasEventOfType reports whether at least one event of the given type exists
// for the execution. Used for the execution_start / execution_completed
// existence checks that keep broker evaluation idempotent.
func (s *EventStore) HasEventOfType(ctx context.Context, executionID int64, eventType string) (bool, error) {
	query := `SELECT 1 FROM event WHERE execution_id = $1 AND event_type = $2 LIMIT 1`

	var one int

	err := s.conn.QueryRowContext(ctx, query, executionID, eventType).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("%w: existence check failed: %w", ErrEventStoreFailed, err)
	}

	return true, nil
}

// StepResults returns the ordered (node_name, result) pairs of all completed
// and result events, in event order. Later events for the same node override
// earlier ones at the consumer.
func (s *EventStore) StepResults(ctx context.Context, executionID int64) ([]StepResult, error) {
	query := `
		SELECT node_name, node_type, result
		FROM event
		WHERE execution_id = $1
		  AND event_type IN ('action_completed', 'result', 'execution_complete')
		  AND result IS NOT NULL
		ORDER BY event_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read step results: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var results []StepResult

	for rows.Next() {
		var (
			sr         StepResult
			nodeType   sql.NullString
			resultJSON []byte
		)

		if err := rows.Scan(&sr.NodeName, &nodeType, &resultJSON); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		sr.NodeType = nodeType.String

		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &sr.Result); err != nil {
				return nil, fmt.Errorf("%w: malformed result payload: %w", ErrEventStoreFailed, err)
			}
		}

		results = append(results, sr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return results, nil
}

// CountLoopIterations counts loop_iteration events for (execution, step).
func (s *EventStore) CountLoopIterations(ctx context.Context, executionID int64, stepName string) (int, error) {
	query := `
		SELECT COUNT(*) FROM event
		WHERE execution_id = $1 AND event_type = 'loop_iteration' AND node_name = $2
	`

	var count int
	if err := s.conn.QueryRowContext(ctx, query, executionID, stepName).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count loop iterations: %w", ErrEventStoreFailed, err)
	}

	return count, nil
}

// CountChildIterations counts loop_iteration events that started a nested
// execution, i.e. those whose context carries a child_execution_id. The
// predicate is structured JSONB, never a substring match.
func (s *EventStore) CountChildIterations(ctx context.Context, executionID int64, stepName string) (int, error) {
	query := `
		SELECT COUNT(*) FROM event
		WHERE execution_id = $1 AND event_type = 'loop_iteration' AND node_name = $2
		  AND context ? 'child_execution_id'
	`

	var count int
	if err := s.conn.QueryRowContext(ctx, query, executionID, stepName).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count child iterations: %w", ErrEventStoreFailed, err)
	}

	return count, nil
}

// ChildExecutions returns the execution ids of all nested executions started
// by loop iterations of the given execution, parsed from loop_iteration
// context.
func (s *EventStore) ChildExecutions(ctx context.Context, executionID int64) ([]int64, error) {
	query := `
		SELECT (context->>'child_execution_id')::bigint
		FROM event
		WHERE execution_id = $1 AND event_type = 'loop_iteration'
		  AND context ? 'child_execution_id'
		ORDER BY event_id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list child executions: %w", ErrEventStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var children []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
		}

		children = append(children, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEventStoreFailed, err)
	}

	return children, nil
}

// LatestResult returns the result payload of the most recent meaningful
// completion event for the execution: the highest-event-id action_completed or
// execution_complete row that carries a non-null result and is not SKIPPED.
func (s *EventStore) LatestResult(ctx context.Context, executionID int64) (any, error) {
	query := `
		SELECT result FROM event
		WHERE execution_id = $1
		  AND event_type IN ('action_completed', 'execution_complete')
		  AND result IS NOT NULL
		  AND status <> 'SKIPPED'
		ORDER BY event_id DESC
		LIMIT 1
	`

	var resultJSON []byte

	err := s.conn.QueryRowContext(ctx, query, executionID).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to read latest result: %w", ErrEventStoreFailed, err)
	}

	var result any
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed result payload: %w", ErrEventStoreFailed, err)
	}

	return result, nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared event scan.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*Event, error) {
	var (
		event                                   Event
		parentEventID, parentExecutionID        sql.NullInt64
		nodeID, nodeName, nodeType, status      sql.NullString
		errText, stackTrace                     sql.NullString
		loopID, loopName, iterator              sql.NullString
		currentIndex                            sql.NullInt64
		contextJSON, resultJSON, metadataJSON   []byte
		itemJSON                                []byte
	)

	err := sc.Scan(
		&event.ExecutionID, &event.EventID, &parentEventID, &parentExecutionID, &event.Timestamp,
		&event.EventType, &nodeID, &nodeName, &nodeType, &status, &event.Duration,
		&contextJSON, &resultJSON, &metadataJSON, &errText, &stackTrace,
		&loopID, &loopName, &iterator, &currentIndex, &itemJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: failed to scan event: %w", ErrEventStoreFailed, err)
	}

	if parentEventID.Valid {
		event.ParentEventID = &parentEventID.Int64
	}

	if parentExecutionID.Valid {
		event.ParentExecutionID = &parentExecutionID.Int64
	}

	event.NodeID = nodeID.String
	event.NodeName = nodeName.String
	event.NodeType = nodeType.String
	event.Status = status.String
	event.Error = errText.String
	event.StackTrace = stackTrace.String
	event.LoopID = loopID.String
	event.LoopName = loopName.String
	event.Iterator = iterator.String

	if currentIndex.Valid {
		idx := int(currentIndex.Int64)
		event.CurrentIndex = &idx
	}

	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &event.Context); err != nil {
			return nil, fmt.Errorf("%w: malformed event context: %w", ErrEventStoreFailed, err)
		}
	}

	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &event.Result); err != nil {
			return nil, fmt.Errorf("%w: malformed event result: %w", ErrEventStoreFailed, err)
		}
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, fmt.Errorf("%w: malformed event metadata: %w", ErrEventStoreFailed, err)
		}
	}

	if len(itemJSON) > 0 {
		if err := json.Unmarshal(itemJSON, &event.CurrentItem); err != nil {
			return nil, fmt.Errorf("%w: malformed current_item: %w", ErrEventStoreFailed, err)
		}
	}

	return &event, nil
}

func scanEventRow(row *sql.Row) (*Event, error) {
	return scanEvent(row)
}

// marshalJSONB marshals a map to JSONB bytes, returning nil (SQL NULL) for
// empty maps to avoid storing literal "null" payloads.
func marshalJSONB(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	return json.Marshal(data)
}

// marshalJSONBValue marshals an arbitrary JSON value, with nil mapped to SQL NULL.
func marshalJSONBValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	return json.Marshal(v)
}
