package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// WorkloadStore persists the per-execution bag of initial parameters.
// One row per execution, written once at execution start.
type WorkloadStore struct {
	conn *Connection
}

// NewWorkloadStore creates a workload store over the given connection.
func NewWorkloadStore(conn *Connection) (*WorkloadStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &WorkloadStore{conn: conn}, nil
}

// Put writes the workload for an execution. A second write for the same
// execution is a no-op: the workload is immutable once the execution starts.
func (s *WorkloadStore) Put(ctx context.Context, executionID int64, data map[string]any) error {
	dataJSON, err := marshalJSONB(data)
	if err != nil {
		return fmt.Errorf("failed to marshal workload: %w", err)
	}

	query := `
		INSERT INTO workload (execution_id, data, created_at)
		VALUES ($1, COALESCE($2, '{}'::jsonb), NOW())
		ON CONFLICT (execution_id) DO NOTHING
	`

	if _, err := s.conn.ExecContext(ctx, query, executionID, dataJSON); err != nil {
		return fmt.Errorf("failed to store workload: %w", err)
	}

	return nil
}

// Get returns the workload for an execution, or ErrWorkloadNotFound.
func (s *WorkloadStore) Get(ctx context.Context, executionID int64) (*Workload, error) {
	query := `SELECT execution_id, data, created_at FROM workload WHERE execution_id = $1`

	var (
		workload Workload
		dataJSON []byte
	)

	err := s.conn.QueryRowContext(ctx, query, executionID).Scan(
		&workload.ExecutionID, &dataJSON, &workload.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkloadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read workload: %w", err)
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &workload.Data); err != nil {
			return nil, fmt.Errorf("malformed workload payload: %w", err)
		}
	}

	return &workload, nil
}
