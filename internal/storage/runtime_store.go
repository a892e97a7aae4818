package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
)

// Runtime component statuses.
const (
	RuntimeReady   = "ready"
	RuntimeOffline = "offline"
)

const runtimeColumns = `
	runtime_id, component_type, name, base_url, status, labels, capacity,
	runtime, last_heartbeat, created_at
`

// RuntimeStore is the liveness directory of server, worker pool and broker
// processes. Components upsert themselves on registration, touch their row on
// every heartbeat, and are swept offline when the heartbeat goes stale.
type RuntimeStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRuntimeStore creates a runtime store over the given connection.
func NewRuntimeStore(conn *Connection) (*RuntimeStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &RuntimeStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Register upserts a component by (component_type, name), allocating a fresh
// runtime id for new rows and refreshing heartbeat, url and metadata for
// existing ones. Re-registration after a crash reuses the same identity.
func (s *RuntimeStore) Register(ctx context.Context, component *RuntimeComponent) (int64, error) {
	if component == nil || component.ComponentType == "" || component.Name == "" {
		return 0, errors.New("component_type and name are required")
	}

	labelsJSON, err := marshalJSONB(component.Labels)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal labels: %w", err)
	}

	runtimeJSON, err := marshalJSONB(component.Runtime)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal runtime metadata: %w", err)
	}

	runtimeID, err := ident.NewID()
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO runtime (
			runtime_id, component_type, name, base_url, status, labels,
			capacity, runtime, last_heartbeat, created_at
		) VALUES ($1, $2, $3, $4, 'ready', $5, $6, $7, NOW(), NOW())
		ON CONFLICT (component_type, name) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			status = 'ready',
			labels = EXCLUDED.labels,
			capacity = EXCLUDED.capacity,
			runtime = EXCLUDED.runtime,
			last_heartbeat = NOW()
		RETURNING runtime_id
	`

	var id int64

	err = s.conn.QueryRowContext(ctx, query,
		runtimeID, component.ComponentType, component.Name, component.BaseURL,
		labelsJSON, component.Capacity, runtimeJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to register runtime component: %w", err)
	}

	s.logger.Info("runtime component registered",
		slog.String("component_type", component.ComponentType),
		slog.String("name", component.Name),
		slog.Int64("runtime_id", id),
	)

	return id, nil
}

// Heartbeat touches last_heartbeat for a component. Returns false when the
// row no longer exists (it was deregistered or deleted by an operator).
func (s *RuntimeStore) Heartbeat(ctx context.Context, componentType, name string) (bool, error) {
	query := `
		UPDATE runtime SET last_heartbeat = NOW(), status = 'ready'
		WHERE component_type = $1 AND name = $2
	`

	result, err := s.conn.ExecContext(ctx, query, componentType, name)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat: %w", err)
	}

	return affected > 0, nil
}

// MarkStaleOffline marks every component whose last heartbeat predates the
// TTL as offline. Returns the number of rows transitioned.
func (s *RuntimeStore) MarkStaleOffline(ctx context.Context, ttl time.Duration) (int64, error) {
	query := `
		UPDATE runtime SET status = 'offline'
		WHERE status <> 'offline' AND last_heartbeat < NOW() - ($1 * INTERVAL '1 second')
	`

	result, err := s.conn.ExecContext(ctx, query, int(ttl.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep runtime components: %w", err)
	}

	swept, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep runtime components: %w", err)
	}

	if swept > 0 {
		s.logger.Info("marked stale runtime components offline", slog.Int64("count", swept))
	}

	return swept, nil
}

// Deregister removes a component row.
func (s *RuntimeStore) Deregister(ctx context.Context, componentType, name string) error {
	query := `DELETE FROM runtime WHERE component_type = $1 AND name = $2`

	if _, err := s.conn.ExecContext(ctx, query, componentType, name); err != nil {
		return fmt.Errorf("failed to deregister runtime component: %w", err)
	}

	return nil
}

// List returns all registered components, optionally filtered by type.
func (s *RuntimeStore) List(ctx context.Context, componentType string) ([]*RuntimeComponent, error) {
	query := `SELECT ` + runtimeColumns + ` FROM runtime
		WHERE ($1 = '' OR component_type = $1)
		ORDER BY component_type, name`

	rows, err := s.conn.QueryContext(ctx, query, componentType)
	if err != nil {
		return nil, fmt.Errorf("failed to list runtime components: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var components []*RuntimeComponent

	for rows.Next() {
		var (
			component               RuntimeComponent
			labelsJSON, runtimeJSON []byte
		)

		err := rows.Scan(
			&component.RuntimeID, &component.ComponentType, &component.Name,
			&component.BaseURL, &component.Status, &labelsJSON, &component.Capacity,
			&runtimeJSON, &component.LastHeartbeat, &component.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan runtime component: %w", err)
		}

		if len(labelsJSON) > 0 {
			if err := json.Unmarshal(labelsJSON, &component.Labels); err != nil {
				return nil, fmt.Errorf("malformed runtime labels: %w", err)
			}
		}

		if len(runtimeJSON) > 0 {
			if err := json.Unmarshal(runtimeJSON, &component.Runtime); err != nil {
				return nil, fmt.Errorf("malformed runtime metadata: %w", err)
			}
		}

		components = append(components, &component)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runtime components: %w", err)
	}

	return components, nil
}
