package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
)

const catalogColumns = `
	catalog_id, resource_path, resource_version, resource_type, content, meta, created_at
`

// CatalogStore holds registered playbook versions. Entries are immutable;
// registering the same path again appends a new version. The execution core
// only reads from it.
type CatalogStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewCatalogStore creates a catalog store over the given connection.
func NewCatalogStore(conn *Connection) (*CatalogStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &CatalogStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Register appends a new version of a resource. The version is the previous
// highest version for the path plus one, starting at "1". The version bump
// runs inside a transaction so concurrent registrations of the same path
// cannot allocate the same version.
func (s *CatalogStore) Register(ctx context.Context, resourcePath, resourceType, content string, meta map[string]any) (*CatalogEntry, error) {
	if resourcePath == "" {
		return nil, fmt.Errorf("resource_path is required")
	}

	metaJSON, err := marshalJSONB(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meta: %w", err)
	}

	catalogID, err := ident.NewID()
	if err != nil {
		return nil, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	var latest sql.NullInt64

	// MAX() cannot be combined with FOR UPDATE; lock the path's rows first,
	// then aggregate inside the same transaction.
	lockRows := `SELECT resource_version FROM catalog WHERE resource_path = $1 FOR UPDATE`
	if _, err := tx.ExecContext(ctx, lockRows, resourcePath); err != nil {
		return nil, fmt.Errorf("failed to lock catalog rows: %w", err)
	}

	maxQuery := `SELECT MAX(resource_version::int) FROM catalog WHERE resource_path = $1`
	if err := tx.QueryRowContext(ctx, maxQuery, resourcePath).Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to resolve latest version: %w", err)
	}

	version := strconv.FormatInt(latest.Int64+1, 10)

	upsertResource := `
		INSERT INTO resource (resource_path, resource_type, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (resource_path) DO UPDATE SET resource_type = EXCLUDED.resource_type
	`

	if _, err := tx.ExecContext(ctx, upsertResource, resourcePath, resourceType); err != nil {
		return nil, fmt.Errorf("failed to upsert resource: %w", err)
	}

	insert := `
		INSERT INTO catalog (catalog_id, resource_path, resource_version, resource_type, content, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	if _, err := tx.ExecContext(ctx, insert, catalogID, resourcePath, version, resourceType, content, metaJSON); err != nil {
		return nil, fmt.Errorf("failed to register catalog entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit registration: %w", err)
	}

	s.logger.Info("catalog entry registered",
		slog.String("resource_path", resourcePath),
		slog.String("resource_version", version),
		slog.Int64("catalog_id", catalogID),
	)

	return &CatalogEntry{
		CatalogID:       catalogID,
		ResourcePath:    resourcePath,
		ResourceVersion: version,
		ResourceType:    resourceType,
		Content:         content,
		Meta:            meta,
	}, nil
}

// Fetch returns a registered entry by path and version. An empty version
// selects the latest registered version of the path.
func (s *CatalogStore) Fetch(ctx context.Context, resourcePath, resourceVersion string) (*CatalogEntry, error) {
	var (
		query string
		args  []any
	)

	if resourceVersion == "" {
		query = `SELECT ` + catalogColumns + ` FROM catalog
			WHERE resource_path = $1
			ORDER BY resource_version::int DESC LIMIT 1`
		args = []any{resourcePath}
	} else {
		query = `SELECT ` + catalogColumns + ` FROM catalog
			WHERE resource_path = $1 AND resource_version = $2`
		args = []any{resourcePath, resourceVersion}
	}

	row := s.conn.QueryRowContext(ctx, query, args...)

	entry, err := scanCatalogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s@%s", ErrCatalogNotFound, resourcePath, resourceVersion)
	}

	return entry, err
}

// FetchByID returns a registered entry by its catalog id.
func (s *CatalogStore) FetchByID(ctx context.Context, catalogID int64) (*CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog WHERE catalog_id = $1`

	row := s.conn.QueryRowContext(ctx, query, catalogID)

	entry, err := scanCatalogEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", ErrCatalogNotFound, catalogID)
	}

	return entry, err
}

// List returns all registered entries, optionally filtered by resource type,
// newest first.
func (s *CatalogStore) List(ctx context.Context, resourceType string) ([]*CatalogEntry, error) {
	query := `SELECT ` + catalogColumns + ` FROM catalog
		WHERE ($1 = '' OR resource_type = $1)
		ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, resourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []*CatalogEntry

	for rows.Next() {
		entry, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	return entries, nil
}

// ProjectPlaybook rewrites the workflow, workbook and transition projection
// rows for one catalog entry from its parsed playbook. Projections are
// derived data; the event log never reads them back.
func (s *CatalogStore) ProjectPlaybook(ctx context.Context, catalogID int64, pb *playbook.Playbook) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin projection transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"workflow", "workbook", "transition"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE catalog_id = $1`, table), catalogID); err != nil {
			return fmt.Errorf("failed to clear %s projection: %w", table, err)
		}
	}

	insertStep := `
		INSERT INTO workflow (catalog_id, step_index, step_name, step_type, spec)
		VALUES ($1, $2, $3, $4, $5)
	`

	for i := range pb.Steps {
		step := &pb.Steps[i]

		spec, err := marshalJSONB(map[string]any{"with": step.With, "save": step.Save})
		if err != nil {
			return fmt.Errorf("failed to marshal step spec: %w", err)
		}

		if _, err := tx.ExecContext(ctx, insertStep,
			catalogID, i, step.Name, step.EffectiveType(), spec); err != nil {
			return fmt.Errorf("failed to project step %q: %w", step.Name, err)
		}
	}

	insertTask := `
		INSERT INTO workbook (catalog_id, task_name, task_type, spec)
		VALUES ($1, $2, $3, $4)
	`

	for i := range pb.Workbook {
		task := &pb.Workbook[i]

		spec, err := marshalJSONB(map[string]any{"with": task.With})
		if err != nil {
			return fmt.Errorf("failed to marshal task spec: %w", err)
		}

		if _, err := tx.ExecContext(ctx, insertTask,
			catalogID, task.Name, task.Type, spec); err != nil {
			return fmt.Errorf("failed to project task %q: %w", task.Name, err)
		}
	}

	insertTransition := `
		INSERT INTO transition (catalog_id, from_step, to_step, condition)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (catalog_id, from_step, to_step) DO UPDATE SET
			condition = EXCLUDED.condition
	`

	for i := range pb.Steps {
		step := &pb.Steps[i]

		for _, tr := range step.Next {
			for _, target := range tr.Targets() {
				if _, err := tx.ExecContext(ctx, insertTransition,
					catalogID, step.Name, target, tr.When); err != nil {
					return fmt.Errorf("failed to project transition %s -> %s: %w", step.Name, target, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit projections: %w", err)
	}

	return nil
}

func scanCatalogEntry(sc scanner) (*CatalogEntry, error) {
	var (
		entry    CatalogEntry
		metaJSON []byte
	)

	err := sc.Scan(
		&entry.CatalogID, &entry.ResourcePath, &entry.ResourceVersion,
		&entry.ResourceType, &entry.Content, &metaJSON, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
	}

	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &entry.Meta); err != nil {
			return nil, fmt.Errorf("malformed catalog meta: %w", err)
		}
	}

	return &entry, nil
}
