package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/ident"
)

// newTestConnection provisions a migrated PostgreSQL container and wraps it
// for the stores under test. One container per top-level test; subtests share
// it.
func newTestConnection(t *testing.T) *Connection {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	return WrapDB(testDB.Connection)
}

func TestQueueStoreIntegration(t *testing.T) {
	conn := newTestConnection(t)
	ctx := context.Background()

	queue, err := NewQueueStore(conn)
	require.NoError(t, err)

	t.Run("enqueue is idempotent per node", func(t *testing.T) {
		executionID := ident.MustNewID()
		job := &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http", "step": "fetch"},
		}

		first, err := queue.Enqueue(ctx, job)
		require.NoError(t, err)

		second, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      job.NodeID,
			Action:      map[string]any{"type": "http", "step": "fetch"},
		})
		require.NoError(t, err)
		assert.Equal(t, first, second, "duplicate enqueues converge on one row")

		jobs, err := queue.ListByExecution(ctx, executionID)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, JobQueued, jobs[0].Status)
		assert.Equal(t, DefaultMaxAttempts, jobs[0].MaxAttempts)

		// Drain the row so later subtests see an empty backlog.
		leased, err := queue.Lease(ctx, "w-drain", 30)
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.NoError(t, queue.Complete(ctx, leased.ID, "w-drain"))
	})

	t.Run("concurrent leases never share a row", func(t *testing.T) {
		executionID := ident.MustNewID()

		_, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http"},
		})
		require.NoError(t, err)

		const contenders = 8

		claims := make(chan *QueueJob, contenders)

		for i := 0; i < contenders; i++ {
			go func(i int) {
				job, err := queue.Lease(ctx, ident.String(int64(i)), 30)
				assert.NoError(t, err)
				claims <- job
			}(i)
		}

		claimed := 0

		for i := 0; i < contenders; i++ {
			if job := <-claims; job != nil {
				claimed++
				assert.Equal(t, executionID, job.ExecutionID)
				assert.Equal(t, JobLeased, job.Status)
				assert.Equal(t, 1, job.Attempts)
			}
		}

		assert.Equal(t, 1, claimed, "exactly one contender wins the row")
	})

	t.Run("lease orders by priority then insertion", func(t *testing.T) {
		executionID := ident.MustNewID()

		low, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http"},
			Priority:    0,
		})
		require.NoError(t, err)

		high, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-2",
			Action:      map[string]any{"type": "http"},
			Priority:    10,
		})
		require.NoError(t, err)

		first, err := queue.Lease(ctx, "w-prio", 30)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, high, first.ID)

		second, err := queue.Lease(ctx, "w-prio", 30)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, low, second.ID)
	})

	t.Run("acks require the leasing worker", func(t *testing.T) {
		executionID := ident.MustNewID()

		queueID, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http"},
		})
		require.NoError(t, err)

		leased, err := queue.Lease(ctx, "w-owner", 30)
		require.NoError(t, err)
		require.NotNil(t, leased)
		require.Equal(t, queueID, leased.ID)

		assert.ErrorIs(t, queue.Complete(ctx, queueID, "w-thief"), ErrWorkerMismatch)
		assert.ErrorIs(t, queue.Heartbeat(ctx, queueID, "w-thief", 30), ErrWorkerMismatch)
		assert.ErrorIs(t, queue.Fail(ctx, queueID, "w-thief", true, 0), ErrWorkerMismatch)

		require.NoError(t, queue.Heartbeat(ctx, queueID, "w-owner", 60))
		require.NoError(t, queue.Complete(ctx, queueID, "w-owner"))

		done, err := queue.GetByID(ctx, queueID)
		require.NoError(t, err)
		assert.Equal(t, JobDone, done.Status)

		// Acking a finished row is a mismatch, not a silent success.
		assert.ErrorIs(t, queue.Complete(ctx, queueID, "w-owner"), ErrWorkerMismatch)
		assert.ErrorIs(t, queue.Complete(ctx, int64(987654321), "w-owner"), ErrJobNotFound)
	})

	t.Run("fail requeues until the retry budget is spent", func(t *testing.T) {
		executionID := ident.MustNewID()

		queueID, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http"},
			MaxAttempts: 2,
		})
		require.NoError(t, err)

		leased, err := queue.Lease(ctx, "w-retry", 30)
		require.NoError(t, err)
		require.Equal(t, queueID, leased.ID)

		require.NoError(t, queue.Fail(ctx, queueID, "w-retry", true, 0))

		requeued, err := queue.GetByID(ctx, queueID)
		require.NoError(t, err)
		assert.Equal(t, JobQueued, requeued.Status)
		assert.Empty(t, requeued.WorkerID)

		leased, err = queue.Lease(ctx, "w-retry", 30)
		require.NoError(t, err)
		require.Equal(t, queueID, leased.ID)
		assert.Equal(t, 2, leased.Attempts)

		require.NoError(t, queue.Fail(ctx, queueID, "w-retry", true, 0))

		dead, err := queue.GetByID(ctx, queueID)
		require.NoError(t, err)
		assert.Equal(t, JobDead, dead.Status, "attempts exhausted")
	})

	t.Run("non-retriable fail goes dead immediately", func(t *testing.T) {
		executionID := ident.MustNewID()

		queueID, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http"},
			MaxAttempts: 5,
		})
		require.NoError(t, err)

		_, err = queue.Lease(ctx, "w-fatal", 30)
		require.NoError(t, err)

		require.NoError(t, queue.Fail(ctx, queueID, "w-fatal", false, 0))

		dead, err := queue.GetByID(ctx, queueID)
		require.NoError(t, err)
		assert.Equal(t, JobDead, dead.Status)
	})

	t.Run("reap requeues expired leases only", func(t *testing.T) {
		executionID := ident.MustNewID()

		expiredID, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-1",
			Action:      map[string]any{"type": "http"},
		})
		require.NoError(t, err)

		freshID, err := queue.Enqueue(ctx, &QueueJob{
			ExecutionID: executionID,
			NodeID:      ident.String(executionID) + "-step-2",
			Action:      map[string]any{"type": "http"},
		})
		require.NoError(t, err)

		_, err = queue.Lease(ctx, "w-dead", 30)
		require.NoError(t, err)
		_, err = queue.Lease(ctx, "w-alive", 300)
		require.NoError(t, err)

		// Expire the first lease behind the store's back.
		_, err = conn.ExecContext(ctx,
			`UPDATE queue SET lease_until = NOW() - INTERVAL '1 minute' WHERE id = $1`, expiredID)
		require.NoError(t, err)

		reaped, err := queue.ReapExpired(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, reaped, int64(1))

		recovered, err := queue.GetByID(ctx, expiredID)
		require.NoError(t, err)
		assert.Equal(t, JobQueued, recovered.Status)
		assert.Empty(t, recovered.WorkerID)

		held, err := queue.GetByID(ctx, freshID)
		require.NoError(t, err)
		assert.Equal(t, JobLeased, held.Status)
		assert.Equal(t, "w-alive", held.WorkerID)
	})
}

func TestEventStoreIntegration(t *testing.T) {
	conn := newTestConnection(t)
	ctx := context.Background()

	events, err := NewEventStore(conn)
	require.NoError(t, err)

	t.Run("append is idempotent by event id", func(t *testing.T) {
		executionID := ident.MustNewID()
		event := &Event{
			ExecutionID: executionID,
			EventID:     ident.MustNewID(),
			EventType:   EventExecutionStart,
			NodeName:    "start",
			Status:      StatusCreated,
			Context:     map[string]any{"workload": map[string]any{"city": "Oslo"}},
			Metadata:    map[string]any{"playbook_path": "tests/hello"},
		}

		inserted, err := events.Append(ctx, event)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = events.Append(ctx, event)
		require.NoError(t, err)
		assert.False(t, inserted, "retried append is a no-op")

		log, err := events.ListByExecution(ctx, executionID)
		require.NoError(t, err)
		require.Len(t, log, 1)
		assert.Equal(t, "Oslo", log[0].Context["workload"].(map[string]any)["city"])
		assert.Equal(t, "tests/hello", log[0].Metadata["playbook_path"])
	})

	t.Run("log reads in event order", func(t *testing.T) {
		executionID := ident.MustNewID()

		start := &Event{
			ExecutionID: executionID,
			EventID:     ident.MustNewID(),
			EventType:   EventExecutionStart,
			NodeName:    "start",
			Status:      StatusCreated,
		}
		completed := &Event{
			ExecutionID: executionID,
			EventID:     ident.MustNewID(),
			EventType:   EventActionCompleted,
			NodeID:      ident.String(executionID) + "-step-1",
			NodeName:    "fetch",
			NodeType:    "http",
			Status:      StatusCompleted,
			Result:      map[string]any{"status": "success", "data": map[string]any{"temp": 12.0}},
		}

		for _, e := range []*Event{start, completed} {
			_, err := events.Append(ctx, e)
			require.NoError(t, err)
		}

		earliest, err := events.EarliestEvent(ctx, executionID)
		require.NoError(t, err)
		require.NotNil(t, earliest)
		assert.Equal(t, EventExecutionStart, earliest.EventType)

		has, err := events.HasEventOfType(ctx, executionID, EventActionCompleted)
		require.NoError(t, err)
		assert.True(t, has)

		has, err = events.HasEventOfType(ctx, executionID, EventExecutionDone)
		require.NoError(t, err)
		assert.False(t, has)

		results, err := events.StepResults(ctx, executionID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "fetch", results[0].NodeName)
	})
}

func TestCatalogStoreIntegration(t *testing.T) {
	conn := newTestConnection(t)
	ctx := context.Background()

	catalog, err := NewCatalogStore(conn)
	require.NoError(t, err)

	first, err := catalog.Register(ctx, "tests/hello", "Playbook", "content-v1", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", first.ResourceVersion)

	second, err := catalog.Register(ctx, "tests/hello", "Playbook", "content-v2",
		map[string]any{"owner": "data-team"})
	require.NoError(t, err)
	assert.Equal(t, "2", second.ResourceVersion)

	latest, err := catalog.Fetch(ctx, "tests/hello", "")
	require.NoError(t, err)
	assert.Equal(t, "content-v2", latest.Content)
	assert.Equal(t, "data-team", latest.Meta["owner"])

	// Both versions share one resource row.
	var (
		count        int
		resourceType string
	)

	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource WHERE resource_path = $1`, "tests/hello").Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, conn.QueryRowContext(ctx,
		`SELECT resource_type FROM resource WHERE resource_path = $1`, "tests/hello").Scan(&resourceType))
	assert.Equal(t, "Playbook", resourceType)

	_, err = catalog.Fetch(ctx, "tests/missing", "")
	assert.ErrorIs(t, err, ErrCatalogNotFound)
}

// Guards against clock skew flakiness: freshly enqueued rows must be leasable
// immediately.
func TestQueueAvailabilityIntegration(t *testing.T) {
	conn := newTestConnection(t)
	ctx := context.Background()

	queue, err := NewQueueStore(conn)
	require.NoError(t, err)

	executionID := ident.MustNewID()

	_, err = queue.Enqueue(ctx, &QueueJob{
		ExecutionID: executionID,
		NodeID:      ident.String(executionID) + "-step-1",
		Action:      map[string]any{"type": "http"},
		AvailableAt: time.Now().UTC().Add(-time.Second),
	})
	require.NoError(t, err)

	job, err := queue.Lease(ctx, "w-now", 30)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, executionID, job.ExecutionID)
}
