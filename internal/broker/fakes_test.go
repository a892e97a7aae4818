package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/noetl/noetl/internal/storage"
)

// fakeEventLog is an in-memory event store mirroring the real store's read
// semantics, shared by the broker and the render service in tests.
type fakeEventLog struct {
	mu     sync.Mutex
	events map[int64][]*storage.Event
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{events: make(map[int64][]*storage.Event)}
}

func (f *fakeEventLog) Append(_ context.Context, event *storage.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.events[event.ExecutionID] {
		if e.EventID == event.EventID {
			return false, nil
		}
	}

	f.events[event.ExecutionID] = append(f.events[event.ExecutionID], event)

	return true, nil
}

func (f *fakeEventLog) ListByExecution(_ context.Context, executionID int64) ([]*storage.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list := make([]*storage.Event, len(f.events[executionID]))
	copy(list, f.events[executionID])

	sort.Slice(list, func(i, j int) bool { return list[i].EventID < list[j].EventID })

	return list, nil
}

func (f *fakeEventLog) EarliestEvent(ctx context.Context, executionID int64) (*storage.Event, error) {
	list, _ := f.ListByExecution(ctx, executionID)
	if len(list) == 0 {
		return nil, nil
	}

	return list[0], nil
}

func (f *fakeEventLog) HasEventOfType(ctx context.Context, executionID int64, eventType string) (bool, error) {
	list, _ := f.ListByExecution(ctx, executionID)
	for _, e := range list {
		if e.EventType == eventType {
			return true, nil
		}
	}

	return false, nil
}

func (f *fakeEventLog) CountLoopIterations(ctx context.Context, executionID int64, stepName string) (int, error) {
	list, _ := f.ListByExecution(ctx, executionID)
	count := 0

	for _, e := range list {
		if e.EventType == storage.EventLoopIteration && e.NodeName == stepName {
			count++
		}
	}

	return count, nil
}

func (f *fakeEventLog) LatestResult(ctx context.Context, executionID int64) (any, error) {
	list, _ := f.ListByExecution(ctx, executionID)

	for i := len(list) - 1; i >= 0; i-- {
		e := list[i]

		switch e.EventType {
		case storage.EventActionCompleted, storage.EventResult, storage.EventExecutionComplete:
			if e.Status != storage.StatusSkipped && e.Result != nil {
				return e.Result, nil
			}
		}
	}

	return nil, nil
}

// StepResults satisfies the render service's event log interface.
func (f *fakeEventLog) StepResults(ctx context.Context, executionID int64) ([]storage.StepResult, error) {
	list, _ := f.ListByExecution(ctx, executionID)

	var results []storage.StepResult

	for _, e := range list {
		switch e.EventType {
		case storage.EventActionCompleted, storage.EventResult, storage.EventExecutionComplete:
			if e.NodeName != "" && e.Result != nil {
				results = append(results, storage.StepResult{
					NodeName: e.NodeName,
					NodeType: e.NodeType,
					Result:   e.Result,
				})
			}
		}
	}

	return results, nil
}

func (f *fakeEventLog) byType(executionID int64, eventType string) []*storage.Event {
	list, _ := f.ListByExecution(context.Background(), executionID)

	var matched []*storage.Event

	for _, e := range list {
		if e.EventType == eventType {
			matched = append(matched, e)
		}
	}

	return matched
}

// fakeQueue is an in-memory queue with the real store's idempotent enqueue.
type fakeQueue struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*storage.QueueJob
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[int64]*storage.QueueJob)}
}

func (f *fakeQueue) Enqueue(_ context.Context, job *storage.QueueJob) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.jobs {
		if existing.ExecutionID == job.ExecutionID && existing.NodeID == job.NodeID {
			return existing.ID, nil
		}
	}

	f.nextID++
	job.ID = f.nextID
	job.Status = storage.JobQueued
	f.jobs[job.ID] = job

	return job.ID, nil
}

func (f *fakeQueue) JobForNode(_ context.Context, executionID int64, nodeID string) (*storage.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, job := range f.jobs {
		if job.ExecutionID == executionID && job.NodeID == nodeID {
			return job, nil
		}
	}

	return nil, nil
}

func (f *fakeQueue) Complete(_ context.Context, queueID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if job, ok := f.jobs[queueID]; ok {
		job.Status = storage.JobDone
	}

	return nil
}

func (f *fakeQueue) byExecution(executionID int64) []*storage.QueueJob {
	f.mu.Lock()
	defer f.mu.Unlock()

	var jobs []*storage.QueueJob

	for _, job := range f.jobs {
		if job.ExecutionID == executionID {
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	return jobs
}

func (f *fakeQueue) markDead(queueID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if job, ok := f.jobs[queueID]; ok {
		job.Status = storage.JobDead
	}
}

// fakeCatalog resolves playbooks by path, ignoring versions.
type fakeCatalog struct {
	entries map[string]*storage.CatalogEntry
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{entries: make(map[string]*storage.CatalogEntry)}
}

func (f *fakeCatalog) put(path, content string) {
	f.entries[path] = &storage.CatalogEntry{
		CatalogID:       int64(len(f.entries) + 1),
		ResourcePath:    path,
		ResourceVersion: "0.1.0",
		Content:         content,
	}
}

func (f *fakeCatalog) Fetch(_ context.Context, resourcePath, _ string) (*storage.CatalogEntry, error) {
	entry, ok := f.entries[resourcePath]
	if !ok {
		return nil, storage.ErrCatalogNotFound
	}

	return entry, nil
}

// fakeWorkloads backs the render service; executions without a row fall back
// to their start event's context.
type fakeWorkloads struct {
	mu   sync.Mutex
	data map[int64]map[string]any
}

func newFakeWorkloads() *fakeWorkloads {
	return &fakeWorkloads{data: make(map[int64]map[string]any)}
}

func (f *fakeWorkloads) put(executionID int64, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[executionID] = data
}

func (f *fakeWorkloads) Get(_ context.Context, executionID int64) (*storage.Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.data[executionID]
	if !ok {
		return nil, storage.ErrWorkloadNotFound
	}

	return &storage.Workload{ExecutionID: executionID, Data: data}, nil
}
