package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/ident"
	"github.com/noetl/noetl/internal/playbook"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/storage"
)

const samplePlaybook = `
path: tests/hello
workload:
  city: oslo
workflow:
  - step: start
    next:
      - step: fetch
  - step: fetch
    type: http
    with:
      url: "https://example.test/{{ workload.city }}"
    next:
      - step: end
  - step: end
`

type fakeCatalog struct {
	mu        sync.Mutex
	entries   []*storage.CatalogEntry
	projected int
}

func (f *fakeCatalog) Register(_ context.Context, resourcePath, resourceType, content string, meta map[string]any) (*storage.CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	version := 0
	for _, entry := range f.entries {
		if entry.ResourcePath == resourcePath {
			if v, _ := strconv.Atoi(entry.ResourceVersion); v > version {
				version = v
			}
		}
	}

	entry := &storage.CatalogEntry{
		CatalogID:       ident.MustNewID(),
		ResourcePath:    resourcePath,
		ResourceVersion: strconv.Itoa(version + 1),
		ResourceType:    resourceType,
		Content:         content,
		Meta:            meta,
		CreatedAt:       time.Now().UTC(),
	}
	f.entries = append(f.entries, entry)

	return entry, nil
}

func (f *fakeCatalog) Fetch(_ context.Context, resourcePath, resourceVersion string) (*storage.CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var found *storage.CatalogEntry

	for _, entry := range f.entries {
		if entry.ResourcePath != resourcePath {
			continue
		}

		if resourceVersion != "" && entry.ResourceVersion == resourceVersion {
			return entry, nil
		}

		if found == nil || entry.ResourceVersion > found.ResourceVersion {
			found = entry
		}
	}

	if found == nil || resourceVersion != "" {
		return nil, fmt.Errorf("%w: %s@%s", storage.ErrCatalogNotFound, resourcePath, resourceVersion)
	}

	return found, nil
}

func (f *fakeCatalog) FetchByID(_ context.Context, catalogID int64) (*storage.CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, entry := range f.entries {
		if entry.CatalogID == catalogID {
			return entry, nil
		}
	}

	return nil, fmt.Errorf("%w: id %d", storage.ErrCatalogNotFound, catalogID)
}

func (f *fakeCatalog) List(_ context.Context, resourceType string) ([]*storage.CatalogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.CatalogEntry

	for _, entry := range f.entries {
		if resourceType == "" || entry.ResourceType == resourceType {
			out = append(out, entry)
		}
	}

	return out, nil
}

func (f *fakeCatalog) ProjectPlaybook(_ context.Context, _ int64, _ *playbook.Playbook) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.projected++

	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*storage.Event
}

func (f *fakeEvents) Append(_ context.Context, event *storage.Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.events {
		if existing.ExecutionID == event.ExecutionID && existing.EventID == event.EventID {
			return false, nil
		}
	}

	f.events = append(f.events, event)

	return true, nil
}

func (f *fakeEvents) ListByExecution(_ context.Context, executionID int64) ([]*storage.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.Event

	for _, event := range f.events {
		if event.ExecutionID == executionID {
			out = append(out, event)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })

	return out, nil
}

func (f *fakeEvents) GetByID(_ context.Context, eventID int64) (*storage.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, event := range f.events {
		if event.EventID == eventID {
			return event, nil
		}
	}

	return nil, fmt.Errorf("%w: event %d", storage.ErrEventNotFound, eventID)
}

func (f *fakeEvents) EarliestEvent(_ context.Context, executionID int64) (*storage.Event, error) {
	events, _ := f.ListByExecution(context.Background(), executionID)
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events for execution %d", storage.ErrEventStoreFailed, executionID)
	}

	return events[0], nil
}

// StepResults satisfies render.EventLog so the fake can back the real
// context service.
func (f *fakeEvents) StepResults(_ context.Context, executionID int64) ([]storage.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []storage.StepResult

	for _, event := range f.events {
		if event.ExecutionID == executionID && event.EventType == storage.EventActionCompleted {
			out = append(out, storage.StepResult{
				NodeName: event.NodeName,
				NodeType: event.NodeType,
				Result:   event.Result,
			})
		}
	}

	return out, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*storage.QueueJob
	reaped int64
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[int64]*storage.QueueJob)}
}

func (f *fakeQueue) Enqueue(_ context.Context, job *storage.QueueJob) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, existing := range f.jobs {
		if existing.ExecutionID == job.ExecutionID && existing.NodeID == job.NodeID && !existing.Terminal() {
			return id, nil
		}
	}

	f.nextID++
	stored := *job
	stored.ID = f.nextID
	stored.Status = storage.JobQueued
	f.jobs[f.nextID] = &stored

	return f.nextID, nil
}

func (f *fakeQueue) Lease(_ context.Context, workerID string, _ int) (*storage.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var oldest *storage.QueueJob

	for _, job := range f.jobs {
		if job.Status != storage.JobQueued {
			continue
		}

		if oldest == nil || job.ID < oldest.ID {
			oldest = job
		}
	}

	if oldest == nil {
		return nil, nil
	}

	oldest.Status = storage.JobLeased
	oldest.WorkerID = workerID
	oldest.Attempts++

	return oldest, nil
}

func (f *fakeQueue) holderCheck(queueID int64, workerID string) (*storage.QueueJob, error) {
	job, ok := f.jobs[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", storage.ErrJobNotFound, queueID)
	}

	if job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: %d", storage.ErrWorkerMismatch, queueID)
	}

	return job, nil
}

func (f *fakeQueue) Complete(_ context.Context, queueID int64, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, err := f.holderCheck(queueID, workerID)
	if err != nil {
		return err
	}

	job.Status = storage.JobDone

	return nil
}

func (f *fakeQueue) Fail(_ context.Context, queueID int64, workerID string, retry bool, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, err := f.holderCheck(queueID, workerID)
	if err != nil {
		return err
	}

	if retry && job.Attempts < job.MaxAttempts {
		job.Status = storage.JobQueued
	} else {
		job.Status = storage.JobDead
	}

	return nil
}

func (f *fakeQueue) Heartbeat(_ context.Context, queueID int64, workerID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, err := f.holderCheck(queueID, workerID)

	return err
}

func (f *fakeQueue) ReapExpired(_ context.Context) (int64, error) {
	return f.reaped, nil
}

func (f *fakeQueue) GetByID(_ context.Context, queueID int64) (*storage.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[queueID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", storage.ErrJobNotFound, queueID)
	}

	return job, nil
}

func (f *fakeQueue) ListByExecution(_ context.Context, executionID int64) ([]*storage.QueueJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.QueueJob

	for _, job := range f.jobs {
		if job.ExecutionID == executionID {
			out = append(out, job)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

type fakeWorkloads struct {
	mu   sync.Mutex
	data map[int64]map[string]any
}

func newFakeWorkloads() *fakeWorkloads {
	return &fakeWorkloads{data: make(map[int64]map[string]any)}
}

func (f *fakeWorkloads) Put(_ context.Context, executionID int64, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.data[executionID] = data

	return nil
}

func (f *fakeWorkloads) Get(_ context.Context, executionID int64) (*storage.Workload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.data[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: execution %d", storage.ErrWorkloadNotFound, executionID)
	}

	return &storage.Workload{ExecutionID: executionID, Data: data}, nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	components map[string]*storage.RuntimeComponent
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{components: make(map[string]*storage.RuntimeComponent)}
}

func runtimeKey(componentType, name string) string {
	return componentType + "/" + name
}

func (f *fakeRuntime) Register(_ context.Context, component *storage.RuntimeComponent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	component.RuntimeID = ident.MustNewID()
	f.components[runtimeKey(component.ComponentType, component.Name)] = component

	return component.RuntimeID, nil
}

func (f *fakeRuntime) Heartbeat(_ context.Context, componentType, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.components[runtimeKey(componentType, name)]

	return ok, nil
}

func (f *fakeRuntime) Deregister(_ context.Context, componentType, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.components, runtimeKey(componentType, name))

	return nil
}

func (f *fakeRuntime) List(_ context.Context, componentType string) ([]*storage.RuntimeComponent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*storage.RuntimeComponent

	for _, component := range f.components {
		if componentType == "" || component.ComponentType == componentType {
			out = append(out, component)
		}
	}

	return out, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []int64
}

func (f *fakeScheduler) Schedule(executionID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.scheduled = append(f.scheduled, executionID)
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.scheduled)
}

type fakeCompleter struct {
	mu   sync.Mutex
	jobs []*storage.QueueJob
}

func (f *fakeCompleter) HandleCompletion(_ context.Context, job *storage.QueueJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.jobs = append(f.jobs, job)

	return nil
}

type harness struct {
	server    *Server
	catalog   *fakeCatalog
	events    *fakeEvents
	queue     *fakeQueue
	workloads *fakeWorkloads
	runtime   *fakeRuntime
	scheduler *fakeScheduler
	completer *fakeCompleter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		catalog:   &fakeCatalog{},
		events:    &fakeEvents{},
		queue:     newFakeQueue(),
		workloads: newFakeWorkloads(),
		runtime:   newFakeRuntime(),
		scheduler: &fakeScheduler{},
		completer: &fakeCompleter{},
	}

	cfg := LoadServerConfig()

	h.server = NewServer(cfg, Dependencies{
		Catalog:   h.catalog,
		Events:    h.events,
		Queue:     h.queue,
		Workloads: h.workloads,
		Runtime:   h.runtime,
		Scheduler: h.scheduler,
		Completer: h.completer,
		Context:   render.NewService(h.workloads, h.events),
	})

	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader

	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))

	return out
}

func TestCatalogRegisterListFetch(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{Content: samplePlaybook})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	registered := decodeBody[CatalogJSON](t, rec)
	assert.Equal(t, "tests/hello", registered.ResourcePath)
	assert.Equal(t, "1", registered.ResourceVersion)
	assert.Equal(t, 1, h.catalog.projected)

	// Re-registering appends a new version.
	rec = h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{Content: samplePlaybook})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "2", decodeBody[CatalogJSON](t, rec).ResourceVersion)

	rec = h.do(t, http.MethodGet, "/api/catalog/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeBody[map[string][]CatalogJSON](t, rec)
	assert.Len(t, list["entries"], 2)

	rec = h.do(t, http.MethodGet, "/api/catalog/fetch?path=tests/hello", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	fetched := decodeBody[CatalogJSON](t, rec)
	assert.Equal(t, "2", fetched.ResourceVersion, "empty version selects the latest")
	assert.Contains(t, fetched.Content, "workflow:")

	rec = h.do(t, http.MethodGet, "/api/catalog/fetch?path=tests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalogRegisterRejectsInvalidPlaybook(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{Content: "workflow: []\n"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionRun(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{Content: samplePlaybook})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/executions/run", RunRequest{
		PlaybookID: "tests/hello",
		Parameters: map[string]any{"city": "bergen"},
		Merge:      true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	run := decodeBody[RunResponse](t, rec)
	assert.Equal(t, "tests/hello", run.PlaybookID)
	assert.Equal(t, storage.StatusInProgress, run.Status)

	executionID, err := ident.Parse(run.ID)
	require.NoError(t, err)

	// Workload stored with the merged parameter.
	workload, err := h.workloads.Get(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, "bergen", workload.Data["city"])

	// execution_start on the log, broker woken.
	events, err := h.events.ListByExecution(context.Background(), executionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventExecutionStart, events[0].EventType)
	assert.Equal(t, "tests/hello", events[0].Metadata["playbook_path"])
	assert.Equal(t, 1, h.scheduler.count())
}

func TestExecutionRunNested(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{Content: samplePlaybook})
	require.Equal(t, http.StatusCreated, rec.Code)

	parentID := ident.MustNewID()

	rec = h.do(t, http.MethodPost, "/api/executions/run", RunRequest{
		Path: "tests/hello",
		Context: &RunContext{
			ParentExecutionID: ident.String(parentID),
			ParentStep:        "spawn",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	run := decodeBody[RunResponse](t, rec)
	executionID, err := ident.Parse(run.ID)
	require.NoError(t, err)

	events, _ := h.events.ListByExecution(context.Background(), executionID)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ParentExecutionID)
	assert.Equal(t, parentID, *events[0].ParentExecutionID)
	assert.Equal(t, "spawn", events[0].Metadata["parent_step"])
}

func TestExecutionRunUnknownPlaybook(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/executions/run", RunRequest{PlaybookID: "tests/missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventAppendAndQuery(t *testing.T) {
	h := newHarness(t)

	executionID := ident.MustNewID()
	eventID := ident.MustNewID()

	wire := EventJSON{
		ExecutionID: ident.String(executionID),
		EventID:     ident.String(eventID),
		EventType:   storage.EventActionCompleted,
		NodeID:      ident.String(executionID) + "-step-1",
		NodeName:    "fetch",
		Status:      storage.StatusCompleted,
		Result:      map[string]any{"status": "success"},
	}

	rec := h.do(t, http.MethodPost, "/api/events", wire)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, h.scheduler.count(), "worker outcomes wake the broker")

	// Duplicate append is acknowledged, not re-inserted.
	rec = h.do(t, http.MethodPost, "/api/events", wire)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[map[string]any](t, rec)["duplicate"].(bool))

	rec = h.do(t, http.MethodGet, "/api/events/by-execution/"+ident.String(executionID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	listing := decodeBody[map[string][]EventJSON](t, rec)
	require.Len(t, listing["events"], 1)
	assert.Equal(t, ident.String(eventID), listing["events"][0].EventID)

	rec = h.do(t, http.MethodGet, "/api/events/by-id/"+ident.String(eventID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "fetch", decodeBody[EventJSON](t, rec).NodeName)

	rec = h.do(t, http.MethodGet, "/api/events/by-id/12345", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueLifecycle(t *testing.T) {
	h := newHarness(t)

	executionID := ident.MustNewID()

	rec := h.do(t, http.MethodPost, "/api/queue/enqueue", EnqueueRequest{
		ExecutionID: ident.String(executionID),
		NodeID:      ident.String(executionID) + "-step-1",
		Action:      map[string]any{"type": "http", "step": "fetch"},
		MaxAttempts: 3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	queueID := decodeBody[map[string]string](t, rec)["id"]

	// Enqueueing the same node again returns the same row.
	rec = h.do(t, http.MethodPost, "/api/queue/enqueue", EnqueueRequest{
		ExecutionID: ident.String(executionID),
		NodeID:      ident.String(executionID) + "-step-1",
		Action:      map[string]any{"type": "http", "step": "fetch"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, queueID, decodeBody[map[string]string](t, rec)["id"])

	rec = h.do(t, http.MethodPost, "/api/queue/lease", LeaseRequest{WorkerID: "pool-0", LeaseSeconds: 30})
	require.Equal(t, http.StatusOK, rec.Code)

	job := decodeBody[JobJSON](t, rec)
	assert.Equal(t, queueID, job.ID)
	assert.Equal(t, storage.JobLeased, job.Status)

	// Empty queue leases 204.
	rec = h.do(t, http.MethodPost, "/api/queue/lease", LeaseRequest{WorkerID: "pool-1"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/queue/"+queueID+"/heartbeat", QueueActionRequest{WorkerID: "pool-0", ExtendSeconds: 30})
	assert.Equal(t, http.StatusOK, rec.Code)

	// A stolen ack is a conflict.
	rec = h.do(t, http.MethodPost, "/api/queue/"+queueID+"/complete", QueueActionRequest{WorkerID: "pool-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/queue/"+queueID+"/complete", QueueActionRequest{WorkerID: "pool-0"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, h.completer.jobs, 1)
	assert.Equal(t, executionID, h.completer.jobs[0].ExecutionID)
	assert.GreaterOrEqual(t, h.scheduler.count(), 1)

	rec = h.do(t, http.MethodGet, "/api/queue/by-execution/"+ident.String(executionID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	jobs := decodeBody[map[string][]JobJSON](t, rec)["jobs"]
	require.Len(t, jobs, 1)
	assert.Equal(t, storage.JobDone, jobs[0].Status)
}

func TestQueueFailRetries(t *testing.T) {
	h := newHarness(t)

	executionID := ident.MustNewID()

	rec := h.do(t, http.MethodPost, "/api/queue/enqueue", EnqueueRequest{
		ExecutionID: ident.String(executionID),
		NodeID:      "n1",
		Action:      map[string]any{"type": "http"},
		MaxAttempts: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	queueID := decodeBody[map[string]string](t, rec)["id"]

	rec = h.do(t, http.MethodPost, "/api/queue/lease", LeaseRequest{WorkerID: "pool-0"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/queue/"+queueID+"/fail", QueueActionRequest{
		WorkerID: "pool-0",
		Retry:    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Attempts remained, so the job went back to queued and the completion
	// hook stayed out of it.
	assert.Empty(t, h.completer.jobs)

	rec = h.do(t, http.MethodPost, "/api/queue/lease", LeaseRequest{WorkerID: "pool-0"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/queue/"+queueID+"/fail", QueueActionRequest{
		WorkerID: "pool-0",
		Retry:    true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/queue/lease", LeaseRequest{WorkerID: "pool-0"})
	assert.Equal(t, http.StatusNoContent, rec.Code, "attempts exhausted; job is dead")

	// The dead job ran the completion hook so its execution can terminate.
	require.Len(t, h.completer.jobs, 1)
	assert.Equal(t, storage.JobDead, h.completer.jobs[0].Status)
	assert.Equal(t, executionID, h.completer.jobs[0].ExecutionID)
}

func TestRuntimeEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/worker/pool/register", map[string]any{
		"name":     "pool-a",
		"capacity": 4,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[map[string]string](t, rec)["runtime_id"])

	rec = h.do(t, http.MethodPost, "/api/runtime/heartbeat", RuntimeRef{
		ComponentType: storage.ComponentWorkerPool,
		Name:          "pool-a",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/runtime/list?component_type=worker_pool", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/worker/pool/deregister", RuntimeRef{Name: "pool-a"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/runtime/heartbeat", RuntimeRef{
		ComponentType: storage.ComponentWorkerPool,
		Name:          "pool-a",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "deregistered components must re-register")
}

func TestContextRender(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/catalog/register", RegisterCatalogRequest{Content: samplePlaybook})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/executions/run", RunRequest{PlaybookID: "tests/hello"})
	require.Equal(t, http.StatusCreated, rec.Code)

	run := decodeBody[RunResponse](t, rec)

	rec = h.do(t, http.MethodPost, "/api/context/render", RenderRequest{
		ExecutionID: run.ID,
		Template:    "{{ workload.city }}",
		Strict:      true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rendered := decodeBody[RenderResponse](t, rec)
	assert.Equal(t, "oslo", rendered.Rendered)
	assert.Contains(t, rendered.ContextKeys, "workload")

	// Strict rendering surfaces unknown variables.
	rec = h.do(t, http.MethodPost, "/api/context/render", RenderRequest{
		ExecutionID: run.ID,
		Template:    "{{ nope.nothing }}",
		Strict:      true,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())

	rec = h.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
