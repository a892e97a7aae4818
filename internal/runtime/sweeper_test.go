package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/internal/storage"
)

type fakeRegistry struct {
	mu sync.Mutex

	registered   []*storage.RuntimeComponent
	heartbeats   int
	heartbeatOK  bool
	sweeps       int
	deregistered int
}

func (f *fakeRegistry) Register(_ context.Context, component *storage.RuntimeComponent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registered = append(f.registered, component)

	return int64(len(f.registered)), nil
}

func (f *fakeRegistry) Heartbeat(_ context.Context, _, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.heartbeats++

	return f.heartbeatOK, nil
}

func (f *fakeRegistry) MarkStaleOffline(_ context.Context, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sweeps++

	return 1, nil
}

func (f *fakeRegistry) Deregister(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deregistered++

	return nil
}

func (f *fakeRegistry) counts() (registered, heartbeats, sweeps, deregistered int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.registered), f.heartbeats, f.sweeps, f.deregistered
}

type fakeQueue struct {
	mu    sync.Mutex
	reaps int
}

func (f *fakeQueue) ReapExpired(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reaps++

	return 0, nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reaps
}

func testConfig() Config {
	return Config{
		ComponentType:     storage.ComponentServerAPI,
		Name:              "server-1",
		HeartbeatInterval: 10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		OfflineTTL:        time.Minute,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not reached in time")
}

func TestSweeperRegistersAndSweeps(t *testing.T) {
	registry := &fakeRegistry{heartbeatOK: true}
	queue := &fakeQueue{}

	sweeper, err := NewSweeper(registry, queue, testConfig())
	require.NoError(t, err)
	require.NoError(t, sweeper.Start(context.Background()))

	waitFor(t, func() bool {
		_, beats, sweeps, _ := registry.counts()

		return beats > 0 && sweeps > 0 && queue.count() > 0
	})

	sweeper.Stop()

	registered, _, _, deregistered := registry.counts()
	assert.Equal(t, 1, registered)
	assert.Equal(t, 1, deregistered)
	assert.Equal(t, storage.ComponentServerAPI, registry.registered[0].ComponentType)
	assert.Equal(t, "server-1", registry.registered[0].Name)
}

func TestSweeperReRegistersWhenRowDisappears(t *testing.T) {
	registry := &fakeRegistry{heartbeatOK: false}

	sweeper, err := NewSweeper(registry, nil, testConfig())
	require.NoError(t, err)
	require.NoError(t, sweeper.Start(context.Background()))

	// First registration at start, a second one after the missed heartbeat.
	waitFor(t, func() bool {
		registered, _, _, _ := registry.counts()

		return registered >= 2
	})

	sweeper.Stop()
}

func TestSweeperWithoutQueueOnlySweepsRegistry(t *testing.T) {
	registry := &fakeRegistry{heartbeatOK: true}

	sweeper, err := NewSweeper(registry, nil, testConfig())
	require.NoError(t, err)
	require.NoError(t, sweeper.Start(context.Background()))

	waitFor(t, func() bool {
		_, _, sweeps, _ := registry.counts()

		return sweeps > 0
	})

	sweeper.Stop()
}

func TestNewSweeperRequiresRegistry(t *testing.T) {
	_, err := NewSweeper(nil, nil, testConfig())
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("NOETL_RUNTIME_SWEEP_INTERVAL", "3s")
	t.Setenv("NOETL_RUNTIME_OFFLINE_SECONDS", "120")

	cfg := LoadConfig(storage.ComponentBroker, "broker-1")

	assert.Equal(t, storage.ComponentBroker, cfg.ComponentType)
	assert.Equal(t, "broker-1", cfg.Name)
	assert.Equal(t, 3*time.Second, cfg.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.OfflineTTL)
}
