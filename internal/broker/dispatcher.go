package broker

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/noetl/noetl/internal/config"
)

// Evaluator is the broker surface the dispatcher drives.
type Evaluator interface {
	Evaluate(ctx context.Context, executionID int64) error
}

// DefaultDispatcherWorkers is the evaluator pool size when unconfigured.
const DefaultDispatcherWorkers = 4

// Dispatcher serializes evaluation passes per execution. Schedule requests
// are deduplicated: at most one pass per execution runs at a time, and a
// request arriving mid-pass is coalesced into exactly one follow-up pass.
// The backlog therefore holds at most one entry per active execution.
type Dispatcher struct {
	evaluator Evaluator
	workers   int
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[int64]bool
	pending  map[int64]bool
	backlog  []int64

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewDispatcher creates a dispatcher over the evaluator with the given pool
// size (DefaultDispatcherWorkers when <= 0).
func NewDispatcher(evaluator Evaluator, workers int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultDispatcherWorkers
	}

	return &Dispatcher{
		evaluator: evaluator,
		workers:   workers,
		inflight:  make(map[int64]bool),
		pending:   make(map[int64]bool),
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Start launches the evaluator pool.
func (d *Dispatcher) Start() {
	var wg sync.WaitGroup

	for i := 0; i < d.workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			d.run()
		}()
	}

	go func() {
		wg.Wait()
		close(d.done)
	}()

	d.logger.Info("dispatcher started", "workers", d.workers)
}

// Stop shuts the pool down and waits for in-flight passes to finish.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
	d.logger.Info("dispatcher stopped")
}

// Schedule requests an evaluation pass for an execution. Requests for an
// execution already in flight coalesce into one follow-up pass.
func (d *Dispatcher) Schedule(executionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inflight[executionID] {
		d.pending[executionID] = true

		return
	}

	d.inflight[executionID] = true
	d.backlog = append(d.backlog, executionID)
	d.wake()
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.notify:
		}

		for {
			executionID, ok := d.next()
			if !ok {
				break
			}

			if err := d.evaluator.Evaluate(context.Background(), executionID); err != nil {
				d.logger.Error("evaluation pass failed",
					"execution_id", executionID, "error", err)
			}

			d.finish(executionID)
		}
	}
}

// next pops the oldest backlog entry. Callers hold no lock.
func (d *Dispatcher) next() (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.backlog) == 0 {
		return 0, false
	}

	executionID := d.backlog[0]
	d.backlog = d.backlog[1:]

	if len(d.backlog) > 0 {
		d.wake()
	}

	return executionID, true
}

// finish releases an execution, re-queuing it once when requests coalesced
// during the pass.
func (d *Dispatcher) finish(executionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending[executionID] {
		delete(d.pending, executionID)
		d.backlog = append(d.backlog, executionID)
		d.wake()

		return
	}

	delete(d.inflight, executionID)
}

// wake nudges one idle worker. Callers hold d.mu or are single-shot.
func (d *Dispatcher) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}
