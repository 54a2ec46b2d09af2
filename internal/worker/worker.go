// Package worker implements the Service Worker (C6): one per active
// service, draining its queue in priority order and invoking the service's
// processor in either sequential (blocking) or concurrent (detached) mode.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/whisper-darkly/sticky-dispatch/internal/queue"
	"github.com/whisper-darkly/sticky-dispatch/internal/registry"
	"github.com/whisper-darkly/sticky-dispatch/internal/store"
)

// Lifecycle is the worker's state machine, per spec §4.5.
type Lifecycle string

const (
	LifecycleCreated  Lifecycle = "created"
	LifecycleStarting Lifecycle = "starting"
	LifecycleRunning  Lifecycle = "running"
	LifecycleStopping Lifecycle = "stopping"
	LifecycleStopped  Lifecycle = "stopped"
	LifecycleFailed   Lifecycle = "failed"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	historySize         = 200
	defaultSeqGrace     = 5 * time.Second
	defaultConcGrace    = 2 * time.Second
)

// Snapshot is the worker status view, generalized from the original
// recorder's get_status() and consumed by the supervisor's periodic stats
// line and the `workers --verbose` CLI subcommand.
type Snapshot struct {
	ServiceSlug  string
	Lifecycle    Lifecycle
	Pending      int
	InFlightConc int
}

// TerminalRecorder persists a queue item's terminal outcome for durable
// observability across restarts. A Worker with no recorder still keeps its
// bounded in-memory history; the recorder is an additional, optional sink.
type TerminalRecorder interface {
	RecordTerminalItem(ctx context.Context, it store.TerminalItem) error
}

// Worker drains one service's queue.
type Worker struct {
	serviceSlug string
	maxQueue    int
	q           *queue.Queue
	proc        registry.Processor

	pollInterval time.Duration
	seqGrace     time.Duration
	concGrace    time.Duration

	recorder TerminalRecorder

	mu         sync.Mutex
	lifecycle  Lifecycle
	inFlight   map[int64]struct{} // concurrent task id -> presence
	nextTaskID int64
	wg         sync.WaitGroup // tracks detached concurrent tasks

	history *lru.Cache[int64, *queue.Item] // bounded terminal-item history, for observability only

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Worker for one service, not yet started. A non-positive
// pollInterval, seqGrace, or concGrace falls back to its package default,
// matching backend/manager/manager.go's parseDuration-with-fallback idiom.
func New(serviceSlug string, q *queue.Queue, proc registry.Processor, pollInterval, seqGrace, concGrace time.Duration) *Worker {
	h, err := lru.New[int64, *queue.Item](historySize)
	if err != nil {
		// Only fails for non-positive size, which historySize never is.
		panic(fmt.Sprintf("worker: lru.New: %v", err))
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if seqGrace <= 0 {
		seqGrace = defaultSeqGrace
	}
	if concGrace <= 0 {
		concGrace = defaultConcGrace
	}
	return &Worker{
		serviceSlug:  serviceSlug,
		q:            q,
		proc:         proc,
		pollInterval: pollInterval,
		seqGrace:     seqGrace,
		concGrace:    concGrace,
		lifecycle:    LifecycleCreated,
		inFlight:     make(map[int64]struct{}),
		history:      h,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetRecorder wires a durable terminal-item sink. Must be called before
// Start; nil disables persistence (the default).
func (w *Worker) SetRecorder(r TerminalRecorder) {
	w.recorder = r
}

// Start calls the processor's on_start hook and, on success, launches the
// main loop in a new goroutine. Failure transitions to failed (terminal)
// and the worker is never registered as running, per spec §4.5.
func (w *Worker) Start(ctx context.Context) error {
	w.setLifecycle(LifecycleStarting)
	if err := w.proc.OnStart(); err != nil {
		w.setLifecycle(LifecycleFailed)
		return fmt.Errorf("worker %s: on_start: %w", w.serviceSlug, err)
	}
	w.setLifecycle(LifecycleRunning)
	go w.loop(ctx)
	return nil
}

func (w *Worker) setLifecycle(l Lifecycle) {
	w.mu.Lock()
	w.lifecycle = l
	w.mu.Unlock()
}

// Lifecycle reports the worker's current state.
func (w *Worker) Lifecycle() Lifecycle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lifecycle
}

// loop is the main poll loop described in spec §4.5: pop, mark processing,
// on_event_received, then dispatch sequential inline or concurrent detached.
func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.setLifecycle(LifecycleStopped)
			w.proc.OnStop()
			return
		case <-ctx.Done():
			w.setLifecycle(LifecycleStopped)
			w.proc.OnStop()
			return
		default:
		}

		it := w.q.PopHighest()
		if it == nil {
			select {
			case <-ticker.C:
			case <-w.stopCh:
				w.setLifecycle(LifecycleStopped)
				w.proc.OnStop()
				return
			case <-ctx.Done():
				w.setLifecycle(LifecycleStopped)
				w.proc.OnStop()
				return
			}
			continue
		}

		w.proc.OnEventReceived(it.Event)

		if it.Concurrent {
			w.spawnConcurrent(it)
			continue
		}
		w.processInline(it)
	}
}

func (w *Worker) processInline(it *queue.Item) {
	success, err := w.safeProcess(it)
	w.finish(it, success, err)
	w.proc.OnEventProcessed(it.Event, success)
}

func (w *Worker) spawnConcurrent(it *queue.Item) {
	w.mu.Lock()
	id := w.nextTaskID
	w.nextTaskID++
	w.inFlight[id] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, id)
			w.mu.Unlock()
		}()
		success, err := w.safeProcess(it)
		w.finish(it, success, err)
		w.proc.OnEventProcessed(it.Event, success)
	}()
}

// safeProcess contains errors (including panics) at the worker boundary:
// per spec §7 a misbehaving service must never crash the worker loop.
func (w *Worker) safeProcess(it *queue.Item) (success bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.proc.ProcessEvent(it.Event)
}

func (w *Worker) finish(it *queue.Item, success bool, err error) {
	it.FinishedAt = time.Now()
	if err != nil {
		log.Printf("worker %s: process_event failed: %v", w.serviceSlug, err)
		it.State = queue.StateFailed
	} else if success {
		it.State = queue.StateCompleted
	} else {
		it.State = queue.StateFailed
	}

	w.mu.Lock()
	w.history.Add(it.EnqueuedAt.UnixNano(), it)
	w.mu.Unlock()

	if w.recorder != nil {
		rec := store.TerminalItem{
			ServiceSlug: w.serviceSlug,
			Kind:        string(it.Event.Kind),
			State:       string(it.State),
			Priority:    it.Priority,
			EnqueuedAt:  it.EnqueuedAt,
			FinishedAt:  it.FinishedAt,
		}
		if err := w.recorder.RecordTerminalItem(context.Background(), rec); err != nil {
			log.Printf("worker %s: record terminal item: %v", w.serviceSlug, err)
		}
	}
}

// Stop signals the loop to stop popping new items and waits up to seqGrace
// for it to exit. The loop lets the current sequential item (if any) finish,
// then calls on_stop and transitions to stopped, so on_stop runs before Stop
// waits up to concGrace for detached concurrent tasks. Concurrent tasks
// still running after that grace are not cancelled: Stop returns without
// them, and each still records its outcome whenever it finishes.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.lifecycle == LifecycleRunning {
		w.lifecycle = LifecycleStopping
	}
	w.mu.Unlock()
	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-time.After(w.seqGrace):
		log.Printf("worker %s: sequential drain exceeded grace %s", w.serviceSlug, w.seqGrace)
	}

	concDone := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(concDone)
	}()
	select {
	case <-concDone:
	case <-time.After(w.concGrace):
		w.mu.Lock()
		abandoned := len(w.inFlight)
		w.mu.Unlock()
		if abandoned > 0 {
			log.Printf("worker %s: abandoning %d concurrent task(s) after grace %s", w.serviceSlug, abandoned, w.concGrace)
		}
	}
}

// Snapshot returns the worker's current status for diagnostics.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ServiceSlug:  w.serviceSlug,
		Lifecycle:    w.lifecycle,
		Pending:      w.q.SizePending(),
		InFlightConc: len(w.inFlight),
	}
}

// History returns a copy of the bounded terminal-item history, most recent
// last, for observability/inspection. Never consulted by the queue itself —
// terminal items are never re-picked, per invariant 4.
func (w *Worker) History() []*queue.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := w.history.Keys()
	out := make([]*queue.Item, 0, len(keys))
	for _, k := range keys {
		if it, ok := w.history.Peek(k); ok {
			out = append(out, it)
		}
	}
	return out
}
