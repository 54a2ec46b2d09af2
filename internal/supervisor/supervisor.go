// Package supervisor composes the streak tracker, registry, per-service
// queues, dispatcher, and workers into a running system (C7). It couples
// the upstream ingest to the dispatcher, installs a shutdown handler, and
// reports aggregate statistics on a timer, mirroring backend/main.go's
// composition root and backend/manager/manager.go's periodic-reconcile
// shape.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/whisper-darkly/sticky-dispatch/internal/config"
	"github.com/whisper-darkly/sticky-dispatch/internal/dispatch"
	"github.com/whisper-darkly/sticky-dispatch/internal/event"
	"github.com/whisper-darkly/sticky-dispatch/internal/ingest"
	"github.com/whisper-darkly/sticky-dispatch/internal/queue"
	"github.com/whisper-darkly/sticky-dispatch/internal/registry"
	"github.com/whisper-darkly/sticky-dispatch/internal/store"
	"github.com/whisper-darkly/sticky-dispatch/internal/streak"
	"github.com/whisper-darkly/sticky-dispatch/internal/worker"
)

// Supervisor owns every long-lived piece of the dispatcher: the registry,
// one queue+worker pair per active service, the dispatcher tying them
// together, and (when running in full or ingest-only mode) the upstream
// ingest adapter.
type Supervisor struct {
	cfg *config.Global
	reg *registry.Registry
	st  store.Store

	tracker *streak.Tracker

	mu      sync.RWMutex
	queues  map[string]*queue.Queue
	workers map[string]*worker.Worker

	dispatcher *dispatch.Dispatcher
	adapter    ingest.Adapter

	statsInterval     time.Duration
	reconcileInterval time.Duration
}

// New rejects a config with no streamer_handle, loads the registry from cfg
// and constructs one queue per active service. Workers are not started until Run*; constructing them here lets
// RunWorkersOnly/RunIngestOnly/RunFull all share the same built state.
func New(cfg *config.Global, st store.Store) (*Supervisor, error) {
	if cfg.Get().StreamerHandle == "" {
		return nil, fmt.Errorf("supervisor: streamer_handle is not configured")
	}
	reg := registry.New()
	if err := loadRegistryFromConfig(reg, cfg.Get()); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	s := &Supervisor{
		cfg:     cfg,
		reg:     reg,
		st:      st,
		tracker: streak.New(),
		queues:  make(map[string]*queue.Queue),
		workers: make(map[string]*worker.Worker),
	}

	s.statsInterval = parseDurationOr(cfg.Get().StatsInterval, 30*time.Second)
	s.reconcileInterval = parseDurationOr(cfg.Get().ReconcileInterval, 60*time.Second)

	for _, svc := range reg.ActiveServices() {
		s.queues[svc.Slug] = queue.New(svc.Slug, svc.MaxQueueSize)
	}
	s.dispatcher = dispatch.New(reg, s)

	return s, nil
}

func loadRegistryFromConfig(reg *registry.Registry, data config.Data) error {
	services := make([]registry.ServiceDescriptor, 0, len(data.Services))
	var subs []registry.EventSubscription

	for _, svc := range data.Services {
		services = append(services, registry.ServiceDescriptor{
			Slug:          svc.Slug,
			Name:          svc.Name,
			ProcessorName: svc.ProcessorName,
			MaxQueueSize:  svc.MaxQueueSize,
			Active:        svc.Active,
		})
		for _, sub := range svc.Subscriptions {
			subs = append(subs, registry.EventSubscription{
				ServiceSlug: svc.Slug,
				Kind:        event.Kind(sub.Kind),
				Enabled:     sub.Enabled,
				Priority:    sub.Priority,
				Concurrent:  sub.Concurrent,
				Discardable: sub.Discardable,
				Stackable:   sub.Stackable,
			})
		}
	}
	return reg.Load(services, subs)
}

// QueueFor implements dispatch.QueueLookup.
func (s *Supervisor) QueueFor(serviceSlug string) (*queue.Queue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[serviceSlug]
	return q, ok
}

// Workers implements httpapi.StatsProvider.
func (s *Supervisor) Workers() []*worker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// startWorkers instantiates and starts a worker for every active service
// matching the optional slug filter ("" means all) that doesn't already have
// one running, so it is safe to call repeatedly from reconcile.
func (s *Supervisor) startWorkers(ctx context.Context, slugFilter string) error {
	pollInterval := parseDurationOr(s.cfg.Get().PollInterval, 0)
	seqGrace := parseDurationOr(s.cfg.Get().ShutdownSeqGrace, 0)
	concGrace := parseDurationOr(s.cfg.Get().ShutdownConcGrace, 0)

	for _, svc := range s.reg.ActiveServices() {
		if slugFilter != "" && svc.Slug != slugFilter {
			continue
		}

		s.mu.RLock()
		_, running := s.workers[svc.Slug]
		s.mu.RUnlock()
		if running {
			continue
		}

		factory, err := registry.LookupFactory(svc.ProcessorName)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.Slug, err)
		}

		serviceConfig := s.credentialsFor(svc.Slug)
		serviceConfig["service_slug"] = svc.Slug

		proc, err := factory(serviceConfig)
		if err != nil {
			return fmt.Errorf("service %s: build processor: %w", svc.Slug, err)
		}

		q := s.queues[svc.Slug]
		w := worker.New(svc.Slug, q, proc, pollInterval, seqGrace, concGrace)
		if s.st != nil {
			w.SetRecorder(s.st)
		}

		if err := w.Start(ctx); err != nil {
			// Per spec §7: a worker start failure is fatal for that worker
			// only; the supervisor logs and continues with the rest.
			log.Printf("supervisor: worker %s failed to start: %v", svc.Slug, err)
			s.recordWorkerEvent(ctx, svc.Slug, store.WorkerEventFailed, err.Error())
			continue
		}

		s.mu.Lock()
		s.workers[svc.Slug] = w
		s.mu.Unlock()
		s.recordWorkerEvent(ctx, svc.Slug, store.WorkerEventStarted, "")
		log.Printf("supervisor: worker %s started (processor=%s)", svc.Slug, svc.ProcessorName)
	}
	return nil
}

// parseDurationOr parses s, falling back to def on empty or invalid input,
// mirroring backend/manager/manager.go's parseDuration helper.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func (s *Supervisor) credentialsFor(slug string) map[string]string {
	out := make(map[string]string)
	for _, svc := range s.cfg.Get().Services {
		if svc.Slug == slug {
			for k, v := range svc.Credentials {
				out[k] = v
			}
			break
		}
	}
	return out
}

func (s *Supervisor) recordWorkerEvent(ctx context.Context, slug string, t store.WorkerEventType, detail string) {
	if s.st == nil {
		return
	}
	if err := s.st.RecordWorkerEvent(ctx, slug, t, detail); err != nil {
		log.Printf("supervisor: record worker event: %v", err)
	}
}

func (s *Supervisor) stopWorkers() {
	s.mu.RLock()
	workers := make(map[string]*worker.Worker, len(s.workers))
	for slug, w := range s.workers {
		workers[slug] = w
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for slug, w := range workers {
		wg.Add(1)
		go func(slug string, w *worker.Worker) {
			defer wg.Done()
			w.Stop()
			s.recordWorkerEvent(context.Background(), slug, store.WorkerEventStopped, "")
		}(slug, w)
	}
	wg.Wait()

	s.mu.Lock()
	for slug := range workers {
		delete(s.workers, slug)
	}
	s.mu.Unlock()
}

// RunFull starts every active worker and the upstream ingest, wiring raw
// events through the streak tracker into the dispatcher. It blocks until
// ctx is cancelled (OS signal) or the ingest adapter returns a fatal error,
// then drains workers gracefully before returning.
func (s *Supervisor) RunFull(ctx context.Context) error {
	if err := s.startWorkers(ctx, ""); err != nil {
		return err
	}
	defer s.stopWorkers()

	handle := s.streakDispatchHandler()

	endpoint := s.cfg.Get().IngestEndpoint
	s.adapter = ingest.NewWSAdapter(endpoint, "")

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go s.reportStats(bgCtx)
	go s.reconcileLoop(bgCtx, "")

	err := s.adapter.Run(ctx, handle)
	if err != nil && ctx.Err() == nil {
		log.Printf("supervisor: ingest fatal: %v", err)
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

// RunWorkersOnly starts the worker pool (optionally filtered to one
// service) without ingest, for drain-only operation, and blocks until ctx
// is cancelled.
func (s *Supervisor) RunWorkersOnly(ctx context.Context, slugFilter string, verbose bool) error {
	if err := s.startWorkers(ctx, slugFilter); err != nil {
		return err
	}
	defer s.stopWorkers()

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	if verbose {
		go s.reportStats(bgCtx)
	}
	go s.reconcileLoop(bgCtx, slugFilter)

	<-ctx.Done()
	return nil
}

// RunIngestOnly starts only the ingest path (no workers) for archival
// operation: events are streak-enriched and dispatched into this process's
// in-memory queues, which nothing drains in this mode; once a queue is full,
// further admissions go through displacement or are dropped.
func (s *Supervisor) RunIngestOnly(ctx context.Context, sessionName string) error {
	endpoint := s.cfg.Get().IngestEndpoint
	s.adapter = ingest.NewWSAdapter(endpoint, sessionName)

	handle := s.streakDispatchHandler()
	err := s.adapter.Run(ctx, handle)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

func (s *Supervisor) streakDispatchHandler() func(ingest.RawEvent) {
	return func(raw ingest.RawEvent) {
		ev := s.tracker.Process(raw.ToEvent())
		results := s.dispatcher.Dispatch(ev)
		for _, r := range results {
			if r.Outcome == dispatch.OutcomeDropped {
				log.Printf("supervisor: dropped %s for service %s (queue saturated, no discardable victim)", ev.Kind, r.ServiceSlug)
			}
		}
	}
}

// reconcileLoop periodically reloads the registry from the in-process
// config.Global and starts workers for any active service that has no
// running worker (for example one whose start failed earlier), generalizing
// backend/manager/manager.go's reconcileLoop from overseer-task
// reconciliation to config-driven registry reconciliation. config.Global is
// read from the store once at startup and not re-read here, so changes that
// another process (such as `config set`) writes to the store are not seen
// until restart.
func (s *Supervisor) reconcileLoop(ctx context.Context, slugFilter string) {
	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx, slugFilter)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context, slugFilter string) {
	if err := loadRegistryFromConfig(s.reg, s.cfg.Get()); err != nil {
		log.Printf("supervisor: reconcile: reload registry: %v", err)
		return
	}

	s.mu.Lock()
	for _, svc := range s.reg.ActiveServices() {
		if _, ok := s.queues[svc.Slug]; !ok {
			s.queues[svc.Slug] = queue.New(svc.Slug, svc.MaxQueueSize)
		}
	}
	s.mu.Unlock()

	if err := s.startWorkers(ctx, slugFilter); err != nil {
		log.Printf("supervisor: reconcile: start workers: %v", err)
	}
}

// reportStats logs aggregate pending/processing/in-flight counts on a
// timer, generalizing worker.py's get_status() the way spec §4.6 asks.
func (s *Supervisor) reportStats(ctx context.Context) {
	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Supervisor) logStats() {
	for _, w := range s.Workers() {
		snap := w.Snapshot()
		log.Printf("supervisor: %s %s pending=%s in_flight=%s",
			snap.ServiceSlug, snap.Lifecycle,
			humanize.Comma(int64(snap.Pending)), humanize.Comma(int64(snap.InFlightConc)))
	}
}
