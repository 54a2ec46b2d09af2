// Package registry holds the set of services and each service's
// per-event-type subscription matrix, and the compile-time map of
// processor factories resolved by name at load time.
package registry

import (
	"fmt"
	"sync"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
)

// Processor is the per-service contract a worker drives. on_start/on_stop
// and the two hooks are optional in the source; here every method is part
// of the interface but Base (processors.go in internal/processors)
// supplies no-op embeddable defaults, matching how backend/manager treats
// its callback struct as all-optional via zero values.
type Processor interface {
	OnStart() error
	OnStop()
	OnEventReceived(ev event.Event)
	ProcessEvent(ev event.Event) (bool, error)
	OnEventProcessed(ev event.Event, success bool)
}

// ProcessorFactory builds a fresh Processor instance for one service. Config
// is the opaque per-service settings blob from the configuration surface
// (credentials, endpoints) — passed through untouched, per spec §6.
type ProcessorFactory func(config map[string]string) (Processor, error)

var (
	factoriesMu sync.Mutex
	factories   = make(map[string]ProcessorFactory)
)

// RegisterFactory records a named processor factory at package init time,
// mirroring thumbnailer/handler/handler.go's overseer.RegisterFactory
// pattern. Intended to be called exactly once per name from an init()
// function; a duplicate registration is a programmer error and panics
// immediately rather than silently shadowing the first one.
func RegisterFactory(name string, f ProcessorFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("registry: factory %q registered twice", name))
	}
	factories[name] = f
}

// LookupFactory resolves a processor_class name to its factory. Unknown
// names are a configuration error, fatal at registry-load time per spec §7.
func LookupFactory(name string) (ProcessorFactory, error) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown processor class %q", name)
	}
	return f, nil
}

// ServiceDescriptor is one registered service.
type ServiceDescriptor struct {
	Slug          string
	Name          string
	ProcessorName string // resolved via LookupFactory
	MaxQueueSize  int
	Active        bool
}

// EventSubscription is a service's configuration for one event kind.
// Unique by (ServiceSlug, Kind).
type EventSubscription struct {
	ServiceSlug string
	Kind        event.Kind
	Enabled     bool
	Priority    int  // 1..10, 10 highest
	Concurrent  bool
	Discardable bool
	Stackable   bool
}

// Binding pairs a service with its subscription for one event kind — the
// unit the Registry hands back to the dispatcher.
type Binding struct {
	Service      ServiceDescriptor
	Subscription EventSubscription
}

// Registry is a read-mostly lookup: given an event kind, it returns every
// active service with an enabled subscription to that kind. Reloads swap
// the whole snapshot atomically so readers never observe a half-updated
// matrix, per spec §5 ("the registry snapshot is immutable; reloads swap
// the snapshot atomically").
type Registry struct {
	mu   sync.RWMutex
	snap snapshot
}

type snapshot struct {
	services map[string]ServiceDescriptor
	byKind   map[event.Kind][]Binding
}

// New returns an empty Registry; call Load to populate it.
func New() *Registry {
	return &Registry{snap: emptySnapshot()}
}

func emptySnapshot() snapshot {
	return snapshot{
		services: make(map[string]ServiceDescriptor),
		byKind:   make(map[event.Kind][]Binding),
	}
}

// Load validates and installs a full service+subscription matrix as one
// atomic snapshot, replacing whatever was loaded before. Unknown processor
// classes and out-of-range priorities are rejected here, matching spec §7's
// "configuration errors ... fatal at supervisor startup; never reached at
// runtime".
func (r *Registry) Load(services []ServiceDescriptor, subs []EventSubscription) error {
	next := emptySnapshot()

	for _, s := range services {
		if s.Slug == "" {
			return fmt.Errorf("registry: service with empty slug")
		}
		if _, err := LookupFactory(s.ProcessorName); err != nil {
			return fmt.Errorf("registry: service %s: %w", s.Slug, err)
		}
		if s.MaxQueueSize < 1 {
			return fmt.Errorf("registry: service %s: max_queue_size must be >= 1, got %d", s.Slug, s.MaxQueueSize)
		}
		next.services[s.Slug] = s
	}

	for _, sub := range subs {
		if sub.Priority < 1 || sub.Priority > 10 {
			return fmt.Errorf("registry: subscription %s/%s: priority %d out of range [1,10]", sub.ServiceSlug, sub.Kind, sub.Priority)
		}
		svc, ok := next.services[sub.ServiceSlug]
		if !ok {
			return fmt.Errorf("registry: subscription references unknown service %q", sub.ServiceSlug)
		}
		if !sub.Enabled || !svc.Active {
			continue
		}
		next.byKind[sub.Kind] = append(next.byKind[sub.Kind], Binding{Service: svc, Subscription: sub})
	}

	r.mu.Lock()
	r.snap = next
	r.mu.Unlock()
	return nil
}

// BindingsFor returns the active, enabled bindings for an event kind. The
// returned slice is a fresh copy of the snapshot's slice header; callers
// must not mutate the ServiceDescriptor/EventSubscription values in place
// (they are copies, so this is safe either way, but sharing the backing
// array would let one caller's append corrupt another's view).
func (r *Registry) BindingsFor(kind event.Kind) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.snap.byKind[kind]
	out := make([]Binding, len(src))
	copy(out, src)
	return out
}

// Service looks up one service descriptor by slug.
func (r *Registry) Service(slug string) (ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snap.services[slug]
	return s, ok
}

// ActiveServices returns every active service descriptor in the current
// snapshot, for the supervisor to enumerate workers to start.
func (r *Registry) ActiveServices() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, 0, len(r.snap.services))
	for _, s := range r.snap.services {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}
