// Package config manages the global dispatcher configuration. Defaults are
// loaded from an embedded YAML file; the live config is stored through the
// ConfigStore interface and read/written via Global, adapted from the
// sticky-dvr lineage's config.Global/config.Data split.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// SubscriptionSpec is one service's declared subscription for one event
// kind, as it appears in the registry matrix section of config.
type SubscriptionSpec struct {
	Kind        string `json:"kind"        yaml:"kind"`
	Enabled     bool   `json:"enabled"     yaml:"enabled"`
	Priority    int    `json:"priority"    yaml:"priority"`
	Concurrent  bool   `json:"concurrent"  yaml:"concurrent"`
	Discardable bool   `json:"discardable" yaml:"discardable"`
	Stackable   bool   `json:"stackable"   yaml:"stackable"`
}

// ServiceSpec is one registered service plus its subscription matrix, as it
// appears in configuration.
type ServiceSpec struct {
	Slug          string             `json:"slug"            yaml:"slug"`
	Name          string             `json:"name"            yaml:"name"`
	ProcessorName string             `json:"processor_class"  yaml:"processor_class"`
	MaxQueueSize  int                `json:"max_queue_size"  yaml:"max_queue_size"`
	Active        bool               `json:"active"          yaml:"active"`
	Credentials   map[string]string  `json:"credentials"     yaml:"credentials"`
	Subscriptions []SubscriptionSpec `json:"subscriptions"   yaml:"subscriptions"`
}

// Data holds the serializable global configuration.
type Data struct {
	StreamerHandle    string `json:"streamer_handle"     yaml:"streamer_handle"`
	IngestEndpoint    string `json:"ingest_endpoint"     yaml:"ingest_endpoint"`
	ReconcileInterval string `json:"reconcile_interval"  yaml:"reconcile_interval"`
	PollInterval      string `json:"poll_interval"       yaml:"poll_interval"`
	ShutdownSeqGrace  string `json:"shutdown_seq_grace"  yaml:"shutdown_seq_grace"`
	ShutdownConcGrace string `json:"shutdown_conc_grace" yaml:"shutdown_conc_grace"`
	StatsInterval     string `json:"stats_interval"      yaml:"stats_interval"`

	// Services is the full registry matrix: every service this dispatcher
	// knows about and its per-event-kind subscriptions.
	Services []ServiceSpec `json:"services" yaml:"services"`
}

// ConfigStore is the persistence interface for the live config row.
// Implemented by store's sqlite backend; defined here to avoid circular
// imports, matching backend/config/config.go's ConfigStore split.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, store-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initializes Global from the store. If the stored row is empty or
// missing, the embedded default YAML is seeded and persisted.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, fmt.Errorf("config: seed defaults: %w", err)
		}
		return g, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshal stored config: %w", err)
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, fmt.Errorf("config: unmarshal stored config: %w", err)
	}
	return g, nil
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// defaults parses the embedded default YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it through the store.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return fmt.Errorf("config: set: %w", err)
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}

// GetValue reads a single top-level config key for the `config get`
// CLI subcommand. Only top-level scalar fields of Data are addressable this
// way; the registry matrix is administered by rewriting Services wholesale.
func (g *Global) GetValue(key string) (string, error) {
	d := g.Get()
	switch key {
	case "streamer_handle":
		return d.StreamerHandle, nil
	case "ingest_endpoint":
		return d.IngestEndpoint, nil
	case "reconcile_interval":
		return d.ReconcileInterval, nil
	case "poll_interval":
		return d.PollInterval, nil
	case "shutdown_seq_grace":
		return d.ShutdownSeqGrace, nil
	case "shutdown_conc_grace":
		return d.ShutdownConcGrace, nil
	case "stats_interval":
		return d.StatsInterval, nil
	default:
		return "", fmt.Errorf("config: unknown key %q", key)
	}
}

// SetValue writes a single top-level scalar key for the `config set` CLI
// subcommand and persists the result.
func (g *Global) SetValue(ctx context.Context, key, value string) error {
	d := g.Get()
	switch key {
	case "streamer_handle":
		d.StreamerHandle = value
	case "ingest_endpoint":
		d.IngestEndpoint = value
	case "reconcile_interval":
		d.ReconcileInterval = value
	case "poll_interval":
		d.PollInterval = value
	case "shutdown_seq_grace":
		d.ShutdownSeqGrace = value
	case "shutdown_conc_grace":
		d.ShutdownConcGrace = value
	case "stats_interval":
		d.StatsInterval = value
	default:
		return fmt.Errorf("config: unknown key %q", key)
	}
	return g.Set(ctx, d)
}
