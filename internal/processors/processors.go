// Package processors ships thin, generic reference implementations of the
// worker↔service contract (registry.Processor). Concrete production
// integrations — browser automation, media players, TTS pipelines — are
// external collaborators per spec §1 and are not implemented here; these
// two exist only to exercise and test the contract end to end.
package processors

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
	"github.com/whisper-darkly/sticky-dispatch/internal/registry"
)

// Base supplies no-op defaults for the optional processor hooks, matching
// spec §9's note to "model as a trait/interface with default no-op
// methods". Embed it and override only what a concrete processor needs.
type Base struct{}

func (Base) OnStart() error                                { return nil }
func (Base) OnStop()                                       {}
func (Base) OnEventReceived(ev event.Event)                {}
func (Base) OnEventProcessed(ev event.Event, success bool) {}

// LoggingProcessor just logs every event it receives and always succeeds.
// Registered under the name "logging".
type LoggingProcessor struct {
	Base
	ServiceSlug string
}

func (p *LoggingProcessor) ProcessEvent(ev event.Event) (bool, error) {
	log.Printf("processor[%s]: %s from %s (streak=%s)", p.ServiceSlug, ev.Kind, ev.Actor.Handle, ev.StreakPhase)
	return true, nil
}

func init() {
	registry.RegisterFactory("logging", func(config map[string]string) (registry.Processor, error) {
		return &LoggingProcessor{ServiceSlug: config["service_slug"]}, nil
	})
}

// WebhookProcessor POSTs a small JSON summary of each event to a configured
// URL and treats any non-2xx response as failure. Registered under the
// name "webhook".
type WebhookProcessor struct {
	Base
	URL    string
	Client *http.Client
}

func (p *WebhookProcessor) ProcessEvent(ev event.Event) (bool, error) {
	body := fmt.Sprintf(`{"kind":%q,"room_id":%q,"actor":%q,"streak_phase":%q}`,
		ev.Kind, ev.RoomID, ev.Actor.Handle, ev.StreakPhase)

	resp, err := p.Client.Post(p.URL, "application/json", bytes.NewBufferString(body))
	if err != nil {
		return false, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, nil
	}
	return true, nil
}

func init() {
	registry.RegisterFactory("webhook", func(config map[string]string) (registry.Processor, error) {
		url, ok := config["url"]
		if !ok || url == "" {
			return nil, fmt.Errorf("webhook processor: missing required %q credential", "url")
		}
		return &WebhookProcessor{
			URL:    url,
			Client: &http.Client{Timeout: 5 * time.Second},
		}, nil
	})
}
