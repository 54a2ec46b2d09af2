package registry

import (
	"testing"

	"github.com/whisper-darkly/sticky-dispatch/internal/event"
)

func init() {
	RegisterFactory("registry-test-noop", func(map[string]string) (Processor, error) {
		return nil, nil
	})
}

func TestLoad_RejectsUnknownProcessorClass(t *testing.T) {
	reg := New()
	err := reg.Load([]ServiceDescriptor{
		{Slug: "svc", ProcessorName: "does-not-exist", MaxQueueSize: 5, Active: true},
	}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown processor class")
	}
}

func TestLoad_RejectsOutOfRangePriority(t *testing.T) {
	reg := New()
	err := reg.Load(
		[]ServiceDescriptor{{Slug: "svc", ProcessorName: "registry-test-noop", MaxQueueSize: 5, Active: true}},
		[]EventSubscription{{ServiceSlug: "svc", Kind: event.KindComment, Enabled: true, Priority: 11}},
	)
	if err == nil {
		t.Fatal("expected an error for priority out of [1,10]")
	}
}

func TestBindingsFor_OnlyActiveEnabled(t *testing.T) {
	reg := New()
	err := reg.Load(
		[]ServiceDescriptor{
			{Slug: "active-svc", ProcessorName: "registry-test-noop", MaxQueueSize: 5, Active: true},
			{Slug: "inactive-svc", ProcessorName: "registry-test-noop", MaxQueueSize: 5, Active: false},
		},
		[]EventSubscription{
			{ServiceSlug: "active-svc", Kind: event.KindComment, Enabled: true, Priority: 5},
			{ServiceSlug: "active-svc", Kind: event.KindGift, Enabled: false, Priority: 9},
			{ServiceSlug: "inactive-svc", Kind: event.KindComment, Enabled: true, Priority: 5},
		},
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	bindings := reg.BindingsFor(event.KindComment)
	if len(bindings) != 1 {
		t.Fatalf("expected exactly 1 binding for comment, got %d", len(bindings))
	}
	if bindings[0].Service.Slug != "active-svc" {
		t.Fatalf("expected active-svc, got %s", bindings[0].Service.Slug)
	}

	if len(reg.BindingsFor(event.KindGift)) != 0 {
		t.Fatal("expected no bindings for a disabled subscription")
	}
}

func TestLoad_SwapsSnapshotAtomically(t *testing.T) {
	reg := New()
	mustLoad := func(priority int) {
		t.Helper()
		err := reg.Load(
			[]ServiceDescriptor{{Slug: "svc", ProcessorName: "registry-test-noop", MaxQueueSize: 5, Active: true}},
			[]EventSubscription{{ServiceSlug: "svc", Kind: event.KindComment, Enabled: true, Priority: priority}},
		)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	mustLoad(3)
	if reg.BindingsFor(event.KindComment)[0].Subscription.Priority != 3 {
		t.Fatal("expected priority 3 after first load")
	}

	mustLoad(7)
	if reg.BindingsFor(event.KindComment)[0].Subscription.Priority != 7 {
		t.Fatal("expected priority 7 after reload; snapshot should have swapped wholesale")
	}
}

func TestRegisterFactory_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected RegisterFactory to panic on duplicate registration")
		}
	}()
	RegisterFactory("registry-test-noop", func(map[string]string) (Processor, error) { return nil, nil })
}
