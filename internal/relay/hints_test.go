package relay

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/kv"
)

func TestParseHints(t *testing.T) {
	ev := &nostr.Event{
		Kind: 10002,
		Tags: nostr.Tags{
			{"r", "wss://relay.example.com"},
			{"r", "wss://read.example.com", "read"},
			{"r", "wss://write.example.com", "write"},
			{"r", ""},
			{"t", "not-a-relay-tag"},
			{"r", "not a url"},
		},
	}

	hints, err := ParseHints(ev)
	if err != nil {
		t.Fatalf("ParseHints failed: %v", err)
	}
	if len(hints) != 3 {
		t.Fatalf("expected 3 hints, got %d: %v", len(hints), hints)
	}

	if !hints[0].CanRead || !hints[0].CanWrite {
		t.Errorf("unmarked hint must be read+write: %+v", hints[0])
	}
	if !hints[1].CanRead || hints[1].CanWrite {
		t.Errorf("read marker must drop write: %+v", hints[1])
	}
	if hints[2].CanRead || !hints[2].CanWrite {
		t.Errorf("write marker must drop read: %+v", hints[2])
	}
}

func TestParseHintsWrongKind(t *testing.T) {
	if _, err := ParseHints(&nostr.Event{Kind: 22}); err == nil {
		t.Error("expected error for non-10002 event")
	}
}

func TestApplyHints(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, testRelayConfig(), kv.NewMemoryStore())

	hints := []Hint{
		{URL: "wss://a.example.com", CanRead: true, CanWrite: true},
		{URL: "wss://b.example.com", CanRead: true},
		{URL: "wss://relay.loopvine.net", CanRead: true, CanWrite: true}, // already present
	}
	if err := p.ApplyHints(ctx, hints); err != nil {
		t.Fatalf("ApplyHints failed: %v", err)
	}

	if got := len(p.RelayURLs()); got != 3 {
		t.Errorf("expected 3 relays after hints, got %d: %v", got, p.RelayURLs())
	}
}

func TestRelayListEvent(t *testing.T) {
	p := newTestPool(t, testRelayConfig(), kv.NewMemoryStore())

	ev := p.RelayListEvent()
	if ev.Kind != 10002 {
		t.Errorf("expected kind 10002, got %d", ev.Kind)
	}
	if len(ev.Tags) != 1 {
		t.Fatalf("expected 1 r tag, got %v", ev.Tags)
	}
	if ev.Tags[0][0] != "r" || ev.Tags[0][1] != "wss://relay.loopvine.net" {
		t.Errorf("unexpected tag: %v", ev.Tags[0])
	}

	// Round-trip through the hint parser
	hints, err := ParseHints(ev)
	if err != nil || len(hints) != 1 {
		t.Errorf("relay list event must parse back into hints: %v %v", hints, err)
	}
}
