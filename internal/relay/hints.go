package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Hint is one relay entry from a NIP-65 relay list event
type Hint struct {
	URL      string
	CanRead  bool
	CanWrite bool
}

// ParseHints extracts relay hints from a kind 10002 event
func ParseHints(event *nostr.Event) ([]Hint, error) {
	if event.Kind != 10002 {
		return nil, fmt.Errorf("expected kind 10002, got %d", event.Kind)
	}

	hints := make([]Hint, 0, len(event.Tags))
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}

		url := strings.TrimSpace(tag[1])
		if url == "" || !nostr.IsValidRelayURL(url) {
			continue
		}

		hint := Hint{URL: url, CanRead: true, CanWrite: true}
		if len(tag) >= 3 {
			switch strings.ToLower(tag[2]) {
			case "read":
				hint.CanWrite = false
			case "write":
				hint.CanRead = false
			}
		}
		hints = append(hints, hint)
	}

	return hints, nil
}

// ApplyHints adds every readable or writable hint relay to the pool.
// Intended for the user's own relay list arriving from the network, so a
// relay set edited on another device converges here.
func (p *Pool) ApplyHints(ctx context.Context, hints []Hint) error {
	for _, h := range hints {
		if !h.CanRead && !h.CanWrite {
			continue
		}
		if err := p.AddRelay(ctx, h.URL); err != nil {
			return fmt.Errorf("failed to add hinted relay %s: %w", h.URL, err)
		}
	}
	return nil
}

// RelayListEvent builds an unsigned kind 10002 event describing the pool's
// current relay set, ready for the sync worker to sign and broadcast.
func (p *Pool) RelayListEvent() *nostr.Event {
	urls := p.snapshotURLs()

	event := &nostr.Event{
		Kind:      10002,
		CreatedAt: nostr.Now(),
		Tags:      make(nostr.Tags, 0, len(urls)),
	}
	for _, url := range urls {
		event.Tags = append(event.Tags, nostr.Tag{"r", url})
	}
	return event
}
