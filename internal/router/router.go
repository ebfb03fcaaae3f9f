package router

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/storage"
)

// Recognized event kinds
const (
	KindProfile     = 0
	KindContactList = 3
	KindDeletion    = 5
	KindRepost      = 6
	KindReaction    = 7
	KindVideo       = 21
	KindLoop        = 22
)

// handler applies a kind-specific side effect after the raw event is stored
type handler func(ctx context.Context, ev *nostr.Event) error

// Router dispatches incoming events by kind. Every event is written to the
// generic store keyed by id (insert-or-replace); recognized kinds get an
// additional side effect. Unknown kinds are stored unchanged.
type Router struct {
	store    *storage.Storage
	log      *ops.Logger
	handlers map[int]handler
}

// New creates a router over the given storage
func New(store *storage.Storage, logger *ops.Logger) *Router {
	r := &Router{
		store: store,
		log:   logger.WithComponent("router"),
	}
	r.handlers = map[int]handler{
		KindProfile:  r.handleProfile,
		KindDeletion: r.handleDeletion,
	}
	return r
}

// Route stores an event and applies its kind-specific handling. Routing
// never rejects an event for an unrecognized kind, and a failed side effect
// never loses the raw event.
func (r *Router) Route(ctx context.Context, ev *nostr.Event) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("event is missing an id")
	}

	if err := r.store.StoreEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to store event %s: %w", ev.ID, err)
	}

	if h, ok := r.handlers[ev.Kind]; ok {
		if err := h(ctx, ev); err != nil {
			r.log.Warn("kind handler failed",
				"kind", ev.Kind, "event", ev.ID, "error", err)
		}
	}
	return nil
}

// handleProfile projects a profile-metadata event into the derived profiles
// table. Unparseable content degrades to a pubkey-only row; the raw event is
// already stored either way.
func (r *Router) handleProfile(ctx context.Context, ev *nostr.Event) error {
	p := &storage.Profile{
		Pubkey:    ev.PubKey,
		UpdatedAt: int64(ev.CreatedAt),
	}

	if gjson.Valid(ev.Content) {
		meta := gjson.Parse(ev.Content)
		p.Name = meta.Get("name").String()
		p.DisplayName = meta.Get("display_name").String()
		p.About = meta.Get("about").String()
		p.Picture = meta.Get("picture").String()
		p.Banner = meta.Get("banner").String()
		p.Website = meta.Get("website").String()
		p.Nip05 = meta.Get("nip05").String()
		p.Lud16 = meta.Get("lud16").String()
	} else {
		r.log.Debug("unparseable profile content, keeping pubkey-only row",
			"pubkey", ev.PubKey, "event", ev.ID)
	}

	return r.store.SaveProfile(ctx, p)
}

// handleDeletion removes the events a kind-5 references in its e tags,
// but only when the deletion's author owns them.
func (r *Router) handleDeletion(ctx context.Context, ev *nostr.Event) error {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "e" || tag[1] == "" {
			continue
		}
		targetID := tag[1]

		targets, err := r.store.QueryEvents(ctx, nostr.Filter{IDs: []string{targetID}})
		if err != nil {
			return fmt.Errorf("failed to look up deletion target %s: %w", targetID, err)
		}
		for _, target := range targets {
			if target.PubKey != ev.PubKey {
				r.log.Debug("ignoring deletion for foreign event",
					"event", targetID, "requested_by", ev.PubKey)
				continue
			}
			if err := r.store.DeleteEvent(ctx, targetID); err != nil {
				return fmt.Errorf("failed to delete event %s: %w", targetID, err)
			}
		}
	}
	return nil
}
