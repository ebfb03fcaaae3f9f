package sync

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/storage"
)

// StorageSource resolves dirty ids against the local event store
type StorageSource struct {
	store *storage.Storage
}

// NewStorageSource wraps the event store as an entity source
func NewStorageSource(store *storage.Storage) *StorageSource {
	return &StorageSource{store: store}
}

// Entity loads the current local state of an event by id
func (s *StorageSource) Entity(ctx context.Context, id string) (*Entity, error) {
	events, err := s.store.QueryEvents(ctx, nostr.Filter{IDs: []string{id}})
	if err != nil {
		return nil, fmt.Errorf("failed to load entity %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, ErrEntityNotFound
	}

	ev := events[0]
	return &Entity{
		ID:        ev.ID,
		Kind:      ev.Kind,
		Content:   ev.Content,
		Tags:      ev.Tags,
		CreatedAt: ev.CreatedAt,
	}, nil
}
