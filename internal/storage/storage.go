package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
)

// Storage provides the local event store. Events are kept in an
// eventstore-backed SQLite database wired through a khatru relay's handler
// chain; derived records (profiles) live in custom tables on the same
// database.
type Storage struct {
	relay   *khatru.Relay
	backend *sqlite3.SQLite3Backend
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	backend := &sqlite3.SQLite3Backend{DatabaseURL: cfg.SQLitePath}
	if err := backend.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite event store: %w", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)

	s := &Storage{
		relay:   relay,
		backend: backend,
	}

	if err := s.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// runMigrations creates the custom tables that live alongside the event store
func (s *Storage) runMigrations(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		pubkey TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		about TEXT NOT NULL DEFAULT '',
		picture TEXT NOT NULL DEFAULT '',
		banner TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		nip05 TEXT NOT NULL DEFAULT '',
		lud16 TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT 0
	)`
	if _, err := s.backend.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create profiles table: %w", err)
	}
	return nil
}

// DB returns the underlying database handle (for custom tables)
func (s *Storage) DB() *sqlx.DB {
	return s.backend.DB
}

// StoreEvent upserts an event keyed by id. A later store with the same id
// replaces the existing row, so relay-side edits and corrections win.
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	for _, handler := range s.relay.StoreEvent {
		err := handler(ctx, event)
		if errors.Is(err, eventstore.ErrDupEvent) {
			// Same id already stored: replace so the latest content, tags,
			// and signature win.
			if err := s.DeleteEvent(ctx, event.ID); err != nil {
				return fmt.Errorf("failed to replace event: %w", err)
			}
			if err := handler(ctx, event); err != nil {
				return fmt.Errorf("failed to store replacement event: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}

	return nil
}

// EventExists checks if an event already exists in storage (for deduplication)
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{
		IDs:   []string{eventID},
		Limit: 1,
	})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// QueryEvents queries events from the store using Nostr filters
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if s.relay == nil || len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}

	return events, nil
}

// DeleteEvent deletes an event from the store by ID
func (s *Storage) DeleteEvent(ctx context.Context, eventID string) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	// The delete handlers only need the id
	stub := &nostr.Event{ID: eventID}
	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, stub); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}

	return nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.backend != nil && s.backend.DB != nil {
		if err := s.backend.DB.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}
