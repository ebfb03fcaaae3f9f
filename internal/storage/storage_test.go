package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	cfg := &config.Storage{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	}

	s, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func testEvent(id, pubkey string, kind int, content string) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   content,
		Sig:       "sig-" + id,
	}
}

func TestStoreAndQueryEvents(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	event := testEvent("event-1", "pubkey-1", 22, "a short loop")
	if err := s.StoreEvent(ctx, event); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}

	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{"event-1"}})
	if err != nil {
		t.Fatalf("Failed to query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Content != "a short loop" {
		t.Errorf("Content = %q", events[0].Content)
	}
}

func TestStoreEventUpsert(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	first := testEvent("event-1", "pubkey-1", 22, "original")
	if err := s.StoreEvent(ctx, first); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}

	// Same id, different content: the second store must win
	second := testEvent("event-1", "pubkey-1", 22, "corrected")
	if err := s.StoreEvent(ctx, second); err != nil {
		t.Fatalf("Failed to re-store event: %v", err)
	}

	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{"event-1"}})
	if err != nil {
		t.Fatalf("Failed to query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 stored row, got %d", len(events))
	}
	if events[0].Content != "corrected" {
		t.Errorf("Expected second content to win, got %q", events[0].Content)
	}
}

func TestEventExists(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	exists, err := s.EventExists(ctx, "missing")
	if err != nil {
		t.Fatalf("EventExists() error = %v", err)
	}
	if exists {
		t.Error("Expected missing event to not exist")
	}

	if err := s.StoreEvent(ctx, testEvent("event-1", "pubkey-1", 1, "hi")); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}

	exists, err = s.EventExists(ctx, "event-1")
	if err != nil {
		t.Fatalf("EventExists() error = %v", err)
	}
	if !exists {
		t.Error("Expected stored event to exist")
	}
}

func TestDeleteEvent(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	if err := s.StoreEvent(ctx, testEvent("event-1", "pubkey-1", 1, "hi")); err != nil {
		t.Fatalf("Failed to store event: %v", err)
	}
	if err := s.DeleteEvent(ctx, "event-1"); err != nil {
		t.Fatalf("DeleteEvent() error = %v", err)
	}

	exists, _ := s.EventExists(ctx, "event-1")
	if exists {
		t.Error("Expected event gone after delete")
	}
}

func TestProfiles(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	// Missing profile
	p, err := s.GetProfile(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p != nil {
		t.Error("Expected nil for missing profile")
	}

	profile := &Profile{
		Pubkey:    "pubkey-1",
		Name:      "alice",
		About:     "loops all day",
		UpdatedAt: 1700000000,
	}
	if err := s.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	// Upsert
	profile.Name = "alice2"
	if err := s.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("SaveProfile() upsert error = %v", err)
	}

	p, err = s.GetProfile(ctx, "pubkey-1")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p == nil || p.Name != "alice2" {
		t.Errorf("GetProfile() = %+v", p)
	}

	// Missing pubkey rejected
	if err := s.SaveProfile(ctx, &Profile{}); err == nil {
		t.Error("Expected error for profile without pubkey")
	}
}

func TestKVTableCoexists(t *testing.T) {
	s := setupTestStorage(t)

	// The kv table shares this database; creating it must not disturb the
	// event store schema.
	if _, err := s.DB().Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value BLOB NOT NULL, updated_at INTEGER NOT NULL DEFAULT 0)`); err != nil {
		t.Fatalf("Failed to create kv table: %v", err)
	}

	if err := s.StoreEvent(context.Background(), testEvent("event-1", "pk", 1, "x")); err != nil {
		t.Fatalf("StoreEvent() after kv create error = %v", err)
	}
}
