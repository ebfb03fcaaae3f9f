package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	gosync "sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/kv"
	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/relay"
)

// ErrEntityNotFound is returned by an EntitySource for an unknown id
var ErrEntityNotFound = errors.New("entity not found")

const (
	dirtyKey  = "sync:dirty"
	hashesKey = "sync:hashes"
)

// EntitySource resolves a dirty id to its current local state
type EntitySource interface {
	Entity(ctx context.Context, id string) (*Entity, error)
}

// Broadcaster publishes events to the relay set. *relay.Pool satisfies this.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev *nostr.Event) (*relay.BroadcastResult, error)
}

// ConnSignal reports reachability and transitions. *connectivity.Monitor
// satisfies this.
type ConnSignal interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Status is a snapshot of the worker's sync state
type Status struct {
	IsOnline       bool     `json:"is_online"`
	IsSyncing      bool     `json:"is_syncing"`
	PendingCount   int      `json:"pending_count"`
	PendingIDs     []string `json:"pending_ids"`
	PublishedCount int      `json:"published_count"`
}

// Worker pushes locally-mutated entities to the relay set in the background.
// Dirty ids and last-published hashes are persisted, so pending work survives
// a restart. An offline-to-online transition wakes the worker automatically.
type Worker struct {
	cfg    *config.Sync
	store  kv.Store
	source EntitySource
	signer Signer
	relays Broadcaster
	conn   ConnSignal
	log    *ops.Logger

	mu        gosync.Mutex
	dirty     map[string]bool
	lastHash  map[string]string
	published int

	// gen counts marks per entity. A publish in flight captures the
	// generation at load time and only clears the dirty flag if no newer
	// mark arrived while it was broadcasting.
	gen map[string]uint64

	// syncMu serializes whole sync passes so concurrent SyncAll calls
	// cannot double-publish
	syncMu  gosync.Mutex
	syncing bool

	unsub    func()
	stopOnce gosync.Once
}

// NewWorker creates a sync worker, reloading persisted pending state. The
// worker subscribes to the connectivity signal and runs a sync pass whenever
// the engine comes back online.
func NewWorker(ctx context.Context, cfg *config.Sync, store kv.Store, source EntitySource, signer Signer, relays Broadcaster, conn ConnSignal, logger *ops.Logger) (*Worker, error) {
	w := &Worker{
		cfg:      cfg,
		store:    store,
		source:   source,
		signer:   signer,
		relays:   relays,
		conn:     conn,
		log:      logger.WithComponent("sync"),
		dirty:    make(map[string]bool),
		lastHash: make(map[string]string),
		gen:      make(map[string]uint64),
	}

	if err := w.loadState(ctx); err != nil {
		return nil, err
	}

	w.unsub = conn.Subscribe(func(online bool) {
		if online {
			go func() {
				if err := w.SyncAll(context.Background()); err != nil {
					w.log.Warn("wake sync failed", "error", err)
				}
			}()
		}
	})

	return w, nil
}

func (w *Worker) loadState(ctx context.Context) error {
	if data, ok, err := w.store.Get(ctx, dirtyKey); err != nil {
		return fmt.Errorf("failed to load dirty set: %w", err)
	} else if ok {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("failed to parse dirty set: %w", err)
		}
		for _, id := range ids {
			w.dirty[id] = true
		}
	}

	if data, ok, err := w.store.Get(ctx, hashesKey); err != nil {
		return fmt.Errorf("failed to load hash map: %w", err)
	} else if ok {
		if err := json.Unmarshal(data, &w.lastHash); err != nil {
			return fmt.Errorf("failed to parse hash map: %w", err)
		}
	}

	return nil
}

// persistState writes the dirty set and hash map. Caller holds w.mu.
func (w *Worker) persistState(ctx context.Context) error {
	ids := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	dirtyData, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	hashData, err := json.Marshal(w.lastHash)
	if err != nil {
		return err
	}

	if err := w.store.Set(ctx, dirtyKey, dirtyData); err != nil {
		return fmt.Errorf("failed to persist dirty set: %w", err)
	}
	if err := w.store.Set(ctx, hashesKey, hashData); err != nil {
		return fmt.Errorf("failed to persist hash map: %w", err)
	}
	return nil
}

// MarkDirty flags an entity for publication. Marking an already-dirty
// entity bumps its generation so an in-flight publish of older content
// cannot clear the flag.
func (w *Worker) MarkDirty(ctx context.Context, entityID string) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen[entityID]++
	if w.dirty[entityID] {
		return nil
	}
	w.dirty[entityID] = true
	return w.persistState(ctx)
}

// SyncAll publishes every dirty entity whose content changed since its last
// successful publish. Unchanged entities are cleared without network calls.
// Offline, the pass is a no-op and everything stays dirty. Safe to call
// repeatedly.
func (w *Worker) SyncAll(ctx context.Context) error {
	if !w.conn.Online() {
		w.log.Debug("offline, leaving pending entities dirty")
		return nil
	}

	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	w.mu.Lock()
	w.syncing = true
	ids := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	sort.Strings(ids)

	defer func() {
		w.mu.Lock()
		w.syncing = false
		w.mu.Unlock()
	}()

	if len(ids) == 0 {
		return nil
	}

	pending := len(ids)
	workers := w.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg gosync.WaitGroup
	sem := make(chan struct{}, workers)
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			w.syncOne(ctx, id)
		}(id)
	}
	wg.Wait()

	w.mu.Lock()
	err := w.persistState(ctx)
	published := w.published
	w.mu.Unlock()

	w.log.LogSyncProgress(pending, published)
	return err
}

// syncOne handles a single dirty entity through the
// dirty -> publishing -> clean transition.
func (w *Worker) syncOne(ctx context.Context, id string) {
	w.mu.Lock()
	genAtLoad := w.gen[id]
	w.mu.Unlock()

	entity, err := w.source.Entity(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			// Deleted locally before it was ever published
			w.mu.Lock()
			if w.gen[id] == genAtLoad {
				delete(w.dirty, id)
				delete(w.lastHash, id)
			}
			w.mu.Unlock()
			return
		}
		w.log.Warn("failed to load entity", "entity", id, "error", err)
		return
	}

	hash := ContentHash(entity)

	w.mu.Lock()
	unchanged := w.lastHash[id] == hash
	w.mu.Unlock()

	if unchanged {
		// Already on the relays in this exact form
		w.mu.Lock()
		if w.gen[id] == genAtLoad {
			delete(w.dirty, id)
		}
		w.mu.Unlock()
		return
	}

	ev := &nostr.Event{
		Kind:      entity.Kind,
		Content:   entity.Content,
		Tags:      entity.Tags,
		CreatedAt: nostr.Now(),
	}
	if err := w.signer.Sign(ctx, ev); err != nil {
		w.log.Warn("failed to sign entity", "entity", id, "error", err)
		return
	}

	result, err := w.relays.Broadcast(ctx, ev)
	if err != nil {
		w.log.Warn("broadcast failed", "entity", id, "error", err)
		return
	}

	if !result.IsSuccessful() {
		// No relay accepted it; stays dirty for the next pass
		w.log.Warn("no relay accepted event",
			"entity", id, "attempted", result.AttemptCount())
		return
	}

	w.mu.Lock()
	if w.gen[id] == genAtLoad {
		// No newer mark arrived while broadcasting; the published
		// content is the current content.
		delete(w.dirty, id)
	}
	w.lastHash[id] = hash
	w.published++
	w.mu.Unlock()
}

// Status reports the worker's current sync state
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.dirty))
	for id := range w.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Status{
		IsOnline:       w.conn.Online(),
		IsSyncing:      w.syncing,
		PendingCount:   len(ids),
		PendingIDs:     ids,
		PublishedCount: w.published,
	}
}

// Stop detaches the worker from the connectivity signal. Safe to call twice.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.unsub != nil {
			w.unsub()
		}
	})
}
