package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/gateway"
	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/relay"
	"github.com/sandwichfarm/syncr/internal/sub"
)

type fakeSubs struct {
	mu        sync.Mutex
	opened    []sub.OpenParams
	cancelled []string
	nextID    int
}

func (f *fakeSubs) Open(ctx context.Context, params sub.OpenParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.opened = append(f.opened, params)
	return params.Type + "-sub", nil
}

func (f *fakeSubs) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeSubs) lastOpen(t *testing.T) sub.OpenParams {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		t.Fatal("no subscription opened")
	}
	return f.opened[len(f.opened)-1]
}

func (f *fakeSubs) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

type fakeRelays struct {
	urls []string
	caps map[string]*relay.Capabilities
}

func (f *fakeRelays) RelayURLs() []string       { return f.urls }
func (f *fakeRelays) ConnectedRelays() []string { return f.urls }
func (f *fakeRelays) GetCapabilities(ctx context.Context, url string) *relay.Capabilities {
	if c, ok := f.caps[url]; ok {
		return c
	}
	return &relay.Capabilities{URL: url}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Relays.Default = "wss://relay.loopvine.net"
	cfg.Sync.Pagination.DefaultLimit = 30
	cfg.Sync.Pagination.HasMoreRatio = 0.5
	return cfg
}

func testCoordinator(cfg *config.Config, relays *fakeRelays, gw *gateway.Client, handler func(*nostr.Event)) (*Coordinator, *fakeSubs) {
	subs := &fakeSubs{}
	logger := ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
	return New(cfg, subs, relays, gw, handler, logger), subs
}

func defaultRelaySet() *fakeRelays {
	return &fakeRelays{urls: []string{"wss://relay.loopvine.net"}}
}

func TestSubscribeRelayPath(t *testing.T) {
	c, subs := testCoordinator(testConfig(), defaultRelaySet(), nil, nil)

	if err := c.Subscribe(context.Background(), Discovery, Options{Limit: 30}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	params := subs.lastOpen(t)
	if params.Type != "discovery" {
		t.Errorf("unexpected sub type: %s", params.Type)
	}
	if len(params.Filters) != 1 || params.Filters[0].Limit != 30 {
		t.Errorf("unexpected filters: %+v", params.Filters)
	}
}

func TestSortGating(t *testing.T) {
	relays := defaultRelaySet()
	relays.caps = map[string]*relay.Capabilities{
		"wss://relay.loopvine.net": {SortFields: []string{"created_at", "loop_count"}},
	}
	c, subs := testCoordinator(testConfig(), relays, nil, nil)
	ctx := context.Background()

	// Advertised field: sort clause attached
	if err := c.Subscribe(ctx, Discovery, Options{SortBy: "loop_count", Limit: 30}); err != nil {
		t.Fatal(err)
	}
	f := subs.lastOpen(t).Filters[0]
	if f.Sort == nil || f.Sort.Field != "loop_count" || f.Sort.Dir != "desc" {
		t.Errorf("expected loop_count sort clause, got %+v", f.Sort)
	}

	// Unadvertised field: sort omitted entirely
	if err := c.Subscribe(ctx, Discovery, Options{SortBy: "likes", Limit: 30}); err != nil {
		t.Fatal(err)
	}
	if f := subs.lastOpen(t).Filters[0]; f.Sort != nil {
		t.Errorf("unadvertised sort field must be omitted, got %+v", f.Sort)
	}
}

func TestSortGatingMixedRelaySet(t *testing.T) {
	relays := &fakeRelays{
		urls: []string{"wss://a.example.com", "wss://b.example.com"},
		caps: map[string]*relay.Capabilities{
			"wss://a.example.com": {SortFields: []string{"loop_count"}},
			// b advertises nothing
		},
	}
	c, subs := testCoordinator(testConfig(), relays, nil, nil)

	if err := c.Subscribe(context.Background(), Discovery, Options{SortBy: "loop_count", Limit: 30}); err != nil {
		t.Fatal(err)
	}
	if f := subs.lastOpen(t).Filters[0]; f.Sort != nil {
		t.Error("sort must be omitted unless every relay advertises the field")
	}
}

func TestGatewayPath(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(gateway.Response{
			Events: []*nostr.Event{
				{ID: "ev1", Kind: 22, CreatedAt: 1000},
				{ID: "ev2", Kind: 22, CreatedAt: 900},
			},
			EOSE:     true,
			Complete: true,
		})
	}))
	defer srv.Close()

	cfg := testConfig()
	gw := gateway.New(&config.Gateway{Enabled: true, URL: srv.URL, TimeoutMs: 2000},
		ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard))

	var delivered []string
	c, subs := testCoordinator(cfg, defaultRelaySet(), gw, func(ev *nostr.Event) {
		delivered = append(delivered, ev.ID)
	})

	if err := c.Subscribe(context.Background(), Discovery, Options{Limit: 30}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if requests != 1 {
		t.Errorf("expected 1 gateway request, got %d", requests)
	}
	if subs.openCount() != 0 {
		t.Error("gateway path must not open relay subscriptions")
	}
	if len(delivered) != 2 {
		t.Errorf("expected 2 delivered events, got %v", delivered)
	}
	if got := c.Oldest(Discovery); got != 900 {
		t.Errorf("expected oldest anchor 900, got %d", got)
	}
}

func TestGatewaySkippedForPersonalizedFeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("personalized feed must never hit the gateway")
	}))
	defer srv.Close()

	gw := gateway.New(&config.Gateway{Enabled: true, URL: srv.URL, TimeoutMs: 2000},
		ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard))
	c, subs := testCoordinator(testConfig(), defaultRelaySet(), gw, nil)
	ctx := context.Background()

	if err := c.Subscribe(ctx, Home, Options{Authors: []string{"aaa"}, Limit: 30}); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, Profile, Options{Authors: []string{"aaa"}, Limit: 30}); err != nil {
		t.Fatal(err)
	}
	if subs.openCount() != 2 {
		t.Errorf("expected 2 relay subscriptions, got %d", subs.openCount())
	}
}

func TestGatewaySkippedForCustomRelaySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("custom relay set must never hit the gateway")
	}))
	defer srv.Close()

	gw := gateway.New(&config.Gateway{Enabled: true, URL: srv.URL, TimeoutMs: 2000},
		ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard))
	relays := &fakeRelays{urls: []string{"wss://relay.loopvine.net", "wss://other.example.com"}}
	c, subs := testCoordinator(testConfig(), relays, gw, nil)

	if err := c.Subscribe(context.Background(), Discovery, Options{Limit: 30}); err != nil {
		t.Fatal(err)
	}
	if subs.openCount() != 1 {
		t.Errorf("expected relay path, got %d opens", subs.openCount())
	}
}

func TestGatewayFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	gw := gateway.New(&config.Gateway{Enabled: true, URL: srv.URL, TimeoutMs: 2000},
		ops.NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard))
	c, subs := testCoordinator(testConfig(), defaultRelaySet(), gw, nil)

	// The gateway error is absorbed; the relay path serves the feed
	if err := c.Subscribe(context.Background(), Discovery, Options{Limit: 30}); err != nil {
		t.Fatalf("fallback must not surface the gateway error: %v", err)
	}
	if subs.openCount() != 1 {
		t.Errorf("expected relay fallback subscription, got %d", subs.openCount())
	}
}

func TestLoadMoreAnchorsAtOldest(t *testing.T) {
	c, subs := testCoordinator(testConfig(), defaultRelaySet(), nil, nil)
	ctx := context.Background()

	if err := c.Subscribe(ctx, Discovery, Options{Limit: 30}); err != nil {
		t.Fatal(err)
	}

	// Deliver a full page through the subscription callbacks
	first := subs.lastOpen(t)
	for i := 0; i < 30; i++ {
		first.OnEvent(&nostr.Event{
			ID:        fmt.Sprintf("ev%d", i),
			CreatedAt: nostr.Timestamp(1000 - i),
			Kind:      22,
		})
	}
	first.OnComplete()

	if !c.HasMore(Discovery) {
		t.Fatal("expected hasMore after a full page")
	}

	if err := c.LoadMore(ctx, Discovery, 30); err != nil {
		t.Fatal(err)
	}
	page2 := subs.lastOpen(t)
	if page2.Filters[0].Until == nil || *page2.Filters[0].Until != 971 {
		t.Errorf("expected until=971, got %v", page2.Filters[0].Until)
	}
}

func TestLoadMoreResetStillAnchorsAtOldest(t *testing.T) {
	cfg := testConfig()
	c, subs := testCoordinator(cfg, defaultRelaySet(), nil, nil)
	ctx := context.Background()

	if err := c.Subscribe(ctx, Discovery, Options{Limit: 30}); err != nil {
		t.Fatal(err)
	}

	// A short page flips hasMore off
	first := subs.lastOpen(t)
	first.OnEvent(&nostr.Event{ID: "ev1", CreatedAt: 800, Kind: 22})
	first.OnComplete()

	if c.HasMore(Discovery) {
		t.Fatal("expected hasMore false after a short page")
	}

	// The post-reset fetch must request strictly older content, not "now"
	if err := c.LoadMore(ctx, Discovery, 30); err != nil {
		t.Fatal(err)
	}
	if !c.HasMore(Discovery) {
		t.Error("LoadMore after exhaustion must reset pagination state")
	}
	next := subs.lastOpen(t)
	if next.Filters[0].Until == nil || *next.Filters[0].Until != 800 {
		t.Errorf("reset fetch must anchor at oldest, got %v", next.Filters[0].Until)
	}
}

func TestSubscribeReplacesPreviousSub(t *testing.T) {
	c, subs := testCoordinator(testConfig(), defaultRelaySet(), nil, nil)
	ctx := context.Background()

	if err := c.Subscribe(ctx, Discovery, Options{Limit: 30}); err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe(ctx, Discovery, Options{Hashtags: []string{"skate"}, Limit: 30}); err != nil {
		t.Fatal(err)
	}

	subs.mu.Lock()
	defer subs.mu.Unlock()
	if len(subs.cancelled) != 1 {
		t.Errorf("expected previous subscription cancelled, got %v", subs.cancelled)
	}
}

func TestLoadMoreBeforeSubscribe(t *testing.T) {
	c, subs := testCoordinator(testConfig(), defaultRelaySet(), nil, nil)

	if err := c.LoadMore(context.Background(), Discovery, 30); err != nil {
		t.Fatalf("LoadMore on an unstarted feed must be a no-op: %v", err)
	}
	if subs.openCount() != 0 {
		t.Error("no subscription expected before Subscribe")
	}
}
