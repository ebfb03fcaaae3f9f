package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/kv"
	"github.com/sandwichfarm/syncr/internal/ops"
)

// ErrInvalidEvent is returned when a publish target is missing a required
// identifier or signature.
var ErrInvalidEvent = errors.New("event is missing required fields")

// ErrTooManySubscriptions is returned when the concurrent subscription
// limit from relay policy is reached.
var ErrTooManySubscriptions = errors.New("too many concurrent subscriptions")

const relayListKey = "relays:list"

// conn tracks a single relay connection. Connections are managed
// independently so one relay's failure never blocks the others.
type conn struct {
	url string

	mu    sync.Mutex
	state ConnState
	relay *nostr.Relay

	// injectable transports for tests
	publish   func(ctx context.Context, ev nostr.Event) error
	subscribe func(ctx context.Context, filters nostr.Filters) (*Sub, error)
}

func (c *conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *conn) getState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publish != nil || c.subscribe != nil {
		return c.state == StateConnected
	}
	return c.state == StateConnected && c.relay != nil && c.relay.IsConnected()
}

func (c *conn) doPublish(ctx context.Context, ev nostr.Event) error {
	c.mu.Lock()
	publish := c.publish
	rl := c.relay
	c.mu.Unlock()

	if publish != nil {
		return publish(ctx, ev)
	}
	if rl == nil {
		return fmt.Errorf("not connected")
	}
	return rl.Publish(ctx, ev)
}

// Pool manages connections to a persisted set of relays
type Pool struct {
	cfg   *config.Relays
	store kv.Store
	log   *ops.Logger

	mu    sync.RWMutex
	conns map[string]*conn

	capsMu sync.Mutex
	caps   map[string]*Capabilities

	subsMu     sync.Mutex
	activeSubs int

	// authFunc, when set, runs after the websocket handshake and before the
	// connection is considered usable (NIP-42).
	authFunc func(ctx context.Context, rl *nostr.Relay) error

	// dialFunc is replaceable in tests
	dialFunc func(ctx context.Context, url string) (*nostr.Relay, error)

	closeOnce sync.Once
}

// SetAuthHandler installs a hook that authenticates each connection after the
// websocket handshake (NIP-42). Call before Connect.
func (p *Pool) SetAuthHandler(fn func(ctx context.Context, rl *nostr.Relay) error) {
	p.mu.Lock()
	p.authFunc = fn
	p.mu.Unlock()
}

// NewPool creates a pool from the persisted relay list, falling back to the
// configured seeds. Retired relay URLs are dropped on load; if that leaves
// the set empty the canonical default relay is substituted.
func NewPool(ctx context.Context, cfg *config.Relays, store kv.Store, logger *ops.Logger) (*Pool, error) {
	p := &Pool{
		cfg:   cfg,
		store: store,
		log:   logger.WithComponent("relay"),
		conns: make(map[string]*conn),
		caps:  make(map[string]*Capabilities),
		dialFunc: func(ctx context.Context, url string) (*nostr.Relay, error) {
			return nostr.RelayConnect(ctx, url)
		},
	}

	urls, err := p.loadRelayList(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range urls {
		p.conns[u] = &conn{url: u, state: StateDisconnected}
	}

	return p, nil
}

// loadRelayList reads the persisted relay set, applies the retired-URL
// migration, and writes the result back.
func (p *Pool) loadRelayList(ctx context.Context) ([]string, error) {
	var urls []string

	data, ok, err := p.store.Get(ctx, relayListKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load relay list: %w", err)
	}
	if ok {
		if err := json.Unmarshal(data, &urls); err != nil {
			return nil, fmt.Errorf("failed to parse relay list: %w", err)
		}
	} else {
		urls = p.cfg.Seeds
	}

	retired := make(map[string]bool, len(p.cfg.Retired))
	for _, r := range p.cfg.Retired {
		retired[nostr.NormalizeURL(r)] = true
	}

	seen := make(map[string]bool, len(urls))
	migrated := make([]string, 0, len(urls))
	for _, u := range urls {
		u = nostr.NormalizeURL(u)
		if u == "" || retired[u] || seen[u] {
			continue
		}
		seen[u] = true
		migrated = append(migrated, u)
	}

	if len(migrated) == 0 {
		fallback := nostr.NormalizeURL(p.cfg.Default)
		p.log.Info("relay list empty after migration, substituting default",
			"default", fallback)
		migrated = []string{fallback}
	}

	if err := p.persistRelayList(ctx, migrated); err != nil {
		return nil, err
	}
	return migrated, nil
}

func (p *Pool) persistRelayList(ctx context.Context, urls []string) error {
	data, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("failed to encode relay list: %w", err)
	}
	if err := p.store.Set(ctx, relayListKey, data); err != nil {
		return fmt.Errorf("failed to persist relay list: %w", err)
	}
	return nil
}

func (p *Pool) snapshotURLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for u := range p.conns {
		urls = append(urls, u)
	}
	return urls
}

// Connect dials every relay in the pool asynchronously (best-effort)
func (p *Pool) Connect(ctx context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		go p.dial(ctx, c)
	}
}

// dial establishes a connection for one relay, tracking its state
func (p *Pool) dial(ctx context.Context, c *conn) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateAuthenticating {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	p.mu.RLock()
	auth := p.authFunc
	p.mu.RUnlock()

	tctx, cancel := context.WithTimeout(ctx, p.cfg.Policy.ConnectTimeout())
	defer cancel()

	rl, err := p.dialFunc(tctx, c.url)
	if err != nil {
		c.setState(StateError)
		p.log.LogRelayConnection(c.url, false, err)
		return
	}

	if auth != nil {
		c.setState(StateAuthenticating)
		if err := auth(tctx, rl); err != nil {
			rl.Close()
			c.setState(StateError)
			p.log.LogRelayConnection(c.url, false, err)
			return
		}
	}

	c.mu.Lock()
	c.relay = rl
	c.state = StateConnected
	c.mu.Unlock()
	p.log.LogRelayConnection(c.url, true, nil)
}

// ensure returns a usable connection for the URL, dialing synchronously if
// necessary (best-effort reconnect).
func (p *Pool) ensure(ctx context.Context, url string) (*conn, error) {
	p.mu.RLock()
	c, ok := p.conns[url]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown relay: %s", url)
	}
	if c.isConnected() {
		return c, nil
	}
	// Test doubles never dial
	if c.publish != nil || c.subscribe != nil {
		return nil, fmt.Errorf("relay not connected: %s", url)
	}

	p.dial(ctx, c)
	if !c.isConnected() {
		return nil, fmt.Errorf("relay not connected: %s", url)
	}
	return c, nil
}

// AddRelay adds a relay to the persisted set and begins connecting to it.
// Duplicate adds are no-ops.
func (p *Pool) AddRelay(ctx context.Context, url string) error {
	url = nostr.NormalizeURL(url)
	if url == "" {
		return fmt.Errorf("invalid relay url")
	}

	p.mu.Lock()
	if _, exists := p.conns[url]; exists {
		p.mu.Unlock()
		return nil
	}
	c := &conn{url: url, state: StateDisconnected}
	p.conns[url] = c
	p.mu.Unlock()

	if err := p.persistRelayList(ctx, p.snapshotURLs()); err != nil {
		return err
	}

	go p.dial(ctx, c)
	return nil
}

// RemoveRelay disconnects a relay and removes it from the persisted set
func (p *Pool) RemoveRelay(ctx context.Context, url string) error {
	url = nostr.NormalizeURL(url)

	p.mu.Lock()
	c, exists := p.conns[url]
	if exists {
		delete(p.conns, url)
	}
	p.mu.Unlock()

	if !exists {
		return nil
	}

	c.mu.Lock()
	if c.relay != nil {
		c.relay.Close()
		c.relay = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	return p.persistRelayList(ctx, p.snapshotURLs())
}

// Endpoints returns a snapshot of every relay and its connection state
func (p *Pool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	eps := make([]Endpoint, 0, len(p.conns))
	for _, c := range p.conns {
		eps = append(eps, Endpoint{URL: c.url, State: c.getState()})
	}
	return eps
}

// ConnectedRelays returns the URLs of currently connected relays
func (p *Pool) ConnectedRelays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	urls := make([]string, 0, len(p.conns))
	for _, c := range p.conns {
		if c.isConnected() {
			urls = append(urls, c.url)
		}
	}
	return urls
}

// RelayURLs returns every relay in the pool regardless of connection state
func (p *Pool) RelayURLs() []string {
	return p.snapshotURLs()
}

// Broadcast fans the event out to every connected relay concurrently and
// waits for all outcomes (bounded by the per-relay publish timeout). It never
// aborts early: per-relay failures are captured in the result, not returned
// as errors.
func (p *Pool) Broadcast(ctx context.Context, ev *nostr.Event) (*BroadcastResult, error) {
	if ev == nil || ev.ID == "" {
		return nil, ErrInvalidEvent
	}

	p.mu.RLock()
	targets := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		if c.isConnected() {
			targets = append(targets, c)
		}
	}
	p.mu.RUnlock()

	result := &BroadcastResult{
		Event:           ev,
		PerRelayOutcome: make(map[string]bool, len(targets)),
		PerRelayError:   make(map[string]string, len(targets)),
	}

	var wg sync.WaitGroup
	var resultMu sync.Mutex

	for _, c := range targets {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, p.cfg.Policy.PublishTimeout())
			defer cancel()

			err := c.doPublish(cctx, *ev)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				result.PerRelayOutcome[c.url] = false
				result.PerRelayError[c.url] = err.Error()
			} else {
				result.PerRelayOutcome[c.url] = true
			}
		}(c)
	}

	wg.Wait()

	p.log.LogBroadcast(ev.ID, result.SuccessCount(), result.AttemptCount())
	return result, nil
}

// Close disconnects every relay. Double-close is a no-op.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.conns {
			c.mu.Lock()
			if c.relay != nil {
				c.relay.Close()
				c.relay = nil
			}
			c.state = StateDisconnected
			c.mu.Unlock()
		}
	})
}
