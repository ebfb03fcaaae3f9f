package feed

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/gateway"
	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/relay"
	"github.com/sandwichfarm/syncr/internal/sub"
)

// Type identifies a feed
type Type string

const (
	Discovery Type = "discovery"
	Home      Type = "home"
	Hashtag   Type = "hashtag"
	Profile   Type = "profile"
)

// Personalized feeds depend on the caller's identity and always use the live
// relay connection, never the shared gateway cache.
func (t Type) Personalized() bool {
	return t == Home || t == Profile
}

// Options parameterize a feed subscription
type Options struct {
	Authors  []string
	Hashtags []string
	SortBy   string
	Limit    int
}

// Subscriber opens and cancels multiplexed subscriptions. *sub.Mux
// satisfies this.
type Subscriber interface {
	Open(ctx context.Context, params sub.OpenParams) (string, error)
	Cancel(id string)
}

// RelaySource exposes the relay set and its probed capabilities.
// *relay.Pool satisfies this.
type RelaySource interface {
	RelayURLs() []string
	ConnectedRelays() []string
	GetCapabilities(ctx context.Context, url string) *relay.Capabilities
}

// state tracks pagination for one feed type
type state struct {
	subID    string
	opts     Options
	oldest   nostr.Timestamp
	hasMore  bool
	started  bool
	received int
}

// Coordinator routes feed requests between the HTTP gateway and direct relay
// subscriptions, and owns per-feed pagination cursors.
type Coordinator struct {
	cfg    *config.Config
	subs   Subscriber
	relays RelaySource
	gw     *gateway.Client
	log    *ops.Logger

	// handler receives every feed event, deduplicated upstream
	handler func(*nostr.Event)

	mu     sync.Mutex
	states map[Type]*state
}

// New creates a coordinator. gw may be nil when no gateway is configured.
func New(cfg *config.Config, subs Subscriber, relays RelaySource, gw *gateway.Client, handler func(*nostr.Event), logger *ops.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		subs:    subs,
		relays:  relays,
		gw:      gw,
		log:     logger.WithComponent("feed"),
		handler: handler,
		states:  make(map[Type]*state),
	}
}

// Subscribe starts (or restarts) a feed. Events are delivered to the
// coordinator's handler; errors on the gateway path are absorbed by falling
// back to the relay path.
func (c *Coordinator) Subscribe(ctx context.Context, t Type, opts Options) error {
	if opts.Limit <= 0 {
		opts.Limit = c.cfg.Sync.Pagination.DefaultLimit
	}

	c.mu.Lock()
	st := &state{opts: opts, hasMore: true, started: true}
	old := c.states[t]
	c.states[t] = st
	c.mu.Unlock()

	if old != nil && old.subID != "" {
		c.subs.Cancel(old.subID)
	}

	filters := c.buildFilters(ctx, t, opts, 0)

	if c.useGateway(t) {
		if err := c.queryGateway(ctx, t, st, filters, opts.Limit); err == nil {
			return nil
		}
		// fall through to the relay path
	}

	return c.openRelaySub(ctx, t, st, filters, opts.Limit)
}

// LoadMore fetches the next page for a feed, anchored at the oldest event
// seen so far. After an exhausted page the pagination state resets, but the
// anchor stays at the oldest known timestamp so strictly older content is
// requested rather than the same window again.
func (c *Coordinator) LoadMore(ctx context.Context, t Type, limit int) error {
	c.mu.Lock()
	st, ok := c.states[t]
	if !ok || !st.started {
		c.mu.Unlock()
		return nil
	}
	if limit <= 0 {
		limit = c.cfg.Sync.Pagination.DefaultLimit
	}
	if !st.hasMore {
		st.hasMore = true
		st.received = 0
	}
	opts := st.opts
	until := st.oldest
	c.mu.Unlock()

	filters := c.buildFilters(ctx, t, opts, until)
	for i := range filters {
		filters[i].Limit = limit
	}

	if c.useGateway(t) {
		if err := c.queryGateway(ctx, t, st, filters, limit); err == nil {
			return nil
		}
	}

	return c.openRelaySub(ctx, t, st, filters, limit)
}

// HasMore reports whether the last page for a feed looked complete
func (c *Coordinator) HasMore(t Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[t]; ok {
		return st.hasMore
	}
	return false
}

// Oldest returns the pagination anchor for a feed (zero when nothing seen)
func (c *Coordinator) Oldest(t Type) nostr.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[t]; ok {
		return st.oldest
	}
	return 0
}

// useGateway decides the request path. The gateway only serves
// non-personalized feeds, and only while the relay set is exactly the
// canonical default relay; a customized relay set could hold events the
// shared cache has never seen.
func (c *Coordinator) useGateway(t Type) bool {
	if c.gw == nil || t.Personalized() {
		return false
	}
	urls := c.relays.RelayURLs()
	return len(urls) == 1 && urls[0] == nostr.NormalizeURL(c.cfg.Relays.Default)
}

func (c *Coordinator) queryGateway(ctx context.Context, t Type, st *state, filters []relay.Filter, limit int) error {
	resp, err := c.gw.Query(ctx, filters)
	if err != nil {
		c.log.LogGatewayFallback(string(t), err)
		return err
	}

	for _, ev := range resp.Events {
		c.recordEvent(t, st, ev)
		if c.handler != nil {
			c.handler(ev)
		}
	}

	c.mu.Lock()
	if c.states[t] == st {
		st.hasMore = c.pageLooksFull(len(resp.Events), limit)
	}
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) openRelaySub(ctx context.Context, t Type, st *state, filters []relay.Filter, limit int) error {
	count := 0
	var countMu sync.Mutex

	id, err := c.subs.Open(ctx, sub.OpenParams{
		Type:    string(t),
		Filters: filters,
		Timeout: c.cfg.Sync.SubTimeoutDuration(),
		OnEvent: func(ev *nostr.Event) {
			countMu.Lock()
			count++
			countMu.Unlock()
			c.recordEvent(t, st, ev)
			if c.handler != nil {
				c.handler(ev)
			}
		},
		OnComplete: func() {
			countMu.Lock()
			fetched := count
			countMu.Unlock()

			c.mu.Lock()
			if c.states[t] == st {
				st.hasMore = c.pageLooksFull(fetched, limit)
			}
			c.mu.Unlock()
		},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.states[t] == st {
		st.subID = id
	}
	c.mu.Unlock()
	return nil
}

// recordEvent advances the pagination anchor to the oldest createdAt seen
func (c *Coordinator) recordEvent(t Type, st *state, ev *nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states[t] != st {
		return
	}
	st.received++
	if st.oldest == 0 || ev.CreatedAt < st.oldest {
		st.oldest = ev.CreatedAt
	}
}

// pageLooksFull is the hasMore heuristic: a page materially smaller than
// requested means the window is exhausted.
func (c *Coordinator) pageLooksFull(fetched, limit int) bool {
	ratio := c.cfg.Sync.Pagination.HasMoreRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return float64(fetched) >= float64(limit)*ratio
}

// buildFilters constructs the filter set for a feed request. The sort
// extension is attached only when every relay in the set advertises the
// requested field; otherwise ordering falls back to arrival order.
func (c *Coordinator) buildFilters(ctx context.Context, t Type, opts Options, until nostr.Timestamp) []relay.Filter {
	f := relay.Filter{Filter: nostr.Filter{
		Kinds: c.feedKinds(t),
		Limit: opts.Limit,
	}}

	if len(opts.Authors) > 0 {
		f.Authors = opts.Authors
	}
	if len(opts.Hashtags) > 0 {
		f.Tags = nostr.TagMap{"t": opts.Hashtags}
	}
	if until > 0 {
		f.Until = &until
	}
	if opts.SortBy != "" && c.relaysSupportSort(ctx, opts.SortBy) {
		f.Sort = &relay.SortClause{Field: opts.SortBy, Dir: "desc"}
	}

	return []relay.Filter{f}
}

func (c *Coordinator) feedKinds(t Type) []int {
	k := c.cfg.Sync.Kinds
	kinds := make([]int, 0, 3)
	if k.Videos {
		kinds = append(kinds, 21)
	}
	if k.Loops {
		kinds = append(kinds, 22)
	}
	if t == Home && k.Reposts {
		kinds = append(kinds, 6)
	}
	return kinds
}

func (c *Coordinator) relaysSupportSort(ctx context.Context, field string) bool {
	urls := c.relays.RelayURLs()
	if len(urls) == 0 {
		return false
	}
	for _, url := range urls {
		caps := c.relays.GetCapabilities(ctx, url)
		if caps == nil || !caps.SupportsSortField(field) {
			return false
		}
	}
	return true
}
