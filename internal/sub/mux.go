package sub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/singleflight"

	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/relay"
)

// ErrNotConnected is returned when open is attempted with zero connected
// relays. No network request is made.
var ErrNotConnected = errors.New("no connected relays")

// ErrDuplicateSubscription is returned by an exclusive open when a live
// subscription with the same fingerprint already exists.
var ErrDuplicateSubscription = errors.New("subscription already active")

// State is the lifecycle of a subscription
type State int

const (
	StatePending State = iota
	StateActive
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Transport provides per-relay subscriptions. *relay.Pool satisfies this.
type Transport interface {
	ConnectedRelays() []string
	SubscribeRelay(ctx context.Context, url string, filters nostr.Filters) (*relay.Sub, error)
}

// OpenParams describes a subscription request
type OpenParams struct {
	Type    string
	Filters []relay.Filter

	OnEvent    func(*nostr.Event)
	OnError    func(error)
	OnComplete func()

	// Timeout bounds the wait for end-of-stored-events; zero means no
	// deadline. Live events keep flowing after completion either way.
	Timeout  time.Duration
	Priority int

	// Exclusive makes a fingerprint collision an error instead of reusing
	// the existing subscription.
	Exclusive bool
}

// Subscription is one logical subscription fanned out across every connected
// relay, with cross-relay duplicate events collapsed before delivery.
type Subscription struct {
	ID          string
	Type        string
	Fingerprint string
	Priority    int

	mu    sync.Mutex
	state State

	cancelCtx context.CancelFunc
	relaySubs []*relay.Sub
}

// State returns the subscription's current lifecycle state
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// item is the internal fan-in unit: either an event or a per-relay EOSE marker
type item struct {
	ev   *nostr.Event
	eose bool
}

// Mux de-duplicates subscription opens by fingerprint and enforces one live
// subscription per feed type.
type Mux struct {
	transport Transport
	log       *ops.Logger

	// identical concurrent opens collapse to one relay request
	group singleflight.Group

	mu            sync.Mutex
	byID          map[string]*Subscription
	byFingerprint map[string]*Subscription
	byType        map[string]*Subscription

	bufSize int
}

// NewMux creates a multiplexer over the given transport
func NewMux(transport Transport, logger *ops.Logger) *Mux {
	return &Mux{
		transport:     transport,
		log:           logger.WithComponent("sub"),
		byID:          make(map[string]*Subscription),
		byFingerprint: make(map[string]*Subscription),
		byType:        make(map[string]*Subscription),
		bufSize:       64,
	}
}

// Open creates (or reuses) a subscription for the given parameters and
// returns its id. Concurrent opens with the same fingerprint resolve to a
// single subscription. Opening a subscription for a type that already has a
// live one with different parameters cancels the old subscription first.
func (m *Mux) Open(ctx context.Context, params OpenParams) (string, error) {
	fp := Fingerprint(params.Type, params.Filters)

	v, err, _ := m.group.Do(fp, func() (interface{}, error) {
		return m.open(ctx, fp, params)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Mux) open(ctx context.Context, fp string, params OpenParams) (interface{}, error) {
	m.mu.Lock()
	if existing, ok := m.byFingerprint[fp]; ok && existing.State() != StateCancelled {
		m.mu.Unlock()
		if params.Exclusive {
			return "", ErrDuplicateSubscription
		}
		return existing.ID, nil
	}
	m.mu.Unlock()

	relays := m.transport.ConnectedRelays()
	if len(relays) == 0 {
		return "", ErrNotConnected
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ID:          uuid.New().String(),
		Type:        params.Type,
		Fingerprint: fp,
		Priority:    params.Priority,
		state:       StatePending,
		cancelCtx:   cancel,
	}

	wireFilters := relay.NostrFilters(params.Filters)
	items := make(chan item, m.bufSize)

	opened := 0
	for _, url := range relays {
		rs, err := m.transport.SubscribeRelay(subCtx, url, wireFilters)
		if err != nil {
			m.log.Warn("relay subscribe failed", "relay", url, "error", err)
			continue
		}
		s.relaySubs = append(s.relaySubs, rs)
		opened++
		go pump(subCtx, rs, items)
	}
	if opened == 0 {
		cancel()
		return "", ErrNotConnected
	}

	s.setState(StateActive)

	// Register and displace the previous subscription of this type in one
	// critical section so concurrent opens cannot both survive. The displaced
	// subscription is cancelled after the swap; Cancel is idempotent and its
	// map cleanup checks identity, so it never removes the replacement.
	m.mu.Lock()
	displaced := m.byType[params.Type]
	m.byID[s.ID] = s
	m.byFingerprint[fp] = s
	m.byType[params.Type] = s
	m.mu.Unlock()

	if displaced != nil {
		m.Cancel(displaced.ID)
	}

	m.log.Debug("subscription opened",
		"id", s.ID, "type", s.Type, "relays", opened)

	go m.dispatch(subCtx, s, params, items, opened)

	return s.ID, nil
}

// pump forwards one relay's events and EOSE marker into the shared fan-in
// channel. Sends block when the consumer is slow; cancellation is the only
// escape, so no events are dropped.
func pump(ctx context.Context, rs *relay.Sub, items chan<- item) {
	eose := rs.EOSE
	for {
		select {
		case <-ctx.Done():
			rs.Cancel()
			return
		case ev, ok := <-rs.Events:
			if !ok {
				return
			}
			select {
			case items <- item{ev: ev}:
			case <-ctx.Done():
				rs.Cancel()
				return
			}
		case <-eose:
			eose = nil
			select {
			case items <- item{eose: true}:
			case <-ctx.Done():
				rs.Cancel()
				return
			}
		}
	}
}

// dispatch is the single consumer for a subscription: it collapses events
// already seen on another relay, counts per-relay EOSE markers, and fires
// the completion callback exactly once.
func (m *Mux) dispatch(ctx context.Context, s *Subscription, params OpenParams, items <-chan item, relayCount int) {
	seen := make(map[string]bool)
	eoseCount := 0
	completed := false

	complete := func() {
		if completed {
			return
		}
		completed = true
		s.setState(StateCompleted)
		if params.OnComplete != nil {
			params.OnComplete()
		}
	}

	var deadline <-chan time.Time
	if params.Timeout > 0 {
		t := time.NewTimer(params.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			deadline = nil
			if params.OnError != nil {
				params.OnError(context.DeadlineExceeded)
			}
			complete()
		case it := <-items:
			if it.eose {
				eoseCount++
				if eoseCount >= relayCount {
					complete()
				}
				continue
			}
			if it.ev == nil || seen[it.ev.ID] {
				continue
			}
			seen[it.ev.ID] = true
			if params.OnEvent != nil {
				params.OnEvent(it.ev)
			}
		}
	}
}

// Cancel stops a subscription and releases its relay subscriptions.
// Cancelling an unknown id is a no-op.
func (m *Mux) Cancel(id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		if m.byFingerprint[s.Fingerprint] == s {
			delete(m.byFingerprint, s.Fingerprint)
		}
		if m.byType[s.Type] == s {
			delete(m.byType, s.Type)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	s.setState(StateCancelled)
	s.cancelCtx()
	for _, rs := range s.relaySubs {
		rs.Cancel()
	}
	m.log.Debug("subscription cancelled", "id", id, "type", s.Type)
}

// Get returns the subscription for an id, if it is still registered
func (m *Mux) Get(id string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// Close cancels every live subscription
func (m *Mux) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}
}
