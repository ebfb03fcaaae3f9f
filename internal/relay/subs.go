package relay

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// Sub is a live subscription on a single relay. Events arrive on Events
// until the subscription is cancelled; EOSE fires once when the relay has
// delivered all stored events matching the filters.
type Sub struct {
	Relay  string
	Events <-chan *nostr.Event
	EOSE   <-chan struct{}

	cancelOnce sync.Once
	cancel     func()
}

// Cancel stops the subscription. Safe to call more than once.
func (s *Sub) Cancel() {
	s.cancelOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// SubscribeRelay opens a subscription on one relay. The filters are sent on
// the wire as-is; callers strip client-side filter extensions first (see
// Filter.NostrFilters). Subscriptions count against the configured
// concurrency limit until cancelled.
func (p *Pool) SubscribeRelay(ctx context.Context, url string, filters nostr.Filters) (*Sub, error) {
	url = nostr.NormalizeURL(url)

	if err := p.acquireSub(); err != nil {
		return nil, err
	}

	c, err := p.ensure(ctx, url)
	if err != nil {
		p.releaseSub()
		return nil, err
	}

	sub, err := p.openSub(ctx, c, filters)
	if err != nil {
		p.releaseSub()
		return nil, err
	}

	inner := sub.cancel
	sub.cancel = func() {
		if inner != nil {
			inner()
		}
		p.releaseSub()
	}
	return sub, nil
}

func (p *Pool) openSub(ctx context.Context, c *conn, filters nostr.Filters) (*Sub, error) {
	c.mu.Lock()
	subscribe := c.subscribe
	rl := c.relay
	c.mu.Unlock()

	if subscribe != nil {
		return subscribe(ctx, filters)
	}

	sub, err := rl.Subscribe(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &Sub{
		Relay:  c.url,
		Events: sub.Events,
		EOSE:   sub.EndOfStoredEvents,
		cancel: sub.Unsub,
	}, nil
}

func (p *Pool) acquireSub() error {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.cfg.Policy.MaxConcurrentSubs > 0 && p.activeSubs >= p.cfg.Policy.MaxConcurrentSubs {
		return ErrTooManySubscriptions
	}
	p.activeSubs++
	return nil
}

func (p *Pool) releaseSub() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if p.activeSubs > 0 {
		p.activeSubs--
	}
}
