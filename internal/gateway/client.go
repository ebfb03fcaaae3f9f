package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/syncr/internal/config"
	"github.com/sandwichfarm/syncr/internal/ops"
	"github.com/sandwichfarm/syncr/internal/relay"
)

// ErrUnavailable signals the gateway could not serve the request. Callers
// fall back to direct relay subscriptions without surfacing this error.
var ErrUnavailable = errors.New("gateway unavailable")

// Response is the gateway's answer to a feed query. The gateway resolves the
// whole filter set server-side, so a response is a complete, sorted page.
type Response struct {
	Events          []*nostr.Event `json:"events"`
	EOSE            bool           `json:"eose"`
	Complete        bool           `json:"complete"`
	Cached          bool           `json:"cached"`
	CacheAgeSeconds int            `json:"cache_age_seconds"`
}

// Client queries the HTTP read-through gateway
type Client struct {
	cfg  *config.Gateway
	http *http.Client
	log  *ops.Logger
}

// New creates a gateway client. Returns nil when no gateway is configured;
// callers treat a nil client as "gateway path unavailable".
func New(cfg *config.Gateway, logger *ops.Logger) *Client {
	if cfg == nil || !cfg.Enabled || cfg.URL == "" {
		return nil
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout()},
		log:  logger.WithComponent("gateway"),
	}
}

// queryRequest is the wire form of a gateway feed query. Filters keep their
// client-side extensions (sort) since the gateway understands them.
type queryRequest struct {
	Filters []relay.Filter `json:"filters"`
}

// Query sends the filter set to the gateway and returns its resolved page.
// Any transport failure or non-2xx status maps to ErrUnavailable.
func (c *Client) Query(ctx context.Context, filters []relay.Filter) (*Response, error) {
	body, err := json.Marshal(queryRequest{Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("gateway request failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug("gateway returned error status", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: bad response: %v", ErrUnavailable, err)
	}

	return &out, nil
}
