package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NIP11RelayInfo represents a relay information document (NIP-11), including
// the nonstandard sort_fields extension some relays advertise.
type NIP11RelayInfo struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	PubKey        string   `json:"pubkey"`
	Contact       string   `json:"contact"`
	SupportedNIPs []int    `json:"supported_nips"`
	Software      string   `json:"software"`
	Version       string   `json:"version"`
	SortFields    []string `json:"sort_fields"`
}

// Capabilities holds what a relay advertised, cached with an expiry so
// probes are not repeated on every feed request.
type Capabilities struct {
	URL         string    `json:"url"`
	SortFields  []string  `json:"sort_fields"`
	Software    string    `json:"software"`
	Version     string    `json:"version"`
	LastChecked time.Time `json:"last_checked"`
	CheckExpiry time.Time `json:"check_expiry"`
}

// SupportsSortField reports whether the relay advertised server-side sorting
// on the given field.
func (c *Capabilities) SupportsSortField(field string) bool {
	for _, f := range c.SortFields {
		if f == field {
			return true
		}
	}
	return false
}

func capsKey(url string) string {
	return "relays:caps:" + url
}

// GetCapabilities returns the relay's capabilities, from cache when fresh,
// probing NIP-11 otherwise. A failed probe yields empty capabilities rather
// than an error: a relay with no info document simply supports nothing extra.
func (p *Pool) GetCapabilities(ctx context.Context, url string) *Capabilities {
	p.capsMu.Lock()
	if caps, ok := p.caps[url]; ok && time.Now().Before(caps.CheckExpiry) {
		p.capsMu.Unlock()
		return caps
	}
	p.capsMu.Unlock()

	if caps := p.loadCachedCapabilities(ctx, url); caps != nil {
		return caps
	}

	caps := &Capabilities{URL: url}
	info, err := fetchNIP11Info(ctx, url)
	if err != nil {
		p.log.Debug("capability probe failed", "relay", url, "error", err)
	} else {
		caps.SortFields = info.SortFields
		caps.Software = info.Software
		caps.Version = info.Version
	}

	caps.LastChecked = time.Now()
	caps.CheckExpiry = caps.LastChecked.Add(p.cfg.Policy.CapabilityTTL())

	p.cacheCapabilities(ctx, caps)
	return caps
}

// Invalidate drops cached capabilities for a relay, forcing a fresh probe on
// the next request.
func (p *Pool) Invalidate(ctx context.Context, url string) {
	p.capsMu.Lock()
	delete(p.caps, url)
	p.capsMu.Unlock()

	if err := p.store.Delete(ctx, capsKey(url)); err != nil {
		p.log.Warn("failed to drop cached capabilities", "relay", url, "error", err)
	}
}

func (p *Pool) loadCachedCapabilities(ctx context.Context, url string) *Capabilities {
	data, ok, err := p.store.Get(ctx, capsKey(url))
	if err != nil || !ok {
		return nil
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil
	}
	if !time.Now().Before(caps.CheckExpiry) {
		return nil
	}

	p.capsMu.Lock()
	p.caps[url] = &caps
	p.capsMu.Unlock()
	return &caps
}

func (p *Pool) cacheCapabilities(ctx context.Context, caps *Capabilities) {
	p.capsMu.Lock()
	p.caps[caps.URL] = caps
	p.capsMu.Unlock()

	data, err := json.Marshal(caps)
	if err != nil {
		return
	}
	if err := p.store.Set(ctx, capsKey(caps.URL), data); err != nil {
		p.log.Warn("failed to cache capabilities", "relay", caps.URL, "error", err)
	}
}

// fetchNIP11Info fetches the relay information document (NIP-11)
func fetchNIP11Info(ctx context.Context, wsURL string) (*NIP11RelayInfo, error) {
	// Convert ws:// or wss:// to http:// or https://
	httpURL := strings.Replace(wsURL, "ws://", "http://", 1)
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)

	req, err := http.NewRequestWithContext(ctx, "GET", httpURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/nostr+json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NIP-11 info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NIP-11 request failed: status %d", resp.StatusCode)
	}

	var info NIP11RelayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse NIP-11 response: %w", err)
	}

	return &info, nil
}
