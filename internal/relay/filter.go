package relay

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

// SortClause is a protocol extension understood by the gateway and by relays
// that advertise sort_fields. Standard relays never see it: the pool strips
// it before issuing a REQ, and the feed coordinator only attaches it when
// the target's probed capabilities include the field.
type SortClause struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

// Filter is a nostr filter plus the optional sort extension
type Filter struct {
	nostr.Filter
	Sort *SortClause
}

// MarshalJSON emits the standard filter object with the sort extension
// merged in as a top-level "sort" key.
func (f Filter) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(f.Filter)
	if err != nil {
		return nil, err
	}
	if f.Sort == nil {
		return base, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	sort, err := json.Marshal(f.Sort)
	if err != nil {
		return nil, err
	}
	obj["sort"] = sort
	return json.Marshal(obj)
}

// Nostr returns the standard-protocol part of the filter
func (f Filter) Nostr() nostr.Filter {
	return f.Filter
}

// NostrFilters strips extensions from a filter set for the wire
func NostrFilters(filters []Filter) nostr.Filters {
	out := make(nostr.Filters, 0, len(filters))
	for _, f := range filters {
		out = append(out, f.Filter)
	}
	return out
}
