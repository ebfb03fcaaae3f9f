package sub

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/sandwichfarm/syncr/internal/relay"
)

// Fingerprint derives a canonical identity for a subscription from its feed
// type and filter set. Author and hashtag order is irrelevant: permuted
// lists yield the same fingerprint. Limits are bucketed so small paging
// differences still collapse to one subscription.
func Fingerprint(feedType string, filters []relay.Filter) string {
	var authors, hashtags []string
	var sortField string
	limit := 0

	for _, f := range filters {
		authors = append(authors, f.Authors...)
		hashtags = append(hashtags, f.Tags["t"]...)
		if f.Sort != nil && sortField == "" {
			sortField = f.Sort.Field
		}
		if f.Limit > limit {
			limit = f.Limit
		}
	}

	h := sha256.New()
	h.Write([]byte(feedType))
	h.Write([]byte{0})
	h.Write([]byte(canonicalList(authors)))
	h.Write([]byte{0})
	h.Write([]byte(canonicalList(hashtags)))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(sortField)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(limitBucket(limit))))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalList lowercases, de-duplicates, and sorts a list so its
// fingerprint contribution is order-independent.
func canonicalList(items []string) string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func limitBucket(limit int) int {
	switch {
	case limit <= 0:
		return 0
	case limit <= 25:
		return 25
	case limit <= 50:
		return 50
	case limit <= 100:
		return 100
	default:
		return ((limit + 99) / 100) * 100
	}
}
