package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
)

// Entity is a locally-mutable record awaiting publication. Its identity is
// stable across edits; the hash of its publishable content decides whether a
// publish is actually needed.
type Entity struct {
	ID        string
	Kind      int
	Content   string
	Tags      nostr.Tags
	CreatedAt nostr.Timestamp
}

// ContentHash digests the publishable parts of an entity. Two entities with
// the same kind, content, and tags hash identically regardless of timestamps,
// so a re-save without changes never triggers a publish.
func ContentHash(e *Entity) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(e.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(e.Content))
	for _, tag := range e.Tags {
		h.Write([]byte{0})
		for i, v := range tag {
			if i > 0 {
				h.Write([]byte{1})
			}
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
