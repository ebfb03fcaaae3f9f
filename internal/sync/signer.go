package sync

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Signer finalizes an event before publication: it sets pubkey, computes the
// id, and signs. It also encrypts and decrypts payloads addressed to a peer,
// so callers never touch key material directly.
type Signer interface {
	PubKey() string
	Sign(ctx context.Context, ev *nostr.Event) error
	Encrypt(peerPubkey, plaintext string) (string, error)
	Decrypt(peerPubkey, ciphertext string) (string, error)
}

// LocalSigner signs with an in-process secret key
type LocalSigner struct {
	sk     string
	pubkey string
}

// NewLocalSigner creates a signer from a hex-encoded secret key
func NewLocalSigner(secretKey string) (*LocalSigner, error) {
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &LocalSigner{sk: secretKey, pubkey: pubkey}, nil
}

// PubKey returns the public key the signer signs as
func (s *LocalSigner) PubKey() string {
	return s.pubkey
}

// Sign sets the event's pubkey and signature in place
func (s *LocalSigner) Sign(ctx context.Context, ev *nostr.Event) error {
	ev.PubKey = s.pubkey
	if err := ev.Sign(s.sk); err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	return nil
}

// Encrypt encrypts plaintext for the peer using NIP-44
func (s *LocalSigner) Encrypt(peerPubkey, plaintext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.sk)
	if err != nil {
		return "", fmt.Errorf("failed to derive conversation key: %w", err)
	}
	out, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	return out, nil
}

// Decrypt decrypts a NIP-44 payload from the peer
func (s *LocalSigner) Decrypt(peerPubkey, ciphertext string) (string, error) {
	key, err := nip44.GenerateConversationKey(peerPubkey, s.sk)
	if err != nil {
		return "", fmt.Errorf("failed to derive conversation key: %w", err)
	}
	out, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return out, nil
}
