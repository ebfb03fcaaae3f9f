package sync

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestNewLocalSignerRejectsBadKey(t *testing.T) {
	if _, err := NewLocalSigner("not-a-key"); err == nil {
		t.Error("expected error for malformed secret key")
	}
}

func TestLocalSignerSignsEvent(t *testing.T) {
	signer, err := NewLocalSigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatal(err)
	}

	ev := &nostr.Event{Kind: 22, Content: "loop", CreatedAt: nostr.Now()}
	if err := signer.Sign(context.Background(), ev); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if ev.PubKey != signer.PubKey() {
		t.Errorf("event pubkey %q, want %q", ev.PubKey, signer.PubKey())
	}
	if ev.ID == "" || ev.Sig == "" {
		t.Error("signed event must carry id and signature")
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		t.Errorf("signature must verify: ok=%v err=%v", ok, err)
	}
}

func TestLocalSignerEncryptRoundTrip(t *testing.T) {
	alice, err := NewLocalSigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatal(err)
	}
	bob, err := NewLocalSigner(nostr.GeneratePrivateKey())
	if err != nil {
		t.Fatal(err)
	}

	ct, err := alice.Encrypt(bob.PubKey(), "meet at the skate park")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ct == "meet at the skate park" {
		t.Error("ciphertext must differ from plaintext")
	}

	pt, err := bob.Decrypt(alice.PubKey(), ct)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if pt != "meet at the skate park" {
		t.Errorf("round trip produced %q", pt)
	}

	if _, err := bob.Decrypt(bob.PubKey(), "garbage"); err == nil {
		t.Error("expected error for malformed ciphertext")
	}
}
