package credential

import (
	"testing"
	"time"
)

func TestKeychainMintAndVerify(t *testing.T) {
	k := NewKeychain(nil, []byte("test-signing-key"), time.Minute)

	token, err := k.assertionFor("stripe-oauth")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	name, err := k.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if name != "stripe-oauth" {
		t.Fatalf("expected stripe-oauth, got %s", name)
	}
}

func TestKeychainCachesUntilRefreshWindow(t *testing.T) {
	k := NewKeychain(nil, []byte("test-signing-key"), time.Hour)

	first, err := k.assertionFor("svc-a")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	second, err := k.assertionFor("svc-a")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if first != second {
		t.Fatal("expected cached assertion to be reused well before its refresh window")
	}
}

func TestKeychainVerifyRejectsForeignToken(t *testing.T) {
	a := NewKeychain(nil, []byte("key-a"), time.Minute)
	b := NewKeychain(nil, []byte("key-b"), time.Minute)

	token, err := a.assertionFor("x")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := b.Verify(token); err == nil {
		t.Fatal("expected verification to fail across different signing keys")
	}
}
