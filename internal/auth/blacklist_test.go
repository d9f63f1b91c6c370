package auth

import (
	"testing"
	"time"
)

func TestBlacklist(t *testing.T) {
	b := NewBlacklist()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	b.Add("jti-1", now.Add(time.Hour))
	b.Add("", now.Add(time.Hour)) // ignored

	if !b.Contains("jti-1", now) {
		t.Fatal("jti-1 should be revoked")
	}
	if b.Contains("jti-2", now) {
		t.Fatal("jti-2 was never revoked")
	}
	if b.Contains("jti-1", now.Add(2*time.Hour)) {
		t.Fatal("revocation must lapse with the token's expiry")
	}
	if b.Len() != 1 {
		t.Fatalf("len = %d", b.Len())
	}

	if removed := b.Sweep(now.Add(2 * time.Hour)); removed != 1 {
		t.Fatalf("swept %d, want 1", removed)
	}
	if b.Len() != 0 {
		t.Fatalf("len after sweep = %d", b.Len())
	}
}

func TestBlacklistStopIdempotent(t *testing.T) {
	b := NewBlacklist()
	b.StartSweeper(time.Minute)
	b.Stop()
	b.Stop()
}
