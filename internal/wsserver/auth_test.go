package wsserver

import (
	"context"
	"testing"
	"time"
)

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"secret", "secret", true},
		{"secret", "wrong", false},
		{"secret", "sec", false},
		{"", "", true},
		{"a", "", false},
	}
	for _, c := range cases {
		if got := constantTimeEqual(c.a, c.b); got != c.want {
			t.Errorf("constantTimeEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(context.Background(), "T", false, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestValidateToken_AcceptsConfiguredSecret(t *testing.T) {
	a := newTestAuthenticator(t)
	if !a.ValidateToken("T") {
		t.Error("expected configured token to validate")
	}
	if a.ValidateToken("wrong") {
		t.Error("expected wrong token to be rejected")
	}
}

func TestValidateToken_NoAuthAlwaysPasses(t *testing.T) {
	a, err := NewAuthenticator(context.Background(), "", true, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !a.ValidateToken("anything") {
		t.Error("expected no-auth mode to accept any token")
	}
}

func TestRateLimit_BlocksAfterFiveFailures(t *testing.T) {
	a := newTestAuthenticator(t)
	addr := "10.0.0.5"

	for i := 0; i < rateLimitThreshold; i++ {
		if a.Blocked(addr) {
			t.Fatalf("should not be blocked before threshold, attempt %d", i+1)
		}
		a.RecordFailure(addr)
	}
	if !a.Blocked(addr) {
		t.Error("expected address to be blocked after 5 consecutive failures")
	}
}

func TestRateLimit_ClearOnSuccess(t *testing.T) {
	a := newTestAuthenticator(t)
	addr := "10.0.0.5"
	for i := 0; i < rateLimitThreshold; i++ {
		a.RecordFailure(addr)
	}
	a.ClearFailures(addr)
	if a.Blocked(addr) {
		t.Error("expected block to clear after ClearFailures")
	}
}

func TestRateLimit_BlockDurationCapped(t *testing.T) {
	a := newTestAuthenticator(t)
	addr := "10.0.0.6"
	for i := 0; i < 10; i++ {
		a.RecordFailure(addr)
	}
	a.mu.Lock()
	block := time.Until(a.failures[addr].blockUntil)
	a.mu.Unlock()
	if block > rateLimitMaxBlock+time.Second {
		t.Errorf("block duration %v exceeds cap %v", block, rateLimitMaxBlock)
	}
}
