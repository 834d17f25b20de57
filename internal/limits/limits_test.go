package limits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnectionRateLimiterGlobalBurst(t *testing.T) {
	c := NewConnectionRateLimiter(1, 2, 100, 100, time.Minute, zerolog.Nop())

	if !c.Allow("1.1.1.1") || !c.Allow("2.2.2.2") {
		t.Fatalf("expected first two connections within global burst to be allowed")
	}
	if c.Allow("3.3.3.3") {
		t.Fatalf("expected third connection to exceed global burst")
	}
}

func TestConnectionRateLimiterPerIPBurst(t *testing.T) {
	c := NewConnectionRateLimiter(1000, 1000, 1, 2, time.Minute, zerolog.Nop())

	if !c.Allow("9.9.9.9") || !c.Allow("9.9.9.9") {
		t.Fatalf("expected first two requests from the same IP within its burst to be allowed")
	}
	if c.Allow("9.9.9.9") {
		t.Fatalf("expected third request from the same IP to exceed its burst")
	}
	if !c.Allow("8.8.8.8") {
		t.Fatalf("a different IP should have its own bucket")
	}
}

func TestResourceGuardRejectsAtMaxConnections(t *testing.T) {
	var current int64 = 5
	rg := NewResourceGuard(5, 90, &current, zerolog.Nop())

	accept, reason := rg.ShouldAcceptConnection()
	if accept {
		t.Fatalf("expected rejection at max connections")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty rejection reason")
	}
}

func TestResourceGuardAcceptsUnderLimit(t *testing.T) {
	var current int64 = 1
	rg := NewResourceGuard(5, 90, &current, zerolog.Nop())

	accept, _ := rg.ShouldAcceptConnection()
	if !accept {
		t.Fatalf("expected acceptance under the connection limit with no CPU sample yet")
	}
}
