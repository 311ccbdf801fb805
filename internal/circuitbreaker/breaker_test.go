package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	if !b.Allow("BTC") {
		t.Fatal("fresh breaker should allow")
	}

	b.RecordFailure("BTC")
	b.RecordFailure("BTC")
	if b.State("BTC") != StateClosed {
		t.Fatalf("state = %v before threshold", b.State("BTC"))
	}

	b.RecordFailure("BTC")
	if b.State("BTC") != StateOpen {
		t.Fatalf("state = %v after threshold", b.State("BTC"))
	}
	if b.Allow("BTC") {
		t.Fatal("open circuit should reject")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("ETH")
	b.RecordFailure("ETH")
	b.RecordSuccess("ETH")
	b.RecordFailure("ETH")
	b.RecordFailure("ETH")

	if b.State("ETH") != StateClosed {
		t.Fatalf("state = %v, failures should not accumulate across successes", b.State("ETH"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("LTC")
	if b.Allow("LTC") {
		t.Fatal("open circuit should reject")
	}

	time.Sleep(20 * time.Millisecond)

	// First call after the open window is the probe.
	if !b.Allow("LTC") {
		t.Fatal("expected probe to be allowed")
	}
	if b.State("LTC") != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State("LTC"))
	}
	// No second probe while the first is outstanding.
	if b.Allow("LTC") {
		t.Fatal("second probe should be rejected")
	}

	b.RecordSuccess("LTC")
	if b.State("LTC") != StateClosed {
		t.Fatalf("state = %v after successful probe", b.State("LTC"))
	}
	if !b.Allow("LTC") {
		t.Fatal("closed circuit should allow")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)

	b.RecordFailure("BTC")
	time.Sleep(20 * time.Millisecond)
	if !b.Allow("BTC") {
		t.Fatal("expected probe to be allowed")
	}

	b.RecordFailure("BTC")
	if b.State("BTC") != StateOpen {
		t.Fatalf("state = %v after failed probe", b.State("BTC"))
	}
	if b.Allow("BTC") {
		t.Fatal("reopened circuit should reject")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("BTC")
	if b.Allow("BTC") {
		t.Fatal("BTC circuit should be open")
	}
	if !b.Allow("LTC") {
		t.Fatal("LTC circuit should be unaffected")
	}
	if b.State("LTC") != StateClosed {
		t.Fatalf("LTC state = %v", b.State("LTC"))
	}
}
