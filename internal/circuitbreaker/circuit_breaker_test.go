package circuitbreaker

import (
	"testing"
	"time"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

func testBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown, 8*cooldown)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestInitialStateClosed(t *testing.T) {
	b, _ := testBreaker(3, 10*time.Second)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow=true when closed")
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, 10*time.Second)
	for i := 0; i < 3; i++ {
		b.RecordFailure(adapters.KindTransient)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("expected Allow=false when open")
	}
}

func TestClientInvalidDoesNotCount(t *testing.T) {
	b, _ := testBreaker(2, 10*time.Second)
	for i := 0; i < 10; i++ {
		b.RecordFailure(adapters.KindClientInvalid)
	}
	if b.State() != StateClosed {
		t.Fatalf("client-invalid failures must not open the circuit, got %s", b.State())
	}
}

func TestAuthCounts(t *testing.T) {
	b, _ := testBreaker(2, 10*time.Second)
	b.RecordFailure(adapters.KindAuth)
	b.RecordFailure(adapters.KindAuth)
	if b.State() != StateOpen {
		t.Fatalf("auth failures must count, got %s", b.State())
	}
}

func TestTransitionsToHalfOpenAfterCooldown(t *testing.T) {
	b, now := testBreaker(1, 10*time.Second)
	b.RecordFailure(adapters.KindTransient)
	if b.Allow() {
		t.Fatal("expected open circuit (Allow=false) during cooldown")
	}
	*now = now.Add(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", b.State())
	}
	if !b.Allow() {
		t.Fatal("expected Allow=true when half_open")
	}
}

func TestClosesAfterSuccessInHalfOpen(t *testing.T) {
	b, now := testBreaker(1, 10*time.Second)
	b.RecordFailure(adapters.KindTransient)
	*now = now.Add(11 * time.Second)
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success in half_open, got %s", b.State())
	}
}

func TestReopensWithBackoff(t *testing.T) {
	b, now := testBreaker(1, 10*time.Second)
	b.RecordFailure(adapters.KindTransient) // open, cooldown 10s
	*now = now.Add(11 * time.Second)        // half-open
	b.RecordFailure(adapters.KindTransient) // reopen, cooldown 20s

	*now = now.Add(11 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("expected still open (doubled cooldown), got %s", b.State())
	}
	*now = now.Add(10 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after doubled cooldown, got %s", b.State())
	}
}

func TestBackoffCapped(t *testing.T) {
	b, now := testBreaker(1, 10*time.Second) // max = 80s
	b.RecordFailure(adapters.KindTransient)
	for i := 0; i < 6; i++ {
		*now = b.openUntil.Add(time.Second)
		_ = b.State() // half-open
		b.RecordFailure(adapters.KindTransient)
	}
	if b.cooldown != 80*time.Second {
		t.Fatalf("cooldown = %s, want capped at 80s", b.cooldown)
	}
}

func TestSuccessResetsFailureCountAndCooldown(t *testing.T) {
	b, now := testBreaker(3, 10*time.Second)
	b.RecordFailure(adapters.KindTransient)
	b.RecordFailure(adapters.KindTransient)
	b.RecordSuccess()
	b.RecordFailure(adapters.KindTransient)
	b.RecordFailure(adapters.KindTransient)
	if b.State() != StateClosed {
		t.Fatalf("expected still closed (count reset), got %s", b.State())
	}

	// A half-open recovery restores the base cooldown.
	b.RecordFailure(adapters.KindTransient) // third: opens
	*now = now.Add(11 * time.Second)
	b.RecordFailure(adapters.KindTransient) // reopen at 20s
	*now = b.openUntil.Add(time.Second)
	b.RecordSuccess()
	if b.cooldown != 10*time.Second {
		t.Fatalf("cooldown after recovery = %s, want base 10s", b.cooldown)
	}
}

func TestManager_PerModelIsolation(t *testing.T) {
	m := NewManager(2, 10*time.Second, time.Minute)
	m.RecordOutcome("m_a", adapters.NewError(adapters.KindTransient, "openai", "boom", nil))
	m.RecordOutcome("m_a", adapters.NewError(adapters.KindTransient, "openai", "boom", nil))

	if m.CanProceed("m_a") {
		t.Error("m_a should be open")
	}
	if !m.CanProceed("m_b") {
		t.Error("m_b must be unaffected")
	}

	states := m.States()
	if len(states) != 2 {
		t.Fatalf("States() = %d entries, want 2", len(states))
	}
}

func TestManager_SuccessCloses(t *testing.T) {
	m := NewManager(1, time.Millisecond, time.Minute)
	m.RecordOutcome("m", adapters.NewError(adapters.KindTransient, "p", "x", nil))
	time.Sleep(5 * time.Millisecond)
	if !m.CanProceed("m") {
		t.Fatal("expected half-open admission after cooldown")
	}
	m.RecordOutcome("m", nil)
	if !m.CanProceed("m") {
		t.Fatal("expected closed after success")
	}
}
