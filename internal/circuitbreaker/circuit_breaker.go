// Package circuitbreaker isolates failing models from the routing candidate
// set. Each model id has its own breaker, owned by a Manager.
//
// State transitions:
//
//	Closed → Open       when consecutive counted failures ≥ FailureThreshold
//	Open   → HalfOpen   after the cooldown elapses, on the next admission check
//	HalfOpen → Closed   on one successful call
//	HalfOpen → Open     on one failure; cooldown doubles, capped at CooldownMax
//
// Client-invalid failures are a caller bug, not a provider outage, and never
// drive transitions.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

// State represents a breaker's current state.
type State int

const (
	// StateClosed — normal operation; requests pass through.
	StateClosed State = iota
	// StateOpen — model is considered failing; requests are rejected immediately.
	StateOpen
	// StateHalfOpen — circuit is testing recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Defaults applied for zero/negative construction values.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultCooldownMax      = 5 * time.Minute
)

// Breaker guards a single model.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration // current cooldown, grows on half-open failures
	baseCooldown     time.Duration
	cooldownMax      time.Duration
	openedAt         time.Time
	openUntil        time.Time
	now              func() time.Time
}

// NewBreaker creates a Breaker with the given threshold and cooldown bounds.
func NewBreaker(failureThreshold int, cooldown, cooldownMax time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if cooldownMax <= 0 {
		cooldownMax = DefaultCooldownMax
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		baseCooldown:     cooldown,
		cooldownMax:      cooldownMax,
		now:              time.Now,
	}
}

// State returns the current state, transitioning Open→HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveState()
}

// resolveState must be called with b.mu held.
func (b *Breaker) resolveState() State {
	if b.state == StateOpen && b.now().After(b.openUntil) {
		b.state = StateHalfOpen
	}
	return b.state
}

// Allow reports whether a request may proceed (Closed or HalfOpen).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveState() != StateOpen
}

// RecordSuccess notifies the breaker that a call succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolveState() {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.cooldown = b.baseCooldown
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notifies the breaker of a failed call of the given kind.
// Kinds that do not count against the circuit are ignored.
func (b *Breaker) RecordFailure(kind adapters.ErrorKind) {
	if !kind.CountsAgainstCircuit() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolveState() {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// One failure reopens; the cooldown backs off exponentially.
		b.cooldown *= 2
		if b.cooldown > b.cooldownMax {
			b.cooldown = b.cooldownMax
		}
		b.open()
	}
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.openUntil = b.openedAt.Add(b.cooldown)
}

// Snapshot is a point-in-time view of one breaker for health surfaces.
type Snapshot struct {
	ModelID             string        `json:"model_id"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Cooldown            time.Duration `json:"cooldown"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// Manager owns one Breaker per model id.
type Manager struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	cooldown         time.Duration
	cooldownMax      time.Duration
}

// NewManager creates a Manager whose breakers share the given settings.
func NewManager(failureThreshold int, cooldown, cooldownMax time.Duration) *Manager {
	return &Manager{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		cooldownMax:      cooldownMax,
	}
}

// breaker returns (creating if needed) the breaker for modelID.
func (m *Manager) breaker(modelID string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[modelID]
	if !ok {
		b = NewBreaker(m.failureThreshold, m.cooldown, m.cooldownMax)
		m.breakers[modelID] = b
	}
	return b
}

// CanProceed reports whether the model's circuit admits traffic.
func (m *Manager) CanProceed(modelID string) bool {
	return m.breaker(modelID).Allow()
}

// RecordOutcome drives the model's breaker from a call result. A nil err is
// a success; otherwise the adapter error kind decides whether it counts.
func (m *Manager) RecordOutcome(modelID string, err error) {
	b := m.breaker(modelID)
	if err == nil {
		b.RecordSuccess()
		return
	}
	b.RecordFailure(adapters.KindOf(err))
}

// States returns a snapshot of every tracked breaker.
func (m *Manager) States() []Snapshot {
	m.mu.Lock()
	ids := make([]string, 0, len(m.breakers))
	bs := make([]*Breaker, 0, len(m.breakers))
	for id, b := range m.breakers {
		ids = append(ids, id)
		bs = append(bs, b)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(bs))
	for i, b := range bs {
		b.mu.Lock()
		out[i] = Snapshot{
			ModelID:             ids[i],
			State:               b.resolveState().String(),
			ConsecutiveFailures: b.failureCount,
			Cooldown:            b.cooldown,
			OpenedAt:            b.openedAt,
		}
		b.mu.Unlock()
	}
	return out
}
