// Package budget enforces per-user and global spending limits.
//
// The Manager exclusively owns BudgetAccount mutation. Accounts are held in
// memory with per-user locking; an optional SQL store persists them across
// restarts. Money is decimal end to end — floats appear only on display
// surfaces.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

// Mode selects the enforcement behaviour for budget violations.
type Mode string

// Enforcement modes.
const (
	// ModeStrict rejects requests that exceed a limit.
	ModeStrict Mode = "strict"
	// ModeSoft logs the violation and allows the request.
	ModeSoft Mode = "soft"
)

// TierLimits is the static quota table entry for one tier.
type TierLimits struct {
	DailyLimit    int
	WeeklyLimit   int
	MonthlyLimit  int
	MonthlyBudget decimal.Decimal
}

// DefaultTierLimits returns the built-in quota table.
func DefaultTierLimits() map[adapters.Tier]TierLimits {
	return map[adapters.Tier]TierLimits{
		adapters.TierFree: {
			DailyLimit: 10, WeeklyLimit: 50, MonthlyLimit: 200,
			MonthlyBudget: decimal.RequireFromString("5"),
		},
		adapters.TierPremium: {
			DailyLimit: 50, WeeklyLimit: 300, MonthlyLimit: 1000,
			MonthlyBudget: decimal.RequireFromString("25"),
		},
		adapters.TierEnterprise: {
			DailyLimit: 200, WeeklyLimit: 1500, MonthlyLimit: 5000,
			MonthlyBudget: decimal.RequireFromString("100"),
		},
	}
}

// Account is one user's windowed counters and monthly spend.
type Account struct {
	UserID            string
	Tier              adapters.Tier
	MonthlyBudget     decimal.Decimal
	CurrentMonthUsage decimal.Decimal
	DailyRequests     int
	WeeklyRequests    int
	MonthlyRequests   int
	LastResetDate     time.Time
}

// Admission is the result of a budget check. LimitsExceeded names every
// failing dimension ("daily", "weekly", "monthly", "budget", "global_budget").
type Admission struct {
	Allowed        bool
	LimitsExceeded []string
	Remaining      Remaining
}

// Remaining reports headroom per dimension after a successful check.
type Remaining struct {
	Daily   int
	Weekly  int
	Monthly int
	Budget  decimal.Decimal
}

// accountState pairs an account with its lock. The lock serializes Check and
// Record for one user; no global lock spans users.
type accountState struct {
	mu  sync.Mutex
	acc Account
}

// Options configures a Manager.
type Options struct {
	// Limits overrides the default tier table (nil keeps defaults).
	Limits map[adapters.Tier]TierLimits
	// Mode is the enforcement mode; defaults to strict.
	Mode Mode
	// GlobalMonthlyBudget caps aggregate spend; zero disables the global guard.
	GlobalMonthlyBudget decimal.Decimal
	// GlobalDailyFraction of the daily slice at which non-critical requests
	// are rejected. Defaults to 0.9.
	GlobalDailyFraction float64
	// Store persists accounts; may be nil.
	Store *Store
	// Now injects a clock for tests.
	Now func() time.Time
}

// Manager owns all budget accounts.
type Manager struct {
	mu       sync.Mutex
	accounts map[string]*accountState

	limits   map[adapters.Tier]TierLimits
	mode     Mode
	store    *Store
	now      func() time.Time

	// Global aggregate, guarded by globalMu.
	globalMu       sync.Mutex
	globalBudget   decimal.Decimal
	globalFraction decimal.Decimal
	globalDay      time.Time
	globalMonth    time.Month
	dailySpend     decimal.Decimal
	monthlySpend   decimal.Decimal
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	limits := opts.Limits
	if limits == nil {
		limits = DefaultTierLimits()
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeStrict
	}
	fraction := opts.GlobalDailyFraction
	if fraction <= 0 || fraction > 1 {
		fraction = 0.9
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		accounts:       make(map[string]*accountState),
		limits:         limits,
		mode:           mode,
		store:          opts.Store,
		now:            now,
		globalBudget:   opts.GlobalMonthlyBudget,
		globalFraction: decimal.NewFromFloat(fraction),
	}
}

// Mode returns the enforcement mode.
func (m *Manager) Mode() Mode { return m.mode }

// Restore loads persisted accounts from the store, replacing in-memory state.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	accounts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range accounts {
		m.accounts[acc.UserID] = &accountState{acc: acc}
	}
	return nil
}

// state returns (creating if needed) the locked holder for userID.
func (m *Manager) state(userID string, tier adapters.Tier) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[userID]
	if !ok {
		st = &accountState{acc: Account{
			UserID:            userID,
			Tier:              tier,
			MonthlyBudget:     m.limits[tier].MonthlyBudget,
			CurrentMonthUsage: decimal.Zero,
			LastResetDate:     m.now(),
		}}
		m.accounts[userID] = st
	}
	return st
}

// isoWeek returns the ISO year/week pair for t.
func isoWeek(t time.Time) (int, int) {
	return t.ISOWeek()
}

// rollWindows zeroes counters whose window has rolled since LastResetDate.
// Must be called with the account lock held. Each counter resets exactly
// once per rollover because LastResetDate advances in the same step.
func rollWindows(acc *Account, now time.Time) {
	last := acc.LastResetDate
	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()

	if ly != ny || lm != nm || ld != nd {
		acc.DailyRequests = 0
	}
	lwY, lw := isoWeek(last)
	nwY, nw := isoWeek(now)
	if lwY != nwY || lw != nw {
		acc.WeeklyRequests = 0
	}
	if ly != ny || lm != nm {
		acc.MonthlyRequests = 0
		acc.CurrentMonthUsage = decimal.Zero
	}
	acc.LastResetDate = now
}

// Check evaluates every limit dimension for the user. In soft mode a failing
// check is logged and allowed; LimitsExceeded is populated either way.
func (m *Manager) Check(ctx context.Context, userID string, tier adapters.Tier, priority adapters.Priority) Admission {
	limits, ok := m.limits[tier]
	if !ok {
		limits = m.limits[adapters.TierFree]
	}

	st := m.state(userID, tier)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := m.now()
	rollWindows(&st.acc, now)

	budgetCap := st.acc.MonthlyBudget
	if budgetCap.IsZero() {
		budgetCap = limits.MonthlyBudget
	}

	var exceeded []string
	if st.acc.DailyRequests >= limits.DailyLimit {
		exceeded = append(exceeded, "daily")
	}
	if st.acc.WeeklyRequests >= limits.WeeklyLimit {
		exceeded = append(exceeded, "weekly")
	}
	if st.acc.MonthlyRequests >= limits.MonthlyLimit {
		exceeded = append(exceeded, "monthly")
	}
	if st.acc.CurrentMonthUsage.GreaterThanOrEqual(budgetCap) {
		exceeded = append(exceeded, "budget")
	}
	if m.globalExhausted(now) && priority != adapters.PriorityCritical {
		exceeded = append(exceeded, "global_budget")
	}

	adm := Admission{
		LimitsExceeded: exceeded,
		Remaining: Remaining{
			Daily:   limits.DailyLimit - st.acc.DailyRequests,
			Weekly:  limits.WeeklyLimit - st.acc.WeeklyRequests,
			Monthly: limits.MonthlyLimit - st.acc.MonthlyRequests,
			Budget:  budgetCap.Sub(st.acc.CurrentMonthUsage),
		},
	}
	if len(exceeded) == 0 {
		adm.Allowed = true
		return adm
	}
	if m.mode == ModeSoft {
		slog.WarnContext(ctx, "budget exceeded, allowing (soft enforcement)",
			"user_id", userID, "limits_exceeded", exceeded)
		adm.Allowed = true
		return adm
	}
	return adm
}

// Record debits one successful request: all three request counters plus the
// decimal cost. Atomic with Check for the same user via the account lock.
func (m *Manager) Record(ctx context.Context, userID string, tier adapters.Tier, cost decimal.Decimal, tokens int) {
	st := m.state(userID, tier)
	st.mu.Lock()
	now := m.now()
	rollWindows(&st.acc, now)
	st.acc.DailyRequests++
	st.acc.WeeklyRequests++
	st.acc.MonthlyRequests++
	st.acc.CurrentMonthUsage = st.acc.CurrentMonthUsage.Add(cost)
	snapshot := st.acc
	st.mu.Unlock()

	m.recordGlobal(cost, now)

	if m.store != nil {
		if err := m.store.SaveAccount(ctx, snapshot); err != nil {
			slog.WarnContext(ctx, "persist budget account failed",
				"user_id", userID, "error", err.Error())
		}
	}
	_ = tokens // tokens feed the usage log; the budget tracks money and counts
}

// SetAccount replaces a user's account wholesale. Used by restore paths and
// admin tooling; normal accounting goes through Check and Record.
func (m *Manager) SetAccount(acc Account) {
	st := m.state(acc.UserID, acc.Tier)
	st.mu.Lock()
	st.acc = acc
	st.mu.Unlock()
}

// Snapshot returns a copy of the user's account.
func (m *Manager) Snapshot(userID string, tier adapters.Tier) Account {
	st := m.state(userID, tier)
	st.mu.Lock()
	defer st.mu.Unlock()
	rollWindows(&st.acc, m.now())
	return st.acc
}

// globalExhausted reports whether the day's aggregate spend has reached the
// configured fraction of the daily slice of the global monthly budget.
func (m *Manager) globalExhausted(now time.Time) bool {
	if m.globalBudget.IsZero() {
		return false
	}
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.rollGlobal(now)

	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, now.Location()).Day()
	slice := m.globalBudget.Div(decimal.NewFromInt(int64(daysInMonth)))
	threshold := slice.Mul(m.globalFraction)
	return m.dailySpend.GreaterThanOrEqual(threshold)
}

func (m *Manager) recordGlobal(cost decimal.Decimal, now time.Time) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	m.rollGlobal(now)
	m.dailySpend = m.dailySpend.Add(cost)
	m.monthlySpend = m.monthlySpend.Add(cost)
}

// rollGlobal must be called with globalMu held.
func (m *Manager) rollGlobal(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !m.globalDay.Equal(day) {
		m.globalDay = day
		m.dailySpend = decimal.Zero
	}
	if m.globalMonth != now.Month() {
		m.globalMonth = now.Month()
		m.monthlySpend = decimal.Zero
	}
}

// GlobalSpend reports the current day and month aggregates (display only).
func (m *Manager) GlobalSpend() (daily, monthly decimal.Decimal) {
	m.globalMu.Lock()
	defer m.globalMu.Unlock()
	return m.dailySpend, m.monthlySpend
}
