package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

func testManager(t *testing.T, opts Options) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	opts.Now = func() time.Time { return now }
	m := NewManager(opts)
	return m, &now
}

func usd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCheck_AllowsFreshUser(t *testing.T) {
	m, _ := testManager(t, Options{})
	adm := m.Check(context.Background(), "u1", adapters.TierFree, "")
	if !adm.Allowed || len(adm.LimitsExceeded) != 0 {
		t.Fatalf("admission = %+v", adm)
	}
	if adm.Remaining.Daily != 10 || adm.Remaining.Monthly != 200 {
		t.Errorf("remaining = %+v", adm.Remaining)
	}
}

func TestCheck_RejectsAtExactBudget(t *testing.T) {
	m, _ := testManager(t, Options{})
	m.SetAccount(Account{
		UserID:            "u2",
		Tier:              adapters.TierFree,
		MonthlyBudget:     usd("5"),
		CurrentMonthUsage: usd("5"),
		LastResetDate:     time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	})
	adm := m.Check(context.Background(), "u2", adapters.TierFree, "")
	if adm.Allowed {
		t.Fatal("expected rejection at exact budget")
	}
	if len(adm.LimitsExceeded) != 1 || adm.LimitsExceeded[0] != "budget" {
		t.Errorf("limits_exceeded = %v, want [budget]", adm.LimitsExceeded)
	}
}

func TestCheck_AdmitsJustBelowLimit(t *testing.T) {
	m, _ := testManager(t, Options{})
	m.SetAccount(Account{
		UserID:            "u3",
		Tier:              adapters.TierFree,
		MonthlyBudget:     usd("5"),
		CurrentMonthUsage: usd("4.999999"),
		DailyRequests:     9,
		WeeklyRequests:    49,
		MonthlyRequests:   199,
		LastResetDate:     time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	})
	adm := m.Check(context.Background(), "u3", adapters.TierFree, "")
	if !adm.Allowed {
		t.Fatalf("expected admission below every limit, got %v", adm.LimitsExceeded)
	}
}

func TestCheck_ReportsAllFailingDimensions(t *testing.T) {
	m, _ := testManager(t, Options{})
	m.SetAccount(Account{
		UserID:            "u4",
		Tier:              adapters.TierFree,
		MonthlyBudget:     usd("5"),
		CurrentMonthUsage: usd("9"),
		DailyRequests:     10,
		WeeklyRequests:    50,
		MonthlyRequests:   200,
		LastResetDate:     time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	})
	adm := m.Check(context.Background(), "u4", adapters.TierFree, "")
	want := []string{"daily", "weekly", "monthly", "budget"}
	if len(adm.LimitsExceeded) != len(want) {
		t.Fatalf("limits_exceeded = %v, want %v", adm.LimitsExceeded, want)
	}
	for i, dim := range want {
		if adm.LimitsExceeded[i] != dim {
			t.Errorf("limits_exceeded[%d] = %s, want %s", i, adm.LimitsExceeded[i], dim)
		}
	}
}

func TestWindowRollover(t *testing.T) {
	m, now := testManager(t, Options{})
	m.Record(context.Background(), "u5", adapters.TierFree, usd("0.01"), 10)

	acc := m.Snapshot("u5", adapters.TierFree)
	if acc.DailyRequests != 1 || acc.WeeklyRequests != 1 || acc.MonthlyRequests != 1 {
		t.Fatalf("counters = %+v", acc)
	}

	// Next day (same ISO week: Mar 10 2025 is a Monday, so advance within week).
	*now = now.Add(24 * time.Hour)
	acc = m.Snapshot("u5", adapters.TierFree)
	if acc.DailyRequests != 0 {
		t.Errorf("daily = %d, want reset", acc.DailyRequests)
	}
	if acc.WeeklyRequests != 1 || acc.MonthlyRequests != 1 {
		t.Errorf("weekly/monthly should survive a day rollover: %+v", acc)
	}

	// Next ISO week.
	*now = now.Add(7 * 24 * time.Hour)
	acc = m.Snapshot("u5", adapters.TierFree)
	if acc.WeeklyRequests != 0 {
		t.Errorf("weekly = %d, want reset", acc.WeeklyRequests)
	}
	if acc.MonthlyRequests != 1 {
		t.Errorf("monthly should survive a week rollover: %d", acc.MonthlyRequests)
	}

	// Next month resets the monthly counter and the spend.
	*now = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	acc = m.Snapshot("u5", adapters.TierFree)
	if acc.MonthlyRequests != 0 || !acc.CurrentMonthUsage.IsZero() {
		t.Errorf("month rollover: %+v", acc)
	}
}

func TestRecord_ConcurrentCostsSum(t *testing.T) {
	m, _ := testManager(t, Options{})
	before := m.Snapshot("u6", adapters.TierPremium).CurrentMonthUsage

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record(context.Background(), "u6", adapters.TierPremium, usd("0.001"), 5)
		}()
	}
	wg.Wait()

	after := m.Snapshot("u6", adapters.TierPremium).CurrentMonthUsage
	if !after.Sub(before).Equal(usd("0.05")) {
		t.Errorf("usage delta = %s, want 0.05", after.Sub(before))
	}
	if m.Snapshot("u6", adapters.TierPremium).DailyRequests != n {
		t.Errorf("daily = %d, want %d", m.Snapshot("u6", adapters.TierPremium).DailyRequests, n)
	}
}

func TestSoftMode_AllowsButReports(t *testing.T) {
	m, _ := testManager(t, Options{Mode: ModeSoft})
	m.SetAccount(Account{
		UserID:            "u7",
		Tier:              adapters.TierFree,
		MonthlyBudget:     usd("5"),
		CurrentMonthUsage: usd("99"),
		LastResetDate:     time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	})
	adm := m.Check(context.Background(), "u7", adapters.TierFree, "")
	if !adm.Allowed {
		t.Error("soft mode must allow")
	}
	if len(adm.LimitsExceeded) == 0 {
		t.Error("soft mode must still report the violation")
	}
}

func TestGlobalBudget(t *testing.T) {
	// March has 31 days: slice = 31/31 = 1.00/day, threshold = 0.90.
	m, _ := testManager(t, Options{GlobalMonthlyBudget: usd("31")})

	adm := m.Check(context.Background(), "u8", adapters.TierEnterprise, "")
	if !adm.Allowed {
		t.Fatal("expected admission below global threshold")
	}

	m.Record(context.Background(), "u8", adapters.TierEnterprise, usd("0.95"), 100)

	adm = m.Check(context.Background(), "u9", adapters.TierEnterprise, "")
	if adm.Allowed {
		t.Fatal("expected global budget rejection")
	}
	if adm.LimitsExceeded[len(adm.LimitsExceeded)-1] != "global_budget" {
		t.Errorf("limits_exceeded = %v", adm.LimitsExceeded)
	}

	// Critical-priority requests bypass the global guard.
	adm = m.Check(context.Background(), "u9", adapters.TierEnterprise, adapters.PriorityCritical)
	if !adm.Allowed {
		t.Error("critical priority must bypass the global guard")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	acc := Account{
		UserID:            "u10",
		Tier:              adapters.TierPremium,
		MonthlyBudget:     usd("25"),
		CurrentMonthUsage: usd("1.234567"),
		DailyRequests:     3,
		WeeklyRequests:    7,
		MonthlyRequests:   11,
		LastResetDate:     time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
	}
	if err := store.SaveAccount(context.Background(), acc); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	// Upsert path.
	acc.CurrentMonthUsage = usd("2.5")
	if err := store.SaveAccount(context.Background(), acc); err != nil {
		t.Fatalf("SaveAccount upsert: %v", err)
	}

	got, err := store.LoadAccounts(context.Background())
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !got[0].CurrentMonthUsage.Equal(usd("2.5")) || got[0].MonthlyRequests != 11 {
		t.Errorf("loaded = %+v", got[0])
	}

	limits := DefaultTierLimits()
	if err := store.SaveTierLimits(context.Background(), limits); err != nil {
		t.Fatalf("SaveTierLimits: %v", err)
	}
	loaded, err := store.LoadTierLimits(context.Background())
	if err != nil {
		t.Fatalf("LoadTierLimits: %v", err)
	}
	if loaded[adapters.TierFree].DailyLimit != 10 {
		t.Errorf("tier limits = %+v", loaded[adapters.TierFree])
	}
}

func TestStore_Settings(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	got, err := store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil before first save, got %+v", got)
	}

	want := Settings{MonthlyBudget: usd("120.75"), Enforcement: ModeSoft}
	if err := store.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	// Upsert path.
	want.Enforcement = ModeStrict
	if err := store.SaveSettings(ctx, want); err != nil {
		t.Fatalf("SaveSettings upsert: %v", err)
	}

	got, err = store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if got == nil || !got.MonthlyBudget.Equal(want.MonthlyBudget) || got.Enforcement != ModeStrict {
		t.Errorf("settings = %+v", got)
	}
}
