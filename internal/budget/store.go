package budget

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vedprakash-m/vigor-gateway/adapters"
)

// Store persists budget accounts and tier limits to SQLite/Postgres.
// Decimal values are stored as TEXT so no precision is lost.
type Store struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (and initialises) a SQLite-backed budget store.
func NewSQLiteStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "vigor-budget.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite budget store: %w", err)
	}
	s := &Store{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and initialises) a Postgres-backed budget store.
func NewPostgresStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres budget store: %w", err)
	}
	s := &Store{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s budget store: %w", s.dialect, err)
	}

	ddls := []string{`
CREATE TABLE IF NOT EXISTS user_usage_limits (
	user_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	monthly_budget TEXT NOT NULL,
	current_month_usage TEXT NOT NULL,
	daily_requests_used INTEGER NOT NULL,
	weekly_requests_used INTEGER NOT NULL,
	monthly_requests_used INTEGER NOT NULL,
	last_reset_date TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS user_tier_limits (
	tier_name TEXT PRIMARY KEY,
	daily_limit INTEGER NOT NULL,
	weekly_limit INTEGER NOT NULL,
	monthly_limit INTEGER NOT NULL,
	monthly_budget TEXT NOT NULL
);`, `
CREATE TABLE IF NOT EXISTS budget_settings (
	id INTEGER PRIMARY KEY,
	monthly_budget TEXT NOT NULL,
	enforcement TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`}

	if s.dialect == "postgres" {
		ddls[2] = `
CREATE TABLE IF NOT EXISTS budget_settings (
	id BIGSERIAL PRIMARY KEY,
	monthly_budget TEXT NOT NULL,
	enforcement TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);`
	}

	for _, ddl := range ddls {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("initialize budget schema: %w", err)
		}
	}
	return nil
}

func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var (
		b     strings.Builder
		index = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", index)
			index++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SaveAccount upserts one account row.
func (s *Store) SaveAccount(ctx context.Context, acc Account) error {
	query := `INSERT INTO user_usage_limits(user_id, tier, monthly_budget, current_month_usage,
		daily_requests_used, weekly_requests_used, monthly_requests_used, last_reset_date, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		tier = excluded.tier,
		monthly_budget = excluded.monthly_budget,
		current_month_usage = excluded.current_month_usage,
		daily_requests_used = excluded.daily_requests_used,
		weekly_requests_used = excluded.weekly_requests_used,
		monthly_requests_used = excluded.monthly_requests_used,
		last_reset_date = excluded.last_reset_date,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.bind(query),
		acc.UserID,
		string(acc.Tier),
		acc.MonthlyBudget.String(),
		acc.CurrentMonthUsage.String(),
		acc.DailyRequests,
		acc.WeeklyRequests,
		acc.MonthlyRequests,
		acc.LastResetDate.UTC(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save budget account: %w", err)
	}
	return nil
}

// LoadAccounts reads every persisted account.
func (s *Store) LoadAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, tier, monthly_budget, current_month_usage,
		daily_requests_used, weekly_requests_used, monthly_requests_used, last_reset_date
	FROM user_usage_limits`)
	if err != nil {
		return nil, fmt.Errorf("load budget accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var (
			acc           Account
			tier          string
			budgetStr     string
			usageStr      string
		)
		if err := rows.Scan(&acc.UserID, &tier, &budgetStr, &usageStr,
			&acc.DailyRequests, &acc.WeeklyRequests, &acc.MonthlyRequests, &acc.LastResetDate); err != nil {
			return nil, fmt.Errorf("scan budget account row: %w", err)
		}
		acc.Tier = adapters.Tier(tier)
		if acc.MonthlyBudget, err = decimal.NewFromString(budgetStr); err != nil {
			return nil, fmt.Errorf("parse monthly_budget for %s: %w", acc.UserID, err)
		}
		if acc.CurrentMonthUsage, err = decimal.NewFromString(usageStr); err != nil {
			return nil, fmt.Errorf("parse current_month_usage for %s: %w", acc.UserID, err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate budget accounts: %w", err)
	}
	return out, nil
}

// SaveTierLimits upserts the static tier table.
func (s *Store) SaveTierLimits(ctx context.Context, limits map[adapters.Tier]TierLimits) error {
	query := `INSERT INTO user_tier_limits(tier_name, daily_limit, weekly_limit, monthly_limit, monthly_budget)
	VALUES(?, ?, ?, ?, ?)
	ON CONFLICT(tier_name) DO UPDATE SET
		daily_limit = excluded.daily_limit,
		weekly_limit = excluded.weekly_limit,
		monthly_limit = excluded.monthly_limit,
		monthly_budget = excluded.monthly_budget`
	for tier, tl := range limits {
		if _, err := s.db.ExecContext(ctx, s.bind(query),
			string(tier), tl.DailyLimit, tl.WeeklyLimit, tl.MonthlyLimit, tl.MonthlyBudget.String()); err != nil {
			return fmt.Errorf("save tier limits for %s: %w", tier, err)
		}
	}
	return nil
}

// LoadTierLimits reads the persisted tier table; an empty map means none saved.
func (s *Store) LoadTierLimits(ctx context.Context) (map[adapters.Tier]TierLimits, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tier_name, daily_limit, weekly_limit, monthly_limit, monthly_budget FROM user_tier_limits`)
	if err != nil {
		return nil, fmt.Errorf("load tier limits: %w", err)
	}
	defer rows.Close()

	out := make(map[adapters.Tier]TierLimits)
	for rows.Next() {
		var (
			name      string
			tl        TierLimits
			budgetStr string
		)
		if err := rows.Scan(&name, &tl.DailyLimit, &tl.WeeklyLimit, &tl.MonthlyLimit, &budgetStr); err != nil {
			return nil, fmt.Errorf("scan tier limits row: %w", err)
		}
		if tl.MonthlyBudget, err = decimal.NewFromString(budgetStr); err != nil {
			return nil, fmt.Errorf("parse tier budget for %s: %w", name, err)
		}
		out[adapters.Tier(name)] = tl
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tier limits: %w", err)
	}
	return out, nil
}

// Settings is the persisted form of the global budget knobs.
type Settings struct {
	MonthlyBudget decimal.Decimal
	Enforcement   Mode
}

// SaveSettings upserts the single global settings row.
func (s *Store) SaveSettings(ctx context.Context, settings Settings) error {
	query := `INSERT INTO budget_settings(id, monthly_budget, enforcement, updated_at)
	VALUES(1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		monthly_budget = excluded.monthly_budget,
		enforcement = excluded.enforcement,
		updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, s.bind(query),
		settings.MonthlyBudget.String(), string(settings.Enforcement), time.Now().UTC()); err != nil {
		return fmt.Errorf("save budget settings: %w", err)
	}
	return nil
}

// LoadSettings reads the persisted global settings; nil when none saved.
func (s *Store) LoadSettings(ctx context.Context) (*Settings, error) {
	var (
		budgetStr   string
		enforcement string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT monthly_budget, enforcement FROM budget_settings WHERE id = 1`).
		Scan(&budgetStr, &enforcement)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load budget settings: %w", err)
	}
	out := &Settings{Enforcement: Mode(enforcement)}
	if out.MonthlyBudget, err = decimal.NewFromString(budgetStr); err != nil {
		return nil, fmt.Errorf("parse persisted monthly budget: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
