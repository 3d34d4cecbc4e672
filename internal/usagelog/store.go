package usagelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Query defines usage log listing filters.
type Query struct {
	Limit    int
	Offset   int
	UserID   string
	ModelID  string
	Provider string
	Since    *time.Time
}

// ListResult is a paginated usage log query response.
type ListResult struct {
	Data  []Record
	Total int
}

// SQLStore persists usage records and receipts to SQLite/Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteStore opens (and initialises) a SQLite-backed usage store.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "vigor-usage.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite usage store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "sqlite"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore opens (and initialises) a Postgres-backed usage store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres usage store: %w", err)
	}
	s := &SQLStore{db: db, dialect: "postgres"}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s usage store: %w", s.dialect, err)
	}

	usageDDL := `
CREATE TABLE IF NOT EXISTS ai_usage_logs (
	id INTEGER PRIMARY KEY,
	request_id TEXT NOT NULL,
	user_id TEXT,
	provider TEXT,
	model TEXT,
	endpoint TEXT,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	tokens_used INTEGER NOT NULL,
	cost TEXT NOT NULL,
	response_time_ms INTEGER NOT NULL,
	cached INTEGER NOT NULL,
	success INTEGER NOT NULL,
	task_type TEXT,
	session_id TEXT,
	error_message TEXT,
	created_at TIMESTAMP NOT NULL
);`
	receiptDDL := `
CREATE TABLE IF NOT EXISTS decision_receipts (
	id INTEGER PRIMARY KEY,
	request_id TEXT NOT NULL,
	model_id TEXT,
	rejected TEXT,
	explanation TEXT,
	created_at TIMESTAMP NOT NULL
);`
	if s.dialect == "postgres" {
		usageDDL = strings.Replace(usageDDL, "id INTEGER PRIMARY KEY", "id BIGSERIAL PRIMARY KEY", 1)
		usageDDL = strings.Replace(usageDDL, "cached INTEGER", "cached BOOLEAN", 1)
		usageDDL = strings.Replace(usageDDL, "success INTEGER", "success BOOLEAN", 1)
		usageDDL = strings.Replace(usageDDL, "TIMESTAMP NOT NULL", "TIMESTAMPTZ NOT NULL", 1)
		receiptDDL = strings.Replace(receiptDDL, "id INTEGER PRIMARY KEY", "id BIGSERIAL PRIMARY KEY", 1)
		receiptDDL = strings.Replace(receiptDDL, "TIMESTAMP NOT NULL", "TIMESTAMPTZ NOT NULL", 1)
	}
	for _, ddl := range []string{usageDDL, receiptDDL} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("initialize usage schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
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

// WriteUsage appends one usage record.
func (s *SQLStore) WriteUsage(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO ai_usage_logs(request_id, user_id, provider, model, endpoint,
		input_tokens, output_tokens, tokens_used, cost, response_time_ms,
		cached, success, task_type, session_id, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.bind(query),
		rec.RequestID,
		rec.UserID,
		rec.Provider,
		rec.ModelID,
		rec.Endpoint,
		rec.InputTokens,
		rec.OutputTokens,
		rec.TokensUsed,
		rec.Cost.String(),
		rec.LatencyMS,
		rec.Cached,
		rec.Success,
		rec.TaskType,
		rec.SessionID,
		rec.ErrorKind,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write usage record: %w", err)
	}
	return nil
}

// WriteReceipt appends one decision receipt. Rejected candidates are stored
// as a JSON array.
func (s *SQLStore) WriteReceipt(ctx context.Context, rcp Receipt) error {
	if rcp.CreatedAt.IsZero() {
		rcp.CreatedAt = time.Now().UTC()
	}
	rejected, err := json.Marshal(rcp.Rejected)
	if err != nil {
		return fmt.Errorf("marshal rejected candidates: %w", err)
	}
	query := `INSERT INTO decision_receipts(request_id, model_id, rejected, explanation, created_at)
	VALUES(?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, s.bind(query),
		rcp.RequestID, rcp.ModelID, string(rejected), rcp.Explanation, rcp.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("write decision receipt: %w", err)
	}
	return nil
}

// List returns paginated usage records with optional filters. Analytics
// reads are off the hot path by design.
func (s *SQLStore) List(ctx context.Context, query Query) (ListResult, error) {
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 200 {
		query.Limit = 200
	}
	if query.Offset < 0 {
		query.Offset = 0
	}

	whereClauses := make([]string, 0)
	args := make([]interface{}, 0)
	if query.UserID != "" {
		whereClauses = append(whereClauses, "user_id = ?")
		args = append(args, query.UserID)
	}
	if query.ModelID != "" {
		whereClauses = append(whereClauses, "model = ?")
		args = append(args, query.ModelID)
	}
	if query.Provider != "" {
		whereClauses = append(whereClauses, "provider = ?")
		args = append(args, query.Provider)
	}
	if query.Since != nil {
		whereClauses = append(whereClauses, "created_at >= ?")
		args = append(args, query.Since.UTC())
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countQuery := s.bind("SELECT COUNT(*) FROM ai_usage_logs" + whereSQL)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count usage records: %w", err)
	}

	listQuery := s.bind(`SELECT request_id, user_id, provider, model, endpoint,
		input_tokens, output_tokens, tokens_used, cost, response_time_ms,
		cached, success, task_type, session_id, error_message, created_at
	FROM ai_usage_logs` + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	listArgs := append(args, query.Limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec       Record
			userID    sql.NullString
			provider  sql.NullString
			model     sql.NullString
			endpoint  sql.NullString
			costStr   string
			taskType  sql.NullString
			sessionID sql.NullString
			errKind   sql.NullString
		)
		if err := rows.Scan(&rec.RequestID, &userID, &provider, &model, &endpoint,
			&rec.InputTokens, &rec.OutputTokens, &rec.TokensUsed, &costStr, &rec.LatencyMS,
			&rec.Cached, &rec.Success, &taskType, &sessionID, &errKind, &rec.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan usage record row: %w", err)
		}
		rec.UserID = userID.String
		rec.Provider = provider.String
		rec.ModelID = model.String
		rec.Endpoint = endpoint.String
		rec.TaskType = taskType.String
		rec.SessionID = sessionID.String
		rec.ErrorKind = errKind.String
		if rec.Cost, err = decimal.NewFromString(costStr); err != nil {
			return ListResult{}, fmt.Errorf("parse cost for %s: %w", rec.RequestID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate usage records: %w", err)
	}
	return ListResult{Data: records, Total: total}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
