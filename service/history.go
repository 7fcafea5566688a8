package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// RunRecord is one row of the export history.
type RunRecord struct {
	RunID      string
	Dataset    string
	Table      string
	Format     string
	Status     string
	Shards     int
	Bytes      int64
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

const (
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
)

const defaultHistoryTable = "export_runs"

var validHistoryTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// HistoryStore records export runs in a MySQL-protocol database such as
// StarRocks.
type HistoryStore struct {
	db    *sql.DB
	table string
}

// NewHistoryStoreFromEnv opens the history database. HISTORY_DSN takes
// precedence; otherwise the STARROCKS_* variables are used. It returns
// (nil, nil) when neither is configured.
func NewHistoryStoreFromEnv(ctx context.Context) (*HistoryStore, error) {
	dsn := os.Getenv("HISTORY_DSN")
	if dsn == "" {
		host := os.Getenv("STARROCKS_HOST")
		port := os.Getenv("STARROCKS_PORT")
		user := os.Getenv("STARROCKS_USER")
		pass := os.Getenv("STARROCKS_PASSWORD")
		dbname := os.Getenv("STARROCKS_DB")
		if host == "" && port == "" && user == "" && dbname == "" {
			return nil, nil
		}
		if host == "" || port == "" || user == "" || dbname == "" {
			return nil, fmt.Errorf("missing StarRocks env: require STARROCKS_HOST, STARROCKS_PORT, STARROCKS_USER, STARROCKS_DB")
		}
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local", user, pass, host, port, dbname)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	table := os.Getenv("HISTORY_TABLE")
	if table == "" {
		table = defaultHistoryTable
	}
	s, err := NewHistoryStore(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureTable(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ensure history table: %w", err)
	}
	return s, nil
}

// NewHistoryStore wraps an open database. table must be a plain identifier.
func NewHistoryStore(db *sql.DB, table string) (*HistoryStore, error) {
	if !validHistoryTable.MatchString(table) {
		return nil, fmt.Errorf("invalid history table name %q", table)
	}
	return &HistoryStore{db: db, table: table}, nil
}

func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *HistoryStore) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			run_id VARCHAR(36) NOT NULL,
			dataset VARCHAR(1024) NOT NULL,
			table_name VARCHAR(1024) NOT NULL,
			format VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			shards INT NOT NULL,
			bytes BIGINT NOT NULL,
			error_message VARCHAR(2048),
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`, s.table)

	slog.InfoContext(ctx, "Ensuring history table", "table", s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *HistoryStore) Record(ctx context.Context, r RunRecord) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (run_id, dataset, table_name, format, status, shards, bytes, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var errMsg any
	if r.Error != "" {
		errMsg = truncate(r.Error, 2048)
	}
	_, err := s.db.ExecContext(ctx, stmt,
		r.RunID, r.Dataset, r.Table, r.Format, r.Status,
		r.Shards, r.Bytes, errMsg, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
