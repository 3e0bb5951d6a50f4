package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/soaringjerry/Hubben/internal/services"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(driver))) {
	case DialectSQLite, "sqlite":
		return DialectSQLite, nil
	case DialectPostgres, "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// Open connects with driver-specific defaults. SQLite gets a single
// connection with immediate transactions and foreign keys on, so every write
// transaction holds the database lock from its first statement.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("empty dsn")
	}
	switch dialect {
	case DialectSQLite:
		conn, err := sql.Open("sqlite3", sqliteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		conn.SetMaxOpenConns(1)
		return conn, nil
	case DialectPostgres:
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return conn, nil
	}
	return nil, fmt.Errorf("unsupported dialect %q", dialect)
}

func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	params := []string{"_txlock=immediate", "_busy_timeout=5000", "_foreign_keys=on", "_journal_mode=WAL"}
	for _, p := range params {
		key := p[:strings.IndexByte(p, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + p
		} else {
			dsn += "?" + p
		}
	}
	return dsn
}

// sqlBase carries what both stores share: the handle, the dialect quirks and the logger.
type sqlBase struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
}

func newBase(db *sql.DB, dialect Dialect, log *zap.Logger) (sqlBase, error) {
	if db == nil {
		return sqlBase{}, errors.New("nil db")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return sqlBase{db: db, dialect: dialect, log: log}, nil
}

func contextBg() context.Context { return context.Background() }

// q rewrites ? placeholders to $n for PostgreSQL. Queries never contain a literal '?'.
func (b sqlBase) q(query string) string {
	if b.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// forUpdate locks the selected row on PostgreSQL. SQLite already holds the
// write lock through _txlock=immediate.
func (b sqlBase) forUpdate() string {
	if b.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func (b sqlBase) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(contextBg(), nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// fail logs a storage error and wraps it. Unique violations come back as
// services.ErrDuplicate; errors produced by callers' closures pass through untouched.
func (b sqlBase) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, services.ErrDuplicate)
	}
	if _, ok := services.AsServiceError(err); ok {
		return err
	}
	b.log.Error("store_error", zap.String("op", op), zap.String("dialect", string(b.dialect)), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

func (b sqlBase) closeRows(op string, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		b.log.Warn("rows_close", zap.String("op", op), zap.Error(err))
	}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func toNullInt(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

type rowScanner interface {
	Scan(dest ...any) error
}
