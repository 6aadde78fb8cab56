package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLedger keeps claimed keys in a SQLite table so dedupe survives a
// restart.
type SQLiteLedger struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenSQLiteLedger opens (and creates if needed) the ledger database at path.
func OpenSQLiteLedger(path string, ttl time.Duration) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, ttl: ttl, now: time.Now}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS envelope_claims (
		key TEXT PRIMARY KEY,
		claimed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_envelope_claims_claimed_at ON envelope_claims(claimed_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

func (l *SQLiteLedger) Claim(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	now := l.now()
	cutoff := now.Add(-l.ttl).UnixNano()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM envelope_claims WHERE key = ? AND claimed_at < ?`, key, cutoff); err != nil {
		return false, fmt.Errorf("expire claim: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO envelope_claims (key, claimed_at) VALUES (?, ?)`, key, now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return n == 1, nil
}

func (l *SQLiteLedger) Prune(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.ttl).UnixNano()
	res, err := l.db.ExecContext(ctx, `DELETE FROM envelope_claims WHERE claimed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

func (l *SQLiteLedger) Backend() string { return "sqlite" }

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
