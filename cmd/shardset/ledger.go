package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/shardset/shardset/builder"
)

// ledger appends one row per preparation run to a MySQL table, creating the
// table on first use. Recording failures are reported to the caller to log;
// they never fail the run itself.
type ledger struct {
	db *sql.DB
}

func openLedger(ctx context.Context, dsn string) (*ledger, error) {
	// For parsing timestamps into Go time.Time objects
	if !strings.Contains(dsn, "parseTime") {
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql database: %w", err)
	}

	l := &ledger{db: db}
	if err := l.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS preparation_runs (
	id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	dataset VARCHAR(255) NOT NULL,
	version VARCHAR(32) NOT NULL,
	state VARCHAR(16) NOT NULL,
	records BIGINT NOT NULL,
	bytes BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	INDEX idx_dataset_version (dataset, version)
)`

func (l *ledger) ensureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("creating preparation_runs table: %w", err)
	}
	return nil
}

// runRecord is one preparation outcome, successful or not.
type runRecord struct {
	dataset  string
	version  builder.Version
	state    builder.State
	records  int
	bytes    int64
	duration time.Duration
	err      error
}

func (l *ledger) record(ctx context.Context, r runRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ledger transaction: %w", err)
	}
	defer tx.Rollback()

	var errText sql.NullString
	if r.err != nil {
		errText = sql.NullString{String: r.err.Error(), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO preparation_runs
			(dataset, version, state, records, bytes, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.dataset,
		r.version.String(),
		r.state.String(),
		r.records,
		r.bytes,
		r.duration.Milliseconds(),
		errText,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("inserting run row: %w", err)
	}
	return tx.Commit()
}

func (l *ledger) Close() error {
	return l.db.Close()
}
