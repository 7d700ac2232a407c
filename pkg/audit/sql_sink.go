package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/esta-kernel/pkg/contracts"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const createAuditTable = `CREATE TABLE IF NOT EXISTS audit_records (
	sequence BIGINT PRIMARY KEY,
	timestamp BIGINT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	subject TEXT NOT NULL,
	outcome TEXT NOT NULL,
	reason TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
)`

// SQLSink persists records to a relational store. Drivers are registered by
// the caller (modernc.org/sqlite as "sqlite", lib/pq as "postgres").
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps db and ensures the audit table exists.
func NewSQLSink(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLSink, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("audit: unsupported dialect %q", dialect)
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &SQLSink{db: db, dialect: dialect}, nil
}

func (s *SQLSink) insertQuery() string {
	if s.dialect == DialectPostgres {
		return `INSERT INTO audit_records (sequence, timestamp, actor, action, subject, outcome, reason, prev_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	}
	return `INSERT INTO audit_records (sequence, timestamp, actor, action, subject, outcome, reason, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func (s *SQLSink) Write(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, s.insertQuery(),
		int64(r.Sequence), int64(r.Timestamp), string(r.Actor), string(r.Action),
		r.Subject, string(r.Outcome), r.Reason, r.PrevHash, r.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert seq %d: %w", r.Sequence, err)
	}
	return nil
}

// Load reads every stored record in sequence order.
func (s *SQLSink) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, timestamp, actor, action, subject, outcome, reason, prev_hash, hash FROM audit_records ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r                      Record
			seq, ts                int64
			actor, action, outcome string
		)
		if err := rows.Scan(&seq, &ts, &actor, &action, &r.Subject, &outcome, &r.Reason, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		r.Sequence = uint64(seq)
		r.Timestamp = contracts.LogicalTime(ts)
		r.Actor = contracts.ModuleID(actor)
		r.Action = Action(action)
		r.Outcome = Outcome(outcome)
		out = append(out, r)
	}
	return out, rows.Err()
}
