// Package sqlite persists the control audit trail in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/domain"

	_ "modernc.org/sqlite"
)

// AuditLog implements ports.AuditLog on SQLite in WAL mode.
// Timestamps are stored as Unix nanoseconds so that ordering is numeric.
type AuditLog struct {
	db     *sql.DB
	policy retryPolicy
	logger *slog.Logger
}

// Option configures the AuditLog.
type Option func(*AuditLog)

// WithLogger configures a logger for the AuditLog.
func WithLogger(logger *slog.Logger) Option {
	return func(a *AuditLog) {
		a.logger = logger
	}
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, opts ...Option) (*AuditLog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	a := &AuditLog{
		db:     db,
		policy: defaultRetryPolicy,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

// Close closes the database.
func (a *AuditLog) Close() error { return a.db.Close() }

func (a *AuditLog) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS regions (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		gate_id   TEXT NOT NULL,
		channel   TEXT NOT NULL,
		subject   TEXT NOT NULL,
		authority INTEGER NOT NULL,
		start_ns  INTEGER NOT NULL,
		end_ns    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_regions_channel_start ON regions(channel, start_ns);

	CREATE TABLE IF NOT EXISTS transfers (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		channel       TEXT NOT NULL,
		from_gate     TEXT,
		from_subject  TEXT,
		to_gate       TEXT,
		to_subject    TEXT,
		to_authority  INTEGER,
		at_ns         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transfers_channel_at ON transfers(channel, at_ns);
	`
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// RecordRegion stores the region of a closed gate.
func (a *AuditLog) RecordRegion(ctx context.Context, rec domain.RegionRecord) error {
	err := a.policy.retry(ctx, func() error {
		_, err := a.db.ExecContext(ctx,
			`INSERT INTO regions (gate_id, channel, subject, authority, start_ns, end_ns)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			string(rec.Gate), string(rec.Channel), rec.Subject, int(rec.Authority),
			rec.Start.UnixNano(), rec.End.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record region: %w", err)
	}
	return nil
}

// RecordTransfer stores a change of winner.
func (a *AuditLog) RecordTransfer(ctx context.Context, t domain.Transfer) error {
	var fromGate, fromSubject, toGate, toSubject sql.NullString
	var toAuthority sql.NullInt64
	if t.From != nil {
		fromGate = sql.NullString{String: string(t.From.ID), Valid: true}
		fromSubject = sql.NullString{String: t.From.Subject, Valid: true}
	}
	if t.To != nil {
		toGate = sql.NullString{String: string(t.To.ID), Valid: true}
		toSubject = sql.NullString{String: t.To.Subject, Valid: true}
		toAuthority = sql.NullInt64{Int64: int64(t.To.Authority), Valid: true}
	}

	err := a.policy.retry(ctx, func() error {
		_, err := a.db.ExecContext(ctx,
			`INSERT INTO transfers (channel, from_gate, from_subject, to_gate, to_subject, to_authority, at_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(t.Channel), fromGate, fromSubject, toGate, toSubject, toAuthority, t.Timestamp.UnixNano(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// Regions returns the recorded regions of a channel ordered by start.
func (a *AuditLog) Regions(ctx context.Context, key domain.ChannelKey) ([]domain.RegionRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT gate_id, channel, subject, authority, start_ns, end_ns
		 FROM regions WHERE channel = ? ORDER BY start_ns, id`, string(key))
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer rows.Close()

	var out []domain.RegionRecord
	for rows.Next() {
		var (
			gate, channel, subject string
			authority              int
			startNs, endNs         int64
		)
		if err := rows.Scan(&gate, &channel, &subject, &authority, &startNs, &endNs); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, domain.RegionRecord{
			Gate:      domain.GateID(gate),
			Channel:   domain.ChannelKey(channel),
			Subject:   subject,
			Authority: domain.Authority(authority),
			Start:     time.Unix(0, startNs).UTC(),
			End:       time.Unix(0, endNs).UTC(),
		})
	}
	return out, rows.Err()
}

// TransferCount returns how many transfers were recorded for a channel.
func (a *AuditLog) TransferCount(ctx context.Context, key domain.ChannelKey) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transfers WHERE channel = ?`, string(key)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transfers: %w", err)
	}
	return n, nil
}
