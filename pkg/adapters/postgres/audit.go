// Package postgres persists the control audit trail in PostgreSQL, for
// deployments where several arbiters report to one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/arbiter/internal/logging"
	"github.com/aretw0/arbiter/pkg/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS arbiter_regions (
	id         BIGSERIAL PRIMARY KEY,
	gate_id    TEXT NOT NULL,
	channel    TEXT NOT NULL,
	subject    TEXT NOT NULL,
	authority  SMALLINT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS arbiter_regions_channel_start ON arbiter_regions (channel, started_at);

CREATE TABLE IF NOT EXISTS arbiter_transfers (
	id           BIGSERIAL PRIMARY KEY,
	channel      TEXT NOT NULL,
	from_gate    TEXT,
	from_subject TEXT,
	to_gate      TEXT,
	to_subject   TEXT,
	to_authority SMALLINT,
	at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS arbiter_transfers_channel_at ON arbiter_transfers (channel, at);
`

// AuditLog implements ports.AuditLog on a pgx connection pool.
// PostgreSQL keeps microseconds, so recorded times are truncated to that precision.
type AuditLog struct {
	pool   *pgxpool.Pool
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

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*AuditLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	a := NewFromPool(pool, opts...)
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.logger.Debug("postgres audit log ready", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return a, nil
}

// NewFromPool wraps an existing pool. The schema is expected to exist.
func NewFromPool(pool *pgxpool.Pool, opts ...Option) *AuditLog {
	a := &AuditLog{pool: pool, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Close closes the pool.
func (a *AuditLog) Close() error {
	a.pool.Close()
	return nil
}

// RecordRegion stores the region of a closed gate.
func (a *AuditLog) RecordRegion(ctx context.Context, rec domain.RegionRecord) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO arbiter_regions (gate_id, channel, subject, authority, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		string(rec.Gate), string(rec.Channel), rec.Subject, int16(rec.Authority), rec.Start, rec.End,
	)
	if err != nil {
		return fmt.Errorf("record region: %w", err)
	}
	return nil
}

// RecordTransfer stores a change of winner. Missing sides are stored as NULL.
func (a *AuditLog) RecordTransfer(ctx context.Context, t domain.Transfer) error {
	var fromGate, fromSubject, toGate, toSubject *string
	var toAuthority *int16
	if t.From != nil {
		id, subject := string(t.From.ID), t.From.Subject
		fromGate, fromSubject = &id, &subject
	}
	if t.To != nil {
		id, subject, authority := string(t.To.ID), t.To.Subject, int16(t.To.Authority)
		toGate, toSubject, toAuthority = &id, &subject, &authority
	}

	_, err := a.pool.Exec(ctx,
		`INSERT INTO arbiter_transfers (channel, from_gate, from_subject, to_gate, to_subject, to_authority, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(t.Channel), fromGate, fromSubject, toGate, toSubject, toAuthority, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// Regions returns the recorded regions of a channel ordered by start.
func (a *AuditLog) Regions(ctx context.Context, key domain.ChannelKey) ([]domain.RegionRecord, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT gate_id, channel, subject, authority, started_at, ended_at
		 FROM arbiter_regions WHERE channel = $1 ORDER BY started_at, id`, string(key))
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RegionRecord, error) {
		var (
			gate, channel, subject string
			authority              int16
			start, end             time.Time
		)
		if err := row.Scan(&gate, &channel, &subject, &authority, &start, &end); err != nil {
			return domain.RegionRecord{}, err
		}
		return domain.RegionRecord{
			Gate:      domain.GateID(gate),
			Channel:   domain.ChannelKey(channel),
			Subject:   subject,
			Authority: domain.Authority(authority),
			Start:     start.UTC(),
			End:       end.UTC(),
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan regions: %w", err)
	}
	return out, nil
}

// LastTransfer returns the most recent transfer of a channel, or domain.ErrUndefined.
func (a *AuditLog) LastTransfer(ctx context.Context, key domain.ChannelKey) (domain.Transfer, error) {
	var (
		toGate, toSubject *string
		toAuthority       *int16
		at                time.Time
	)
	err := a.pool.QueryRow(ctx,
		`SELECT to_gate, to_subject, to_authority, at FROM arbiter_transfers
		 WHERE channel = $1 ORDER BY at DESC, id DESC LIMIT 1`, string(key),
	).Scan(&toGate, &toSubject, &toAuthority, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Transfer{}, domain.ErrUndefined
	}
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("query transfer: %w", err)
	}

	t := domain.Transfer{
		EventBase: domain.EventBase{Timestamp: at.UTC(), Type: domain.EventTransfer},
		Channel:   key,
	}
	if toGate != nil {
		to := domain.GateInfo{ID: domain.GateID(*toGate), Channel: key, State: domain.GateControlling}
		if toSubject != nil {
			to.Subject = *toSubject
		}
		if toAuthority != nil {
			to.Authority = domain.Authority(*toAuthority)
		}
		t.To = &to
	}
	return t, nil
}
