// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// Store implements monitor.Store and monitor.EventStore on Postgres.
type Store struct {
	pool   pool
	logger *zap.Logger
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, logger: logger.Named("postgres")}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const monitorColumns = `id, flow, applicant_id, run_id, status, config, created_at`

// ActivateMonitor demotes any active record of rec.Flow and inserts rec in a
// single transaction. A per-flow advisory lock serializes concurrent
// activations; the partial unique index backs it up.
func (s *Store) ActivateMonitor(ctx context.Context, rec monitor.Session) (monitor.Session, []monitor.Session, error) {
	if rec.Flow == "" {
		return monitor.Session{}, nil, fmt.Errorf("flow is required: %w", monitor.ErrInvalid)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return monitor.Session{}, nil, fmt.Errorf("begin tx: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.Flow); err != nil {
		s.rollback(ctx, tx)
		return monitor.Session{}, nil, fmt.Errorf("lock flow: %w", err)
	}

	rows, err := tx.Query(ctx, `
		UPDATE monitors SET status = 'stopped'
		WHERE flow = $1 AND status = 'active'
		RETURNING `+monitorColumns, rec.Flow)
	if err != nil {
		s.rollback(ctx, tx)
		return monitor.Session{}, nil, fmt.Errorf("demote active monitors: %w", err)
	}
	demoted, err := collectSessions(rows)
	if err != nil {
		s.rollback(ctx, tx)
		return monitor.Session{}, nil, fmt.Errorf("demote active monitors: %w", err)
	}

	rec.Status = monitor.StatusActive
	err = tx.QueryRow(ctx, `
		INSERT INTO monitors (flow, applicant_id, run_id, status, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		rec.Flow, rec.ApplicantID, rec.RunID, string(rec.Status), nullableJSON(rec.Config),
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		s.rollback(ctx, tx)
		return monitor.Session{}, nil, fmt.Errorf("insert monitor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return monitor.Session{}, nil, fmt.Errorf("commit tx: %w", err)
	}
	return rec, demoted, nil
}

// GetMonitor returns the record with id or monitor.ErrNotFound.
func (s *Store) GetMonitor(ctx context.Context, id int64) (monitor.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = $1`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Session{}, fmt.Errorf("monitor %d: %w", id, monitor.ErrNotFound)
		}
		return monitor.Session{}, fmt.Errorf("get monitor: %w", err)
	}
	return rec, nil
}

// SetMonitorStatus updates the status of an existing record.
func (s *Store) SetMonitorStatus(ctx context.Context, id int64, status monitor.Status) error {
	tag, err := s.pool.Exec(ctx, `UPDATE monitors SET status = $1 WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("set monitor status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitor %d: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// FindMonitors returns matching records newest first. Empty filters match all.
func (s *Store) FindMonitors(ctx context.Context, flow string, status monitor.Status) ([]monitor.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+monitorColumns+` FROM monitors
		WHERE ($1 = '' OR flow = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC`, flow, string(status))
	if err != nil {
		return nil, fmt.Errorf("find monitors: %w", err)
	}
	out, err := collectSessions(rows)
	if err != nil {
		return nil, fmt.Errorf("find monitors: %w", err)
	}
	return out, nil
}

const bookingColumns = `id, applicant_id, run_id, status, form_data, pdf_url, created_at`

// CreateBooking inserts b and returns it with its ID and creation time.
func (s *Store) CreateBooking(ctx context.Context, b monitor.Booking) (monitor.Booking, error) {
	if b.Status == "" {
		b.Status = monitor.BookingQueued
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bookings (applicant_id, run_id, status, form_data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		b.ApplicantID, b.RunID, string(b.Status), nullableJSON(b.FormData),
	).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return monitor.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return b, nil
}

// GetBooking returns the booking with id or monitor.ErrNotFound.
func (s *Store) GetBooking(ctx context.Context, id int64) (monitor.Booking, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Booking{}, fmt.Errorf("booking %d: %w", id, monitor.ErrNotFound)
		}
		return monitor.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// UpdateBooking sets the status and, when pdfURL is non-nil, the confirmation link.
func (s *Store) UpdateBooking(ctx context.Context, id int64, status monitor.BookingStatus, pdfURL *string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bookings SET status = $1, pdf_url = COALESCE($2, pdf_url) WHERE id = $3`,
		string(status), pdfURL, id)
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("booking %d: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// ListBookings returns every booking newest first.
func (s *Store) ListBookings(ctx context.Context) ([]monitor.Booking, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bookingColumns+` FROM bookings ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	var out []monitor.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return out, nil
}

var eventColumns = []string{
	"run_id", "event", "message", "monitor_id", "booking_id", "applicant_id", "pdf_url", "occurred_at",
}

// AppendEvents copies a batch of events into monitor_events.
func (s *Store) AppendEvents(ctx context.Context, events []monitor.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, evt := range events {
		rows = append(rows, []any{
			evt.RunID,
			string(evt.Kind),
			evt.Message,
			nullableID(evt.MonitorID),
			nullableID(evt.BookingID),
			nullableText(evt.ApplicantID),
			nullableText(evt.PDFURL),
			evt.Timestamp,
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"monitor_events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	if int(n) != len(events) {
		s.logger.Warn("short event copy", zap.Int64("copied", n), zap.Int("batch", len(events)))
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.logger.Warn("rollback failed", zap.Error(err))
	}
}

func scanSession(row pgx.Row) (monitor.Session, error) {
	var (
		rec    monitor.Session
		status string
		config []byte
	)
	if err := row.Scan(&rec.ID, &rec.Flow, &rec.ApplicantID, &rec.RunID, &status, &config, &rec.CreatedAt); err != nil {
		return monitor.Session{}, err
	}
	rec.Status = monitor.Status(status)
	rec.Config = config
	return rec, nil
}

func collectSessions(rows pgx.Rows) ([]monitor.Session, error) {
	defer rows.Close()
	var out []monitor.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanBooking(row pgx.Row) (monitor.Booking, error) {
	var (
		b      monitor.Booking
		status string
		form   []byte
		pdfURL *string
	)
	if err := row.Scan(&b.ID, &b.ApplicantID, &b.RunID, &status, &form, &pdfURL, &b.CreatedAt); err != nil {
		return monitor.Booking{}, err
	}
	b.Status = monitor.BookingStatus(status)
	b.FormData = form
	b.PDFURL = pdfURL
	return b, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
