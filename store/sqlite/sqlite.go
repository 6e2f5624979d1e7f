/*
Package sqlite provides a SQLite-backed implementation of the
engine.FactStore interface for embedded deployments.

KEY TABLES:
  appointments:   Durable bookings with a monotonic version column
  change_records: Append-only mutation log (the sync cursor source)
  working_hours:  Weekly rules owned by shop configuration
  blackouts:      Absolute unavailability spans
  services:       Bookable service catalog

OPTIMISTIC CONCURRENCY:
  Updates are compare-and-swap: UPDATE ... WHERE id = ? AND version = ?.
  Zero rows affected means either a stale version or a missing row; the
  two are distinguished with a follow-up read inside the same database
  transaction.

ATOMICITY:
  CommitCreate and CommitUpdate write the appointment row and its change
  record inside one database transaction - either both land or neither.

WAL MODE:
  SQLite is opened with WAL for better concurrency: multiple readers
  don't block and crash recovery is cleaner. A sync.RWMutex guards the
  connection; in production the PostgreSQL store relies on database
  concurrency control instead.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres: Production implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/schedule-engine/engine"
)

// Store implements engine.FactStore plus the fact/catalog write paths
// used by shop configuration.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		status TEXT NOT NULL,
		client_ref TEXT,
		idempotency_key TEXT,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Overlap queries (hot path: snapshot reads)
	CREATE INDEX IF NOT EXISTS idx_appointments_resource_range
		ON appointments(resource_id, start_at, end_at);
	CREATE INDEX IF NOT EXISTS idx_appointments_status
		ON appointments(status);

	-- A retried create with the same key must find the original.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_idempotency
		ON appointments(resource_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND idempotency_key != '';

	-- Append-only mutation log; seq doubles as the sync cursor.
	CREATE TABLE IF NOT EXISTS change_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		appointment_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		op TEXT NOT NULL,
		prev_version INTEGER NOT NULL,
		new_version INTEGER NOT NULL,
		at TEXT NOT NULL,
		actor_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_records_resource
		ON change_records(resource_id, seq);

	CREATE TABLE IF NOT EXISTS working_hours (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		weekday INTEGER NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		effective_from TEXT,
		effective_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_working_hours_resource
		ON working_hours(resource_id);

	CREATE TABLE IF NOT EXISTS blackouts (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_blackouts_resource_range
		ON blackouts(resource_id, start_at, end_at);

	CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		price TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CALENDAR FACTS
// =============================================================================

func (s *Store) WorkingHours(ctx context.Context, resource engine.ResourceID) ([]engine.WorkingHoursRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, weekday, start_minute, end_minute, effective_from, effective_to
		FROM working_hours
		WHERE resource_id = ?
		ORDER BY weekday, start_minute
	`, resource)
	if err != nil {
		return nil, fmt.Errorf("query working hours: %w", err)
	}
	defer rows.Close()

	var out []engine.WorkingHoursRule
	for rows.Next() {
		var (
			r        engine.WorkingHoursRule
			weekday  int
			from, to sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Resource, &weekday, &r.StartMinute, &r.EndMinute, &from, &to); err != nil {
			return nil, fmt.Errorf("scan working hours: %w", err)
		}
		r.Weekday = time.Weekday(weekday)
		r.EffectiveFrom = parseNullTime(from)
		r.EffectiveTo = parseNullTime(to)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Blackouts(ctx context.Context, resource engine.ResourceID, window engine.TimeRange) ([]engine.BlackoutPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource_id, start_at, end_at, reason
		FROM blackouts
		WHERE resource_id = ? AND start_at < ? AND end_at > ?
		ORDER BY start_at
	`, resource, formatTime(window.End), formatTime(window.Start))
	if err != nil {
		return nil, fmt.Errorf("query blackouts: %w", err)
	}
	defer rows.Close()

	var out []engine.BlackoutPeriod
	for rows.Next() {
		var (
			b          engine.BlackoutPeriod
			start, end string
			reason     sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.Resource, &start, &end, &reason); err != nil {
			return nil, fmt.Errorf("scan blackout: %w", err)
		}
		b.Span = engine.TimeRange{Start: mustParseTime(start), End: mustParseTime(end)}
		b.Reason = reason.String
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveWorkingHoursRule upserts a working-hours rule.
func (s *Store) SaveWorkingHoursRule(ctx context.Context, rule engine.WorkingHoursRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO working_hours (id, resource_id, weekday, start_minute, end_minute, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource_id = excluded.resource_id,
			weekday = excluded.weekday,
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to
	`, rule.ID, rule.Resource, int(rule.Weekday), rule.StartMinute, rule.EndMinute,
		nullTime(rule.EffectiveFrom), nullTime(rule.EffectiveTo))
	return err
}

// SaveBlackoutPeriod upserts a blackout period.
func (s *Store) SaveBlackoutPeriod(ctx context.Context, b engine.BlackoutPeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blackouts (id, resource_id, start_at, end_at, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resource_id = excluded.resource_id,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			reason = excluded.reason
	`, b.ID, b.Resource, formatTime(b.Span.Start), formatTime(b.Span.End), b.Reason)
	return err
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, resource_id, start_at, duration_seconds, status,
	client_ref, idempotency_key, version, created_at, updated_at`

func (s *Store) GetAppointment(ctx context.Context, id engine.AppointmentID) (*engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAppointment(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAppointment(ctx context.Context, db querier, id engine.AppointmentID) (*engine.Appointment, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	appt, err := scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, engine.ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, resource engine.ResourceID, key string) (*engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE resource_id = ? AND idempotency_key = ?`, resource, key)
	appt, err := scanAppointment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by idempotency key: %w", err)
	}
	return appt, nil
}

func (s *Store) ListActiveAppointments(ctx context.Context, resource engine.ResourceID, window engine.TimeRange) ([]engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE resource_id = ?
		   AND status IN ('pending', 'confirmed')
		   AND start_at < ? AND end_at > ?
		 ORDER BY start_at ASC`,
		resource, formatTime(window.End), formatTime(window.Start))
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *Store) ListPendingBefore(ctx context.Context, createdBefore time.Time) ([]engine.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status = 'pending' AND created_at < ?
		 ORDER BY created_at ASC`,
		formatTime(createdBefore))
	if err != nil {
		return nil, fmt.Errorf("list pending appointments: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// =============================================================================
// ATOMIC COMMITS
// =============================================================================

func (s *Store) CommitCreate(ctx context.Context, appt engine.Appointment, rec engine.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO appointments
		(id, resource_id, start_at, end_at, duration_seconds, status,
		 client_ref, idempotency_key, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		appt.ID, appt.Resource,
		formatTime(appt.Start), formatTime(appt.Start.Add(appt.Duration)),
		int64(appt.Duration.Seconds()), appt.Status,
		appt.ClientRef, nullString(appt.IdempotencyKey), appt.Version,
		formatTime(appt.CreatedAt), formatTime(appt.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert appointment: %w", err)
	}

	if err := appendChange(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CommitUpdate(ctx context.Context, appt engine.Appointment, expectedVersion int64, rec engine.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Compare-and-swap on the version column.
	res, err := tx.ExecContext(ctx, `
		UPDATE appointments
		SET start_at = ?, end_at = ?, duration_seconds = ?, status = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		formatTime(appt.Start), formatTime(appt.Start.Add(appt.Duration)),
		int64(appt.Duration.Seconds()), appt.Status,
		appt.Version, formatTime(appt.UpdatedAt),
		appt.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		cur, err := getAppointment(ctx, tx, appt.ID)
		if err != nil {
			return err
		}
		return &engine.VersionConflictError{ID: appt.ID, Expected: expectedVersion, Actual: cur.Version}
	}

	if err := appendChange(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func appendChange(ctx context.Context, tx *sql.Tx, rec engine.ChangeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_records
		(appointment_id, resource_id, op, prev_version, new_version, at, actor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.AppointmentID, rec.Resource, rec.Op, rec.PrevVersion, rec.NewVersion,
		formatTime(rec.At), rec.Actor)
	if err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return nil
}

// =============================================================================
// CHANGE FEED
// =============================================================================

func (s *Store) ChangesSince(ctx context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, appointment_id, resource_id, op, prev_version, new_version, at, actor_id
		FROM change_records
		WHERE resource_id = ? AND seq > ?
		ORDER BY seq ASC
	`, resource, cursor)
	if err != nil {
		return nil, fmt.Errorf("query change records: %w", err)
	}
	defer rows.Close()

	var out []engine.ChangeRecord
	for rows.Next() {
		var (
			rec engine.ChangeRecord
			at  string
		)
		if err := rows.Scan(&rec.Seq, &rec.AppointmentID, &rec.Resource, &rec.Op,
			&rec.PrevVersion, &rec.NewVersion, &at, &rec.Actor); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		rec.At = mustParseTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// SERVICE CATALOG
// =============================================================================

func (s *Store) SaveService(ctx context.Context, svc engine.ServiceDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, name, duration_seconds, price)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			duration_seconds = excluded.duration_seconds,
			price = excluded.price
	`, svc.ID, svc.Name, int64(svc.Duration.Seconds()), svc.Price.String())
	return err
}

func (s *Store) GetService(ctx context.Context, id string) (*engine.ServiceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		svc     engine.ServiceDefinition
		seconds int64
		price   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, duration_seconds, price FROM services WHERE id = ?`, id,
	).Scan(&svc.ID, &svc.Name, &seconds, &price)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	svc.Duration = time.Duration(seconds) * time.Second
	svc.Price, _ = decimal.NewFromString(price)
	return &svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]engine.ServiceDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, duration_seconds, price FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []engine.ServiceDefinition
	for rows.Next() {
		var (
			svc     engine.ServiceDefinition
			seconds int64
			price   string
		)
		if err := rows.Scan(&svc.ID, &svc.Name, &seconds, &price); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		svc.Duration = time.Duration(seconds) * time.Second
		svc.Price, _ = decimal.NewFromString(price)
		out = append(out, svc)
	}
	return out, rows.Err()
}

// =============================================================================
// SCAN / FORMAT HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*engine.Appointment, error) {
	var (
		a                engine.Appointment
		start            string
		seconds          int64
		clientRef        sql.NullString
		idemKey          sql.NullString
		created, updated string
	)
	err := row.Scan(&a.ID, &a.Resource, &start, &seconds, &a.Status,
		&clientRef, &idemKey, &a.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Start = mustParseTime(start)
	a.Duration = time.Duration(seconds) * time.Second
	a.ClientRef = clientRef.String
	a.IdempotencyKey = idemKey.String
	a.CreatedAt = mustParseTime(created)
	a.UpdatedAt = mustParseTime(updated)
	return &a, nil
}

func collectAppointments(rows *sql.Rows) ([]engine.Appointment, error) {
	var out []engine.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

// formatTime stores UTC at second precision. Fixed-width RFC3339 keeps
// lexicographic string comparison consistent with time order, which the
// range queries rely on.
func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func mustParseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	return mustParseTime(ns.String)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
