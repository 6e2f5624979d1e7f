/*
Package postgres provides the production implementation of
engine.FactStore backed by PostgreSQL via pgx.

Unlike the SQLite store, no process-level mutex is held: PostgreSQL's
transaction isolation handles concurrent access, and the Coordinator's
per-resource serialization already orders the writes that matter.

Migrations are versioned SQL files embedded in the binary and applied
with goose on startup.
*/
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/warp/schedule-engine/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements engine.FactStore plus the fact/catalog write paths.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and applies pending migrations.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	// Goose works with *sql.DB, so borrow one from the pool config.
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return goose.UpContext(ctx, db, "migrations")
}

// =============================================================================
// CALENDAR FACTS
// =============================================================================

func (s *Store) WorkingHours(ctx context.Context, resource engine.ResourceID) ([]engine.WorkingHoursRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, resource_id, weekday, start_minute, end_minute, effective_from, effective_to
		FROM working_hours
		WHERE resource_id = $1
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
			from, to *time.Time
		)
		if err := rows.Scan(&r.ID, &r.Resource, &weekday, &r.StartMinute, &r.EndMinute, &from, &to); err != nil {
			return nil, fmt.Errorf("scan working hours: %w", err)
		}
		r.Weekday = time.Weekday(weekday)
		if from != nil {
			r.EffectiveFrom = *from
		}
		if to != nil {
			r.EffectiveTo = *to
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Blackouts(ctx context.Context, resource engine.ResourceID, window engine.TimeRange) ([]engine.BlackoutPeriod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, resource_id, start_at, end_at, reason
		FROM blackouts
		WHERE resource_id = $1 AND start_at < $2 AND end_at > $3
		ORDER BY start_at
	`, resource, window.End, window.Start)
	if err != nil {
		return nil, fmt.Errorf("query blackouts: %w", err)
	}
	defer rows.Close()

	var out []engine.BlackoutPeriod
	for rows.Next() {
		var (
			b          engine.BlackoutPeriod
			start, end time.Time
			reason     *string
		)
		if err := rows.Scan(&b.ID, &b.Resource, &start, &end, &reason); err != nil {
			return nil, fmt.Errorf("scan blackout: %w", err)
		}
		b.Span = engine.TimeRange{Start: start, End: end}
		if reason != nil {
			b.Reason = *reason
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveWorkingHoursRule upserts a working-hours rule.
func (s *Store) SaveWorkingHoursRule(ctx context.Context, rule engine.WorkingHoursRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO working_hours (id, resource_id, weekday, start_minute, end_minute, effective_from, effective_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			resource_id = EXCLUDED.resource_id,
			weekday = EXCLUDED.weekday,
			start_minute = EXCLUDED.start_minute,
			end_minute = EXCLUDED.end_minute,
			effective_from = EXCLUDED.effective_from,
			effective_to = EXCLUDED.effective_to
	`, rule.ID, rule.Resource, int(rule.Weekday), rule.StartMinute, rule.EndMinute,
		nullTime(rule.EffectiveFrom), nullTime(rule.EffectiveTo))
	if err != nil {
		return fmt.Errorf("save working hours rule: %w", err)
	}
	return nil
}

// SaveBlackoutPeriod upserts a blackout period.
func (s *Store) SaveBlackoutPeriod(ctx context.Context, b engine.BlackoutPeriod) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blackouts (id, resource_id, start_at, end_at, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			resource_id = EXCLUDED.resource_id,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			reason = EXCLUDED.reason
	`, b.ID, b.Resource, b.Span.Start, b.Span.End, b.Reason)
	if err != nil {
		return fmt.Errorf("save blackout period: %w", err)
	}
	return nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

const appointmentColumns = `id, resource_id, start_at, duration_seconds, status,
	client_ref, idempotency_key, version, created_at, updated_at`

func (s *Store) GetAppointment(ctx context.Context, id engine.AppointmentID) (*engine.Appointment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, engine.ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, resource engine.ResourceID, key string) (*engine.Appointment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE resource_id = $1 AND idempotency_key = $2`, resource, key)
	appt, err := scanAppointment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get by idempotency key: %w", err)
	}
	return appt, nil
}

func (s *Store) ListActiveAppointments(ctx context.Context, resource engine.ResourceID, window engine.TimeRange) ([]engine.Appointment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE resource_id = $1
		   AND status IN ('pending', 'confirmed')
		   AND start_at < $2 AND end_at > $3
		 ORDER BY start_at ASC`,
		resource, window.End, window.Start)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

func (s *Store) ListPendingBefore(ctx context.Context, createdBefore time.Time) ([]engine.Appointment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at ASC`,
		createdBefore)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments
		(id, resource_id, start_at, end_at, duration_seconds, status,
		 client_ref, idempotency_key, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		appt.ID, appt.Resource,
		appt.Start, appt.Start.Add(appt.Duration),
		int64(appt.Duration.Seconds()), appt.Status,
		appt.ClientRef, nullString(appt.IdempotencyKey), appt.Version,
		appt.CreatedAt, appt.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert appointment: %w", err)
	}

	if err := appendChange(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CommitUpdate(ctx context.Context, appt engine.Appointment, expectedVersion int64, rec engine.ChangeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Compare-and-swap on the version column.
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET start_at = $1, end_at = $2, duration_seconds = $3, status = $4,
		    version = $5, updated_at = $6
		WHERE id = $7 AND version = $8
	`,
		appt.Start, appt.Start.Add(appt.Duration),
		int64(appt.Duration.Seconds()), appt.Status,
		appt.Version, appt.UpdatedAt,
		appt.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var actual int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM appointments WHERE id = $1`, appt.ID).Scan(&actual)
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.ErrAppointmentNotFound
		}
		if err != nil {
			return fmt.Errorf("read stored version: %w", err)
		}
		return &engine.VersionConflictError{ID: appt.ID, Expected: expectedVersion, Actual: actual}
	}

	if err := appendChange(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func appendChange(ctx context.Context, tx pgx.Tx, rec engine.ChangeRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO change_records
		(appointment_id, resource_id, op, prev_version, new_version, at, actor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.AppointmentID, rec.Resource, rec.Op, rec.PrevVersion, rec.NewVersion,
		rec.At, rec.Actor)
	if err != nil {
		return fmt.Errorf("append change record: %w", err)
	}
	return nil
}

// =============================================================================
// CHANGE FEED
// =============================================================================

func (s *Store) ChangesSince(ctx context.Context, resource engine.ResourceID, cursor int64) ([]engine.ChangeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, appointment_id, resource_id, op, prev_version, new_version, at, actor_id
		FROM change_records
		WHERE resource_id = $1 AND seq > $2
		ORDER BY seq ASC
	`, resource, cursor)
	if err != nil {
		return nil, fmt.Errorf("query change records: %w", err)
	}
	defer rows.Close()

	var out []engine.ChangeRecord
	for rows.Next() {
		var rec engine.ChangeRecord
		if err := rows.Scan(&rec.Seq, &rec.AppointmentID, &rec.Resource, &rec.Op,
			&rec.PrevVersion, &rec.NewVersion, &rec.At, &rec.Actor); err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// SERVICE CATALOG
// =============================================================================

func (s *Store) SaveService(ctx context.Context, svc engine.ServiceDefinition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (id, name, duration_seconds, price)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			duration_seconds = EXCLUDED.duration_seconds,
			price = EXCLUDED.price
	`, svc.ID, svc.Name, int64(svc.Duration.Seconds()), svc.Price)
	if err != nil {
		return fmt.Errorf("save service: %w", err)
	}
	return nil
}

func (s *Store) GetService(ctx context.Context, id string) (*engine.ServiceDefinition, error) {
	var (
		svc     engine.ServiceDefinition
		seconds int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, duration_seconds, price FROM services WHERE id = $1`, id,
	).Scan(&svc.ID, &svc.Name, &seconds, &svc.Price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	svc.Duration = time.Duration(seconds) * time.Second
	return &svc, nil
}

func (s *Store) ListServices(ctx context.Context) ([]engine.ServiceDefinition, error) {
	rows, err := s.pool.Query(ctx,
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
		)
		if err := rows.Scan(&svc.ID, &svc.Name, &seconds, &svc.Price); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		svc.Duration = time.Duration(seconds) * time.Second
		out = append(out, svc)
	}
	return out, rows.Err()
}

// =============================================================================
// SCAN / FORMAT HELPERS
// =============================================================================

func scanAppointment(row pgx.Row) (*engine.Appointment, error) {
	var (
		a         engine.Appointment
		seconds   int64
		clientRef *string
		idemKey   *string
	)
	err := row.Scan(&a.ID, &a.Resource, &a.Start, &seconds, &a.Status,
		&clientRef, &idemKey, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Duration = time.Duration(seconds) * time.Second
	if clientRef != nil {
		a.ClientRef = *clientRef
	}
	if idemKey != nil {
		a.IdempotencyKey = *idemKey
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]engine.Appointment, error) {
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

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
