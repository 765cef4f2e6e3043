package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS meters (
	id                UUID PRIMARY KEY,
	serial_number     TEXT NOT NULL UNIQUE,
	longitude         DOUBLE PRECISION,
	latitude          DOUBLE PRECISION,
	status            TEXT NOT NULL,
	current_flow_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_updated      TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS meter_audit_events (
	seq                     BIGSERIAL PRIMARY KEY,
	meter_id                UUID NOT NULL REFERENCES meters (id),
	serial_number           TEXT NOT NULL,
	previous_classification TEXT NOT NULL,
	current_classification  TEXT NOT NULL,
	flow_rate               DOUBLE PRECISION NOT NULL,
	cause                   TEXT NOT NULL,
	occurred_at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS meter_audit_events_meter_idx ON meter_audit_events (meter_id, seq);
`

const meterColumns = `id, serial_number, longitude, latitude, status, current_flow_rate, last_updated, created_at`

// MeterRepository stores meters and their audit trail in Postgres.
type MeterRepository struct {
	db *sql.DB
}

// NewMeterRepository returns repository.
func NewMeterRepository(db *sql.DB) *MeterRepository {
	return &MeterRepository{db: db}
}

// Migrate creates the tables if they are missing.
func (r *MeterRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

// Insert stores a new meter.
func (r *MeterRepository) Insert(ctx context.Context, m models.Meter) error {
	const query = `
		INSERT INTO meters (id, serial_number, longitude, latitude, status, current_flow_rate, last_updated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	lon, lat := locationArgs(m.Location)
	_, err := r.db.ExecContext(ctx, query,
		m.ID,
		m.SerialNumber,
		lon,
		lat,
		string(m.Status),
		m.CurrentFlowRate,
		m.LastUpdated,
		m.CreatedAt,
	)
	return mapStorageError(err)
}

// FindByID loads a meter by id.
func (r *MeterRepository) FindByID(ctx context.Context, id string) (models.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE id = $1`
	m, err := scanMeter(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Meter{}, notFoundOr(err)
	}
	return m, nil
}

// FindBySerial loads a meter by serial number.
func (r *MeterRepository) FindBySerial(ctx context.Context, serial string) (models.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE serial_number = $1`
	m, err := scanMeter(r.db.QueryRowContext(ctx, query, serial))
	if err != nil {
		return models.Meter{}, notFoundOr(err)
	}
	return m, nil
}

// List returns every meter.
func (r *MeterRepository) List(ctx context.Context) ([]models.Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters ORDER BY last_updated DESC, serial_number`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	meters := make([]models.Meter, 0)
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, mapStorageError(err)
		}
		meters = append(meters, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError(err)
	}
	return meters, nil
}

// Mutate locks the meter row, applies fn and writes the meter together with the
// returned audit events in one transaction.
func (r *MeterRepository) Mutate(ctx context.Context, id string, fn registry.MutateFunc) (models.Meter, []models.AuditEvent, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Meter{}, nil, mapStorageError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := applyLockTimeout(ctx, tx); err != nil {
		return models.Meter{}, nil, mapStorageError(err)
	}

	query := `SELECT ` + meterColumns + ` FROM meters WHERE id = $1 FOR UPDATE`
	meter, err := scanMeter(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Meter{}, nil, notFoundOr(err)
	}

	events, err := fn(&meter)
	if err != nil {
		return models.Meter{}, nil, err
	}

	const update = `
		UPDATE meters
		SET longitude = $2,
		    latitude = $3,
		    status = $4,
		    current_flow_rate = $5,
		    last_updated = $6
		WHERE id = $1
	`
	lon, lat := locationArgs(meter.Location)
	if _, err := tx.ExecContext(ctx, update,
		meter.ID,
		lon,
		lat,
		string(meter.Status),
		meter.CurrentFlowRate,
		meter.LastUpdated,
	); err != nil {
		return models.Meter{}, nil, mapStorageError(err)
	}

	const insertEvent = `
		INSERT INTO meter_audit_events (meter_id, serial_number, previous_classification, current_classification, flow_rate, cause, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`
	for i := range events {
		ev := &events[i]
		if err := tx.QueryRowContext(ctx, insertEvent,
			ev.MeterID,
			ev.SerialNumber,
			string(ev.Previous),
			string(ev.Current),
			ev.FlowRate,
			string(ev.Cause),
			ev.OccurredAt,
		).Scan(&ev.Sequence); err != nil {
			return models.Meter{}, nil, mapStorageError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.Meter{}, nil, mapStorageError(err)
	}
	committed = true
	return meter, events, nil
}

// ListAuditEvents returns the latest limit events in occurrence order. An empty
// meterID selects every meter; limit <= 0 returns everything.
func (r *MeterRepository) ListAuditEvents(ctx context.Context, meterID string, limit int) ([]models.AuditEvent, error) {
	const query = `
		SELECT seq, meter_id, serial_number, previous_classification, current_classification, flow_rate, cause, occurred_at
		FROM (
			SELECT * FROM meter_audit_events
			WHERE $1 = '' OR meter_id::text = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := r.db.QueryContext(ctx, query, meterID, lim)
	if err != nil {
		return nil, mapStorageError(err)
	}
	defer rows.Close()

	events := make([]models.AuditEvent, 0)
	for rows.Next() {
		var (
			ev                       models.AuditEvent
			previous, current, cause string
		)
		if err := rows.Scan(
			&ev.Sequence,
			&ev.MeterID,
			&ev.SerialNumber,
			&previous,
			&current,
			&ev.FlowRate,
			&cause,
			&ev.OccurredAt,
		); err != nil {
			return nil, mapStorageError(err)
		}
		ev.Previous = models.Classification(previous)
		ev.Current = models.Classification(current)
		ev.Cause = models.AuditCause(cause)
		ev.OccurredAt = ev.OccurredAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStorageError(err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeter(row rowScanner) (models.Meter, error) {
	var (
		m        models.Meter
		lon, lat sql.NullFloat64
		status   string
	)
	if err := row.Scan(
		&m.ID,
		&m.SerialNumber,
		&lon,
		&lat,
		&status,
		&m.CurrentFlowRate,
		&m.LastUpdated,
		&m.CreatedAt,
	); err != nil {
		return models.Meter{}, err
	}
	m.Status = models.Status(status)
	if lon.Valid && lat.Valid {
		m.Location = &models.Location{Longitude: lon.Float64, Latitude: lat.Float64}
	}
	m.LastUpdated = m.LastUpdated.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func locationArgs(loc *models.Location) (any, any) {
	if loc == nil {
		return nil, nil
	}
	return loc.Longitude, loc.Latitude
}

// applyLockTimeout makes Postgres give up on the row lock when the caller's deadline passes.
func applyLockTimeout(ctx context.Context, tx *sql.Tx) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil
	}
	ms := time.Until(deadline).Milliseconds()
	if ms < 1 {
		return context.DeadlineExceeded
	}
	_, err := tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms))
	return err
}

func notFoundOr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return registry.ErrNotFound
	}
	return mapStorageError(err)
}

// mapStorageError translates driver failures into registry errors.
func mapStorageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return registry.ErrLockTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", registry.ErrDuplicateSerialNumber, pgErr.Detail)
		case "55P03", "57014":
			return registry.ErrLockTimeout
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", registry.ErrStorageUnavailable, err)
}

var _ registry.Store = (*MeterRepository)(nil)
