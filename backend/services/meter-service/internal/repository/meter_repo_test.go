package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

const meterID = "7f1b1bde-8b5e-4d4f-9a39-0d8f2d3c1a10"

var columns = []string{"id", "serial_number", "longitude", "latitude", "status", "current_flow_rate", "last_updated", "created_at"}

func newMock(t *testing.T) (*MeterRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewMeterRepository(db), mock
}

func TestMeterRepositoryInsert(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meters")).
		WithArgs(meterID, "M-1", 36.8, -1.3, "ACTIVE", 0.0, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), models.Meter{
		ID:           meterID,
		SerialNumber: "M-1",
		Location:     &models.Location{Longitude: 36.8, Latitude: -1.3},
		Status:       models.StatusActive,
		LastUpdated:  now,
		CreatedAt:    now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryInsertDuplicate(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO meters")).
		WillReturnError(&pgconn.PgError{Code: "23505", Detail: "Key (serial_number)=(M-1) already exists."})

	err := repo.Insert(context.Background(), models.Meter{ID: meterID, SerialNumber: "M-1", Status: models.StatusActive})
	require.ErrorIs(t, err, registry.ErrDuplicateSerialNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryFindBySerial(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM meters WHERE serial_number = $1")).
		WithArgs("M-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(meterID, "M-1", nil, nil, "MAINTENANCE", 12.5, now, now))

	m, err := repo.FindBySerial(context.Background(), "M-1")
	require.NoError(t, err)
	assert.Equal(t, meterID, m.ID)
	assert.Nil(t, m.Location)
	assert.Equal(t, models.StatusMaintenanceRequired, m.Status)
	assert.Equal(t, 12.5, m.CurrentFlowRate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryFindByIDNotFound(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM meters WHERE id = $1")).
		WithArgs(meterID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), meterID)
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryList(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM meters ORDER BY last_updated DESC")).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(meterID, "M-1", 36.8, -1.3, "ACTIVE", 600.0, now, now).
			AddRow("0b0d5c4e-2b8f-4c8c-a6f0-3f1e2d9c8b7a", "M-2", nil, nil, "OFFLINE", 0.0, now.Add(-time.Minute), now))

	meters, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, meters, 2)
	require.NotNil(t, meters[0].Location)
	assert.Equal(t, 36.8, meters[0].Location.Longitude)
	assert.Equal(t, models.StatusOffline, meters[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryMutateCommitsMeterAndEvents(t *testing.T) {
	repo, mock := newMock(t)
	created := time.Now().UTC().Add(-time.Hour)
	stamped := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 FOR UPDATE")).
		WithArgs(meterID).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(meterID, "M-1", nil, nil, "ACTIVE", 10.0, created, created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE meters")).
		WithArgs(meterID, nil, nil, "ACTIVE", 600.0, stamped).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO meter_audit_events")).
		WithArgs(meterID, "M-1", "NORMAL", "BURST", 600.0, "telemetry", stamped).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))
	mock.ExpectCommit()

	meter, events, err := repo.Mutate(context.Background(), meterID, func(m *models.Meter) ([]models.AuditEvent, error) {
		m.CurrentFlowRate = 600
		m.LastUpdated = stamped
		return []models.AuditEvent{{
			MeterID:      m.ID,
			SerialNumber: m.SerialNumber,
			Previous:     models.ClassificationNormal,
			Current:      models.ClassificationBurst,
			FlowRate:     600,
			Cause:        models.CauseTelemetry,
			OccurredAt:   stamped,
		}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 600.0, meter.CurrentFlowRate)
	require.Len(t, events, 1)
	assert.EqualValues(t, 7, events[0].Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryMutateRollsBackOnMutatorError(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(meterID).
		WillReturnRows(sqlmock.NewRows(columns).AddRow(meterID, "M-1", nil, nil, "ACTIVE", 10.0, now, now))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, _, err := repo.Mutate(context.Background(), meterID, func(*models.Meter) ([]models.AuditEvent, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryMutateLockTimeout(t *testing.T) {
	repo, mock := newMock(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("set_config('lock_timeout'")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(meterID).
		WillReturnError(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	_, _, err := repo.Mutate(ctx, meterID, func(*models.Meter) ([]models.AuditEvent, error) {
		t.Fatal("mutator must not run without the lock")
		return nil, nil
	})
	require.ErrorIs(t, err, registry.ErrLockTimeout)
	assert.ErrorIs(t, err, registry.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryMutateNotFound(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(meterID).
		WillReturnRows(sqlmock.NewRows(columns))
	mock.ExpectRollback()

	_, _, err := repo.Mutate(context.Background(), meterID, func(*models.Meter) ([]models.AuditEvent, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMeterRepositoryListAuditEvents(t *testing.T) {
	repo, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM meter_audit_events")).
		WithArgs(meterID, int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "meter_id", "serial_number", "previous_classification", "current_classification", "flow_rate", "cause", "occurred_at"}).
			AddRow(1, meterID, "M-1", "NORMAL", "BURST", 600.0, "telemetry", now).
			AddRow(2, meterID, "M-1", "BURST", "NORMAL", 0.0, "operator_resolve", now.Add(time.Second)))

	events, err := repo.ListAuditEvents(context.Background(), meterID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ClassificationBurst, events[0].Current)
	assert.Equal(t, models.CauseOperatorResolve, events[1].Cause)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapStorageError(t *testing.T) {
	assert.NoError(t, mapStorageError(nil))
	assert.ErrorIs(t, mapStorageError(context.DeadlineExceeded), registry.ErrLockTimeout)
	assert.ErrorIs(t, mapStorageError(&pgconn.PgError{Code: "57014"}), registry.ErrLockTimeout)
	assert.ErrorIs(t, mapStorageError(errors.New("connection refused")), registry.ErrStorageUnavailable)
	assert.ErrorIs(t, mapStorageError(context.Canceled), context.Canceled)
}
