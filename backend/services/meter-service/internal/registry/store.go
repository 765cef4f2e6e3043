package registry

import (
	"context"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
)

// MutateFunc edits a working copy of a meter and returns the audit events that must be
// persisted together with it. Returning an error discards the working copy.
type MutateFunc func(m *models.Meter) ([]models.AuditEvent, error)

// Store is the backing storage of the registry.
//
// Mutate must run fn and persist its result as one indivisible step while holding an
// exclusive per-record lock, and must not block mutations of other records. A context
// deadline hit while waiting for the lock is reported as ErrLockTimeout.
type Store interface {
	Insert(ctx context.Context, m models.Meter) error
	FindByID(ctx context.Context, id string) (models.Meter, error)
	FindBySerial(ctx context.Context, serial string) (models.Meter, error)
	List(ctx context.Context) ([]models.Meter, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (models.Meter, []models.AuditEvent, error)
	ListAuditEvents(ctx context.Context, meterID string, limit int) ([]models.AuditEvent, error)
}
