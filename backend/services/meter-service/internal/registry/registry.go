// Package registry owns meter records and is the only place where they change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/audit"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/classifier"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
)

// DefaultLockTimeout bounds how long AtomicUpdate waits for a busy record.
const DefaultLockTimeout = 2 * time.Second

// Mutator edits a working copy of a meter inside AtomicUpdate.
type Mutator func(m *models.Meter) error

// CreateInput describes a new meter.
type CreateInput struct {
	SerialNumber string
	Location     *models.Location
}

// Change describes one committed AtomicUpdate.
type Change struct {
	Cause  models.AuditCause
	Before models.Meter
	After  models.Meter
	Events []models.AuditEvent
}

// Observer is notified after a change has been committed. Changes of one meter arrive
// in commit order because delivery happens before the next update of that meter may
// start. Implementations must not block or do I/O inline.
type Observer interface {
	MeterChanged(ctx context.Context, change Change)
}

// Options tunes a Registry.
type Options struct {
	LockTimeout time.Duration
	Clock       func() time.Time
	NewID       func() string
}

// Registry validates and stamps meter mutations and routes them through a Store.
type Registry struct {
	store       Store
	classifier  classifier.Classifier
	logger      *zap.Logger
	lockTimeout time.Duration
	now         func() time.Time
	newID       func() string
	locks       *recordLocks

	mu        sync.RWMutex
	observers []Observer
}

// New builds a registry over store.
func New(store Store, cls classifier.Classifier, logger *zap.Logger, opts Options) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Registry{
		store:       store,
		classifier:  cls,
		logger:      logger.Named("registry"),
		lockTimeout: opts.LockTimeout,
		now:         opts.Clock,
		newID:       opts.NewID,
		locks:       newRecordLocks(),
	}
}

// Subscribe registers an observer for committed changes.
func (r *Registry) Subscribe(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Create registers a new active meter with zero flow.
func (r *Registry) Create(ctx context.Context, in CreateInput) (models.Meter, error) {
	serial := strings.TrimSpace(in.SerialNumber)
	now := r.timestamp()

	meter := models.Meter{
		ID:           r.newID(),
		SerialNumber: serial,
		Status:       models.StatusActive,
		LastUpdated:  now,
		CreatedAt:    now,
	}
	if in.Location != nil {
		loc := *in.Location
		meter.Location = &loc
	}
	if err := meter.Validate(); err != nil {
		return models.Meter{}, fmt.Errorf("%w: %v", ErrInvalidMeter, err)
	}

	if err := r.store.Insert(ctx, meter); err != nil {
		return models.Meter{}, err
	}
	r.logger.Info("meter registered", zap.String("meter_id", meter.ID), zap.String("serial_number", serial))
	return meter, nil
}

// GetByID returns a meter by its opaque id.
func (r *Registry) GetByID(ctx context.Context, id string) (models.Meter, error) {
	if !validID(id) {
		return models.Meter{}, ErrNotFound
	}
	return r.store.FindByID(ctx, id)
}

// GetBySerialNumber returns a meter by its device serial number.
func (r *Registry) GetBySerialNumber(ctx context.Context, serial string) (models.Meter, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return models.Meter{}, ErrNotFound
	}
	return r.store.FindBySerial(ctx, serial)
}

// ListAll returns every meter, most recently updated first.
func (r *Registry) ListAll(ctx context.Context) ([]models.Meter, error) {
	meters, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(meters, func(i, j int) bool {
		if !meters[i].LastUpdated.Equal(meters[j].LastUpdated) {
			return meters[i].LastUpdated.After(meters[j].LastUpdated)
		}
		return meters[i].SerialNumber < meters[j].SerialNumber
	})
	return meters, nil
}

// AtomicUpdate applies fn to the current version of a meter and persists the result
// in one indivisible step. Updates of the same meter are serialized; updates of
// different meters are independent. A classification transition caused by the update
// is recorded in the audit log within the same step. Observers see the change before
// the next update of the same meter is admitted.
func (r *Registry) AtomicUpdate(ctx context.Context, id string, cause models.AuditCause, fn Mutator) (models.Meter, error) {
	if fn == nil {
		return models.Meter{}, errors.New("registry: nil mutator")
	}
	if !validID(id) {
		return models.Meter{}, ErrNotFound
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	release, err := r.locks.acquire(lockCtx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Meter{}, ErrLockTimeout
		}
		return models.Meter{}, err
	}
	defer release()

	var before models.Meter
	after, events, err := r.store.Mutate(lockCtx, id, func(m *models.Meter) ([]models.AuditEvent, error) {
		before = m.Clone()
		if err := fn(m); err != nil {
			return nil, err
		}

		m.ID = before.ID
		m.SerialNumber = before.SerialNumber
		m.CreatedAt = before.CreatedAt
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMeter, err)
		}
		m.LastUpdated = r.nextTimestamp(before.LastUpdated)

		if ev, ok := audit.Transition(r.classifier, before, *m, cause, m.LastUpdated); ok {
			return []models.AuditEvent{ev}, nil
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrStorageUnavailable) {
			err = ErrLockTimeout
		}
		return models.Meter{}, err
	}

	r.notify(ctx, Change{Cause: cause, Before: before, After: after.Clone(), Events: events})
	return after, nil
}

// AuditEvents returns transition events in occurrence order. An empty meterID lists
// the whole log.
func (r *Registry) AuditEvents(ctx context.Context, meterID string, limit int) ([]models.AuditEvent, error) {
	if meterID != "" && !validID(meterID) {
		return nil, ErrNotFound
	}
	return r.store.ListAuditEvents(ctx, meterID, limit)
}

// Classifier returns the classifier used for transition detection.
func (r *Registry) Classifier() classifier.Classifier {
	return r.classifier
}

func (r *Registry) notify(ctx context.Context, change Change) {
	r.mu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, o := range observers {
		o.MeterChanged(ctx, change)
	}
}

// timestamp is truncated to microseconds so memory and Postgres stores agree.
func (r *Registry) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *Registry) nextTimestamp(previous time.Time) time.Time {
	now := r.timestamp()
	if !now.After(previous) {
		now = previous.Add(time.Microsecond)
	}
	return now
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
