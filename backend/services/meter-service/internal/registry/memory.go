package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/audit"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
)

// memoryRecord holds one meter. writer serializes read-modify-write cycles and can be
// awaited with a deadline; mu only guards the published value so readers never wait on
// a mutator that is still computing.
type memoryRecord struct {
	writer *semaphore.Weighted

	mu    sync.RWMutex
	meter models.Meter
}

func (r *memoryRecord) load() models.Meter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meter.Clone()
}

// MemoryStore keeps meters in process memory with per-record locking.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*memoryRecord
	bySerial map[string]string

	log *audit.MemoryLog
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*memoryRecord),
		bySerial: make(map[string]string),
		log:      audit.NewMemoryLog(),
	}
}

// Insert adds a new meter.
func (s *MemoryStore) Insert(_ context.Context, m models.Meter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySerial[m.SerialNumber]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSerialNumber, m.SerialNumber)
	}
	if _, exists := s.byID[m.ID]; exists {
		return fmt.Errorf("%w: id %s already taken", ErrInvalidMeter, m.ID)
	}

	s.byID[m.ID] = &memoryRecord{
		writer: semaphore.NewWeighted(1),
		meter:  m.Clone(),
	}
	s.bySerial[m.SerialNumber] = m.ID
	return nil
}

// FindByID returns the current version of a meter.
func (s *MemoryStore) FindByID(_ context.Context, id string) (models.Meter, error) {
	rec, ok := s.record(id)
	if !ok {
		return models.Meter{}, ErrNotFound
	}
	return rec.load(), nil
}

// FindBySerial resolves a serial number to the current version of its meter.
func (s *MemoryStore) FindBySerial(_ context.Context, serial string) (models.Meter, error) {
	s.mu.RLock()
	id, ok := s.bySerial[serial]
	var rec *memoryRecord
	if ok {
		rec = s.byID[id]
	}
	s.mu.RUnlock()

	if rec == nil {
		return models.Meter{}, ErrNotFound
	}
	return rec.load(), nil
}

// List returns every meter. Each element is read atomically; the set is not.
func (s *MemoryStore) List(_ context.Context) ([]models.Meter, error) {
	s.mu.RLock()
	records := make([]*memoryRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	meters := make([]models.Meter, 0, len(records))
	for _, rec := range records {
		meters = append(meters, rec.load())
	}
	return meters, nil
}

// Mutate runs fn under the record's writer lock and publishes the result together
// with its audit events.
func (s *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (models.Meter, []models.AuditEvent, error) {
	rec, ok := s.record(id)
	if !ok {
		return models.Meter{}, nil, ErrNotFound
	}

	if err := rec.writer.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Meter{}, nil, ErrLockTimeout
		}
		return models.Meter{}, nil, err
	}
	defer rec.writer.Release(1)

	// the caller may have given up while we queued
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Meter{}, nil, ErrLockTimeout
		}
		return models.Meter{}, nil, err
	}

	working := rec.load()
	events, err := fn(&working)
	if err != nil {
		return models.Meter{}, nil, err
	}

	rec.mu.Lock()
	rec.meter = working.Clone()
	stored := s.log.Append(events...)
	rec.mu.Unlock()

	return working, stored, nil
}

// ListAuditEvents returns transition events in occurrence order.
func (s *MemoryStore) ListAuditEvents(_ context.Context, meterID string, limit int) ([]models.AuditEvent, error) {
	return s.log.List(meterID, limit), nil
}

func (s *MemoryStore) record(id string) (*memoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok
}

var _ Store = (*MemoryStore)(nil)
