// Package audit detects classification transitions and keeps the in-process
// append-only transition log.
package audit

import (
	"sync"
	"time"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/classifier"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
)

// Transition compares the classification of two versions of the same meter and
// returns the event to record, if any. Sequence is left for the log to assign.
func Transition(cls classifier.Classifier, before, after models.Meter, cause models.AuditCause, at time.Time) (models.AuditEvent, bool) {
	previous := cls.Classify(before.CurrentFlowRate)
	current := cls.Classify(after.CurrentFlowRate)
	if previous == current {
		return models.AuditEvent{}, false
	}
	return models.AuditEvent{
		MeterID:      after.ID,
		SerialNumber: after.SerialNumber,
		Previous:     previous,
		Current:      current,
		FlowRate:     after.CurrentFlowRate,
		Cause:        cause,
		OccurredAt:   at,
	}, true
}

// MemoryLog is an append-only, sequence-ordered event log.
type MemoryLog struct {
	mu     sync.RWMutex
	seq    int64
	events []models.AuditEvent
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append assigns consecutive sequence numbers to events, stores them and
// returns the stored copies.
func (l *MemoryLog) Append(events ...models.AuditEvent) []models.AuditEvent {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := make([]models.AuditEvent, len(events))
	for i, ev := range events {
		l.seq++
		ev.Sequence = l.seq
		l.events = append(l.events, ev)
		stored[i] = ev
	}
	return stored
}

// List returns the most recent events in occurrence order. An empty meterID
// selects every meter; limit <= 0 returns everything that matches.
func (l *MemoryLog) List(meterID string, limit int) []models.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []models.AuditEvent
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if meterID != "" && ev.MeterID != meterID {
			continue
		}
		matched = append(matched, ev)
		if limit > 0 && len(matched) == limit {
			break
		}
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

// Len returns the number of stored events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
