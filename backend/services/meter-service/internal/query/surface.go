// Package query is the read and operator-action surface used by dashboards and field apps.
package query

import (
	"context"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/classifier"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

// View is a meter together with its derived classification.
type View struct {
	models.Meter
	Classification models.Classification `json:"classification"`
}

// MeterPatch lists the fields an operator may change. Nil fields are kept. ResetFlow
// zeroes the flow rate in the same update and records it as a resolve.
type MeterPatch struct {
	Status        *models.Status
	Location      *models.Location
	ClearLocation bool
	ResetFlow     bool
}

// Registry is the registry API the surface is built on.
type Registry interface {
	Create(ctx context.Context, in registry.CreateInput) (models.Meter, error)
	GetByID(ctx context.Context, id string) (models.Meter, error)
	ListAll(ctx context.Context) ([]models.Meter, error)
	AtomicUpdate(ctx context.Context, id string, cause models.AuditCause, fn registry.Mutator) (models.Meter, error)
	AuditEvents(ctx context.Context, meterID string, limit int) ([]models.AuditEvent, error)
}

// Surface serves snapshots, single meters, operator actions and the audit trail.
type Surface struct {
	registry   Registry
	classifier classifier.Classifier
}

// NewSurface returns surface.
func NewSurface(reg Registry, cls classifier.Classifier) *Surface {
	return &Surface{registry: reg, classifier: cls}
}

// ViewOf attaches the classification to a meter.
func (s *Surface) ViewOf(m models.Meter) View {
	return View{Meter: m, Classification: s.classifier.Classify(m.CurrentFlowRate)}
}

// Snapshot returns every meter, most recently updated first. Each view is a committed
// version of its meter; views of different meters may come from different instants.
func (s *Surface) Snapshot(ctx context.Context) ([]View, error) {
	meters, err := s.registry.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(meters))
	for _, m := range meters {
		views = append(views, s.ViewOf(m))
	}
	return views, nil
}

// Get returns one meter.
func (s *Surface) Get(ctx context.Context, id string) (View, error) {
	m, err := s.registry.GetByID(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.ViewOf(m), nil
}

// Resolve clears an anomaly by zeroing the flow rate. Resolving a meter that is
// already normal changes nothing but its timestamp and records no event.
func (s *Surface) Resolve(ctx context.Context, id string) (View, error) {
	m, err := s.registry.AtomicUpdate(ctx, id, models.CauseOperatorResolve, func(m *models.Meter) error {
		m.CurrentFlowRate = 0
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return s.ViewOf(m), nil
}

// CreateMeter registers a new meter.
func (s *Surface) CreateMeter(ctx context.Context, in registry.CreateInput) (View, error) {
	m, err := s.registry.Create(ctx, in)
	if err != nil {
		return View{}, err
	}
	return s.ViewOf(m), nil
}

// UpdateMeter applies operator changes as one atomic update.
func (s *Surface) UpdateMeter(ctx context.Context, id string, patch MeterPatch) (View, error) {
	cause := models.CauseOperatorUpdate
	if patch.ResetFlow {
		cause = models.CauseOperatorResolve
	}
	m, err := s.registry.AtomicUpdate(ctx, id, cause, func(m *models.Meter) error {
		if patch.Status != nil {
			m.Status = *patch.Status
		}
		switch {
		case patch.ClearLocation:
			m.Location = nil
		case patch.Location != nil:
			loc := *patch.Location
			m.Location = &loc
		}
		if patch.ResetFlow {
			m.CurrentFlowRate = 0
		}
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return s.ViewOf(m), nil
}

// AuditLog returns recorded transitions in occurrence order, optionally for one meter.
func (s *Surface) AuditLog(ctx context.Context, meterID string, limit int) ([]models.AuditEvent, error) {
	if meterID != "" {
		if _, err := s.registry.GetByID(ctx, meterID); err != nil {
			return nil, err
		}
	}
	events, err := s.registry.AuditEvents(ctx, meterID, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	return events, nil
}
