// Package ingest accepts flow readings from field devices and applies them to the registry.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/classifier"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

// DefaultResolveTimeout bounds the serial number lookup.
const DefaultResolveTimeout = 2 * time.Second

// StatusAcknowledged is the only status an accepted reading gets.
const StatusAcknowledged = "acknowledged"

// Reject reasons reported to the Recorder.
const (
	ReasonInvalid       = "invalid"
	ReasonUnknownDevice = "unknown_device"
	ReasonUnavailable   = "storage_unavailable"
)

var (
	// ErrInvalidReading is returned for a missing serial or a malformed flow rate.
	ErrInvalidReading = errors.New("ingest: invalid reading")
	// ErrUnknownDevice is returned when the serial matches no registered meter.
	ErrUnknownDevice = errors.New("ingest: unknown device")
)

// Registry is the part of the meter registry the pipeline needs.
type Registry interface {
	GetBySerialNumber(ctx context.Context, serial string) (models.Meter, error)
	AtomicUpdate(ctx context.Context, id string, cause models.AuditCause, fn registry.Mutator) (models.Meter, error)
}

// Recorder receives per-reading outcomes.
type Recorder interface {
	ReadingAccepted(classification models.Classification, elapsed time.Duration)
	ReadingRejected(reason string)
}

// Ack confirms that a reading was applied.
type Ack struct {
	Status         string                `json:"status"`
	MeterID        string                `json:"meterId"`
	SerialNumber   string                `json:"serialNumber"`
	Classification models.Classification `json:"classification"`
	FlowRate       float64               `json:"flowRate"`
	ReceivedAt     time.Time             `json:"receivedAt"`
}

// Options tunes a Pipeline.
type Options struct {
	ResolveTimeout time.Duration
	Clock          func() time.Time
}

// Pipeline validates readings, resolves the device and updates its meter.
type Pipeline struct {
	registry       Registry
	classifier     classifier.Classifier
	recorder       Recorder
	logger         *zap.Logger
	resolveTimeout time.Duration
	now            func() time.Time
}

// NewPipeline builds a pipeline. recorder may be nil.
func NewPipeline(reg Registry, cls classifier.Classifier, recorder Recorder, logger *zap.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = DefaultResolveTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pipeline{
		registry:       reg,
		classifier:     cls,
		recorder:       recorder,
		logger:         logger.Named("ingest"),
		resolveTimeout: opts.ResolveTimeout,
		now:            opts.Clock,
	}
}

// Submit applies one reading. The newest received reading for a meter wins; the
// device timestamp is informational only.
func (p *Pipeline) Submit(ctx context.Context, reading models.Reading) (Ack, error) {
	started := p.now()
	serial := strings.TrimSpace(reading.DeviceSerial)

	if serial == "" {
		return Ack{}, p.reject(ReasonInvalid, serial, fmt.Errorf("%w: device serial is required", ErrInvalidReading))
	}
	if !models.ValidFlowRate(reading.FlowRate) {
		return Ack{}, p.reject(ReasonInvalid, serial, fmt.Errorf("%w: flow rate %v must be finite and non-negative", ErrInvalidReading, reading.FlowRate))
	}

	meter, err := p.resolve(ctx, serial)
	if err != nil {
		return Ack{}, p.rejectErr(serial, err)
	}

	var previous models.Classification
	updated, err := p.registry.AtomicUpdate(ctx, meter.ID, models.CauseTelemetry, func(m *models.Meter) error {
		previous = p.classifier.Classify(m.CurrentFlowRate)
		m.CurrentFlowRate = reading.FlowRate
		return nil
	})
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
		}
		return Ack{}, p.rejectErr(serial, err)
	}

	current := p.classifier.Classify(updated.CurrentFlowRate)
	fields := []zap.Field{
		zap.String("meter_id", updated.ID),
		zap.String("serial_number", serial),
		zap.Float64("flow_rate", updated.CurrentFlowRate),
		zap.Float64("threshold", p.classifier.Threshold()),
	}
	switch {
	case current == models.ClassificationBurst && previous != models.ClassificationBurst:
		p.logger.Error("burst detected", fields...)
	case current == models.ClassificationNormal && previous == models.ClassificationBurst:
		p.logger.Info("flow back to normal", fields...)
	default:
		p.logger.Debug("reading applied", fields...)
	}

	p.recorder.ReadingAccepted(current, p.now().Sub(started))
	return Ack{
		Status:         StatusAcknowledged,
		MeterID:        updated.ID,
		SerialNumber:   updated.SerialNumber,
		Classification: current,
		FlowRate:       updated.CurrentFlowRate,
		ReceivedAt:     updated.LastUpdated,
	}, nil
}

func (p *Pipeline) resolve(ctx context.Context, serial string) (models.Meter, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, p.resolveTimeout)
	defer cancel()

	meter, err := p.registry.GetBySerialNumber(resolveCtx, serial)
	switch {
	case err == nil:
		return meter, nil
	case errors.Is(err, registry.ErrNotFound):
		return models.Meter{}, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return models.Meter{}, fmt.Errorf("%w: device lookup timed out", registry.ErrStorageUnavailable)
	default:
		return models.Meter{}, err
	}
}

func (p *Pipeline) rejectErr(serial string, err error) error {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return p.reject(ReasonUnknownDevice, serial, err)
	case errors.Is(err, ErrInvalidReading):
		return p.reject(ReasonInvalid, serial, err)
	default:
		return p.reject(ReasonUnavailable, serial, err)
	}
}

func (p *Pipeline) reject(reason, serial string, err error) error {
	p.recorder.ReadingRejected(reason)
	p.logger.Warn("reading rejected",
		zap.String("reason", reason),
		zap.String("serial_number", serial),
		zap.Error(err),
	)
	return err
}

type nopRecorder struct{}

func (nopRecorder) ReadingAccepted(models.Classification, time.Duration) {}
func (nopRecorder) ReadingRejected(string)                              {}
