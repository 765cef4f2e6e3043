// Package notify forwards committed meter changes to Redis for alerting consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/models"
	"github.com/theb0imanuu/ramani/backend/services/meter-service/internal/registry"
)

const (
	// DefaultChannel is the pub/sub channel transitions are published on.
	DefaultChannel = "meters:transitions"
	// DefaultStateTTL bounds how long a mirrored meter state survives without updates.
	DefaultStateTTL = 24 * time.Hour

	defaultQueueSize = 1024
	publishTimeout   = 2 * time.Second
)

// saveStateScript writes the meter hash only when the incoming version is newer than
// the stored one, so a late writer never replaces a fresher state.
// KEYS[1] state key; ARGV[1] meter JSON, ARGV[2] version, ARGV[3] ttl in ms.
var saveStateScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'meter', ARGV[1], 'version', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Client is the subset of *redis.Client the notifier uses.
type Client interface {
	redis.Scripter
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is the payload published for every transition.
type Message struct {
	Event models.AuditEvent `json:"event"`
	Meter models.Meter      `json:"meter"`
}

// Options tunes a Notifier.
type Options struct {
	Channel   string
	StateTTL  time.Duration
	QueueSize int
}

// Notifier mirrors the latest meter state in the hash meters:state:<id> (fields meter
// and version, the lastUpdated in unix microseconds) and publishes classification
// transitions. Delivery is best effort: a full queue drops the change.
type Notifier struct {
	client   Client
	logger   *zap.Logger
	channel  string
	stateTTL time.Duration
	queue    chan registry.Change
}

// New returns notifier. Run must be started to drain the queue.
func New(client Client, logger *zap.Logger, opts Options) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Notifier{
		client:   client,
		logger:   logger.Named("notify"),
		channel:  opts.Channel,
		stateTTL: opts.StateTTL,
		queue:    make(chan registry.Change, opts.QueueSize),
	}
}

// MeterChanged enqueues a committed change without blocking.
func (n *Notifier) MeterChanged(_ context.Context, change registry.Change) {
	select {
	case n.queue <- change:
	default:
		n.logger.Warn("notification queue full, change dropped",
			zap.String("meter_id", change.After.ID),
			zap.Int("events", len(change.Events)),
		)
	}
}

// Run publishes queued changes until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-n.queue:
			n.deliver(ctx, change)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, change registry.Change) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := n.saveState(ctx, change.After); err != nil {
		n.logger.Warn("mirror meter state failed", zap.String("meter_id", change.After.ID), zap.Error(err))
	}
	for _, ev := range change.Events {
		if err := n.publish(ctx, Message{Event: ev, Meter: change.After}); err != nil {
			n.logger.Warn("publish transition failed",
				zap.String("meter_id", ev.MeterID),
				zap.Int64("sequence", ev.Sequence),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) key(meterID string) string {
	return fmt.Sprintf("meters:state:%s", meterID)
}

func (n *Notifier) saveState(ctx context.Context, m models.Meter) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	written, err := saveStateScript.Run(ctx, n.client, []string{n.key(m.ID)},
		data, m.LastUpdated.UnixMicro(), n.stateTTL.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if written == 0 {
		n.logger.Debug("stale meter state skipped", zap.String("meter_id", m.ID), zap.Time("last_updated", m.LastUpdated))
	}
	return nil
}

func (n *Notifier) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}

var _ registry.Observer = (*Notifier)(nil)
