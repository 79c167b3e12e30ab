// Package notify publishes engine events to a message broker.
package notify

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bizflycloud/feather/pkg/broker"
	"github.com/bizflycloud/feather/pkg/retention"
)

// Notifier is a retention.Observer publishing broker.Message events to
// "feather/<host>". Publish failures are logged and otherwise ignored; events
// raised while the broker is not connected yet are dropped.
type Notifier struct {
	b     broker.Broker
	host  string
	topic string
	now   func() time.Time

	logger *zap.Logger
}

var _ retention.Observer = (*Notifier)(nil)

// Option configures Notifier.
type Option func(n *Notifier) error

// WithLogger sets the logger for Notifier.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) error {
		n.logger = logger
		return nil
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) error {
		if now == nil {
			return errors.New("nil clock")
		}
		n.now = now
		return nil
	}
}

// New creates a Notifier publishing through b on behalf of host.
func New(b broker.Broker, host string, opts ...Option) (*Notifier, error) {
	if b == nil {
		return nil, errors.New("nil broker")
	}
	if host == "" {
		return nil, errors.New("empty host")
	}
	n := &Notifier{b: b, host: host, topic: Topic(host), now: time.Now}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	return n, nil
}

// Topic returns the topic events for host are published on.
func Topic(host string) string {
	return "feather/" + host
}

func (n *Notifier) ArchiveCreated(target, level, name string) {
	n.publish(broker.Message{EventType: broker.ArchiveCreated, Target: target, Level: level, Archive: name})
}

func (n *Notifier) ArchiveDeleted(target, level, name string) {
	n.publish(broker.Message{EventType: broker.ArchiveDeleted, Target: target, Level: level, Archive: name})
}

// ArchiveUnparsed is not published.
func (n *Notifier) ArchiveUnparsed(name string) {}

func (n *Notifier) CommandFailed(op, name string, err error) {
	msg := broker.Message{EventType: broker.CommandFailed, Op: op, Archive: name}
	if err != nil {
		msg.Error = err.Error()
	}
	n.publish(msg)
}

func (n *Notifier) RunCompleted(r *retention.Report, err error, elapsed time.Duration) {
	msg := broker.Message{EventType: broker.RunCompleted, Duration: elapsed.Seconds()}
	if r != nil {
		msg.Created = len(r.Created)
		msg.Deleted = len(r.Deleted)
		msg.Failures = len(r.Failures)
	}
	if err != nil {
		msg.Error = err.Error()
	}
	n.publish(msg)
}

func (n *Notifier) publish(msg broker.Message) {
	msg.Host = n.host
	msg.CreatedAt = n.now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("Could not encode event", zap.String("event_type", msg.EventType), zap.Error(err))
		return
	}
	err = n.b.Publish(n.topic, payload)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrNoConnection):
		n.logger.Debug("Broker not connected, event dropped", zap.String("event_type", msg.EventType))
	default:
		n.logger.Warn("Could not publish event", zap.String("event_type", msg.EventType), zap.String("broker", n.b.String()), zap.Error(err))
	}
}
