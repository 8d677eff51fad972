package events

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes events as JSON to a NATS subject.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewNATSSink connects to NATS and returns a sink publishing to subject.
func NewNATSSink(url, subject string, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
	)
	if err != nil {
		return nil, err
	}

	return &NATSSink{conn: nc, subject: subject, logger: logger}, nil
}

// Publish implements Sink. Failures are logged, never surfaced.
func (s *NATSSink) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		s.logger.Warn("failed to publish event to NATS",
			zap.String("subject", s.subject), zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (s *NATSSink) Close() {
	s.conn.Close()
}

// Tee forwards every event to multiple sinks.
type Tee []Sink

// Publish implements Sink.
func (t Tee) Publish(ev Event) {
	for _, s := range t {
		s.Publish(ev)
	}
}
