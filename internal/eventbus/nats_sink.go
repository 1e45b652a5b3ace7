package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/missioncore/internal/eventlog"
	"github.com/kandev/missioncore/internal/obslog"
)

// NATSSinkConfig configures a read-only external fan-out of published
// events onto a NATS subject, e.g. for an editor host's live activity
// feed. It never feeds events back into the mission — this is strictly
// an observer, so it does not introduce the distributed coordination
// the core's Non-goals rule out.
type NATSSinkConfig struct {
	URL           string
	Subject       string
	ClientName    string
	MaxReconnects int
}

// NATSSink is an eventbus.Subscriber that republishes every delivered
// event onto a NATS subject, grounded on the teacher's
// internal/events/bus.NATSEventBus connection/reconnect handling.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	log     *obslog.Logger
}

// NewNATSSink dials NATS and returns a Subscriber ready to register
// with a Bus via Subscribe.
func NewNATSSink(cfg NATSSinkConfig, log *obslog.Logger) (*NATSSink, error) {
	if log == nil {
		log = obslog.Nop()
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("eventbus: NATS sink disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("eventbus: NATS sink reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect NATS sink: %w", err)
	}

	return &NATSSink{conn: conn, subject: cfg.Subject, log: log}, nil
}

// OnEvent implements Subscriber by republishing e onto the sink's
// subject. A publish failure is returned so the Bus logs it, but it
// never blocks or fails the originating Append/Publish.
func (s *NATSSink) OnEvent(e eventlog.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event for NATS sink: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("eventbus: publish to NATS sink: %w", err)
	}
	return nil
}

// Close closes the NATS connection without draining it.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
