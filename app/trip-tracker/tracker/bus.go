package tracker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// EventPublisher sends domain events to the bus. The processor and the
// listeners depend on this rather than on a concrete connection so tests can
// capture events in memory.
type EventPublisher interface {
	Publish(subject string, payload interface{}) error
}

// ConnectBus opens a NATS connection that reconnects forever with backoff.
// Publishing and subscribing use separate connections, they cannot
// multiplex, so this is called twice at startup.
func ConnectBus(log *log.Logger, url string, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("bus %s disconnected: %v", name, err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("bus %s reconnected to %s", name, c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to bus at %s: %w", url, err)
	}
	return conn, nil
}

// natsPublisher publishes JSON payloads on prefixed subjects.
type natsPublisher struct {
	log    *log.Logger
	conn   *nats.Conn
	prefix string
}

// NewPublisher wraps a NATS connection as an EventPublisher. prefix, when
// not empty, is prepended to every subject so the bus can be shared.
func NewPublisher(log *log.Logger, conn *nats.Conn, prefix string) EventPublisher {
	return &natsPublisher{log: log, conn: conn, prefix: prefix}
}

func (p *natsPublisher) Publish(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", subject, err)
	}
	if err = p.conn.Publish(p.prefix+subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}

// Subscribe establishes a queue subscription delivering into a fresh channel
// sized for ingestion bursts.
func Subscribe(conn *nats.Conn, prefix string, subject string, queue string) (chan *nats.Msg, *nats.Subscription, error) {
	ch := make(chan *nats.Msg, 256)
	sub, err := conn.ChanQueueSubscribe(prefix+subject, queue, ch)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return ch, sub, nil
}

// Unsubscribe drops a subscription, logging failures.
func Unsubscribe(log *log.Logger, sub *nats.Subscription, subName string) {
	if !sub.IsValid() {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("error when attempting to unsubscribe from %s: %v", subName, err)
	}
}
