package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

const (
	jobStream   = "GRADEFLOW_JOBS"
	eventStream = "GRADEFLOW_EVENTS"
	durableName = "gradeflow-core"
)

// NATSClient implements Publisher and Consumer over JetStream. Events are
// acknowledged explicitly; rejected events are terminated so JetStream never
// redelivers them (the dead-letter path).
type NATSClient struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
}

func NewNATSClient(url string) (*NATSClient, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	c := &NATSClient{conn: conn, js: js}
	if err := c.ensureStream(jobStream, JobSubject); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.ensureStream(eventStream, EventSubject); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *NATSClient) ensureStream(name, subject string) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

// PublishJob publishes a job message for the worker pool.
func (c *NATSClient) PublishJob(ctx context.Context, msg *JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	if _, err := c.js.Publish(JobSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}
	return nil
}

// ConsumeEvents subscribes to the event stream with a durable consumer and
// manual acks. handler runs once per delivery.
func (c *NATSClient) ConsumeEvents(_ context.Context, handler func(Delivery)) error {
	sub, err := c.js.Subscribe(EventSubject, func(msg *nats.Msg) {
		handler(&natsDelivery{msg: msg})
	}, nats.Durable(durableName), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *NATSClient) Close() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

type natsDelivery struct {
	msg *nats.Msg
}

func (d *natsDelivery) Data() []byte { return d.msg.Data }
func (d *natsDelivery) Ack() error   { return d.msg.Ack() }
func (d *natsDelivery) Reject() error {
	return d.msg.Term()
}
