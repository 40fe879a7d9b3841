package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"

	"hostwatch/pkg/bus"
)

const consumerDurableName = "reconciler-host-events"

// Consumer subscribes to the inbound host event subject and dispatches each
// message by its type marker. Unrecoverable messages are acknowledged after
// logging so they are never redelivered; transient failures nak so the server
// retries.
type Consumer struct {
	bus     *bus.Bus
	subject string
	handler *EventHandler
	logger  *log.Logger

	sub io.Closer
}

// NewConsumer builds a Consumer for the given subject.
func NewConsumer(b *bus.Bus, subject string, handler *EventHandler, logger *log.Logger) (*Consumer, error) {
	if b == nil {
		return nil, errors.New("bus is required")
	}
	if subject == "" {
		return nil, errors.New("inbound subject is required")
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{bus: b, subject: subject, handler: handler, logger: logger}, nil
}

// Start opens the durable subscription. The subscription drains when ctx is
// cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, c.subject, consumerDurableName, c.handle)
	if err != nil {
		return err
	}
	c.sub = sub
	c.logger.Printf("INFO consuming host events from %s", c.subject)
	return nil
}

// Close drains the subscription.
func (c *Consumer) Close() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Close()
}

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	err := c.dispatch(ctx, data)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnrecoverable) {
		c.logger.Printf("ERROR dropping host event: %v", err)
		eventsUnrecoverable.Inc()
		return nil
	}
	c.logger.Printf("WARN host event failed, will be redelivered: %v", err)
	return err
}

func (c *Consumer) dispatch(ctx context.Context, data []byte) error {
	var envelope hostEventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return unrecoverable("malformed host event: %v", err)
	}

	switch envelope.Type {
	case HostEventCreated, HostEventUpdated:
		var event HostCreateUpdateEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return unrecoverable("malformed %s event: %v", envelope.Type, err)
		}
		return c.handler.HandleCreateUpdate(ctx, &event)
	case HostEventDeleted:
		var event HostDeleteEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return unrecoverable("malformed delete event: %v", err)
		}
		return c.handler.HandleDelete(ctx, &event)
	default:
		return unrecoverable("unknown host event type %q", envelope.Type)
	}
}
