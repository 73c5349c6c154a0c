package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"cardmarket-tracker/utils"
)

// flushTimeout bounds the server round trip of one Send.
const flushTimeout = 5 * time.Second

// NATSPublisher publishes every message on a subject so other consumers can
// pick alerts up.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	now     func() time.Time
}

type natsEvent struct {
	Message
	PublishedAt time.Time `json:"published_at"`
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string, logger *utils.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("cardmarket-tracker"),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[nats] disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	logger.Info("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSPublisher{nc: nc, subject: subject, now: time.Now}, nil
}

// Send publishes msg and flushes so a failure surfaces to the retry loop.
func (p *NATSPublisher) Send(ctx context.Context, msg Message) error {
	data, err := encodeEvent(msg, p.now())
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("nats: publish %s: %w", p.subject, err)
	}
	fctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := p.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

func encodeEvent(msg Message, at time.Time) ([]byte, error) {
	data, err := json.Marshal(natsEvent{Message: msg, PublishedAt: at.UTC()})
	if err != nil {
		return nil, fmt.Errorf("nats: encode: %w", err)
	}
	return data, nil
}
