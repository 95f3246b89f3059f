package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rajivgeraev/flippy-chat/internal/logger"
)

type natsBus struct {
	log     *logger.Logger
	nc      *nats.Conn
	subject string
}

// NewNATSBus подключается к NATS
func NewNATSBus(log *logger.Logger, url, subject string) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if subject == "" {
		subject = "chat.events"
	}
	l := log.With("component", "NATSBus")

	nc, err := nats.Connect(url,
		nats.Name("flippy-chat"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &natsBus{log: l, nc: nc, subject: subject}, nil
}

func (b *natsBus) Publish(_ context.Context, env Envelope) error {
	raw, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, raw)
}

func (b *natsBus) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		env, err := decodeEnvelope(m.Data)
		if err != nil {
			b.log.Warn("bad nats envelope", "error", err)
			return
		}
		onMsg(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *natsBus) Close() error {
	return b.nc.Drain()
}
