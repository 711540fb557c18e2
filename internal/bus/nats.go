package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"lms-realtime/pkg/logger"

	"github.com/nats-io/nats.go"
)

// NATSBus fans out over one NATS subject shared by every process.
type NATSBus struct {
	nc      *nats.Conn
	subject string
	subs    []*nats.Subscription
}

func NewNATSBus(nc *nats.Conn, subject string) *NATSBus {
	return &NATSBus{nc: nc, subject: subject}
}

func (b *NATSBus) Publish(_ context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context, h Handler) error {
	sub, err := b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			logger.Error("Dropping malformed bus envelope: %v", err)
			return
		}
		h(env)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *NATSBus) Shared() bool { return true }

func (b *NATSBus) Close() error {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Error("NATS unsubscribe failed: %v", err)
		}
	}
	b.nc.Close()
	return nil
}
