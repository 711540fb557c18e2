package websocket

import (
	"context"
	"fmt"

	"lms-realtime/internal/bus"
	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/google/uuid"
)

// Hub connects the fan-out bus to the local registry. Every broadcast goes
// through the bus, including ones whose only audience is on this process, so
// local and remote members see the same stream.
type Hub struct {
	origin   string
	bus      bus.FanOutBus
	registry *Registry
	log      *logger.Logger
}

func NewHub(b bus.FanOutBus, registry *Registry) *Hub {
	return &Hub{
		origin:   uuid.NewString(),
		bus:      b,
		registry: registry,
		log:      logger.With("component", "hub"),
	}
}

// StartHub builds a hub over b and subscribes it. If the bus cannot
// subscribe, b is closed and the hub falls back to delivering to this
// process's members only.
func StartHub(ctx context.Context, b bus.FanOutBus, registry *Registry) *Hub {
	h := NewHub(b, registry)
	err := h.Start(ctx)
	if err == nil {
		return h
	}

	h.log.Error("Fan-out bus unavailable, continuing with single-process delivery: %v", err)
	if cerr := b.Close(); cerr != nil {
		h.log.Warn("Closing unusable bus: %v", cerr)
	}
	h = NewHub(bus.NewLocalOnlyBus(), registry)
	if err := h.Start(ctx); err != nil {
		h.log.Error("Local delivery unavailable: %v", err)
	}
	return h
}

// Start subscribes to the bus. Call it once before serving connections.
func (h *Hub) Start(ctx context.Context) error {
	if err := h.bus.Subscribe(ctx, h.handle); err != nil {
		return fmt.Errorf("subscribe to fan-out bus: %w", err)
	}
	h.log.Info("Hub %s subscribed (shared=%t)", h.origin, h.bus.Shared())
	return nil
}

func (h *Hub) handle(env bus.Envelope) {
	n := h.registry.Deliver(env.Room, env.Event, env.Exclude)
	h.log.Debug("Delivered %s to %d local clients (origin %s)", env.Room, n, env.Origin)
}

// Broadcast sends evt to every member of room except the connection named by
// exclude. If the bus cannot publish, delivery falls back to this process's
// members only; the error is logged and never returned for that case.
func (h *Hub) Broadcast(ctx context.Context, room models.RoomID, evt models.ServerEvent, exclude string) error {
	data, err := evt.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.Event, err)
	}

	env := bus.Envelope{Origin: h.origin, Room: room, Exclude: exclude, Event: data}
	if err := h.bus.Publish(ctx, env); err != nil {
		h.log.Error("Fan-out publish to %s failed, delivering locally only: %v", room, err)
		h.handle(env)
	}
	return nil
}

// Send writes evt to a single client, bypassing the bus.
func (h *Hub) Send(c *Client, evt models.ServerEvent) {
	data, err := evt.Encode()
	if err != nil {
		c.log.Error("Encoding %s: %v", evt.Event, err)
		return
	}
	if !c.Enqueue(data) {
		c.log.Warn("Dropping %s for slow or closed client", evt.Event)
		c.Close()
	}
}

func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) Shared() bool { return h.bus.Shared() }

func (h *Hub) Close() error { return h.bus.Close() }
