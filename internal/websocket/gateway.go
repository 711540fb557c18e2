package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/gorilla/websocket"
)

// CloseUnauthorized is sent when the handshake credential is rejected.
const CloseUnauthorized = 4401

var errHandshake = errors.New("handshake failed")

type Authenticator interface {
	Authenticate(token string) (models.Identity, error)
}

// TopPerformersSource feeds the snapshot a dashboard gets on join.
type TopPerformersSource interface {
	GetTopPerformers(ctx context.Context, limit int) ([]models.Performer, error)
}

type GatewayOptions struct {
	AuthTimeout     time.Duration
	MaxMessageBytes int64
	TopN            int
	Client          ClientOptions
}

// Gateway owns the socket protocol: it authenticates the first frame, then
// dispatches every later frame through one typed switch.
type Gateway struct {
	auth     Authenticator
	hub      *Hub
	registry *Registry
	scores   TopPerformersSource
	opts     GatewayOptions
	log      *logger.Logger
}

func NewGateway(auth Authenticator, hub *Hub, scores TopPerformersSource, opts GatewayOptions) *Gateway {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	return &Gateway{
		auth:     auth,
		hub:      hub,
		registry: hub.Registry(),
		scores:   scores,
		opts:     opts,
		log:      logger.With("component", "gateway"),
	}
}

// Serve runs one connection to completion. It blocks until the socket closes.
func (g *Gateway) Serve(ctx context.Context, conn *websocket.Conn) {
	identity, err := g.handshake(conn)
	if err != nil {
		g.log.Info("Rejecting connection from %s: %v", conn.RemoteAddr(), err)
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	c := NewClient(conn, identity, g.opts.Client)
	g.registry.Register(c)
	if err := g.registry.Add(c, models.UserRoom(identity.UserID)); err != nil {
		c.log.Error("Joining personal room: %v", err)
	}
	c.log.Info("User %s connected as %s", identity.Username, identity.Role)

	g.hub.Send(c, models.ServerEvent{
		Event: models.EventAuthenticated,
		Data: models.AuthenticatedPayload{
			ConnectionID: c.ID(),
			UserID:       identity.UserID,
			Role:         identity.Role,
		},
	})

	go c.WritePump()
	c.ReadPump(g.opts.MaxMessageBytes, func(raw []byte) {
		g.dispatch(ctx, c, raw)
	})

	g.disconnect(context.WithoutCancel(ctx), c)
}

func (g *Gateway) handshake(conn *websocket.Conn) (models.Identity, error) {
	if g.opts.MaxMessageBytes > 0 {
		conn.SetReadLimit(g.opts.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(g.opts.AuthTimeout))

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: reading auth frame: %v", errHandshake, err)
	}
	cmd, err := models.DecodeCommand(raw)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", errHandshake, err)
	}
	authCmd, ok := cmd.(models.AuthCommand)
	if !ok {
		return models.Identity{}, fmt.Errorf("%w: first frame was %q", errHandshake, cmd.Kind())
	}
	return g.auth.Authenticate(authCmd.Payload.Token)
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, raw []byte) {
	cmd, err := models.DecodeCommand(raw)
	if err != nil {
		var unknown *models.UnknownEventError
		if errors.As(err, &unknown) {
			g.sendError(c, "unknown_event", err.Error())
			return
		}
		g.sendError(c, "bad_request", err.Error())
		return
	}

	id := c.Identity()
	switch cmd := cmd.(type) {
	case models.AuthCommand:
		g.sendError(c, "already_authenticated", "connection is already authenticated")

	case models.RoomCommand:
		switch cmd.Event {
		case models.EventJoinClassroom, models.EventJoinGroup, models.EventJoinWhiteboard:
			g.join(ctx, c, cmd.Room)
		default:
			g.leave(ctx, c, cmd.Room)
		}

	case models.TypingCommand:
		payload := cmd.Payload
		payload.Username = id.Username
		payload.UserID = id.UserID
		g.relay(ctx, c, models.ClassroomRoom(payload.ClassroomID), cmd.Event, payload)

	case models.DrawCommand:
		payload := cmd.Payload
		payload.UserID = id.UserID
		g.relay(ctx, c, models.WhiteboardRoom(payload.SessionID), models.EventDraw, payload)

	case models.CursorCommand:
		payload := cmd.Payload
		payload.UserID = id.UserID
		g.relay(ctx, c, models.WhiteboardRoom(payload.SessionID), models.EventCursorMove, payload)

	case models.ClearCanvasCommand:
		payload := models.ClearCanvasPayload{SessionID: cmd.SessionID, UserID: id.UserID}
		g.relay(ctx, c, models.WhiteboardRoom(cmd.SessionID), models.EventClearCanvas, payload)

	case models.DashboardCommand:
		if cmd.Event == models.EventJoinAdminDashboard {
			g.join(ctx, c, models.AdminDashboard)
		} else {
			g.leave(ctx, c, models.AdminDashboard)
		}
	}
}

func (g *Gateway) join(ctx context.Context, c *Client, room models.RoomID) {
	// Commands from one connection are handled in order, so this cannot race
	// with another join by c.
	rejoin := g.registry.IsMember(c, room)
	err := g.registry.Join(ctx, c, room)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrForbidden):
		g.sendError(c, "forbidden", fmt.Sprintf("not allowed to join %s", room))
		return
	case errors.Is(err, models.ErrInvalidRoom):
		g.sendError(c, "bad_request", err.Error())
		return
	default:
		c.log.Error("Join %s failed: %v", room, err)
		g.sendError(c, "internal", "could not join room")
		return
	}

	g.hub.Send(c, models.ServerEvent{Event: models.EventJoined, Data: models.RoomPayload{Room: room}})

	switch room.Kind() {
	case models.RoomWhiteboard:
		if rejoin {
			return
		}
		g.broadcast(ctx, room, models.EventUserJoinedWhiteboard, g.presence(c, room), c.ID())
	case models.RoomAdmin:
		g.sendTopPerformers(ctx, c)
	}
}

func (g *Gateway) leave(ctx context.Context, c *Client, room models.RoomID) {
	wasMember := g.registry.Leave(c, room)
	g.hub.Send(c, models.ServerEvent{Event: models.EventLeft, Data: models.RoomPayload{Room: room}})

	if wasMember && room.Kind() == models.RoomWhiteboard {
		g.broadcast(ctx, room, models.EventUserLeftWhiteboard, g.presence(c, room), c.ID())
	}
}

// relay forwards an ephemeral event to the room's other members. Frames from
// non-members and frames over the per-connection budget are dropped.
func (g *Gateway) relay(ctx context.Context, c *Client, room models.RoomID, event models.EventKind, payload interface{}) {
	if !g.registry.IsMember(c, room) {
		c.log.Debug("Dropping %s for %s: not a member", event, room)
		return
	}
	if !c.AllowEphemeral() {
		c.log.Debug("Dropping %s for %s: event budget exceeded", event, room)
		return
	}
	g.broadcast(ctx, room, event, payload, c.ID())
}

func (g *Gateway) disconnect(ctx context.Context, c *Client) {
	rooms := g.registry.RemoveClient(c)
	for _, room := range rooms {
		if room.Kind() == models.RoomWhiteboard {
			g.broadcast(ctx, room, models.EventUserLeftWhiteboard, g.presence(c, room), c.ID())
		}
	}
	c.log.Info("User %s disconnected from %d rooms", c.Identity().Username, len(rooms))
}

func (g *Gateway) sendTopPerformers(ctx context.Context, c *Client) {
	if g.scores == nil {
		return
	}
	top, err := g.scores.GetTopPerformers(ctx, g.opts.TopN)
	if err != nil {
		c.log.Error("Loading top performers: %v", err)
		g.sendError(c, "unavailable", "leaderboard unavailable")
		return
	}
	g.hub.Send(c, models.ServerEvent{
		Event: models.EventTopPerformersUpdate,
		Data:  models.TopPerformersPayload{TopPerformers: top},
	})
}

func (g *Gateway) broadcast(ctx context.Context, room models.RoomID, event models.EventKind, payload interface{}, exclude string) {
	evt := models.ServerEvent{Event: event, Data: payload}
	if err := g.hub.Broadcast(ctx, room, evt, exclude); err != nil {
		g.log.Error("Broadcast %s to %s: %v", event, room, err)
	}
}

func (g *Gateway) presence(c *Client, room models.RoomID) models.WhiteboardPresencePayload {
	id := c.Identity()
	return models.WhiteboardPresencePayload{SessionID: room.Ref(), UserID: id.UserID, Username: id.Username}
}

func (g *Gateway) sendError(c *Client, code, message string) {
	g.hub.Send(c, models.ServerEvent{
		Event: models.EventError,
		Data:  models.ErrorPayload{Code: code, Message: message},
	})
}
