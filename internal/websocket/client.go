package websocket

import (
	"sync"
	"time"

	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one authenticated socket. Its identity is fixed at construction
// and never re-derived from anything the peer sends later.
type Client struct {
	id       string
	identity models.Identity
	conn     *websocket.Conn
	send     chan []byte
	events   *rate.Limiter
	log      *logger.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type ClientOptions struct {
	SendBuffer int
	EventRate  float64
	EventBurst int
}

func NewClient(conn *websocket.Conn, identity models.Identity, opts ClientOptions) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.EventRate <= 0 {
		opts.EventRate = 60
	}
	if opts.EventBurst <= 0 {
		opts.EventBurst = 120
	}

	id := uuid.NewString()
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, opts.SendBuffer),
		events:   rate.NewLimiter(rate.Limit(opts.EventRate), opts.EventBurst),
		log:      logger.With("conn", id).With("user", identity.UserID),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string                { return c.id }
func (c *Client) Identity() models.Identity { return c.identity }

// Enqueue hands data to the write pump without blocking. It reports false
// when the client is closed or its queue is full.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// AllowEphemeral applies the per-connection budget for typing and
// whiteboard traffic.
func (c *Client) AllowEphemeral() bool {
	return c.events.Allow()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

// ReadPump reads frames until the socket fails and hands each one to handle
// in arrival order.
func (c *Client) ReadPump(maxMessageBytes int64, handle func([]byte)) {
	defer c.Close()

	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("WebSocket error: %v", err)
			}
			return
		}
		handle(message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
