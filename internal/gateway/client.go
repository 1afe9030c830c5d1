package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/forgelab/toolforge/internal/store"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	// sendBuffer bounds how far a slow client may lag before messages are
	// dropped. The database holds the full log either way.
	sendBuffer = 256
)

// Client is one WebSocket subscriber bound to a single topic.
type Client struct {
	id      string
	topic   string
	conn    *websocket.Conn
	send    chan string
	limiter *rate.Limiter
	done    chan struct{}
}

func NewClient(conn *websocket.Conn, topic string, rps float64) *Client {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}
	return &Client{
		id:      store.GenNewID().String(),
		topic:   topic,
		conn:    conn,
		send:    make(chan string, sendBuffer),
		limiter: limiter,
		done:    make(chan struct{}),
	}
}

// Enqueue buffers a message for delivery. Never blocks: messages beyond the
// buffer, or beyond the rate limit, are dropped for this client only.
func (c *Client) Enqueue(msg string) {
	if c.limiter != nil && !c.limiter.Allow() {
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		slog.Debug("dropping event for slow client", "client", c.id, "topic", c.topic)
	}
}

// Run pumps buffered messages to the connection until the peer disconnects
// or ctx is cancelled. The read loop exists only to observe the close.
func (c *Client) Run(ctx context.Context) {
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readClosed:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close tears the connection down and releases the enqueue path.
func (c *Client) Close() {
	close(c.done)
	c.conn.Close()
}
