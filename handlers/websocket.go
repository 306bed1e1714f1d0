package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mapleleafu/tabletop/tabletop-backend/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
	// maxHeldMessages bounds the broadcasts held back while a socket joins.
	maxHeldMessages = 4096
)

var errConnectionClosed = errors.New("connection closed")

// Connection is one websocket client. Frames from the session and broadcasts
// from the hub share a single send queue drained by writePump.
type Connection struct {
	id     string
	ws     *websocket.Conn
	logger *log.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter

	mu        sync.Mutex
	buffering bool
	held      [][]byte
}

func newConnection(ws *websocket.Conn, logger *log.Logger, limiter *rate.Limiter) *Connection {
	return &Connection{
		id:      uuid.NewString(),
		ws:      ws,
		logger:  logger,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

// close is safe to call more than once and from any goroutine.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// deliver queues a hub broadcast without blocking. It reports false when
// the client cannot keep up.
func (c *Connection) deliver(payload []byte) bool {
	c.mu.Lock()
	if c.buffering {
		if len(c.held) >= maxHeldMessages {
			c.mu.Unlock()
			return false
		}
		c.held = append(c.held, payload)
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// write queues payload, waiting for room in the send queue.
func (c *Connection) write(ctx context.Context, payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) writeFrame(ctx context.Context, event string, data any) error {
	frame, err := models.NewFrame(event, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.write(ctx, payload)
}

// holdBroadcasts makes deliver keep broadcasts aside until releaseHeld or
// dropHeld is called.
func (c *Connection) holdBroadcasts() {
	c.mu.Lock()
	c.buffering = true
	c.mu.Unlock()
}

// releaseHeld sends the held broadcasts in arrival order, then switches the
// connection back to direct delivery.
func (c *Connection) releaseHeld(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.held) == 0 {
			c.buffering = false
			c.mu.Unlock()
			return nil
		}
		batch := c.held
		c.held = nil
		c.mu.Unlock()

		for _, payload := range batch {
			if err := c.write(ctx, payload); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) dropHeld() {
	c.mu.Lock()
	c.buffering = false
	c.held = nil
	c.mu.Unlock()
}

// readPump reads frames and hands them to handle one at a time. It returns
// the error that ended the connection.
func (c *Connection) readPump(ctx context.Context, handle func(context.Context, models.Frame)) error {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		// Application traffic counts as liveness too.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.sendError(ctx, "rate_limited", "too many messages")
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil || frame.Event == "" {
			c.sendError(ctx, "bad_frame", "message is not a valid frame")
			continue
		}
		handle(ctx, frame)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Printf("ws: %s: error writing message: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) sendError(ctx context.Context, code, message string) {
	if err := c.writeFrame(ctx, models.EventError, models.ErrorPayload{Code: code, Message: message}); err != nil {
		c.logger.Printf("ws: %s: failed to send error frame: %v", c.id, err)
	}
}

// ServeWS upgrades the request and runs the session until the client goes
// away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws: upgrade failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := newConnection(ws, h.logger, rate.NewLimiter(h.actionRate, h.actionBurst))
	session := newSession(conn, h)
	h.logger.Printf("ws: %s connected from %s", conn.id, r.RemoteAddr)

	go func() {
		<-conn.done
		cancel()
	}()
	go conn.writePump()

	reason := conn.readPump(ctx, session.handle)

	h.hub.Unregister(conn)
	conn.close()
	if websocket.IsCloseError(reason, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Printf("ws: %s disconnected", conn.id)
	} else {
		h.logger.Printf("ws: %s disconnected: %v", conn.id, reason)
	}
}
