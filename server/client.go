package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/pulseline/logger"
	"github.com/teranos/pulseline/pulse/event"
)

// WebSocket timeouts, following the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames and small pings
	maxMessageSize = 4096
)

// Client is one event stream connection.
type Client struct {
	server    *Server
	conn      *websocket.Conn
	sub       chan event.Event
	filter    event.Filter
	types     map[event.Type]bool
	lastSeq   int64 // highest seq written; read and written by the pump goroutines in turn
	id        string
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(s *Server, conn *websocket.Conn, id string, f event.Filter) *Client {
	c := &Client{
		server:  s,
		conn:    conn,
		filter:  f,
		lastSeq: f.AfterSeq,
		id:      id,
		done:    make(chan struct{}),
	}
	if len(f.Types) > 0 {
		c.types = make(map[event.Type]bool, len(f.Types))
		for _, t := range f.Types {
			c.types[t] = true
		}
	}
	return c
}

// wants reports whether ev passes the client's filter and has not been
// sent already.
func (c *Client) wants(ev event.Event) bool {
	if ev.Seq <= c.lastSeq {
		return false
	}
	if c.filter.OwnerID != "" && ev.OwnerID != c.filter.OwnerID {
		return false
	}
	if c.types != nil && !c.types[ev.Type] {
		return false
	}
	return !ev.CreatedAt.Before(c.filter.Since)
}

func (c *Client) write(ev event.Event) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(StreamMessage{Type: "event", Event: &ev}); err != nil {
		return err
	}
	c.lastSeq = ev.Seq
	return nil
}

// sendBacklog writes stored events after the requested seq, page by page.
// Runs before the pumps start.
func (c *Client) sendBacklog(ctx context.Context) error {
	f := c.filter
	f.Limit = 0
	for {
		f.AfterSeq = c.lastSeq
		evs, err := c.server.events.List(ctx, f)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := c.write(ev); err != nil {
				return err
			}
		}
		if len(evs) < event.DefaultListLimit {
			return nil
		}
	}
}

// readPump drains control frames and notices disconnects.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
			c.close()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debugw("Event stream read error", "client_id", c.id, logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards subscribed events and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.done:
			return
		case ev := <-c.sub:
			if !c.wants(ev) {
				continue
			}
			if err := c.write(ev); err != nil {
				c.server.logger.Debugw("Event write error", "client_id", c.id, logger.FieldError, err)
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

// close detaches the client from the event log and stops its pumps.
// Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.server.events.Unsubscribe(c.sub)
		close(c.done)
		c.conn.Close()
	})
}
