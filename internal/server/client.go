package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	sendBuffer   = 256
)

var errRateLimited = &EventError{Message: msgRateLimited}

// Client is a single websocket connection. A client is joined to at most
// one room at a time under one username.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
	limiter    *rate.Limiter

	mu       sync.RWMutex
	roomId   string
	username string
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	c := &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *ServerMessage, sendBuffer),
		stop:       make(chan struct{}),
	}

	if rl := cs.rateLimit; rl.PerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rl.PerSecond), rl.Burst)
	}

	return c
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			frame, err := msg.encode()
			if err != nil {
				c.log.Printf("failed to serialize %q for %s: %v", msg.Event, c.id, err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, frame) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(c.chatServer.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.log.Printf("ws: %s exceeded the %d byte frame limit", c.id, c.chatServer.maxMessageSize)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		msg, err := ParseClientMessage(raw)
		if err != nil {
			c.log.Printf("rejected message from %s: %v", c.id, err)
			c.queueMessage(ErrorMessage(clientErrorMessage(err, msgInvalidFormat)))
			continue
		}

		c.chatServer.handleMessage(c, msg)
	}
}

// queueMessage enqueues msg without blocking. It returns false if the
// client's send buffer is full and the message was dropped.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("dropping %q for %s, send buffer is full", msg.Event, c.id)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.disconnect(c)
	c.stopClient()
}

func (c *Client) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Client) setRoom(roomId, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.roomId = roomId
	c.username = username
}

// clearRoom resets the client to the unjoined state if it is currently
// joined to roomId. An empty roomId clears any membership.
func (c *Client) clearRoom(roomId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if roomId == "" || c.roomId == roomId {
		c.roomId = ""
		c.username = ""
	}
}

func (c *Client) membership() (roomId, username string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.roomId, c.username
}
