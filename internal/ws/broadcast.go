// Package ws streams session events to downstream consumers, such as a
// compositor, over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/events"
	"github.com/schovi/retrohost/internal/protocol"
)

var ErrTooManyConnections = errors.New("too many stream connections")

const writeTimeout = 5 * time.Second

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newClient(conn *websocket.Conn, buffer int) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, buffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Broadcaster forwards every event as a JSON envelope, the same shape the
// worker speaks on its pipe. A client too slow for media simply misses
// frames; one that cannot take a control event is disconnected.
type Broadcaster struct {
	mu           sync.RWMutex
	clients      map[*client]bool
	clientBuffer int
	maxClients   int
	ready        []byte
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

func NewBroadcaster(clientBuffer, maxClients int, logger *zap.Logger) *Broadcaster {
	if clientBuffer < 1 {
		clientBuffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		clients:      make(map[*client]bool),
		clientBuffer: clientBuffer,
		maxClients:   maxClients,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// AddClient registers conn. A late joiner first receives the last ready
// event so it learns the frame geometry.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		return nil, ErrTooManyConnections
	}
	c := newClient(conn, b.clientBuffer)
	b.clients[c] = true
	if b.ready != nil {
		c.send <- b.ready
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Broadcast(ev protocol.Event) error {
	env, err := protocol.Wrap(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	media := protocol.IsMedia(ev)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := ev.(protocol.Ready); ok {
		b.ready = data
	}
	// Sends never block, so clients cannot be closed underneath us while
	// the lock is held.
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			if media {
				continue
			}
			b.logger.Warn("stream client too slow, disconnecting")
			delete(b.clients, c)
			c.close()
		}
	}
	return nil
}

// Run forwards sub until it closes or ctx ends.
func (b *Broadcaster) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := b.Broadcast(ev); err != nil {
				b.logger.Error("broadcast", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ServeHTTP upgrades the request and keeps the client until it hangs up.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("stream upgrade", zap.Error(err))
		return
	}
	c, err := b.AddClient(conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	b.logger.Info("stream client connected", zap.String("remote", r.RemoteAddr))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.RemoveClient(c)
	b.logger.Info("stream client disconnected", zap.String("remote", r.RemoteAddr))
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}
