package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/engine"
	"github.com/schovi/retrohost/internal/events"
	"github.com/schovi/retrohost/internal/protocol"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	ev, err := protocol.UnwrapEvent(env)
	require.NoError(t, err)
	return ev
}

func TestBroadcaster_ForwardsEvents(t *testing.T) {
	b := NewBroadcaster(8, 0, zap.NewNop())
	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv.URL)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Broadcast(protocol.VideoFrame{Width: 160, Height: 144, Timestamp: 17}))
	vf, ok := readEvent(t, conn).(protocol.VideoFrame)
	require.True(t, ok)
	assert.Equal(t, 160, vf.Width)
	assert.Equal(t, int64(17), vf.Timestamp)
}

func TestBroadcaster_LateJoinerGetsReady(t *testing.T) {
	b := NewBroadcaster(8, 0, zap.NewNop())
	srv := httptest.NewServer(b)
	defer srv.Close()

	av := engine.AVInfo{Geometry: engine.Geometry{BaseWidth: 160, BaseHeight: 144}}
	require.NoError(t, b.Broadcast(protocol.Ready{AVInfo: av}))

	conn := dial(t, srv.URL)
	ready, ok := readEvent(t, conn).(protocol.Ready)
	require.True(t, ok)
	assert.Equal(t, 144, ready.AVInfo.Geometry.BaseHeight)
}

func TestBroadcaster_ConnectionLimit(t *testing.T) {
	b := NewBroadcaster(8, 1, zap.NewNop())
	srv := httptest.NewServer(b)
	defer srv.Close()

	dial(t, srv.URL)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	second := dial(t, srv.URL)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, 1, b.ClientCount())
}

func TestBroadcaster_ClientDisconnect(t *testing.T) {
	b := NewBroadcaster(8, 0, zap.NewNop())
	srv := httptest.NewServer(b)
	defer srv.Close()

	conn := dial(t, srv.URL)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_RunStopsWhenSubscriptionCloses(t *testing.T) {
	b := NewBroadcaster(8, 0, zap.NewNop())
	bus := events.NewBus()
	sub := bus.Subscribe(4)

	done := make(chan struct{})
	go func() {
		b.Run(context.Background(), sub)
		close(done)
	}()
	bus.Publish(protocol.Error{Message: "x"})
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := NewBroadcaster(8, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, ln, b, zap.NewNop()) }()

	conn := dial(t, "http://"+ln.Addr().String()+StreamPath)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, b.ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

// detached registers a client without a connection or write pump.
func detached(b *Broadcaster, buffer int) *client {
	c := &client{send: make(chan []byte, buffer)}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

func TestBroadcaster_SlowClientSkipsMediaButNotControl(t *testing.T) {
	b := NewBroadcaster(1, 0, zap.NewNop())
	c := detached(b, 1)

	require.NoError(t, b.Broadcast(protocol.VideoFrame{Timestamp: 1}))
	require.NoError(t, b.Broadcast(protocol.VideoFrame{Timestamp: 2}))
	assert.Equal(t, 1, b.ClientCount(), "media is skipped for a full client")

	require.NoError(t, b.Broadcast(protocol.Error{Message: "boom"}))
	assert.Equal(t, 0, b.ClientCount())

	<-c.send
	_, open := <-c.send
	assert.False(t, open, "disconnected client's queue is closed")
}

func TestBroadcaster_BroadcastRacesRemove(t *testing.T) {
	b := NewBroadcaster(4, 0, zap.NewNop())

	for rep := 0; rep < 200; rep++ {
		c := detached(b, 4)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for rep := 0; rep < 8; rep++ {
				b.Broadcast(protocol.Error{Message: "x"})
			}
		}()
		go func() {
			for {
				select {
				case _, ok := <-c.send:
					if !ok {
						return
					}
				case <-done:
					return
				}
			}
		}()
		b.RemoveClient(c)
		<-done
	}
	assert.Equal(t, 0, b.ClientCount())
}
