package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schovi/retrohost/internal/protocol"
)

func pipePair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestConn_CommandsArriveInSendOrder(t *testing.T) {
	host, worker := pipePair(t)

	sent := []protocol.Command{
		protocol.Input{Port: 0, ButtonID: 8, Pressed: true},
		protocol.Input{Port: 0, ButtonID: 8, Pressed: false},
		protocol.Pause{},
		protocol.SaveState{Slot: 3, RequestID: "r1"},
	}

	go func() {
		for _, c := range sent {
			if err := host.Send(c); err != nil {
				return
			}
		}
	}()

	for _, want := range sent {
		got, err := worker.ReadCommand()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestConn_EventsRoundTrip(t *testing.T) {
	host, worker := pipePair(t)

	go worker.Send(protocol.Response{RequestID: "r1", Success: true, Path: "/tmp/x.state5"})

	ev, err := host.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, protocol.Response{RequestID: "r1", Success: true, Path: "/tmp/x.state5"}, ev)
}

func TestConn_MalformedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn := NewConn(b)
	defer conn.Close()

	go a.Write([]byte("{not json\n"))

	_, err := conn.ReadEvent()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
}

func TestConn_UnknownTagIsFrameError(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	conn := NewConn(b)
	defer conn.Close()

	go a.Write([]byte(`{"type":"rewind","payload":{}}` + "\n"))

	_, err := conn.ReadCommand()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
}

func TestConn_EOF(t *testing.T) {
	a, b := net.Pipe()
	conn := NewConn(b)
	defer conn.Close()

	a.Close()
	_, err := conn.ReadEvent()
	assert.True(t, errors.Is(err, io.EOF), "got %v", err)
}

func TestConn_SendAfterClose(t *testing.T) {
	host, _ := pipePair(t)
	require.NoError(t, host.Close())
	assert.ErrorIs(t, host.Send(protocol.Pause{}), ErrClosed)
}

func TestConn_ConcurrentSendsDoNotInterleave(t *testing.T) {
	host, worker := pipePair(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				host.Send(protocol.Input{Port: 1, ButtonID: j % 16, Pressed: true})
			}
		}()
	}

	for i := 0; i < 4*n; i++ {
		_, err := worker.ReadCommand()
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestPending_ResolveOnce(t *testing.T) {
	p := NewPending()
	ch := p.Add("a")

	assert.True(t, p.Resolve(protocol.Response{RequestID: "a", Success: true}))
	assert.False(t, p.Resolve(protocol.Response{RequestID: "a", Success: true}), "duplicate is ignored")
	assert.False(t, p.Reject("a", errors.New("late")))

	select {
	case r := <-ch:
		assert.NoError(t, r.Err)
		assert.True(t, r.Success)
		assert.Equal(t, "a", r.RequestID)
	case <-time.After(time.Second):
		t.Fatal("result not delivered")
	}

	select {
	case <-ch:
		t.Fatal("second result delivered")
	default:
	}
}

func TestPending_StaleResponseIgnored(t *testing.T) {
	p := NewPending()
	assert.False(t, p.Resolve(protocol.Response{RequestID: "never-sent"}))
	assert.Equal(t, 0, p.Len())
}

func TestPending_RejectAll(t *testing.T) {
	p := NewPending()
	a := p.Add("a")
	b := p.Add("b")
	boom := errors.New("worker crashed")

	assert.Equal(t, 2, p.RejectAll(boom))
	assert.Equal(t, 0, p.Len())
	assert.ErrorIs(t, (<-a).Err, boom)
	assert.ErrorIs(t, (<-b).Err, boom)

	assert.False(t, p.Resolve(protocol.Response{RequestID: "a"}), "response after crash is stale")
}

func TestJoinPipes(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	worker := NewConn(JoinPipes(inR, outW))
	host := NewConn(JoinPipes(outR, inW))

	go func() {
		_ = host.Send(protocol.Reset{})
	}()
	cmd, err := worker.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, protocol.Reset{}, cmd)

	go func() {
		_ = worker.Send(protocol.Error{Message: "x"})
	}()
	ev, err := host.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, protocol.Error{Message: "x"}, ev)

	require.NoError(t, worker.Close())
	_, err = host.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}
