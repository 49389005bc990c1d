package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schovi/retrohost/internal/clock"
	"github.com/schovi/retrohost/internal/engine"
	"github.com/schovi/retrohost/internal/events"
	"github.com/schovi/retrohost/internal/protocol"
	"github.com/schovi/retrohost/internal/savestore"
	"github.com/schovi/retrohost/internal/transport"
	"github.com/schovi/retrohost/internal/worker"
)

// testProc stands in for a worker process: the supervisor holds one end of
// an in-memory pipe and the fake worker the other.
type testProc struct {
	net.Conn
	peer  net.Conn
	done  chan struct{}
	once  sync.Once
	kills atomic.Int32
	stop  context.CancelFunc

	mu  sync.Mutex
	err error
}

func newTestProc() *testProc {
	host, peer := net.Pipe()
	return &testProc{Conn: host, peer: peer, done: make(chan struct{})}
}

func (p *testProc) PID() int              { return os.Getpid() }
func (p *testProc) Done() <-chan struct{} { return p.done }

func (p *testProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *testProc) Kill() {
	p.kills.Add(1)
	p.exit(errors.New("signal: killed"))
}

func (p *testProc) crash() {
	p.exit(errors.New("exit status 139"))
}

func (p *testProc) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		if p.stop != nil {
			p.stop()
		}
		p.peer.Close()
		close(p.done)
	})
}

func (p *testProc) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

type procTracker struct {
	mu      sync.Mutex
	procs   []*testProc
	overlap bool
}

func (tr *procTracker) track(p *testProc) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, prev := range tr.procs {
		if !prev.exited() {
			tr.overlap = true
		}
	}
	tr.procs = append(tr.procs, p)
}

func (tr *procTracker) last() *testProc {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.procs[len(tr.procs)-1]
}

func (tr *procTracker) overlapped() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.overlap
}

// runtimeSpawner runs the real worker runtime in-process, paced by a fake
// clock.
type runtimeSpawner struct {
	procTracker
	clock    *clock.Fake
	registry *engine.Registry
	store    *savestore.MemoryStorage
}

func (sp *runtimeSpawner) Spawn(context.Context) (Process, error) {
	p := newTestProc()
	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel

	rt := worker.New(transport.NewConn(p.peer),
		worker.WithClock(sp.clock),
		worker.WithRegistry(sp.registry),
		worker.WithStorageFactory(func(protocol.Init) (savestore.Storage, error) { return sp.store, nil }),
	)
	go func() {
		p.exit(rt.Run(ctx))
	}()
	sp.track(p)
	return p, nil
}

// script answers commands on behalf of a fake worker.
type script func(p *testProc, cmd protocol.Command, send func(protocol.Event))

type scriptSpawner struct {
	procTracker
	script script

	cmdMu sync.Mutex
	cmds  []protocol.Command
}

func (sp *scriptSpawner) Spawn(context.Context) (Process, error) {
	p := newTestProc()
	conn := transport.NewConn(p.peer)
	send := func(ev protocol.Event) { _ = conn.Send(ev) }
	go func() {
		for {
			cmd, err := conn.ReadCommand()
			if err != nil {
				return
			}
			sp.cmdMu.Lock()
			sp.cmds = append(sp.cmds, cmd)
			sp.cmdMu.Unlock()
			sp.script(p, cmd, send)
		}
	}()
	sp.track(p)
	return p, nil
}

func (sp *scriptSpawner) count(kind protocol.Kind) int {
	sp.cmdMu.Lock()
	defer sp.cmdMu.Unlock()
	n := 0
	for _, c := range sp.cmds {
		if c.Kind() == kind {
			n++
		}
	}
	return n
}

var testAV = engine.AVInfo{
	Geometry: engine.Geometry{BaseWidth: 256, BaseHeight: 224, MaxWidth: 256, MaxHeight: 224, AspectRatio: 8.0 / 7.0},
	Timing:   engine.Timing{FPS: 60, SampleRate: 48000},
}

// cooperative readies on init and exits after acknowledging shutdown.
// Other correlated commands are left unanswered.
func cooperative(p *testProc, cmd protocol.Command, send func(protocol.Event)) {
	switch c := cmd.(type) {
	case protocol.Init:
		send(protocol.Ready{AVInfo: testAV})
	case protocol.Shutdown:
		send(protocol.Response{RequestID: c.RequestID, Success: true})
		p.exit(nil)
	}
}

// deafToShutdown readies on init and never answers anything else.
func deafToShutdown(_ *testProc, cmd protocol.Command, send func(protocol.Event)) {
	if _, ok := cmd.(protocol.Init); ok {
		send(protocol.Ready{AVInfo: testAV})
	}
}

func silent(*testProc, protocol.Command, func(protocol.Event)) {}

func writeROM(t *testing.T) string {
	t.Helper()
	rom := filepath.Join(t.TempDir(), "game.gb")
	require.NoError(t, os.WriteFile(rom, []byte("test rom"), 0644))
	return rom
}

func newSupervisor(t *testing.T, sp Spawner, opts ...Option) *Supervisor {
	t.Helper()
	opts = append([]Option{
		WithSpawner(sp),
		WithTimeouts(2*time.Second, 2*time.Second, 200*time.Millisecond),
	}, opts...)
	s := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// runtimeEnv is a supervisor driving the real worker runtime.
type runtimeEnv struct {
	sup     *Supervisor
	spawner *runtimeSpawner
	clock   *clock.Fake
	rom     string
	sub     *events.Subscription
}

func newRuntimeEnv(t *testing.T, reg *engine.Registry) *runtimeEnv {
	t.Helper()
	if reg == nil {
		reg = engine.DefaultRegistry()
	}
	fake := clock.NewFake(time.Unix(0, 0))
	sp := &runtimeSpawner{
		clock:    fake,
		registry: reg,
		store:    savestore.NewMemoryStorage(0),
	}
	sup := newSupervisor(t, sp)
	return &runtimeEnv{
		sup:     sup,
		spawner: sp,
		clock:   fake,
		rom:     writeROM(t),
		sub:     sup.Subscribe(1024),
	}
}

func (e *runtimeEnv) load(t *testing.T) *Session {
	t.Helper()
	sess, err := e.sup.Load(context.Background(), LoadOptions{CorePath: "testpattern:", RomPath: e.rom})
	require.NoError(t, err)
	return sess
}

// step advances virtual time by one frame and returns the next frame seen.
func (e *runtimeEnv) step(t *testing.T) protocol.VideoFrame {
	t.Helper()
	require.Eventually(t, func() bool { return e.clock.Tickers() == 1 }, 2*time.Second, time.Millisecond)
	e.clock.Advance(17 * time.Millisecond)
	return nextFrame(t, e.sub)
}

func nextFrame(t *testing.T, sub *events.Subscription) protocol.VideoFrame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if vf, ok := ev.(protocol.VideoFrame); ok {
				return vf
			}
		case <-deadline:
			t.Fatal("timed out waiting for a video frame")
		}
	}
}

// pending drains whatever is queued on sub without waiting.
func pending(sub *events.Subscription) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func fatalErrors(evs []protocol.Event) int {
	n := 0
	for _, ev := range evs {
		if e, ok := ev.(protocol.Error); ok && e.Fatal {
			n++
		}
	}
	return n
}
