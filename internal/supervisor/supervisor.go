// Package supervisor runs an emulation session in an isolated worker process
// and exposes its lifecycle, input and media output to the host.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/engine"
	"github.com/schovi/retrohost/internal/events"
	"github.com/schovi/retrohost/internal/protocol"
	"github.com/schovi/retrohost/internal/transport"
)

type State int

const (
	StateUnloaded State = iota
	StateInitializing
	StateReady
	StateRunning
	StatePaused
	StateShuttingDown
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting_down"
	case StateCrashed:
		return "crashed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type LoadOptions struct {
	CorePath      string
	RomPath       string
	SaveStatePath string
}

// Dirs are the engine directories handed to every worker.
type Dirs struct {
	System     string
	Save       string
	SRAM       string
	SaveStates string
}

// Session describes the loaded engine instance.
type Session struct {
	ID            string
	CorePath      string
	RomPath       string
	SaveStatePath string
	AVInfo        engine.AVInfo
	SystemInfo    *engine.SystemInfo
	PID           int
	StartedAt     time.Time
}

// Result is the payload of a successful correlated request.
type Result struct {
	Path string
	Data []byte
}

type Supervisor struct {
	spawner          Spawner
	logger           *zap.Logger
	bus              *events.Bus
	dirs             Dirs
	initTimeout      time.Duration
	requestTimeout   time.Duration
	shutdownTimeout  time.Duration
	subscriberBuffer int

	// opMu serializes Load, Unload and Close so sessions never overlap.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	session  *Session
	link     *link
	crashErr error
	closed   bool
}

type Option func(*Supervisor)

func WithSpawner(sp Spawner) Option {
	return func(s *Supervisor) {
		s.spawner = sp
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

func WithDirs(d Dirs) Option {
	return func(s *Supervisor) {
		s.dirs = d
	}
}

// WithTimeouts overrides the init, per-request and shutdown deadlines.
// Zero values keep the defaults.
func WithTimeouts(init, request, shutdown time.Duration) Option {
	return func(s *Supervisor) {
		if init > 0 {
			s.initTimeout = init
		}
		if request > 0 {
			s.requestTimeout = request
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

func WithSubscriberBuffer(n int) Option {
	return func(s *Supervisor) {
		s.subscriberBuffer = n
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:           zap.NewNop(),
		bus:              events.NewBus(),
		initTimeout:      DefaultInitTimeout,
		requestTimeout:   DefaultRequestTimeout,
		shutdownTimeout:  DefaultShutdownTimeout,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawner == nil {
		s.spawner = &ExecSpawner{Logger: s.logger}
	}
	return s
}

// link is the connection to one worker process.
type link struct {
	proc    Process
	conn    *transport.Conn
	pending *transport.Pending
	ready   chan readyResult
	once    sync.Once
}

type readyResult struct {
	av  engine.AVInfo
	sys *engine.SystemInfo
	err error
}

func newLink(proc Process) *link {
	return &link{
		proc:    proc,
		conn:    transport.NewConn(proc),
		pending: transport.NewPending(),
		ready:   make(chan readyResult, 1),
	}
}

func (l *link) signalReady(r readyResult) {
	select {
	case l.ready <- r:
	default:
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns a snapshot of the current session, or nil when unloaded.
func (s *Supervisor) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	snap := *s.session
	return &snap
}

// Subscribe registers for every event the worker emits plus fatal errors
// raised by the supervisor. bufSize <= 0 uses the configured default.
func (s *Supervisor) Subscribe(bufSize int) *events.Subscription {
	if bufSize <= 0 {
		bufSize = s.subscriberBuffer
	}
	return s.bus.Subscribe(bufSize)
}

func (s *Supervisor) Unsubscribe(sub *events.Subscription) {
	s.bus.Unsubscribe(sub)
}

// Load starts a new session, unloading any existing one first. It returns
// once the worker reports ready. A session whose init fails or times out is
// left in place for the caller to Unload.
func (s *Supervisor) Load(ctx context.Context, opts LoadOptions) (*Session, error) {
	if err := ValidateLoadOptions(opts); err != nil {
		return nil, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := s.unloadLocked(ctx); err != nil {
		return nil, err
	}

	proc, err := s.spawner.Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	l := newLink(proc)
	sess := &Session{
		ID:            uuid.NewString(),
		CorePath:      opts.CorePath,
		RomPath:       opts.RomPath,
		SaveStatePath: opts.SaveStatePath,
		PID:           proc.PID(),
	}

	s.mu.Lock()
	s.link = l
	s.session = sess
	s.state = StateInitializing
	s.crashErr = nil
	s.mu.Unlock()

	logger := s.logger.With(zap.String("session", sess.ID), zap.Int("pid", sess.PID))
	logger.Info("loading session", zap.String("core", opts.CorePath), zap.String("rom", opts.RomPath))

	go s.readLoop(l)
	go s.watch(l)

	init := protocol.Init{
		CorePath:      opts.CorePath,
		RomPath:       opts.RomPath,
		SystemDir:     s.dirs.System,
		SaveDir:       s.dirs.Save,
		SRAMDir:       s.dirs.SRAM,
		SaveStatesDir: s.dirs.SaveStates,
		SaveStatePath: opts.SaveStatePath,
	}
	if err := l.conn.Send(init); err != nil {
		return nil, s.sendFailed(l, "send init", err)
	}

	timer := time.NewTimer(s.initTimeout)
	defer timer.Stop()

	select {
	case r := <-l.ready:
		if r.err != nil {
			logger.Warn("session init failed", zap.Error(r.err))
			return nil, r.err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.link != l || s.state != StateReady {
			if s.crashErr != nil {
				return nil, s.crashErr
			}
			return nil, fmt.Errorf("%w: session is %s", ErrInitFailed, s.state)
		}
		sess.AVInfo = r.av
		sess.SystemInfo = r.sys
		sess.StartedAt = time.Now()
		s.state = StateRunning
		logger.Info("session running",
			zap.Int("width", r.av.Geometry.BaseWidth),
			zap.Int("height", r.av.Geometry.BaseHeight),
			zap.Float64("fps", r.av.Timing.FPS))
		snap := *sess
		return &snap, nil
	case <-timer.C:
		logger.Warn("worker not ready in time", zap.Duration("timeout", s.initTimeout))
		return nil, fmt.Errorf("%w: worker not ready after %s", ErrInitFailed, s.initTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unload shuts the worker down, forcing it after the shutdown deadline. It
// is a no-op when nothing is loaded, and the session is always reset once
// the process is gone, even when ctx ends early.
func (s *Supervisor) Unload(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.unloadLocked(ctx)
}

func (s *Supervisor) unloadLocked(ctx context.Context) error {
	s.mu.Lock()
	l := s.link
	if l == nil {
		s.state = StateUnloaded
		s.mu.Unlock()
		return nil
	}
	crashed := s.state == StateCrashed
	s.state = StateShuttingDown
	s.mu.Unlock()

	var err error
	if crashed {
		l.proc.Kill()
	} else {
		err = s.shutdownWorker(ctx, l)
	}

	select {
	case <-l.proc.Done():
	case <-time.After(ExitConfirmTimeout):
		s.logger.Error("worker exit not confirmed after kill", zap.Int("pid", l.proc.PID()))
	}
	l.conn.Close()
	l.pending.RejectAll(ErrNotLoaded)

	s.mu.Lock()
	s.link = nil
	s.session = nil
	s.state = StateUnloaded
	s.mu.Unlock()

	s.logger.Info("session unloaded", zap.Int("pid", l.proc.PID()))
	return err
}

// shutdownWorker asks the worker to exit and waits for the process to go,
// killing it once the deadline passes. Only ctx ending early is an error.
func (s *Supervisor) shutdownWorker(ctx context.Context, l *link) error {
	id := protocol.NewRequestID()
	resp := l.pending.Add(id)
	if err := l.conn.Send(protocol.Shutdown{RequestID: id}); err != nil {
		s.logger.Warn("send shutdown", zap.Error(err))
		l.pending.Reject(id, err)
		l.proc.Kill()
		return nil
	}

	deadline := time.NewTimer(s.shutdownTimeout)
	defer deadline.Stop()

	for {
		select {
		case r := <-resp:
			if r.Err == nil && !r.Success {
				s.logger.Warn("worker shutdown reported failure", zap.String("error", r.Error))
			}
			resp = nil
		case <-l.proc.Done():
			l.pending.Reject(id, ErrNotLoaded)
			return nil
		case <-deadline.C:
			s.logger.Warn("forcing worker down",
				zap.Error(ErrShutdownTimeout),
				zap.Duration("deadline", s.shutdownTimeout),
				zap.Int("pid", l.proc.PID()))
			l.pending.Reject(id, ErrShutdownTimeout)
			l.proc.Kill()
			return nil
		case <-ctx.Done():
			l.pending.Reject(id, ctx.Err())
			l.proc.Kill()
			return ctx.Err()
		}
	}
}

// Close unloads any session and closes every subscription.
func (s *Supervisor) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.unloadLocked(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bus.Close()
	return err
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) readLoop(l *link) {
	for {
		ev, err := l.conn.ReadEvent()
		if err != nil {
			s.readFailed(l, err)
			return
		}
		s.dispatch(l, ev)
	}
}

func (s *Supervisor) readFailed(l *link, err error) {
	if errors.Is(err, io.EOF) {
		// The worker closed stdout; prefer its exit status as the cause.
		select {
		case <-l.proc.Done():
			s.fail(l, &CrashError{PID: l.proc.PID(), Err: l.proc.Err()})
			return
		case <-time.After(ExitConfirmTimeout):
		}
	}
	s.fail(l, &CrashError{PID: l.proc.PID(), Err: &TransportError{Op: "read", Err: err}})
}

func (s *Supervisor) watch(l *link) {
	<-l.proc.Done()
	s.fail(l, &CrashError{PID: l.proc.PID(), Err: l.proc.Err()})
}

// dispatch re-emits ev to subscribers before acting on it, so a caller
// unblocked by a response or ready has already been preceded by the event.
func (s *Supervisor) dispatch(l *link, ev protocol.Event) {
	s.bus.Publish(ev)

	switch e := ev.(type) {
	case protocol.Ready:
		s.mu.Lock()
		if s.link == l && s.state == StateInitializing {
			s.state = StateReady
		}
		s.mu.Unlock()
		l.signalReady(readyResult{av: e.AVInfo, sys: e.SystemInfo})
	case protocol.Response:
		if !l.pending.Resolve(e) {
			s.logger.Debug("dropping stale response", zap.String("request_id", e.RequestID))
		}
	case protocol.Error:
		if !e.Fatal {
			s.logger.Warn("worker error", zap.String("error", e.Message))
			return
		}
		s.logger.Error("worker reported fatal error", zap.String("error", e.Message))
		l.signalReady(readyResult{err: fmt.Errorf("%w: %w", ErrInitFailed, &EngineError{Op: "init", Message: e.Message})})
	}
}

// fail moves a live session to Crashed. It acts at most once per link and
// ignores failures seen while shutting down or after the link was replaced.
func (s *Supervisor) fail(l *link, cause error) {
	l.once.Do(func() {
		s.mu.Lock()
		if s.link != l || s.state == StateShuttingDown || s.state == StateUnloaded || s.state == StateCrashed {
			s.mu.Unlock()
			return
		}
		s.state = StateCrashed
		s.crashErr = cause
		s.mu.Unlock()

		s.logger.Error("session crashed", zap.Error(cause))
		n := l.pending.RejectAll(cause)
		if n > 0 {
			s.logger.Debug("rejected pending requests", zap.Int("count", n))
		}
		l.signalReady(readyResult{err: cause})
		s.bus.Publish(protocol.Error{Message: cause.Error(), Fatal: true})
		l.proc.Kill()
		l.conn.Close()
	})
}

func (s *Supervisor) sendFailed(l *link, op string, err error) error {
	cause := &CrashError{PID: l.proc.PID(), Err: &TransportError{Op: op, Err: err}}
	s.fail(l, cause)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.link != l, s.state == StateShuttingDown, s.state == StateUnloaded:
		// The session went away underneath the caller.
		return ErrNotLoaded
	case s.crashErr != nil:
		return s.crashErr
	}
	return cause
}

// live returns the link when the session is in one of the given states.
// A nil link with a nil error means the call should be a no-op.
func (s *Supervisor) live(states ...State) (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCrashed {
		return nil, s.crashErr
	}
	for _, st := range states {
		if s.state == st {
			return s.link, nil
		}
	}
	return nil, nil
}

func (s *Supervisor) Pause() error {
	return s.toggle(protocol.Pause{}, StateRunning, StatePaused)
}

func (s *Supervisor) Resume() error {
	return s.toggle(protocol.Resume{}, StatePaused, StateRunning)
}

// toggle sends a flag command and moves the state on send; the worker never
// acknowledges pause or resume.
func (s *Supervisor) toggle(cmd protocol.Command, from, to State) error {
	s.mu.Lock()
	if s.state == StateCrashed {
		err := s.crashErr
		s.mu.Unlock()
		return err
	}
	if s.state != from {
		s.mu.Unlock()
		return nil
	}
	l := s.link
	s.state = to
	s.mu.Unlock()

	if err := l.conn.Send(cmd); err != nil {
		return s.sendFailed(l, "send "+string(cmd.Kind()), err)
	}
	return nil
}

func (s *Supervisor) Reset() error {
	return s.fireAndForget(protocol.Reset{})
}

// SendInput forwards one button transition. Transitions reach the engine in
// the order they are sent.
func (s *Supervisor) SendInput(port, buttonID int, pressed bool) error {
	return s.fireAndForget(protocol.Input{Port: port, ButtonID: buttonID, Pressed: pressed})
}

func (s *Supervisor) fireAndForget(cmd protocol.Command) error {
	l, err := s.live(StateRunning, StatePaused)
	if err != nil || l == nil {
		return err
	}
	if err := l.conn.Send(cmd); err != nil {
		return s.sendFailed(l, "send "+string(cmd.Kind()), err)
	}
	return nil
}

func (s *Supervisor) SaveState(ctx context.Context, slot int) (Result, error) {
	if err := ValidateSlot(slot); err != nil {
		return Result{}, err
	}
	return s.request(ctx, func(id string) protocol.Correlated {
		return protocol.SaveState{Slot: slot, RequestID: id}
	})
}

func (s *Supervisor) LoadState(ctx context.Context, slot int) (Result, error) {
	if err := ValidateSlot(slot); err != nil {
		return Result{}, err
	}
	return s.request(ctx, func(id string) protocol.Correlated {
		return protocol.LoadState{Slot: slot, RequestID: id}
	})
}

func (s *Supervisor) SaveSRAM(ctx context.Context) (Result, error) {
	return s.request(ctx, func(id string) protocol.Correlated {
		return protocol.SaveSRAM{RequestID: id}
	})
}

// Screenshot captures the last frame as PNG. With an empty outputPath the
// image is returned in Result.Data, otherwise it is written to outputPath.
func (s *Supervisor) Screenshot(ctx context.Context, outputPath string) (Result, error) {
	return s.request(ctx, func(id string) protocol.Correlated {
		return protocol.Screenshot{RequestID: id, OutputPath: outputPath}
	})
}

// request sends a correlated command and waits for exactly one outcome:
// the worker's response, a crash, the request deadline or ctx.
func (s *Supervisor) request(ctx context.Context, build func(id string) protocol.Correlated) (Result, error) {
	s.mu.Lock()
	var (
		l   *link
		err error
	)
	switch s.state {
	case StateRunning, StatePaused:
		l = s.link
	case StateCrashed:
		err = s.crashErr
	case StateUnloaded:
		err = ErrNotLoaded
	default:
		err = fmt.Errorf("%w: session is %s", ErrNotRunning, s.state)
	}
	s.mu.Unlock()
	if err != nil {
		return Result{}, err
	}

	cmd := build(protocol.NewRequestID())
	id := cmd.CorrelationID()
	ch := l.pending.Add(id)
	if err := l.conn.Send(cmd); err != nil {
		cause := s.sendFailed(l, "send "+string(cmd.Kind()), err)
		l.pending.Reject(id, cause)
		return Result{}, (<-ch).Err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	var res transport.Result
	select {
	case res = <-ch:
	case <-timer.C:
		l.pending.Reject(id, fmt.Errorf("%s: %w", cmd.Kind(), ErrRequestTimeout))
		res = <-ch
	case <-ctx.Done():
		l.pending.Reject(id, ctx.Err())
		res = <-ch
	}

	if res.Err != nil {
		return Result{}, res.Err
	}
	if !res.Success {
		return Result{}, &EngineError{Op: string(cmd.Kind()), Message: res.Error}
	}
	return Result{Path: res.Path, Data: res.Data}, nil
}
