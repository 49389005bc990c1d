// Package worker hosts an engine inside the isolated worker process. A single
// goroutine owns the engine: it interleaves host commands with frame pump
// ticks, so no two engine calls ever overlap.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/clock"
	"github.com/schovi/retrohost/internal/engine"
	"github.com/schovi/retrohost/internal/protocol"
	"github.com/schovi/retrohost/internal/savestore"
	"github.com/schovi/retrohost/internal/transport"
)

const (
	DefaultFPS        = 60.0
	DefaultFrameQueue = 8
)

// StorageFactory opens blob storage for a session once init has named its
// directories.
type StorageFactory func(init protocol.Init) (savestore.Storage, error)

// FileStorageFactory stores blobs in the directories carried by init.
func FileStorageFactory(maxSize int64) StorageFactory {
	return func(init protocol.Init) (savestore.Storage, error) {
		return savestore.NewFileStorage(savestore.Dirs{
			States:      init.SaveStatesDir,
			SRAM:        init.SRAMDir,
			Screenshots: init.SaveDir,
		}, savestore.WithMaxSize(maxSize))
	}
}

type Runtime struct {
	conn       *transport.Conn
	clock      clock.Clock
	registry   *engine.Registry
	newStorage StorageFactory
	defaultFPS float64
	frameQueue int
	logger     *zap.Logger

	out sink

	eng       engine.Engine
	storage   savestore.Storage
	game      string
	av        engine.AVInfo
	ticker    clock.Ticker
	started   time.Time
	paused    bool
	stopping  bool
	lastFrame *protocol.VideoFrame
}

type Option func(*Runtime)

func WithClock(c clock.Clock) Option {
	return func(r *Runtime) {
		r.clock = c
	}
}

func WithRegistry(reg *engine.Registry) Option {
	return func(r *Runtime) {
		r.registry = reg
	}
}

func WithStorageFactory(f StorageFactory) Option {
	return func(r *Runtime) {
		r.newStorage = f
	}
}

func WithFrameQueue(n int) Option {
	return func(r *Runtime) {
		r.frameQueue = n
	}
}

// WithDefaultFPS sets the pump rate used when a core reports no timing.
func WithDefaultFPS(fps float64) Option {
	return func(r *Runtime) {
		r.defaultFPS = fps
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) {
		r.logger = l
	}
}

func New(conn *transport.Conn, opts ...Option) *Runtime {
	r := &Runtime{
		conn:       conn,
		clock:      clock.New(),
		registry:   engine.DefaultRegistry(),
		newStorage: FileStorageFactory(0),
		defaultFPS: DefaultFPS,
		frameQueue: DefaultFrameQueue,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run serves commands until shutdown, until the host closes the transport,
// or until ctx is done. The engine is always released before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	ob := newOutbox(r.frameQueue)
	r.out = ob

	sendDone := make(chan error, 1)
	go func() {
		sendDone <- ob.run(func(ev protocol.Event) error { return r.conn.Send(ev) })
	}()

	cmds := make(chan protocol.Command)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go r.readLoop(cmds, readErr, stop)

	err := r.loop(ctx, cmds, readErr)
	if relErr := r.release(); relErr != nil {
		r.logger.Warn("release engine", zap.Error(relErr))
	}

	ob.close()
	if sendErr := <-sendDone; sendErr != nil && err == nil {
		r.logger.Debug("outbox stopped", zap.Error(sendErr))
	}
	if n := ob.dropped(); n > 0 {
		r.logger.Info("media events dropped under backpressure", zap.Uint64("dropped", n))
	}
	return err
}

func (r *Runtime) readLoop(cmds chan<- protocol.Command, errs chan<- error, stop <-chan struct{}) {
	for {
		cmd, err := r.conn.ReadCommand()
		if err != nil {
			errs <- err
			return
		}
		select {
		case cmds <- cmd:
		case <-stop:
			return
		}
	}
}

func (r *Runtime) loop(ctx context.Context, cmds <-chan protocol.Command, readErr <-chan error) error {
	for {
		// A command that is already waiting runs before the next tick.
		select {
		case cmd := <-cmds:
			if r.handle(cmd) {
				return nil
			}
			continue
		default:
		}

		select {
		case cmd := <-cmds:
			if r.handle(cmd) {
				return nil
			}
		case now := <-r.tickC():
			r.tick(now)
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				r.logger.Info("host closed transport")
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runtime) tickC() <-chan time.Time {
	if r.ticker == nil {
		return nil
	}
	return r.ticker.C()
}

// handle executes one command to completion. It reports true once the
// runtime should exit.
func (r *Runtime) handle(cmd protocol.Command) bool {
	switch c := cmd.(type) {
	case protocol.Init:
		r.init(c)
	case protocol.Pause:
		r.paused = true
	case protocol.Resume:
		r.paused = false
	case protocol.Reset:
		if r.eng != nil {
			if err := guard("reset", r.eng.Reset); err != nil {
				r.out.push(protocol.Error{Message: err.Error()})
			}
		}
	case protocol.Input:
		r.input(c)
	case protocol.SaveState:
		r.out.push(r.saveState(c))
	case protocol.LoadState:
		r.out.push(r.loadState(c))
	case protocol.SaveSRAM:
		r.out.push(r.saveSRAM(c))
	case protocol.Screenshot:
		r.out.push(r.screenshot(c))
	case protocol.Shutdown:
		r.stopping = true
		resp := protocol.Response{RequestID: c.RequestID, Success: true}
		if err := r.release(); err != nil {
			resp = protocol.Failure(c.RequestID, "release engine", err)
		}
		r.out.push(resp)
		return true
	default:
		r.logger.Error("unhandled command", zap.String("kind", string(cmd.Kind())))
		if corr, ok := cmd.(protocol.Correlated); ok {
			r.out.push(protocol.Response{RequestID: corr.CorrelationID(), Error: fmt.Sprintf("unhandled command %q", cmd.Kind())})
			break
		}
		r.out.push(protocol.Error{Message: fmt.Sprintf("unhandled command %q", cmd.Kind())})
	}
	return false
}

func (r *Runtime) init(c protocol.Init) {
	if r.eng != nil {
		r.out.push(protocol.Error{Message: "engine already initialized"})
		return
	}

	fail := func(msg string, err error) {
		if err != nil {
			msg += ": " + err.Error()
		}
		r.logger.Error("init failed", zap.String("reason", msg))
		r.out.push(protocol.Error{Message: msg, Fatal: true})
	}

	eng, err := r.registry.Open(c.CorePath)
	if err != nil {
		fail("open engine", err)
		return
	}
	storage, err := r.newStorage(c)
	if err != nil {
		fail("open save storage", err)
		return
	}

	var (
		coreOK, gameOK bool
		av             *engine.AVInfo
		sys            *engine.SystemInfo
	)
	err = guard("init", func() {
		eng.SetDirectories(c.SystemDir, c.SaveDir)
		if coreOK = eng.LoadCore(c.CorePath); !coreOK {
			return
		}
		if d, ok := eng.(engine.Describer); ok {
			sys = d.SystemInfo()
		}
		if gameOK = eng.LoadGame(c.RomPath); !gameOK {
			return
		}
		av = eng.AVInfo()
	})
	switch {
	case err != nil:
		fail("engine", err)
	case !coreOK:
		fail("failed to load core "+c.CorePath, nil)
	case !gameOK:
		fail("failed to load game "+c.RomPath, nil)
	}
	if err != nil || !coreOK || !gameOK {
		guard("destroy", eng.Destroy)
		return
	}

	info := engine.AVInfo{Timing: engine.Timing{FPS: r.defaultFPS}}
	if av != nil {
		info = *av
	}
	if info.Timing.FPS <= 0 {
		info.Timing.FPS = r.defaultFPS
	}

	r.eng = eng
	r.storage = storage
	r.game = savestore.GameName(c.RomPath)
	r.av = info
	r.out.push(protocol.Ready{AVInfo: info, SystemInfo: sys})
	r.logger.Info("game loaded",
		zap.String("core", c.CorePath),
		zap.String("rom", c.RomPath),
		zap.Float64("fps", info.Timing.FPS))

	if c.SaveStatePath != "" {
		if err := r.applyState(func() ([]byte, error) { return storage.LoadAt(c.SaveStatePath) }); err != nil {
			r.out.push(protocol.Error{Message: "initial save state: " + err.Error()})
		}
	}

	r.started = r.clock.Now()
	r.ticker = r.clock.NewTicker(frameInterval(info.Timing.FPS))
}

func frameInterval(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

func (r *Runtime) tick(now time.Time) {
	if r.eng == nil || r.paused || r.stopping {
		return
	}

	var (
		frame   *engine.Frame
		samples []int16
	)
	err := guard("run", func() {
		r.eng.Run()
		frame = r.eng.VideoFrame()
		samples = r.eng.AudioBuffer()
	})
	if err != nil {
		r.out.push(protocol.Error{Message: err.Error()})
		return
	}

	ts := now.Sub(r.started).Milliseconds()
	if frame != nil {
		vf := protocol.VideoFrame{
			Data:      bytes.Clone(frame.Data),
			Width:     frame.Width,
			Height:    frame.Height,
			Timestamp: ts,
		}
		r.lastFrame = &vf
		r.out.push(vf)
	}
	if len(samples) > 0 {
		r.out.push(protocol.AudioSamples{
			Samples:    slices.Clone(samples),
			SampleRate: r.av.Timing.SampleRate,
			Timestamp:  ts,
		})
	}
}

func (r *Runtime) input(c protocol.Input) {
	if r.eng == nil {
		return
	}
	var value int16
	if c.Pressed {
		value = 1
	}
	if err := guard("input", func() { r.eng.SetInputState(c.Port, c.ButtonID, value) }); err != nil {
		r.out.push(protocol.Error{Message: err.Error()})
	}
}

var errNoGame = errors.New("no game loaded")

func (r *Runtime) saveState(c protocol.SaveState) protocol.Response {
	if r.eng == nil {
		return protocol.Failure(c.RequestID, "save state", errNoGame)
	}
	var data []byte
	if err := guard("serialize", func() { data = r.eng.SerializeState() }); err != nil {
		return protocol.Failure(c.RequestID, "save state", err)
	}
	if data == nil {
		return protocol.Failure(c.RequestID, "save state: core failed to serialize", nil)
	}
	loc, err := r.storage.Save(savestore.KindState, savestore.StateName(r.game, c.Slot), data)
	if err != nil {
		return protocol.Failure(c.RequestID, "save state", err)
	}
	return protocol.Response{RequestID: c.RequestID, Success: true, Path: loc}
}

func (r *Runtime) loadState(c protocol.LoadState) protocol.Response {
	if r.eng == nil {
		return protocol.Failure(c.RequestID, "load state", errNoGame)
	}
	name := savestore.StateName(r.game, c.Slot)
	if !r.storage.Exists(savestore.KindState, name) {
		return protocol.Failure(c.RequestID, fmt.Sprintf("load state: slot %d is empty", c.Slot), nil)
	}
	err := r.applyState(func() ([]byte, error) { return r.storage.Load(savestore.KindState, name) })
	if err != nil {
		return protocol.Failure(c.RequestID, "load state", err)
	}
	return protocol.Response{RequestID: c.RequestID, Success: true, Path: name}
}

func (r *Runtime) applyState(read func() ([]byte, error)) error {
	data, err := read()
	if err != nil {
		return err
	}
	var ok bool
	if err := guard("unserialize", func() { ok = r.eng.UnserializeState(data) }); err != nil {
		return err
	}
	if !ok {
		return errors.New("core rejected the state")
	}
	return nil
}

func (r *Runtime) saveSRAM(c protocol.SaveSRAM) protocol.Response {
	if r.eng == nil {
		return protocol.Failure(c.RequestID, "save sram", errNoGame)
	}
	sr, ok := r.eng.(engine.SaveRAM)
	if !ok {
		return protocol.Failure(c.RequestID, "sram not supported by core", nil)
	}
	var data []byte
	if err := guard("sram", func() { data = sr.SaveRAM() }); err != nil {
		return protocol.Failure(c.RequestID, "save sram", err)
	}
	if data == nil {
		return protocol.Failure(c.RequestID, "save sram: core has no battery ram", nil)
	}
	loc, err := r.storage.Save(savestore.KindSRAM, savestore.SRAMName(r.game), data)
	if err != nil {
		return protocol.Failure(c.RequestID, "save sram", err)
	}
	return protocol.Response{RequestID: c.RequestID, Success: true, Path: loc}
}

func (r *Runtime) screenshot(c protocol.Screenshot) protocol.Response {
	if r.eng == nil {
		return protocol.Failure(c.RequestID, "screenshot", errNoGame)
	}
	if r.lastFrame == nil {
		return protocol.Failure(c.RequestID, "screenshot: no frame produced yet", nil)
	}
	data, err := encodePNG(r.lastFrame)
	if err != nil {
		return protocol.Failure(c.RequestID, "screenshot", err)
	}
	if c.OutputPath == "" {
		return protocol.Response{RequestID: c.RequestID, Success: true, Data: data}
	}
	if err := r.storage.SaveAt(c.OutputPath, data); err != nil {
		return protocol.Failure(c.RequestID, "screenshot", err)
	}
	return protocol.Response{RequestID: c.RequestID, Success: true, Path: c.OutputPath}
}

func encodePNG(f *protocol.VideoFrame) ([]byte, error) {
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*4 {
		return nil, fmt.Errorf("frame %dx%d has %d bytes", f.Width, f.Height, len(f.Data))
	}
	img := &image.NRGBA{
		Pix:    f.Data,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// release stops the pump and destroys the engine. It is idempotent.
func (r *Runtime) release() error {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	if r.eng == nil {
		return nil
	}
	eng := r.eng
	r.eng = nil
	return guard("destroy", eng.Destroy)
}

// guard runs one engine call, converting a panic into an error so a
// misbehaving core cannot take the worker down mid-command.
func guard(op string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine %s panicked: %v", op, p)
		}
	}()
	fn()
	return nil
}
