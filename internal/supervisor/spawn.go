package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/schovi/retrohost/internal/ansi"
	"github.com/schovi/retrohost/internal/transport"
)

// Process is a running worker. Reads come from its stdout and writes go to
// its stdin.
type Process interface {
	io.ReadWriteCloser
	PID() int
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Err is the exit status; valid after Done is closed.
	Err() error
	// Kill forces the process down. It returns without waiting for Done.
	Kill()
}

type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// ExecSpawner starts the worker as a child process, by default this binary
// re-executed with the hidden "worker" command.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Logger *zap.Logger
}

func (sp *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := sp.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("get executable path: %w", err)
		}
		path = exe
	}
	args := sp.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	logger := sp.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := openStderr()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr: %w", err)
	}

	// The worker outlives the spawning request, so ctx only gates the start.
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), sp.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start worker: %w", err)
	}
	closeAll(stdinR, stdoutW, stderrW)

	p := &execProcess{
		ReadWriteCloser: transport.JoinPipes(stdoutR, stdinW),
		cmd:             cmd,
		done:            make(chan struct{}),
	}
	pid := cmd.Process.Pid
	logger.Debug("worker started", zap.Int("pid", pid), zap.String("path", path))

	go relayStderr(stderrR, logger.With(zap.String("stream", "worker"), zap.Int("pid", pid)))
	go p.wait()
	return p, nil
}

// openStderr prefers a pty so the worker logs as if attached to a terminal,
// falling back to a plain pipe where ptys are unavailable.
func openStderr() (r, w *os.File, err error) {
	if ptmx, tty, err := pty.Open(); err == nil {
		return ptmx, tty, nil
	}
	return os.Pipe()
}

func relayStderr(r *os.File, logger *zap.Logger) {
	defer r.Close()
	lw := ansi.NewLineWriter(func(line string) {
		logger.Info(line)
	})
	// A pty read fails with EIO once the child side closes; that is the
	// normal end of the stream.
	io.Copy(lw, r)
	lw.Flush()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

type execProcess struct {
	io.ReadWriteCloser
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	p.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-p.done:
		case <-time.After(KillGracePeriod):
			p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}()
}
