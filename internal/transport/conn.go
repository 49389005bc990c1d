// Package transport carries protocol messages over an ordered byte stream as
// newline-delimited JSON envelopes.
package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/schovi/retrohost/internal/protocol"
)

// MaxFrameSize bounds a single decoded envelope.
const MaxFrameSize = 64 * 1024 * 1024

var ErrClosed = errors.New("transport closed")

// Conn is one endpoint of the channel. Send is safe for concurrent use; reads
// must happen from a single goroutine.
type Conn struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader

	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
		w:      bufio.NewWriterSize(rwc, 64*1024),
	}
}

func (c *Conn) Send(m protocol.Message) error {
	env, err := protocol.Wrap(m)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadCommand blocks for the next command. io.EOF means the peer closed the
// stream cleanly; any other error is a broken or malformed stream.
func (c *Conn) ReadCommand() (protocol.Command, error) {
	env, err := c.readEnvelope()
	if err != nil {
		return nil, err
	}
	cmd, err := protocol.UnwrapCommand(env)
	if err != nil {
		return nil, &FrameError{Err: err}
	}
	return cmd, nil
}

func (c *Conn) ReadEvent() (protocol.Event, error) {
	env, err := c.readEnvelope()
	if err != nil {
		return nil, err
	}
	ev, err := protocol.UnwrapEvent(env)
	if err != nil {
		return nil, &FrameError{Err: err}
	}
	return ev, nil
}

func (c *Conn) readEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope

	line, err := c.readLine()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return env, &FrameError{Err: err}
	}
	return env, nil
}

func (c *Conn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return nil, &FrameError{Err: fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)}
		}
		if err == nil {
			return line, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return nil, &FrameError{Err: io.ErrUnexpectedEOF}
		}
		return nil, err
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.rwc.Close()
}

// FrameError reports a frame that could not be decoded.
type FrameError struct {
	Err error
}

func (e *FrameError) Unwrap() error { return e.Err }
func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}
