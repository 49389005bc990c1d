package transport

import (
	"errors"
	"io"
)

// JoinPipes presents a read half and a write half as one stream, the way a
// worker sees its stdin and stdout.
func JoinPipes(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &joined{r: r, w: w}
}

type joined struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (j *joined) Read(p []byte) (int, error)  { return j.r.Read(p) }
func (j *joined) Write(p []byte) (int, error) { return j.w.Write(p) }

func (j *joined) Close() error {
	return errors.Join(j.w.Close(), j.r.Close())
}
