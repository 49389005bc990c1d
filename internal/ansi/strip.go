// Package ansi cleans terminal control sequences out of worker diagnostics
// before they reach the structured log.
package ansi

import (
	"bytes"
	"regexp"
	"sync"
)

var ansiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[\??[0-9;]*[A-Za-z@` + "`" + `]`), // CSI, including DEC private modes
	regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`),      // OSC
	regexp.MustCompile(`\x1b[()][AB012]`),                         // charset selection
	regexp.MustCompile(`\x1b[=>A-Za-z]`),                          // keypad modes, ESC+letter
	regexp.MustCompile(`[\r\x07]`),
}

func Strip(s string) string {
	for _, re := range ansiPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

// MaxLineLength caps a buffered line; longer output is emitted in pieces.
const MaxLineLength = 4096

// LineWriter splits a byte stream into lines, strips control sequences and
// hands each non-empty line to emit. It is safe for concurrent use.
type LineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func NewLineWriter(emit func(line string)) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.flushLine(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) > MaxLineLength {
		w.flushLine(w.buf[:MaxLineLength])
		w.buf = w.buf[MaxLineLength:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.flushLine(w.buf)
		w.buf = nil
	}
}

func (w *LineWriter) flushLine(b []byte) {
	if line := Strip(string(b)); line != "" {
		w.emit(line)
	}
}
