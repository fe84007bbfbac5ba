package keys

import (
	"bytes"
	"errors"
	"io"
	"os"

	"golang.org/x/term"
)

var ErrNotTerminal = errors.New("input is not a terminal")

// Source produces raw key presses. Read blocks until at least one key is
// available; an error ends the listener's input for good.
type Source interface {
	Open() error
	Read() ([]Key, error)
	Close() error
}

// TerminalSource reads keys from a terminal switched to raw mode, so single
// key presses arrive without waiting for enter and are not echoed.
type TerminalSource struct {
	f     *os.File
	fd    int
	state *term.State
	buf   []byte
}

func NewTerminalSource(f *os.File) *TerminalSource {
	return &TerminalSource{f: f, fd: -1, buf: make([]byte, 64)}
}

func (s *TerminalSource) Open() error {
	fd := int(s.f.Fd())
	if !term.IsTerminal(fd) {
		return ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	s.fd, s.state = fd, state
	return nil
}

func (s *TerminalSource) Read() ([]Key, error) {
	n, err := s.f.Read(s.buf)
	if n > 0 {
		return Decode(s.buf[:n]), nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

func (s *TerminalSource) Close() error {
	if s.state == nil {
		return nil
	}
	err := term.Restore(s.fd, s.state)
	s.state = nil
	return err
}

// ReaderSource decodes keys from a plain byte stream such as a pipe. It
// lets unattended runs script their answers; EOF ends the input.
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, buf: make([]byte, 64)}
}

func (s *ReaderSource) Open() error {
	return nil
}

func (s *ReaderSource) Read() ([]Key, error) {
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			// Line-buffered producers terminate answers with newlines,
			// those are separators rather than key presses.
			ks := Decode(bytes.ReplaceAll(s.buf[:n], []byte{'\n'}, nil))
			if len(ks) > 0 {
				return ks, nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *ReaderSource) Close() error {
	return nil
}

// Output returns a writer for f that keeps lines aligned while the terminal
// is in raw mode, where a bare "\n" no longer returns the carriage.
func Output(f *os.File) io.Writer {
	if !term.IsTerminal(int(f.Fd())) {
		return f
	}
	return &crlfWriter{w: f}
}

type crlfWriter struct {
	w io.Writer
}

func (c *crlfWriter) Write(p []byte) (int, error) {
	if bytes.IndexByte(p, '\n') < 0 {
		return c.w.Write(p)
	}
	out := bytes.ReplaceAll(bytes.ReplaceAll(p, []byte("\r\n"), []byte("\n")), []byte("\n"), []byte("\r\n"))
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
