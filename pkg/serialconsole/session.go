// Package serialconsole provides send/expect primitives over a serial
// console byte stream. A Session owns the stream exclusively and matches
// expected patterns against the accumulated output, tolerating partial
// reads and interleaved boot noise.
package serialconsole

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

var (
	// ErrTimeout means an expected pattern never appeared within the
	// allotted time. The caller decides whether to retry or escalate.
	ErrTimeout = errors.New("timeout waiting for device output")
	// ErrDeviceIO means the underlying device failed or disappeared.
	// Not recoverable by retrying the same transaction.
	ErrDeviceIO = errors.New("serial device I/O error")
)

// readTimeout bounds a single port read so the reader loop stays
// responsive to session shutdown.
const readTimeout = 100 * time.Millisecond

// Session is an exclusively-owned console stream with an expect engine on
// top. Close releases the stream; the reader goroutine stops with it.
type Session struct {
	stream io.ReadWriteCloser

	data    chan []byte
	readErr chan error
	done    chan struct{}

	pending   bytes.Buffer // output accumulated since the last match
	echo      io.Writer
	closeOnce sync.Once
	closeErr  error
}

// Open claims the serial device at path for exclusive use.
func Open(path string, baudRate int) (*Session, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open %q: %v", ErrDeviceIO, path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: cannot configure %q: %v", ErrDeviceIO, path, err)
	}
	glog.Infof("Using serial port %s with baudrate %d", path, baudRate)
	return NewSession(port), nil
}

// NewSession wraps an already-open console stream. Reads that time out at
// the stream level must return (0, nil) or block; either works.
func NewSession(stream io.ReadWriteCloser) *Session {
	s := &Session{
		stream:  stream,
		data:    make(chan []byte, 16),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// SetEcho mirrors printable device output to w as it arrives, so an
// operator can watch the console conversation live.
func (s *Session) SetEcho(w io.Writer) {
	s.echo = w
}

func (s *Session) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.data <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.readErr <- err:
			case <-s.done:
			}
			return
		}
	}
}

// Send writes one command line, terminated the way the boot shell
// expects. It starts a new transaction: output still buffered from a
// previous one — say, the late reply to a command whose Expect timed
// out — is discarded first, so it can never be credited to this command.
func (s *Session) Send(line string) error {
	s.discardStale()
	if _, err := s.stream.Write([]byte(line + "\r")); err != nil {
		return fmt.Errorf("%w: writing %q: %v", ErrDeviceIO, line, err)
	}
	glog.V(1).Infof("Sent %q", line)
	return nil
}

// discardStale drops everything received before the transaction that is
// about to start. The bytes still reach the echo writer, so an operator
// sees the device's late output even though no pattern will match it.
func (s *Session) discardStale() {
	if s.pending.Len() > 0 {
		glog.V(1).Infof("Discarding %d stale bytes from a previous transaction", s.pending.Len())
	}
	s.pending.Reset()
	for {
		select {
		case chunk := <-s.data:
			s.echoChunk(chunk)
		default:
			return
		}
	}
}

// Expect blocks until one of patterns appears in the output accumulated
// since the current transaction began (the last Send or the last match),
// or timeout elapses, or ctx is cancelled. Patterns may arrive in
// arbitrary read fragments and surrounded by noise. It returns the index
// of the matched pattern and everything captured so far, the pattern
// included.
func (s *Session) Expect(ctx context.Context, patterns []string, timeout time.Duration) (int, string, error) {
	if len(patterns) == 0 {
		return -1, "", errors.New("no patterns to wait for")
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if idx := s.matchPending(patterns); idx >= 0 {
			captured := s.pending.String()
			s.pending.Reset()
			glog.V(1).Infof("Matched %q after %d bytes", patterns[idx], len(captured))
			return idx, captured, nil
		}

		select {
		case chunk := <-s.data:
			s.pending.Write(chunk)
			s.echoChunk(chunk)
		case err := <-s.readErr:
			return -1, s.pending.String(), fmt.Errorf("%w: %v", ErrDeviceIO, err)
		case <-deadline.C:
			return -1, s.pending.String(), fmt.Errorf("%w: none of %q seen within %v", ErrTimeout, patterns, timeout)
		case <-ctx.Done():
			return -1, s.pending.String(), ctx.Err()
		}
	}
}

func (s *Session) matchPending(patterns []string) int {
	accumulated := s.pending.String()
	for i, p := range patterns {
		if strings.Contains(accumulated, p) {
			return i
		}
	}
	return -1
}

func (s *Session) echoChunk(chunk []byte) {
	if s.echo == nil {
		return
	}
	printable := make([]byte, 0, len(chunk))
	for _, b := range chunk {
		if (b >= 0x20 && b < 0x7F) || b == '\n' || b == '\r' || b == '\b' || b == '\t' {
			printable = append(printable, b)
		}
	}
	s.echo.Write(printable)
}

// Close releases the console stream. Safe to call on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}
