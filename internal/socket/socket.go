// Package socket provides a unified endpoint over TCP, Unix domain sockets
// and pipe pairs, with segmented receive/send buffering and a switchable
// blocking/non-blocking read/write path.
package socket

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/valurhrafn/mistlib/internal/buffer"
	"github.com/valurhrafn/mistlib/internal/metrics"
)

// sendChunk is the maximum number of bytes written per syscall in SendNow.
const sendChunk = 51200

// nonBlockWait is the deadline slack used to emulate non-blocking I/O.
// A ready descriptor completes immediately; an empty one returns within
// this window instead of never observing pending EOF.
const nonBlockWait = time.Millisecond

// deadlineConn is the common surface of net.Conn and *os.File that the
// unified read/write path needs.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is a unified connection endpoint. The zero value is a closed,
// unusable connection; use one of the constructors.
type Conn struct {
	in  io.Reader
	out io.Writer

	inDeadline  deadlineConn
	outDeadline deadlineConn
	closers     []io.Closer
	halfCloser  interface{ CloseWrite() error }

	downBuffer *buffer.Buffer
	upBuffer   *buffer.Buffer

	blocking   bool
	open       bool
	errState   bool
	remoteHost string

	up   uint64
	down uint64
}

func newConn() *Conn {
	metrics.IncSocketsOpen()
	return &Conn{
		downBuffer: buffer.New(),
		upBuffer:   buffer.New(),
		blocking:   false,
		open:       true,
	}
}

// NewConn wraps an accepted or dialed network connection.
func NewConn(c net.Conn) *Conn {
	s := newConn()
	s.in = c
	s.out = c
	s.inDeadline = c
	s.outDeadline = c
	s.closers = []io.Closer{c}
	if hc, ok := c.(interface{ CloseWrite() error }); ok {
		s.halfCloser = hc
	}
	if addr := c.RemoteAddr(); addr != nil {
		if host, _, err := net.SplitHostPort(addr.String()); err == nil {
			s.remoteHost = host
		} else {
			s.remoteHost = addr.String()
		}
	}
	return s
}

// NewPipe wraps a read/write pipe descriptor pair as a connection.
// Either side may be nil for a one-directional endpoint.
func NewPipe(in, out *os.File) *Conn {
	s := newConn()
	if in != nil {
		s.in = in
		s.inDeadline = in
		s.closers = append(s.closers, in)
	}
	if out != nil {
		s.out = out
		s.outDeadline = out
		s.closers = append(s.closers, out)
	}
	s.remoteHost = "pipe"
	return s
}

// Dial opens a TCP connection to the given host and port.
func Dial(host string, port int) (*Conn, error) {
	c, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

// DialUnix opens a connection to a Unix domain socket path.
func DialUnix(path string) (*Conn, error) {
	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	s := NewConn(c)
	s.remoteHost = path
	return s, nil
}

// Received returns the receive buffer.
func (s *Conn) Received() *buffer.Buffer {
	return s.downBuffer
}

// RemoteHost returns the peer address, or the error cause after an I/O
// failure.
func (s *Conn) RemoteHost() string {
	return s.remoteHost
}

// Connected reports whether the connection is still usable.
func (s *Conn) Connected() bool {
	return s.open
}

// HasError reports whether the connection failed with a real I/O error,
// as opposed to a plain disconnect.
func (s *Conn) HasError() bool {
	return s.errState
}

// Up returns the total bytes written to the peer.
func (s *Conn) Up() uint64 {
	return s.up
}

// Down returns the total bytes read from the peer.
func (s *Conn) Down() uint64 {
	return s.down
}

// SetBlocking switches the connection between blocking and non-blocking
// mode for subsequent reads and writes.
func (s *Conn) SetBlocking(blocking bool) {
	s.blocking = blocking
}

// IsBlocking reports the current blocking mode.
func (s *Conn) IsBlocking() bool {
	return s.blocking
}

// applyReadDeadline and applyWriteDeadline arm or clear the I/O deadlines
// according to the current blocking mode. Non-blocking mode uses an
// immediate deadline so reads and writes return without waiting.
func (s *Conn) applyReadDeadline() {
	if s.inDeadline == nil {
		return
	}
	if s.blocking {
		s.inDeadline.SetReadDeadline(time.Time{})
	} else {
		s.inDeadline.SetReadDeadline(time.Now().Add(nonBlockWait))
	}
}

func (s *Conn) applyWriteDeadline() {
	if s.outDeadline == nil {
		return
	}
	if s.blocking {
		s.outDeadline.SetWriteDeadline(time.Time{})
	} else {
		s.outDeadline.SetWriteDeadline(time.Now().Add(nonBlockWait))
	}
}

// isTransient reports whether err only means "no data right now".
func isTransient(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// isDisconnect reports whether err means the peer is gone.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}

// iread performs a single read into the receive buffer.
// Returns the number of bytes read, zero on no data.
func (s *Conn) iread() int {
	if !s.open || s.in == nil {
		return 0
	}
	var scratch [buffer.BlockSize]byte
	s.applyReadDeadline()
	n, err := s.in.Read(scratch[:])
	if n > 0 {
		s.downBuffer.Append(scratch[:n])
		s.down += uint64(n)
		metrics.AddSocketBytes(0, int64(n))
	}
	if err != nil {
		switch {
		case isTransient(err):
		case isDisconnect(err):
			s.Close()
		default:
			s.errState = true
			s.remoteHost = err.Error()
			s.Close()
		}
	}
	return n
}

// iwrite performs a single write of data.
// Returns the number of bytes written, zero on a full pipe.
func (s *Conn) iwrite(data []byte) int {
	if !s.open || s.out == nil || len(data) == 0 {
		return 0
	}
	if len(data) > sendChunk {
		data = data[:sendChunk]
	}
	s.applyWriteDeadline()
	n, err := s.out.Write(data)
	if n > 0 {
		s.up += uint64(n)
		metrics.AddSocketBytes(int64(n), 0)
	}
	if err != nil {
		switch {
		case isTransient(err):
		case isDisconnect(err):
			s.Close()
		default:
			s.errState = true
			s.remoteHost = err.Error()
			s.Close()
		}
	}
	return n
}

// Spool performs a single non-blocking read into the receive buffer and a
// single non-blocking write from the send buffer. Returns true if any data
// moved in either direction.
func (s *Conn) Spool() bool {
	wasBlocking := s.blocking
	s.blocking = false
	moved := s.iread() > 0
	if s.upBuffer.Bytes(1) > 0 {
		moved = s.spoolOut() || moved
	}
	s.blocking = wasBlocking
	return moved
}

// spoolOut writes one pending send-buffer block. Unwritten remainders are
// pushed back to the head of the queue.
func (s *Conn) spoolOut() bool {
	head := s.upBuffer.Get()
	if head == nil {
		return false
	}
	block := *head
	n := s.iwrite(block)
	if n == len(block) {
		*head = nil
		s.upBuffer.Size()
		return true
	}
	if n > 0 {
		*head = block[n:]
		return true
	}
	return false
}

// Send queues data for later delivery by Spool or Flush.
func (s *Conn) Send(data []byte) {
	s.upBuffer.Append(data)
}

// SendString queues string data for later delivery.
func (s *Conn) SendString(data string) {
	s.upBuffer.AppendString(data)
}

// Flush blocks until the send buffer has drained or the peer disconnects.
func (s *Conn) Flush() {
	wasBlocking := s.blocking
	s.blocking = true
	for s.upBuffer.Bytes(1) > 0 && s.open {
		if !s.spoolOut() {
			break
		}
	}
	s.blocking = wasBlocking
}

// SendNow writes data immediately and completely. The connection is
// temporarily promoted to blocking mode, any queued send data is drained
// first, then data is written in chunks of at most sendChunk bytes. The
// previous blocking mode is restored on return.
func (s *Conn) SendNow(data []byte) {
	wasBlocking := s.blocking
	s.blocking = true
	for s.upBuffer.Bytes(1) > 0 && s.open {
		if !s.spoolOut() {
			break
		}
	}
	for i := 0; i < len(data) && s.open; {
		n := s.iwrite(data[i:])
		if n == 0 {
			break
		}
		i += n
	}
	s.blocking = wasBlocking
}

// SendNowString is SendNow for string data.
func (s *Conn) SendNowString(data string) {
	s.SendNow([]byte(data))
}

// Close shuts the connection down. Safe to call multiple times. A half
// close of the write side precedes the full close where the transport
// supports it.
func (s *Conn) Close() {
	if !s.open {
		return
	}
	s.open = false
	if s.halfCloser != nil {
		s.halfCloser.CloseWrite()
	}
	for _, c := range s.closers {
		// retry close on EINTR
		for {
			err := c.Close()
			if err == nil || !errors.Is(err, syscall.EINTR) {
				break
			}
		}
	}
	metrics.DecSocketsOpen()
}
