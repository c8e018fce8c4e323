package socket

import (
	"net"
	"os"
	"strconv"
	"time"
)

// Server is a listening endpoint that accepts Conn connections.
type Server struct {
	listener net.Listener
	blocking bool
	open     bool
	unixPath string
}

// NewServer opens a TCP listener on the given address and port. An IPv6
// bind is attempted first, falling back to IPv4. An empty host binds all
// interfaces.
func NewServer(port int, host string, blocking bool) (*Server, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	l, err := net.Listen("tcp6", addr)
	if err != nil {
		l, err = net.Listen("tcp4", addr)
		if err != nil {
			return nil, err
		}
	}
	return &Server{listener: l, blocking: blocking, open: true}, nil
}

// NewUnixServer opens a Unix domain socket listener at the given path,
// removing any stale socket file first.
func NewUnixServer(path string, blocking bool) (*Server, error) {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{listener: l, blocking: blocking, open: true, unixPath: path}, nil
}

// Accept waits for and returns the next connection. In non-blocking mode
// it returns nil immediately when no connection is pending.
func (s *Server) Accept() *Conn {
	if !s.open {
		return nil
	}
	if !s.blocking {
		type deadliner interface{ SetDeadline(time.Time) error }
		if d, ok := s.listener.(deadliner); ok {
			d.SetDeadline(time.Now().Add(time.Millisecond))
			defer d.SetDeadline(time.Time{})
		}
	}
	c, err := s.listener.Accept()
	if err != nil {
		return nil
	}
	return NewConn(c)
}

// SetBlocking switches accept between blocking and non-blocking mode.
func (s *Server) SetBlocking(blocking bool) {
	s.blocking = blocking
}

// IsBlocking reports the current accept mode.
func (s *Server) IsBlocking() bool {
	return s.blocking
}

// Connected reports whether the listener is open.
func (s *Server) Connected() bool {
	return s.open
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close shuts the listener down. Safe to call multiple times.
func (s *Server) Close() {
	if !s.open {
		return
	}
	s.open = false
	s.listener.Close()
	if s.unixPath != "" {
		os.Remove(s.unixPath)
	}
}
