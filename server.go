package fcgisrv

import (
	"errors"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Server is the acceptor: it owns the listening fd, the connection
// table, the connection cap, and deferred cleanup after a close.
type Server struct {
	loop     EventLoop
	listenFD int
	handler  Handler
	cfg      *Config
	logger   *zap.Logger

	conns        []*Conn
	maxConns     int
	doShutdown   bool
	cleanupArmed bool
	closed       bool
}

// NewServer wraps an already-bound, already-listening file descriptor.
// Creating and binding the socket remains the embedder's job; NewServer
// only puts listenFD into non-blocking, close-on-exec mode and
// registers read interest on it with loop.
func NewServer(loop EventLoop, listenFD int, handler Handler, cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if handler == nil {
		handler = NoopHandler{}
	}
	if err := initFD(listenFD); err != nil {
		return nil, err
	}

	s := &Server{
		loop:     loop,
		listenFD: listenFD,
		handler:  handler,
		cfg:      cfg,
		logger:   cfg.Logger,
		maxConns: cfg.MaxConnections,
	}

	if err := loop.Register(listenFD, EventRead, s.wrap(s.onAcceptable)); err != nil {
		return nil, err
	}
	return s, nil
}

// wrap runs the deferred-cleanup epilogue after every top-level
// callback invocation, guaranteeing no connection is freed while a
// callback for it (or any other connection) is still on the stack.
func (s *Server) wrap(fn func(Events)) func(Events) {
	return func(ev Events) {
		fn(ev)
		s.runCleanupIfArmed()
	}
}

func (s *Server) armCleanup() {
	s.cleanupArmed = true
}

func (s *Server) runCleanupIfArmed() {
	if !s.cleanupArmed {
		return
	}
	s.cleanupArmed = false
	s.compactClosedConnections()
	if !s.doShutdown && s.listenFD != -1 && len(s.conns) < s.maxConns {
		s.loop.Modify(s.listenFD, EventRead)
	}
}

// compactClosedConnections replaces each closing slot with the table's
// last live-or-closing entry (updating its id), invoking
// ResetConnection immediately before each closed connection is freed.
func (s *Server) compactClosedConnections() {
	i := 0
	for i < len(s.conns) {
		c := s.conns[i]
		if !c.closing {
			i++
			continue
		}
		last := len(s.conns) - 1
		s.conns[i] = s.conns[last]
		s.conns[i].id = i
		s.conns = s.conns[:last]
		s.handler.ResetConnection(c)
	}
}

// onAcceptable runs the accept loop: accept in a loop until the listen
// fd would block, enforcing the connection cap and the EMFILE backoff.
func (s *Server) onAcceptable(Events) {
	for {
		fd, _, err := unix.Accept(s.listenFD)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
				return
			case errors.Is(err, unix.ECONNABORTED):
				return
			case errors.Is(err, unix.EMFILE):
				if s.maxConns == 0 {
					s.maxConns = len(s.conns) / 2
				} else {
					s.maxConns = s.maxConns / 2
				}
				s.logger.Error("dropped connection limit after EMFILE",
					zap.Int("max_connections", s.maxConns),
					zap.String("write_budget", humanize.IBytes(uint64(s.cfg.WriteBudget))))
				s.loop.Modify(s.listenFD, 0)
				return
			default:
				s.logger.Error("accept failed, shutting down server", zap.Error(err))
				s.Stop()
				return
			}
		}

		if ferr := initFD(fd); ferr != nil {
			s.logger.Warn("failed to initialize accepted fd", zap.Error(ferr))
			unix.Close(fd)
			continue
		}

		c := newConn(s, fd, len(s.conns))
		s.conns = append(s.conns, c)
		if rerr := s.loop.Register(fd, EventRead, s.wrap(c.onEvents)); rerr != nil {
			s.logger.Warn("failed to register connection with event loop", zap.Error(rerr))
			c.doClose()
			continue
		}
		s.handler.NewConnection(c)

		if len(s.conns) >= s.maxConns {
			s.logger.Warn("connection cap reached, pausing accepts",
				zap.Int("max_connections", s.maxConns), zap.Error(ErrTooManyConnections))
			s.loop.Modify(s.listenFD, 0)
			return
		}
		if s.doShutdown {
			return
		}
	}
}

// Stop closes the listening fd and stops accepting; live connections
// continue running until they finish on their own.
func (s *Server) Stop() {
	if s.doShutdown {
		return
	}
	s.doShutdown = true
	if s.listenFD != -1 {
		s.loop.Deregister(s.listenFD)
		unix.Close(s.listenFD)
		s.listenFD = -1
	}
}

// Close stops the server, aborts every still-live request, closes
// every connection, and runs cleanup. It does not stop the EventLoop
// itself — the embedder owns that. Close is idempotent: calling it
// again after the server has already been closed returns
// ErrServerClosed instead of repeating the teardown.
func (s *Server) Close() error {
	if s.closed {
		return ErrServerClosed
	}
	s.closed = true
	s.Stop()
	for _, c := range s.conns {
		if c.requestID != 0 {
			s.handler.RequestAborted(c)
		}
		c.doClose()
	}
	s.cleanupArmed = false
	s.compactClosedConnections()
	return nil
}

// NumConnections reports the current size of the connection table.
func (s *Server) NumConnections() int { return len(s.conns) }

// MaxConnections reports the current connection cap, which may have
// been lowered by EMFILE backoff since the server was created.
func (s *Server) MaxConnections() int { return s.maxConns }
