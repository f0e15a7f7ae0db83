package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/iotdatahub/core/internal/infrastructure/logging"
)

// Config holds the device listener settings.
type Config struct {
	// Addr is the listen address, e.g. ":8442".
	Addr string

	// TLS enables a TLS listener when non-nil.
	TLS *tls.Config
}

// Server accepts device connections and runs one serve loop per socket.
type Server struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     *logging.Logger

	listener net.Listener
	wg       sync.WaitGroup

	connMu sync.Mutex
	conns  map[*Connection]struct{}

	accepted atomic.Uint64
	stopping atomic.Bool
}

// NewServer creates a device gateway server.
func NewServer(cfg Config, dispatcher *Dispatcher, logger *logging.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With("component", "gateway"),
		conns:      make(map[*Connection]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
// It returns once the listener is bound; accepting happens in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding device listener: %w", err)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	s.listener = ln

	s.logger.Info("device gateway listening",
		"addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop accepts sockets until the listener closes.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.accepted.Add(1)
		c := newConnection(conn, s.dispatcher, s.logger, s.removeConn)
		s.trackConn(c)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
		}()
	}
}

func (s *Server) trackConn(c *Connection) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) removeConn(c *Connection) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// ConnectionCount returns the number of open device sockets.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// AcceptedTotal returns the number of sockets accepted since start.
func (s *Server) AcceptedTotal() uint64 {
	return s.accepted.Load()
}

// Stop closes the listener and all open connections, then waits for the
// serve loops to drain or the context to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.stopping.Store(true)
	if s.listener != nil {
		s.listener.Close() //nolint:errcheck // shutdown
	}

	s.connMu.Lock()
	for c := range s.conns {
		c.Close() //nolint:errcheck // shutdown
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("device gateway stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
