package gateway

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iotdatahub/core/internal/infrastructure/logging"
	"github.com/iotdatahub/core/internal/protocol"
)

const (
	// readChunkSize is the per-read buffer for the reassembly loop.
	readChunkSize = 4096

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 10 * time.Second

	// maxBufferSize caps the reassembly buffer. A peer that accumulates
	// more unparseable bytes than the largest possible frame is not
	// speaking the protocol and gets disconnected.
	maxBufferSize = protocol.HeaderSize + protocol.MaxBodySize
)

// errConnClosed is returned for writes after the connection shut down.
var errConnClosed = errors.New("gateway: connection closed")

// Connection is one device socket: the reassembly buffer, the bound token
// once the device logs in, and a mutex-serialised writer. It implements
// session.Conn.
type Connection struct {
	conn       net.Conn
	dispatcher *Dispatcher
	logger     *logging.Logger

	// buf holds bytes read but not yet decoded into frames.
	buf []byte

	tokenMu sync.RWMutex
	token   string

	writeMu sync.Mutex
	closed  atomic.Bool

	onClose func(*Connection)
}

// newConnection wraps an accepted socket.
func newConnection(conn net.Conn, dispatcher *Dispatcher, logger *logging.Logger, onClose func(*Connection)) *Connection {
	return &Connection{
		conn:       conn,
		dispatcher: dispatcher,
		logger:     logger.With("component", "connection", "remote", conn.RemoteAddr().String()),
		onClose:    onClose,
	}
}

// serve runs the read loop until the socket closes. Bytes are appended to
// the reassembly buffer and every complete frame is handed to the
// dispatcher; partial frames wait for the next read. Malformed or
// unexpected frames never terminate the connection, only transport errors do.
func (c *Connection) serve() {
	defer c.teardown()

	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			c.drainFrames()

			if len(c.buf) > maxBufferSize {
				c.logger.Warn("reassembly buffer overflow, disconnecting",
					"buffered", len(c.buf))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.closed.Load() {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
	}
}

// drainFrames decodes and dispatches every complete frame in the buffer.
func (c *Connection) drainFrames() {
	for {
		frame, consumed := protocol.DecodeFrame(c.buf)
		if frame == nil {
			return
		}
		c.buf = c.buf[consumed:]
		c.dispatcher.HandleFrame(c, frame)
	}
}

// teardown removes the session binding and closes the socket. It does not
// mark the device offline; liveness transitions belong to the heartbeat
// mechanisms.
func (c *Connection) teardown() {
	c.closed.Store(true)
	c.conn.Close() //nolint:errcheck // already closing

	if token := c.Token(); token != "" {
		c.dispatcher.sessions.Unregister(token, c)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	c.logger.Debug("connection closed")
}

// bindToken binds the authentication token for the rest of the
// connection's life.
func (c *Connection) bindToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

// Token returns the bound token, or empty before login.
func (c *Connection) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// RemoteAddr returns the peer address for logging.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// IsOpen reports whether the connection is still usable.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// WriteFrame writes one encoded frame to the socket. Writes from the
// dispatcher and the control API are serialised so frames never interleave.
func (c *Connection) WriteFrame(frame []byte) error {
	if c.closed.Load() {
		return errConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return err
	}
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}
