package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/netsync/internal/core/wire"
)

// frameConn is one reliable, ordered connection carrying length-prefixed frames.
type frameConn interface {
	WriteFrame(payload []byte, timeout time.Duration) error
	ReadFrame(limit uint64) ([]byte, error)
	Close() error
	RemoteAddr() string
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn frames over any byte stream: a TCP socket or a QUIC stream.
type streamConn struct {
	rw     io.ReadWriter
	dl     deadliner
	close  func() error
	remote string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTCPConn(c net.Conn) *streamConn {
	return &streamConn{
		rw:     c,
		dl:     c,
		close:  c.Close,
		remote: c.RemoteAddr().String(),
	}
}

func newQUICConn(conn *quic.Conn, stream *quic.Stream) *streamConn {
	return &streamConn{
		rw: stream,
		dl: stream,
		close: func() error {
			stream.CancelRead(0)
			_ = stream.Close()
			return conn.CloseWithError(0, "closed")
		},
		remote: conn.RemoteAddr().String(),
	}
}

func (c *streamConn) WriteFrame(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.dl.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := wire.WriteFrame(c.rw, payload)
	return err
}

func (c *streamConn) ReadFrame(limit uint64) ([]byte, error) {
	return wire.ReadFrame(c.rw, limit)
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.close() })
	return c.closeErr
}

func (c *streamConn) RemoteAddr() string {
	return c.remote
}

// wsConn carries one frame per binary websocket message, header included, so
// the payload layout is identical across reliable transports.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWebsocketConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteFrame(payload []byte, timeout time.Duration) error {
	if len(payload) == 0 {
		return &wire.FramingError{Err: wire.ErrEmptyFrame}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, wire.AppendFrame(nil, payload))
}

func (c *wsConn) ReadFrame(limit uint64) ([]byte, error) {
	c.conn.SetReadLimit(int64(limit) + wire.HeaderSize)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return wire.SplitFrame(data, limit)
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// isClosed reports whether err is an orderly shutdown rather than a fault.
func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return true
	}
	var streamErr *quic.StreamError
	return errors.As(err, &streamErr) && streamErr.ErrorCode == 0
}
