package signaling

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/walkie-talkie/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// hubConn is one relay connection. Its registered id and groups are guarded
// by the server's directory lock; all writes go through writeMu.
type hubConn struct {
	srv     *Server
	conn    *websocket.Conn
	remote  string
	limiter *ratelimit.TokenBucket

	// Guarded by srv.mu.
	id     string
	groups []string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newHubConn(srv *Server, conn *websocket.Conn, remote string) *hubConn {
	return &hubConn{
		srv:     srv,
		conn:    conn,
		remote:  remote,
		limiter: ratelimit.NewMessageLimiter(srv.maxMessagesPerSecond(), srv.messageBurst()),
		done:    make(chan struct{}),
	}
}

func (c *hubConn) send(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(frame)
}

// writeLocked requires writeMu.
func (c *hubConn) writeLocked(frame string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *hubConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	writeClose(c.conn, code, reason)
	c.writeMu.Unlock()
	c.Close()
}

func (c *hubConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// keepalive pings until the connection closes. Pongs extend the read
// deadline set by the read loop.
func (c *hubConn) keepalive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// readLoop returns when the peer goes away, breaks a limit, or is closed
// locally.
func (c *hubConn) readLoop() {
	idle := c.srv.idleTimeout()
	maxBytes := c.srv.maxMessageBytes()

	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		data, err := readLimited(r, maxBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after the read so the close frame is not lost to an
		// abortive reset on unread data.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.HubRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		c.srv.handleFrame(c, string(data))
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
