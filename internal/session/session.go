// Package session provides outbound peer sessions to the node under test.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// TransactionsMsgID is the peer protocol message id for a transaction batch.
const TransactionsMsgID byte = 0x02

// ErrClosed is returned when sending on a closed session.
var ErrClosed = errors.New("session closed")

// Session is one long-lived outbound connection to the node.
type Session interface {
	// Index returns the session's position in its group (0..N-1).
	Index() int

	// Send writes one complete message. Writes on a session are serialized.
	Send(ctx context.Context, msg []byte) error

	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Envelope returns payload followed by the one-byte message id.
func Envelope(payload []byte, msgID byte) []byte {
	out := make([]byte, len(payload)+1)
	copy(out, payload)
	out[len(payload)] = msgID
	return out
}

// Config configures how sessions are dialed.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration // Default: 10s
	WriteTimeout     time.Duration // Per-message write deadline (0 = none)
	Header           http.Header
	Logger           *slog.Logger
}

// WSSession is a Session over a binary WebSocket connection.
type WSSession struct {
	index        int
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

var _ Session = (*WSSession)(nil)

// Dial opens one session.
func Dial(ctx context.Context, index int, cfg Config) (*WSSession, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hs := cfg.HandshakeTimeout
	if hs <= 0 {
		hs = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: hs,
		WriteBufferSize:  1 << 20,
	}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial session %d (%s): %w", index, cfg.URL, err)
	}

	s := &WSSession{
		index:        index,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger.With(slog.Int("session", index)),
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// readLoop discards inbound frames so control messages keep flowing.
func (s *WSSession) readLoop() {
	defer close(s.done)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// Index returns the session index.
func (s *WSSession) Index() int { return s.index }

// Send writes msg as one binary frame.
func (s *WSSession) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	} else if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Close sends a close frame and tears the connection down.
func (s *WSSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := s.conn.Close()
	s.mu.Unlock()

	<-s.done
	return err
}

// DialAll opens n sessions concurrently. If any dial fails, the sessions
// already opened are closed and the first error is returned.
func DialAll(ctx context.Context, n int, cfg Config) ([]Session, error) {
	if n <= 0 {
		return nil, fmt.Errorf("session count must be positive, got %d", n)
	}

	out := make([]*WSSession, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			s, err := Dial(gctx, i, cfg)
			if err != nil {
				return err
			}
			out[i] = s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, s := range out {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, err
	}

	sessions := make([]Session, n)
	for i, s := range out {
		sessions[i] = s
	}
	return sessions, nil
}

// CloseAll closes every session concurrently and returns the joined errors.
func CloseAll(sessions []Session) error {
	var g errgroup.Group
	errs := make([]error, len(sessions))
	for i, s := range sessions {
		g.Go(func() error {
			errs[i] = s.Close()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
