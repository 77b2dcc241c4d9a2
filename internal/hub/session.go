package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mindmeld/internal/domain"
	"mindmeld/internal/registry"
)

// Session is one live bidirectional binary connection bound to a single map.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	mapID  string
	tag    string
	handle *registry.Handle
	logger *zap.Logger

	// send is the bounded outbound queue; overflow closes the session so a
	// slow consumer never stalls the hub.
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Tag returns the session's origin tag.
func (s *Session) Tag() string {
	return s.tag
}

// enqueue offers a frame to the outbound queue. It reports false when the
// queue is full or the session is closed.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// close terminates the session exactly once: the close frame is sent with a
// deadline, the socket is closed, the session leaves the per-map set, and
// the replica handle is released.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)

		deadline := time.Now().Add(s.hub.opts.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			s.logger.Debug("failed to write close frame", zap.Error(err))
		}
		s.conn.Close()

		s.hub.unregister(s)
		s.hub.registry.Release(s.handle)

		s.logger.Info("session closed",
			zap.String("map_id", s.mapID),
			zap.String("session", s.tag),
			zap.Int("code", code),
			zap.String("reason", reason))
	})
}

// readLoop applies inbound frames in arrival order. Text frames and
// malformed updates are fatal to the session.
func (s *Session) readLoop(ctx context.Context) {
	defer s.close(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(s.hub.opts.ReadLimit)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.IdleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.IdleTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("session read error",
					zap.String("map_id", s.mapID),
					zap.String("session", s.tag),
					zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			s.close(websocket.ClosePolicyViolation, "binary frames only")
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.IdleTimeout))

		err = s.hub.registry.Apply(ctx, s.handle, data, registry.Origin{Tag: s.tag})
		if err != nil {
			switch domain.KindOf(err) {
			case domain.KindInvalid, domain.KindTooLarge:
				s.close(websocket.ClosePolicyViolation, "invalid update frame")
			case domain.KindNotFound:
				s.close(websocket.CloseServiceRestart, "replica closed")
			default:
				s.logger.Error("failed to apply update",
					zap.String("map_id", s.mapID),
					zap.String("session", s.tag),
					zap.Error(err))
				s.close(websocket.CloseInternalServerErr, "apply failed")
			}
			return
		}
	}
}

// writeLoop drains the outbound queue and keeps the connection alive with
// pings. Every write carries a deadline; an expired send closes the session.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}
