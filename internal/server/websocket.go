package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

const (
	transportWebSocket = "websocket"

	// writeWait bounds every frame written to a websocket peer.
	writeWait = 10 * time.Second
)

// wsSink queues frames for a websocket write pump. Closing it makes the pump
// flush what is queued, send a close frame and stop.
type wsSink struct {
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	code   int
	reason string
}

func newWSSink(buffer int) *wsSink {
	return &wsSink{
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Enqueue implements Sink. A full buffer refuses the frame.
func (s *wsSink) Enqueue(frame []byte) bool {
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

// Close implements Sink.
func (s *wsSink) Close(code int, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.code, s.reason = code, reason
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *wsSink) closeFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return websocket.FormatCloseMessage(s.code, s.reason)
}

// handleWebSocket upgrades the request and starts the connection's pumps.
func (r *Relay) handleWebSocket(c *gin.Context) {
	if !r.registry.Accepting() {
		c.String(http.StatusServiceUnavailable, "relay is shutting down")
		return
	}

	ws, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sink := newWSSink(r.cfg.SendBufferSize)
	conn, err := r.accept(sink, transportWebSocket, c.Request.RemoteAddr)
	if err != nil {
		r.log.Info().Err(err).Str("remote", c.Request.RemoteAddr).Msg("refusing websocket connection")
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, protocol.ReasonServerShutdown)
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		r.closeSocket(ws)
		return
	}

	started := r.goTracked(
		func() { r.writePump(ws, conn, sink) },
		func() { r.readPump(ws, conn) },
	)
	if !started {
		r.router.Dispatch(conn, Disconnect{Reason: protocol.ReasonServerShutdown})
		r.closeSocket(ws)
	}
}

// setupReadConnection configures the read limit, deadline and pong handler.
func (r *Relay) setupReadConnection(ws *websocket.Conn, conn *Conn) {
	ws.SetReadLimit(r.cfg.MaxMessageSize)
	r.extendReadDeadline(ws, conn)
	ws.SetPongHandler(func(string) error {
		r.extendReadDeadline(ws, conn)
		return nil
	})
}

func (r *Relay) extendReadDeadline(ws *websocket.Conn, conn *Conn) {
	if err := ws.SetReadDeadline(time.Now().Add(r.cfg.PingTimeout)); err != nil {
		r.log.Debug().Err(err).Str("conn", conn.id).Msg("error setting read deadline")
	}
}

// readReason classifies a read error into the disconnect reason reported
// to the router.
func (r *Relay) readReason(conn *Conn, err error) string {
	log := r.log.With().Str("conn", conn.id).Logger()

	if errors.Is(err, websocket.ErrReadLimit) {
		log.Warn().Int64("limit", r.cfg.MaxMessageSize).Msg("message exceeded maximum size")
		return protocol.ReasonTransportError
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug().Err(err).Msg("client disconnected")
		return protocol.ReasonClientDisconnect
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		log.Info().Dur("timeout", r.cfg.PingTimeout).Msg("heartbeat expired")
		return protocol.ReasonPingTimeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err) ||
		websocket.IsCloseError(err, websocket.CloseAbnormalClosure) {
		log.Debug().Err(err).Msg("connection closed")
		return protocol.ReasonTransportClose
	}

	log.Warn().Err(err).Msg("websocket read error")
	return protocol.ReasonTransportError
}

// readPump feeds client frames to the router. Every exit dispatches a
// Disconnect, which closes the sink and lets the write pump send the close
// frame and release the socket.
func (r *Relay) readPump(ws *websocket.Conn, conn *Conn) {
	r.setupReadConnection(ws, conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			r.router.Dispatch(conn, Disconnect{Reason: r.readReason(conn, err)})
			return
		}
		r.extendReadDeadline(ws, conn)
		r.router.HandleFrame(conn, raw)
	}
}

func (r *Relay) writePump(ws *websocket.Conn, conn *Conn, sink *wsSink) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		r.closeSocket(ws)
	}()

	for {
		select {
		case frame := <-sink.send:
			if !r.writeFrame(ws, conn, websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !r.writeFrame(ws, conn, websocket.PingMessage, nil) {
				return
			}
		case <-sink.done:
			r.flush(ws, conn, sink)
			r.writeClose(ws, conn, sink)
			return
		}
	}
}

// writeFrame writes one message. A failure is reported to the router and
// ends the pump; the read side then sees the closed socket and disconnects.
func (r *Relay) writeFrame(ws *websocket.Conn, conn *Conn, kind int, data []byte) bool {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		r.router.Dispatch(conn, TransportError{Err: err})
		return false
	}
	if err := ws.WriteMessage(kind, data); err != nil {
		if !isExpectedCloseError(err) {
			r.router.Dispatch(conn, TransportError{Err: err})
		}
		return false
	}
	return true
}

// flush writes frames that were queued before the sink closed.
func (r *Relay) flush(ws *websocket.Conn, conn *Conn, sink *wsSink) {
	for {
		select {
		case frame := <-sink.send:
			if !r.writeFrame(ws, conn, websocket.TextMessage, frame) {
				return
			}
		default:
			return
		}
	}
}

func (r *Relay) writeClose(ws *websocket.Conn, conn *Conn, sink *wsSink) {
	if err := ws.WriteControl(websocket.CloseMessage, sink.closeFrame(), time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
			r.log.Debug().Err(err).Str("conn", conn.id).Msg("error writing close message")
		}
	}
}

func (r *Relay) closeSocket(ws *websocket.Conn) {
	if err := ws.Close(); err != nil && !isExpectedCloseError(err) {
		r.log.Debug().Err(err).Msg("error closing websocket")
	}
}
