package server

import (
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// Event kinds raised by the transports rather than sent by clients.
const (
	kindDisconnect = "disconnect"
	kindError      = "error"
)

// Disconnect ends a connection. Transports raise it on close, heartbeat
// expiry and server kicks; Reason ends up in the close frame.
type Disconnect struct {
	Reason string
}

// Kind implements protocol.Inbound.
func (Disconnect) Kind() string { return kindDisconnect }

// TransportError reports a non-fatal transport failure. The connection stays
// open; a fatal failure is raised as Disconnect instead.
type TransportError struct {
	Err error
}

// Kind implements protocol.Inbound.
func (TransportError) Kind() string { return kindError }

// Outcome labels for roomchat_inbound_events_total.
const (
	outcomeHandled     = "handled"
	outcomeIgnored     = "ignored"
	outcomeInvalid     = "invalid"
	outcomeRateLimited = "rate_limited"
)

// Router decodes inbound frames and runs the matching handler. Events from
// one connection run one at a time; different connections run in parallel.
type Router struct {
	reg     *Registry
	typing  *TypingTracker
	metrics *metrics
	log     zerolog.Logger
}

// NewRouter returns a router that mutates reg and typing.
func NewRouter(reg *Registry, typing *TypingTracker, log zerolog.Logger) *Router {
	return &Router{reg: reg, typing: typing, metrics: reg.metrics, log: log}
}

// HandleFrame decodes one raw client frame and dispatches it. Malformed
// frames are logged and dropped; the client never hears about them.
func (rt *Router) HandleFrame(c *Conn, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		rt.metrics.inbound.WithLabelValues("malformed", outcomeInvalid).Inc()
		rt.log.Warn().Err(err).Str("conn", c.id).Msg("dropping malformed frame")
		return
	}
	rt.HandleEnvelope(c, env)
}

// HandleEnvelope applies the connection's rate limit, parses the payload and
// dispatches the event.
func (rt *Router) HandleEnvelope(c *Conn, env protocol.Envelope) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	label := eventLabel(env.Event)

	if c.limiter != nil && !c.limiter.Allow() {
		rt.metrics.inbound.WithLabelValues(label, outcomeRateLimited).Inc()
		rt.log.Warn().Str("conn", c.id).Str("event", env.Event).Msg("rate limit exceeded; discarding event")
		return
	}

	ev, err := env.Inbound()
	if err != nil {
		rt.metrics.inbound.WithLabelValues(label, outcomeInvalid).Inc()
		rt.log.Warn().Err(err).Str("conn", c.id).Str("event", env.Event).Msg("dropping invalid event")
		return
	}

	rt.metrics.inbound.WithLabelValues(label, rt.dispatch(c, ev)).Inc()
}

// Dispatch runs one already decoded event for c.
func (rt *Router) Dispatch(c *Conn, ev protocol.Inbound) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	rt.dispatch(c, ev)
}

func (rt *Router) dispatch(c *Conn, ev protocol.Inbound) string {
	if _, ok := ev.(Disconnect); !ok && c.closed() {
		rt.log.Debug().Str("conn", c.id).Str("event", ev.Kind()).Msg("event from closed connection ignored")
		return outcomeIgnored
	}

	var out []Outbound

	switch e := ev.(type) {
	case protocol.JoinRoom:
		out = rt.handleJoin(c, e)
	case protocol.LeaveRoom:
		rt.handleLeave(c, e)
		return outcomeHandled
	case protocol.SendMessage:
		out = handleSendMessage(c.id, e)
	case protocol.Typing:
		out = rt.handleTyping(c, e)
	case Disconnect:
		rt.handleDisconnect(c, e)
		return outcomeHandled
	case TransportError:
		rt.log.Warn().Err(e.Err).Str("conn", c.id).Msg("transport error")
		return outcomeHandled
	default:
		rt.log.Warn().Str("conn", c.id).Str("event", ev.Kind()).Msg("no handler for event")
		return outcomeIgnored
	}

	if len(out) == 0 {
		return outcomeIgnored
	}
	rt.deliver(out)
	return outcomeHandled
}

func (rt *Router) handleJoin(c *Conn, e protocol.JoinRoom) []Outbound {
	room := e.Normalized()
	if room == "" {
		rt.log.Warn().Str("conn", c.id).Msg("join-room without room name")
		return nil
	}

	changed, err := rt.reg.Join(c, room)
	if err != nil {
		rt.log.Warn().Err(err).Str("conn", c.id).Str("room", room).Msg("join failed")
		return nil
	}
	if !changed {
		return nil
	}

	rt.log.Info().Str("conn", c.id).Str("room", room).Str("username", e.Username).Msg("user joined room")
	return []Outbound{{
		Room:    room,
		Event:   protocol.EventUserJoined,
		Payload: protocol.UserJoined{UserID: c.id},
		Exclude: c.id,
	}}
}

func (rt *Router) handleLeave(c *Conn, e protocol.LeaveRoom) {
	room := e.Normalized()
	if room == "" || !rt.reg.Leave(c, room) {
		return
	}
	rt.typing.Set(room, c.id, false)
	rt.log.Info().Str("conn", c.id).Str("room", room).Msg("user left room")
}

// handleSendMessage echoes the message to every member of the room, the
// sender included, so all clients render the same stream.
func handleSendMessage(sender string, e protocol.SendMessage) []Outbound {
	room := strings.TrimSpace(e.Room)
	if room == "" {
		return nil
	}

	msg := Message{Room: room, Text: e.Message, SenderID: sender, Timestamp: e.Timestamp}
	return []Outbound{{
		Room:    msg.Room,
		Event:   protocol.EventReceiveMessage,
		Payload: msg.wire(),
	}}
}

func (rt *Router) handleTyping(c *Conn, e protocol.Typing) []Outbound {
	room := strings.TrimSpace(e.Room)
	if room == "" {
		return nil
	}

	rt.typing.Set(room, c.id, e.IsTyping)
	return []Outbound{{
		Room:    room,
		Event:   protocol.EventUserTyping,
		Payload: protocol.UserTyping{UserID: c.id, IsTyping: e.IsTyping},
		Exclude: c.id,
	}}
}

func (rt *Router) handleDisconnect(c *Conn, e Disconnect) {
	left, first := rt.reg.Disconnect(c)
	rt.typing.Forget(c.id)
	c.sink.Close(closeCodeFor(e.Reason), e.Reason)

	if first {
		rt.log.Info().Str("conn", c.id).Str("reason", e.Reason).Strs("rooms", left).Msg("connection closed")
	}
}

func (rt *Router) deliver(out []Outbound) {
	for _, o := range out {
		if _, err := rt.reg.Broadcast(o.Room, o.Event, o.Payload, o.Exclude); err != nil {
			rt.log.Error().Err(err).Str("room", o.Room).Str("event", o.Event).Msg("broadcast failed")
		}
	}
}

func closeCodeFor(reason string) int {
	switch reason {
	case protocol.ReasonServerDisconnect:
		return protocol.CloseServerDisconnect
	case protocol.ReasonServerShutdown:
		return websocket.CloseGoingAway
	case protocol.ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

// eventLabel keeps the metric's label set bounded.
func eventLabel(event string) string {
	switch event {
	case protocol.EventJoinRoom, protocol.EventLeaveRoom, protocol.EventSendMessage, protocol.EventTyping:
		return event
	default:
		return "unknown"
	}
}
