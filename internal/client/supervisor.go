// Package client is a Go client for the roomchat relay. Its Supervisor keeps
// one websocket connection, replays room membership after reconnecting and
// retries only when the server itself closed the connection.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 20 * time.Second
	writeWait               = 10 * time.Second
)

var (
	// ErrNotConnected is returned when emitting without an open connection.
	ErrNotConnected = errors.New("client: socket not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: closed")
)

// State is the supervisor's view of its connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures a Supervisor. URL is required; everything else has a
// usable zero value.
type Options struct {
	// URL is the relay's websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Origin is sent on the upgrade request; the relay rejects upgrades
	// without an allowed one.
	Origin string
	// Room, when set, is joined on every successful connect along with any
	// room added later through JoinRoom.
	Room string

	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           zerolog.Logger

	// OnEvent receives every frame from the relay, in order.
	OnEvent func(protocol.Envelope)
	// OnStateChange is told about every state transition.
	OnStateChange func(State)
	// OnDisconnect reports how an established connection ended.
	OnDisconnect func(code int, reason string)
}

// Supervisor owns the client's connection to the relay.
type Supervisor struct {
	opts   Options
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	state  State
	err    error
	id     string
	rooms  map[string]struct{}
	closed bool
	// gen identifies the current connection so a stale read loop cannot
	// tear down its successor.
	gen   uint64
	timer *time.Timer

	writeMu sync.Mutex
}

// New returns a disconnected supervisor.
func New(opts Options) *Supervisor {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}

	s := &Supervisor{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "supervisor").Logger(),
		dialer: dialer,
		rooms:  make(map[string]struct{}),
	}
	if room := strings.TrimSpace(opts.Room); room != "" {
		s.rooms[room] = struct{}{}
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error behind StateError, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the identity the relay assigned to the current connection.
func (s *Supervisor) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Rooms returns the rooms replayed on connect, sorted.
func (s *Supervisor) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomsLocked()
}

func (s *Supervisor) roomsLocked() []string {
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func (s *Supervisor) notifyState(st State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

// Connect dials the relay. A failed dial leaves the supervisor in
// StateError and is not retried.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	header := http.Header{}
	if s.opts.Origin != "" {
		header.Set("Origin", s.opts.Origin)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	ws, resp, err := s.dialer.DialContext(dialCtx, s.opts.URL, header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		s.mu.Lock()
		s.err = err
		s.state = StateError
		s.mu.Unlock()
		s.log.Error().Err(err).Str("url", s.opts.URL).Msg("connection error")
		s.notifyState(StateError)
		return fmt.Errorf("client: connect %s: %w", s.opts.URL, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.ws = ws
	s.err = nil
	s.id = ""
	s.state = StateConnected
	rooms := s.roomsLocked()
	s.mu.Unlock()

	s.log.Info().Str("url", s.opts.URL).Msg("connected to server")
	s.notifyState(StateConnected)

	// Membership does not survive a reconnect on the server, so it is
	// always replayed.
	for _, room := range rooms {
		if err := s.Emit(protocol.EventJoinRoom, room); err != nil {
			s.log.Warn().Err(err).Str("room", room).Msg("failed to rejoin room")
		}
	}

	go s.readLoop(ws, gen)
	return nil
}

func (s *Supervisor) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			s.handleClose(ws, gen, err)
			return
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("ignoring malformed frame from server")
			continue
		}

		if env.Event == protocol.EventConnected {
			var hello protocol.Connected
			if err := json.Unmarshal(env.Data, &hello); err == nil {
				s.mu.Lock()
				if s.gen == gen {
					s.id = hello.UserID
				}
				s.mu.Unlock()
			}
		}

		if s.opts.OnEvent != nil {
			s.opts.OnEvent(env)
		}
	}
}

// handleClose decides what follows a lost connection. Only a close the
// server initiated on purpose earns one delayed reconnect.
func (s *Supervisor) handleClose(ws *websocket.Conn, gen uint64, err error) {
	code, reason := closeDetails(err)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	s.state = StateDisconnected
	retry := !s.closed && code == protocol.CloseServerDisconnect
	if retry {
		s.timer = time.AfterFunc(s.opts.ReconnectDelay, s.reconnect)
	}
	s.mu.Unlock()

	_ = ws.Close()
	s.log.Info().Int("code", code).Str("reason", reason).Bool("retry", retry).Msg("disconnected from server")
	s.notifyState(StateDisconnected)
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(code, reason)
	}
}

func (s *Supervisor) reconnect() {
	if err := s.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		s.log.Warn().Err(err).Msg("reconnect failed")
	}
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// Emit sends one event to the relay.
func (s *Supervisor) Emit(event string, data any) error {
	s.mu.Lock()
	ws := s.ws
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || ws == nil {
		s.log.Warn().Str("event", event).Msg("socket not connected")
		return ErrNotConnected
	}

	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, frame)
}

// JoinRoom joins room now and on every later reconnect. The room is
// remembered even if the emit fails, so the next connect joins it.
func (s *Supervisor) JoinRoom(room string) error {
	room = strings.TrimSpace(room)
	if room != "" {
		s.mu.Lock()
		s.rooms[room] = struct{}{}
		s.mu.Unlock()
	}
	return s.Emit(protocol.EventJoinRoom, room)
}

// LeaveRoom leaves room and stops replaying it on reconnect.
func (s *Supervisor) LeaveRoom(room string) error {
	room = strings.TrimSpace(room)
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
	return s.Emit(protocol.EventLeaveRoom, room)
}

// SendMessage posts text to room stamped with at.
func (s *Supervisor) SendMessage(room, text string, at time.Time) error {
	return s.Emit(protocol.EventSendMessage, protocol.SendMessage{
		Room:      room,
		Message:   text,
		Timestamp: at.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
}

// SetTyping tells the room's other members whether the user is typing.
func (s *Supervisor) SetTyping(room string, typing bool) error {
	return s.Emit(protocol.EventTyping, protocol.Typing{Room: room, IsTyping: typing})
}

// Close cancels any pending reconnect and closes the connection. The
// supervisor cannot be reused.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	ws := s.ws
	s.ws = nil
	s.gen++
	s.state = StateDisconnected
	s.mu.Unlock()

	s.notifyState(StateDisconnected)
	if ws == nil {
		return nil
	}

	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, protocol.ReasonClientDisconnect)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return ws.Close()
}
