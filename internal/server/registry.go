// Package server keeps room membership and fans events out to the members of
// a room via the Registry type.
package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

var (
	// ErrConnClosed is returned when a closed connection tries to change membership.
	ErrConnClosed = errors.New("connection closed")
	// ErrEmptyRoom is returned for a blank room name.
	ErrEmptyRoom = errors.New("room name is empty")
	// ErrShuttingDown is returned by Accept once the relay stops taking connections.
	ErrShuttingDown = errors.New("relay is shutting down")
)

// room is a named set of connections. Its mutex guards members and also
// serializes broadcasts so every member sees them in the same order.
type room struct {
	name    string
	mu      sync.Mutex
	members map[*Conn]struct{}
}

// Registry maps room names to member connections and tracks every accepted
// connection. Rooms are created on first join and never removed.
type Registry struct {
	log     zerolog.Logger
	metrics *metrics

	// mu guards the rooms and conns maps only, never membership itself.
	mu        sync.RWMutex
	rooms     map[string]*room
	conns     map[string]*Conn
	accepting bool

	// onDrop is called, without locks held, for members whose sink refused a frame.
	onDrop func(*Conn)
	// newLimiter, when set, gives each accepted connection its inbound rate limit.
	newLimiter func() *rate.Limiter
}

func newRegistry(log zerolog.Logger, m *metrics) *Registry {
	return &Registry{
		log:       log,
		metrics:   m,
		rooms:     make(map[string]*room),
		conns:     make(map[string]*Conn),
		accepting: true,
	}
}

// Accept registers a new connection over sink with a fresh identity and an
// empty room set. The connection is open when Accept returns.
func (r *Registry) Accept(sink Sink, transport, remote string) (*Conn, error) {
	c := &Conn{
		id:        uuid.NewString(),
		transport: transport,
		remote:    remote,
		sink:      sink,
		rooms:     make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	if r.newLimiter != nil {
		c.limiter = r.newLimiter()
	}

	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.conns[c.id] = c
	total := len(r.conns)
	r.mu.Unlock()

	c.state.Store(int32(StateOpen))
	r.metrics.connections.Inc()
	r.log.Info().Str("conn", c.id).Str("transport", transport).Str("remote", remote).
		Int("total", total).Msg("connection accepted")
	return c, nil
}

// stopAccepting makes every later Accept fail with ErrShuttingDown.
func (r *Registry) stopAccepting() {
	r.mu.Lock()
	r.accepting = false
	r.mu.Unlock()
}

// Accepting reports whether new connections are still taken.
func (r *Registry) Accepting() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accepting
}

func (r *Registry) lookup(name string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[name]
}

func (r *Registry) roomFor(name string) *room {
	if rm := r.lookup(name); rm != nil {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[name]; ok {
		return rm
	}
	rm := &room{name: name, members: make(map[*Conn]struct{})}
	r.rooms[name] = rm
	r.metrics.rooms.Inc()
	r.log.Debug().Str("room", name).Msg("room created")
	return rm
}

// Join adds c to the room and the room to c. It reports whether membership
// changed; joining a room twice is a no-op.
func (r *Registry) Join(c *Conn, name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, ErrEmptyRoom
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed() {
		return false, fmt.Errorf("join %q: %w", name, ErrConnClosed)
	}
	if _, ok := c.rooms[name]; ok {
		return false, nil
	}

	rm := r.roomFor(name)
	rm.mu.Lock()
	rm.members[c] = struct{}{}
	c.rooms[name] = struct{}{}
	size := len(rm.members)
	rm.mu.Unlock()

	r.log.Debug().Str("conn", c.id).Str("room", name).Int("members", size).Msg("joined room")
	return true, nil
}

// Leave removes c from the room. The name is trimmed the same way Join trims
// it. No event is emitted.
func (r *Registry) Leave(c *Conn, name string) bool {
	name = strings.TrimSpace(name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[name]; !ok {
		return false
	}
	r.leaveLocked(c, name)
	return true
}

// leaveLocked drops one membership. c.mu must be held.
func (r *Registry) leaveLocked(c *Conn, name string) {
	if rm := r.lookup(name); rm != nil {
		rm.mu.Lock()
		delete(rm.members, c)
		rm.mu.Unlock()
	}
	delete(c.rooms, name)
}

// leaveAllLocked removes c from every room and returns their names. c.mu
// must be held.
func (r *Registry) leaveAllLocked(c *Conn) []string {
	left := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		left = append(left, name)
	}
	for _, name := range left {
		r.leaveLocked(c, name)
	}
	sort.Strings(left)
	return left
}

// Disconnect closes c, removes it from all rooms and forgets it. It returns
// the rooms c was in and false if c was already closed.
func (r *Registry) Disconnect(c *Conn) ([]string, bool) {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) {
		c.mu.Unlock()
		return nil, false
	}
	left := r.leaveAllLocked(c)
	c.mu.Unlock()

	r.mu.Lock()
	delete(r.conns, c.id)
	total := len(r.conns)
	r.mu.Unlock()

	r.metrics.connections.Dec()
	r.log.Debug().Str("conn", c.id).Strs("rooms", left).Int("total", total).Msg("connection removed")
	return left, true
}

// Broadcast encodes payload as event and queues it for every member of the
// room except the connection whose id is exclude. An unknown room has no
// members, so nothing is sent. It returns the number of members reached.
func (r *Registry) Broadcast(name, event string, payload any, exclude string) (int, error) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return 0, err
	}
	return r.BroadcastFrame(name, event, frame, exclude), nil
}

// BroadcastFrame queues an already encoded frame. Queueing never blocks, so
// a stuck member cannot hold up the others.
func (r *Registry) BroadcastFrame(name, event string, frame []byte, exclude string) int {
	r.metrics.broadcasts.WithLabelValues(event).Inc()

	rm := r.lookup(name)
	if rm == nil {
		return 0
	}

	var (
		delivered int
		failed    []*Conn
	)

	rm.mu.Lock()
	for c := range rm.members {
		if c.id == exclude || c.closed() {
			continue
		}
		if c.send(frame) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}
	rm.mu.Unlock()

	for _, c := range failed {
		r.metrics.dropped.Inc()
		r.log.Warn().Str("conn", c.id).Str("room", name).Str("event", event).Msg("dropped delivery")
		if r.onDrop != nil {
			r.onDrop(c)
		}
	}
	return delivered
}

// SendTo queues a frame for a single connection.
func (r *Registry) SendTo(c *Conn, event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	if !c.send(frame) {
		r.metrics.dropped.Inc()
		return fmt.Errorf("send %s to %s: not queued", event, c.id)
	}
	return nil
}

// Conn returns the open connection with id, or nil.
func (r *Registry) Conn(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Conns returns a snapshot of all open connections.
func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Members returns the ids of the room's members, sorted.
func (r *Registry) Members(name string) []string {
	rm := r.lookup(name)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	ids := make([]string, 0, len(rm.members))
	for c := range rm.members {
		ids = append(ids, c.id)
	}
	sort.Strings(ids)
	return ids
}

// Rooms returns every room name ever joined, sorted. Empty rooms included.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnCount returns the number of open connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomCount returns the number of rooms, empty ones included.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
