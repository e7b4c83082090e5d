// Package server models a single client connection: identity, transport
// state and the rooms it currently belongs to.
package server

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// ConnState is the transport state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the outbound half of a transport.
type Sink interface {
	// Enqueue hands one frame to the transport without blocking and reports
	// whether it was queued.
	Enqueue(frame []byte) bool
	// Close ends the transport, telling the peer why. Further calls are no-ops.
	Close(code int, reason string)
}

// Conn is one live client connection. Its id is generated on accept and
// stays stable until the connection closes.
type Conn struct {
	id        string
	transport string
	remote    string
	sink      Sink
	limiter   *rate.Limiter

	state atomic.Int32

	// mu guards rooms. Lock order is Conn.mu before room.mu.
	mu    sync.Mutex
	rooms map[string]struct{}

	// dispatchMu serializes inbound events from this connection.
	dispatchMu sync.Mutex
}

// ID returns the connection's identity.
func (c *Conn) ID() string { return c.id }

// Transport names the wire transport ("websocket" or "polling").
func (c *Conn) Transport() string { return c.transport }

// RemoteAddr is the peer address reported by the HTTP server.
func (c *Conn) RemoteAddr() string { return c.remote }

// State returns the current transport state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) closed() bool { return c.State() == StateClosed }

// Rooms returns the names of the rooms the connection is in, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InRoom reports whether the connection currently belongs to room.
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// send queues a frame for this connection. A closed connection or a
// panicking sink counts as a failed send.
func (c *Conn) send(frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	if c.closed() {
		return false
	}
	return c.sink.Enqueue(frame)
}
