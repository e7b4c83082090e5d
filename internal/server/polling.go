package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

const (
	transportPolling = "polling"

	// maxPollBatchFrames caps a POST body at this many maximum-size frames.
	maxPollBatchFrames = 16
)

// pollSink buffers frames until the client's next long-poll collects them.
type pollSink struct {
	mu       sync.Mutex
	queue    [][]byte
	limit    int
	closed   bool
	closedAt time.Time
	lastSeen time.Time
	notify   chan struct{}
}

func newPollSink(limit int) *pollSink {
	return &pollSink{
		limit:    limit,
		lastSeen: time.Now(),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue implements Sink.
func (s *pollSink) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) >= s.limit {
		return false
	}
	s.queue = append(s.queue, frame)
	s.signal()
	return true
}

// Close implements Sink. Polling has no close frame, so the reason travels
// as a final disconnect event.
func (s *pollSink) Close(_ int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.closedAt = time.Now()
	if frame, err := protocol.Encode(protocol.EventDisconnect, protocol.Disconnected{Reason: reason}); err == nil {
		s.queue = append(s.queue, frame)
	}
	s.signal()
}

// signal wakes a waiting poll. s.mu must be held.
func (s *pollSink) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *pollSink) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// drain takes every queued frame. finished reports that the sink is closed
// and nothing more will ever be queued.
func (s *pollSink) drain() (frames [][]byte, finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames, s.queue = s.queue, nil
	s.lastSeen = time.Now()
	return frames, s.closed
}

// wait returns queued frames, blocking up to d for the first one.
func (s *pollSink) wait(ctx context.Context, d time.Duration) ([][]byte, bool) {
	if frames, finished := s.drain(); len(frames) > 0 || finished {
		return frames, finished
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.notify:
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.drain()
}

// idle reports whether the sink is open and has not been polled for longer
// than timeout.
func (s *pollSink) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && now.Sub(s.lastSeen) > timeout
}

// abandoned reports whether the sink closed more than timeout ago without
// its final frames being collected.
func (s *pollSink) abandoned(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed && now.Sub(s.closedAt) > timeout
}

type pollSession struct {
	conn *Conn
	sink *pollSink
}

// pollSessions maps session ids, which are connection ids, to live sessions.
type pollSessions struct {
	mu       sync.Mutex
	sessions map[string]*pollSession
}

func newPollSessions() *pollSessions {
	return &pollSessions{sessions: make(map[string]*pollSession)}
}

func (p *pollSessions) add(s *pollSession) {
	p.mu.Lock()
	p.sessions[s.conn.id] = s
	p.mu.Unlock()
}

func (p *pollSessions) get(sid string) *pollSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[sid]
}

func (p *pollSessions) remove(sid string) {
	p.mu.Lock()
	delete(p.sessions, sid)
	p.mu.Unlock()
}

func (p *pollSessions) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// expired returns open sessions idle for longer than timeout. They stay
// registered so the client's next poll still collects the disconnect event.
func (p *pollSessions) expired(now time.Time, timeout time.Duration) []*pollSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*pollSession
	for _, s := range p.sessions {
		if s.sink.idle(now, timeout) {
			out = append(out, s)
		}
	}
	return out
}

// reap removes closed sessions nobody came back to drain within timeout.
func (p *pollSessions) reap(now time.Time, timeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for sid, s := range p.sessions {
		if s.sink.abandoned(now, timeout) {
			delete(p.sessions, sid)
			n++
		}
	}
	return n
}

type pollHandshake struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

func (r *Relay) handlePollGet(c *gin.Context) {
	if r.origins.rejectsCrossOrigin(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	sid := c.Query("sid")
	if sid == "" {
		r.pollOpen(c)
		return
	}

	s := r.polls.get(sid)
	if s == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	frames, finished := s.sink.wait(ctx, r.cfg.PollWait)
	if finished {
		r.polls.remove(sid)
	}
	c.Data(http.StatusOK, "application/json", frameArray(frames))
}

// pollOpen is the polling handshake: it accepts a connection and returns its
// session id along with the heartbeat parameters in milliseconds.
func (r *Relay) pollOpen(c *gin.Context) {
	sink := newPollSink(r.cfg.SendBufferSize)
	conn, err := r.accept(sink, transportPolling, c.Request.RemoteAddr)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	r.polls.add(&pollSession{conn: conn, sink: sink})

	c.JSON(http.StatusOK, pollHandshake{
		SID:          conn.id,
		PingInterval: r.cfg.PingInterval.Milliseconds(),
		PingTimeout:  r.cfg.PingTimeout.Milliseconds(),
	})
}

func (r *Relay) handlePollPost(c *gin.Context) {
	if r.origins.rejectsCrossOrigin(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	s := r.polls.get(c.Query("sid"))
	if s == nil || s.conn.closed() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session"})
		return
	}
	s.sink.touch()

	limit := r.cfg.MaxMessageSize * maxPollBatchFrames
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	envs, err := protocol.DecodeBatch(body)
	if err != nil {
		r.metrics.inbound.WithLabelValues("malformed", outcomeInvalid).Inc()
		r.log.Warn().Err(err).Str("conn", s.conn.id).Msg("dropping malformed poll payload")
		c.String(http.StatusOK, "ok")
		return
	}

	for _, env := range envs {
		if env.Event == protocol.EventDisconnect {
			r.router.Dispatch(s.conn, Disconnect{Reason: protocol.ReasonClientDisconnect})
			continue
		}
		r.router.HandleEnvelope(s.conn, env)
	}
	c.String(http.StatusOK, "ok")
}

// runPollJanitor disconnects polling sessions that stopped polling and
// forgets closed ones that were never drained.
func (r *Relay) runPollJanitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.expirePolls(now)
		}
	}
}

func (r *Relay) expirePolls(now time.Time) int {
	expired := r.polls.expired(now, r.cfg.PingTimeout)
	for _, s := range expired {
		r.router.Dispatch(s.conn, Disconnect{Reason: protocol.ReasonPingTimeout})
	}
	if len(expired) > 0 {
		r.log.Info().Int("sessions", len(expired)).Msg("expired idle polling sessions")
	}
	if n := r.polls.reap(now, r.cfg.PingTimeout); n > 0 {
		r.log.Debug().Int("sessions", n).Msg("reaped undrained polling sessions")
	}
	return len(expired)
}

// frameArray joins already encoded frames into one JSON array.
func frameArray(frames [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range frames {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(f)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
