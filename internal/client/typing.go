package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/protocol"
)

// DefaultTypingIdle is how long after the last keystroke a user stops
// counting as typing.
const DefaultTypingIdle = time.Second

// Typist turns keystrokes into typing events for one room: true on every
// keystroke, false after a quiet period or when the message is sent.
type Typist struct {
	room string
	idle time.Duration
	emit func(room string, typing bool) error

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// NewTypist returns a Typist that reports through emit, typically
// Supervisor.SetTyping.
func NewTypist(room string, idle time.Duration, emit func(room string, typing bool) error) *Typist {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typist{room: room, idle: idle, emit: emit}
}

// Keystroke reports typing and re-arms the idle timer.
func (t *Typist) Keystroke() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	t.mu.Unlock()

	return t.emit(t.room, true)
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	if t.stopped || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	_ = t.emit(t.room, false)
}

// MessageSent cancels the idle timer and reports that typing stopped.
func (t *Typist) MessageSent() error {
	if !t.cancel() {
		return nil
	}
	return t.emit(t.room, false)
}

// Stop cancels the idle timer. No events are emitted afterwards.
func (t *Typist) Stop() {
	t.cancel()
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Typist) cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return false
	}
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return true
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingIndicator tracks who is typing from user-typing events. A user
// drops out on an explicit false or once timeout passes without a new true,
// so a lost false never leaves a stale indicator behind.
type TypingIndicator struct {
	timeout  time.Duration
	onChange func(users []string)

	mu     sync.Mutex
	users  map[string]*typingEntry
	gen    uint64
	closed bool
}

// NewTypingIndicator returns an empty indicator. onChange, if set, receives
// the sorted set after every change.
func NewTypingIndicator(timeout time.Duration, onChange func(users []string)) *TypingIndicator {
	if timeout <= 0 {
		timeout = DefaultTypingIdle
	}
	return &TypingIndicator{
		timeout:  timeout,
		onChange: onChange,
		users:    make(map[string]*typingEntry),
	}
}

// HandleEnvelope feeds a relay frame to the indicator and reports whether
// it was a user-typing event.
func (ti *TypingIndicator) HandleEnvelope(env protocol.Envelope) bool {
	if env.Event != protocol.EventUserTyping {
		return false
	}
	var ev protocol.UserTyping
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return false
	}
	ti.Observe(ev)
	return true
}

// Observe applies one user-typing event.
func (ti *TypingIndicator) Observe(ev protocol.UserTyping) {
	ti.mu.Lock()
	if ti.closed {
		ti.mu.Unlock()
		return
	}

	entry, known := ti.users[ev.UserID]
	if entry != nil {
		entry.timer.Stop()
	}

	changed := false
	if ev.IsTyping {
		ti.gen++
		gen := ti.gen
		user := ev.UserID
		ti.users[user] = &typingEntry{
			gen:   gen,
			timer: time.AfterFunc(ti.timeout, func() { ti.expire(user, gen) }),
		}
		changed = !known
	} else if known {
		delete(ti.users, ev.UserID)
		changed = true
	}
	users := ti.snapshotLocked()
	ti.mu.Unlock()

	if changed && ti.onChange != nil {
		ti.onChange(users)
	}
}

func (ti *TypingIndicator) expire(user string, gen uint64) {
	ti.mu.Lock()
	entry, ok := ti.users[user]
	if ti.closed || !ok || entry.gen != gen {
		ti.mu.Unlock()
		return
	}
	delete(ti.users, user)
	users := ti.snapshotLocked()
	ti.mu.Unlock()

	if ti.onChange != nil {
		ti.onChange(users)
	}
}

// Users returns who is currently shown as typing, sorted.
func (ti *TypingIndicator) Users() []string {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.snapshotLocked()
}

func (ti *TypingIndicator) snapshotLocked() []string {
	users := make([]string, 0, len(ti.users))
	for u := range ti.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Close stops every pending expiry.
func (ti *TypingIndicator) Close() {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	ti.closed = true
	for user, entry := range ti.users {
		entry.timer.Stop()
		delete(ti.users, user)
	}
}
