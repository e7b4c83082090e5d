package server

import (
	"sort"
	"sync"
)

// TypingTracker remembers who is typing in which room. The set is internal
// bookkeeping; clients only ever see the relayed user-typing events.
type TypingTracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

// NewTypingTracker returns an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{rooms: make(map[string]map[string]struct{})}
}

// Set records the flag for user in room and reports whether it changed.
func (t *TypingTracker) Set(room, user string, typing bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.rooms[room]
	_, was := users[user]

	switch {
	case typing && !was:
		if users == nil {
			users = make(map[string]struct{})
			t.rooms[room] = users
		}
		users[user] = struct{}{}
		return true
	case !typing && was:
		delete(users, user)
		if len(users) == 0 {
			delete(t.rooms, room)
		}
		return true
	default:
		return false
	}
}

// Typing returns the users currently typing in room, sorted.
func (t *TypingTracker) Typing(room string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.rooms[room]))
	for u := range t.rooms[room] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Forget clears every flag owned by user and returns the rooms it was typing in.
func (t *TypingTracker) Forget(user string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var cleared []string
	for room, users := range t.rooms {
		if _, ok := users[user]; !ok {
			continue
		}
		delete(users, user)
		if len(users) == 0 {
			delete(t.rooms, room)
		}
		cleared = append(cleared, room)
	}
	sort.Strings(cleared)
	return cleared
}
