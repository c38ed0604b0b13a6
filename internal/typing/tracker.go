// Package typing tracks ephemeral "is typing" presence per room. Nothing
// here is persisted; entries expire on their own so a dropped connection
// cannot leave a stale indicator.
package typing

import (
	"context"
	"sync"
	"time"
)

type Key struct {
	RoomType string
	RoomID   string
}

type Entry struct {
	Room   Key
	UserID string
}

type Tracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]map[string]time.Time // room -> userID -> expiresAt
	now     func() time.Time
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:     ttl,
		entries: make(map[Key]map[string]time.Time),
		now:     time.Now,
	}
}

// Start inserts or refreshes the user's typing entry. Returns true when
// the user was not already typing in the room, i.e. when a typing:started
// broadcast is due.
func (t *Tracker) Start(room Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[room]
	if users == nil {
		users = make(map[string]time.Time)
		t.entries[room] = users
	}
	expiry, active := users[userID]
	fresh := !active || !t.now().Before(expiry)
	users[userID] = t.now().Add(t.ttl)
	return fresh
}

// Stop removes the user's entry. Stopping when not typing is a no-op and
// returns false.
func (t *Tracker) Stop(room Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(room, userID)
}

// StopAll clears every entry of one user across all rooms, returning the
// rooms that held one. Used on disconnect.
func (t *Tracker) StopAll(userID string) []Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rooms []Key
	for room := range t.entries {
		if t.stopLocked(room, userID) {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// ActiveUsers returns the users currently typing in the room, pruning
// expired entries on the way.
func (t *Tracker) ActiveUsers(room Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var users []string
	for userID, expiry := range t.entries[room] {
		if now.Before(expiry) {
			users = append(users, userID)
			continue
		}
		t.stopLocked(room, userID)
	}
	return users
}

// Sweep removes every expired entry and returns them, so the caller can
// broadcast typing:stopped on behalf of clients that never sent one.
func (t *Tracker) Sweep() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []Entry
	for room, users := range t.entries {
		for userID, expiry := range users {
			if now.Before(expiry) {
				continue
			}
			t.stopLocked(room, userID)
			expired = append(expired, Entry{Room: room, UserID: userID})
		}
	}
	return expired
}

// Run sweeps on an interval until the context ends, invoking onExpire for
// each entry that timed out without an explicit stop.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onExpire func(Entry)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range t.Sweep() {
				onExpire(entry)
			}
		}
	}
}

func (t *Tracker) stopLocked(room Key, userID string) bool {
	users := t.entries[room]
	if users == nil {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, room)
	}
	return true
}
