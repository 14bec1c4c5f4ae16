package client

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// TypingTracker keeps the local view of which remote users are composing,
// keyed by username with the last time a typing notice was seen. Entries that
// go silent are evicted by the periodic sweep, so a sender that dies
// mid-keystroke disappears without ever sending a stop notice.
type TypingTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewTypingTracker creates an empty tracker.
func NewTypingTracker() *TypingTracker {
	return &TypingTracker{
		lastSeen: make(map[string]time.Time),
	}
}

// Observe marks a user as typing as of now.
func (t *TypingTracker) Observe(user string, now time.Time) {
	if user == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[user] = now
}

// Stop clears a user's typing state.
func (t *TypingTracker) Stop(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, user)
}

// Sweep evicts entries older than maxAge, treating staleness as an implicit
// stop. It returns the evicted usernames.
func (t *TypingTracker) Sweep(now time.Time, maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for user, seen := range t.lastSeen {
		if now.Sub(seen) > maxAge {
			delete(t.lastSeen, user)
			evicted = append(evicted, user)
		}
	}
	return evicted
}

// Reset drops all typing state.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = make(map[string]time.Time)
}

// Typing lists the users currently considered typing, sorted by name.
func (t *TypingTracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lastSeen))
	for user := range t.lastSeen {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Indicator derives the presentation text for the current typing set.
func (t *TypingTracker) Indicator() string {
	users := t.Typing()
	switch len(users) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing...", users[0])
	default:
		return fmt.Sprintf("%d users are typing...", len(users))
	}
}
