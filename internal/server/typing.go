package server

import (
	"slices"
	"time"
)

// typingTracker holds the typing expiry of each member of a room. It is
// owned by the room goroutine and is not safe for concurrent use.
type typingTracker struct {
	timeout time.Duration
	expires map[*Session]time.Time
}

func newTypingTracker(timeout time.Duration) *typingTracker {
	return &typingTracker{
		timeout: timeout,
		expires: make(map[*Session]time.Time),
	}
}

// start sets or refreshes the expiry for s and reports whether s was not
// typing before.
func (t *typingTracker) start(s *Session, now time.Time) bool {
	_, typing := t.expires[s]
	t.expires[s] = now.Add(t.timeout)
	return !typing
}

func (t *typingTracker) stop(s *Session) bool {
	if _, ok := t.expires[s]; !ok {
		return false
	}
	delete(t.expires, s)
	return true
}

// expire removes and returns the sessions whose typing state is stale at
// now, oldest first.
func (t *typingTracker) expire(now time.Time) []*Session {
	var stale []*Session
	for s, exp := range t.expires {
		if !exp.After(now) {
			stale = append(stale, s)
		}
	}

	slices.SortFunc(stale, func(a, b *Session) int {
		return t.expires[a].Compare(t.expires[b])
	})
	for _, s := range stale {
		delete(t.expires, s)
	}
	return stale
}

func (t *typingTracker) active() bool {
	return len(t.expires) > 0
}

func (t *typingTracker) sweepInterval() time.Duration {
	return max(t.timeout/4, 10*time.Millisecond)
}
