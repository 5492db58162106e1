package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits inbound messages per conversation with a token bucket.
// A nil *Limiter allows everything.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomLimit
}

type roomLimit struct {
	bucket *rate.Limiter
	// warned is set after the first rejected message and cleared by the next
	// accepted one, so the user is told once per flood.
	warned bool
}

// NewLimiter returns a limiter allowing perMinute messages per conversation
// with the given burst, or nil when perMinute is not positive.
func NewLimiter(perMinute float64, burst int) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limit: rate.Limit(perMinute / 60),
		burst: burst,
		now:   time.Now,
		rooms: make(map[string]*roomLimit),
	}
}

// Allow reports whether a message for conversationID may proceed. notify is
// true for the first rejection after an accepted message.
func (l *Limiter) Allow(conversationID string) (ok, notify bool) {
	if l == nil {
		return true, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rl, found := l.rooms[conversationID]
	if !found {
		rl = &roomLimit{bucket: rate.NewLimiter(l.limit, l.burst)}
		l.rooms[conversationID] = rl
	}
	if rl.bucket.AllowN(l.now(), 1) {
		rl.warned = false
		return true, false
	}
	notify = !rl.warned
	rl.warned = true
	return false, notify
}

// Forget drops the buckets of evicted conversations.
func (l *Limiter) Forget(conversationIDs ...string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range conversationIDs {
		delete(l.rooms, id)
	}
}

// Len returns the number of tracked conversations.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
