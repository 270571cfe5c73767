package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/VoiceCall/internal/core"
)

var ErrRateLimited = errors.New("too many join attempts")

// JoinRateLimiter allows limit join attempts per client in a sliding
// window. A nil limiter allows everything.
type JoinRateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[core.SessionID][]time.Time
	limit    int
	interval time.Duration
}

func NewJoinRateLimiter(clk clock.Clock, limit int, interval time.Duration) *JoinRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &JoinRateLimiter{
		clock:    clk,
		history:  make(map[core.SessionID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *JoinRateLimiter) Allow(sid core.SessionID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sid]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[sid] = fresh
		return false
	}

	rl.history[sid] = append(fresh, now)
	return true
}

// Forget drops the client's history.
func (rl *JoinRateLimiter) Forget(sid core.SessionID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, sid)
	rl.mu.Unlock()
}
