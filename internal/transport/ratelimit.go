package transport

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// spawnLimiter throttles the two routes that actually fork a sandbox
// process (a stateless run and a session run), keyed per client address so
// one noisy caller can't starve the others. Every other route is cheap
// bookkeeping against the in-memory session map and is left unthrottled.
type spawnLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

// newSpawnLimiter builds a limiter allowing rps sustained spawns per second
// per client, with at most burst spawns admitted back to back (a fresh
// client starts with burst in hand). rps <= 0 disables throttling entirely.
func newSpawnLimiter(rps float64, burst int) *spawnLimiter {
	return &spawnLimiter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(rps),
		burst:    burst,
	}
}

func (l *spawnLimiter) allow(key string) bool {
	if l.rateVal <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rateVal, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// clientKey extracts the part of RemoteAddr a limiter should key on,
// falling back to the whole string if it isn't a host:port pair.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
