// Package reaper runs the background sweep that evicts sessions idle
// beyond a TTL and reclaims their jail directories.
package reaper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/diggerhq/opensandbox/internal/session"
)

// Reaper periodically walks a session.Store snapshot and deletes any
// session that has been idle longer than IdleTTL.
type Reaper struct {
	Store         *session.Store
	SweepInterval time.Duration
	Logger        *slog.Logger

	idleTTL atomic.Int64 // nanoseconds; config.Watch can retune this live
}

// New returns a Reaper with the given sweep interval and idle TTL. A nil
// logger falls back to slog.Default().
func New(store *session.Store, sweepInterval, idleTTL time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		Store:         store,
		SweepInterval: sweepInterval,
		Logger:        logger,
	}
	r.idleTTL.Store(int64(idleTTL))
	return r
}

// IdleTTL returns the currently configured idle TTL.
func (r *Reaper) IdleTTL() time.Duration {
	return time.Duration(r.idleTTL.Load())
}

// SetIdleTTL retunes the idle TTL without interrupting the sweep loop,
// letting a config hot-reload take effect on the next tick.
func (r *Reaper) SetIdleTTL(ttl time.Duration) {
	r.idleTTL.Store(int64(ttl))
}

// Run blocks sweeping every SweepInterval until ctx is canceled. Sweep
// errors are logged and never abort the loop.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts every session whose idle duration exceeds IdleTTL. A
// session currently executing a command is skipped for this sweep rather
// than blocked on — it will be reconsidered on the next tick.
func (r *Reaper) sweep() {
	ttl := r.IdleTTL()
	evicted := 0
	for _, s := range r.Store.Snapshot() {
		if s.IdleDuration() <= ttl {
			continue
		}
		if !s.TryLock() {
			// A command is executing; deleting now would pull the jail
			// out from under it. Defer to the next sweep.
			continue
		}
		// Hold the run lock across the delete so a racing Run cannot
		// start against a jail we're about to destroy.
		err := r.Store.Delete(s.ID())
		s.Unlock()
		if err != nil {
			r.Logger.Warn("reaper: evict failed", "session", s.ID(), "error", err)
			continue
		}
		evicted++
	}
	if evicted > 0 {
		r.Logger.Info("reaper: swept sessions", "evicted", evicted)
	}
}
