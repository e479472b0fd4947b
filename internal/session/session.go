// Package session implements the stateful sandbox workspace registry: a
// Session owns one jail, a mutable environment, a working directory, and
// serializes command execution against itself; a Store maps session ids to
// Sessions under a reader-writer discipline.
package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diggerhq/opensandbox/internal/jail"
	"github.com/diggerhq/opensandbox/internal/limits"
	"github.com/diggerhq/opensandbox/internal/runner"
)

// NotFoundError reports an unknown session id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session: %s: not found", e.ID)
}

// InvalidArgumentError reports a request rejected before any side effect:
// empty argv, non-positive limits, and the like.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("session: invalid argument: %s", e.Reason)
}

// InvalidPathError reports a cwd that does not resolve inside the
// session's jail.
type InvalidPathError struct {
	Path string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("session: invalid path: %q does not resolve to a directory inside the jail", e.Path)
}

// Summary is the read-only snapshot List returns for one session.
type Summary struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	LastTouched time.Time `json:"last_touched"`
	EnvSize     int       `json:"env_size"`
}

// Info is the fuller snapshot Get/Info returns.
type Info struct {
	Summary
	Env map[string]string `json:"env"`
	Cwd string            `json:"cwd"`
}

// Session owns one persistent jail, its mutable environment and working
// directory, and a lock serializing command execution against itself — at
// most one command runs per session at any time.
type Session struct {
	id        string
	jail      *jail.Jail
	createdAt time.Time

	mu          sync.Mutex // guards env, cwd, lastTouched
	runLock     sync.Mutex // held for the duration of one Run call
	env         map[string]string
	cwd         string
	lastTouched time.Time
}

func newSession(id string, j *jail.Jail, envSeed map[string]string) *Session {
	env := make(map[string]string, len(envSeed))
	for k, v := range envSeed {
		env[k] = v
	}
	now := time.Now()
	return &Session{
		id:          id,
		jail:        j,
		createdAt:   now,
		env:         env,
		cwd:         "/tmp",
		lastTouched: now,
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// touch advances last_touched; callers must already hold s.mu, or call it
// standalone when s.mu is not otherwise needed.
func (s *Session) touch() {
	now := time.Now()
	if now.After(s.lastTouched) {
		s.lastTouched = now
	}
}

// IdleDuration returns how long the session has gone without a mutating or
// executing call, measured against last_touched.
func (s *Session) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastTouched)
}

// SetEnv merges kv into the session's environment. Existing keys not
// present in kv are left untouched — this never clears the map.
func (s *Session) SetEnv(kv map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.env[k] = v
	}
	s.touch()
}

// SetCwd validates that path resolves inside the session's jail to a
// directory that actually exists and, if so, adopts it as the new working
// directory.
func (s *Session) SetCwd(path string) error {
	rel, ok := jail.RelPath(s.jail, path)
	if !ok {
		return &InvalidPathError{Path: path}
	}
	full, _ := jail.ResolvePath(s.jail, path)
	if info, err := os.Stat(full); err != nil || !info.IsDir() {
		return &InvalidPathError{Path: path}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cwd = rel
	s.touch()
	return nil
}

// Info returns a snapshot of the session's current state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}
	return Info{
		Summary: Summary{
			ID:          s.id,
			CreatedAt:   s.createdAt,
			LastTouched: s.lastTouched,
			EnvSize:     len(s.env),
		},
		Env: env,
		Cwd: s.cwd,
	}
}

// envSlice renders the session's env map as KEY=VALUE pairs for exec.
func (s *Session) envSlice() []string {
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	return out
}

// Run executes one command against the session's jail, current env, and
// cwd. At most one command executes per session at a time: concurrent
// callers queue on runLock in arrival order (Go's sync.Mutex is FIFO-ish
// under contention but makes no hard ordering guarantee beyond "eventually
// fair"; true FIFO is not required by the contract, only mutual exclusion).
func (s *Session) Run(argv []string, lim limits.Limits) (*runner.Result, error) {
	if len(argv) == 0 {
		return nil, &InvalidArgumentError{Reason: "empty argv"}
	}
	lim = lim.WithDefaults()
	if err := lim.Validate(); err != nil {
		return nil, &InvalidArgumentError{Reason: err.Error()}
	}

	s.runLock.Lock()
	defer s.runLock.Unlock()

	s.mu.Lock()
	env := s.envSlice()
	cwd := s.cwd
	s.touch()
	s.mu.Unlock()

	res, err := runner.Run(runner.Request{
		Argv:   argv,
		Env:    env,
		Cwd:    cwd,
		Limits: lim,
		Jail:   s.jail,
	})

	s.mu.Lock()
	s.touch()
	s.mu.Unlock()

	return res, err
}

// TryLock attempts to acquire the session's run lock without blocking. The
// Reaper uses this to skip a session that is mid-execution rather than
// stall the sweep waiting for it.
func (s *Session) TryLock() bool {
	return s.runLock.TryLock()
}

// Unlock releases a lock acquired via TryLock.
func (s *Session) Unlock() {
	s.runLock.Unlock()
}

// Jail exposes the session's jail handle, used by the Store to destroy it
// on delete/eviction.
func (s *Session) Jail() *jail.Jail { return s.jail }

// NewID generates a fresh, collision-free session identifier.
func NewID() string {
	return uuid.NewString()
}
