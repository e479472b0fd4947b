// Package transport is the thin request adapter between the wire and the
// sandbox core: a net/http + encoding/json realization of the contract. It
// holds no sandbox logic of its own — every handler is a direct call into
// internal/session or internal/runner.
package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/diggerhq/opensandbox/internal/jail"
	"github.com/diggerhq/opensandbox/internal/limits"
	"github.com/diggerhq/opensandbox/internal/runner"
	"github.com/diggerhq/opensandbox/internal/session"
)

// Server adapts HTTP requests to the core session/runner API.
type Server struct {
	Store       *session.Store
	JailBuilder *jail.Builder
	Logger      *slog.Logger

	defaultLimits atomic.Value // limits.Limits
	spawns        *spawnLimiter
	mux           *http.ServeMux
}

// New builds a Server and registers its routes. spawnRPS/spawnBurst bound
// how often a single client may hit the two jail-spawning routes; pass
// spawnRPS <= 0 to leave spawning unthrottled.
func New(store *session.Store, jailBuilder *jail.Builder, defaultLimits limits.Limits, spawnRPS float64, spawnBurst int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Store:       store,
		JailBuilder: jailBuilder,
		Logger:      logger,
		spawns:      newSpawnLimiter(spawnRPS, spawnBurst),
	}
	s.defaultLimits.Store(defaultLimits)
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// SetDefaultLimits retunes the limits applied to a request that omits its
// own, letting a config hot-reload take effect without a restart.
func (s *Server) SetDefaultLimits(l limits.Limits) {
	s.defaultLimits.Store(l)
}

func (s *Server) DefaultLimits() limits.Limits {
	return s.defaultLimits.Load().(limits.Limits)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/run", s.handleStatelessRun)
	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /v1/sessions/{id}/run", s.handleSessionRun)
	s.mux.HandleFunc("POST /v1/sessions/{id}/env", s.handleSetEnv)
	s.mux.HandleFunc("POST /v1/sessions/{id}/cwd", s.handleSetCwd)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequest struct {
	Argv   []string       `json:"argv"`
	Limits *limitsPayload `json:"limits,omitempty"`
}

type limitsPayload struct {
	CPUMs   int64 `json:"cpu_ms,omitempty"`
	MemKB   int64 `json:"mem_kb,omitempty"`
	FsizeKB int64 `json:"fsize_kb,omitempty"`
	NoFile  int64 `json:"nofile,omitempty"`
	WallMs  int64 `json:"wall_ms,omitempty"`
}

func (p *limitsPayload) toLimits(fallback limits.Limits) limits.Limits {
	if p == nil {
		return fallback
	}
	return limits.Limits{
		CPUMs:   p.CPUMs,
		MemKB:   p.MemKB,
		FsizeKB: p.FsizeKB,
		NoFile:  p.NoFile,
		WallMs:  p.WallMs,
	}.WithDefaults()
}

type executionResultPayload struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        *int   `json:"exit_code"`
	Signal          *int   `json:"signal"`
	Timeout         bool   `json:"timeout"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

func resultPayload(res *runner.Result) executionResultPayload {
	return executionResultPayload{
		Stdout:          string(res.Stdout),
		Stderr:          string(res.Stderr),
		ExitCode:        res.ExitCode,
		Signal:          res.Signal,
		Timeout:         res.Timeout,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
	}
}

// handleStatelessRun builds a throwaway jail, runs one command, and tears
// the jail down regardless of outcome.
func (s *Server) handleStatelessRun(w http.ResponseWriter, r *http.Request) {
	if !s.spawns.allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "spawn rate limit exceeded")
		return
	}

	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, http.StatusBadRequest, "argv must not be empty")
		return
	}

	lim := req.Limits.toLimits(s.DefaultLimits())
	if err := lim.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := session.NewID()
	j, err := s.JailBuilder.Build(id)
	if err != nil {
		s.Logger.Error("transport: stateless jail build failed", "error", err)
		writeError(w, http.StatusInternalServerError, "jail build failed")
		return
	}
	defer s.JailBuilder.Destroy(j)

	res, err := runner.Run(runner.Request{
		Argv:   req.Argv,
		Cwd:    "/tmp",
		Limits: lim,
		Jail:   j,
	})
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultPayload(res))
}

type createSessionRequest struct {
	Env map[string]string `json:"env,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	sess, err := s.Store.Create(req.Env)
	if err != nil {
		s.Logger.Error("transport: session create failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sess.ID()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Store.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Delete(r.PathValue("id")); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionRun(w http.ResponseWriter, r *http.Request) {
	if !s.spawns.allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, "spawn rate limit exceeded")
		return
	}

	sess, err := s.Store.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := sess.Run(req.Argv, req.Limits.toLimits(s.DefaultLimits()))
	if err != nil {
		s.writeRunnerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultPayload(res))
}

type setEnvRequest struct {
	Env map[string]string `json:"env"`
}

func (s *Server) handleSetEnv(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	var req setEnvRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess.SetEnv(req.Env)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setCwdRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleSetCwd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	var req setCwdRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.SetCwd(req.Path); err != nil {
		var ip *session.InvalidPathError
		if errors.As(err, &ip) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var nf *session.NotFoundError
	if errors.As(err, &nf) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeRunnerError(w http.ResponseWriter, err error) {
	var ia *session.InvalidArgumentError
	if errors.As(err, &ia) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var spawnErr *runner.SpawnError
	if errors.As(err, &spawnErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var execErr *runner.ExecutionError
	if errors.As(err, &execErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
