package session

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/diggerhq/opensandbox/internal/jail"
	"github.com/diggerhq/opensandbox/internal/limits"
	"github.com/diggerhq/opensandbox/internal/runner"
)

// TestMain lets the test binary act as the sandbox wrapper: runner.Run
// re-execs os.Executable() with runner.InitArg, which under go test is
// this binary.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == runner.InitArg {
		runner.Init(os.Args[2:])
		return
	}
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(jail.NewBuilder(t.TempDir()))
}

func TestCreateThenGetSucceeds(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(map[string]string{"X": "1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := st.Get(s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != s {
		t.Fatal("Get returned a different Session than Create")
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get("does-not-exist")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Get: err = %v, want *NotFoundError", err)
	}
}

func TestDeleteIsIdempotentAsNotFound(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Delete(s.ID()); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	err = st.Delete(s.ID())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("second Delete: err = %v, want *NotFoundError", err)
	}
}

func TestDeleteRemovesFromGet(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Delete(s.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(s.ID()); err == nil {
		t.Fatal("Get after Delete: want error, got nil")
	}
}

func TestSetEnvMergesDoesNotClear(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(map[string]string{"A": "1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.SetEnv(map[string]string{"B": "2"})
	s.SetEnv(map[string]string{})

	info := s.Info()
	if info.Env["A"] != "1" {
		t.Errorf("Env[A] = %q, want %q (set_env must not clear unspecified keys)", info.Env["A"], "1")
	}
	if info.Env["B"] != "2" {
		t.Errorf("Env[B] = %q, want %q", info.Env["B"], "2")
	}
}

func TestSetCwdRejectsEscapingPath(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.SetCwd("/../../etc/passwd")
	var ip *InvalidPathError
	if !errors.As(err, &ip) {
		t.Fatalf("SetCwd: err = %v, want *InvalidPathError", err)
	}
}

func TestSetCwdRejectsNonexistentDirectory(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.SetCwd("/no/such/dir")
	var ip *InvalidPathError
	if !errors.As(err, &ip) {
		t.Fatalf("SetCwd: err = %v, want *InvalidPathError", err)
	}
}

func TestSetCwdAcceptsPathInsideJail(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetCwd("/etc"); err != nil {
		t.Fatalf("SetCwd(/etc): %v", err)
	}
	if got := s.Info().Cwd; got != "/etc" {
		t.Fatalf("Cwd = %q, want %q", got, "/etc")
	}
}

func TestRunRejectsEmptyArgv(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = s.Run(nil, limits.Limits{})
	var ia *InvalidArgumentError
	if !errors.As(err, &ia) {
		t.Fatalf("Run(nil): err = %v, want *InvalidArgumentError", err)
	}
}

func TestIdleDurationNeverRegresses(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first := s.IdleDuration()
	time.Sleep(5 * time.Millisecond)
	second := s.IdleDuration()
	if second < first {
		t.Fatalf("IdleDuration decreased: %v then %v", first, second)
	}
	s.SetEnv(map[string]string{"X": "1"})
	third := s.IdleDuration()
	if third >= second {
		t.Fatalf("IdleDuration after touch = %v, want less than %v", third, second)
	}
}

func TestTryLockExcludesConcurrentRun(t *testing.T) {
	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !s.TryLock() {
		t.Fatal("first TryLock: want true")
	}
	if s.TryLock() {
		t.Fatal("second TryLock while held: want false")
	}
	s.Unlock()
	if !s.TryLock() {
		t.Fatal("TryLock after Unlock: want true")
	}
	s.Unlock()
}

// mustRun executes one command on s, skipping the test when the
// environment can't spawn sandboxes at all.
func mustRun(t *testing.T, s *Session, argv ...string) *runner.Result {
	t.Helper()
	res, err := s.Run(argv, limits.Limits{})
	var spawnErr *runner.SpawnError
	if errors.As(err, &spawnErr) {
		t.Skipf("sandbox spawn unavailable in this environment: %v", spawnErr)
	}
	if err != nil {
		t.Fatalf("Run(%v): %v", argv, err)
	}
	return res
}

func TestRunPersistsFilesAcrossCommands(t *testing.T) {
	if err := runner.CheckCapability(); err != nil {
		t.Skipf("namespace capability unavailable in this environment: %v", err)
	}

	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res := mustRun(t, s, "/bin/sh", "-c", "echo hi > /tmp/t")
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("write command ExitCode = %v, stderr = %q", res.ExitCode, res.Stderr)
	}

	res = mustRun(t, s, "/bin/cat", "/tmp/t")
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("read command ExitCode = %v, stderr = %q", res.ExitCode, res.Stderr)
	}
	if got := string(res.Stdout); got != "hi\n" {
		t.Fatalf("Stdout = %q, want %q (file written by the first command must survive into the second)", got, "hi\n")
	}
}

func TestRunSeesSessionEnv(t *testing.T) {
	if err := runner.CheckCapability(); err != nil {
		t.Skipf("namespace capability unavailable in this environment: %v", err)
	}

	st := newTestStore(t)
	s, err := st.Create(nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.SetEnv(map[string]string{"X": "42"})

	res := mustRun(t, s, "/bin/sh", "-c", "echo $X")
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("ExitCode = %v, stderr = %q", res.ExitCode, res.Stderr)
	}
	if got := string(res.Stdout); got != "42\n" {
		t.Fatalf("Stdout = %q, want %q", got, "42\n")
	}
}
