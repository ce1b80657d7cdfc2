package process

import (
	"bufio"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cpjet64/codexrt/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*PipeHandle
	err     error
}

func (f *fakeLauncher) launch(Config) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := NewPipeHandle(1000 + len(f.handles))
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeLauncher) {
	t.Helper()
	fl := &fakeLauncher{}
	s := NewSupervisor(logger.Nop(), WithLauncher(fl.launch))
	t.Cleanup(s.Stop)
	return s, fl
}

func TestSupervisor_AtMostOneProcess(t *testing.T) {
	s, fl := newTestSupervisor(t)
	cfg := Config{Executable: "codex", Args: []string{"app-server"}}

	require.True(t, s.Start(cfg, false))
	assert.False(t, s.Start(cfg, false))
	assert.False(t, s.Start(cfg, false))

	assert.Equal(t, 1, fl.count())
	assert.Equal(t, int64(1), s.Starts())
	assert.True(t, s.IsRunning())
}

func TestSupervisor_RestartSwapsHandle(t *testing.T) {
	s, fl := newTestSupervisor(t)
	cfg := Config{Executable: "codex"}

	require.True(t, s.Start(cfg, false))
	first := fl.handles[0]

	require.True(t, s.Start(cfg, true))

	require.Equal(t, 2, fl.count())
	assert.Equal(t, 1, first.Destroyed())
	assert.Equal(t, 0, fl.handles[1].Destroyed())
	assert.True(t, s.IsRunning())

	stdout, _, ok := s.Streams()
	require.True(t, ok)
	assert.Same(t, fl.handles[1].Stdout(), stdout)
}

func TestSupervisor_StartAfterExitRelaunches(t *testing.T) {
	s, fl := newTestSupervisor(t)

	require.True(t, s.Start(Config{Executable: "codex"}, false))
	fl.handles[0].Exit()
	assert.False(t, s.IsRunning())

	require.True(t, s.Start(Config{Executable: "codex"}, false))
	assert.Equal(t, 2, fl.count())
	assert.True(t, s.IsRunning())
}

func TestSupervisor_LaunchFailureReturnsFalse(t *testing.T) {
	s, fl := newTestSupervisor(t)
	fl.err = errors.New("exec: \"codex\": executable file not found in $PATH")

	assert.NotPanics(t, func() {
		assert.False(t, s.Start(Config{Executable: "codex"}, false))
	})
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Send([]byte(`{}`)), ErrNotRunning)
}

func TestSupervisor_SendWithoutProcess(t *testing.T) {
	s, _ := newTestSupervisor(t)
	assert.ErrorIs(t, s.Send([]byte(`{"method":"initialized"}`)), ErrNotRunning)

	_, _, ok := s.Streams()
	assert.False(t, ok)
}

func TestSupervisor_StopIsIdempotent(t *testing.T) {
	s, fl := newTestSupervisor(t)
	require.True(t, s.Start(Config{Executable: "codex"}, false))

	s.Stop()
	s.Stop()

	assert.False(t, s.IsRunning())
	assert.Equal(t, 1, fl.handles[0].Destroyed())
}

// slowHandle blocks Destroy until released.
type slowHandle struct {
	*PipeHandle
	entered chan struct{}
	release chan struct{}
}

func (h *slowHandle) Destroy() error {
	close(h.entered)
	<-h.release
	return h.PipeHandle.Destroy()
}

func TestSupervisor_StopDoesNotBlockReaders(t *testing.T) {
	h := &slowHandle{PipeHandle: NewPipeHandle(7), entered: make(chan struct{}), release: make(chan struct{})}
	launches := 0
	s := NewSupervisor(logger.Nop(), WithLauncher(func(Config) (Handle, error) {
		launches++
		if launches == 1 {
			return h, nil
		}
		return NewPipeHandle(8), nil
	}))
	require.True(t, s.Start(Config{Executable: "codex"}, false))

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	<-h.entered

	// Readers see the swap while Destroy is still running.
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Send([]byte("{}")), ErrNotRunning)

	// A start arriving mid-stop waits for the teardown to finish.
	started := make(chan bool, 1)
	go func() { started <- s.Start(Config{Executable: "codex"}, false) }()
	select {
	case <-started:
		t.Fatal("start overlapped a stop in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.release)
	<-stopped
	assert.True(t, <-started)
	assert.Equal(t, 1, h.Destroyed())
	assert.True(t, s.IsRunning())
	s.Stop()
}

func TestSupervisor_SendWritesLine(t *testing.T) {
	s, fl := newTestSupervisor(t)
	require.True(t, s.Start(Config{Executable: "codex"}, false))

	got := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(fl.handles[0].Requests())
		if sc.Scan() {
			got <- sc.Text()
		}
	}()

	require.NoError(t, s.Send([]byte(`{"method":"initialized"}`)))
	assert.Equal(t, `{"method":"initialized"}`, <-got)
}

func TestExecLauncher_RoundTripsThroughCat(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}
	s := NewSupervisor(logger.Nop())
	defer s.Stop()

	require.True(t, s.Start(Config{Executable: "cat", InheritEnv: true}, false))
	stdout, _, ok := s.Streams()
	require.True(t, ok)

	require.NoError(t, s.Send([]byte(`{"id":"1","result":{}}`)))

	sc := bufio.NewScanner(stdout)
	require.True(t, sc.Scan())
	assert.Equal(t, `{"id":"1","result":{}}`, sc.Text())

	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestExecLauncher_MissingBinary(t *testing.T) {
	s := NewSupervisor(logger.Nop())
	assert.False(t, s.Start(Config{Executable: "/nonexistent/codex-binary"}, false))
	assert.False(t, s.Start(Config{}, false))
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("CODEXRT_TEST_INHERITED", "parent")

	env := buildEnv(Config{InheritEnv: true, Env: map[string]string{"CODEXRT_TEST_INHERITED": "child", "B": "2"}})
	assert.Contains(t, env, "CODEXRT_TEST_INHERITED=child")
	assert.NotContains(t, env, "CODEXRT_TEST_INHERITED=parent")
	assert.Contains(t, env, "B=2")

	isolated := buildEnv(Config{Env: map[string]string{"A": "1"}})
	assert.Equal(t, []string{"A=1"}, isolated)

	assert.NotNil(t, buildEnv(Config{}))
	assert.Empty(t, buildEnv(Config{}))
}
