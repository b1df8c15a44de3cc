package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/store"
)

func newTestSupervisor(t *testing.T, bootstrap ...string) (*Supervisor, *bus.Bus) {
	t.Helper()

	b := bus.New(store.New(t.TempDir(), 3))
	t.Cleanup(func() { b.Close() })

	root := t.TempDir()
	s := New(Config{
		Bootstrap: bootstrap,
		Root:      root,
		StoreRoot: b.Store().Root(),
	}, b)
	t.Cleanup(func() { s.StopAll(2 * time.Second) })

	return s, b
}

// appFile creates a dummy app source file and returns its path.
func appFile(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("// app\n"), 0o644))
	return path
}

func TestSpawnAndStop(t *testing.T) {
	s, _ := newTestSupervisor(t, "cat")
	src := appFile(t, "deploy.js")

	w, err := s.Spawn(context.Background(), src, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)
	assert.Equal(t, []string{"deploy.js"}, s.ListRunning())

	require.NoError(t, s.Stop(src))

	// Cleanup is asynchronous via the exit handler.
	assert.Eventually(t, func() bool {
		return s.Count() == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, s.ListRunning())
}

func TestStopByIDAndBasename(t *testing.T) {
	s, _ := newTestSupervisor(t, "cat")

	w, err := s.Spawn(context.Background(), appFile(t, "one.js"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop(w.ID))
	assert.Eventually(t, func() bool { return s.Count() == 0 }, 5*time.Second, 20*time.Millisecond)

	_, err = s.Spawn(context.Background(), appFile(t, "two.js"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop("two.js"))
	assert.Eventually(t, func() bool { return s.Count() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestStopUnknown(t *testing.T) {
	s, _ := newTestSupervisor(t, "cat")
	assert.ErrorIs(t, s.Stop("nope.js"), ErrNotFound)
}

func TestSpawnFailure(t *testing.T) {
	s, _ := newTestSupervisor(t, "/definitely/not/a/binary")
	_, err := s.Spawn(context.Background(), appFile(t, "x.js"), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, s.Count())
}

func TestWorkerMessagesReachBus(t *testing.T) {
	script := `printf '{"event":"hello:world","payload":{"n":1}}\n'; sleep 5`
	s, b := newTestSupervisor(t, "sh", "-c", script)

	_, err := s.Spawn(context.Background(), appFile(t, "emitter.js"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := b.Store().Read("hello:world")
		return err == nil && string(got) == `{"n":1}`
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMalformedWorkerLinesAreSkipped(t *testing.T) {
	script := `printf 'not json at all\n'; printf '{"payload":1}\n'; printf '{"event":"ok:msg","payload":2}\n'; sleep 5`
	s, b := newTestSupervisor(t, "sh", "-c", script)

	_, err := s.Spawn(context.Background(), appFile(t, "noisy.js"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := b.Store().Read("ok:msg")
		return err == nil && string(got) == `2`
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBroadcastReachesAllWorkers(t *testing.T) {
	// Each worker reports receipt under its own event name; $0 is the
	// app source path appended to the bootstrap.
	script := `read line && printf '{"event":"got:%s","payload":true}\n' "$(basename "$0")"; sleep 5`
	s, b := newTestSupervisor(t, "sh", "-c", script)

	_, err := s.Spawn(context.Background(), appFile(t, "a.js"), nil)
	require.NoError(t, err)
	_, err = s.Spawn(context.Background(), appFile(t, "b.js"), nil)
	require.NoError(t, err)

	s.Broadcast("greet", map[string]string{"msg": "hi"})

	for _, event := range []string{"got:a.js", "got:b.js"} {
		event := event
		assert.Eventually(t, func() bool {
			_, err := b.Store().Read(event)
			return err == nil
		}, 5*time.Second, 20*time.Millisecond, "missing %s", event)
	}
}

func TestSendTargetsOneWorker(t *testing.T) {
	script := `read line && printf '{"event":"heard:%s","payload":true}\n' "$(basename "$0")"; sleep 5`
	s, b := newTestSupervisor(t, "sh", "-c", script)

	wa, err := s.Spawn(context.Background(), appFile(t, "a.js"), nil)
	require.NoError(t, err)
	_, err = s.Spawn(context.Background(), appFile(t, "b.js"), nil)
	require.NoError(t, err)

	env, err := bus.NewEnvelope("ping", map[string]string{"to": "a"})
	require.NoError(t, err)
	require.NoError(t, s.Send(wa.ID, env))

	assert.Eventually(t, func() bool {
		_, err := b.Store().Read("heard:a.js")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	// The other worker never saw it.
	_, err = b.Store().Read("heard:b.js")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, s.Send("no-such-worker", env), ErrNotFound)
}

func TestBroadcastWithNoWorkers(t *testing.T) {
	s, _ := newTestSupervisor(t, "cat")
	s.Broadcast("noone:listens", nil) // must not panic or block
}

func TestRelocate(t *testing.T) {
	s, _ := newTestSupervisor(t, "cat")
	src := appFile(t, "wander.js")

	w, err := s.Spawn(context.Background(), src, nil)
	require.NoError(t, err)

	newPath := filepath.Join(filepath.Dir(src), "settled.js")
	require.NoError(t, s.Relocate(src, newPath))

	assert.Equal(t, newPath, w.SourcePath)
	assert.Equal(t, []string{"settled.js"}, s.ListRunning())

	assert.ErrorIs(t, s.Relocate(src, newPath), ErrNotFound)
}

func TestDotEnvInjection(t *testing.T) {
	script := `printf '{"event":"env:report","payload":"%s"}\n' "$FROM_DOTENV"; sleep 5`
	s, b := newTestSupervisor(t, "sh", "-c", script)

	src := appFile(t, "envy.js")
	require.NoError(t, os.WriteFile(
		filepath.Join(filepath.Dir(src), ".env"),
		[]byte("FROM_DOTENV=hello\n"), 0o644))

	_, err := s.Spawn(context.Background(), src, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := b.Store().Read("env:report")
		return err == nil && string(got) == `"hello"`
	}, 5*time.Second, 20*time.Millisecond)
}

func TestFabricEnvExported(t *testing.T) {
	script := `printf '{"event":"env:paths","payload":"%s"}\n' "$APPDECK_STORE"; sleep 5`
	s, b := newTestSupervisor(t, "sh", "-c", script)

	_, err := s.Spawn(context.Background(), appFile(t, "pathy.js"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := b.Store().Read("env:paths")
		return err == nil && string(got) == fmt.Sprintf("%q", b.Store().Root())
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAbnormalExitPublishesFatal(t *testing.T) {
	s, b := newTestSupervisor(t, "sh", "-c", "exit 3")

	w, err := s.Spawn(context.Background(), appFile(t, "crashy.js"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, readErr := b.Store().Read("worker:fatal")
		if readErr != nil {
			return false
		}
		var report struct {
			WorkerID string `json:"workerId"`
			ExitCode int    `json:"exitCode"`
		}
		if json.Unmarshal(got, &report) != nil {
			return false
		}
		return report.WorkerID == w.ID && report.ExitCode == 3
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.Count() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRequestedStopIsNotFatal(t *testing.T) {
	s, b := newTestSupervisor(t, "cat")

	_, err := s.Spawn(context.Background(), appFile(t, "calm.js"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Stop("calm.js"))

	require.Eventually(t, func() bool {
		return s.Count() == 0
	}, 5*time.Second, 20*time.Millisecond)

	// A supervisor-initiated stop exits via signal, but that is not a
	// crash and must not be reported as one.
	_, err = b.Store().Read("worker:fatal")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStopAll(t *testing.T) {
	s, _ := newTestSupervisor(t, "cat")

	for _, name := range []string{"a.js", "b.js", "c.js"} {
		_, err := s.Spawn(context.Background(), appFile(t, name), nil)
		require.NoError(t, err)
	}
	require.Equal(t, 3, s.Count())

	s.StopAll(5 * time.Second)
	assert.Equal(t, 0, s.Count())
}
