// Package worker provides the process supervisor. Each running app is
// a child process spawned through a fixed bootstrap entry point; the
// supervisor owns the worker records, forwards worker messages into
// the message bus, fans bus messages out to workers, and reaps records
// when processes exit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/logging"
)

// ErrNotFound indicates no live worker matched an identity or path.
var ErrNotFound = errors.New("worker not found")

// Config holds supervisor configuration.
type Config struct {
	// Bootstrap is the command every worker runs; the app source path
	// is appended as the final argument.
	Bootstrap []string
	// Root is the workspace root exported to workers.
	Root string
	// StoreRoot is the event-store root exported to workers.
	StoreRoot string
	// SearchPaths are exported to workers for resolving siblings.
	SearchPaths []string
}

// Worker is a live worker record.
type Worker struct {
	ID         string
	SourcePath string
	PID        int

	cmd *exec.Cmd
	ch  *channel
	log zerolog.Logger

	// stopping marks a supervisor-initiated termination so the exit
	// handler can tell a requested stop from a crash.
	stopping atomic.Bool
}

// Supervisor spawns and tracks worker processes.
type Supervisor struct {
	cfg Config
	bus *bus.Bus
	log zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
}

// New creates a supervisor publishing worker messages to the given bus.
func New(cfg Config, b *bus.Bus) *Supervisor {
	if len(cfg.Bootstrap) == 0 {
		cfg.Bootstrap = []string{"appdeck-bootstrap"}
	}
	return &Supervisor{
		cfg:     cfg,
		bus:     b,
		log:     logging.ForComponent("supervisor"),
		workers: make(map[string]*Worker),
	}
}

// Spawn launches a worker for the app at sourcePath. The child runs the
// bootstrap command with sourcePath appended; its stdout carries
// envelopes into the bus, its stderr is forwarded to the host log, and
// its exit is reaped by a single handler that removes the record.
func (s *Supervisor) Spawn(ctx context.Context, sourcePath string, extraEnv map[string]string) (*Worker, error) {
	sourcePath = filepath.Clean(sourcePath)

	args := append(append([]string{}, s.cfg.Bootstrap[1:]...), sourcePath)
	cmd := exec.CommandContext(ctx, s.cfg.Bootstrap[0], args...)
	cmd.Dir = filepath.Dir(sourcePath)
	cmd.Env = s.workerEnv(sourcePath, extraEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	id := ulid.Make().String()
	w := &Worker{
		ID:         id,
		SourcePath: sourcePath,
		PID:        cmd.Process.Pid,
		cmd:        cmd,
		ch:         &channel{stdin: stdin},
		log:        logging.ForWorker(id, sourcePath),
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()

	w.log.Info().Int("pid", w.PID).Msg("worker spawned")

	go readEnvelopes(stdout, w.log, func(env bus.Envelope) {
		if err := s.bus.Publish(env.Event, env.Payload); err != nil {
			w.log.Warn().Err(err).Str("event", env.Event).Msg("dropping worker message")
		}
	})
	go forwardStderr(stderr, w.log)
	go s.reap(w)

	return w, nil
}

// reap waits for a worker process and is the single place its record
// is removed, so double-cleanup cannot occur.
func (s *Supervisor) reap(w *Worker) {
	err := w.cmd.Wait()
	w.ch.close()

	code := w.cmd.ProcessState.ExitCode()
	switch {
	case err != nil && !w.stopping.Load():
		w.log.Warn().Err(err).Int("exitCode", code).Msg("worker exited")
		// An unrequested abnormal exit is surfaced on the bus so apps
		// and surfaces can react, not just the host log.
		s.bus.Publish("worker:fatal", map[string]any{
			"workerId":   w.ID,
			"sourcePath": w.SourcePath,
			"exitCode":   code,
		})
	default:
		w.log.Info().Int("exitCode", code).Msg("worker exited")
	}

	s.mu.Lock()
	delete(s.workers, w.ID)
	s.mu.Unlock()
}

// Stop sends a terminate signal to the worker matching an id or source
// path. Cleanup happens asynchronously in the exit handler; callers
// observing removal must watch ListRunning, not assume completion on
// return.
func (s *Supervisor) Stop(idOrPath string) error {
	w := s.find(idOrPath)
	if w == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, idOrPath)
	}

	w.log.Info().Msg("stopping worker")
	w.stopping.Store(true)
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal worker: %w", err)
	}
	return nil
}

// Send delivers an envelope to one worker's inbound channel.
func (s *Supervisor) Send(id string, env bus.Envelope) error {
	s.mu.RLock()
	w, ok := s.workers[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w.ch.send(env)
}

// Broadcast delivers an envelope to every live worker. The live set is
// snapshotted at call time; a worker joining mid-broadcast may miss it.
// No-op when no workers are running.
func (s *Supervisor) Broadcast(event string, payload any) {
	env, err := bus.NewEnvelope(event, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("broadcast dropped")
		return
	}

	for _, w := range s.snapshot() {
		if err := w.ch.send(env); err != nil {
			w.log.Warn().Err(err).Str("event", event).Msg("broadcast delivery failed")
		}
	}
}

// Relocate updates the source path of the worker whose source was
// externally moved. The running process is unaffected.
func (s *Supervisor) Relocate(oldPath, newPath string) error {
	oldPath = filepath.Clean(oldPath)
	newPath = filepath.Clean(newPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if w.SourcePath == oldPath {
			w.SourcePath = newPath
			w.log.Info().Str("newPath", newPath).Msg("worker source relocated")
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
}

// ListRunning returns the source basenames of all live workers, sorted.
func (s *Supervisor) ListRunning() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.workers))
	for _, w := range s.workers {
		names = append(names, filepath.Base(w.SourcePath))
	}
	sort.Strings(names)
	return names
}

// Count returns the number of live workers.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// StopAll terminates every worker and waits up to the grace period for
// the exit handlers to drain the records, killing stragglers after.
func (s *Supervisor) StopAll(grace time.Duration) {
	for _, w := range s.snapshot() {
		w.stopping.Store(true)
		w.cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if s.Count() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, w := range s.snapshot() {
		w.log.Warn().Msg("worker did not exit in time, killing")
		w.cmd.Process.Kill()
	}
}

// find matches a live worker by id, cleaned source path, or basename.
func (s *Supervisor) find(idOrPath string) *Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.workers[idOrPath]; ok {
		return w
	}
	cleaned := filepath.Clean(idOrPath)
	for _, w := range s.workers {
		if w.SourcePath == cleaned || filepath.Base(w.SourcePath) == idOrPath {
			return w
		}
	}
	return nil
}

// snapshot copies the live worker set.
func (s *Supervisor) snapshot() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// workerEnv builds a worker's environment: the host environment, the
// app's .env file if present, the fabric paths, then caller extras.
func (s *Supervisor) workerEnv(sourcePath string, extra map[string]string) []string {
	env := os.Environ()

	if fileEnv, err := godotenv.Read(filepath.Join(filepath.Dir(sourcePath), ".env")); err == nil {
		for k, v := range fileEnv {
			env = append(env, k+"="+v)
		}
	}

	env = append(env,
		"APPDECK_ROOT="+s.cfg.Root,
		"APPDECK_STORE="+s.cfg.StoreRoot,
		"APPDECK_APP_PATH="+sourcePath,
		"APPDECK_SEARCH_PATHS="+strings.Join(s.cfg.SearchPaths, string(os.PathListSeparator)),
	)

	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
