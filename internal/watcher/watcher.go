// Package watcher observes the event store's backing directory for
// payload changes, including writes made directly by other processes,
// and turns them into local notifications. It is the sole trigger for
// message-bus fan-out.
package watcher

import (
	"crypto/sha256"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/appdeck-ai/appdeck/internal/logging"
	"github.com/appdeck-ai/appdeck/internal/store"
)

// NotifyFunc receives an observed event with its current payload.
type NotifyFunc func(event string, payload json.RawMessage)

// Watcher observes a store root recursively and invokes a notification
// callback whenever an event's current payload changes.
type Watcher struct {
	store  *store.Store
	notify NotifyFunc
	log    zerolog.Logger

	mu      sync.Mutex
	hashes  map[string][sha256.Size]byte
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher over the given store. notify is called from a
// single goroutine, so per-event delivery order follows observation
// order.
func New(st *store.Store, notify NotifyFunc) *Watcher {
	return &Watcher{
		store:  st,
		notify: notify,
		log:    logging.ForComponent("watcher"),
		hashes: make(map[string][sha256.Size]byte),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins watching. It is a no-op if already started.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.store.Root(), 0o755); err != nil {
		return err
	}

	go w.run()
	return nil
}

// Stop stops the watcher and waits for the loop to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
}

// run keeps a watch session alive, re-establishing it with exponential
// backoff if the session fails (e.g. the kernel watch queue overflows
// and fsnotify closes its channels).
func (w *Watcher) run() {
	defer close(w.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := w.watch()
		if err == nil {
			return
		}
		w.log.Error().Err(err).Msg("watch session failed, restarting")

		select {
		case <-w.stopCh:
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// watch runs one watch session. Returns nil on a stop request and an
// error if the session broke and should be restarted.
func (w *Watcher) watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// The initial walk primes dedupe hashes without notifying, so a
	// restart does not replay the whole store to subscribers.
	if err := w.addTree(fsw, w.store.Root(), true); err != nil {
		return err
	}

	for {
		select {
		case <-w.stopCh:
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return fsnotify.ErrClosed
			}
			w.dispatch(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return fsnotify.ErrClosed
			}
			w.log.Error().Err(err).Msg("watch error")
		}
	}
}

// dispatch routes one fsnotify event: new directories get added to the
// watch, current-payload writes get notified.
func (w *Watcher) dispatch(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// A whole subtree may appear at once; walk it so nested
			// directories and any payload already inside are seen.
			if err := w.addTree(fsw, ev.Name, false); err != nil {
				w.log.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
			return
		}
	}

	if filepath.Base(ev.Name) != store.CurrentFile {
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	w.observe(ev.Name, false)
}

// observe reads the payload behind a changed current-payload file and
// notifies, deduping unchanged content. Read failures are logged and
// swallowed so a malformed payload can never kill the loop.
func (w *Watcher) observe(path string, prime bool) {
	name, err := w.store.NameFromPath(path)
	if err != nil {
		w.log.Debug().Err(err).Str("path", path).Msg("ignoring unmapped path")
		return
	}

	payload, err := w.store.Read(name)
	if err != nil {
		w.log.Warn().Err(err).Str("event", name).Msg("failed to read changed payload")
		return
	}

	sum := sha256.Sum256(payload)
	w.mu.Lock()
	prev, seen := w.hashes[name]
	if seen && prev == sum {
		w.mu.Unlock()
		return
	}
	w.hashes[name] = sum
	w.mu.Unlock()

	// First-ever sighting during a priming walk is existing state, not
	// a change. A changed hash still notifies, so writes that landed
	// while a session was being re-established are not lost.
	if prime && !seen {
		return
	}
	w.notify(name, payload)
}

// addTree watches dir and every directory below it, skipping history
// directories, and observes any current payloads already present.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string, prime bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if d.Name() == store.HistoryDirName {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				return err
			}
			return nil
		}
		if d.Name() == store.CurrentFile {
			w.observe(path, prime)
		}
		return nil
	})
}
