package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/store"
	"github.com/appdeck-ai/appdeck/internal/surface"
	"github.com/appdeck-ai/appdeck/internal/watcher"
	"github.com/appdeck-ai/appdeck/internal/worker"
)

type panelHandle struct {
	mu    sync.Mutex
	loads []string
}

func (p *panelHandle) Load(html string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loads = append(p.loads, html)
	return nil
}

func (p *panelHandle) Post(env bus.Envelope) error         { return nil }
func (p *panelHandle) OnMessage(fn func(env bus.Envelope)) {}

func (p *panelHandle) loaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loads)
}

type fixture struct {
	bus    *bus.Bus
	sup    *worker.Supervisor
	reg    *surface.Registry
	root   string
	panels []*panelHandle
	mu     sync.Mutex
}

// newFixture wires the full loop: publishes persist to the store, the
// watcher picks them up and fans out, the handlers answer.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	storeRoot := filepath.Join(root, ".events")
	b := bus.New(store.New(storeRoot, 0))
	t.Cleanup(func() { _ = b.Close() })

	w := watcher.New(b.Store(), b.Notify)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	sup := worker.New(worker.Config{
		Bootstrap: []string{"cat"},
		Root:      root,
		StoreRoot: storeRoot,
	}, b)
	t.Cleanup(func() { sup.StopAll(2 * time.Second) })

	f := &fixture{bus: b, sup: sup, root: root}
	f.reg = surface.NewRegistry(surface.Config{
		Factory: func(opts surface.CreateOptions) (surface.Handle, error) {
			p := &panelHandle{}
			f.mu.Lock()
			f.panels = append(f.panels, p)
			f.mu.Unlock()
			return p, nil
		},
	}, b)

	h := NewHandlers(b, sup, f.reg, root)
	t.Cleanup(h.Attach())
	return f
}

func (f *fixture) panel(i int) *panelHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panels[i]
}

func TestListRunningRoundTrip(t *testing.T) {
	f := newFixture(t)

	raw, err := Call(context.Background(), f.bus, Request{
		Event:         EventListRunningReq,
		ResponseEvent: EventListRunningResp,
		Timeout:       10 * time.Second,
	})
	require.NoError(t, err)

	var running []string
	require.NoError(t, json.Unmarshal(raw, &running))
	assert.NotNil(t, running)
	assert.Empty(t, running)
}

func TestReadFileRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "notes.txt"), []byte("remember the milk"), 0o644))

	raw, err := Call(context.Background(), f.bus, Request{
		Event:         EventReadFileReq,
		ResponseEvent: EventReadFileResp,
		Params:        map[string]any{"path": "notes.txt"},
		Timeout:       10 * time.Second,
	})
	require.NoError(t, err)

	var content string
	require.NoError(t, json.Unmarshal(raw, &content))
	assert.Equal(t, "remember the milk", content)
}

func TestReadFileRejectsEscapingPath(t *testing.T) {
	f := newFixture(t)

	_, err := Call(context.Background(), f.bus, Request{
		Event:         EventReadFileReq,
		ResponseEvent: EventReadFileResp,
		Params:        map[string]any{"path": "../outside.txt"},
		Timeout:       10 * time.Second,
	})
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Contains(t, respErr.Error(), "escapes")
}

func TestCreatePanelAndRender(t *testing.T) {
	f := newFixture(t)

	raw, err := Call(context.Background(), f.bus, Request{
		Event:         EventCreatePanelReq,
		ResponseEvent: EventCreatePanelResp,
		Params:        map[string]any{"title": "Preview"},
		Timeout:       10 * time.Second,
	})
	require.NoError(t, err)

	var id string
	require.NoError(t, json.Unmarshal(raw, &id))
	require.NotEmpty(t, id)

	require.NoError(t, f.bus.Publish(EventUIRender, map[string]any{
		"target":  id,
		"content": "<html><body><p>hello</p></body></html>",
	}))

	assert.Eventually(t, func() bool {
		return f.panel(0).loaded() == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestAppStartAndStop(t *testing.T) {
	f := newFixture(t)
	appPath := filepath.Join(f.root, "app.js")
	require.NoError(t, os.WriteFile(appPath, []byte("// idle\n"), 0o644))

	require.NoError(t, f.bus.Publish(EventAppStart, map[string]any{"path": appPath}))
	require.Eventually(t, func() bool {
		return f.sup.Count() == 1
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, f.bus.Publish(EventAppStop, map[string]any{"path": appPath}))
	require.Eventually(t, func() bool {
		return f.sup.Count() == 0
	}, 10*time.Second, 20*time.Millisecond)
}
