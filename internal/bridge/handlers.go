package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/logging"
	"github.com/appdeck-ai/appdeck/internal/surface"
	"github.com/appdeck-ai/appdeck/internal/worker"
)

// Reserved event names answered by the host. The bridge: prefix is not
// available to applications for their own traffic.
const (
	EventAppStart        = "bridge:app:start"
	EventAppStop         = "bridge:app:stop"
	EventListRunningReq  = "bridge:app:listRunningRequest"
	EventListRunningResp = "bridge:app:listRunningResponse"
	EventCreatePanelReq  = "bridge:ui:createPanelRequest"
	EventCreatePanelResp = "bridge:ui:createPanelResponse"
	EventUIRender        = "bridge:ui:render"
	EventReadFileReq     = "bridge:workspace:readFileRequest"
	EventReadFileResp    = "bridge:workspace:readFileResponse"
)

// Handlers answers the reserved bridge events on behalf of the host,
// driving the supervisor and the surface registry.
type Handlers struct {
	bus  *bus.Bus
	sup  *worker.Supervisor
	reg  *surface.Registry
	root string
	log  zerolog.Logger
}

func NewHandlers(b *bus.Bus, sup *worker.Supervisor, reg *surface.Registry, root string) *Handlers {
	return &Handlers{
		bus:  b,
		sup:  sup,
		reg:  reg,
		root: root,
		log:  logging.ForComponent("bridge"),
	}
}

// Attach subscribes the handlers to the bus and returns the
// unsubscribe function.
func (h *Handlers) Attach() func() {
	return h.bus.Subscribe(h.handle)
}

func (h *Handlers) handle(env bus.Envelope) {
	switch env.Event {
	case EventAppStart:
		h.startApp(env.Payload)
	case EventAppStop:
		h.stopApp(env.Payload)
	case EventListRunningReq:
		h.listRunning(env.Payload)
	case EventCreatePanelReq:
		h.createPanel(env.Payload)
	case EventUIRender:
		h.render(env.Payload)
	case EventReadFileReq:
		h.readFile(env.Payload)
	}
}

type pathParams struct {
	Path string `json:"path"`
}

func (h *Handlers) startApp(payload json.RawMessage) {
	var p pathParams
	if err := json.Unmarshal(payload, &p); err != nil || p.Path == "" {
		h.log.Warn().RawJSON("payload", payload).Msg("bad app start request")
		return
	}
	// Spawning may fork and wire pipes; keep it off the dispatch
	// goroutine so other subscribers are not held up.
	go func() {
		if _, err := h.sup.Spawn(context.Background(), p.Path, nil); err != nil {
			h.log.Error().Err(err).Str("path", p.Path).Msg("app start failed")
		}
	}()
}

func (h *Handlers) stopApp(payload json.RawMessage) {
	var p pathParams
	if err := json.Unmarshal(payload, &p); err != nil || p.Path == "" {
		h.log.Warn().RawJSON("payload", payload).Msg("bad app stop request")
		return
	}
	if err := h.sup.Stop(p.Path); err != nil {
		h.log.Warn().Err(err).Str("path", p.Path).Msg("app stop failed")
	}
}

type requestParams struct {
	RequestID string `json:"requestId"`
}

func (h *Handlers) listRunning(payload json.RawMessage) {
	var p requestParams
	if err := json.Unmarshal(payload, &p); err != nil || p.RequestID == "" {
		return
	}
	running := h.sup.ListRunning()
	if running == nil {
		running = []string{}
	}
	h.respond(EventListRunningResp, p.RequestID, running, nil)
}

type createPanelParams struct {
	RequestID string `json:"requestId"`
	Title     string `json:"title"`
	Position  string `json:"position"`
}

func (h *Handlers) createPanel(payload json.RawMessage) {
	var p createPanelParams
	if err := json.Unmarshal(payload, &p); err != nil || p.RequestID == "" {
		return
	}
	id, err := h.reg.CreateDynamic(surface.CreateOptions{Title: p.Title, Position: p.Position})
	h.respond(EventCreatePanelResp, p.RequestID, id, err)
}

type renderParams struct {
	Target  string `json:"target"`
	Content string `json:"content"`
}

func (h *Handlers) render(payload json.RawMessage) {
	var p renderParams
	if err := json.Unmarshal(payload, &p); err != nil || p.Target == "" {
		h.log.Warn().RawJSON("payload", payload).Msg("bad render request")
		return
	}
	// Render may suspend until the target surface comes up; never
	// block the dispatch goroutine on it.
	go func() {
		if err := h.reg.Render(context.Background(), p.Target, p.Content); err != nil {
			h.log.Error().Err(err).Str("target", p.Target).Msg("render failed")
		}
	}()
}

type readFileParams struct {
	RequestID string `json:"requestId"`
	Path      string `json:"path"`
}

func (h *Handlers) readFile(payload json.RawMessage) {
	var p readFileParams
	if err := json.Unmarshal(payload, &p); err != nil || p.RequestID == "" {
		return
	}
	data, err := h.readConfined(p.Path)
	if err != nil {
		h.respond(EventReadFileResp, p.RequestID, nil, err)
		return
	}
	h.respond(EventReadFileResp, p.RequestID, string(data), nil)
}

// readConfined reads a file addressed relative to the workspace root
// and refuses paths that escape it.
func (h *Handlers) readConfined(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	abs := filepath.Clean(filepath.Join(h.root, path))
	rel, err := filepath.Rel(h.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("path escapes workspace: %s", path)
	}
	return os.ReadFile(abs)
}

func (h *Handlers) respond(event, requestID string, result any, err error) {
	resp := map[string]any{"requestId": requestID}
	if err != nil {
		resp["error"] = err.Error()
	} else {
		resp["result"] = result
	}
	if perr := h.bus.Publish(event, resp); perr != nil {
		h.log.Error().Err(perr).Str("event", event).Msg("response publish failed")
	}
}
