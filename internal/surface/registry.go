// Package surface provides the UI surface registry. Surfaces are
// embedded rendering targets: statically-anchored ones are known by id
// before the host materializes them, dynamic ones are created on
// demand. The registry mediates readiness, renders content, and
// bridges surface-originated messages into the message bus.
package surface

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/logging"
)

// ErrNoSurface indicates a render or post against an unknown surface id.
var ErrNoSurface = errors.New("no such surface")

// Kind distinguishes statically-anchored from dynamically-created
// surfaces.
type Kind string

const (
	Static  Kind = "static"
	Dynamic Kind = "dynamic"
)

// Handle is the host-side embedding of a rendering surface.
type Handle interface {
	// Load replaces the surface's content.
	Load(html string) error
	// Post delivers an envelope to the surface's inbound channel.
	Post(env bus.Envelope) error
	// OnMessage registers the receiver for surface-originated envelopes.
	OnMessage(fn func(env bus.Envelope))
}

// CreateOptions configures a dynamic surface.
type CreateOptions struct {
	Title    string `json:"title"`
	Position string `json:"position"`
}

// Factory creates the host handle for a dynamic surface.
type Factory func(opts CreateOptions) (Handle, error)

// ResolveFunc triggers whatever host action makes a pending static
// surface visible, forcing its resolution.
type ResolveFunc func(id string)

// Info describes a registered surface for inspection.
type Info struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Ready bool   `json:"ready"`
}

type record struct {
	id     string
	kind   Kind
	handle Handle
	ready  bool
}

// Config holds registry configuration.
type Config struct {
	// StaticIDs are pre-registered as pending before their handles
	// exist.
	StaticIDs []string
	// Resolve forces a pending static surface to materialize.
	Resolve ResolveFunc
	// Factory creates dynamic surface handles.
	Factory Factory
	// Assets rewrites relative resource references; nil leaves them
	// untouched.
	Assets AssetResolver
}

// Registry tracks surfaces and their readiness.
type Registry struct {
	bus      *bus.Bus
	log      zerolog.Logger
	resolve  ResolveFunc
	factory  Factory
	rewriter *Rewriter

	mu       sync.Mutex
	surfaces map[string]*record
	// waits holds the readiness future per static id, re-armed on each
	// disposal; fulfilled exactly once per readiness cycle.
	waits map[string]chan struct{}
}

// NewRegistry creates a registry publishing surface messages to the
// given bus. Every configured static id starts pending with an armed
// readiness future.
func NewRegistry(cfg Config, b *bus.Bus) *Registry {
	r := &Registry{
		bus:      b,
		log:      logging.ForComponent("surfaces"),
		resolve:  cfg.Resolve,
		factory:  cfg.Factory,
		rewriter: NewRewriter(cfg.Assets),
		surfaces: make(map[string]*record),
		waits:    make(map[string]chan struct{}),
	}
	for _, id := range cfg.StaticIDs {
		r.surfaces[id] = &record{id: id, kind: Static}
		r.waits[id] = make(chan struct{})
	}
	return r
}

// RegisterStatic records the resolved handle for a static surface,
// fulfills any outstanding readiness wait, and wires the surface's
// inbound messages into the bus.
func (r *Registry) RegisterStatic(id string, h Handle) error {
	r.mu.Lock()
	rec, ok := r.surfaces[id]
	if !ok || rec.kind != Static {
		r.mu.Unlock()
		return fmt.Errorf("%w: static %s", ErrNoSurface, id)
	}
	if rec.ready {
		// Only pending→ready is legal; the wait for this cycle is
		// already fulfilled and must not be closed again.
		r.mu.Unlock()
		return fmt.Errorf("surface already resolved: %s", id)
	}
	rec.handle = h
	rec.ready = true
	wait := r.waits[id]
	r.mu.Unlock()

	r.wire(id, h)
	close(wait)

	r.log.Info().Str("surface", id).Msg("static surface resolved")
	return nil
}

// DisposeStatic marks a static surface gone and re-arms a fresh
// readiness wait; the surface may reappear later.
func (r *Registry) DisposeStatic(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.surfaces[id]
	if !ok || rec.kind != Static {
		return
	}
	rec.handle = nil
	rec.ready = false
	r.waits[id] = make(chan struct{})

	r.log.Info().Str("surface", id).Msg("static surface disposed")
}

// CreateDynamic creates a surface via the host factory and returns its
// fresh id. Dynamic surfaces are born ready; disposal is permanent.
func (r *Registry) CreateDynamic(opts CreateOptions) (string, error) {
	if r.factory == nil {
		return "", errors.New("no dynamic surface factory configured")
	}

	h, err := r.factory(opts)
	if err != nil {
		return "", fmt.Errorf("failed to create surface: %w", err)
	}

	id := ulid.Make().String()
	r.mu.Lock()
	r.surfaces[id] = &record{id: id, kind: Dynamic, handle: h, ready: true}
	r.mu.Unlock()

	r.wire(id, h)

	r.log.Info().Str("surface", id).Str("title", opts.Title).Msg("dynamic surface created")
	return id, nil
}

// DisposeDynamic removes a dynamic surface permanently.
func (r *Registry) DisposeDynamic(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.surfaces[id]; ok && rec.kind == Dynamic {
		delete(r.surfaces, id)
		r.log.Info().Str("surface", id).Msg("dynamic surface disposed")
	}
}

// Render loads content into the target surface. A static surface that
// is not yet ready is first forced to resolve, then awaited; the wait
// has no deadline of its own and ends only with readiness or ctx
// cancellation. Content is rewritten (relative resource references,
// messaging shim) before loading.
func (r *Registry) Render(ctx context.Context, id, content string) error {
	var h Handle
	for {
		r.mu.Lock()
		rec, ok := r.surfaces[id]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNoSurface, id)
		}
		if rec.ready {
			h = rec.handle
			r.mu.Unlock()
			break
		}
		wait := r.waits[id]
		r.mu.Unlock()

		if r.resolve != nil {
			r.resolve(id)
		}
		select {
		case <-wait:
			// Resolved; loop to pick up the handle (it may have been
			// disposed again in between).
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	html, err := r.rewriter.Rewrite(content)
	if err != nil {
		return fmt.Errorf("failed to rewrite content: %w", err)
	}
	return h.Load(html)
}

// Broadcast delivers an envelope to every ready surface; pending
// surfaces are skipped.
func (r *Registry) Broadcast(event string, payload any) {
	env, err := bus.NewEnvelope(event, payload)
	if err != nil {
		r.log.Warn().Err(err).Str("event", event).Msg("surface broadcast dropped")
		return
	}

	// Snapshot the handles themselves: record fields may be rewritten
	// by a concurrent disposal once the lock is released.
	type target struct {
		id string
		h  Handle
	}
	r.mu.Lock()
	var targets []target
	for _, rec := range r.surfaces {
		if rec.ready && rec.handle != nil {
			targets = append(targets, target{id: rec.id, h: rec.handle})
		}
	}
	r.mu.Unlock()

	for _, t := range targets {
		if err := t.h.Post(env); err != nil {
			r.log.Warn().Err(err).Str("surface", t.id).Str("event", event).Msg("surface delivery failed")
		}
	}
}

// List describes all registered surfaces, sorted by id.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.surfaces))
	for _, rec := range r.surfaces {
		infos = append(infos, Info{ID: rec.id, Kind: rec.kind, Ready: rec.ready})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// wire connects a surface's outbound messages to the bus.
func (r *Registry) wire(id string, h Handle) {
	h.OnMessage(func(env bus.Envelope) {
		if err := r.bus.Publish(env.Event, env.Payload); err != nil {
			r.log.Warn().Err(err).Str("surface", id).Str("event", env.Event).Msg("dropping surface message")
		}
	})
}
