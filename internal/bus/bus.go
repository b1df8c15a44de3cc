// Package bus provides the message bus at the center of the fabric,
// built on watermill infrastructure. Publishing persists through the
// event store; subscriber fan-out is driven exclusively by the signal
// watcher's notifications, so messages published by any participant
// (host-local or another process writing the store directly) are
// observed identically.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/appdeck-ai/appdeck/internal/logging"
	"github.com/appdeck-ai/appdeck/internal/store"
)

// Envelope is the {event, payload} pair moved across every transport.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope, validating the event name and
// encoding the payload.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if err := store.ValidateName(event); err != nil {
		return Envelope{}, err
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode payload for %s: %w", event, err)
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// Subscriber is a function that receives envelopes.
type Subscriber func(env Envelope)

// subscriberEntry wraps a subscriber with an ID so unsubscribe closures
// can remove exactly their own registration.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the message bus. It persists publishes through the event
// store and fans observed changes out to subscribers.
type Bus struct {
	store *store.Store
	log   zerolog.Logger

	// Watermill pub/sub infrastructure; Notify mirrors every observed
	// envelope into it so middleware or alternative backends can tap
	// the stream without touching the direct subscriber list.
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	subs   []subscriberEntry
	nextID uint64
	closed bool
}

// New creates a bus writing through the given store.
func New(st *store.Store) *Bus {
	return &Bus{
		store: st,
		log:   logging.ForComponent("bus"),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
	}
}

// Publish persists an envelope. It is best-effort: a malformed event
// name is the caller's error and is returned, but a persistence failure
// is logged and swallowed so publishing is never fatal to the caller.
// Subscribers are NOT invoked here; the watcher observing the store is
// the sole fan-out trigger.
func (b *Bus) Publish(event string, payload any) error {
	if err := store.ValidateName(event); err != nil {
		return err
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", event, err)
	}

	if err := b.store.Write(event, raw); err != nil {
		b.log.Error().Err(err).Str("event", event).Msg("publish dropped: store write failed")
	}
	return nil
}

// Subscribe registers a subscriber for every event and returns an
// unsubscribe function. Host-internal listeners typically never call it.
func (b *Bus) Subscribe(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriberEntry{id: id, fn: fn})

	return func() {
		b.unsubscribe(id)
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.subs {
		if entry.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// Notify delivers an observed envelope to every subscriber in
// registration order. It is invoked by the signal watcher from a single
// goroutine, which is what gives per-event-name delivery its ordering.
// A panicking subscriber is isolated so the rest still run.
func (b *Bus) Notify(event string, payload json.RawMessage) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, len(b.subs))
	for i, entry := range b.subs {
		subs[i] = entry.fn
	}
	b.mu.RUnlock()

	env := Envelope{Event: event, Payload: payload}
	for _, fn := range subs {
		b.deliver(fn, env)
	}

	if data, err := json.Marshal(env); err == nil {
		if err := b.pubsub.Publish(event, message.NewMessage(watermill.NewUUID(), data)); err != nil {
			b.log.Debug().Err(err).Str("event", event).Msg("watermill mirror publish failed")
		}
	}
}

// deliver invokes one subscriber, containing panics.
func (b *Bus) deliver(fn Subscriber, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", env.Event).Any("panic", r).Msg("subscriber panicked")
		}
	}()
	fn(env)
}

// PubSub returns the underlying watermill GoChannel for advanced use
// cases such as middleware or switching to a distributed backend.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Store returns the backing event store.
func (b *Bus) Store() *store.Store {
	return b.store
}

// Close shuts the bus down; subsequent publishes and notifies are
// dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// marshalPayload encodes a payload once for persistence, passing
// through payloads that are already raw JSON.
func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case nil:
		return json.RawMessage("null"), nil
	default:
		return json.Marshal(payload)
	}
}
