// Package bridge implements the request/response protocol layered on
// the otherwise fire-and-forget bus: a correlation id pairs a request
// event with its response event, raced against a timeout. It also
// provides the host-side handlers answering the reserved bridge:*
// events.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/appdeck-ai/appdeck/internal/bus"
)

// DefaultTimeout bounds a call when the request does not set one.
const DefaultTimeout = 5 * time.Second

// ErrTimeout indicates no matching response arrived in time.
var ErrTimeout = errors.New("request timed out")

// ResponseError is a responder-reported failure, surfaced to the
// caller as a rejected call.
type ResponseError struct {
	Event   string
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Event, e.Message)
}

// Request describes one request/response call.
type Request struct {
	// Event is the request event name.
	Event string
	// ResponseEvent is the event name the response arrives on.
	ResponseEvent string
	// Params are merged into the request payload next to requestId.
	Params map[string]any
	// Timeout defaults to DefaultTimeout when zero.
	Timeout time.Duration
}

// Response is the wire shape of every bridge response: the correlation
// id plus either a result or an error, never both.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Call publishes a request carrying a fresh correlation id and waits
// for the matching response, a timeout, or ctx cancellation. The
// response subscription is torn down on every path, so a duplicate
// response is simply never seen.
func Call(ctx context.Context, b *bus.Bus, req Request) (json.RawMessage, error) {
	if req.ResponseEvent == "" {
		return nil, errors.New("request without response event")
	}

	id := ulid.Make().String()

	ch := make(chan Response, 1)
	unsub := b.Subscribe(func(env bus.Envelope) {
		if env.Event != req.ResponseEvent {
			return
		}
		var resp Response
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return
		}
		if resp.RequestID != id {
			return
		}
		select {
		case ch <- resp:
		default:
		}
	})
	defer unsub()

	payload := make(map[string]any, len(req.Params)+1)
	for k, v := range req.Params {
		payload[k] = v
	}
	payload["requestId"] = id

	if err := b.Publish(req.Event, payload); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, &ResponseError{Event: req.Event, Message: resp.Error}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Event, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
