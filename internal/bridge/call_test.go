package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/store"
)

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(store.New(t.TempDir(), 0))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// requestID reads back the persisted request and extracts its
// correlation id.
func requestID(t *testing.T, b *bus.Bus, event string) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		payload, err := b.Store().Read(event)
		if err != nil {
			return false
		}
		var p struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
			return false
		}
		id = p.RequestID
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func respond(t *testing.T, b *bus.Bus, event string, resp Response) {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	b.Notify(event, data)
}

func TestCallReturnsMatchingResult(t *testing.T) {
	b := newBus(t)

	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := Call(context.Background(), b, Request{
			Event:         "math:addRequest",
			ResponseEvent: "math:addResponse",
			Params:        map[string]any{"a": 1, "b": 2},
		})
		done <- result{raw, err}
	}()

	id := requestID(t, b, "math:addRequest")

	// A response with a foreign correlation id must be ignored.
	respond(t, b, "math:addResponse", Response{RequestID: "someone-else", Result: json.RawMessage(`99`)})
	select {
	case r := <-done:
		t.Fatalf("call completed on foreign response: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}

	respond(t, b, "math:addResponse", Response{RequestID: id, Result: json.RawMessage(`3`)})

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.JSONEq(t, `3`, string(r.raw))
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}
}

func TestCallConcurrentCallsStayIsolated(t *testing.T) {
	b := newBus(t)

	results := make(chan string, 2)
	call := func() {
		raw, err := Call(context.Background(), b, Request{
			Event:         "echo:request",
			ResponseEvent: "echo:response",
		})
		if err != nil {
			results <- "err:" + err.Error()
			return
		}
		var s string
		_ = json.Unmarshal(raw, &s)
		results <- s
	}

	go call()
	first := requestID(t, b, "echo:request")
	respond(t, b, "echo:response", Response{RequestID: first, Result: json.RawMessage(`"first"`)})
	assert.Equal(t, "first", <-results)

	go call()
	var second string
	require.Eventually(t, func() bool {
		second = requestID(t, b, "echo:request")
		return second != first
	}, 2*time.Second, 10*time.Millisecond)
	respond(t, b, "echo:response", Response{RequestID: second, Result: json.RawMessage(`"second"`)})
	assert.Equal(t, "second", <-results)
}

func TestCallResponderError(t *testing.T) {
	b := newBus(t)

	done := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), b, Request{
			Event:         "fs:statRequest",
			ResponseEvent: "fs:statResponse",
		})
		done <- err
	}()

	id := requestID(t, b, "fs:statRequest")
	respond(t, b, "fs:statResponse", Response{RequestID: id, Error: "no such file"})

	err := <-done
	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Contains(t, respErr.Error(), "no such file")
}

func TestCallTimesOutWithoutResponder(t *testing.T) {
	b := newBus(t)

	start := time.Now()
	_, err := Call(context.Background(), b, Request{
		Event:         "void:request",
		ResponseEvent: "void:response",
		Timeout:       100 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The subscription is gone; a late response is simply dropped.
	respond(t, b, "void:response", Response{RequestID: "stale", Result: json.RawMessage(`1`)})
}

func TestCallHonorsContext(t *testing.T) {
	b := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Call(ctx, b, Request{
			Event:         "slow:request",
			ResponseEvent: "slow:response",
			Timeout:       time.Minute,
		})
		done <- err
	}()

	requestID(t, b, "slow:request")
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestCallRequiresResponseEvent(t *testing.T) {
	b := newBus(t)
	_, err := Call(context.Background(), b, Request{Event: "fire:and:forget"})
	require.Error(t, err)
}
