package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/appdeck-ai/appdeck/internal/bus"
	"github.com/appdeck-ai/appdeck/internal/logging"
)

// SSEHeartbeatInterval is the interval for SSE heartbeat comments.
const SSEHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE record: event name, JSON data, blank line.
func (s *sseWriter) writeEvent(env bus.Envelope) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", env.Event, env.Payload); err != nil {
		return err
	}
	// ResponseController flushes through middleware wrappers; fall back
	// to the plain flusher if it refuses.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// events streams every bus envelope to the client until it disconnects.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	// Small buffer keeps streaming low-latency; a stalled client drops
	// events rather than stalling the bus.
	envelopes := make(chan bus.Envelope, 10)
	unsub := s.bus.Subscribe(func(env bus.Envelope) {
		select {
		case envelopes <- env:
		default:
			logging.Warn().
				Str("event", env.Event).
				Msg("sse event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(SSEHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env := <-envelopes:
			if err := sse.writeEvent(env); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
