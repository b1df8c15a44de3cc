package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/appdeck-ai/appdeck/internal/bus"
)

// maxLine bounds a single inbound envelope line.
const maxLine = 4 * 1024 * 1024

// channel is the host side of a worker's structured message channel:
// newline-delimited JSON envelopes over the child's stdin/stdout.
type channel struct {
	mu    sync.Mutex
	stdin io.WriteCloser
}

// send writes one envelope to the worker's stdin.
func (c *channel) send(env bus.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// close closes the worker's stdin, signalling no further messages.
func (c *channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdin.Close()
}

// readEnvelopes scans newline-delimited envelopes from a worker's
// stdout and hands each to fn. Malformed lines are logged and skipped;
// the loop ends when the stream closes.
func readEnvelopes(r io.Reader, log zerolog.Logger, fn func(bus.Envelope)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env bus.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Warn().Err(err).Msg("malformed worker message")
			continue
		}
		if env.Event == "" {
			log.Warn().Msg("worker message without event name")
			continue
		}
		fn(env)
	}
	if err := scanner.Err(); err != nil {
		log.Debug().Err(err).Msg("worker stream closed")
	}
}

// forwardStderr copies a worker's stderr line by line into the host
// log sink.
func forwardStderr(r io.Reader, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		log.Info().Msg(scanner.Text())
	}
}
