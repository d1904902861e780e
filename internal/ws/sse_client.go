package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// retryHintMillis tells EventSource clients how long to wait before reconnecting.
const retryHintMillis = 3000

// SSEClient is a Server-Sent Events subscriber. Every data frame carries an increasing id so
// browsers can report the last frame they saw.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     uint64
	closed  bool
	last    time.Time
}

// NewSSEClient builds an SSE subscriber over w.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{w: w, flusher: flusher, log: logger, last: time.Now().UTC()}
}

// Send emits one data frame.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(func() error {
		c.seq++
		if c.seq == 1 {
			if _, err := fmt.Fprintf(c.w, "retry: %d\n", retryHintMillis); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(c.w, "id: %d\ndata: %s\n\n", c.seq, payload)
		return err
	})
}

// Heartbeat emits a comment frame so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	return c.write(func() error {
		_, err := io.WriteString(c.w, ": ping\n\n")
		return err
	})
}

func (c *SSEClient) write(frame func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if err := frame(); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream closed; later writes return io.EOF.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// LastActivity reports when the last frame was written.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
