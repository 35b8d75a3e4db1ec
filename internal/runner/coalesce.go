package runner

import (
	"sync"
	"time"
)

const (
	DefaultFlushInterval = 50 * time.Millisecond

	// maxPending bounds the output held between flushes. Older bytes are
	// dropped first, matching the tail a room keeps anyway.
	maxPending = 64 * 1024

	truncatedMarker = "[output truncated]\n"
)

// coalescer batches a session's output so that a program printing in a
// tight loop produces at most one event per flush interval.
type coalescer struct {
	mu        sync.Mutex
	buf       []byte
	truncated bool

	flush func(chunk string)
	stop  chan struct{}
	done  chan struct{}
}

func newCoalescer(interval time.Duration, flush func(string)) *coalescer {
	c := &coalescer{
		flush: flush,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.loop(interval)
	return c
}

func (c *coalescer) write(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, chunk...)
	if len(c.buf) > maxPending {
		kept := make([]byte, maxPending, 2*maxPending)
		copy(kept, c.buf[len(c.buf)-maxPending:])
		c.buf = kept
		c.truncated = true
	}
}

func (c *coalescer) take() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf) == 0 {
		return ""
	}
	out := string(c.buf)
	if c.truncated {
		out = truncatedMarker + out
	}
	c.buf = c.buf[:0]
	c.truncated = false
	return out
}

func (c *coalescer) loop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if chunk := c.take(); chunk != "" {
				c.flush(chunk)
			}
		case <-c.stop:
			if chunk := c.take(); chunk != "" {
				c.flush(chunk)
			}
			return
		}
	}
}

// close flushes what is left and returns once no more flushes can happen.
func (c *coalescer) close() {
	close(c.stop)
	<-c.done
}
