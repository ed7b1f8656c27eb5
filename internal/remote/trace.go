package remote

import (
	"slices"
	"time"
)

// TraceEntry records one attempted remote command. The trace is diagnostics
// only and is never persisted.
type TraceEntry struct {
	Command  string
	OK       bool
	Duration time.Duration
}

func (c *Client) record(command string, ok bool, d time.Duration) {
	c.mu.Lock()
	c.trace = append(c.trace, TraceEntry{Command: command, OK: ok, Duration: d})
	c.mu.Unlock()

	if ok {
		c.logger.Debug("remote command succeeded", "command", command, "duration", d)
	} else {
		c.logger.Warn("remote command failed", "command", command, "duration", d)
	}
}

// Trace returns the commands attempted on this connection, in execution
// order.
func (c *Client) Trace() []TraceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.trace)
}
