// Package sink implements the user-visible message stream: a
// multi-producer, single-consumer channel that the per-file download tasks
// write status lines into, decoupling their reporting from whatever
// actually renders it (a CLI, a log file, a test spy).
package sink

import "fmt"

// Sink is the external collaborator components report human-readable
// progress and status to. It never blocks component logic on a slow
// consumer for long: implementations should keep their channel buffered.
type Sink interface {
	Printf(format string, args ...any)
}

// Channel is a Sink backed by a buffered channel of pre-rendered lines. A
// single consumer goroutine drains Lines(); producers that would overflow
// the buffer drop the line rather than block, since a missed status line
// is preferable to stalling a download task.
type Channel struct {
	lines chan string
}

// NewChannel constructs a Channel-backed Sink with the given buffer depth.
func NewChannel(buffer int) *Channel {
	return &Channel{lines: make(chan string, buffer)}
}

// Printf renders format/args and enqueues the result, dropping it silently
// if the buffer is full.
func (c *Channel) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	select {
	case c.lines <- line:
	default:
	}
}

// Lines returns the channel producers write into; the sole consumer ranges
// over it until Close.
func (c *Channel) Lines() <-chan string {
	return c.lines
}

// Close signals the consumer that no further lines will be produced.
func (c *Channel) Close() {
	close(c.lines)
}
