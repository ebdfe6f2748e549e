// Package source implements the source-side capture-and-fanout
// scheduler: one continuous capture stream, stamped with the source's
// local clock and broadcast verbatim to every sink that has completed
// sync and declared itself ready.
package source

import "context"

// Capture abstracts the host audio input device. A real implementation
// wraps whatever OS capture API is available; roomcast ships a
// deterministic tone-generator implementation (cmd/roomcast) so the
// scheduler is exercisable without real hardware.
type Capture interface {
	// Read fills buf with exactly len(buf) bytes of captured PCM, or
	// returns a non-nil error. Read blocks until the buffer is full,
	// ctx is canceled, or the device fails.
	Read(ctx context.Context, buf []byte) error
	// Close releases the device.
	Close() error
}
