// Package sink implements the sink-side jitter buffer and
// playout-scheduling session.
package sink

import "context"

// Playback abstracts the host audio output device, mirroring
// source.Capture on the other end of the pipe.
type Playback interface {
	// Write emits exactly one frame of PCM for immediate playout.
	Write(ctx context.Context, frame []byte) error
	// Close releases the device.
	Close() error
}
