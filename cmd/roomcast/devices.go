package main

import (
	"context"
	"math"
	"time"

	"roomcast/pcm"
)

// toneCapture is a deterministic capture shim: it synthesizes a sine
// wave instead of reading a real device, so source.Scheduler is
// runnable end to end without platform audio.
type toneCapture struct {
	format    pcm.Format
	freqHz    float64
	sample    int
	chunkTime time.Duration
}

func newToneCapture(format pcm.Format, freqHz float64) *toneCapture {
	return &toneCapture{
		format:    format,
		freqHz:    freqHz,
		chunkTime: time.Duration(format.ChunkMs) * time.Millisecond,
	}
}

func (t *toneCapture) Read(ctx context.Context, buf []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(t.chunkTime):
	}

	bytesPerSample := t.format.BitDepth / 8
	frameSamples := t.format.SamplesPerFrame() / t.format.Channels
	for i := 0; i < frameSamples; i++ {
		angle := 2 * math.Pi * t.freqHz * float64(t.sample) / float64(t.format.SampleRate)
		v := int16(math.Sin(angle) * 0.2 * math.MaxInt16)
		for ch := 0; ch < t.format.Channels; ch++ {
			off := (i*t.format.Channels + ch) * bytesPerSample
			if off+1 >= len(buf) {
				continue
			}
			buf[off] = byte(uint16(v))
			buf[off+1] = byte(uint16(v) >> 8)
		}
		t.sample++
	}
	return nil
}

func (t *toneCapture) Close() error { return nil }

// discardPlayback is a playback shim that drops every frame on the
// floor, standing in for a real OS output device.
type discardPlayback struct{}

func (discardPlayback) Write(ctx context.Context, frame []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (discardPlayback) Close() error { return nil }
