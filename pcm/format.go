// Package pcm re-chunks a raw byte stream into the fixed-size PCM
// frames this system moves end to end.
package pcm

// Format describes the session-wide PCM framing. A roomcast session
// has exactly one Format, announced once by the source and validated
// once by the sink.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
	ChunkMs    int
}

// SamplesPerFrame returns the number of interleaved samples (across
// all channels) in one frame.
func (f Format) SamplesPerFrame() int {
	sr := f.SampleRate
	if sr < 1 {
		sr = 1
	}
	ch := f.Channels
	if ch < 1 {
		ch = 1
	}
	return sr * f.ChunkMs / 1000 * ch
}

// BytesPerFrame returns the byte size of one frame at this format.
func (f Format) BytesPerFrame() int {
	bytesPerSample := f.BitDepth / 8
	if bytesPerSample < 1 {
		bytesPerSample = 1
	}
	return f.SamplesPerFrame() * bytesPerSample
}

// Equal reports whether two formats describe the same wire framing. A
// sink uses this to validate the source's announced server_info
// against its own configured constants, disconnecting on a mismatch.
func (f Format) Equal(other Format) bool {
	return f.SampleRate == other.SampleRate &&
		f.Channels == other.Channels &&
		f.BitDepth == other.BitDepth &&
		f.ChunkMs == other.ChunkMs
}
