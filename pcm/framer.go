package pcm

import (
	"errors"
	"io"
)

// Framer re-chunks an opaque capture byte stream into bytesPerChunk
// blocks, in order, losslessly. It holds at most one partially-filled
// internal buffer, bounded to 2*bytesPerChunk.
type Framer struct {
	bytesPerChunk int
	buf           []byte
}

// NewFramer returns a Framer that emits bytesPerChunk-sized blocks.
func NewFramer(bytesPerChunk int) *Framer {
	if bytesPerChunk < 1 {
		bytesPerChunk = 1
	}
	return &Framer{
		bytesPerChunk: bytesPerChunk,
		buf:           make([]byte, 0, 2*bytesPerChunk),
	}
}

// Push appends newly read bytes and returns every whole frame now
// available, in order. The remainder (smaller than bytesPerChunk)
// stays buffered for the next call.
func (f *Framer) Push(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	f.buf = append(f.buf, data...)

	var frames [][]byte
	for len(f.buf) >= f.bytesPerChunk {
		frame := make([]byte, f.bytesPerChunk)
		copy(frame, f.buf[:f.bytesPerChunk])
		frames = append(frames, frame)
		f.buf = f.buf[f.bytesPerChunk:]
	}
	// Re-anchor to avoid the backing array growing unbounded across
	// many Push calls that each leave a small remainder.
	if len(f.buf) > 0 {
		rest := make([]byte, len(f.buf))
		copy(rest, f.buf)
		f.buf = rest
	} else {
		f.buf = f.buf[:0]
	}
	return frames
}

// Flush returns the trailing partial block, if any, and clears it.
// Called once the capture stream ends: a trailing partial block is
// still emitted, not discarded.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	rest := f.buf
	f.buf = nil
	return rest
}

// FrameReader drains an io.Reader through a Framer, calling emit for
// every whole frame and, once the reader reports io.EOF, for the final
// partial block (if non-empty). It returns any non-EOF read error.
func FrameReader(r io.Reader, bytesPerChunk int, emit func([]byte)) error {
	framer := NewFramer(bytesPerChunk)
	buf := make([]byte, bytesPerChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range framer.Push(buf[:n]) {
				emit(frame)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if tail := framer.Flush(); tail != nil {
					emit(tail)
				}
				return nil
			}
			return err
		}
	}
}
