package sink

import "sort"

// BufferedFrame is one decoded audio frame plus its precomputed local
// playout deadline: source_to_local(timestamp) + targetBufferMs.
type BufferedFrame struct {
	Data        []byte
	Sequence    uint32
	PlayAtLocal float64
}

// JitterBuffer is a sorted sequence of buffered frames ordered by
// ascending PlayAtLocal, ties broken by Sequence. Insertion is by
// binary search rather than append, since frames can arrive out of
// order even over a reliable, ordered transport (reconnection,
// per-sink retransmit queues at higher layers).
type JitterBuffer struct {
	maxBufferMs float64

	frames  []BufferedFrame
	lastSeq int64 // -1 means "no frame seen yet"
	dropped uint64
	late    uint64
}

// NewJitterBuffer returns an empty buffer that evicts down to a
// maxBufferMs span.
func NewJitterBuffer(maxBufferMs float64) *JitterBuffer {
	return &JitterBuffer{
		maxBufferMs: maxBufferMs,
		lastSeq:     -1,
	}
}

// Accept applies four steps, in order, to one incoming chunk:
// sequence-gap accounting, late-drop, ordered insertion, and overflow
// trim. localNow is the sink's current monotonic clock reading in
// milliseconds.
func (b *JitterBuffer) Accept(frame BufferedFrame, localNow float64) {
	if b.lastSeq >= 0 {
		seq := int64(frame.Sequence)
		if seq != b.lastSeq+1 {
			gap := seq - b.lastSeq - 1
			if gap > 0 {
				b.dropped += uint64(gap)
			}
		}
	}
	b.lastSeq = int64(frame.Sequence)

	if frame.PlayAtLocal < localNow {
		b.late++
		return
	}

	b.insert(frame)
	b.trimOverflow()
}

// insert places frame at the position that keeps b.frames sorted by
// PlayAtLocal ascending (ties by Sequence), via binary search.
func (b *JitterBuffer) insert(frame BufferedFrame) {
	i := sort.Search(len(b.frames), func(i int) bool {
		f := b.frames[i]
		if f.PlayAtLocal != frame.PlayAtLocal {
			return f.PlayAtLocal > frame.PlayAtLocal
		}
		return f.Sequence > frame.Sequence
	})
	b.frames = append(b.frames, BufferedFrame{})
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = frame
}

// trimOverflow evicts from the front (oldest) while the buffer's span
// exceeds maxBufferMs. Front, not back: newest data is most valuable.
func (b *JitterBuffer) trimOverflow() {
	for len(b.frames) > 1 {
		span := b.frames[len(b.frames)-1].PlayAtLocal - b.frames[0].PlayAtLocal
		if span <= b.maxBufferMs {
			return
		}
		b.frames = b.frames[1:]
		b.dropped++
	}
}

// DrainReady removes and returns every frame whose PlayAtLocal is at
// or before localNow, in playout order.
func (b *JitterBuffer) DrainReady(localNow float64) []BufferedFrame {
	i := 0
	for i < len(b.frames) && b.frames[i].PlayAtLocal <= localNow {
		i++
	}
	if i == 0 {
		return nil
	}
	ready := b.frames[:i]
	b.frames = b.frames[i:]
	return ready
}

// Len reports the number of frames currently buffered.
func (b *JitterBuffer) Len() int { return len(b.frames) }

// Dropped reports the cumulative count of frames never delivered to
// playback: sequence gaps plus overflow evictions.
func (b *JitterBuffer) Dropped() uint64 { return b.dropped }

// Late reports the cumulative count of frames discarded for arriving
// past their playout deadline.
func (b *JitterBuffer) Late() uint64 { return b.late }

// LastSequence reports the most recently accepted sequence number, or
// -1 if none has been seen yet.
func (b *JitterBuffer) LastSequence() int64 { return b.lastSeq }
