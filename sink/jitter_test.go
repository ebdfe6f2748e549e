package sink

import (
	"testing"

	"pgregory.net/rapid"
)

func isSorted(b *JitterBuffer) bool {
	for i := 1; i < len(b.frames); i++ {
		if b.frames[i-1].PlayAtLocal > b.frames[i].PlayAtLocal {
			return false
		}
	}
	return true
}

// TestJitterBufferInvariants checks that after any sequence of
// insertions, the buffer stays sorted by PlayAtLocal, its span never
// exceeds maxBufferMs, and no frame with PlayAtLocal < its
// insertion-time local_now survives.
func TestJitterBufferInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxBufferMs := rapid.Float64Range(20, 500).Draw(t, "maxBufferMs")
		jb := NewJitterBuffer(maxBufferMs)

		n := rapid.IntRange(0, 50).Draw(t, "n")
		localNow := 0.0
		// insertedAt[i] is the local_now passed to Accept for frame i,
		// whose Data carries i so it can be identified in the buffer.
		insertedAt := make([]float64, n)
		for i := 0; i < n; i++ {
			localNow += rapid.Float64Range(0, 10).Draw(t, "dt")
			seq := rapid.Uint32Range(0, 1000).Draw(t, "seq")
			playAt := localNow + rapid.Float64Range(-20, 500).Draw(t, "playAtDelta")

			insertedAt[i] = localNow
			jb.Accept(BufferedFrame{Data: []byte{byte(i)}, Sequence: seq, PlayAtLocal: playAt}, localNow)

			if !isSorted(jb) {
				t.Fatalf("buffer not sorted after insertion %d: %+v", i, jb.frames)
			}
			if len(jb.frames) > 1 {
				span := jb.frames[len(jb.frames)-1].PlayAtLocal - jb.frames[0].PlayAtLocal
				if span > maxBufferMs+1e-9 {
					t.Fatalf("buffer span %v exceeds maxBufferMs %v", span, maxBufferMs)
				}
			}
			for _, f := range jb.frames {
				at := insertedAt[f.Data[0]]
				if f.PlayAtLocal < at {
					t.Fatalf("frame with play_at_local %v < insertion time %v survived", f.PlayAtLocal, at)
				}
			}
		}
	})
}

// TestLostChunksGapAccounting checks that a gap in the sequence stream
// is counted as dropped frames once frames on either side arrive.
func TestLostChunksGapAccounting(t *testing.T) {
	jb := NewJitterBuffer(10000)
	for _, seq := range append(seqRange(0, 9), seqRange(20, 29)...) {
		jb.Accept(BufferedFrame{Sequence: seq, PlayAtLocal: float64(seq) * 20}, 0)
	}
	if jb.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", jb.Dropped())
	}
	if jb.LastSequence() != 29 {
		t.Errorf("lastSeq = %d, want 29", jb.LastSequence())
	}
	if jb.Late() != 0 {
		t.Errorf("late = %d, want 0", jb.Late())
	}
}

func seqRange(lo, hi uint32) []uint32 {
	out := make([]uint32, 0, hi-lo+1)
	for s := lo; s <= hi; s++ {
		out = append(out, s)
	}
	return out
}

// TestLateArrivalDropped checks that a frame whose PlayAtLocal has
// already passed is dropped rather than inserted.
func TestLateArrivalDropped(t *testing.T) {
	jb := NewJitterBuffer(10000)
	jb.Accept(BufferedFrame{Sequence: 0, PlayAtLocal: 95}, 100)
	if jb.Len() != 0 {
		t.Errorf("late frame was inserted: len = %d, want 0", jb.Len())
	}
	if jb.Late() != 1 {
		t.Errorf("late = %d, want 1", jb.Late())
	}
}

// TestOverflowTrim checks that inserting frames spanning more than
// maxBufferMs trims the buffer back under the span limit.
func TestOverflowTrim(t *testing.T) {
	jb := NewJitterBuffer(200)
	for i := 0; i < 20; i++ {
		playAt := float64(i) * (400.0 / 19)
		jb.Accept(BufferedFrame{Sequence: uint32(i), PlayAtLocal: playAt}, 0)
	}
	if jb.Len() == 0 {
		t.Fatal("buffer emptied entirely")
	}
	span := jb.frames[len(jb.frames)-1].PlayAtLocal - jb.frames[0].PlayAtLocal
	if span > 200 {
		t.Errorf("span = %v, want <= 200", span)
	}
	if jb.Dropped() == 0 {
		t.Error("expected dropped > 0 from overflow trim")
	}
}

// TestDrainReadyOrder checks DrainReady hands frames to playback in
// ascending PlayAtLocal order and leaves later frames buffered.
func TestDrainReadyOrder(t *testing.T) {
	jb := NewJitterBuffer(10000)
	jb.Accept(BufferedFrame{Sequence: 2, PlayAtLocal: 40}, 0)
	jb.Accept(BufferedFrame{Sequence: 0, PlayAtLocal: 10}, 0)
	jb.Accept(BufferedFrame{Sequence: 1, PlayAtLocal: 20}, 0)

	ready := jb.DrainReady(25)
	if len(ready) != 2 {
		t.Fatalf("DrainReady(25) returned %d frames, want 2", len(ready))
	}
	if ready[0].Sequence != 0 || ready[1].Sequence != 1 {
		t.Fatalf("DrainReady order = %+v, want sequences [0 1]", ready)
	}
	if jb.Len() != 1 {
		t.Fatalf("buffer has %d frames left, want 1", jb.Len())
	}
}
