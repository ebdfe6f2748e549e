package wire

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// genMessage draws a random Message of a randomly chosen tag, with
// field values within the ranges Encode/Decode actually support.
func genMessage(t *rapid.T) Message {
	switch rapid.IntRange(0, 5).Draw(t, "which") {
	case 0:
		return ServerInfo{
			SampleRate:      rapid.Uint32().Draw(t, "sampleRate"),
			Channels:        rapid.Uint32Range(0, 8).Draw(t, "channels"),
			BitDepth:        rapid.Uint32Range(0, 64).Draw(t, "bitDepth"),
			ChunkDurationMs: rapid.Uint32Range(0, 1000).Draw(t, "chunkDurationMs"),
			ServerStartTime: rapid.Float64().Draw(t, "serverStartTime"),
		}
	case 1:
		return SyncRequest{T1: rapid.Float64().Draw(t, "t1")}
	case 2:
		return SyncResponse{
			T1: rapid.Float64().Draw(t, "t1"),
			T2: rapid.Float64().Draw(t, "t2"),
			T3: rapid.Float64().Draw(t, "t3"),
		}
	case 3:
		return AudioChunk{
			Timestamp: rapid.Float64().Draw(t, "timestamp"),
			Sequence:  rapid.Uint32().Draw(t, "sequence"),
			Data:      rapid.SliceOf(rapid.Byte()).Draw(t, "data"),
		}
	case 4:
		return ClientReady{ClientID: rapid.StringN(0, 32, 64).Draw(t, "clientId")}
	default:
		return Error{Message: rapid.StringN(0, 32, 64).Draw(t, "message")}
	}
}

func TestCodecRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := genMessage(t)

		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		switch want := m.(type) {
		case AudioChunk:
			g, ok := got.(AudioChunk)
			if !ok {
				t.Fatalf("decoded type %T, want AudioChunk", got)
			}
			if g.Timestamp != want.Timestamp || g.Sequence != want.Sequence || !bytes.Equal(g.Data, want.Data) {
				t.Fatalf("round-trip mismatch: got %+v, want %+v", g, want)
			}
		default:
			if got != m {
				t.Fatalf("round-trip mismatch: got %+v, want %+v", got, m)
			}
		}
	})
}

func TestDecodeUnknownTag(t *testing.T) {
	e := &encoder{}
	e.writeMapHeader(1)
	e.field("tag", func() { e.writeString("not_a_real_tag") })

	_, err := Decode(e.buf)
	if err == nil {
		t.Fatal("expected an error decoding an unknown tag")
	}
	if _, ok := err.(*MalformedMessage); !ok {
		t.Fatalf("expected *MalformedMessage, got %T", err)
	}
}

func TestDecodeMissingField(t *testing.T) {
	e := &encoder{}
	e.writeMapHeader(1)
	e.field("tag", func() { e.writeString(string(TagSyncRequest)) })
	// t1 deliberately omitted.

	_, err := Decode(e.buf)
	if err == nil {
		t.Fatal("expected an error decoding a sync_request with no t1")
	}
}

func TestDecodeTruncated(t *testing.T) {
	data, err := Encode(AudioChunk{Timestamp: 1, Sequence: 2, Data: []byte("hello world")})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, err = Decode(data[:len(data)-3])
	if err == nil {
		t.Fatal("expected an error decoding truncated bytes")
	}
}
