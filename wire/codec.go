package wire

import (
	"math"
)

// Byte-layout type codes (MessagePack family).
const (
	codePositiveFixIntMax = 0x7f
	codeFixMapMask        = 0x80
	codeFixMapMax         = 0x8f
	codeFixStrMask        = 0xa0
	codeFixStrMax         = 0xbf
	codeBin8              = 0xc4
	codeBin16             = 0xc5
	codeBin32             = 0xc6
	codeFloat64           = 0xcb
	codeUint8             = 0xcc
	codeUint16            = 0xcd
	codeUint32            = 0xce
	codeStr8              = 0xd9
	codeNegativeFixIntMin = 0xe0
)

// --- encoding ---------------------------------------------------------

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) writeByte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeMapHeader(n int) {
	// Every message in this protocol has few enough fields to fit a
	// fixmap (n <= 15): the largest, server_info, has 5 fields plus tag.
	e.writeByte(byte(codeFixMapMask | n))
}

// writeString encodes a fixstr (len <= 31) or str8 (len <= 255) value.
// Fields on this wire (tags, clientId, error messages) are never
// expected to exceed that, so a longer value is a caller bug rather
// than a wire condition.
func (e *encoder) writeString(s string) {
	n := len(s)
	switch {
	case n <= 31:
		e.writeByte(byte(codeFixStrMask | n))
	case n <= 0xff:
		e.writeByte(codeStr8)
		e.writeByte(byte(n))
	default:
		e.err = malformed("string field of %d bytes exceeds the 255-byte str8 limit", n)
		return
	}
	e.buf = append(e.buf, s...)
}

func (e *encoder) writeUint(v uint64) {
	switch {
	case v <= codePositiveFixIntMax:
		e.writeByte(byte(v))
	case v <= 0xff:
		e.writeByte(codeUint8)
		e.writeByte(byte(v))
	case v <= 0xffff:
		e.writeByte(codeUint16)
		e.writeByte(byte(v >> 8))
		e.writeByte(byte(v))
	default:
		e.writeByte(codeUint32)
		e.writeByte(byte(v >> 24))
		e.writeByte(byte(v >> 16))
		e.writeByte(byte(v >> 8))
		e.writeByte(byte(v))
	}
}

func (e *encoder) writeFloat64(v float64) {
	e.writeByte(codeFloat64)
	bits := math.Float64bits(v)
	for shift := 56; shift >= 0; shift -= 8 {
		e.writeByte(byte(bits >> shift))
	}
}

func (e *encoder) writeBin(b []byte) {
	n := len(b)
	switch {
	case n <= 0xff:
		e.writeByte(codeBin8)
		e.writeByte(byte(n))
	case n <= 0xffff:
		e.writeByte(codeBin16)
		e.writeByte(byte(n >> 8))
		e.writeByte(byte(n))
	default:
		e.writeByte(codeBin32)
		e.writeByte(byte(n >> 24))
		e.writeByte(byte(n >> 16))
		e.writeByte(byte(n >> 8))
		e.writeByte(byte(n))
	}
	e.buf = append(e.buf, b...)
}

func (e *encoder) field(key string, value func()) {
	e.writeString(key)
	value()
}

// Encode serializes a Message to its wire bytes. Every tag is a single
// fixmap whose first entry is "tag" (a string) followed by the tag's
// own fields.
func Encode(m Message) ([]byte, error) {
	e := &encoder{}
	switch v := m.(type) {
	case ServerInfo:
		e.writeMapHeader(6)
		e.field("tag", func() { e.writeString(string(TagServerInfo)) })
		e.field("sampleRate", func() { e.writeUint(uint64(v.SampleRate)) })
		e.field("channels", func() { e.writeUint(uint64(v.Channels)) })
		e.field("bitDepth", func() { e.writeUint(uint64(v.BitDepth)) })
		e.field("chunkDurationMs", func() { e.writeUint(uint64(v.ChunkDurationMs)) })
		e.field("serverStartTime", func() { e.writeFloat64(v.ServerStartTime) })
	case SyncRequest:
		e.writeMapHeader(2)
		e.field("tag", func() { e.writeString(string(TagSyncRequest)) })
		e.field("t1", func() { e.writeFloat64(v.T1) })
	case SyncResponse:
		e.writeMapHeader(4)
		e.field("tag", func() { e.writeString(string(TagSyncResponse)) })
		e.field("t1", func() { e.writeFloat64(v.T1) })
		e.field("t2", func() { e.writeFloat64(v.T2) })
		e.field("t3", func() { e.writeFloat64(v.T3) })
	case AudioChunk:
		e.writeMapHeader(4)
		e.field("tag", func() { e.writeString(string(TagAudioChunk)) })
		e.field("timestamp", func() { e.writeFloat64(v.Timestamp) })
		e.field("sequence", func() { e.writeUint(uint64(v.Sequence)) })
		e.field("data", func() { e.writeBin(v.Data) })
	case ClientReady:
		e.writeMapHeader(2)
		e.field("tag", func() { e.writeString(string(TagClientReady)) })
		e.field("clientId", func() { e.writeString(v.ClientID) })
	case Error:
		e.writeMapHeader(2)
		e.field("tag", func() { e.writeString(string(TagError)) })
		e.field("message", func() { e.writeString(v.Message) })
	default:
		return nil, malformed("unknown message type %T", m)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}
