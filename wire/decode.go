package wire

import "math"

// decoder is a forward-only cursor over the wire bytes. Every read
// method returns a *MalformedMessage on truncation so Decode never
// panics on attacker- or corruption-supplied input.
type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, malformed("truncated at offset %d", d.pos)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readBytes(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, malformed("declared length %d exceeds remaining %d bytes", n, len(d.buf)-d.pos)
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) readUintN(n int) (uint64, error) {
	raw, err := d.readBytes(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// readValue decodes one MessagePack-family value and returns it as
// uint64 (positive fixint and uint8/16/32), int64 (negative fixint
// only), float64, string, []byte, or map[string]any.
func (d *decoder) readValue() (any, error) {
	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch {
	case tag <= codePositiveFixIntMax:
		return uint64(tag), nil
	case tag >= codeNegativeFixIntMin:
		return int64(int8(tag)), nil
	case tag >= codeFixMapMask && tag <= codeFixMapMax:
		return d.readMap(int(tag & 0x0f))
	case tag >= byte(codeFixStrMask) && tag <= codeFixStrMax:
		raw, err := d.readBytes(int(tag & 0x1f))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case tag == codeStr8:
		n, err := d.readUintN(1)
		if err != nil {
			return nil, err
		}
		raw, err := d.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case tag == codeBin8, tag == codeBin16, tag == codeBin32:
		lenBytes := map[byte]int{codeBin8: 1, codeBin16: 2, codeBin32: 4}[tag]
		n, err := d.readUintN(lenBytes)
		if err != nil {
			return nil, err
		}
		raw, err := d.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), raw...), nil
	case tag == codeFloat64:
		bits, err := d.readUintN(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case tag == codeUint8:
		v, err := d.readUintN(1)
		return v, err
	case tag == codeUint16:
		v, err := d.readUintN(2)
		return v, err
	case tag == codeUint32:
		v, err := d.readUintN(4)
		return v, err
	default:
		return nil, malformed("unknown type code 0x%02x", tag)
	}
}

func (d *decoder) readMap(n int) (map[string]any, error) {
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		keyVal, err := d.readValue()
		if err != nil {
			return nil, err
		}
		key, ok := keyVal.(string)
		if !ok {
			return nil, malformed("map key at entry %d is not a string", i)
		}
		val, err := d.readValue()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

// field helpers: extract and type/range-check a named field out of a
// decoded map, producing a *MalformedMessage on any mismatch.

func fieldString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", malformed("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", malformed("field %q is not a string", key)
	}
	return s, nil
}

func fieldFloat64(m map[string]any, key string) (float64, error) {
	v, ok := m[key]
	if !ok {
		return 0, malformed("missing field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case uint64:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, malformed("field %q is not numeric", key)
	}
}

func fieldUint32(m map[string]any, key string) (uint32, error) {
	v, ok := m[key]
	if !ok {
		return 0, malformed("missing field %q", key)
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, malformed("field %q is not an unsigned integer", key)
	}
	if u > math.MaxUint32 {
		return 0, malformed("field %q (%d) out of uint32 range", key, u)
	}
	return uint32(u), nil
}

func fieldBytes(m map[string]any, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, malformed("missing field %q", key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, malformed("field %q is not a binary blob", key)
	}
	return b, nil
}

// Decode parses one wire message. It fails with a *MalformedMessage
// when the tag is unknown, required fields are absent, numeric fields
// are out of range, or a binary blob's declared length exceeds the
// available bytes.
func Decode(data []byte) (Message, error) {
	d := &decoder{buf: data}
	top, err := d.readValue()
	if err != nil {
		return nil, err
	}
	m, ok := top.(map[string]any)
	if !ok {
		return nil, malformed("top-level value is not a map")
	}

	tagStr, err := fieldString(m, "tag")
	if err != nil {
		return nil, err
	}

	switch Tag(tagStr) {
	case TagServerInfo:
		sampleRate, err := fieldUint32(m, "sampleRate")
		if err != nil {
			return nil, err
		}
		channels, err := fieldUint32(m, "channels")
		if err != nil {
			return nil, err
		}
		bitDepth, err := fieldUint32(m, "bitDepth")
		if err != nil {
			return nil, err
		}
		chunkDurationMs, err := fieldUint32(m, "chunkDurationMs")
		if err != nil {
			return nil, err
		}
		serverStartTime, err := fieldFloat64(m, "serverStartTime")
		if err != nil {
			return nil, err
		}
		return ServerInfo{
			SampleRate:      sampleRate,
			Channels:        channels,
			BitDepth:        bitDepth,
			ChunkDurationMs: chunkDurationMs,
			ServerStartTime: serverStartTime,
		}, nil

	case TagSyncRequest:
		t1, err := fieldFloat64(m, "t1")
		if err != nil {
			return nil, err
		}
		return SyncRequest{T1: t1}, nil

	case TagSyncResponse:
		t1, err := fieldFloat64(m, "t1")
		if err != nil {
			return nil, err
		}
		t2, err := fieldFloat64(m, "t2")
		if err != nil {
			return nil, err
		}
		t3, err := fieldFloat64(m, "t3")
		if err != nil {
			return nil, err
		}
		return SyncResponse{T1: t1, T2: t2, T3: t3}, nil

	case TagAudioChunk:
		timestamp, err := fieldFloat64(m, "timestamp")
		if err != nil {
			return nil, err
		}
		sequence, err := fieldUint32(m, "sequence")
		if err != nil {
			return nil, err
		}
		data, err := fieldBytes(m, "data")
		if err != nil {
			return nil, err
		}
		return AudioChunk{Timestamp: timestamp, Sequence: sequence, Data: data}, nil

	case TagClientReady:
		clientID, err := fieldString(m, "clientId")
		if err != nil {
			return nil, err
		}
		return ClientReady{ClientID: clientID}, nil

	case TagError:
		message, err := fieldString(m, "message")
		if err != nil {
			return nil, err
		}
		return Error{Message: message}, nil

	default:
		return nil, malformed("unknown tag %q", tagStr)
	}
}
