// Package wire implements the tagged-map wire codec this system moves
// between source and sink: a small, closed message set serialized with
// a MessagePack-family byte layout (positive/negative fixint, fixmap,
// fixstr/str8, uint8/16/32, float64, bin8/16/32) so that an independent
// minimal reader (e.g. a browser sink) can decode it bit-for-bit.
package wire

import "fmt"

// Tag names the message type.
type Tag string

const (
	TagServerInfo   Tag = "server_info"
	TagSyncRequest  Tag = "sync_request"
	TagSyncResponse Tag = "sync_response"
	TagAudioChunk   Tag = "audio_chunk"
	TagClientReady  Tag = "client_ready"
	TagError        Tag = "error"
)

// Message is the tagged union of every wire message: a sum type with
// one constructor struct per tag.
type Message interface {
	Tag() Tag
}

// ServerInfo is the session descriptor the source sends once per sink
// on connect (source→sink).
type ServerInfo struct {
	SampleRate      uint32
	Channels        uint32
	BitDepth        uint32
	ChunkDurationMs uint32
	ServerStartTime float64
}

func (ServerInfo) Tag() Tag { return TagServerInfo }

// SyncRequest is t1, stamped by the sink (sink→source).
type SyncRequest struct {
	T1 float64
}

func (SyncRequest) Tag() Tag { return TagSyncRequest }

// SyncResponse carries t1 back plus t2/t3 stamped by the source
// (source→sink).
type SyncResponse struct {
	T1 float64
	T2 float64
	T3 float64
}

func (SyncResponse) Tag() Tag { return TagSyncResponse }

// AudioChunk is one timestamped, sequenced PCM frame (source→sink).
type AudioChunk struct {
	Timestamp float64
	Sequence  uint32
	Data      []byte
}

func (AudioChunk) Tag() Tag { return TagAudioChunk }

// ClientReady announces that the sink has converged its clock sync
// estimator and is ready to receive audio broadcasts (sink→source).
// Idempotent: a source ignores repeats.
type ClientReady struct {
	ClientID string
}

func (ClientReady) Tag() Tag { return TagClientReady }

// Error is a human-readable protocol-level error (either direction).
type Error struct {
	Message string
}

func (Error) Tag() Tag { return TagError }

// MalformedMessage is returned by Decode when the wire bytes don't
// parse into a known, complete, in-range message.
type MalformedMessage struct {
	Reason string
}

func (e *MalformedMessage) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func malformed(format string, args ...any) error {
	return &MalformedMessage{Reason: fmt.Sprintf(format, args...)}
}
