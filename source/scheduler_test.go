package source

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"

	"roomcast/pcm"
	"roomcast/transport"
	"roomcast/wire"
)

// fixedCapture emits frames built from a pre-supplied byte sequence,
// one frame per Read call, so tests can assert on exact payloads
// instead of synthesized tone data.
type fixedCapture struct {
	frames [][]byte
	i      int
	done   chan struct{}
}

func (f *fixedCapture) Read(ctx context.Context, buf []byte) error {
	if f.i >= len(f.frames) {
		select {
		case <-f.done:
		default:
			close(f.done)
		}
		<-ctx.Done()
		return ctx.Err()
	}
	copy(buf, f.frames[f.i])
	f.i++
	return nil
}

func (f *fixedCapture) Close() error { return nil }

func testFormat() pcm.Format {
	return pcm.Format{SampleRate: 48000, Channels: 2, BitDepth: 16, ChunkMs: 20}
}

// dialSink opens a raw WebSocket connection to the test server and
// returns the connection plus the decoded server_info it received.
func dialSink(t *testing.T, url string) (net.Conn, wire.ServerInfo) {
	t.Helper()
	conn, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	data, err := transport.ReadServerFrame(conn)
	if err != nil {
		t.Fatalf("reading server_info failed: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decoding server_info failed: %v", err)
	}
	si, ok := msg.(wire.ServerInfo)
	if !ok {
		t.Fatalf("expected server_info, got %T", msg)
	}
	return conn, si
}

// TestCleanStreamOneSink checks that a sink that declares ready before
// capture starts receives every frame, with monotonically increasing
// sequence numbers and matching payloads.
func TestCleanStreamOneSink(t *testing.T) {
	format := testFormat()
	frameSize := format.BytesPerFrame()
	frames := make([][]byte, 10)
	for i := range frames {
		frames[i] = make([]byte, frameSize)
		for j := range frames[i] {
			frames[i][j] = byte(i)
		}
	}
	cap := &fixedCapture{frames: frames, done: make(chan struct{})}
	sched := NewScheduler(nil, cap, format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(sched.Handler(ctx))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, info := dialSink(t, wsURL)
	defer conn.Close()

	if int(info.SampleRate) != format.SampleRate || int(info.ChunkDurationMs) != format.ChunkMs {
		t.Fatalf("server_info = %+v, does not match configured format %+v", info, format)
	}

	readyData, err := wire.Encode(wire.ClientReady{ClientID: "test-sink"})
	if err != nil {
		t.Fatalf("encoding client_ready failed: %v", err)
	}
	if err := transport.WriteClientFrame(conn, readyData); err != nil {
		t.Fatalf("client_ready send failed: %v", err)
	}

	// Capture streams whether or not any sink is ready, so start it only
	// once the source has marked this sink ready.
	readyDeadline := time.Now().Add(2 * time.Second)
	for sched.sinks.readyCount() == 0 {
		if time.Now().After(readyDeadline) {
			t.Fatal("source never marked the sink ready")
		}
		time.Sleep(time.Millisecond)
	}
	go sched.Run(ctx)

	select {
	case <-cap.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture loop never drained the fixed frames")
	}

	var lastSeq int64 = -1
	received := 0
	deadline := time.Now().Add(2 * time.Second)
	for received < len(frames) && time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		data, err := transport.ReadServerFrame(conn)
		if err != nil {
			continue
		}
		msg, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("decoding audio_chunk failed: %v", err)
		}
		chunk, ok := msg.(wire.AudioChunk)
		if !ok {
			continue
		}
		if int64(chunk.Sequence) != lastSeq+1 {
			t.Fatalf("sequence %d is not monotone after %d", chunk.Sequence, lastSeq)
		}
		if !bytes.Equal(chunk.Data, frames[chunk.Sequence]) {
			t.Fatalf("payload of sequence %d does not match captured frame", chunk.Sequence)
		}
		lastSeq = int64(chunk.Sequence)
		received++
	}
	if received != len(frames) {
		t.Fatalf("received %d chunks, want %d", received, len(frames))
	}
}

// TestBroadcastIsolatesSinkErrors checks that a sink whose connection
// is already closed does not prevent other sinks from being
// broadcast to: a per-sink send failure is never fatal to the stream.
func TestBroadcastIsolatesSinkErrors(t *testing.T) {
	format := testFormat()
	cap := &fixedCapture{done: make(chan struct{})}
	sched := NewScheduler(nil, cap, format)

	// A sink with a nil conn fails every send; simulate by giving it a
	// closed pipe instead.
	_, badConn := net.Pipe()
	badConn.Close()
	bad := newSink("bad", badConn)
	bad.ready.Store(true)

	goodConn, counterpart := net.Pipe()
	good := newSink("good", goodConn)
	good.ready.Store(true)
	defer counterpart.Close()

	sched.sinks.add(good)
	sched.sinks.add(bad)

	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		_, err := counterpart.Read(buf)
		readDone <- err
		// A frame goes out as separate header and payload writes, and a
		// pipe write blocks until read: keep draining so broadcast returns.
		_, _ = io.Copy(io.Discard, counterpart)
	}()

	sched.broadcast(wire.AudioChunk{Timestamp: 1, Sequence: 0, Data: []byte{1, 2, 3}})

	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("good sink never received the broadcast frame: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for good sink's broadcast frame")
	}

	if bad.errs.Load() == 0 {
		t.Fatal("bad sink's error counter was not incremented")
	}
}

// freeRunCapture emits incrementing frames at a fixed small cadence,
// indefinitely, so a test can let the scheduler run unattended for a
// while before a sink ever dials in.
type freeRunCapture struct {
	frameSize int
	interval  time.Duration
	n         int
}

func (f *freeRunCapture) Read(ctx context.Context, buf []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.interval):
	}
	for i := range buf {
		buf[i] = byte(f.n)
	}
	f.n++
	return nil
}

func (f *freeRunCapture) Close() error { return nil }

// TestLateJoiningSinkNoRewind checks that a sink that connects after
// the source has already been streaming for a while sees a sequence
// origin that continues from wherever the source's global counter
// already is, never rewound to 0.
func TestLateJoiningSinkNoRewind(t *testing.T) {
	format := testFormat()
	cap := &freeRunCapture{frameSize: format.BytesPerFrame(), interval: time.Millisecond}
	sched := NewScheduler(nil, cap, format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httptest.NewServer(sched.Handler(ctx))
	defer server.Close()

	go sched.Run(ctx)

	// Let the source run unattended for a while so its sequence counter
	// advances well past zero before any sink ever connects.
	time.Sleep(80 * time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _ := dialSink(t, wsURL)
	defer conn.Close()

	readyData, err := wire.Encode(wire.ClientReady{ClientID: "late-sink"})
	if err != nil {
		t.Fatalf("encoding client_ready failed: %v", err)
	}
	if err := transport.WriteClientFrame(conn, readyData); err != nil {
		t.Fatalf("client_ready send failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := transport.ReadServerFrame(conn)
	if err != nil {
		t.Fatalf("reading first audio_chunk failed: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decoding audio_chunk failed: %v", err)
	}
	chunk, ok := msg.(wire.AudioChunk)
	if !ok {
		t.Fatalf("expected audio_chunk, got %T", msg)
	}
	if chunk.Sequence == 0 {
		t.Fatalf("late-joining sink's first chunk has sequence 0, want a continued (non-rewound) origin")
	}
}
