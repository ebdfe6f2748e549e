package source

import (
	"net"
	"sync"
	"sync/atomic"

	"roomcast/transport"
	"roomcast/wire"
)

// maxSinkErrors is how many consecutive broadcast-write failures a sink
// tolerates before the source gives up on it and closes the connection.
// A write failure to one sink never blocks or drops audio for any
// other sink.
const maxSinkErrors = 5

// sink is one connected playback endpoint as the source sees it.
type sink struct {
	id   string
	conn net.Conn

	ready atomic.Bool
	errs  atomic.Uint32

	writeMu sync.Mutex // serializes concurrent writes to one connection

	// closed is closed once when the sink is removed from its table, so
	// a goroutine parked on the scheduler's run context can also wake on
	// this sink's own disconnect instead of leaking until shutdown.
	closed   chan struct{}
	closeOne sync.Once
}

// newSink constructs a sink ready for registration in a sinkTable.
func newSink(id string, conn net.Conn) *sink {
	return &sink{id: id, conn: conn, closed: make(chan struct{})}
}

// markClosed signals any goroutine watching this sink for teardown.
// Safe to call more than once or concurrently.
func (s *sink) markClosed() {
	s.closeOne.Do(func() { close(s.closed) })
}

func (s *sink) send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

// sendRaw writes an already-encoded frame, letting the broadcast path
// encode one audio_chunk once and fan the same bytes out to every ready
// sink instead of re-encoding per recipient.
func (s *sink) sendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return transport.WriteFrame(s.conn, data)
}

// sinkTable is the scheduler's registry of connected sinks.
type sinkTable struct {
	mu    sync.RWMutex
	sinks map[string]*sink
}

func newSinkTable() *sinkTable {
	return &sinkTable{sinks: make(map[string]*sink)}
}

func (t *sinkTable) add(s *sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sinks[s.id] = s
}

func (t *sinkTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sinks, id)
}

// snapshot returns the current sinks as a slice, safe to iterate
// without holding the table lock, so broadcast never blocks on
// accept/disconnect bookkeeping.
func (t *sinkTable) snapshot() []*sink {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*sink, 0, len(t.sinks))
	for _, s := range t.sinks {
		out = append(out, s)
	}
	return out
}

func (t *sinkTable) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sinks)
}

func (t *sinkTable) readyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.sinks {
		if s.ready.Load() {
			n++
		}
	}
	return n
}
