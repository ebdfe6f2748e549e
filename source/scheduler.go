package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"roomcast/clock"
	"roomcast/pcm"
	"roomcast/transport"
	"roomcast/wire"
)

// State is the source's session-scheduler state machine: Idle (Run not
// yet called) -> Listening (accepting sinks; capture may already be
// running, but no sink is registered yet) -> Streaming (capture has
// yielded a frame while at least one sink is registered; broadcasts go
// out to every ready sink).
type State int

const (
	StateIdle State = iota
	StateListening
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Scheduler owns the capture stream and the set of connected sinks: it
// accepts sink connections, drives capture on its own cadence, and
// fans each stamped frame out to every ready sink.
type Scheduler struct {
	logger *slog.Logger
	cap    Capture
	format pcm.Format
	clock  *clock.Clock
	sinks  *sinkTable
	state  stateBox

	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu         sync.Mutex
	nextSeq    uint32
	frameCount uint64
}

// stateBox is a tiny mutex-guarded State holder.
type stateBox struct {
	mu sync.Mutex
	v  State
}

func (a *stateBox) set(v State) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *stateBox) get() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewScheduler constructs a Scheduler for the given capture device and
// session format. The clock starts ticking immediately; server_info's
// serverStartTime is relative to it.
func NewScheduler(logger *slog.Logger, cap Capture, format pcm.Format) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		cap:    cap,
		format: format,
		clock:  clock.New(),
		sinks:  newSinkTable(),
	}
}

// Handler returns an http.HandlerFunc that upgrades incoming requests
// to WebSocket sink connections, bound to ctx. Callers that want to
// embed the source into their own mux (or a test httptest.Server) can
// use this directly instead of ListenAndServe.
func (s *Scheduler) Handler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleUpgrade(ctx, w, r)
	}
}

// Run starts the capture-and-broadcast loop and blocks until ctx is
// canceled. Exposed separately from ListenAndServe so a caller driving
// its own HTTP server (via Handler) can still run capture.
func (s *Scheduler) Run(ctx context.Context) {
	s.state.set(StateListening)
	s.captureLoop(ctx)
}

// ListenAndServe accepts WebSocket sink connections on addr and runs
// the capture-and-broadcast loop until ctx is canceled.
func (s *Scheduler) ListenAndServe(ctx context.Context, addr string) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.logger.Info("source listening", "addr", addr, "sample_rate", s.format.SampleRate, "chunk_ms", s.format.ChunkMs)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.Handler(runCtx))
	httpServer := &http.Server{Addr: addr, Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(runCtx)
	}()

	err := httpServer.ListenAndServe()
	cancel()
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Scheduler) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("sink upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	id := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
	sk := newSink(id, conn)
	s.sinks.add(sk)
	s.logger.Info("sink connected", "sink_id", id, "total_sinks", s.sinks.count())

	if err := sk.send(wire.ServerInfo{
		SampleRate:      uint32(s.format.SampleRate),
		Channels:        uint32(s.format.Channels),
		BitDepth:        uint32(s.format.BitDepth),
		ChunkDurationMs: uint32(s.format.ChunkMs),
		ServerStartTime: s.clock.NowMs(),
	}); err != nil {
		s.logger.Warn("server_info send failed", "sink_id", id, "error", err)
		s.dropSink(sk)
		return
	}

	// readSink's transport.ReadFrame blocks on the socket with no
	// deadline; closing the connection on ctx cancellation (or on this
	// sink's own disconnect, via sk.closed) is what actually unblocks
	// it, since http.Server.Shutdown doesn't track already-hijacked
	// WebSocket connections.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			_ = sk.conn.Close()
		case <-sk.closed:
		}
	}()

	s.wg.Add(1)
	go s.readSink(ctx, sk)
}

// readSink synchronously services sync_request/client_ready messages
// from one sink, for as long as the connection lasts. Running this in
// the sink's own goroutine keeps the sync exchange latency-sensitive
// and independent of the broadcast loop: a sync_response always goes
// out before this loop returns to read the next message on that
// connection, minimizing the processing time folded into t3-t2.
func (s *Scheduler) readSink(ctx context.Context, sk *sink) {
	defer s.wg.Done()
	defer s.dropSink(sk)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		data, err := transport.ReadFrame(sk.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("sink read ended", "sink_id", sk.id, "error", err)
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("sink sent malformed message", "sink_id", sk.id, "error", err)
			continue
		}
		switch m := msg.(type) {
		case wire.SyncRequest:
			t2 := s.clock.NowMs()
			resp := wire.SyncResponse{T1: m.T1, T2: t2, T3: s.clock.NowMs()}
			if err := sk.send(resp); err != nil {
				s.logger.Warn("sync_response send failed", "sink_id", sk.id, "error", err)
				return
			}
		case wire.ClientReady:
			// Idempotent: repeats are harmless.
			sk.ready.Store(true)
			s.logger.Info("sink ready", "sink_id", sk.id)
		default:
			s.logger.Debug("sink sent unexpected message", "sink_id", sk.id, "tag", msg.Tag())
		}
	}
}

func (s *Scheduler) dropSink(sk *sink) {
	s.sinks.remove(sk.id)
	_ = sk.conn.Close()
	sk.markClosed()
	s.logger.Info("sink disconnected", "sink_id", sk.id, "total_sinks", s.sinks.count())
}

// captureLoop reads frames one after another from the capture device
// and broadcasts each, stamping it with the source's own clock. The
// loop adds no pacing of its own: frames go out as fast as Capture.Read
// returns them. Capture runs continuously once started, advancing sequence
// and timestamp regardless of whether any sink is ready, so a
// late-joining sink sees a continued (not rewound) sequence origin.
//
// Run by the caller's own goroutine bookkeeping (Run/ListenAndServe or
// a test driving it directly); captureLoop itself owns no wg slot.
func (s *Scheduler) captureLoop(ctx context.Context) {
	frameBuf := make([]byte, s.format.BytesPerFrame())
	lastStatsAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.cap.Read(ctx, frameBuf); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("capture read failed", "error", err)
			return
		}

		// The first successful read only promotes the scheduler to
		// Streaming once a sink has actually registered; until then it
		// stays Listening even though capture is already running.
		if s.state.get() != StateStreaming && s.sinks.count() > 0 {
			s.state.set(StateStreaming)
		}

		s.mu.Lock()
		seq := s.nextSeq
		s.nextSeq++
		s.frameCount++
		frameCount := s.frameCount
		s.mu.Unlock()

		chunk := wire.AudioChunk{
			Timestamp: s.clock.NowMs(),
			Sequence:  seq,
			Data:      append([]byte(nil), frameBuf...),
		}
		s.broadcast(chunk)

		if time.Since(lastStatsAt) >= StatsInterval {
			s.logger.Info("source stats",
				"frames_sent", frameCount,
				"sinks", s.sinks.count(),
				"sinks_ready", s.sinks.readyCount(),
			)
			lastStatsAt = time.Now()
		}
	}
}

// StatsInterval is the cadence of the periodic stats log line.
const StatsInterval = 5 * time.Second

// broadcast encodes chunk once and sends the same bytes to every ready
// sink, isolating per-sink failures so one bad connection never blocks
// or drops audio for the rest. A sink is dropped after maxSinkErrors
// consecutive failures.
func (s *Scheduler) broadcast(chunk wire.AudioChunk) {
	data, err := wire.Encode(chunk)
	if err != nil {
		s.logger.Error("failed to encode audio_chunk, dropping broadcast", "error", err)
		return
	}
	for _, sk := range s.sinks.snapshot() {
		if !sk.ready.Load() {
			continue
		}
		if err := sk.sendRaw(data); err != nil {
			n := sk.errs.Add(1)
			if n >= maxSinkErrors {
				s.logger.Warn("sink exceeded error budget, dropping", "sink_id", sk.id, "errors", n)
				s.dropSink(sk)
			}
			continue
		}
		sk.errs.Store(0)
	}
}

// Stop cancels the scheduler's run, if started.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// State reports the current lifecycle state.
func (s *Scheduler) State() State { return s.state.get() }
