package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"roomcast/clock"
	"roomcast/pcm"
	"roomcast/transport"
	"roomcast/wire"
)

// SessionState is the sink's connection lifecycle.
type SessionState int

const (
	StateDialing SessionState = iota
	StateDescriptorPending
	StateSyncing
	StateReady
	StatePlaying
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateDescriptorPending:
		return "descriptor_pending"
	case StateSyncing:
		return "syncing"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// playoutPollInterval is the idle polling cadence for the playout
// loop; playoutDrainInterval is the short delay used instead right
// after a drain, to allow back-to-back drains without waiting out a
// full idle poll.
const (
	playoutPollInterval  = 5 * time.Millisecond
	playoutDrainInterval = 1 * time.Millisecond
)

// ErrProtocol marks a session closed due to a protocol-level violation
// (unexpected message, format mismatch) rather than a transport error.
var ErrProtocol = errors.New("sink: protocol error")

// Session drives one sink's connection to a source: dial, receive the
// descriptor, perform clock sync, then concurrently receive audio and
// drain the jitter buffer into playback.
type Session struct {
	logger *slog.Logger
	format pcm.Format
	pb     Playback
	clock  *clock.Clock
	sync   *clock.State
	jb     *JitterBuffer

	targetBufferMs float64

	mu    sync.Mutex
	state SessionState

	conn   net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession constructs a Session against the given playback shim and
// local format expectations. Connection happens in Connect.
func NewSession(logger *slog.Logger, pb Playback, format pcm.Format, targetBufferMs, maxBufferMs float64) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		logger:         logger,
		format:         format,
		pb:             pb,
		clock:          clock.New(),
		sync:           &clock.State{},
		jb:             NewJitterBuffer(maxBufferMs),
		targetBufferMs: targetBufferMs,
		state:          StateDialing,
	}
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Info("sink session state", "state", st.String())
}

// State reports the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials url, validates the source's server_info against the
// sink's configured format, performs the first sync exchange, and then
// runs the concurrent receive/sync-loop/playout tasks until ctx is
// canceled or the connection closes. It returns once the session
// reaches Closed.
func (s *Session) Connect(ctx context.Context, url string) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	conn, _, _, err := ws.Dial(runCtx, url)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("sink: dial: %w", err)
	}
	s.conn = conn
	s.setState(StateDescriptorPending)

	info, err := s.readMessage()
	if err != nil {
		s.close()
		return fmt.Errorf("sink: reading server_info: %w", err)
	}
	si, ok := info.(wire.ServerInfo)
	if !ok {
		s.close()
		return fmt.Errorf("%w: expected server_info, got %s", ErrProtocol, info.Tag())
	}
	announced := pcm.Format{
		SampleRate: int(si.SampleRate),
		Channels:   int(si.Channels),
		BitDepth:   int(si.BitDepth),
		ChunkMs:    int(si.ChunkDurationMs),
	}
	if !announced.Equal(s.format) {
		s.close()
		return fmt.Errorf("%w: server_info format %+v does not match configured %+v", ErrProtocol, announced, s.format)
	}
	s.setState(StateSyncing)

	if err := s.performSync(); err != nil {
		s.close()
		return fmt.Errorf("sink: initial sync: %w", err)
	}
	if err := s.sendReady(); err != nil {
		s.close()
		return fmt.Errorf("sink: sending client_ready: %w", err)
	}
	s.setState(StateReady)

	// receiveLoop's transport.ReadServerFrame blocks on the socket with
	// no deadline; closing the connection on ctx cancellation is what
	// actually unblocks it so the session can tear down promptly.
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		<-runCtx.Done()
		_ = s.conn.Close()
	}()
	go s.syncLoop(runCtx)
	go s.playoutLoop(runCtx)

	err = s.receiveLoop(runCtx)
	cancel()
	s.wg.Wait()
	s.close()
	return err
}

func (s *Session) readMessage() (wire.Message, error) {
	data, err := transport.ReadServerFrame(s.conn)
	if err != nil {
		return nil, err
	}
	return wire.Decode(data)
}

func (s *Session) send(m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	return transport.WriteClientFrame(s.conn, data)
}

// performSync runs one NTP-style exchange: stamp t1, send sync_request,
// receive sync_response carrying t2/t3, stamp t4 on arrival, and feed
// the result into the estimator.
func (s *Session) performSync() error {
	t1 := s.clock.NowMs()
	if err := s.send(wire.SyncRequest{T1: t1}); err != nil {
		return err
	}
	reply, err := s.readMessage()
	if err != nil {
		return err
	}
	resp, ok := reply.(wire.SyncResponse)
	if !ok {
		return fmt.Errorf("%w: expected sync_response, got %s", ErrProtocol, reply.Tag())
	}
	t4 := s.clock.NowMs()
	offset, rtt := clock.Exchange(resp.T1, resp.T2, resp.T3, t4)
	s.sync.Accept(clock.TimeSample{Offset: offset, RTT: rtt, AtLocal: t4})
	return nil
}

func (s *Session) sendReady() error {
	return s.send(wire.ClientReady{ClientID: fmt.Sprintf("sink-%d", time.Now().UnixNano())})
}

// syncLoop re-invokes the estimator every syncIntervalMs once Ready,
// independent of audio reception: sync exchanges and audio reception
// run concurrently and never block each other.
func (s *Session) syncLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(clock.SyncIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sync.NeedsResync(s.clock.NowMs()) {
				if err := s.performSync(); err != nil {
					s.logger.Warn("resync failed", "error", err)
				}
			}
		}
	}
}

// receiveLoop is the session's single inbound-message consumer: it
// owns reading from conn for audio_chunk delivery (sync_request's
// response path reuses the same connection serially via performSync,
// so receiveLoop only needs to watch for audio once Ready).
func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msg, err := s.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		chunk, ok := msg.(wire.AudioChunk)
		if !ok {
			s.logger.Debug("sink received unexpected message", "tag", msg.Tag())
			continue
		}
		playAt := s.sync.SourceToLocal(chunk.Timestamp) + s.targetBufferMs
		lateBefore := s.jb.Late()
		s.jb.Accept(BufferedFrame{
			Data:        chunk.Data,
			Sequence:    chunk.Sequence,
			PlayAtLocal: playAt,
		}, s.clock.NowMs())
		if late := s.jb.Late(); late > lateBefore && late%100 == 0 {
			s.logger.Warn("late frames dropped", "late_total", late, "dropped_total", s.jb.Dropped())
		}

		if s.State() == StateReady && s.jb.Len() >= 2 {
			s.setState(StatePlaying)
		}
	}
}

// playoutLoop drains the jitter buffer into the playback shim whenever
// a frame's deadline has arrived.
func (s *Session) playoutLoop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(playoutPollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			ready := s.jb.DrainReady(s.clock.NowMs())
			for _, frame := range ready {
				if err := s.pb.Write(ctx, frame.Data); err != nil {
					s.logger.Warn("playback write failed", "error", err)
					s.cancel()
					return
				}
			}
			if len(ready) > 0 {
				timer.Reset(playoutDrainInterval)
			} else {
				timer.Reset(playoutPollInterval)
			}
		}
	}
}

func (s *Session) close() {
	s.setState(StateClosed)
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.pb != nil {
		_ = s.pb.Close()
	}
}

// Stats is a snapshot of the session's jitter-buffer counters, exposed
// for periodic diagnostics.
type Stats struct {
	Buffered int
	Dropped  uint64
	Late     uint64
	Offset   float64
	RTT      float64
	Drift    float64
}

// Stats returns the current buffer/estimator snapshot.
func (s *Session) Stats() Stats {
	return Stats{
		Buffered: s.jb.Len(),
		Dropped:  s.jb.Dropped(),
		Late:     s.jb.Late(),
		Offset:   s.sync.Offset(),
		RTT:      s.sync.RTT(),
		Drift:    s.sync.DriftMsPerS(),
	}
}
