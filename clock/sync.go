package clock

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// MaxSamples is the bounded FIFO window size kept per sink session.
const MaxSamples = 5

// SyncIntervalMs is the minimum spacing between sync exchanges the
// sink schedules for itself.
const SyncIntervalMs = 1000

// minRTTWeightMs floors the RTT used as a weighting denominator so a
// near-zero (or clock-glitch-negative) RTT sample can't dominate the
// weighted mean to infinity.
const minRTTWeightMs = 0.1

// TimeSample is one accepted sync exchange result.
type TimeSample struct {
	Offset  float64 // source_time = local_time + Offset
	RTT     float64
	AtLocal float64 // local clock reading the sample was recorded at
}

// Exchange computes the derived offset/RTT for one NTP-style round
// trip: the sink stamps t1/t4, the source stamps t2/t3.
func Exchange(t1, t2, t3, t4 float64) (offset, rtt float64) {
	rtt = (t4 - t1) - (t3 - t2)
	offset = ((t2 - t1) + (t3 - t4)) / 2
	return offset, rtt
}

// State is the bounded sync history and its derived aggregates for one
// sink session. Zero value is ready to use.
type State struct {
	mu sync.Mutex

	samples []TimeSample // FIFO, oldest first, len <= MaxSamples

	converged   bool
	offset      float64
	rtt         float64
	driftMsPerS float64
	lastSyncAt  float64
}

// Accept folds a new accepted sample into the bounded history and
// recomputes the derived aggregates. Converged never regresses to
// false once set.
func (s *State) Accept(sample TimeSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample)
	if len(s.samples) > MaxSamples {
		s.samples = s.samples[len(s.samples)-MaxSamples:]
	}

	s.offset = weightedOffset(s.samples)
	s.rtt = sample.RTT
	s.driftMsPerS = driftSlope(s.samples)
	s.lastSyncAt = sample.AtLocal
	s.converged = true
}

// weightedOffset computes the RTT-weighted mean offset across the
// window: weight = 1 / max(rtt, minRTTWeightMs). Low-RTT samples
// dominate, isolating jitter outliers without discarding them.
func weightedOffset(samples []TimeSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumW, sumWO float64
	for _, smp := range samples {
		rtt := smp.RTT
		if rtt < minRTTWeightMs {
			rtt = minRTTWeightMs
		}
		w := 1 / rtt
		sumW += w
		sumWO += w * smp.Offset
	}
	if sumW == 0 {
		return samples[len(samples)-1].Offset
	}
	return sumWO / sumW
}

// driftSlope fits an ordinary least squares line of offset on sample
// arrival time across the window and returns the slope scaled from
// ms/ms to ms/s. Reported for diagnostics only; it does not pre-correct
// playout — the target buffer absorbs it instead.
func driftSlope(samples []TimeSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, smp := range samples {
		xs[i] = smp.AtLocal
		ys[i] = smp.Offset
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return slope * 1000
}

// Offset returns the current RTT-weighted mean offset.
func (s *State) Offset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// RTT returns the most recently accepted sample's RTT.
func (s *State) RTT() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// DriftMsPerS returns the current OLS drift estimate in ms/s.
func (s *State) DriftMsPerS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driftMsPerS
}

// Converged reports whether at least one sample has ever been
// accepted in this session.
func (s *State) Converged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.converged
}

// NeedsResync reports whether the sink should schedule another sync
// exchange: not yet converged, or too long since the last accepted
// sample.
func (s *State) NeedsResync(localNowMs float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.converged {
		return true
	}
	return localNowMs-s.lastSyncAt > SyncIntervalMs
}

// SourceToLocal converts a source-stamped timestamp into this sink's
// local clock using the current offset: source_time = local_time +
// offset, so local_time = source_time - offset.
func (s *State) SourceToLocal(sourceTimeMs float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sourceTimeMs - s.offset
}

// LastSyncAt returns the local-clock reading of the most recently
// accepted sample.
func (s *State) LastSyncAt() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncAt
}
