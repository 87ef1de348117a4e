package timeutil

import (
	"time"
)

// Correlator maps a transport timestamp to the wall-clock time of the
// sample it labels.
type Correlator interface {
	WallTime(rtpTimestamp uint32) time.Time
}

// TimeSnap pairs one RTP timestamp with the wall-clock instant of that
// sample, as published by the receiver's status stream. Other timestamps
// are extrapolated at SampleRate, taking the shortest signed distance so
// the 32-bit wrap is handled.
type TimeSnap struct {
	RTPTimestamp uint32
	Wall         time.Time
	SampleRate   int
}

// WallTime implements Correlator.
func (s TimeSnap) WallTime(rtpTimestamp uint32) time.Time {
	if s.SampleRate <= 0 {
		return s.Wall
	}
	delta := int64(int32(rtpTimestamp - s.RTPTimestamp))
	return s.Wall.Add(time.Duration(delta) * time.Second / time.Duration(s.SampleRate))
}

// RTPAt is the inverse of WallTime.
func (s TimeSnap) RTPAt(t time.Time) uint32 {
	if s.SampleRate <= 0 {
		return s.RTPTimestamp
	}
	samples := t.Sub(s.Wall).Seconds() * float64(s.SampleRate)
	if samples < 0 {
		samples -= 0.5
	} else {
		samples += 0.5
	}
	return s.RTPTimestamp + uint32(int64(samples))
}

// Reanchorer is implemented by correlators that can take a fresh
// reference after the transport timestamps jump.
type Reanchorer interface {
	Reanchor()
}

// FirstPacketCorrelator snaps the first timestamp it is asked about to the
// clock's current time. It is the fallback when the receiver publishes no
// timing snaps; its accuracy is bounded by the host clock, which is the
// quantity being measured downstream.
//
// Timestamps are unwrapped into a running 64-bit count, so successive
// queries must be less than 2^31 samples apart.
type FirstPacketCorrelator struct {
	Clock      Clock
	SampleRate int

	anchored bool
	wall     time.Time
	last     uint32
	elapsed  int64
}

// WallTime implements Correlator.
func (f *FirstPacketCorrelator) WallTime(rtpTimestamp uint32) time.Time {
	if !f.anchored {
		clock := f.Clock
		if clock == nil {
			clock = RealClock{}
		}
		f.anchored = true
		f.wall = clock.Now().UTC()
		f.last = rtpTimestamp
		f.elapsed = 0
		return f.wall
	}
	f.elapsed += int64(int32(rtpTimestamp - f.last))
	f.last = rtpTimestamp
	if f.SampleRate <= 0 {
		return f.wall
	}
	rate := int64(f.SampleRate)
	secs, rem := f.elapsed/rate, f.elapsed%rate
	return f.wall.Add(time.Duration(secs)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate))
}

// Reanchor drops the reference; the next timestamp snaps to the clock again.
func (f *FirstPacketCorrelator) Reanchor() {
	f.anchored = false
}
