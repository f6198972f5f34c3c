package bpm

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SimulatedRig is a software cuff: a pressure vessel integrated over time
// from the pump and valve states, with a synthetic arterial oscillation
// superimposed during deflation. It backs demo runs on hardware-less hosts
// and the end-to-end tests.
type SimulatedRig struct {
	hw  *FakeActuators
	clk clock.Clock

	// profile of the simulated subject
	MAPMmHg     float64
	PulseHz     float64
	OscAmpMmHg  float64
	OscWidth    float64
	PumpRate    float64 // mmHg/s while pumping into a sealed cuff
	BleedRate   float64 // fraction of pressure lost per second, valve open
	SampleDelay time.Duration

	mu       sync.Mutex
	pressure float64
	last     time.Time
}

func NewSimulatedRig(hw *FakeActuators, clk clock.Clock) *SimulatedRig {
	return &SimulatedRig{
		hw:          hw,
		clk:         clk,
		MAPMmHg:     95,
		PulseHz:     1.2,
		OscAmpMmHg:  2.0,
		OscWidth:    25,
		PumpRate:    45,
		BleedRate:   0.16,
		SampleDelay: 25 * time.Millisecond,
		last:        clk.Now(),
	}
}

// ReadPressure advances the vessel model and returns the current cuff
// pressure. The delay matches a real converter's conversion time so the
// state machine paces itself the same way against either source.
func (s *SimulatedRig) ReadPressure(ctx context.Context) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.clk.After(s.SampleDelay):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now

	pumpOn, valveOpen := s.hw.State()
	if pumpOn && !valveOpen {
		s.pressure += s.PumpRate * dt
	}
	if valveOpen {
		s.pressure -= s.pressure * s.BleedRate * dt
		if s.pressure < 0 {
			s.pressure = 0
		}
	}

	p := s.pressure
	if valveOpen && !pumpOn && p > 5 {
		// arterial oscillation, strongest where cuff pressure matches MAP
		d := (p - s.MAPMmHg) / s.OscWidth
		env := s.OscAmpMmHg * math.Exp(-d*d)
		phase := 2 * math.Pi * s.PulseHz * float64(now.UnixNano()) / float64(time.Second)
		p += env * math.Sin(phase)
	}
	return p, nil
}

// ReadPressureStable mimics the averaged zero read; a resting simulated
// cuff sits exactly at atmosphere.
func (s *SimulatedRig) ReadPressureStable(ctx context.Context) (float64, error) {
	return s.ReadPressure(ctx)
}
