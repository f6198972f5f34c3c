package bpm

import "time"

type stallPoint struct {
	t time.Time
	p float64
}

// stallDetector watches for cuff pressure failing to rise while the pump is
// nominally running, which means a disconnected line or closed airway rather
// than a limit breach. It keeps a rolling window of samples and trips once
// the window spans the configured duration with less than the minimum rise
// across it.
type stallDetector struct {
	window  time.Duration
	minRise float64
	points  []stallPoint
}

func newStallDetector(window time.Duration, minRise float64) *stallDetector {
	return &stallDetector{window: window, minRise: minRise}
}

// Add records a sample and reports whether a stall condition holds.
func (s *stallDetector) Add(t time.Time, p float64) bool {
	s.points = append(s.points, stallPoint{t, p})

	cutoff := t.Add(-s.window)
	i := 0
	for i < len(s.points)-1 && s.points[i].t.Before(cutoff) {
		i++
	}
	// keep one point at or before the cutoff so the window always spans
	// the full duration once enough time has passed
	if i > 0 {
		i--
	}
	s.points = s.points[i:]

	if t.Sub(s.points[0].t) < s.window {
		return false
	}
	lo, hi := s.points[0].p, s.points[0].p
	for _, pt := range s.points {
		if pt.p < lo {
			lo = pt.p
		}
		if pt.p > hi {
			hi = pt.p
		}
	}
	return hi-lo < s.minRise
}
