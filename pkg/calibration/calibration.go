// Package calibration maps raw ADC counts to cuff pressure and back.
package calibration

import (
	"math"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/config"
)

// Params is the linear calibration for one transducer channel. It is loaded
// once at construction and replaced wholesale on recalibration; it is never
// mutated field-by-field while a measurement is in flight, so methods are
// safe to call from any goroutine.
type Params struct {
	OffsetCounts      int64
	SlopeMmHgPerCount float64
	Inverted          bool
}

func FromConfig(cfg config.CalibrationConfig) Params {
	return Params{
		OffsetCounts:      cfg.OffsetCounts,
		SlopeMmHgPerCount: cfg.SlopeMmHgPerCount,
		Inverted:          cfg.Inverted,
	}
}

// CountsToPressure converts a raw ADC reading to mmHg.
func (p Params) CountsToPressure(raw int64) float64 {
	return p.CountsToPressureFloat(float64(raw))
}

// CountsToPressureFloat is CountsToPressure for fractional count values such
// as averaged samples.
func (p Params) CountsToPressureFloat(raw float64) float64 {
	v := raw - float64(p.OffsetCounts)
	if p.Inverted {
		v = -v
	}
	return v * p.SlopeMmHgPerCount
}

// PressureToCounts is the exact inverse of CountsToPressure.
func (p Params) PressureToCounts(mmHg float64) int64 {
	v := mmHg / p.SlopeMmHgPerCount
	if p.Inverted {
		v = -v
	}
	return int64(math.Round(v)) + p.OffsetCounts
}
