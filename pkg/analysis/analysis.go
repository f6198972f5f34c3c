// Package analysis turns a raw cuff-deflation waveform into a validated
// oscillometric blood-pressure result.
package analysis

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/phucdanh3082002/Iot-health-sub000/pkg/config"
)

// Physiological plausibility bounds. A result outside them is still
// returned; it just carries validation errors.
const (
	MinSystolicMmHg      = 70
	MaxSystolicMmHg      = 250
	MinDiastolicMmHg     = 40
	MaxDiastolicMmHg     = 150
	MinPulsePressureMmHg = 15
	MaxPulsePressureMmHg = 120
)

// minTracePoints is the least deflation trace that can carry enough cardiac
// cycles for envelope extraction.
const minTracePoints = 50

// snrCapDB bounds the reported SNR so a numerically silent residual stays
// JSON-representable.
const snrCapDB = 120.0

// Sample is one point of a pressure trace: seconds since the phase started
// and calibrated cuff pressure.
type Sample struct {
	Elapsed  float64
	Pressure float64
}

// Settings are the analysis tunables, defaults per AAMI-consistent ratios.
type Settings struct {
	BandpassLowHz     float64
	BandpassHighHz    float64
	MinSNRDB          float64
	SysAmplitudeRatio float64
	DiaAmplitudeRatio float64
}

func FromConfig(cfg config.AnalysisConfig) Settings {
	return Settings{
		BandpassLowHz:     cfg.BandpassLowHz,
		BandpassHighHz:    cfg.BandpassHighHz,
		MinSNRDB:          cfg.MinSNRDB,
		SysAmplitudeRatio: cfg.SysAmplitudeRatio,
		DiaAmplitudeRatio: cfg.DiaAmplitudeRatio,
	}
}

// Result is the sole externally consumed artifact of a measurement. Field
// names and units (mmHg, dB, seconds, Hz) are the compatibility contract
// with downstream storage.
type Result struct {
	Systolic             float64   `json:"systolic"`
	Diastolic            float64   `json:"diastolic"`
	MAP                  float64   `json:"map"`
	PulsePressure        float64   `json:"pulse_pressure"`
	OscillationAmplitude float64   `json:"oscillation_amplitude"`
	SNRdB                float64   `json:"snr_db"`
	PointsCollected      int       `json:"points_collected"`
	SampleRateHz         float64   `json:"sample_rate_hz"`
	DeflateDurationS     float64   `json:"deflate_duration_s"`
	IsValid              bool      `json:"is_valid"`
	ValidationErrors     []string  `json:"validation_errors"`
	Timestamp            time.Time `json:"timestamp"`
}

// Analyze runs the oscillometric pipeline over a deflation trace. An error
// means the trace could not be analyzed at all; a returned Result may still
// be flagged invalid through its ValidationErrors.
func Analyze(trace []Sample, s Settings) (*Result, error) {
	if len(trace) < minTracePoints {
		return nil, errors.Errorf("insufficient deflation samples: %d < %d", len(trace), minTracePoints)
	}

	fs, err := estimateSampleRate(trace)
	if err != nil {
		return nil, err
	}

	pressures := make([]float64, len(trace))
	for i, p := range trace {
		pressures[i] = p.Pressure
	}

	// isolate cardiac-synchronous oscillations from the deflation ramp
	detrended := detrend(trace, pressures)
	filtered := bandpass(detrended, fs, s.BandpassLowHz, s.BandpassHighHz)
	snr := snrDB(detrended, filtered)

	// oscillation amplitude envelope
	window := int(math.Round(fs / 2))
	env := movingAverage(analyticMagnitude(filtered), window)

	// the analytic signal and the bandpass startup transient are
	// unreliable near the trace edges; the transient decays over roughly
	// one low-cutoff period, so the peak search stays at least that far
	// inside
	guard := window
	if s.BandpassLowHz > 0 {
		if lowGuard := int(math.Ceil(fs / s.BandpassLowHz)); lowGuard > guard {
			guard = lowGuard
		}
	}
	if guard < 3 {
		guard = 3
	}
	if len(env)-2*guard < 3 {
		return nil, errors.Errorf("trace too short for envelope search: %d points", len(env))
	}
	iMAP := guard + floats.MaxIdx(env[guard:len(env)-guard])
	amp := env[iMAP]
	if amp <= 0 {
		return nil, errors.New("no oscillation envelope detected")
	}

	res := &Result{
		MAP:                  trace[iMAP].Pressure,
		OscillationAmplitude: amp,
		SNRdB:                snr,
		PointsCollected:      len(trace),
		SampleRateHz:         fs,
		DeflateDurationS:     trace[len(trace)-1].Elapsed - trace[0].Elapsed,
		Timestamp:            time.Now(),
	}

	// first crossing scanning outward from MAP, toward higher pressure for
	// systolic and lower for diastolic
	var sysFound, diaFound bool
	res.Systolic, sysFound = crossOutward(trace, env, iMAP, -1, s.SysAmplitudeRatio*amp, guard)
	res.Diastolic, diaFound = crossOutward(trace, env, iMAP, +1, s.DiaAmplitudeRatio*amp, guard)
	res.PulsePressure = res.Systolic - res.Diastolic

	res.validate(s, sysFound, diaFound)
	return res, nil
}

// validate applies the physiological and quality checks. Failures append
// human-readable reasons; the numbers themselves are never withheld.
func (r *Result) validate(s Settings, sysFound, diaFound bool) {
	var errs []string
	if !sysFound {
		errs = append(errs, "systolic crossing not found within trace")
	}
	if !diaFound {
		errs = append(errs, "diastolic crossing not found within trace")
	}
	if r.Systolic < MinSystolicMmHg || r.Systolic > MaxSystolicMmHg {
		errs = append(errs, fmt.Sprintf("systolic %.1f mmHg outside [%d, %d]",
			r.Systolic, MinSystolicMmHg, MaxSystolicMmHg))
	}
	if r.Diastolic < MinDiastolicMmHg || r.Diastolic > MaxDiastolicMmHg {
		errs = append(errs, fmt.Sprintf("diastolic %.1f mmHg outside [%d, %d]",
			r.Diastolic, MinDiastolicMmHg, MaxDiastolicMmHg))
	}
	if r.Systolic <= r.Diastolic {
		errs = append(errs, fmt.Sprintf("systolic %.1f not above diastolic %.1f", r.Systolic, r.Diastolic))
	}
	if r.PulsePressure < MinPulsePressureMmHg || r.PulsePressure > MaxPulsePressureMmHg {
		errs = append(errs, fmt.Sprintf("pulse pressure %.1f mmHg outside [%d, %d]",
			r.PulsePressure, MinPulsePressureMmHg, MaxPulsePressureMmHg))
	}
	if r.Diastolic > r.MAP || r.MAP > r.Systolic {
		errs = append(errs, fmt.Sprintf("MAP %.1f not between diastolic %.1f and systolic %.1f",
			r.MAP, r.Diastolic, r.Systolic))
	}
	if r.SNRdB < s.MinSNRDB {
		errs = append(errs, fmt.Sprintf("SNR %.1f dB below minimum %.1f dB", r.SNRdB, s.MinSNRDB))
	}
	r.ValidationErrors = errs
	r.IsValid = len(errs) == 0
}

// estimateSampleRate derives the rate from the median inter-sample interval;
// deflation speed and ADC timing jitter make the spacing non-uniform.
func estimateSampleRate(trace []Sample) (float64, error) {
	dts := make([]float64, 0, len(trace)-1)
	for i := 1; i < len(trace); i++ {
		dt := trace[i].Elapsed - trace[i-1].Elapsed
		if dt <= 0 {
			return 0, errors.Errorf("trace time not monotonic at sample %d", i)
		}
		dts = append(dts, dt)
	}
	sort.Float64s(dts)
	var med float64
	n := len(dts)
	if n%2 == 1 {
		med = dts[n/2]
	} else {
		med = (dts[n/2-1] + dts[n/2]) / 2
	}
	return 1 / med, nil
}

// detrend removes the least-squares linear ramp from the pressure series.
func detrend(trace []Sample, pressures []float64) []float64 {
	ts := make([]float64, len(trace))
	for i, p := range trace {
		ts[i] = p.Elapsed
	}
	alpha, beta := stat.LinearRegression(ts, pressures, nil, false)
	out := make([]float64, len(pressures))
	for i, v := range pressures {
		out[i] = v - (alpha + beta*ts[i])
	}
	return out
}

// snrDB compares in-band power against the residual rejected by the filter.
func snrDB(detrended, filtered []float64) float64 {
	var sig, noise float64
	for i := range detrended {
		r := detrended[i] - filtered[i]
		sig += filtered[i] * filtered[i]
		noise += r * r
	}
	if noise == 0 {
		return snrCapDB
	}
	snr := 10 * math.Log10(sig/noise)
	if snr > snrCapDB {
		return snrCapDB
	}
	return snr
}

// analyticMagnitude computes |x + i*H(x)| through the FFT: negative
// frequencies are zeroed, positive ones doubled, and the inverse transform's
// magnitude is the oscillation envelope.
func analyticMagnitude(x []float64) []float64 {
	n := len(x)
	fft := fourier.NewCmplxFFT(n)
	c := make([]complex128, n)
	for i, v := range x {
		c[i] = complex(v, 0)
	}
	coeff := fft.Coefficients(nil, c)
	for k := 1; k < n; k++ {
		switch {
		case n%2 == 0 && k == n/2:
			// Nyquist bin stays untouched
		case k < (n+1)/2:
			coeff[k] *= 2
		default:
			coeff[k] = 0
		}
	}
	seq := fft.Sequence(nil, coeff)
	out := make([]float64, n)
	for i, v := range seq {
		out[i] = cmplx.Abs(v) / float64(n)
	}
	return out
}

// crossOutward walks the envelope away from the MAP index (dir -1 toward
// higher pressure, +1 toward lower) and returns the pressure at the first
// threshold crossing, linearly interpolated between the bracketing samples.
// "First crossing found" is deliberate: on a noisy envelope with several
// crossings the one nearest MAP wins. The scan stops at the guard margin,
// where the envelope is edge-distorted; if no crossing occurs before then,
// the edge pressure is returned with found=false.
func crossOutward(trace []Sample, env []float64, iMAP, dir int, threshold float64, guard int) (float64, bool) {
	prev := iMAP
	for i := iMAP + dir; i >= guard && i < len(env)-guard; i += dir {
		if env[i] < threshold {
			// interpolate between prev (above) and i (below)
			span := env[prev] - env[i]
			if span <= 0 {
				return trace[i].Pressure, true
			}
			frac := (env[prev] - threshold) / span
			return trace[prev].Pressure + frac*(trace[i].Pressure-trace[prev].Pressure), true
		}
		prev = i
	}
	edge := 0
	if dir > 0 {
		edge = len(trace) - 1
	}
	return trace[edge].Pressure, false
}
